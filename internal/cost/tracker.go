// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package cost implements the Cost Tracker and Cost Controller (spec.md
// §4.E, §4.F): every outbound model call is recorded once, aggregated
// incrementally for the common per-dimension rolling windows, and durably
// logged to an embedded SQLite table for non-incremental groupBy queries
// and retention pruning.
package cost

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, registers "sqlite"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"buildforge/internal/domain"
	"buildforge/pkg/logging"
)

// Metrics are the Prometheus series the Tracker exposes. Callers register
// a *Metrics with their own registry (or prometheus.DefaultRegisterer).
type Metrics struct {
	CallsTotal  *prometheus.CounterVec
	CostTotal   *prometheus.CounterVec
	TokensTotal *prometheus.CounterVec
}

// NewMetrics constructs Metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildforge_model_calls_total",
			Help: "Total outbound model calls by provider, role, and outcome.",
		}, []string{"provider", "role", "outcome"}),
		CostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildforge_model_cost_usd_total",
			Help: "Total USD cost of outbound model calls by provider and role.",
		}, []string{"provider", "role"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildforge_model_tokens_total",
			Help: "Total tokens consumed by provider, role, and direction (input/output).",
		}, []string{"provider", "role", "direction"}),
	}
	reg.MustRegister(m.CallsTotal, m.CostTotal, m.TokensTotal)
	return m
}

// groupKey is one of the rolling-aggregate dimensions a call record is
// bucketed into, scoped to a calendar day (per spec.md §3 "Cost window
// key").
type groupKey struct {
	day       string
	dimension domain.CostWindowDimension
	value     string
}

// Tracker records every CallRecord and maintains incremental per-dimension
// rolling aggregates in memory, backed by a durable SQLite log for
// non-incremental groupBy queries and retention.
type Tracker struct {
	mu         sync.RWMutex
	aggregates map[groupKey]*domain.CostAggregate
	global     map[string]*domain.CostAggregate // day -> global (all-tenant) aggregate

	db      *sql.DB
	metrics *Metrics
	log     logging.Logger
	sched   *cron.Cron

	retentionDays int
}

// Config configures the Tracker's durable log.
type Config struct {
	// SQLitePath is the file path for the embedded durable call-record
	// log. Use ":memory:" for tests.
	SQLitePath string
	// RetentionDays is how long a call record is kept before the
	// retention sweep prunes it (spec.md §3: "retained until the
	// cost/token window of interest has rolled past (default 30 days)").
	RetentionDays int
}

// DefaultConfig returns a 30-day retention window against ./data/cost.db.
func DefaultConfig() Config {
	return Config{SQLitePath: "./data/cost.db", RetentionDays: 30}
}

// NewTracker opens (creating if absent) the SQLite log at cfg.SQLitePath
// and returns a ready Tracker. metrics may be nil to skip Prometheus
// instrumentation (e.g. in tests).
func NewTracker(cfg Config, metrics *Metrics, log logging.Logger) (*Tracker, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultConfig().RetentionDays
	}

	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("cost: opening sqlite log: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer, avoid SQLITE_BUSY churn

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("cost: creating schema: %w", err)
	}

	return &Tracker{
		aggregates:    make(map[groupKey]*domain.CostAggregate),
		global:        make(map[string]*domain.CostAggregate),
		db:            db,
		metrics:       metrics,
		log:           log,
		retentionDays: cfg.RetentionDays,
	}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS call_records (
	id             TEXT PRIMARY KEY,
	provider       TEXT NOT NULL,
	model          TEXT NOT NULL,
	role           TEXT NOT NULL,
	tenant_id      TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	project_id     TEXT NOT NULL,
	build_id       TEXT NOT NULL,
	input_tokens   INTEGER NOT NULL,
	output_tokens  INTEGER NOT NULL,
	cost_usd       REAL NOT NULL,
	latency_ms     INTEGER NOT NULL,
	cached         INTEGER NOT NULL,
	fallback_used  INTEGER NOT NULL,
	outcome        TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	occurred_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_records_occurred_at ON call_records(occurred_at);
CREATE INDEX IF NOT EXISTS idx_call_records_tenant ON call_records(tenant_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_call_records_user ON call_records(user_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_call_records_build ON call_records(build_id);
`

// Close releases the underlying SQLite handle and stops the retention
// sweep if started.
func (t *Tracker) Close() error {
	if t.sched != nil {
		t.sched.Stop()
	}
	return t.db.Close()
}

// Record persists one call record, updates incremental rolling aggregates,
// and emits Prometheus data points. Per spec.md §8 "at-most-once cost
// accounting", this must be called exactly once per terminal Model Router
// outcome (never on a cache hit — cache hits re-use the original call's
// accounting).
func (t *Tracker) Record(ctx context.Context, cr domain.CallRecord) error {
	if cr.OccurredAt.IsZero() {
		cr.OccurredAt = time.Now().UTC()
	}

	_, err := t.db.ExecContext(ctx, `INSERT INTO call_records
		(id, provider, model, role, tenant_id, user_id, project_id, build_id,
		 input_tokens, output_tokens, cost_usd, latency_ms, cached, fallback_used,
		 outcome, correlation_id, occurred_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		cr.ID, cr.Provider, cr.Model, cr.Role, cr.TenantID, cr.UserID, cr.ProjectID, cr.BuildID,
		cr.InputTokens, cr.OutputTokens, cr.CostUSD, cr.LatencyMs, boolToInt(cr.Cached), boolToInt(cr.FallbackUsed),
		string(cr.Outcome), cr.CorrelationID, cr.OccurredAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("cost: inserting call record: %w", err)
	}

	t.updateAggregates(cr)

	if t.metrics != nil {
		t.metrics.CallsTotal.WithLabelValues(cr.Provider, cr.Role, string(cr.Outcome)).Inc()
		t.metrics.CostTotal.WithLabelValues(cr.Provider, cr.Role).Add(cr.CostUSD)
		t.metrics.TokensTotal.WithLabelValues(cr.Provider, cr.Role, "input").Add(float64(cr.InputTokens))
		t.metrics.TokensTotal.WithLabelValues(cr.Provider, cr.Role, "output").Add(float64(cr.OutputTokens))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dayOf(ts time.Time) string { return ts.UTC().Format("2006-01-02") }

func (t *Tracker) updateAggregates(cr domain.CallRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	day := dayOf(cr.OccurredAt)
	bump := func(dim domain.CostWindowDimension, value string) {
		if value == "" {
			return
		}
		k := groupKey{day: day, dimension: dim, value: value}
		agg, ok := t.aggregates[k]
		if !ok {
			agg = &domain.CostAggregate{Key: value}
			t.aggregates[k] = agg
		}
		agg.CostUSD += cr.CostUSD
		agg.CallCount++
	}
	bump(domain.DimensionTenant, cr.TenantID)
	bump(domain.DimensionUser, cr.UserID)
	bump(domain.DimensionProject, cr.ProjectID)
	bump(domain.DimensionBuild, cr.BuildID)

	g, ok := t.global[day]
	if !ok {
		g = &domain.CostAggregate{Key: day}
		t.global[day] = g
	}
	g.CostUSD += cr.CostUSD
	g.CallCount++
}

// GlobalDailySpend returns the all-tenant cost sum for the given day.
func (t *Tracker) GlobalDailySpend(day time.Time) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if g, ok := t.global[dayOf(day)]; ok {
		return g.CostUSD
	}
	return 0
}

// GlobalMonthlySpend sums GlobalDailySpend across the calendar month
// containing asOf.
func (t *Tracker) GlobalMonthlySpend(asOf time.Time) float64 {
	year, month, _ := asOf.UTC().Date()
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	var total float64
	t.mu.RLock()
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		if g, ok := t.global[dayOf(d)]; ok {
			total += g.CostUSD
		}
	}
	t.mu.RUnlock()
	return total
}

// DailySpend returns the incrementally-maintained cost sum for (dimension,
// value) on the given day, in O(1). This is the fast path spec.md §4.E
// calls out ("Aggregates are maintained incrementally on record for O(1)
// common queries").
func (t *Tracker) DailySpend(dimension domain.CostWindowDimension, value string, day time.Time) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	k := groupKey{day: dayOf(day), dimension: dimension, value: value}
	agg, ok := t.aggregates[k]
	if !ok {
		return 0
	}
	return agg.CostUSD
}

// MonthlySpend sums DailySpend across the calendar month containing asOf.
// Unlike DailySpend this is O(days-in-month) against the in-memory table,
// not a database scan.
func (t *Tracker) MonthlySpend(dimension domain.CostWindowDimension, value string, asOf time.Time) float64 {
	year, month, _ := asOf.UTC().Date()
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	var total float64
	t.mu.RLock()
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		k := groupKey{day: dayOf(d), dimension: dimension, value: value}
		if agg, ok := t.aggregates[k]; ok {
			total += agg.CostUSD
		}
	}
	t.mu.RUnlock()
	return total
}

// QueryFilters narrows a non-incremental Query across the durable log.
type QueryFilters struct {
	Provider  string
	Model     string
	Role      string
	TenantID  string
	UserID    string
	ProjectID string
	BuildID   string
	From      time.Time
	To        time.Time
}

// Query scans the durable log for rows matching filters and groups by
// groupBy, returning a sum aggregate per distinct groupBy value. This is
// the non-incremental path spec.md §4.E allows to "scan the record list"
// for queries the incremental table doesn't directly serve (e.g. grouping
// by model or arbitrary time ranges).
func (t *Tracker) Query(ctx context.Context, filters QueryFilters, groupBy domain.CostWindowDimension) ([]domain.CostAggregate, error) {
	column, err := columnFor(groupBy)
	if err != nil {
		return nil, err
	}

	where := "1=1"
	var args []any
	add := func(clause, val string) {
		if val == "" {
			return
		}
		where += " AND " + clause
		args = append(args, val)
	}
	add("provider = ?", filters.Provider)
	add("model = ?", filters.Model)
	add("role = ?", filters.Role)
	add("tenant_id = ?", filters.TenantID)
	add("user_id = ?", filters.UserID)
	add("project_id = ?", filters.ProjectID)
	add("build_id = ?", filters.BuildID)
	if !filters.From.IsZero() {
		where += " AND occurred_at >= ?"
		args = append(args, filters.From.UTC().Format(time.RFC3339Nano))
	}
	if !filters.To.IsZero() {
		where += " AND occurred_at < ?"
		args = append(args, filters.To.UTC().Format(time.RFC3339Nano))
	}

	query := fmt.Sprintf(`SELECT %s AS k, SUM(cost_usd), COUNT(*) FROM call_records WHERE %s GROUP BY %s ORDER BY k`, column, where, column)
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cost: querying: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.CostAggregate
	for rows.Next() {
		var agg domain.CostAggregate
		if err := rows.Scan(&agg.Key, &agg.CostUSD, &agg.CallCount); err != nil {
			return nil, fmt.Errorf("cost: scanning row: %w", err)
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

// BuildUsage returns the number of recorded calls and total tokens for one
// build, for the read-only usage rollup surfaced by the Control API's get
// operation.
func (t *Tracker) BuildUsage(ctx context.Context, buildID string) (calls int64, tokens int64, err error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens + output_tokens), 0) FROM call_records WHERE build_id = ?`, buildID)
	if err := row.Scan(&calls, &tokens); err != nil {
		return 0, 0, fmt.Errorf("cost: querying build usage: %w", err)
	}
	return calls, tokens, nil
}

func columnFor(dim domain.CostWindowDimension) (string, error) {
	switch dim {
	case domain.DimensionTenant:
		return "tenant_id", nil
	case domain.DimensionUser:
		return "user_id", nil
	case domain.DimensionProject:
		return "project_id", nil
	case domain.DimensionBuild:
		return "build_id", nil
	default:
		return "", fmt.Errorf("cost: unsupported groupBy dimension %q", dim)
	}
}

// StartRetentionSweep schedules a daily job (cron expression "0 3 * * *" —
// 03:00 local) that prunes call records older than retentionDays. Callers
// should invoke the returned stop function on shutdown.
func (t *Tracker) StartRetentionSweep() (stop func(), err error) {
	sched := cron.New()
	_, err = sched.AddFunc("0 3 * * *", t.pruneOldRecords)
	if err != nil {
		return nil, fmt.Errorf("cost: scheduling retention sweep: %w", err)
	}
	sched.Start()
	t.sched = sched
	return func() { sched.Stop() }, nil
}

func (t *Tracker) pruneOldRecords() {
	cutoff := time.Now().UTC().AddDate(0, 0, -t.retentionDays).Format(time.RFC3339Nano)
	res, err := t.db.Exec(`DELETE FROM call_records WHERE occurred_at < ?`, cutoff)
	if err != nil {
		t.log.Error("cost retention sweep failed", logging.NewField("error", err.Error()))
		return
	}
	n, _ := res.RowsAffected()
	t.log.Info("cost retention sweep complete", logging.NewField("rowsDeleted", n))

	// Aggregates older than retention no longer need to be held in memory
	// either; they are by calendar day, so prune any day key before the
	// cutoff day.
	cutoffDay := dayOf(time.Now().UTC().AddDate(0, 0, -t.retentionDays))
	t.mu.Lock()
	for k := range t.aggregates {
		if k.day < cutoffDay {
			delete(t.aggregates, k)
		}
	}
	for day := range t.global {
		if day < cutoffDay {
			delete(t.global, day)
		}
	}
	t.mu.Unlock()
}
