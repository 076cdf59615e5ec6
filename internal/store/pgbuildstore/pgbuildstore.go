// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package pgbuildstore is the Postgres-backed reference implementation of
// the Build record store collaborator (spec.md §6). Stage state, artifact
// pointers, the error log, and the usage rollup are stored as JSONB
// documents; scalar columns cover everything List filters and sorts on.
package pgbuildstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"buildforge/internal/collab"
	"buildforge/internal/domain"
	"buildforge/internal/pipeline/errs"
	"buildforge/pkg/logging"
)

// Schema is the single embedded DDL applied by Migrate. There is no
// pluggable migration engine; the table is created idempotently at boot.
const Schema = `
CREATE TABLE IF NOT EXISTS builds (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	project_id      TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	spec            TEXT NOT NULL,
	status          TEXT NOT NULL,
	current_stage   DOUBLE PRECISION NOT NULL DEFAULT 0,
	stage_status    JSONB NOT NULL DEFAULT '{}',
	stage_artifacts JSONB NOT NULL DEFAULT '{}',
	error_log       JSONB NOT NULL DEFAULT '[]',
	usage           JSONB NOT NULL DEFAULT '{}',
	error_message   TEXT NOT NULL DEFAULT '',
	retried_from    TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	failed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_builds_tenant_created ON builds(tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status);
CREATE INDEX IF NOT EXISTS idx_builds_user ON builds(user_id, created_at DESC);
`

// Store is the pgx-backed collab.BuildStore.
type Store struct {
	pool *pgxpool.Pool
	log  logging.Logger
}

var _ collab.BuildStore = (*Store)(nil)

// New connects a pool to databaseURL.
func New(ctx context.Context, databaseURL string, log logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgbuildstore: connecting: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// NewWithPool wraps an existing pool; callers own its lifecycle.
func NewWithPool(pool *pgxpool.Pool, log logging.Logger) *Store {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Store{pool: pool, log: log}
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgbuildstore: applying schema: %w", err)
	}
	s.log.Info("build store schema applied")
	return nil
}

const buildColumns = `id, tenant_id, project_id, user_id, spec, status, current_stage,
	stage_status, stage_artifacts, error_log, usage, error_message, retried_from,
	created_at, started_at, completed_at, failed_at`

// FindByID returns the build, or a NotFound error.
func (s *Store) FindByID(ctx context.Context, id string) (*domain.Build, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, id)
	b, err := scanBuild(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.KindNotFound, "build "+id+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("pgbuildstore: finding %s: %w", id, err)
	}
	return b, nil
}

// Save inserts a new build.
func (s *Store) Save(ctx context.Context, b *domain.Build) error {
	stageStatus, stageArtifacts, errorLog, usage, err := marshalDocs(b)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO builds (`+buildColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		b.ID, b.TenantID, b.ProjectID, b.UserID, b.Spec, string(b.Status), b.CurrentStage,
		stageStatus, stageArtifacts, errorLog, usage, b.ErrorMessage, b.RetriedFromBuildID,
		b.CreatedAt, b.StartedAt, b.CompletedAt, b.FailedAt)
	if err != nil {
		return fmt.Errorf("pgbuildstore: saving %s: %w", b.ID, err)
	}
	return nil
}

// Update overwrites an existing build row.
func (s *Store) Update(ctx context.Context, b *domain.Build) error {
	stageStatus, stageArtifacts, errorLog, usage, err := marshalDocs(b)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE builds SET
		status = $2, current_stage = $3, stage_status = $4, stage_artifacts = $5,
		error_log = $6, usage = $7, error_message = $8,
		started_at = $9, completed_at = $10, failed_at = $11
		WHERE id = $1`,
		b.ID, string(b.Status), b.CurrentStage, stageStatus, stageArtifacts,
		errorLog, usage, b.ErrorMessage, b.StartedAt, b.CompletedAt, b.FailedAt)
	if err != nil {
		return fmt.Errorf("pgbuildstore: updating %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.KindNotFound, "build "+b.ID+" not found")
	}
	return nil
}

// AppendError appends one entry to the build's error log atomically in the
// database, so concurrent writers never lose entries.
func (s *Store) AppendError(ctx context.Context, id string, entry domain.ErrorLogEntry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("pgbuildstore: encoding error entry: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE builds SET error_log = error_log || $2::jsonb WHERE id = $1`, id, doc)
	if err != nil {
		return fmt.Errorf("pgbuildstore: appending error to %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.KindNotFound, "build "+id+" not found")
	}
	return nil
}

// List returns builds matching filters.
func (s *Store) List(ctx context.Context, filters collab.BuildFilters) ([]*domain.Build, error) {
	query, args := BuildListQuery(filters)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgbuildstore: listing: %w", err)
	}
	defer rows.Close()

	var out []*domain.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("pgbuildstore: scanning row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BuildListQuery assembles the parameterized List statement. Exported so
// the SQL shape is testable without a live database.
func BuildListQuery(filters collab.BuildFilters) (string, []any) {
	var clauses []string
	var args []any
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("status", string(filters.Status))
	add("tenant_id", filters.TenantID)
	add("user_id", filters.UserID)
	add("project_id", filters.ProjectID)

	query := `SELECT ` + buildColumns + ` FROM builds`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	sortColumn := "created_at"
	if filters.SortBy == "completedAt" {
		sortColumn = "completed_at"
	}
	order := "DESC"
	if filters.SortOrder == "asc" {
		order = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, id %s", sortColumn, order, order)

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (*domain.Build, error) {
	var b domain.Build
	var status string
	var stageStatus, stageArtifacts, errorLog, usage []byte

	err := row.Scan(&b.ID, &b.TenantID, &b.ProjectID, &b.UserID, &b.Spec, &status, &b.CurrentStage,
		&stageStatus, &stageArtifacts, &errorLog, &usage, &b.ErrorMessage, &b.RetriedFromBuildID,
		&b.CreatedAt, &b.StartedAt, &b.CompletedAt, &b.FailedAt)
	if err != nil {
		return nil, err
	}
	b.Status = domain.BuildStatus(status)

	if err := json.Unmarshal(stageStatus, &b.StageStatus); err != nil {
		return nil, fmt.Errorf("decoding stage_status: %w", err)
	}
	if err := json.Unmarshal(stageArtifacts, &b.StageArtifacts); err != nil {
		return nil, fmt.Errorf("decoding stage_artifacts: %w", err)
	}
	if err := json.Unmarshal(errorLog, &b.ErrorLog); err != nil {
		return nil, fmt.Errorf("decoding error_log: %w", err)
	}
	if err := json.Unmarshal(usage, &b.Usage); err != nil {
		return nil, fmt.Errorf("decoding usage: %w", err)
	}
	return &b, nil
}

func marshalDocs(b *domain.Build) (stageStatus, stageArtifacts, errorLog, usage []byte, err error) {
	if stageStatus, err = json.Marshal(orEmptyStatus(b.StageStatus)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("pgbuildstore: encoding stage_status: %w", err)
	}
	if stageArtifacts, err = json.Marshal(orEmptyArtifacts(b.StageArtifacts)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("pgbuildstore: encoding stage_artifacts: %w", err)
	}
	log := b.ErrorLog
	if log == nil {
		log = []domain.ErrorLogEntry{}
	}
	if errorLog, err = json.Marshal(log); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("pgbuildstore: encoding error_log: %w", err)
	}
	if usage, err = json.Marshal(b.Usage); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("pgbuildstore: encoding usage: %w", err)
	}
	return stageStatus, stageArtifacts, errorLog, usage, nil
}

func orEmptyStatus(m map[string]domain.StageStatus) map[string]domain.StageStatus {
	if m == nil {
		return map[string]domain.StageStatus{}
	}
	return m
}

func orEmptyArtifacts(m map[string][]string) map[string][]string {
	if m == nil {
		return map[string][]string{}
	}
	return m
}
