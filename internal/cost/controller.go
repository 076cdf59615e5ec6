// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

package cost

import (
	"fmt"
	"sync"
	"time"

	"buildforge/internal/domain"
	"buildforge/pkg/logging"
)

// Limits is the admission policy configuration of spec.md §4.F. All fields
// are optional monetary ceilings in USD; zero/unset means "no limit" for
// that dimension.
type Limits struct {
	DailyLimit         float64
	MonthlyLimit       float64
	PerBuildLimit      float64
	PerUserDaily       float64
	PerTenantDaily     float64
	EmergencyStopDaily float64
}

// AdmissionContext is the principal/scope a cost check is evaluated
// against.
type AdmissionContext struct {
	BuildID   string
	TenantID  string
	UserID    string
	ProjectID string
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed  bool
	Reasons  []string
	Warnings []string
}

// AlertFunc is invoked whenever a threshold crosses the 80% warning or
// 100% breach mark. kind is "warning" or "breach".
type AlertFunc func(kind, dimension, value string, limit, current float64)

// Controller applies the Cost Tracker's aggregates against Limits,
// admitting or denying builds and calls, and enforcing an emergency stop
// that pauses new-build acceptance until explicitly resumed.
type Controller struct {
	tracker *Tracker
	limits  Limits
	log     logging.Logger
	onAlert AlertFunc

	mu             sync.Mutex
	stopped        bool
	stopReason     string
	alerted80      map[string]bool // dedupe warning alerts per (dimension,value,day)
	alerted100     map[string]bool
	buildEstimates map[string]float64 // buildId -> estimated cost admitted so far this build
}

// NewController builds a Controller over tracker with the given limits.
// onAlert may be nil to skip alerting.
func NewController(tracker *Tracker, limits Limits, onAlert AlertFunc, log logging.Logger) *Controller {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Controller{
		tracker:        tracker,
		limits:         limits,
		log:            log,
		onAlert:        onAlert,
		alerted80:      make(map[string]bool),
		alerted100:     make(map[string]bool),
		buildEstimates: make(map[string]float64),
	}
}

// AdmitBuild checks whether a new build may start, given an estimated
// cost. A paused (emergency-stopped) Controller is a terminal denial for
// new work (spec.md §4.F: "A paused Controller is a terminal admission
// decision for new work; in-flight builds are not forcibly killed").
func (c *Controller) AdmitBuild(ctx AdmissionContext, estimatedCost float64) Decision {
	c.mu.Lock()
	stopped, reason := c.stopped, c.stopReason
	c.mu.Unlock()

	if stopped {
		return Decision{Allowed: false, Reasons: []string{fmt.Sprintf("emergency stop in effect: %s", reason)}}
	}

	return c.admit(ctx, estimatedCost)
}

// AdmitCall checks whether one more model call within an already-admitted
// build may proceed. Per spec.md §8 "admission closure", a zero estimated
// cost call against a context that was already admitted remains admitted
// until a threshold is actually breached by completed cost.
func (c *Controller) AdmitCall(ctx AdmissionContext, estimatedCost float64) Decision {
	c.mu.Lock()
	stopped, reason := c.stopped, c.stopReason
	c.mu.Unlock()

	if stopped {
		return Decision{Allowed: false, Reasons: []string{fmt.Sprintf("emergency stop in effect: %s", reason)}}
	}
	return c.admit(ctx, estimatedCost)
}

func (c *Controller) admit(ctx AdmissionContext, estimatedCost float64) Decision {
	now := time.Now().UTC()
	var reasons, warnings []string

	check := func(label string, current, limit float64) {
		if limit <= 0 {
			return
		}
		projected := current + estimatedCost
		if projected > limit {
			reasons = append(reasons, fmt.Sprintf("%s would exceed limit ($%.4f + $%.4f > $%.4f)", label, current, estimatedCost, limit))
			return
		}
		if projected >= limit*0.8 {
			warnings = append(warnings, fmt.Sprintf("%s at %.0f%% of limit", label, 100*projected/limit))
		}
	}

	if c.limits.PerBuildLimit > 0 {
		c.mu.Lock()
		spent := c.buildEstimates[ctx.BuildID]
		c.mu.Unlock()
		check("per-build", spent, c.limits.PerBuildLimit)
	}
	if c.limits.DailyLimit > 0 {
		check("daily (global)", c.tracker.GlobalDailySpend(now), c.limits.DailyLimit)
	}
	if c.limits.MonthlyLimit > 0 {
		check("monthly (global)", c.tracker.GlobalMonthlySpend(now), c.limits.MonthlyLimit)
	}
	if c.limits.PerUserDaily > 0 && ctx.UserID != "" {
		check(fmt.Sprintf("per-user daily (%s)", ctx.UserID), c.tracker.DailySpend(domain.DimensionUser, ctx.UserID, now), c.limits.PerUserDaily)
	}
	if c.limits.PerTenantDaily > 0 && ctx.TenantID != "" {
		check(fmt.Sprintf("per-tenant daily (%s)", ctx.TenantID), c.tracker.DailySpend(domain.DimensionTenant, ctx.TenantID, now), c.limits.PerTenantDaily)
	}

	decision := Decision{Allowed: len(reasons) == 0, Reasons: reasons, Warnings: warnings}

	if decision.Allowed && ctx.BuildID != "" {
		c.mu.Lock()
		c.buildEstimates[ctx.BuildID] += estimatedCost
		c.mu.Unlock()
	}

	for _, w := range warnings {
		c.log.Warn("cost threshold warning", logging.NewField("detail", w), logging.NewField("buildId", ctx.BuildID))
		if c.onAlert != nil {
			c.onAlert("warning", "admission", ctx.BuildID, 0, 0)
		}
	}
	return decision
}

// OnCallCompleted reads the Tracker's completed cost and checks for breach
// of the emergency-stop threshold, pausing acceptance of new builds if
// crossed. It does not touch the per-build estimate bookkeeping: per-build
// admission keeps counting the estimates admitted for the build, not the
// recorded cost.
func (c *Controller) OnCallCompleted(cr domain.CallRecord) {
	if c.limits.EmergencyStopDaily > 0 {
		spent := c.tracker.GlobalDailySpend(time.Now().UTC())
		if spent >= c.limits.EmergencyStopDaily {
			c.EmergencyStop(fmt.Sprintf("daily global spend $%.4f reached emergency threshold $%.4f", spent, c.limits.EmergencyStopDaily))
		}
	}

	day := dayOf(cr.OccurredAt)
	c.checkAndAlert(domain.DimensionTenant, cr.TenantID, day)
	c.checkAndAlert(domain.DimensionUser, cr.UserID, day)
}

func (c *Controller) checkAndAlert(dim domain.CostWindowDimension, value, day string) {
	if value == "" {
		return
	}
	var limit float64
	switch dim {
	case domain.DimensionTenant:
		limit = c.limits.PerTenantDaily
	case domain.DimensionUser:
		limit = c.limits.PerUserDaily
	}
	if limit <= 0 {
		return
	}
	spend := c.tracker.DailySpend(dim, value, time.Now().UTC())
	ratio := spend / limit
	key80 := fmt.Sprintf("%s|%s|%s|80", dim, value, day)
	key100 := fmt.Sprintf("%s|%s|%s|100", dim, value, day)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ratio >= 1.0 && !c.alerted100[key100] {
		c.alerted100[key100] = true
		c.log.Warn("cost threshold breach", logging.NewField("dimension", string(dim)), logging.NewField("value", value), logging.NewField("spend", spend), logging.NewField("limit", limit))
		if c.onAlert != nil {
			c.onAlert("breach", string(dim), value, limit, spend)
		}
	} else if ratio >= 0.8 && !c.alerted80[key80] {
		c.alerted80[key80] = true
		if c.onAlert != nil {
			c.onAlert("warning", string(dim), value, limit, spend)
		}
	}
}

// EmergencyStop pauses acceptance of new builds. In-flight builds continue
// to run; only AdmitBuild/AdmitCall start returning a denial.
func (c *Controller) EmergencyStop(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	c.stopReason = reason
	c.log.Error("cost controller emergency stop engaged", logging.NewField("reason", reason))
}

// EmergencyResume clears an emergency stop. actor is logged for audit.
func (c *Controller) EmergencyResume(reason, actor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = false
	c.stopReason = ""
	c.log.Info("cost controller emergency stop cleared", logging.NewField("reason", reason), logging.NewField("actor", actor))
}

// Stopped reports whether the Controller is currently in emergency-stop
// state.
func (c *Controller) Stopped() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped, c.stopReason
}
