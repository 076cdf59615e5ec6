// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package domain holds the wire-contract types shared across every pipeline
// component: Build, Stage descriptor, Artifact, Event, Call record, Cost
// window, Provider health, and Cache entry, per the data model.
package domain

import "time"

// BuildStatus is the build-level state machine.
type BuildStatus string

const (
	BuildQueued    BuildStatus = "queued"
	BuildRunning   BuildStatus = "running"
	BuildCompleted BuildStatus = "completed"
	BuildFailed    BuildStatus = "failed"
	BuildCancelled BuildStatus = "cancelled"
)

// StageStatus is the stage-level sub-state.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageCancelled StageStatus = "cancelled"
)

// ErrorLogEntry is one row in a Build's ordered error log.
type ErrorLogEntry struct {
	Kind           string    `json:"kind"`
	Stage          float64   `json:"stage"`
	Attempt        int       `json:"attempt"`
	Message        string    `json:"message"`
	CorrelationID  string    `json:"correlationId"`
	IsFinalFailure bool      `json:"isFinalFailure"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// ResourceUsage is a read-only rollup of what a build has consumed so far,
// derived from the Cost Tracker and Artifact Store rather than tracked
// independently (see SPEC_FULL.md "Resource usage accounting per build").
type ResourceUsage struct {
	AIRequestsUsed    int   `json:"aiRequestsUsed"`
	AITokensConsumed  int64 `json:"aiTokensConsumed"`
	ArtifactsWritten  int   `json:"artifactsWritten"`
	TotalBytesWritten int64 `json:"totalBytesWritten"`
}

// Build is the root entity: one execution of the pipeline for one
// specification.
type Build struct {
	ID           string      `json:"id"`
	TenantID     string      `json:"tenantId"`
	ProjectID    string      `json:"projectId"`
	UserID       string      `json:"userId"`
	Spec         string      `json:"spec"`
	Status       BuildStatus `json:"status"`
	CurrentStage float64     `json:"currentStage"`

	StageStatus    map[string]StageStatus `json:"stageStatus"`
	StageArtifacts map[string][]string    `json:"stageArtifacts"` // stage key -> artifact names produced
	ErrorLog       []ErrorLogEntry        `json:"errorLog"`
	Usage          ResourceUsage          `json:"usage"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`

	// RetriedFromBuildID is set when this build was created by the
	// retry operation cloning a failed build.
	RetriedFromBuildID string `json:"retriedFromBuildId,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`

	cancelRequested bool
}

// CancelRequested reports whether a cancel has been requested for this
// build. It is checked by the Orchestrator between stages and, where
// handlers cooperate, at suspension points inside a stage.
func (b *Build) CancelRequested() bool { return b.cancelRequested }

// RequestCancel sets the cancel flag. Idempotent.
func (b *Build) RequestCancel() { b.cancelRequested = true }

// Clone returns a deep-enough copy of b suitable for the retry operation:
// a new Build carrying the same spec/tenant/project/user, status reset to
// queued, with no stage state, errors, or timestamps carried over.
func (b *Build) Clone(newID string) *Build {
	return &Build{
		ID:                 newID,
		TenantID:           b.TenantID,
		ProjectID:          b.ProjectID,
		UserID:             b.UserID,
		Spec:               b.Spec,
		Status:             BuildQueued,
		StageStatus:        map[string]StageStatus{},
		StageArtifacts:     map[string][]string{},
		RetriedFromBuildID: b.ID,
	}
}
