// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

package domain

import "time"

// EventType is the wire-level event discriminator, spec.md §6.
type EventType string

const (
	EventConnected EventType = "connected"
	EventPhase     EventType = "phase"
	EventProgress  EventType = "progress"
	EventStatus    EventType = "status"
	EventLog       EventType = "log"
	EventError     EventType = "error"
	EventPong      EventType = "pong"
)

// PhaseKind enumerates stage lifecycle transitions carried by a phase event.
type PhaseKind string

const (
	PhaseStarted      PhaseKind = "started"
	PhaseCompleted    PhaseKind = "completed"
	PhaseRetrying     PhaseKind = "retrying"
	PhaseRetrySuccess PhaseKind = "retry-success"
	PhaseFailed       PhaseKind = "failed"
)

// Event is one message on a build's Progress Bus topic.
type Event struct {
	Type    EventType `json:"type"`
	BuildID string    `json:"buildId"`
	Seq     uint64    `json:"seq"`
	Ts      time.Time `json:"ts"`

	// Phase payload
	Phase     PhaseKind `json:"phase,omitempty"`
	Stage     float64   `json:"stage,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	BackoffMs int64     `json:"backoffMs,omitempty"`

	// Progress payload
	Percent int    `json:"percent,omitempty"`
	Label   string `json:"label,omitempty"`

	// Status payload
	Status BuildStatus `json:"status,omitempty"`

	// Log payload
	Message string `json:"message,omitempty"`

	// Error payload
	ErrorKind     string `json:"kind,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
	Retryable     bool   `json:"retryable,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}
