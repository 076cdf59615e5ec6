// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

package pipeline

import (
	"context"

	"buildforge/internal/domain"
	"buildforge/pkg/logging"
)

// HandlerContext is everything a stage handler may read: the build, the
// stage descriptor, the preflighted input artifacts, and attempt metadata.
// Handlers are pure with respect to I/O — they return artifacts as
// in-memory values and never touch the filesystem themselves; persistence
// is the Orchestrator's job through the Artifact Store.
type HandlerContext struct {
	Build         *domain.Build
	Stage         domain.StageDescriptor
	Inputs        map[string][]byte
	Attempt       int
	CorrelationID string
	Log           logging.Logger
}

// HandlerResult carries a stage's produced artifacts, keyed by name.
type HandlerResult struct {
	Artifacts map[string][]byte
}

// Handler executes one stage attempt. A failed attempt returns a non-nil
// error whose retryability the Orchestrator reads via the error-kind
// taxonomy — never by parsing messages. A handler may return a partial
// HandlerResult alongside an error; the Orchestrator persists those
// partial artifacts for post-mortem.
type Handler interface {
	Execute(ctx context.Context, hc *HandlerContext) (*HandlerResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, hc *HandlerContext) (*HandlerResult, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, hc *HandlerContext) (*HandlerResult, error) {
	return f(ctx, hc)
}
