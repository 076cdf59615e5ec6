// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package stagerouter maps stage numbers to roles, prompt templates, and
// model options, and turns a stage execution into Model Router calls
// (spec.md §4.H). Its sole logic is message assembly plus the special
// two-call fan-out for the Code Generation stage; everything else (retry,
// fallback, cost, cache) lives below it in internal/router.
package stagerouter

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"buildforge/internal/pipeline/errs"
	"buildforge/internal/providers"
	"buildforge/internal/router"
	"buildforge/pkg/logging"
)

// BuildContext is the in-memory context a stage's messages are assembled
// from: the build's identity, the original specification, and the input
// artifacts read during preflight.
type BuildContext struct {
	BuildID   string
	TenantID  string
	UserID    string
	ProjectID string
	Spec      string
	// Artifacts maps input artifact names to their contents.
	Artifacts map[string][]byte
}

// PromptTemplate assembles the ordered message list for one stage from the
// build context. Templates are opaque collaborators: their content is
// configuration, not part of this design.
type PromptTemplate func(bctx BuildContext) []providers.Message

// Options is the per-stage option bag of the declarative table.
type Options struct {
	Temperature float64
	MaxTokens   int
	Streaming   bool
}

// Binding is one row of the stage table: stage number to role, optional
// model override, prompt template, and options.
type Binding struct {
	Role          string
	ModelOverride string
	TemplateID    string
	Options       Options
}

// Router is the Stage Router.
type Router struct {
	model     *router.Router
	table     map[float64]Binding
	templates map[string]PromptTemplate
	log       logging.Logger
}

// New constructs a Router over the Model Router with the given stage table
// and template registry.
func New(model *router.Router, table map[float64]Binding, templates map[string]PromptTemplate, log logging.Logger) *Router {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Router{model: model, table: table, templates: templates, log: log}
}

// Roles returns the distinct roles the stage table references, sorted, so
// the Provider Registry can validate the role map at boot (spec.md §4.D).
func (r *Router) Roles() []string {
	seen := make(map[string]struct{})
	for _, b := range r.table {
		seen[b.Role] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for role := range seen {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// RoleForStage returns the role bound to stage, or "" if the stage has no
// binding (non-AI stages).
func (r *Router) RoleForStage(stage float64) string {
	return r.table[stage].Role
}

// Execute performs the Model Router call for one stage and returns the
// response body.
func (r *Router) Execute(ctx context.Context, stage float64, bctx BuildContext) (string, error) {
	binding, ok := r.table[stage]
	if !ok {
		return "", errs.New(errs.KindInternal, fmt.Sprintf("stagerouter: no binding for stage %v", stage))
	}
	result, err := r.callRole(ctx, binding, bctx)
	if err != nil {
		return "", err
	}
	return result.Response.Body, nil
}

func (r *Router) callRole(ctx context.Context, binding Binding, bctx BuildContext) (router.Result, error) {
	template, ok := r.templates[binding.TemplateID]
	if !ok {
		return router.Result{}, errs.New(errs.KindInternal, fmt.Sprintf("stagerouter: unknown template %q", binding.TemplateID))
	}
	messages := template(bctx)

	opts := router.NewOptions()
	opts.Temperature = binding.Options.Temperature
	opts.MaxTokens = binding.Options.MaxTokens

	cctx := router.CallContext{
		BuildID:   bctx.BuildID,
		TenantID:  bctx.TenantID,
		UserID:    bctx.UserID,
		ProjectID: bctx.ProjectID,
		Role:      binding.Role,
	}
	return r.model.CallRole(ctx, cctx, messages, opts)
}

// CodeGenResult carries the composed outputs of the Code Generation
// stage's two parallel calls.
type CodeGenResult struct {
	// PromptPlan is the prompt-builder role's output: the per-file
	// generation plan.
	PromptPlan string
	// Code is the code-generator role's output.
	Code string
}

// ExecuteCodeGen runs the Code Generation stage: two parallel Model Router
// calls against the prompt-builder and code-generator roles, joined with
// an errgroup. Both must succeed for the stage to succeed (spec.md §4.H);
// the first failure cancels the sibling call.
func (r *Router) ExecuteCodeGen(ctx context.Context, stage float64, bctx BuildContext, promptBuilder, codeGenerator Binding) (CodeGenResult, error) {
	var result CodeGenResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := r.callRole(gctx, promptBuilder, bctx)
		if err != nil {
			return err
		}
		result.PromptPlan = res.Response.Body
		return nil
	})
	g.Go(func() error {
		res, err := r.callRole(gctx, codeGenerator, bctx)
		if err != nil {
			return err
		}
		result.Code = res.Response.Body
		return nil
	})

	if err := g.Wait(); err != nil {
		return CodeGenResult{}, err
	}
	return result, nil
}
