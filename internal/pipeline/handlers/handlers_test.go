// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildforge/internal/artifact"
	"buildforge/internal/collab"
	"buildforge/internal/domain"
	"buildforge/internal/pipeline"
	"buildforge/internal/pipeline/errs"
	"buildforge/internal/providers"
	"buildforge/internal/ratelimit"
	"buildforge/internal/router"
	"buildforge/internal/stagerouter"
)

// cannedAdapter answers every call with a fixed body, so handlers that
// parse model output can be tested deterministically.
type cannedAdapter struct {
	body string
}

func (a *cannedAdapter) ID() string                     { return "canned" }
func (a *cannedAdapter) Models() []providers.ModelPrice { return []providers.ModelPrice{{Model: "m"}} }
func (a *cannedAdapter) Call(ctx context.Context, model string, messages []providers.Message, opts providers.CallOptions) (providers.Response, error) {
	return providers.Response{Body: a.body, InputTokens: 10, OutputTokens: 20}, nil
}
func (a *cannedAdapter) Stream(ctx context.Context, model string, messages []providers.Message, opts providers.CallOptions, yield func(providers.StreamChunk) error) error {
	return yield(providers.StreamChunk{Delta: a.body, Done: true})
}
func (a *cannedAdapter) ClassifyError(err error) providers.ErrorClass {
	return providers.ErrorRetryable
}
func (a *cannedAdapter) HealthProbe(ctx context.Context) error { return nil }

func newStageRouter(t *testing.T, body string) *stagerouter.Router {
	t.Helper()
	registry := providers.NewRegistry()
	registry.Register(&cannedAdapter{body: body})

	model := router.New(registry, ratelimit.New(nil), nil, 0, nil, nil, nil, nil, nil)
	roles := make(map[string]providers.RoleBinding)
	for _, role := range []string{
		stagerouter.RoleClarifier, stagerouter.RolePromptBuilder, stagerouter.RoleCodeGenerator,
	} {
		roles[role] = providers.RoleBinding{Provider: "canned", Model: "m"}
	}
	model.SetRoleMap(roles)
	return stagerouter.New(model, stagerouter.DefaultTable(), stagerouter.DefaultTemplates(), nil)
}

func handlerCtx(stage domain.StageDescriptor, inputs map[string][]byte) *pipeline.HandlerContext {
	return &pipeline.HandlerContext{
		Build: &domain.Build{
			ID:       "b1",
			TenantID: "t1",
			Spec:     `{"app":"todo"}`,
		},
		Stage:  stage,
		Inputs: inputs,
	}
}

func TestAIHandlerProducesDeclaredOutput(t *testing.T) {
	h := NewAIHandler(newStageRouter(t, `{"clarified":true}`))

	stage := domain.StageDescriptor{Number: 0, Name: "Clarification", Outputs: []string{pipeline.ArtifactSpecs}}
	result, err := h.Execute(context.Background(), handlerCtx(stage, nil))
	require.NoError(t, err)
	assert.Equal(t, `{"clarified":true}`, string(result.Artifacts[pipeline.ArtifactSpecs]))
}

func TestScaffoldHandler(t *testing.T) {
	h := NewScaffoldHandler()
	stage := domain.StageDescriptor{Number: 6, Name: "Scaffolding", Outputs: []string{pipeline.ArtifactScaffoldManifest}}

	plan := `{"files":["cmd/app/main.go","internal\\server\\server.go","go.mod"]}`
	result, err := h.Execute(context.Background(), handlerCtx(stage, map[string][]byte{
		pipeline.ArtifactFileStructure: []byte(plan),
	}))
	require.NoError(t, err)

	assert.Contains(t, result.Artifacts, "cmd/app/main.go")
	assert.Contains(t, result.Artifacts, "internal/server/server.go", "backslash paths are canonicalized")
	assert.Contains(t, result.Artifacts, "go.mod")
	assert.Empty(t, result.Artifacts["cmd/app/main.go"], "scaffolded files are empty")

	var manifest struct {
		Files []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(result.Artifacts[pipeline.ArtifactScaffoldManifest], &manifest))
	assert.Len(t, manifest.Files, 3)
}

func TestScaffoldHandlerBadPlanIsRetryable(t *testing.T) {
	h := NewScaffoldHandler()
	stage := domain.StageDescriptor{Number: 6, Outputs: []string{pipeline.ArtifactScaffoldManifest}}

	_, err := h.Execute(context.Background(), handlerCtx(stage, map[string][]byte{
		pipeline.ArtifactFileStructure: []byte("not json"),
	}))
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
}

func TestCodeGenHandler(t *testing.T) {
	code := `{"main.go":"package main\n","go.mod":"module app\n"}`
	h := NewCodeGenHandler(newStageRouter(t, code))
	stage := domain.StageDescriptor{Number: 7, Name: "Code Generation", Outputs: []string{pipeline.ArtifactGenerationManifest}}

	result, err := h.Execute(context.Background(), handlerCtx(stage, nil))
	require.NoError(t, err)

	assert.Equal(t, "package main\n", string(result.Artifacts["main.go"]))
	assert.Equal(t, "module app\n", string(result.Artifacts["go.mod"]))

	var manifest generationManifest
	require.NoError(t, json.Unmarshal(result.Artifacts[pipeline.ArtifactGenerationManifest], &manifest))
	assert.ElementsMatch(t, []string{"main.go", "go.mod"}, manifest.Files)
	assert.NotEmpty(t, manifest.Plan, "the prompt-builder output is composed into the manifest")
}

func TestCodeGenHandlerNonJSONIsRetryable(t *testing.T) {
	h := NewCodeGenHandler(newStageRouter(t, "sorry, here is your code: ..."))
	stage := domain.StageDescriptor{Number: 7, Outputs: []string{pipeline.ArtifactGenerationManifest}}

	_, err := h.Execute(context.Background(), handlerCtx(stage, nil))
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
}

type fakeHoster struct {
	req collab.RepoRequest
}

func (f *fakeHoster) Publish(ctx context.Context, req collab.RepoRequest) (collab.RepoDescriptor, error) {
	f.req = req
	return collab.RepoDescriptor{URL: "https://github.com/acme/todo", Branch: "main", CommitSHA: "abc"}, nil
}

func TestRepoPublishHandler(t *testing.T) {
	store := artifact.New(t.TempDir(), nil)
	require.NoError(t, store.Put("b1", "main.go", []byte("package main\n")))

	manifest, _ := json.Marshal(generationManifest{Files: []string{"main.go"}})
	hoster := &fakeHoster{}
	h := NewRepoPublishHandler(hoster, store, PublishConfig{CredentialCiphertext: []byte("ct")})

	stage := domain.StageDescriptor{Number: 8, Name: "Repository Publication", Outputs: []string{pipeline.ArtifactRepository}}
	result, err := h.Execute(context.Background(), handlerCtx(stage, map[string][]byte{
		pipeline.ArtifactGenerationManifest: manifest,
	}))
	require.NoError(t, err)

	assert.Equal(t, "Todo", hoster.req.ProjectName, "project name is canonicalized from the spec")
	assert.Equal(t, []byte("package main\n"), hoster.req.Files["main.go"])

	var desc collab.RepoDescriptor
	require.NoError(t, json.Unmarshal(result.Artifacts[pipeline.ArtifactRepository], &desc))
	assert.Equal(t, "https://github.com/acme/todo", desc.URL)
}

type fakeDeployer struct {
	req collab.DeployRequest
}

func (f *fakeDeployer) ID() string { return "fake" }
func (f *fakeDeployer) Deploy(ctx context.Context, req collab.DeployRequest) (collab.DeployDescriptor, error) {
	f.req = req
	return collab.DeployDescriptor{ResourceID: "r1", URL: "https://todo.example.app", Status: "active"}, nil
}

func TestCloudDeployHandler(t *testing.T) {
	repo, _ := json.Marshal(collab.RepoDescriptor{URL: "https://github.com/acme/todo", Branch: "main"})
	deployer := &fakeDeployer{}
	h := NewCloudDeployHandler(deployer, DeployConfig{CredentialCiphertext: []byte("ct"), Region: "fra1"})

	stage := domain.StageDescriptor{Number: 9, Name: "Cloud Deployment", Outputs: []string{pipeline.ArtifactDeployment}}
	result, err := h.Execute(context.Background(), handlerCtx(stage, map[string][]byte{
		pipeline.ArtifactRepository: repo,
	}))
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/acme/todo", deployer.req.RepoURL)
	assert.Equal(t, "fra1", deployer.req.Region)

	var desc collab.DeployDescriptor
	require.NoError(t, json.Unmarshal(result.Artifacts[pipeline.ArtifactDeployment], &desc))
	assert.Equal(t, "active", desc.Status)
}
