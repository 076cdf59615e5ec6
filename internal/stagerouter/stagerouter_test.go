// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

package stagerouter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildforge/internal/providers"
	"buildforge/internal/providers/mock"
	"buildforge/internal/ratelimit"
	"buildforge/internal/router"
)

func newTestRouter(t *testing.T) (*Router, *mock.Adapter) {
	t.Helper()

	adapter := mock.New("mock")
	registry := providers.NewRegistry()
	registry.Register(adapter)

	model := router.New(registry, ratelimit.New(nil), nil, 0, nil, nil, nil, nil, nil)

	roles := make(map[string]providers.RoleBinding)
	for _, role := range []string{
		RoleClarifier, RoleNormalizer, RoleRefiner, RoleDocumenter,
		RoleSchemaDesigner, RoleSchemaRefiner, RoleValidator, RolePlanner,
		RolePromptBuilder, RoleCodeGenerator,
	} {
		roles[role] = providers.RoleBinding{Provider: "mock", Model: "mock-small"}
	}
	model.SetRoleMap(roles)

	return New(model, DefaultTable(), DefaultTemplates(), nil), adapter
}

func TestRolesSortedAndComplete(t *testing.T) {
	sr, _ := newTestRouter(t)
	roles := sr.Roles()
	assert.Equal(t, []string{
		RoleClarifier, RoleDocumenter, RoleNormalizer, RolePlanner,
		RoleRefiner, RoleSchemaDesigner, RoleSchemaRefiner, RoleValidator,
	}, roles)
}

func TestExecuteAssemblesContext(t *testing.T) {
	sr, adapter := newTestRouter(t)

	body, err := sr.Execute(context.Background(), 0, BuildContext{
		BuildID: "b1",
		Spec:    `{"app":"Todo"}`,
		Artifacts: map[string][]byte{
			"specs.json": []byte(`{"features":["add"]}`),
		},
	})
	require.NoError(t, err)
	// The mock echoes the last message uppercased, so both the spec and
	// the input artifact must have reached the provider.
	assert.Contains(t, body, `{"APP":"TODO"}`)
	assert.Contains(t, body, "SPECS.JSON")
	assert.EqualValues(t, 1, adapter.CallCount())
}

func TestExecuteUnknownStage(t *testing.T) {
	sr, _ := newTestRouter(t)
	_, err := sr.Execute(context.Background(), 6, BuildContext{})
	assert.Error(t, err, "stage 6 is non-AI and has no binding")
}

func TestExecuteCodeGenBothCalls(t *testing.T) {
	sr, adapter := newTestRouter(t)
	pb, cg := CodeGenBindings()

	result, err := sr.ExecuteCodeGen(context.Background(), 7, BuildContext{BuildID: "b1", Spec: "spec"}, pb, cg)
	require.NoError(t, err)
	assert.NotEmpty(t, result.PromptPlan)
	assert.NotEmpty(t, result.Code)
	assert.EqualValues(t, 2, adapter.CallCount(), "code generation fans out exactly two calls")
}

func TestExecuteCodeGenFailsWhenOneCallFails(t *testing.T) {
	sr, adapter := newTestRouter(t)
	pb, cg := CodeGenBindings()

	// Fail enough consecutive attempts to exhaust one call's retry budget
	// (1 + DefaultMaxRetries) regardless of which sibling draws them.
	adapter.FailNext(8, errors.New("boom"))

	_, err := sr.ExecuteCodeGen(context.Background(), 7, BuildContext{BuildID: "b1"}, pb, cg)
	assert.Error(t, err, "both calls must succeed for the stage to succeed")
}

func TestCanonicalAppName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "todo list", want: "Todo List"},
		{in: "  spaced   out  ", want: "Spaced Out"},
		{in: "ＴＯＤＯ", want: "TODO"},
		{in: "myAPI", want: "MyAPI"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalAppName(tt.in))
		})
	}
}

func TestCanonicalPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "src\\app\\main.go", want: "src/app/main.go"},
		{in: "src/./util/helpers.go", want: "src/util/helpers.go"},
		{in: "src/my file.go", want: "src/myfile.go"},
		{in: "ｓｒｃ/main.go", want: "src/main.go"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalPath(tt.in))
		})
	}
}
