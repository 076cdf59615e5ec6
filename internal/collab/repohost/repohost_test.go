// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

package repohost

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildforge/internal/collab"
	"buildforge/pkg/executil"
)

// fakeRunner records every command and returns canned output per command
// name, so Publish can be exercised without git or gh installed.
type fakeRunner struct {
	commands []executil.Command
	stdout   map[string]string
}

func (f *fakeRunner) Run(ctx context.Context, cmd executil.Command) (*executil.Result, error) {
	f.commands = append(f.commands, cmd)
	key := cmd.Name
	if len(cmd.Args) > 0 {
		key = cmd.Name + " " + cmd.Args[0]
	}
	return &executil.Result{Stdout: []byte(f.stdout[key])}, nil
}

func (f *fakeRunner) RunStream(ctx context.Context, cmd executil.Command, output io.Writer) error {
	_, err := f.Run(ctx, cmd)
	return err
}

type passthroughDecryptor struct{}

func (passthroughDecryptor) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }

func TestPublish(t *testing.T) {
	runner := &fakeRunner{stdout: map[string]string{
		"gh repo":       "https://github.com/acme/todo-b1\n",
		"git rev-parse": "abc123def456\n",
	}}
	hoster := New(runner, passthroughDecryptor{}, "acme", nil)

	desc, err := hoster.Publish(context.Background(), collab.RepoRequest{
		BuildID:              "b1-2f6c",
		ProjectName:          "Todo",
		Files:                map[string][]byte{"main.go": []byte("package main\n")},
		CredentialCiphertext: []byte("token"),
	})
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/acme/todo-b1", desc.URL)
	assert.Equal(t, "https://github.com/acme/todo-b1.git", desc.CloneURL)
	assert.Equal(t, DefaultBranch, desc.Branch)
	assert.Equal(t, "abc123def456", desc.CommitSHA)

	// init, add, commit, create, rev-parse in order.
	require.Len(t, runner.commands, 5)
	assert.Equal(t, "git", runner.commands[0].Name)
	assert.Equal(t, "init", runner.commands[0].Args[0])
	assert.Equal(t, "gh", runner.commands[3].Name)

	// The token reaches subprocesses via the environment only.
	assert.Equal(t, "token", runner.commands[3].Env["GH_TOKEN"])
	for _, cmd := range runner.commands {
		for _, arg := range cmd.Args {
			assert.NotContains(t, arg, "token")
		}
	}
}

func TestMaterializeRejectsEscapingPaths(t *testing.T) {
	dir := t.TempDir()
	tests := []string{"../outside.txt", "/etc/passwd", "a/../../b"}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			err := materialize(dir, map[string][]byte{name: []byte("x")})
			assert.Error(t, err)
		})
	}
}

func TestMaterializeWritesNestedFiles(t *testing.T) {
	dir := t.TempDir()
	err := materialize(dir, map[string][]byte{
		"cmd/app/main.go": []byte("package main\n"),
		"go.mod":          []byte("module app\n"),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "cmd", "app", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))
}

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{name: "plain", output: "https://github.com/acme/app\n", want: "https://github.com/acme/app"},
		{name: "with prefix text", output: "✓ Created repository https://github.com/acme/app on GitHub", want: "https://github.com/acme/app"},
		{name: "git suffix stripped", output: "https://github.com/acme/app.git", want: "https://github.com/acme/app"},
		{name: "empty", output: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRepoURL(tt.output))
		})
	}
}

func TestRepoName(t *testing.T) {
	tests := []struct {
		project string
		buildID string
		want    string
	}{
		{project: "Todo", buildID: "b1-2f6c", want: "todo-b1"},
		{project: "My Cool App!", buildID: "deadbeef", want: "my-cool-app-deadbeef"},
		{project: "---", buildID: "x-1", want: "app-x"},
	}
	for _, tt := range tests {
		t.Run(tt.project, func(t *testing.T) {
			assert.Equal(t, tt.want, RepoName(tt.project, tt.buildID))
		})
	}
}
