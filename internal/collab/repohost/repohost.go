// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package repohost implements the Repository Hoster collaborator (spec.md
// §6) by shelling out to git and the gh CLI. The generated tree is
// materialized into a scratch directory, committed, pushed to a freshly
// created remote, and the scratch directory is removed regardless of
// outcome.
package repohost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"buildforge/internal/collab"
	"buildforge/pkg/executil"
	"buildforge/pkg/logging"
)

// DefaultBranch is the branch generated projects are published on.
const DefaultBranch = "main"

// Hoster publishes generated projects with git + gh.
type Hoster struct {
	runner    executil.Runner
	decryptor collab.Decryptor
	log       logging.Logger
	// owner is the hosting account or organization repositories are
	// created under.
	owner string
}

var _ collab.RepoHoster = (*Hoster)(nil)

// New constructs a Hoster publishing under owner. runner may be a fake in
// tests.
func New(runner executil.Runner, decryptor collab.Decryptor, owner string, log logging.Logger) *Hoster {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if runner == nil {
		runner = executil.NewRunner()
	}
	return &Hoster{runner: runner, decryptor: decryptor, owner: owner, log: log}
}

// Publish materializes req.Files, creates the remote repository, and pushes
// a single commit on DefaultBranch.
func (h *Hoster) Publish(ctx context.Context, req collab.RepoRequest) (collab.RepoDescriptor, error) {
	repoName := RepoName(req.ProjectName, req.BuildID)

	token, err := h.decryptor.Decrypt(req.CredentialCiphertext)
	if err != nil {
		return collab.RepoDescriptor{}, fmt.Errorf("repohost: decrypting hosting credential: %w", err)
	}

	dir, err := os.MkdirTemp("", "buildforge-publish-*")
	if err != nil {
		return collab.RepoDescriptor{}, fmt.Errorf("repohost: creating scratch directory: %w", err)
	}
	defer os.RemoveAll(dir) //nolint:errcheck // best-effort scratch cleanup

	if err := materialize(dir, req.Files); err != nil {
		return collab.RepoDescriptor{}, err
	}

	// Explicit, minimal environment for every subprocess; the token is
	// never written to disk and never appears in argv.
	env := map[string]string{
		"GIT_AUTHOR_NAME":     "buildforge",
		"GIT_AUTHOR_EMAIL":    "builds@buildforge.invalid",
		"GIT_COMMITTER_NAME":  "buildforge",
		"GIT_COMMITTER_EMAIL": "builds@buildforge.invalid",
		"GH_TOKEN":            string(token),
		"LANG":                "C",
		"LC_ALL":              "C",
	}

	steps := [][]string{
		{"git", "init", "--initial-branch", DefaultBranch},
		{"git", "add", "--all"},
		{"git", "commit", "--message", fmt.Sprintf("Initial commit for build %s", req.BuildID)},
	}
	for _, step := range steps {
		cmd := executil.NewCommand(step[0], step[1:]...)
		cmd.Dir = dir
		cmd.Env = env
		if _, err := h.runner.Run(ctx, cmd); err != nil {
			return collab.RepoDescriptor{}, fmt.Errorf("repohost: %s: %w", strings.Join(step[:2], " "), err)
		}
	}

	visibility := "--public"
	if req.Private {
		visibility = "--private"
	}
	create := executil.NewCommand("gh", "repo", "create", h.owner+"/"+repoName, visibility, "--source", ".", "--push")
	create.Dir = dir
	create.Env = env
	out, err := h.runner.Run(ctx, create)
	if err != nil {
		return collab.RepoDescriptor{}, fmt.Errorf("repohost: creating remote repository: %w", err)
	}

	sha, err := h.headSHA(ctx, dir, env)
	if err != nil {
		return collab.RepoDescriptor{}, err
	}

	url := ParseRepoURL(string(out.Stdout))
	if url == "" {
		url = "https://github.com/" + h.owner + "/" + repoName
	}

	h.log.Info("repository published",
		logging.NewField("buildId", req.BuildID),
		logging.NewField("repo", h.owner+"/"+repoName),
		logging.NewField("files", len(req.Files)))

	return collab.RepoDescriptor{
		URL:       url,
		CloneURL:  url + ".git",
		Branch:    DefaultBranch,
		CommitSHA: sha,
	}, nil
}

func (h *Hoster) headSHA(ctx context.Context, dir string, env map[string]string) (string, error) {
	cmd := executil.NewCommand("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	cmd.Env = env
	out, err := h.runner.Run(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("repohost: resolving HEAD: %w", err)
	}
	return strings.TrimSpace(string(out.Stdout)), nil
}

// materialize writes files under root, rejecting any path that would
// escape it.
func materialize(root string, files map[string][]byte) error {
	for name, content := range files {
		clean := filepath.Clean(name)
		if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return fmt.Errorf("repohost: refusing path %q outside the repository root", name)
		}
		dest := filepath.Join(root, clean)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("repohost: creating directory for %s: %w", clean, err)
		}
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return fmt.Errorf("repohost: writing %s: %w", clean, err)
		}
	}
	return nil
}

var repoURLPattern = regexp.MustCompile(`https://[^\s]+`)

// ParseRepoURL extracts the repository URL from gh's output. Pure so it
// can be tested without shelling out.
func ParseRepoURL(output string) string {
	match := repoURLPattern.FindString(strings.TrimSpace(output))
	return strings.TrimSuffix(match, ".git")
}

var repoNameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

// RepoName derives a stable repository name from the project name and
// build id: lowercased, non-alphanumerics collapsed to dashes, suffixed
// with the first id segment so repeated builds of one project don't
// collide.
func RepoName(projectName, buildID string) string {
	base := repoNameSanitizer.ReplaceAllString(strings.ToLower(projectName), "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "app"
	}
	suffix := buildID
	if i := strings.IndexByte(buildID, '-'); i > 0 {
		suffix = buildID[:i]
	}
	return base + "-" + suffix
}
