// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package artifact implements the Artifact Store (spec.md §4.A): it is the
// only component in buildforge that touches the filesystem on behalf of
// stage handlers, which are otherwise pure functions over in-memory values.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"buildforge/internal/domain"
	"buildforge/internal/pipeline/errs"
	"buildforge/pkg/logging"
)

// ErrNotFound is returned by Get when the named artifact does not exist. It
// wraps errs.KindMissingInputArtifact so callers can classify it with
// errors.Is(err, errs.ErrMissingInputArtifact) and treat it as a preflight
// failure rather than a retry condition.
var ErrNotFound = errs.New(errs.KindMissingInputArtifact, "artifact not found")

// Store persists named byte blobs per build under a directory hierarchy:
// <root>/<buildId>/{specs,docs,code}/<name>.
type Store struct {
	root string
	log  logging.Logger
}

// New creates a Store rooted at root. The directory is created lazily per
// build on first write.
func New(root string, log logging.Logger) *Store {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Store{root: root, log: log}
}

func (s *Store) path(buildID string, category domain.ArtifactCategory, name string) string {
	return filepath.Join(s.root, buildID, string(category), name)
}

// Put writes bytes as the named artifact for buildId, routing it into the
// category implied by its filename. Writes are atomic at the
// single-artifact level: a temp file is written alongside the destination
// and renamed into place, so readers never observe a partial blob.
func (s *Store) Put(buildID, name string, data []byte) error {
	category := domain.CategoryForName(name)
	dest := s.path(buildID, category, name)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errs.Wrap(errs.KindArtifactWriteError, fmt.Sprintf("creating directory for %s", name), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return errs.Wrap(errs.KindArtifactWriteError, fmt.Sprintf("creating temp file for %s", name), err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup if rename fails below

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return errs.Wrap(errs.KindArtifactWriteError, fmt.Sprintf("writing %s", name), err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.KindArtifactWriteError, fmt.Sprintf("closing %s", name), err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return errs.Wrap(errs.KindArtifactWriteError, fmt.Sprintf("committing %s", name), err)
	}

	s.log.Debug("artifact written", logging.NewField("buildId", buildID), logging.NewField("name", name), logging.NewField("category", string(category)), logging.NewField("bytes", len(data)))
	return nil
}

// PutJSON marshals v with canonical key ordering (encoding/json already
// sorts map keys; struct field order is the declaration order, which
// callers are expected to keep stable) and writes it via Put.
func (s *Store) PutJSON(buildID, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindArtifactWriteError, fmt.Sprintf("marshaling %s", name), err)
	}
	return s.Put(buildID, name, data)
}

// Get reads the named artifact. Returns ErrNotFound if it does not exist.
func (s *Store) Get(buildID, name string) ([]byte, error) {
	category := domain.CategoryForName(name)
	data, err := os.ReadFile(s.path(buildID, category, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifact: reading %s: %w", name, err)
	}
	return data, nil
}

// Exists reports whether the named artifact has been written.
func (s *Store) Exists(buildID, name string) bool {
	category := domain.CategoryForName(name)
	_, err := os.Stat(s.path(buildID, category, name))
	return err == nil
}

// List returns the set of artifact names written for buildId across all
// three categories, sorted for deterministic iteration.
func (s *Store) List(buildID string) ([]string, error) {
	var names []string
	for _, category := range []domain.ArtifactCategory{domain.CategorySpecs, domain.CategoryDocs, domain.CategoryCode} {
		dir := filepath.Join(s.root, buildID, string(category))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("artifact: listing %s: %w", category, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
