// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package memstore is the in-memory BuildStore used by tests and
// single-process deployments that don't need durability across restarts.
package memstore

import (
	"context"
	"sort"
	"sync"

	"buildforge/internal/collab"
	"buildforge/internal/domain"
	"buildforge/internal/pipeline/errs"
)

// Store is a concurrency-safe in-memory collab.BuildStore.
type Store struct {
	mu     sync.RWMutex
	builds map[string]*domain.Build
}

var _ collab.BuildStore = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{builds: make(map[string]*domain.Build)}
}

// FindByID returns the build, or a NotFound error.
func (s *Store) FindByID(ctx context.Context, id string) (*domain.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "build "+id+" not found")
	}
	return b, nil
}

// Save inserts a new build.
func (s *Store) Save(ctx context.Context, b *domain.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.builds[b.ID]; exists {
		return errs.New(errs.KindInternal, "build "+b.ID+" already exists")
	}
	s.builds[b.ID] = b
	return nil
}

// Update overwrites an existing build.
func (s *Store) Update(ctx context.Context, b *domain.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.builds[b.ID]; !exists {
		return errs.New(errs.KindNotFound, "build "+b.ID+" not found")
	}
	s.builds[b.ID] = b
	return nil
}

// AppendError appends one entry to the build's ordered error log.
func (s *Store) AppendError(ctx context.Context, id string, entry domain.ErrorLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return errs.New(errs.KindNotFound, "build "+id+" not found")
	}
	b.ErrorLog = append(b.ErrorLog, entry)
	return nil
}

// List returns builds matching filters, sorted and paged.
func (s *Store) List(ctx context.Context, filters collab.BuildFilters) ([]*domain.Build, error) {
	s.mu.RLock()
	var out []*domain.Build
	for _, b := range s.builds {
		if filters.Status != "" && b.Status != filters.Status {
			continue
		}
		if filters.TenantID != "" && b.TenantID != filters.TenantID {
			continue
		}
		if filters.UserID != "" && b.UserID != filters.UserID {
			continue
		}
		if filters.ProjectID != "" && b.ProjectID != filters.ProjectID {
			continue
		}
		out = append(out, b)
	}
	s.mu.RUnlock()

	asc := filters.SortOrder == "asc"
	sort.Slice(out, func(i, j int) bool {
		var less bool
		switch filters.SortBy {
		case "completedAt":
			ti, tj := out[i].CompletedAt, out[j].CompletedAt
			switch {
			case ti == nil && tj == nil:
				less = out[i].ID < out[j].ID
			case ti == nil:
				less = false
			case tj == nil:
				less = true
			default:
				less = ti.Before(*tj)
			}
		default:
			if out[i].CreatedAt.Equal(out[j].CreatedAt) {
				less = out[i].ID < out[j].ID
			} else {
				less = out[i].CreatedAt.Before(out[j].CreatedAt)
			}
		}
		if asc {
			return less
		}
		return !less
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return nil, nil
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(out) {
		out = out[:filters.Limit]
	}
	return out, nil
}
