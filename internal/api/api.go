// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package api implements the Control API (spec.md §4.K): start / get /
// list / cancel / retry / retry-stage over HTTP JSON, plus the subscribe
// operation as a server-sent event stream or a websocket. Authorization
// is delegated to the Authorizer collaborator; the API only enforces that
// the authenticated principal owns the tenant of the target build.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"buildforge/internal/bus"
	"buildforge/internal/collab"
	"buildforge/internal/domain"
	"buildforge/internal/pipeline"
	"buildforge/internal/pipeline/errs"
	"buildforge/pkg/logging"
)

// Server is the Control API HTTP surface.
type Server struct {
	orch     *pipeline.Orchestrator
	store    collab.BuildStore
	bus      *bus.Bus
	auth     collab.Authorizer
	validate *validator.Validate
	gatherer prometheus.Gatherer
	log      logging.Logger
}

// New constructs a Server. gatherer may be nil to omit the /metrics
// endpoint.
func New(orch *pipeline.Orchestrator, store collab.BuildStore, b *bus.Bus, auth collab.Authorizer, gatherer prometheus.Gatherer, log logging.Logger) *Server {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Server{
		orch:     orch,
		store:    store,
		bus:      b,
		auth:     auth,
		validate: validator.New(),
		gatherer: gatherer,
		log:      log,
	}
}

// Router assembles the chi router with middleware and all routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1/builds", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/", s.handleStart)
		r.Get("/", s.handleList)
		r.Get("/{buildID}", s.handleGet)
		r.Post("/{buildID}/cancel", s.handleCancel)
		r.Post("/{buildID}/retry", s.handleRetry)
		r.Post("/{buildID}/stages/{stage}/retry", s.handleRetryStage)
		r.Get("/{buildID}/events", s.handleSubscribeSSE)
		r.Get("/{buildID}/ws", s.handleSubscribeWS)
	})
	return r
}

type startRequest struct {
	Spec      string `json:"spec" validate:"required"`
	TenantID  string `json:"tenantId" validate:"required"`
	ProjectID string `json:"projectId" validate:"required"`
	UserID    string `json:"userId" validate:"required"`
	// EstimatedCostUSD feeds the Cost Controller's build admission.
	EstimatedCostUSD float64 `json:"estimatedCostUsd" validate:"gte=0"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindValidation, "decoding request body", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, errs.Wrap(errs.KindValidation, "request failed validation", err))
		return
	}
	principal := principalFrom(r)
	if !principal.OwnsTenant(req.TenantID) {
		writeError(w, errs.New(errs.KindForbidden, "principal does not own tenant"))
		return
	}

	buildID, err := s.orch.Start(r.Context(), req.Spec, req.TenantID, req.ProjectID, req.UserID, req.EstimatedCostUSD)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"buildId": buildID})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadOwnedBuild(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	q := r.URL.Query()

	tenant := q.Get("tenant")
	if tenant == "" && len(principal.TenantIDs) == 1 {
		tenant = principal.TenantIDs[0]
	}
	if !principal.OwnsTenant(tenant) {
		writeError(w, errs.New(errs.KindForbidden, "principal does not own tenant"))
		return
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	builds, err := s.store.List(r.Context(), collab.BuildFilters{
		Status:    domain.BuildStatus(q.Get("status")),
		TenantID:  tenant,
		UserID:    q.Get("owner"),
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if builds == nil {
		builds = []*domain.Build{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"builds": builds})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadOwnedBuild(w, r)
	if !ok {
		return
	}
	if err := s.orch.Cancel(r.Context(), b.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"buildId": b.ID, "status": "cancelling"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadOwnedBuild(w, r)
	if !ok {
		return
	}
	newID, err := s.orch.Retry(r.Context(), b.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"buildId": newID, "retriedFrom": b.ID})
}

func (s *Server) handleRetryStage(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadOwnedBuild(w, r)
	if !ok {
		return
	}
	stage, err := strconv.ParseFloat(chi.URLParam(r, "stage"), 64)
	if err != nil {
		writeError(w, errs.Wrap(errs.KindValidation, "parsing stage number", err))
		return
	}
	if err := s.orch.RetryStage(r.Context(), b.ID, stage); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"buildId": b.ID, "stage": stage})
}

// loadOwnedBuild resolves {buildID}, loads the build, and enforces tenant
// ownership. On failure it has already written the error response.
func (s *Server) loadOwnedBuild(w http.ResponseWriter, r *http.Request) (*domain.Build, bool) {
	buildID := chi.URLParam(r, "buildID")
	b, err := s.store.FindByID(r.Context(), buildID)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if !principalFrom(r).OwnsTenant(b.TenantID) {
		writeError(w, errs.New(errs.KindForbidden, "principal does not own tenant"))
		return nil, false
	}
	return b, true
}

// errorPayload is the wire-level error shape of spec.md §6.
type errorPayload struct {
	Kind          string  `json:"kind"`
	Message       string  `json:"message"`
	Retryable     bool    `json:"retryable"`
	Stage         float64 `json:"stage,omitempty"`
	Attempt       int     `json:"attempt,omitempty"`
	CorrelationID string  `json:"correlationId,omitempty"`
}

func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindUnauthorized:
		return http.StatusUnauthorized
	case errs.KindForbidden:
		return http.StatusForbidden
	case errs.KindNotFound, errs.KindMissingInputArtifact:
		return http.StatusNotFound
	case errs.KindCostDenied:
		return http.StatusPaymentRequired
	case errs.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	payload := errorPayload{Kind: string(errs.KindInternal), Message: "internal error"}
	var e *errs.Error
	if errors.As(err, &e) {
		payload = errorPayload{
			Kind:          string(e.Kind),
			Message:       e.Message,
			Retryable:     e.Retryable,
			Stage:         e.Stage,
			Attempt:       e.Attempt,
			CorrelationID: e.CorrelationID,
		}
	}
	writeJSON(w, statusForKind(errs.Kind(payload.Kind)), payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nowUTC() time.Time { return time.Now().UTC() }
