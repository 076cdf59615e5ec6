// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"buildforge/internal/domain"
	"buildforge/internal/pipeline/errs"
	"buildforge/pkg/logging"
)

// sseHeartbeat is how often a comment line keeps an idle SSE connection
// warm through proxies.
const sseHeartbeat = 15 * time.Second

// handleSubscribeSSE streams a build's events as server-sent events. The
// framing preserves publication order; the bus guarantees per-subscriber
// ordering (spec.md §4.J).
func (s *Server) handleSubscribeSSE(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadOwnedBuild(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errs.New(errs.KindInternal, "response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe(b.ID)
	defer sub.Close()

	writeSSE := func(ev domain.Event) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeSSE(domain.Event{Type: domain.EventConnected, BuildID: b.ID, Ts: nowUTC()}) {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Dropped:
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.Events:
			if !open {
				return
			}
			if !writeSSE(ev) {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin policy is the deployment's concern; the CORS middleware in
	// front of the API covers browser clients.
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientFrame is the only message shape clients may send: keep-alive
// pings (spec.md §6).
type clientFrame struct {
	Type string `json:"type"`
}

// handleSubscribeWS streams a build's events over a websocket and answers
// client pings with pong frames.
func (s *Server) handleSubscribeWS(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadOwnedBuild(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logging.NewField("error", err.Error()))
		return
	}
	defer conn.Close() //nolint:errcheck

	sub := s.bus.Subscribe(b.ID)
	defer sub.Close()

	// Pings are read on the reader goroutine, but gorilla/websocket allows
	// only one concurrent writer, so the reader only signals on pongs and
	// the event loop below writes every frame, pong frames included.
	pongs := make(chan struct{}, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var frame clientFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == "ping" {
				select {
				case pongs <- struct{}{}:
				default:
				}
			}
		}
	}()

	if err := conn.WriteJSON(domain.Event{Type: domain.EventConnected, BuildID: b.ID, Ts: nowUTC()}); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-sub.Dropped:
			return
		case <-pongs:
			if err := conn.WriteJSON(domain.Event{Type: domain.EventPong, BuildID: b.ID, Ts: nowUTC()}); err != nil {
				return
			}
		case ev, open := <-sub.Events:
			if !open {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
