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
	"context"
	"net/http"
	"strings"

	"buildforge/internal/collab"
	"buildforge/internal/pipeline/errs"
)

type contextKey string

const principalKey contextKey = "principal"

// authenticate resolves the bearer token via the Authorizer collaborator
// and stores the Principal in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			writeError(w, errs.New(errs.KindUnauthorized, "missing bearer token"))
			return
		}
		principal, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, errs.Wrap(errs.KindUnauthorized, "authenticating principal", err))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, principal)))
	})
}

func principalFrom(r *http.Request) collab.Principal {
	if p, ok := r.Context().Value(principalKey).(collab.Principal); ok {
		return p
	}
	return collab.Principal{}
}
