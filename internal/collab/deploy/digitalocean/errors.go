// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

package digitalocean

import "errors"

// Sentinel errors for DigitalOcean App Platform operations. Callers
// classify with errors.Is; messages carry the context.
var (
	ErrTokenMissing    = errors.New("digitalocean: API token missing")
	ErrAPIError        = errors.New("digitalocean: API error")
	ErrRateLimit       = errors.New("digitalocean: rate limited")
	ErrAppExists       = errors.New("digitalocean: app already exists with different spec")
	ErrAppCreateFailed = errors.New("digitalocean: app creation failed")
	ErrAppTimeout      = errors.New("digitalocean: timed out waiting for app")
	ErrAppNotFound     = errors.New("digitalocean: app not found")
)
