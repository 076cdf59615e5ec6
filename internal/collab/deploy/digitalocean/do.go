// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package digitalocean implements the Cloud Deployer collaborator (spec.md
// §6) against the DigitalOcean App Platform: one app per published
// repository, created idempotently and awaited until active.
package digitalocean

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"buildforge/internal/collab"
	"buildforge/pkg/logging"
)

// App is a deployed App Platform application as the deployer sees it.
type App struct {
	ID      string
	Name    string
	RepoURL string
	Branch  string
	Region  string
	LiveURL string
	Status  string
}

// CreateAppRequest is the creation payload.
type CreateAppRequest struct {
	Name    string
	RepoURL string
	Branch  string
	Region  string
}

// APIClient is the narrow slice of the DigitalOcean API the deployer
// needs. Injected so tests run against a fake.
type APIClient interface {
	GetApp(ctx context.Context, name string) (*App, error)
	CreateApp(ctx context.Context, req CreateAppRequest) (*App, error)
	WaitForApp(ctx context.Context, appID string, status string) (*App, error)
}

// Deployer implements collab.CloudDeployer for DigitalOcean.
type Deployer struct {
	client        APIClient
	decryptor     collab.Decryptor
	defaultRegion string
	log           logging.Logger
}

var _ collab.CloudDeployer = (*Deployer)(nil)

// New constructs a Deployer around an injected API client.
func New(client APIClient, decryptor collab.Decryptor, defaultRegion string, log logging.Logger) *Deployer {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if defaultRegion == "" {
		defaultRegion = "nyc1"
	}
	return &Deployer{client: client, decryptor: decryptor, defaultRegion: defaultRegion, log: log}
}

// ID returns the deployer's registry key.
func (d *Deployer) ID() string { return "digitalocean" }

// Deploy creates (or adopts) the app for req's repository and waits until
// it reports active. Deploy is idempotent: an existing app whose spec
// matches is returned as-is; a conflicting spec is an error rather than an
// implicit mutation.
func (d *Deployer) Deploy(ctx context.Context, req collab.DeployRequest) (collab.DeployDescriptor, error) {
	token, err := d.decryptor.Decrypt(req.CredentialCiphertext)
	if err != nil {
		return collab.DeployDescriptor{}, fmt.Errorf("%w: decrypting credential: %v", ErrTokenMissing, err)
	}
	if len(token) == 0 {
		return collab.DeployDescriptor{}, ErrTokenMissing
	}

	region := req.Region
	if region == "" {
		region = d.defaultRegion
	}
	name := appName(req.ProjectName, req.BuildID)

	existing, err := d.client.GetApp(ctx, name)
	if err != nil && !errors.Is(err, ErrAppNotFound) {
		return collab.DeployDescriptor{}, fmt.Errorf("%w: %v", ErrAPIError, err)
	}

	var app *App
	switch {
	case existing != nil && existing.RepoURL == req.RepoURL && existing.Branch == req.Branch:
		// Idempotent re-deploy of the same spec.
		app = existing
	case existing != nil:
		return collab.DeployDescriptor{}, fmt.Errorf("%w: app %q", ErrAppExists, name)
	default:
		app, err = d.client.CreateApp(ctx, CreateAppRequest{
			Name:    name,
			RepoURL: req.RepoURL,
			Branch:  req.Branch,
			Region:  region,
		})
		if err != nil {
			if errors.Is(err, ErrRateLimit) {
				return collab.DeployDescriptor{}, fmt.Errorf("%w: %v", ErrRateLimit, err)
			}
			return collab.DeployDescriptor{}, fmt.Errorf("%w: %v", ErrAppCreateFailed, err)
		}
	}

	active, err := d.client.WaitForApp(ctx, app.ID, "active")
	if err != nil {
		if errors.Is(err, ErrAppTimeout) {
			return collab.DeployDescriptor{}, fmt.Errorf("%w: %v", ErrAppTimeout, err)
		}
		return collab.DeployDescriptor{}, fmt.Errorf("%w: %v", ErrAPIError, err)
	}

	d.log.Info("cloud deployment complete",
		logging.NewField("buildId", req.BuildID),
		logging.NewField("app", name),
		logging.NewField("region", region))

	return collab.DeployDescriptor{
		ResourceID: active.ID,
		URL:        active.LiveURL,
		Region:     region,
		Status:     active.Status,
	}, nil
}

// appName derives a DO-safe app name: lowercase, dashes, bounded length.
func appName(projectName, buildID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(projectName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	base := strings.Trim(b.String(), "-")
	if base == "" {
		base = "app"
	}
	if len(base) > 24 {
		base = base[:24]
	}
	suffix := buildID
	if i := strings.IndexByte(buildID, '-'); i > 0 {
		suffix = buildID[:i]
	}
	return base + "-" + suffix
}
