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

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.digitalocean.com/v2"

// HTTPClient talks to the DigitalOcean App Platform API. It satisfies
// APIClient; tests use a fake instead.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	// pollInterval and waitBudget bound WaitForApp.
	pollInterval time.Duration
	waitBudget   time.Duration
}

var _ APIClient = (*HTTPClient)(nil)

// NewHTTPClient constructs a client authenticated with token. baseURL may
// be empty for the production endpoint.
func NewHTTPClient(token, baseURL string) *HTTPClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &HTTPClient{
		baseURL:      baseURL,
		token:        token,
		client:       &http.Client{Timeout: 30 * time.Second},
		pollInterval: 5 * time.Second,
		waitBudget:   10 * time.Minute,
	}
}

type wireApp struct {
	ID   string `json:"id"`
	Spec struct {
		Name     string `json:"name"`
		Region   string `json:"region"`
		Services []struct {
			GitHub struct {
				Repo   string `json:"repo"`
				Branch string `json:"branch"`
			} `json:"github"`
		} `json:"services"`
	} `json:"spec"`
	LiveURL          string `json:"live_url"`
	ActiveDeployment struct {
		Phase string `json:"phase"`
	} `json:"active_deployment"`
}

func (w wireApp) toApp() *App {
	app := &App{
		ID:      w.ID,
		Name:    w.Spec.Name,
		Region:  w.Spec.Region,
		LiveURL: w.LiveURL,
		Status:  statusFromPhase(w.ActiveDeployment.Phase),
	}
	if len(w.Spec.Services) > 0 {
		app.RepoURL = "https://github.com/" + w.Spec.Services[0].GitHub.Repo
		app.Branch = w.Spec.Services[0].GitHub.Branch
	}
	return app
}

func statusFromPhase(phase string) string {
	switch phase {
	case "ACTIVE":
		return "active"
	case "ERROR", "CANCELED":
		return "error"
	default:
		return "building"
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAPIError, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimit
	case resp.StatusCode == http.StatusNotFound:
		return ErrAppNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: HTTP %d", ErrAPIError, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decoding response: %v", ErrAPIError, err)
		}
	}
	return nil
}

// GetApp finds an app by name. The Apps API has no by-name lookup, so the
// list is scanned.
func (c *HTTPClient) GetApp(ctx context.Context, name string) (*App, error) {
	var page struct {
		Apps []wireApp `json:"apps"`
	}
	if err := c.do(ctx, http.MethodGet, "/apps?per_page=200", nil, &page); err != nil {
		return nil, err
	}
	for _, w := range page.Apps {
		if w.Spec.Name == name {
			return w.toApp(), nil
		}
	}
	return nil, ErrAppNotFound
}

// CreateApp creates an App Platform app sourcing from the given GitHub
// repository.
func (c *HTTPClient) CreateApp(ctx context.Context, req CreateAppRequest) (*App, error) {
	payload := map[string]any{
		"spec": map[string]any{
			"name":   req.Name,
			"region": req.Region,
			"services": []map[string]any{{
				"name": req.Name,
				"github": map[string]any{
					"repo":           repoSlug(req.RepoURL),
					"branch":         req.Branch,
					"deploy_on_push": false,
				},
			}},
		},
	}
	var created struct {
		App wireApp `json:"app"`
	}
	if err := c.do(ctx, http.MethodPost, "/apps", payload, &created); err != nil {
		return nil, err
	}
	return created.App.toApp(), nil
}

// WaitForApp polls until the app reaches status or the wait budget runs
// out.
func (c *HTTPClient) WaitForApp(ctx context.Context, appID string, status string) (*App, error) {
	deadline := time.Now().Add(c.waitBudget)
	for {
		var current struct {
			App wireApp `json:"app"`
		}
		if err := c.do(ctx, http.MethodGet, "/apps/"+appID, nil, &current); err != nil {
			return nil, err
		}
		app := current.App.toApp()
		if app.Status == status {
			return app, nil
		}
		if app.Status == "error" {
			return nil, fmt.Errorf("%w: deployment entered error phase", ErrAPIError)
		}
		if time.Now().After(deadline) {
			return nil, ErrAppTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// repoSlug reduces a repository URL to the owner/name slug the Apps API
// expects.
func repoSlug(repoURL string) string {
	const prefix = "https://github.com/"
	if len(repoURL) > len(prefix) && repoURL[:len(prefix)] == prefix {
		return repoURL[len(prefix):]
	}
	return repoURL
}
