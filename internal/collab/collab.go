// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package collab declares the contracts of the external collaborators the
// core pipeline depends on (spec.md §6): the durable build record store,
// the repository hoster and cloud deployer consumed by the final two
// stages, the credential decryptor that hands them secrets, and the
// authorizer the Control API checks principals against. The core treats
// each as an opaque interface; reference implementations live in the
// subpackages and in internal/store.
package collab

import (
	"context"

	"buildforge/internal/domain"
)

// BuildFilters narrows a BuildStore.List call.
type BuildFilters struct {
	Status    domain.BuildStatus
	TenantID  string
	UserID    string
	ProjectID string
	SortBy    string // "createdAt" (default) or "completedAt"
	SortOrder string // "asc" or "desc" (default)
	Limit     int
	Offset    int
}

// BuildStore is the durable build record store. The core treats it as an
// opaque durable map; both the Postgres-backed reference implementation
// (internal/store/pgbuildstore) and the in-memory one used by tests and
// single-process deployments (internal/store/memstore) satisfy it.
type BuildStore interface {
	FindByID(ctx context.Context, id string) (*domain.Build, error)
	Save(ctx context.Context, b *domain.Build) error
	Update(ctx context.Context, b *domain.Build) error
	AppendError(ctx context.Context, id string, entry domain.ErrorLogEntry) error
	List(ctx context.Context, filters BuildFilters) ([]*domain.Build, error)
}

// RepoRequest is the input to the repository publication stage: the
// generated source tree plus enough identity to name the repository.
type RepoRequest struct {
	BuildID     string
	ProjectName string
	// Files maps repository-relative paths to file contents.
	Files map[string][]byte
	// CredentialCiphertext is the encrypted hosting token, decrypted via
	// the Decryptor immediately before use and never stored in plaintext.
	CredentialCiphertext []byte
	Private              bool
}

// RepoDescriptor identifies the published repository.
type RepoDescriptor struct {
	URL       string `json:"url"`
	CloneURL  string `json:"cloneUrl"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commitSha"`
}

// RepoHoster publishes a generated project as a new repository. One
// asynchronous call per build (spec.md §6).
type RepoHoster interface {
	Publish(ctx context.Context, req RepoRequest) (RepoDescriptor, error)
}

// DeployRequest is the input to the cloud deployment stage.
type DeployRequest struct {
	BuildID     string
	ProjectName string
	RepoURL     string
	Branch      string
	// CredentialCiphertext is the encrypted cloud API token.
	CredentialCiphertext []byte
	Region               string
}

// DeployDescriptor identifies the deployed cloud resource.
type DeployDescriptor struct {
	ResourceID string `json:"resourceId"`
	URL        string `json:"url"`
	Region     string `json:"region"`
	Status     string `json:"status"`
}

// CloudDeployer deploys a published repository to a cloud target. One
// asynchronous call per build (spec.md §6).
type CloudDeployer interface {
	ID() string
	Deploy(ctx context.Context, req DeployRequest) (DeployDescriptor, error)
}

// Decryptor recovers a plaintext secret from its stored ciphertext. Used
// only to hand secrets to the RepoHoster and CloudDeployer.
type Decryptor interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Principal is the authenticated caller of a Control API request.
type Principal struct {
	Subject string
	// TenantIDs is the set of tenants this principal owns.
	TenantIDs []string
}

// OwnsTenant reports whether the principal owns tenantID.
func (p Principal) OwnsTenant(tenantID string) bool {
	for _, t := range p.TenantIDs {
		if t == tenantID {
			return true
		}
	}
	return false
}

// Authorizer verifies a bearer token and resolves it to a Principal. The
// Control API enforces that the principal owns the tenant of the target
// build; everything behind the token (issuance, rotation) is the
// collaborator's concern.
type Authorizer interface {
	Authenticate(ctx context.Context, bearerToken string) (Principal, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, bearerToken string) (Principal, error)

// Authenticate implements Authorizer.
func (f AuthorizerFunc) Authenticate(ctx context.Context, bearerToken string) (Principal, error) {
	return f(ctx, bearerToken)
}
