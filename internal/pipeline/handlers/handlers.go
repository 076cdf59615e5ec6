// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package handlers provides the stage handler implementations behind the
// default pipeline: the generic AI stage, scaffolding, the two-call code
// generation stage, and the repository/deployment stages that call out to
// collaborators.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"buildforge/internal/artifact"
	"buildforge/internal/collab"
	"buildforge/internal/pipeline"
	"buildforge/internal/pipeline/errs"
	"buildforge/internal/stagerouter"
)

// buildContext assembles the Stage Router context from a handler context.
func buildContext(hc *pipeline.HandlerContext) stagerouter.BuildContext {
	return stagerouter.BuildContext{
		BuildID:   hc.Build.ID,
		TenantID:  hc.Build.TenantID,
		UserID:    hc.Build.UserID,
		ProjectID: hc.Build.ProjectID,
		Spec:      hc.Build.Spec,
		Artifacts: hc.Inputs,
	}
}

// NewAIHandler returns the generic AI stage handler: one Model Router
// call via the Stage Router, whose response body becomes the stage's
// single declared output.
func NewAIHandler(sr *stagerouter.Router) pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, hc *pipeline.HandlerContext) (*pipeline.HandlerResult, error) {
		body, err := sr.Execute(ctx, hc.Stage.Number, buildContext(hc))
		if err != nil {
			return nil, err
		}
		if len(hc.Stage.Outputs) == 0 {
			return &pipeline.HandlerResult{}, nil
		}
		return &pipeline.HandlerResult{
			Artifacts: map[string][]byte{hc.Stage.Outputs[0]: []byte(body)},
		}, nil
	})
}

// fileList is the shared {"files": [...]} shape of the file-structure
// plan and the scaffold/generation manifests.
type fileList struct {
	Files []string `json:"files"`
}

// retryableParse wraps a malformed-model-output error as retryable: a
// fresh attempt re-prompts the model rather than failing the build.
func retryableParse(what string, cause error) error {
	e := errs.Wrap(errs.KindInternal, fmt.Sprintf("parsing %s", what), cause)
	e.Retryable = true
	return e
}

// NewScaffoldHandler returns the Scaffolding stage handler: it reads the
// planned file structure and produces an empty artifact per planned path,
// plus the scaffold manifest. No AI involved.
func NewScaffoldHandler() pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, hc *pipeline.HandlerContext) (*pipeline.HandlerResult, error) {
		var plan fileList
		if err := json.Unmarshal(hc.Inputs[pipeline.ArtifactFileStructure], &plan); err != nil {
			return nil, retryableParse(pipeline.ArtifactFileStructure, err)
		}
		if len(plan.Files) == 0 {
			return nil, retryableParse(pipeline.ArtifactFileStructure, fmt.Errorf("empty files list"))
		}

		artifacts := make(map[string][]byte, len(plan.Files)+1)
		manifest := fileList{}
		for _, raw := range plan.Files {
			path := stagerouter.CanonicalPath(raw)
			if path == "" {
				continue
			}
			artifacts[path] = []byte{}
			manifest.Files = append(manifest.Files, path)
		}

		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "encoding scaffold manifest", err)
		}
		artifacts[pipeline.ArtifactScaffoldManifest] = data
		return &pipeline.HandlerResult{Artifacts: artifacts}, nil
	})
}

// generationManifest records what the Code Generation stage produced.
type generationManifest struct {
	Files []string `json:"files"`
	Plan  string   `json:"plan"`
}

// NewCodeGenHandler returns the Code Generation stage handler: the
// two-call fan-out of spec.md §4.H. The code-generator's output must be a
// JSON object mapping file paths to contents; each entry becomes a code
// artifact alongside the generation manifest.
func NewCodeGenHandler(sr *stagerouter.Router) pipeline.Handler {
	promptBuilder, codeGenerator := stagerouter.CodeGenBindings()
	return pipeline.HandlerFunc(func(ctx context.Context, hc *pipeline.HandlerContext) (*pipeline.HandlerResult, error) {
		result, err := sr.ExecuteCodeGen(ctx, hc.Stage.Number, buildContext(hc), promptBuilder, codeGenerator)
		if err != nil {
			return nil, err
		}

		var files map[string]string
		if err := json.Unmarshal([]byte(result.Code), &files); err != nil {
			return nil, retryableParse("generated code", err)
		}
		if len(files) == 0 {
			return nil, retryableParse("generated code", fmt.Errorf("no files generated"))
		}

		artifacts := make(map[string][]byte, len(files)+1)
		manifest := generationManifest{Plan: result.PromptPlan}
		for raw, content := range files {
			path := stagerouter.CanonicalPath(raw)
			if path == "" {
				continue
			}
			artifacts[path] = []byte(content)
			manifest.Files = append(manifest.Files, path)
		}

		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "encoding generation manifest", err)
		}
		artifacts[pipeline.ArtifactGenerationManifest] = data
		return &pipeline.HandlerResult{Artifacts: artifacts}, nil
	})
}

// PublishConfig is the static configuration of the repository publication
// stage: the platform credential (stored encrypted) and visibility.
type PublishConfig struct {
	CredentialCiphertext []byte
	Private              bool
}

// specIdentity is the slice of the original specification the publication
// stages need for naming.
type specIdentity struct {
	App string `json:"app"`
}

func projectName(hc *pipeline.HandlerContext) string {
	var ident specIdentity
	if err := json.Unmarshal([]byte(hc.Build.Spec), &ident); err == nil && ident.App != "" {
		return stagerouter.CanonicalAppName(ident.App)
	}
	return hc.Build.ProjectID
}

// NewRepoPublishHandler returns the Repository Publication stage handler.
// It reads the generation manifest, fetches every generated file through
// the Artifact Store, and hands the tree to the Repository Hoster.
func NewRepoPublishHandler(hoster collab.RepoHoster, store *artifact.Store, cfg PublishConfig) pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, hc *pipeline.HandlerContext) (*pipeline.HandlerResult, error) {
		var manifest generationManifest
		if err := json.Unmarshal(hc.Inputs[pipeline.ArtifactGenerationManifest], &manifest); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "parsing generation manifest", err)
		}

		files := make(map[string][]byte, len(manifest.Files))
		for _, name := range manifest.Files {
			data, err := store.Get(hc.Build.ID, name)
			if err != nil {
				return nil, errs.Wrap(errs.KindMissingInputArtifact, fmt.Sprintf("generated file %q listed in manifest", name), err)
			}
			files[name] = data
		}

		desc, err := hoster.Publish(ctx, collab.RepoRequest{
			BuildID:              hc.Build.ID,
			ProjectName:          projectName(hc),
			Files:                files,
			CredentialCiphertext: cfg.CredentialCiphertext,
			Private:              cfg.Private,
		})
		if err != nil {
			e := errs.Wrap(errs.KindProviderTransient, "publishing repository", err)
			e.CorrelationID = hc.CorrelationID
			return nil, e
		}

		data, err := json.MarshalIndent(desc, "", "  ")
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "encoding repository descriptor", err)
		}
		return &pipeline.HandlerResult{
			Artifacts: map[string][]byte{pipeline.ArtifactRepository: data},
		}, nil
	})
}

// DeployConfig is the static configuration of the cloud deployment stage.
type DeployConfig struct {
	CredentialCiphertext []byte
	Region               string
}

// NewCloudDeployHandler returns the Cloud Deployment stage handler: one
// asynchronous call to the Cloud Deployer with the published repository.
func NewCloudDeployHandler(deployer collab.CloudDeployer, cfg DeployConfig) pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, hc *pipeline.HandlerContext) (*pipeline.HandlerResult, error) {
		var repo collab.RepoDescriptor
		if err := json.Unmarshal(hc.Inputs[pipeline.ArtifactRepository], &repo); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "parsing repository descriptor", err)
		}

		desc, err := deployer.Deploy(ctx, collab.DeployRequest{
			BuildID:              hc.Build.ID,
			ProjectName:          projectName(hc),
			RepoURL:              repo.URL,
			Branch:               repo.Branch,
			CredentialCiphertext: cfg.CredentialCiphertext,
			Region:               cfg.Region,
		})
		if err != nil {
			e := errs.Wrap(errs.KindProviderTransient, "deploying to cloud", err)
			e.CorrelationID = hc.CorrelationID
			return nil, e
		}

		data, err := json.MarshalIndent(desc, "", "  ")
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "encoding deployment descriptor", err)
		}
		return &pipeline.HandlerResult{
			Artifacts: map[string][]byte{pipeline.ArtifactDeployment: data},
		}, nil
	})
}

// Default assembles the full handler registry for the default pipeline.
func Default(sr *stagerouter.Router, store *artifact.Store, hoster collab.RepoHoster, deployer collab.CloudDeployer, publish PublishConfig, deploy DeployConfig) map[string]pipeline.Handler {
	return map[string]pipeline.Handler{
		pipeline.HandlerAI:          NewAIHandler(sr),
		pipeline.HandlerScaffold:    NewScaffoldHandler(),
		pipeline.HandlerCodeGen:     NewCodeGenHandler(sr),
		pipeline.HandlerRepoPublish: NewRepoPublishHandler(hoster, store, publish),
		pipeline.HandlerCloudDeploy: NewCloudDeployHandler(deployer, deploy),
	}
}
