// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

package pipeline

import (
	"time"

	"buildforge/internal/domain"
)

// Canonical artifact names. Later stages reference earlier outputs by
// exact name (spec.md §6), so these are fixed constants rather than
// handler-local strings.
const (
	ArtifactSpecs              = "specs.json"
	ArtifactSpecsRefined       = "specs_refined.json"
	ArtifactSpecsClean         = "specs_clean.json"
	ArtifactDocs               = "docs.md"
	ArtifactSchema             = "schema.json"
	ArtifactSchemaRefined      = "schema_refined.json"
	ArtifactValidatedStructure = "validated_structure.json"
	ArtifactFileStructure      = "file_structure.json"
	ArtifactScaffoldManifest   = "scaffold_manifest.json"
	ArtifactGenerationManifest = "generation_manifest.json"
	ArtifactRepository         = "repository.json"
	ArtifactDeployment         = "deployment.json"
)

// Handler identities referenced by the default stage table.
const (
	HandlerAI          = "ai"
	HandlerScaffold    = "scaffold"
	HandlerCodeGen     = "codegen"
	HandlerRepoPublish = "repo-publish"
	HandlerCloudDeploy = "cloud-deploy"
)

// DefaultStages returns the default pipeline: the twelve stages of the
// stage DAG in numeric order. Sub-stages (1.5, 3.5) refine the output of
// the integer stage they follow; the integer/fractional split is purely
// mnemonic (spec.md §3).
func DefaultStages(defaultTimeout time.Duration, defaultRetries int) []domain.StageDescriptor {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Minute
	}
	if defaultRetries < 0 {
		defaultRetries = 2
	}
	stage := func(number float64, name, handler string, inputs, outputs []string, requiresAI bool) domain.StageDescriptor {
		return domain.StageDescriptor{
			Number:     number,
			Name:       name,
			Inputs:     inputs,
			Outputs:    outputs,
			HandlerID:  handler,
			Timeout:    defaultTimeout,
			Retries:    defaultRetries,
			RequiresAI: requiresAI,
		}
	}

	return []domain.StageDescriptor{
		stage(0, "Clarification", HandlerAI, nil, []string{ArtifactSpecs}, true),
		stage(1, "Normalization", HandlerAI, []string{ArtifactSpecs}, []string{ArtifactSpecsRefined}, true),
		stage(1.5, "Specification Cleanup", HandlerAI, []string{ArtifactSpecsRefined}, []string{ArtifactSpecsClean}, true),
		stage(2, "Documentation", HandlerAI, []string{ArtifactSpecsClean}, []string{ArtifactDocs}, true),
		stage(3, "Schema Generation", HandlerAI, []string{ArtifactSpecsClean}, []string{ArtifactSchema}, true),
		stage(3.5, "Schema Refinement", HandlerAI, []string{ArtifactSchema}, []string{ArtifactSchemaRefined}, true),
		stage(4, "Structural Validation", HandlerAI, []string{ArtifactSpecsClean, ArtifactSchemaRefined}, []string{ArtifactValidatedStructure}, true),
		stage(5, "File Structure Planning", HandlerAI, []string{ArtifactValidatedStructure}, []string{ArtifactFileStructure}, true),
		stage(6, "Scaffolding", HandlerScaffold, []string{ArtifactFileStructure}, []string{ArtifactScaffoldManifest}, false),
		stage(7, "Code Generation", HandlerCodeGen, []string{ArtifactFileStructure, ArtifactSchemaRefined}, []string{ArtifactGenerationManifest}, true),
		stage(8, "Repository Publication", HandlerRepoPublish, []string{ArtifactGenerationManifest}, []string{ArtifactRepository}, false),
		stage(9, "Cloud Deployment", HandlerCloudDeploy, []string{ArtifactRepository}, []string{ArtifactDeployment}, false),
	}
}
