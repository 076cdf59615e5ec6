// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

package stagerouter

import (
	"fmt"
	"sort"
	"strings"

	"buildforge/internal/providers"
)

// Role names referenced by the default stage table. Each resolves to a
// (provider, model) pair plus fallback chain via the Model Router's role
// map.
const (
	RoleClarifier      = "clarifier"
	RoleNormalizer     = "normalizer"
	RoleRefiner        = "refiner"
	RoleDocumenter     = "documenter"
	RoleSchemaDesigner = "schema-designer"
	RoleSchemaRefiner  = "schema-refiner"
	RoleValidator      = "validator"
	RolePlanner        = "planner"
	RolePromptBuilder  = "prompt-builder"
	RoleCodeGenerator  = "code-generator"
)

// CodeGenBindings returns the two bindings the Code Generation stage fans
// out to (spec.md §4.H).
func CodeGenBindings() (promptBuilder, codeGenerator Binding) {
	promptBuilder = Binding{Role: RolePromptBuilder, TemplateID: "codegen-prompt", Options: Options{Temperature: 0.3, MaxTokens: 8192}}
	codeGenerator = Binding{Role: RoleCodeGenerator, TemplateID: "codegen-code", Options: Options{Temperature: 0.2, MaxTokens: 16384}}
	return promptBuilder, codeGenerator
}

// DefaultTable returns the declarative stage table for the AI stages of
// the default pipeline. Non-AI stages (scaffolding, repository
// publication, cloud deployment) have no row here; the Code Generation
// stage's two bindings come from CodeGenBindings.
func DefaultTable() map[float64]Binding {
	return map[float64]Binding{
		0:   {Role: RoleClarifier, TemplateID: "clarify", Options: Options{Temperature: 0.7, MaxTokens: 4096}},
		1:   {Role: RoleNormalizer, TemplateID: "normalize", Options: Options{Temperature: 0.2, MaxTokens: 4096}},
		1.5: {Role: RoleRefiner, TemplateID: "clean", Options: Options{Temperature: 0.1, MaxTokens: 4096}},
		2:   {Role: RoleDocumenter, TemplateID: "document", Options: Options{Temperature: 0.5, MaxTokens: 8192}},
		3:   {Role: RoleSchemaDesigner, TemplateID: "schema", Options: Options{Temperature: 0.2, MaxTokens: 8192}},
		3.5: {Role: RoleSchemaRefiner, TemplateID: "schema-refine", Options: Options{Temperature: 0.1, MaxTokens: 8192}},
		4:   {Role: RoleValidator, TemplateID: "validate-structure", Options: Options{Temperature: 0, MaxTokens: 4096}},
		5:   {Role: RolePlanner, TemplateID: "plan-files", Options: Options{Temperature: 0.2, MaxTokens: 8192}},
	}
}

// DefaultTemplates returns the built-in template registry. The content of
// each template is deliberately minimal scaffolding around the build
// context: real prompt engineering is configuration, swapped in by the
// operator via the same ids.
func DefaultTemplates() map[string]PromptTemplate {
	instructions := map[string]string{
		"clarify":            "Clarify the following application specification. Resolve ambiguities and enumerate explicit requirements as JSON.",
		"normalize":          "Normalize the clarified specification into the canonical field layout. Output JSON.",
		"clean":              "Remove redundancies and contradictions from the normalized specification. Output JSON.",
		"document":           "Write user-facing documentation for the specified application as Markdown.",
		"schema":             "Design the data schema (entities, fields, relations) for the specified application. Output JSON.",
		"schema-refine":      "Refine the schema: tighten types, add missing relations and constraints. Output JSON.",
		"validate-structure": "Validate the refined schema against the specification. Output the validated structure as JSON, with an issues array.",
		"plan-files":         "Plan the project file structure for the application. Output JSON with a files array of relative paths.",
		"codegen-prompt":     "Produce a per-file generation plan for the planned file structure. Output JSON.",
		"codegen-code":       "Generate the source code for every planned file. Output a JSON object mapping file paths to file contents.",
	}

	templates := make(map[string]PromptTemplate, len(instructions))
	for id, instruction := range instructions {
		templates[id] = genericTemplate(instruction)
	}
	return templates
}

// genericTemplate builds a system+user message pair: the stage instruction,
// then the original spec and every input artifact in deterministic order.
func genericTemplate(instruction string) PromptTemplate {
	return func(bctx BuildContext) []providers.Message {
		var sb strings.Builder
		fmt.Fprintf(&sb, "Specification:\n%s\n", bctx.Spec)

		names := make([]string, 0, len(bctx.Artifacts))
		for name := range bctx.Artifacts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&sb, "\nArtifact %s:\n%s\n", name, bctx.Artifacts[name])
		}

		return []providers.Message{
			{Role: "system", Content: instruction},
			{Role: "user", Content: sb.String()},
		}
	}
}
