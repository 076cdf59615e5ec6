// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

package domain

import "strings"

// Artifact is a named typed blob produced by a stage.
type Artifact struct {
	BuildID  string           `json:"buildId"`
	Category ArtifactCategory `json:"category"`
	Name     string           `json:"name"`
	Bytes    []byte           `json:"-"`
}

var specSuffixes = []string{".json", ".schema.json", ".yaml", ".yml"}
var docSuffixes = []string{".md", ".txt", ".markdown"}

// CategoryForName applies the fixed filename-suffix routing rule from
// spec.md §4.A: structured-data suffixes -> specs, markdown/text -> docs,
// everything else -> code.
func CategoryForName(name string) ArtifactCategory {
	lower := strings.ToLower(name)
	for _, suf := range docSuffixes {
		if strings.HasSuffix(lower, suf) {
			return CategoryDocs
		}
	}
	for _, suf := range specSuffixes {
		if strings.HasSuffix(lower, suf) {
			return CategorySpecs
		}
	}
	return CategoryCode
}
