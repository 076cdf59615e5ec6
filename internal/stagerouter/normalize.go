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
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/width"
)

var titleCaser = cases.Title(language.English, cases.NoLower)

// CanonicalAppName folds a user-supplied application name to a stable
// display form: full-width characters narrowed, whitespace collapsed,
// title-cased. Specs arrive from arbitrary UIs, so the same logical name
// must normalize identically regardless of input quirks.
func CanonicalAppName(name string) string {
	narrowed := width.Narrow.String(name)
	fields := strings.Fields(narrowed)
	return titleCaser.String(strings.Join(fields, " "))
}

// CanonicalPath folds a planned file path to its canonical repository
// form: full-width characters narrowed, backslashes normalized, spaces
// and control characters stripped out of each segment.
func CanonicalPath(p string) string {
	narrowed := width.Narrow.String(p)
	narrowed = strings.ReplaceAll(narrowed, "\\", "/")

	segments := strings.Split(narrowed, "/")
	out := segments[:0]
	for _, seg := range segments {
		seg = strings.Map(func(r rune) rune {
			if unicode.IsSpace(r) || unicode.IsControl(r) {
				return -1
			}
			return r
		}, seg)
		if seg == "" || seg == "." {
			continue
		}
		out = append(out, seg)
	}
	return strings.Join(out, "/")
}
