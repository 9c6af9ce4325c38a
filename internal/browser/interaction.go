// SPDX-License-Identifier: Apache-2.0

package browser

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/adiadia/visual-replay/internal/domain"
)

const (
	maxElementText  = 80
	maxAncestorText = 60
)

var strict = bluemonday.StrictPolicy()

// DescribeInteraction builds the pipe-delimited context string sent with a
// recorded step: text, aria-label, placeholder, title, tag[type] and the
// ancestor text when it differs from the element text. Empty fields are
// omitted.
func DescribeInteraction(in domain.Interaction) string {
	text := truncate(clean(in.Text), maxElementText)
	ancestor := truncate(clean(in.AncestorText), maxAncestorText)
	if ancestor == text {
		ancestor = ""
	}

	tag := strings.ToLower(clean(in.Tag))
	if t := strings.ToLower(clean(in.InputType)); tag != "" && t != "" {
		tag += "[" + t + "]"
	}

	fields := []string{
		text,
		clean(in.AriaLabel),
		clean(in.Placeholder),
		clean(in.Title),
		tag,
		ancestor,
	}
	parts := fields[:0]
	for _, f := range fields {
		if f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, " | ")
}

// clean strips markup, decodes entities and collapses whitespace.
func clean(s string) string {
	s = html.UnescapeString(strict.Sanitize(s))
	s = strings.ReplaceAll(s, "|", "/")
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
