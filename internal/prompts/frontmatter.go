// Package prompts manages the judging prompt templates: markdown files
// with optional YAML front matter, indexed by filename, stem, and
// declared aliases.
package prompts

import (
	"log/slog"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Meta is the parsed front-matter mapping of a template file.
type Meta map[string]any

// frontMatterRe captures the YAML block between --- delimiters and the
// remaining body. (?s) lets the body span lines.
var frontMatterRe = regexp.MustCompile(`(?s)^---\s*\n(.*?)\n---\s*\n(.*)$`)

// SplitFrontMatter separates YAML front matter from the template body.
//
// Without delimiters the content passes through untouched with nil
// metadata. With delimiters but malformed YAML the whole template is
// withheld: the body comes back empty so a half-parsed template never
// reaches the model.
func SplitFrontMatter(content string, logger *slog.Logger) (Meta, string) {
	if logger == nil {
		logger = slog.Default()
	}

	m := frontMatterRe.FindStringSubmatch(content)
	if m == nil {
		return nil, content
	}

	var meta Meta
	if err := yaml.Unmarshal([]byte(m[1]), &meta); err != nil {
		logger.Warn("malformed front matter, withholding template body", "error", err)
		return nil, ""
	}
	return meta, m[2]
}

// Aliases returns the alias list declared under the "alias" key. A
// single string value counts as one alias; non-string list elements are
// ignored.
func (m Meta) Aliases() []string {
	switch v := m["alias"].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}
