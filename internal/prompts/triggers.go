package prompts

import "sort"

// Triggers maps invocation words to template filenames. The word the
// user typed picks the judging persona unless an explicit override
// resolves first.
type Triggers map[string]string

// DefaultTriggers returns the built-in command vocabulary.
func DefaultTriggers() Triggers {
	return Triggers{
		"judge":   "alignment.md",
		"justice": "alignment.md",
		"verdict": "alignment.md",
		"referee": "alignment.md",

		"analyse":   "analysis.md",
		"analyze":   "analysis.md",
		"ana":       "analysis.md",
		"breakdown": "analysis.md",

		"pov":         "pov.md",
		"perspective": "pov.md",
		"viewpoint":   "pov.md",

		"blank":     "blank.md",
		"raw":       "blank.md",
		"freestyle": "blank.md",
	}
}

// Lookup returns the template file for an invocation word.
func (t Triggers) Lookup(word string) (string, bool) {
	file, ok := t[word]
	return file, ok
}

// Words returns every invocation word, sorted. The bridge uses this set
// to recognize commands.
func (t Triggers) Words() []string {
	words := make([]string, 0, len(t))
	for w := range t {
		words = append(words, w)
	}
	sort.Strings(words)
	return words
}
