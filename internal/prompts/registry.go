package prompts

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
)

// fallbackPrompt keeps the command usable when a template file cannot be
// read: the model still gets a sane judging persona instead of an empty
// system message.
const fallbackPrompt = "You are an impartial judge. Read the following chat " +
	"transcript carefully, weigh what each participant actually said, and " +
	"deliver a clear verdict on who is in the right, with brief reasoning."

// Registry indexes the template directory. Lookups read an immutable
// snapshot, so a Refresh never tears a resolution in half: a command
// either sees the old index or the new one.
type Registry struct {
	dir      string
	logger   *slog.Logger
	snapshot atomic.Pointer[map[string]string]
}

// NewRegistry creates a registry over dir with an empty index. Call
// Refresh to populate it.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{dir: dir, logger: logger}
	empty := map[string]string{}
	r.snapshot.Store(&empty)
	return r
}

// Dir returns the template directory path.
func (r *Registry) Dir() string {
	return r.dir
}

// Refresh rescans the template directory and atomically installs the new
// index. Each .md file registers under its filename, its stem, and every
// alias its front matter declares. Files scan in name order, so with
// duplicate keys the later file wins. A missing or unreadable directory
// installs an empty index; a broken file is skipped, not fatal.
func (r *Registry) Refresh() {
	index := map[string]string{}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("read template directory failed", "dir", r.dir, "error", err)
		}
		r.snapshot.Store(&index)
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}

		index[name] = name
		index[strings.TrimSuffix(name, ".md")] = name

		content, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			r.logger.Warn("read template failed during scan", "file", name, "error", err)
			continue
		}

		meta, _ := SplitFrontMatter(string(content), r.logger)
		for _, alias := range meta.Aliases() {
			index[alias] = name
		}
	}

	r.snapshot.Store(&index)
	r.logger.Debug("template registry refreshed", "dir", r.dir, "keys", len(index), "files", len(r.Files()))
}

// Resolve maps a name, stem, or alias to a template filename.
func (r *Registry) Resolve(key string) (string, bool) {
	index := *r.snapshot.Load()
	file, ok := index[key]
	return file, ok
}

// Files returns the distinct template filenames in the index, sorted.
func (r *Registry) Files() []string {
	index := *r.snapshot.Load()

	seen := map[string]struct{}{}
	for _, file := range index {
		seen[file] = struct{}{}
	}

	files := make([]string, 0, len(seen))
	for file := range seen {
		files = append(files, file)
	}
	sort.Strings(files)
	return files
}

// Raw reads a template file verbatim, front matter included. Used by
// the template listing, where the declared aliases are part of what the
// reader wants to see.
func (r *Registry) Raw(file string) (string, error) {
	content, err := os.ReadFile(filepath.Join(r.dir, file))
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", file, err)
	}
	return string(content), nil
}

// Load reads a template body by filename, stripping front matter. Any
// read failure falls back to a neutral judging prompt so the command
// still works.
func (r *Registry) Load(file string) string {
	content, err := os.ReadFile(filepath.Join(r.dir, file))
	if err != nil {
		r.logger.Warn("read template failed, using fallback prompt", "file", file, "error", err)
		return fallbackPrompt
	}

	_, body := SplitFrontMatter(string(content), r.logger)
	if body == "" {
		r.logger.Warn("template body empty, using fallback prompt", "file", file)
		return fallbackPrompt
	}
	return body
}
