package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemplate(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRegistry_RefreshRegistersAllKeys(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "alignment.md", "---\nalias: [justice, referee]\n---\nJudge fairly.")

	r := NewRegistry(dir, nil)
	r.Refresh()

	for _, key := range []string{"alignment.md", "alignment", "justice", "referee"} {
		file, ok := r.Resolve(key)
		if !ok {
			t.Errorf("Resolve(%q) not found", key)
			continue
		}
		if file != "alignment.md" {
			t.Errorf("Resolve(%q) = %q, want alignment.md", key, file)
		}
	}
}

func TestRegistry_LaterFileWinsOnCollision(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "a.md", "---\nalias: [x]\n---\nbody a")
	writeTemplate(t, dir, "b.md", "---\nalias: [x]\n---\nbody b")

	r := NewRegistry(dir, nil)
	r.Refresh()

	file, ok := r.Resolve("x")
	if !ok {
		t.Fatal("Resolve(x) not found")
	}
	if file != "b.md" {
		t.Errorf("Resolve(x) = %q, want b.md (later file wins)", file)
	}
}

func TestRegistry_EmptyAndMissingDirs(t *testing.T) {
	t.Run("empty dir", func(t *testing.T) {
		r := NewRegistry(t.TempDir(), nil)
		r.Refresh()
		if files := r.Files(); len(files) != 0 {
			t.Errorf("Files() = %v, want empty", files)
		}
	})

	t.Run("missing dir", func(t *testing.T) {
		r := NewRegistry(filepath.Join(t.TempDir(), "nope"), nil)
		r.Refresh()
		if files := r.Files(); len(files) != 0 {
			t.Errorf("Files() = %v, want empty", files)
		}
		if _, ok := r.Resolve("anything"); ok {
			t.Error("Resolve should find nothing in a missing dir")
		}
	})
}

func TestRegistry_SkipsNonTemplates(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "real.md", "body")
	writeTemplate(t, dir, "notes.txt", "not a template")
	if err := os.Mkdir(filepath.Join(dir, "sub.md"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(dir, nil)
	r.Refresh()

	files := r.Files()
	if len(files) != 1 || files[0] != "real.md" {
		t.Errorf("Files() = %v, want [real.md]", files)
	}
	if _, ok := r.Resolve("notes.txt"); ok {
		t.Error("non-markdown file should not register")
	}
}

func TestRegistry_ResolveNotFound(t *testing.T) {
	r := NewRegistry(t.TempDir(), nil)
	r.Refresh()

	if _, ok := r.Resolve("ghost"); ok {
		t.Error("Resolve(ghost) should report not found")
	}
}

func TestRegistry_BrokenFileSkippedOthersSurvive(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "bad.md", "---\n: : broken [\n---\nbody")
	writeTemplate(t, dir, "good.md", "---\nalias: [ok]\n---\nbody")

	r := NewRegistry(dir, nil)
	r.Refresh()

	// The broken file still registers by filename and stem; only its
	// aliases are lost.
	if _, ok := r.Resolve("bad.md"); !ok {
		t.Error("broken file should still register by filename")
	}
	if file, ok := r.Resolve("ok"); !ok || file != "good.md" {
		t.Errorf("Resolve(ok) = %q, %v; want good.md", file, ok)
	}
}

func TestRegistry_Load(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "plain.md", "just the body")
	writeTemplate(t, dir, "fronted.md", "---\nalias: [f]\n---\nstripped body")
	writeTemplate(t, dir, "broken.md", "---\n: : : [\n---\nunreachable body")

	r := NewRegistry(dir, nil)
	r.Refresh()

	t.Run("plain body", func(t *testing.T) {
		if got := r.Load("plain.md"); got != "just the body" {
			t.Errorf("Load(plain.md) = %q", got)
		}
	})

	t.Run("front matter stripped", func(t *testing.T) {
		if got := r.Load("fronted.md"); got != "stripped body" {
			t.Errorf("Load(fronted.md) = %q", got)
		}
	})

	t.Run("missing file falls back", func(t *testing.T) {
		if got := r.Load("ghost.md"); got != fallbackPrompt {
			t.Errorf("Load(ghost.md) = %q, want fallback prompt", got)
		}
	})

	t.Run("broken front matter falls back", func(t *testing.T) {
		got := r.Load("broken.md")
		if got != fallbackPrompt {
			t.Errorf("Load(broken.md) = %q, want fallback prompt", got)
		}
		if strings.Contains(got, "unreachable") {
			t.Error("withheld body leaked through")
		}
	})
}

func TestRegistry_Raw(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "fronted.md", "---\nalias: [f]\n---\nbody")

	r := NewRegistry(dir, nil)

	raw, err := r.Raw("fronted.md")
	if err != nil {
		t.Fatal(err)
	}
	if raw != "---\nalias: [f]\n---\nbody" {
		t.Errorf("Raw() = %q, want verbatim file content", raw)
	}

	if _, err := r.Raw("ghost.md"); err == nil {
		t.Error("Raw(ghost.md) should fail")
	}
}

func TestRegistry_RefreshPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()

	r := NewRegistry(dir, nil)
	r.Refresh()

	if _, ok := r.Resolve("late"); ok {
		t.Fatal("late template should not resolve before it exists")
	}

	writeTemplate(t, dir, "late.md", "arrived")
	r.Refresh()

	file, ok := r.Resolve("late")
	if !ok || file != "late.md" {
		t.Errorf("Resolve(late) = %q, %v; want late.md after refresh", file, ok)
	}
}

func TestRegistry_FilesSortedDistinct(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "b.md", "---\nalias: [b1, b2, b3]\n---\nx")
	writeTemplate(t, dir, "a.md", "x")

	r := NewRegistry(dir, nil)
	r.Refresh()

	files := r.Files()
	if len(files) != 2 {
		t.Fatalf("Files() = %v, want 2 distinct entries", files)
	}
	if files[0] != "a.md" || files[1] != "b.md" {
		t.Errorf("Files() = %v, want sorted [a.md b.md]", files)
	}
}
