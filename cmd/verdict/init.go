package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fogmoth/verdict/internal/defaults"
	defaultprompts "github.com/fogmoth/verdict/prompts"
)

// runInit initializes a verdict working directory with default files.
// It creates the directory structure and copies the bundled config
// example and prompt templates. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing verdict workspace in %s\n", dir)

	for _, sub := range []string{"data", "prompts"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// The config holds the API key, so it is not world-readable.
	if err := writeIfMissing(w, filepath.Join(dir, "config.yaml"), defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	// Copy the bundled prompt templates.
	err := fs.WalkDir(defaultprompts.FS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}

		content, err := defaultprompts.FS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", path, err)
		}
		return writeIfMissing(w, filepath.Join(dir, "prompts", d.Name()), content, 0o644)
	})
	if err != nil {
		return fmt.Errorf("install prompt templates: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml: set openai.api_key, the onebot endpoint, and the")
	fmt.Fprintln(w, "allow lists. The bot answers nobody until a user or group is listed.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, reporting what happened on w. Init never overwrites
// user customizations.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if errors.Is(err, fs.ErrExist) {
		fmt.Fprintf(w, "  %s exists, skipping\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
