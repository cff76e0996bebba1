package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fogmoth/verdict/internal/usage"
)

// seedStatsEnv writes a config pointing at a temp data dir, seeds the
// judgement database with records, and returns the config path.
func seedStatsEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")

	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := fmt.Sprintf("openai:\n  api_key: test\ndata_dir: %s\n", dataDir)
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatal(err)
	}
	store, err := usage.NewStore(filepath.Join(dataDir, "judgements.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	records := []usage.Record{
		{UserID: 1, Template: "alignment.md", Model: "m", PromptTokens: 100, CompletionTokens: 40, Outcome: usage.OutcomeImage},
		{UserID: 1, Template: "alignment.md", Model: "m", PromptTokens: 120, CompletionTokens: 60, Outcome: usage.OutcomeImage},
		{UserID: 2, Template: "analysis.md", Model: "m", PromptTokens: 80, CompletionTokens: 30, Outcome: usage.OutcomeTextFallback},
	}
	for _, rec := range records {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	return cfgPath
}

func TestRunStats_Text(t *testing.T) {
	cfgPath := seedStatsEnv(t)

	var buf bytes.Buffer
	if err := runStats(&buf, cfgPath, "text", 7); err != nil {
		t.Fatalf("runStats failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"Judgements over the last 7 days: 3",
		"Tokens: 300 prompt, 130 completion",
		"alignment.md",
		"analysis.md",
		"image",
		"text_fallback",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	// alignment.md has more records and must be listed first.
	if strings.Index(out, "alignment.md") > strings.Index(out, "analysis.md") {
		t.Error("templates not ordered by record count")
	}
}

func TestRunStats_JSON(t *testing.T) {
	cfgPath := seedStatsEnv(t)

	var buf bytes.Buffer
	if err := runStats(&buf, cfgPath, "json", 7); err != nil {
		t.Fatalf("runStats failed: %v", err)
	}

	var out statsOutput
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}

	if out.Days != 7 {
		t.Errorf("days = %d, want 7", out.Days)
	}
	if out.Total.Records != 3 {
		t.Errorf("total records = %d, want 3", out.Total.Records)
	}
	if got := out.ByTemplate["alignment.md"].Records; got != 2 {
		t.Errorf("alignment.md records = %d, want 2", got)
	}
	if got := out.ByOutcome["image"].PromptTokens; got != 220 {
		t.Errorf("image prompt tokens = %d, want 220", got)
	}
}

func TestRunStats_EmptyDatabase(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := fmt.Sprintf("openai:\n  api_key: test\ndata_dir: %s\n", filepath.Join(dir, "data"))
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runStats(&buf, cfgPath, "text", 30); err != nil {
		t.Fatalf("runStats on fresh database failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Judgements over the last 30 days: 0") {
		t.Errorf("output = %q", buf.String())
	}
}
