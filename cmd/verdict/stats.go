package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/fogmoth/verdict/internal/usage"
)

// statsSummary is the JSON output shape for one aggregate.
type statsSummary struct {
	Records          int   `json:"records"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// statsOutput is the JSON output shape for the stats subcommand.
type statsOutput struct {
	Days       int                     `json:"days"`
	Since      string                  `json:"since"`
	Total      statsSummary            `json:"total"`
	ByTemplate map[string]statsSummary `json:"by_template"`
	ByOutcome  map[string]statsSummary `json:"by_outcome"`
}

// runStats handles the "verdict stats [days]" subcommand. It reads the
// judgement database referenced by the config and prints aggregate
// counts and token totals for the requested window.
func runStats(w io.Writer, configPath, outputFmt string, days int) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	dbPath := filepath.Join(cfg.DataDir, "judgements.db")
	store, err := usage.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open judgement database %s: %w", dbPath, err)
	}
	defer store.Close()

	end := time.Now()
	start := end.AddDate(0, 0, -days)

	total, err := store.Summary(start, end)
	if err != nil {
		return fmt.Errorf("summarize judgements: %w", err)
	}
	byTemplate, err := store.SummaryByTemplate(start, end)
	if err != nil {
		return fmt.Errorf("summarize by template: %w", err)
	}
	byOutcome, err := store.SummaryByOutcome(start, end)
	if err != nil {
		return fmt.Errorf("summarize by outcome: %w", err)
	}

	if outputFmt == "json" {
		out := statsOutput{
			Days:       days,
			Since:      start.UTC().Format(time.RFC3339),
			Total:      toStatsSummary(total),
			ByTemplate: toStatsSummaryMap(byTemplate),
			ByOutcome:  toStatsSummaryMap(byOutcome),
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(w, "Judgements over the last %d days: %d\n", days, total.TotalRecords)
	fmt.Fprintf(w, "Tokens: %d prompt, %d completion\n", total.TotalPromptTokens, total.TotalCompletionTokens)

	printGroup(w, "By template:", byTemplate)
	printGroup(w, "By outcome:", byOutcome)
	return nil
}

// printGroup writes one aggregate section, rows ordered by descending
// record count with name as the tiebreaker.
func printGroup(w io.Writer, heading string, group map[string]*usage.Summary) {
	if len(group) == 0 {
		return
	}

	names := make([]string, 0, len(group))
	for name := range group {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := group[names[i]], group[names[j]]
		if a.TotalRecords != b.TotalRecords {
			return a.TotalRecords > b.TotalRecords
		}
		return names[i] < names[j]
	})

	fmt.Fprintf(w, "\n%s\n", heading)
	for _, name := range names {
		s := group[name]
		fmt.Fprintf(w, "  %-24s %5d  (%d prompt, %d completion)\n",
			name, s.TotalRecords, s.TotalPromptTokens, s.TotalCompletionTokens)
	}
}

func toStatsSummary(s *usage.Summary) statsSummary {
	return statsSummary{
		Records:          s.TotalRecords,
		PromptTokens:     s.TotalPromptTokens,
		CompletionTokens: s.TotalCompletionTokens,
	}
}

func toStatsSummaryMap(group map[string]*usage.Summary) map[string]statsSummary {
	out := make(map[string]statsSummary, len(group))
	for name, s := range group {
		out[name] = toStatsSummary(s)
	}
	return out
}
