package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"pimsync/internal"
	"pimsync/internal/generation"
	"pimsync/internal/pipeline"
	"pimsync/internal/storage"
)

var (
	runKeysFile string
	runWidth    int
	runProvider string
	runModel    string
	runProfile  string
	runMeta     bool
	runNoMeta   bool
)

var runCmd = &cobra.Command{
	Use:   "run [key...]",
	Short: "Generate descriptions for a batch of items into a new session",
	Long: `run fetches every item, scores its source description and asks the
configured provider for a new description. Nothing is written to the catalog;
review the session with "results" and write it back with "commit".`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runKeysFile, "keys-file", "", "File with one item key per line, or an .xlsx sheet (- for stdin)")
	runCmd.Flags().IntVar(&runWidth, "width", 0, "Number of items processed in parallel (default: BATCH_WIDTH)")
	runCmd.Flags().StringVar(&runProvider, "provider", "", "Generation provider: openai, gemini (default: GEN_PROVIDER)")
	runCmd.Flags().StringVar(&runModel, "model", "", "Model name (default: GEN_MODEL)")
	runCmd.Flags().StringVar(&runProfile, "profile", "", "Prompt profile (default: GEN_PROMPT_PROFILE)")
	runCmd.Flags().BoolVar(&runMeta, "meta", false, "Also generate meta title and meta description")
	runCmd.Flags().BoolVar(&runNoMeta, "no-meta", false, "Skip meta generation even if GEN_META is set")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	keys, err := collectKeys(args, runKeysFile, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("no item keys given")
	}

	cfg := app.cfg
	pc := generation.ProviderConfigFrom(cfg)
	if runProvider != "" {
		pc.Provider = runProvider
	}
	if runModel != "" {
		pc.Model = runModel
	}
	if runProfile != "" {
		pc.Profile = runProfile
	}
	width := cfg.BatchWidth
	if runWidth > 0 {
		width = runWidth
	}
	meta := (cfg.GenMeta || runMeta) && !runNoMeta

	client, err := app.catalog()
	if err != nil {
		return err
	}
	adapter, err := app.adapter()
	if err != nil {
		return err
	}
	if !slices.Contains(adapter.Providers(), strings.ToLower(pc.Provider)) {
		return fmt.Errorf("provider %q has no API key configured (configured: %s)", pc.Provider, strings.Join(adapter.Providers(), ", "))
	}
	if !adapter.Prompts().Has(pc.Profile) {
		return fmt.Errorf("unknown prompt profile %q (available: %s)", pc.Profile, strings.Join(adapter.Prompts().Names(), ", "))
	}
	db, err := app.storage()
	if err != nil {
		return err
	}

	orch := pipeline.NewOrchestrator(client, client.Tokens(), adapter,
		pipeline.NewGate(cfg.QualityErrorFloor, cfg.QualityWarningFloor), app.log.With("component", "batch"))

	results, err := orch.RunBatch(ctx, keys, pipeline.Options{
		Channel:     cfg.Channel,
		Locale:      cfg.Locale,
		Width:       width,
		Provider:    pc,
		Meta:        meta,
		URLTemplate: cfg.StorefrontURLTemplate,
		OnProgress: func(p internal.Progress) {
			fmt.Fprintf(os.Stderr, "\rgenerated %d/%d", p.Completed, p.Total)
			if p.Completed == p.Total {
				fmt.Fprintln(os.Stderr)
			}
		},
	})
	if err != nil {
		return err
	}
	internal.SortResultsByKey(results)

	session, err := db.CreateSession(storage.Session{
		Channel:  cfg.Channel,
		Locale:   cfg.Locale,
		Provider: pc.Provider,
		Model:    pc.Model,
		Profile:  pc.Profile,
	})
	if err != nil {
		return err
	}
	if err := db.SaveResults(session.ID, results); err != nil {
		return err
	}
	if err := db.SetMetadata(currentSessionKey, session.ID); err != nil {
		return err
	}

	if structured() {
		return printOutput(map[string]any{"session": session.ID, "results": results})
	}
	printResults(results, internal.NewSelectionSet(results), nil)
	fmt.Printf("\nsession %s: %d items, review with \"pimsync results\", write back with \"pimsync commit --yes\"\n", session.ID, len(results))
	return nil
}

func collectKeys(args []string, keysFile string, stdin io.Reader) ([]internal.ItemKey, error) {
	raw := append([]string{}, args...)
	if keysFile != "" {
		lines, err := readKeysFile(keysFile, stdin)
		if err != nil {
			return nil, err
		}
		raw = append(raw, lines...)
	}

	keys := make([]internal.ItemKey, 0, len(raw))
	for _, part := range raw {
		for _, k := range strings.Split(part, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, internal.ItemKey(k))
			}
		}
	}
	return keys, nil
}

func readKeysFile(path string, stdin io.Reader) ([]string, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		blob, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		keys, err := pipeline.ReadKeysFromXLSX(blob)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, string(k))
		}
		return out, nil
	}

	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func printResults(results []internal.GenerationResult, sel internal.SelectionSet, commitState map[internal.ItemKey]string) {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		status := "ok"
		if r.Error != nil {
			status = "error: " + truncate(*r.Error, 50)
		}
		selected := "-"
		if r.Succeeded() {
			selected = "no"
			if sel[r.Key] {
				selected = "yes"
			}
		}
		row := []string{
			string(r.Key),
			truncate(r.Title, 40),
			string(r.Quality.Level),
			fmt.Sprintf("%d", r.Quality.SourceLength),
			status,
			selected,
		}
		if commitState != nil {
			row = append(row, commitState[r.Key])
		}
		rows = append(rows, row)
	}
	headers := []string{"Key", "Title", "Quality", "Source", "Status", "Selected"}
	if commitState != nil {
		headers = append(headers, "Commit")
	}
	printTable(headers, rows)
}
