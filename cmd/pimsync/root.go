package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"pimsync/internal/catalog"
	"pimsync/internal/config"
	"pimsync/internal/generation"
	"pimsync/internal/ledger"
	"pimsync/internal/logger"
	"pimsync/internal/storage"
)

var (
	outputFmt string
	channel   string
	locale    string
)

var rootCmd = &cobra.Command{
	Use:   "pimsync",
	Short: "Refresh catalog product descriptions with an LLM",
	Long: `pimsync generates marketing descriptions for catalog items in batches,
keeps the results in a local session for review and writes the selected ones
back to the catalog, recording each write in a local ledger.

Typical flow:
  pimsync run SKU-1 SKU-2 SKU-3
  pimsync results
  pimsync select --deselect SKU-2
  pimsync commit --yes`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		app = a
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&channel, "channel", "", "Catalog channel (default: CATALOG_CHANNEL)")
	rootCmd.PersistentFlags().StringVar(&locale, "locale", "", "Catalog locale (default: CATALOG_LOCALE)")

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(existsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(profilesCmd)
}

var app *appContext

// appContext holds lazily built dependencies so that a command only needs
// the configuration it actually uses.
type appContext struct {
	cfg    config.Config
	log    *logger.Logger
	db     *storage.DB
	client *catalog.Client
}

func newApp() (*appContext, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if channel != "" {
		cfg.Channel = channel
	}
	if locale != "" {
		cfg.Locale = locale
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, err
	}
	return &appContext{cfg: cfg, log: log}, nil
}

func (a *appContext) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	a.log.Sync()
}

func (a *appContext) storage() (*storage.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := storage.Open(a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	a.db = db
	return db, nil
}

func (a *appContext) catalog() (*catalog.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	if err := a.cfg.RequireCatalog(); err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: time.Duration(a.cfg.CatalogTimeoutMs) * time.Millisecond}
	broker := catalog.NewTokenBroker(a.cfg, httpClient)
	a.client = catalog.NewClient(a.cfg, broker, a.log.With("component", "catalog"))
	return a.client, nil
}

func (a *appContext) ledger() *ledger.Ledger {
	return ledger.New(a.cfg.LedgerPath)
}

func (a *appContext) prompts() (*generation.PromptSet, error) {
	prompts, err := generation.LoadPrompts(a.cfg.GenPromptsPath)
	if err != nil {
		return nil, fmt.Errorf("load prompt profiles: %w", err)
	}
	return prompts, nil
}

func (a *appContext) adapter() (*generation.Adapter, error) {
	prompts, err := a.prompts()
	if err != nil {
		return nil, err
	}
	providers := generation.NewProviders(a.cfg, a.log.With("component", "generation"))
	return generation.NewAdapter(prompts, a.log.With("component", "generation"), providers...), nil
}

const currentSessionKey = "current_session"

// sessionID resolves an explicit --session value, then the session marked
// current, then the most recent one.
func (a *appContext) sessionID(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	db, err := a.storage()
	if err != nil {
		return "", err
	}
	current, err := db.GetMetadata(currentSessionKey)
	if err != nil {
		return "", err
	}
	if current != nil && *current != "" {
		return *current, nil
	}
	id, err := db.LatestSessionID()
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("no session found, start one with: pimsync run")
	}
	return id, nil
}
