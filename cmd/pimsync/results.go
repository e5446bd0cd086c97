package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pimsync/internal"
	"pimsync/internal/storage"
)

var (
	resultsSession string
	resultsShow    string

	selectSession  string
	selectAll      bool
	selectNone     bool
	selectDeselect bool
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Show the results of a session",
	RunE:  runResults,
}

var selectCmd = &cobra.Command{
	Use:   "select [key...]",
	Short: "Choose which results of a session will be committed",
	Long: `select marks results for commit. Without flags the given keys are
selected; --deselect removes them instead. --all and --none apply to every
successful result before the keys are applied.`,
	RunE: runSelect,
}

func init() {
	resultsCmd.Flags().StringVar(&resultsSession, "session", "", "Session id (default: current session)")
	resultsCmd.Flags().StringVar(&resultsShow, "show", "", "Print the full generated output of one item")

	selectCmd.Flags().StringVar(&selectSession, "session", "", "Session id (default: current session)")
	selectCmd.Flags().BoolVar(&selectAll, "all", false, "Select every successful result")
	selectCmd.Flags().BoolVar(&selectNone, "none", false, "Deselect every result")
	selectCmd.Flags().BoolVar(&selectDeselect, "deselect", false, "Deselect the given keys")
	selectCmd.MarkFlagsMutuallyExclusive("all", "none")
}

type loadedSession struct {
	db        *storage.DB
	session   *storage.Session
	results   []internal.GenerationResult
	selection internal.SelectionSet
}

func loadSession(explicit string) (*loadedSession, error) {
	id, err := app.sessionID(explicit)
	if err != nil {
		return nil, err
	}
	db, err := app.storage()
	if err != nil {
		return nil, err
	}
	s, results, sel, err := db.LoadSession(id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return &loadedSession{db: db, session: s, results: results, selection: sel}, nil
}

func runResults(cmd *cobra.Command, args []string) error {
	ls, err := loadSession(resultsSession)
	if err != nil {
		return err
	}

	if resultsShow != "" {
		return showResult(ls, internal.ItemKey(resultsShow))
	}

	if structured() {
		return printOutput(map[string]any{
			"session":   ls.session.ID,
			"results":   ls.results,
			"selection": ls.selection.Selected(),
		})
	}

	committed, err := ls.db.CommittedKeys(ls.session.ID)
	if err != nil {
		return err
	}
	failures, err := ls.db.CommitErrors(ls.session.ID)
	if err != nil {
		return err
	}
	state := map[internal.ItemKey]string{}
	for _, r := range ls.results {
		switch {
		case committed[r.Key]:
			state[r.Key] = "done"
		case failures[r.Key] != "":
			state[r.Key] = "failed"
		default:
			state[r.Key] = "-"
		}
	}

	fmt.Printf("session %s (%s/%s, %s %s, profile %s)\n\n",
		ls.session.ID, ls.session.Channel, ls.session.Locale, ls.session.Provider, ls.session.Model, ls.session.Profile)
	printResults(ls.results, ls.selection, state)
	fmt.Printf("\n%d results, %d succeeded, %d selected, %d committed\n",
		ls.session.Total, ls.session.Succeeded, len(ls.selection.Selected()), ls.session.Committed)
	return nil
}

func showResult(ls *loadedSession, key internal.ItemKey) error {
	for _, r := range ls.results {
		if r.Key != key {
			continue
		}
		if structured() {
			return printOutput(r)
		}
		fmt.Printf("%s  %s\n", r.Key, r.Title)
		fmt.Printf("quality: %s (%d chars) %s\n", r.Quality.Level, r.Quality.SourceLength, r.Quality.Message)
		if r.DerivedURL != "" {
			fmt.Printf("url: %s\n", r.DerivedURL)
		}
		if r.Error != nil {
			fmt.Printf("error: %s\n", *r.Error)
			return nil
		}
		if r.MetaTitle != "" || r.MetaDescription != "" {
			fmt.Printf("meta title: %s\nmeta description: %s\n", r.MetaTitle, r.MetaDescription)
		}
		fmt.Printf("\n%s\n", *r.HTML)
		return nil
	}
	return fmt.Errorf("item %s is not part of session %s", key, ls.session.ID)
}

func runSelect(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !selectAll && !selectNone {
		return fmt.Errorf("give item keys, --all or --none")
	}
	ls, err := loadSession(selectSession)
	if err != nil {
		return err
	}

	sel := ls.selection
	switch {
	case selectAll:
		sel.SelectAll()
	case selectNone:
		sel.SelectNone()
	}

	var ignored []string
	for _, a := range args {
		if !sel.Set(internal.ItemKey(a), !selectDeselect) {
			ignored = append(ignored, a)
		}
	}
	if err := ls.db.SetSelection(ls.session.ID, sel); err != nil {
		return err
	}

	if len(ignored) > 0 {
		fmt.Printf("ignored (unknown or failed): %s\n", strings.Join(ignored, ", "))
	}
	selected := sel.Selected()
	if structured() {
		return printOutput(map[string]any{"session": ls.session.ID, "selected": selected, "ignored": ignored})
	}
	fmt.Printf("%d of %d successful results selected\n", len(selected), len(sel))
	return nil
}
