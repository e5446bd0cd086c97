package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pimsync/internal"
	"pimsync/internal/catalog"
	"pimsync/internal/pipeline"
)

var (
	commitSession string
	commitYes     bool
)

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Write the selected results of a session back to the catalog",
	Long: `commit writes every selected, successful and not yet committed result
to the catalog and records it in the ledger. Without --yes it only prints the
plan.`,
	RunE: runCommit,
}

func init() {
	commitCmd.Flags().StringVar(&commitSession, "session", "", "Session id (default: current session)")
	commitCmd.Flags().BoolVar(&commitYes, "yes", false, "Actually write to the catalog")
}

func runCommit(cmd *cobra.Command, args []string) error {
	ls, err := loadSession(commitSession)
	if err != nil {
		return err
	}
	done, err := ls.db.CommittedKeys(ls.session.ID)
	if err != nil {
		return err
	}

	var pending []internal.ItemKey
	for _, key := range ls.selection.Selected() {
		if !done[key] {
			pending = append(pending, key)
		}
	}
	if len(pending) == 0 {
		fmt.Println("nothing to commit")
		return nil
	}

	if !commitYes {
		rows := make([][]string, 0, len(pending))
		titles := map[internal.ItemKey]string{}
		for _, r := range ls.results {
			titles[r.Key] = r.Title
		}
		for _, key := range pending {
			rows = append(rows, []string{string(key), truncate(titles[key], 60)})
		}
		printTable([]string{"Key", "Title"}, rows)
		fmt.Printf("\n%d items would be written to %s/%s, rerun with --yes\n", len(pending), ls.session.Channel, ls.session.Locale)
		return nil
	}

	client, err := app.catalog()
	if err != nil {
		return err
	}
	committer := pipeline.NewCommitter(client, app.ledger(), app.log.With("component", "commit"))

	var bookkeeping []error
	report := committer.Commit(cmd.Context(), ls.results, ls.selection, pipeline.CommitOptions{
		Channel:              ls.session.Channel,
		Locale:               ls.session.Locale,
		MetaTitleField:       app.cfg.MetaTitleField,
		MetaDescriptionField: app.cfg.MetaDescriptionField,
		AlreadyCommitted:     done,
		OnOutcome: func(o pipeline.CommitOutcome) {
			var err error
			if o.Written {
				err = ls.db.MarkCommitted(ls.session.ID, o.Key)
			} else {
				err = ls.db.MarkCommitError(ls.session.ID, o.Key, o.Err.Error())
			}
			if err != nil {
				bookkeeping = append(bookkeeping, err)
			}
		},
	})

	if structured() {
		if err := printOutput(commitReportView(report)); err != nil {
			return err
		}
	} else {
		printCommitReport(report)
	}

	if report.Halted != nil {
		return fmt.Errorf("commit stopped after an auth failure, %d items skipped: %w", len(report.Skipped), report.Halted)
	}
	if len(bookkeeping) > 0 {
		return fmt.Errorf("session store update failed: %v", bookkeeping[0])
	}
	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d of %d items failed to commit", len(failed), len(report.Outcomes))
	}
	return nil
}

type commitOutcomeView struct {
	Key      internal.ItemKey `json:"key"`
	Written  bool             `json:"written"`
	URL      string           `json:"url,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func commitReportView(r pipeline.CommitReport) map[string]any {
	outcomes := make([]commitOutcomeView, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		v := commitOutcomeView{Key: o.Key, Written: o.Written, URL: o.Entry.URL, Warnings: o.Warnings}
		if o.Err != nil {
			v.Error = o.Err.Error()
		}
		outcomes = append(outcomes, v)
	}
	halted := ""
	if r.Halted != nil {
		halted = r.Halted.Error()
	}
	return map[string]any{
		"halted":    halted,
		"committed": r.Succeeded(),
		"outcomes":  outcomes,
		"skipped":   r.Skipped,
	}
}

func printCommitReport(r pipeline.CommitReport) {
	rows := make([][]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		status := "committed"
		switch {
		case catalog.IsNotFound(o.Err):
			status = "failed: no longer in the catalog"
		case catalog.IsAuth(o.Err):
			status = "failed: catalog rejected the credentials"
		case o.Err != nil:
			status = "failed: " + truncate(o.Err.Error(), 60)
		}
		rows = append(rows, []string{string(o.Key), status})
	}
	printTable([]string{"Key", "Status"}, rows)

	for _, o := range r.Outcomes {
		for _, w := range o.Warnings {
			fmt.Printf("warning %s: %s\n", o.Key, w)
		}
	}
	fmt.Printf("\n%d committed, %d failed, %d skipped\n", r.Succeeded(), len(r.Failed()), len(r.Skipped))
}
