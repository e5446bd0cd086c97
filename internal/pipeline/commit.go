package pipeline

import (
	"context"
	"fmt"

	"pimsync/internal"
	"pimsync/internal/catalog"
	"pimsync/internal/logger"
)

type Ledger interface {
	Upsert(key internal.ItemKey, title, url string) (internal.LedgerEntry, error)
}

// CommitError reports one accepted result that could not be written back.
// Stage is "catalog" or "ledger".
type CommitError struct {
	Key   internal.ItemKey
	Stage string
	Err   error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s (%s): %v", e.Key, e.Stage, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

type CommitOutcome struct {
	Key internal.ItemKey
	// Written is set once the catalog accepted the description, even if the
	// ledger update failed afterwards.
	Written  bool
	Entry    internal.LedgerEntry
	Warnings []string
	Err      error
}

type CommitReport struct {
	Outcomes []CommitOutcome
	Skipped  []internal.ItemKey
	// Halted is set when the catalog rejected the credentials; the remaining
	// selected items are in Skipped.
	Halted error
}

func (r CommitReport) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

func (r CommitReport) Failed() []CommitOutcome {
	var out []CommitOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

type CommitOptions struct {
	Channel              string
	Locale               string
	MetaTitleField       string
	MetaDescriptionField string
	// AlreadyCommitted keys are skipped.
	AlreadyCommitted map[internal.ItemKey]bool
	// OnOutcome is called after each item, on the committing goroutine.
	OnOutcome func(CommitOutcome)
}

type Committer struct {
	catalog Catalog
	ledger  Ledger
	log     *logger.Logger
}

func NewCommitter(c Catalog, l Ledger, log *logger.Logger) *Committer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Committer{catalog: c, ledger: l, log: log}
}

// Commit writes the selected successful results back one at a time. A failed
// item does not stop or roll back the others. The ledger is only touched
// here, from the calling goroutine.
func (c *Committer) Commit(ctx context.Context, results []internal.GenerationResult, selection internal.SelectionSet, opts CommitOptions) CommitReport {
	byKey := make(map[internal.ItemKey]internal.GenerationResult, len(results))
	for _, r := range results {
		byKey[r.Key] = r
	}

	var report CommitReport
	for _, key := range selection.Selected() {
		r, ok := byKey[key]
		if !ok || !r.Succeeded() || opts.AlreadyCommitted[key] {
			report.Skipped = append(report.Skipped, key)
			continue
		}
		if ctx.Err() != nil || report.Halted != nil {
			report.Skipped = append(report.Skipped, key)
			continue
		}

		out := c.commitOne(ctx, r, opts)
		report.Outcomes = append(report.Outcomes, out)
		if opts.OnOutcome != nil {
			opts.OnOutcome(out)
		}
		if !out.Written && catalog.IsAuth(out.Err) {
			report.Halted = out.Err
			c.log.Error("commit halted, catalog rejected the credentials", "key", key, "error", out.Err)
		}
	}

	c.log.Info("commit finished",
		"committed", report.Succeeded(),
		"failed", len(report.Failed()),
		"skipped", len(report.Skipped),
	)
	return report
}

func (c *Committer) commitOne(ctx context.Context, r internal.GenerationResult, opts CommitOptions) CommitOutcome {
	out := CommitOutcome{Key: r.Key}

	var extra []catalog.Enrichment
	if opts.MetaTitleField != "" && r.MetaTitle != "" {
		extra = append(extra, catalog.Enrichment{Field: opts.MetaTitleField, Data: r.MetaTitle})
	}
	if opts.MetaDescriptionField != "" && r.MetaDescription != "" {
		extra = append(extra, catalog.Enrichment{Field: opts.MetaDescriptionField, Data: r.MetaDescription})
	}

	upd, err := c.catalog.UpdateDescription(ctx, r.Key, *r.HTML, opts.Channel, opts.Locale, extra...)
	if err != nil {
		out.Err = &CommitError{Key: r.Key, Stage: "catalog", Err: err}
		c.log.Warn("commit failed", "key", r.Key, "error", err)
		return out
	}
	out.Written = true
	out.Warnings = upd.Warnings

	entry, err := c.ledger.Upsert(r.Key, r.Title, r.DerivedURL)
	if err != nil {
		out.Err = &CommitError{Key: r.Key, Stage: "ledger", Err: err}
		c.log.Error("ledger update failed", "key", r.Key, "error", err)
		return out
	}
	out.Entry = entry
	c.log.Info("committed", "key", r.Key)
	return out
}
