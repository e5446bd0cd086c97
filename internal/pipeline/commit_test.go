package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pimsync/internal"
	"pimsync/internal/catalog"
	"pimsync/internal/ledger"
)

func generated(key internal.ItemKey) internal.GenerationResult {
	return internal.GenerationResult{
		Key:        key,
		Title:      "Title " + string(key),
		HTML:       internal.StringPtr("<p>" + string(key) + "</p>"),
		DerivedURL: "https://shop.test/" + string(key),
	}
}

type failingLedger struct{}

func (failingLedger) Upsert(internal.ItemKey, string, string) (internal.LedgerEntry, error) {
	return internal.LedgerEntry{}, errors.New("disk full")
}

func TestCommitWritesSelectedAndRecordsLedger(t *testing.T) {
	cat := &fakeCatalog{updErr: map[internal.ItemKey]error{"B": &catalog.NotFoundError{Key: "B"}}}
	l := ledger.New(filepath.Join(t.TempDir(), "ledger.json"))
	c := NewCommitter(cat, l, nil)

	failedResult := internal.GenerationResult{Key: "F", Error: internal.StringPtr("quota exceeded")}
	withMeta := generated("D")
	withMeta.MetaTitle = "D | Shop"
	results := []internal.GenerationResult{generated("A"), generated("B"), generated("C"), withMeta, failedResult}

	sel := internal.NewSelectionSet(results)
	assert.False(t, sel.Set("F", true))
	require.True(t, sel.Set("C", false))

	var seen []internal.ItemKey
	report := c.Commit(context.Background(), results, sel, CommitOptions{
		Channel:        "ecommerce",
		Locale:         "en_US",
		MetaTitleField: "meta_title",
		OnOutcome:      func(o CommitOutcome) { seen = append(seen, o.Key) },
	})

	assert.Equal(t, []internal.ItemKey{"A", "B", "D"}, seen)
	assert.Equal(t, 2, report.Succeeded())
	failed := report.Failed()
	require.Len(t, failed, 1)
	var ce *CommitError
	require.ErrorAs(t, failed[0].Err, &ce)
	assert.Equal(t, "catalog", ce.Stage)
	assert.True(t, catalog.IsNotFound(failed[0].Err))
	assert.False(t, failed[0].Written)

	assert.Equal(t, []internal.ItemKey{"A", "D"}, cat.updates)
	assert.Equal(t, []catalog.Enrichment{{Field: "meta_title", Data: "D | Shop"}}, cat.extras["D"])
	assert.Empty(t, cat.extras["A"])

	entries, err := l.LoadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "https://shop.test/A", entries[0].URL)
}

func TestCommitSkipsAlreadyCommitted(t *testing.T) {
	cat := &fakeCatalog{}
	l := ledger.New(filepath.Join(t.TempDir(), "ledger.json"))
	c := NewCommitter(cat, l, nil)
	results := []internal.GenerationResult{generated("A"), generated("B")}

	report := c.Commit(context.Background(), results, internal.NewSelectionSet(results), CommitOptions{
		AlreadyCommitted: map[internal.ItemKey]bool{"A": true},
	})
	assert.Equal(t, []internal.ItemKey{"A"}, report.Skipped)
	assert.Equal(t, []internal.ItemKey{"B"}, cat.updates)
}

func TestCommitLedgerFailureKeepsWrittenFlag(t *testing.T) {
	cat := &fakeCatalog{}
	c := NewCommitter(cat, failingLedger{}, nil)
	results := []internal.GenerationResult{generated("A")}

	report := c.Commit(context.Background(), results, internal.NewSelectionSet(results), CommitOptions{})
	require.Len(t, report.Outcomes, 1)
	out := report.Outcomes[0]
	assert.True(t, out.Written)
	var ce *CommitError
	require.ErrorAs(t, out.Err, &ce)
	assert.Equal(t, "ledger", ce.Stage)
}

func TestCommitNothingSelected(t *testing.T) {
	cat := &fakeCatalog{}
	c := NewCommitter(cat, failingLedger{}, nil)
	results := []internal.GenerationResult{generated("A")}
	sel := internal.NewSelectionSet(results)
	sel.SelectNone()

	report := c.Commit(context.Background(), results, sel, CommitOptions{})
	assert.Empty(t, report.Outcomes)
	assert.Empty(t, cat.updates)
}

func TestCommitStopsOnAuthFailure(t *testing.T) {
	authErr := &catalog.AuthError{Status: 401, Err: errors.New("invalid_grant")}
	cat := &fakeCatalog{updErr: map[internal.ItemKey]error{"A": authErr, "B": authErr, "C": authErr, "D": authErr}}
	l := ledger.New(filepath.Join(t.TempDir(), "ledger.json"))
	c := NewCommitter(cat, l, nil)
	results := []internal.GenerationResult{generated("A"), generated("B"), generated("C"), generated("D")}

	report := c.Commit(context.Background(), results, internal.NewSelectionSet(results), CommitOptions{})

	assert.Equal(t, 1, cat.updCalls)
	require.Len(t, report.Outcomes, 1)
	assert.True(t, catalog.IsAuth(report.Outcomes[0].Err))
	assert.Equal(t, []internal.ItemKey{"B", "C", "D"}, report.Skipped)
	require.Error(t, report.Halted)
	assert.True(t, catalog.IsAuth(report.Halted))

	entries, err := l.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
