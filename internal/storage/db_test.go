package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pimsync/internal"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleResults() []internal.GenerationResult {
	return []internal.GenerationResult{
		{
			Key: "B-2", Title: "Second", Error: internal.StringPtr("not found"),
			Quality: internal.QualityVerdict{Level: internal.QualityError, Message: "source description is empty"},
		},
		{
			Key: "A-1", Title: "First", HTML: internal.StringPtr("<p>ok</p>"),
			Quality:    internal.QualityVerdict{Level: internal.QualityOK, SourceLength: 420},
			DerivedURL: "https://shop.test/first", MetaTitle: "First | Shop",
		},
		{
			Key: "C-3", Title: "Third", HTML: internal.StringPtr("<p>also</p>"),
			Quality: internal.QualityVerdict{Level: internal.QualityWarning, SourceLength: 150},
		},
	}
}

func TestSessionRoundTrip(t *testing.T) {
	db := openTestDB(t)

	s, err := db.CreateSession(Session{Channel: "ecommerce", Locale: "en_US", Provider: "openai", Model: "gpt-4o-mini", Profile: "default"})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
	require.NoError(t, db.SaveResults(s.ID, sampleResults()))

	got, results, sel, err := db.LoadSession(s.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.Total)
	assert.Equal(t, 2, got.Succeeded)
	assert.Equal(t, 0, got.Committed)

	require.Len(t, results, 3)
	assert.Equal(t, internal.ItemKey("A-1"), results[0].Key)
	assert.Equal(t, "<p>ok</p>", *results[0].HTML)
	assert.Nil(t, results[0].Error)
	assert.Equal(t, "First | Shop", results[0].MetaTitle)
	assert.Equal(t, 420, results[0].Quality.SourceLength)
	assert.Equal(t, "not found", *results[1].Error)
	assert.Nil(t, results[1].HTML)

	assert.Equal(t, internal.SelectionSet{"A-1": true, "C-3": true}, sel)
}

func TestLoadSessionMissing(t *testing.T) {
	db := openTestDB(t)
	s, results, sel, err := db.LoadSession("nope")
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Nil(t, results)
	assert.Nil(t, sel)
}

func TestSelectionAndCommitState(t *testing.T) {
	db := openTestDB(t)
	s, err := db.CreateSession(Session{Channel: "ecommerce", Locale: "en_US", Provider: "openai", Model: "m", Profile: "default"})
	require.NoError(t, err)
	require.NoError(t, db.SaveResults(s.ID, sampleResults()))

	require.NoError(t, db.SetSelection(s.ID, internal.SelectionSet{"A-1": false, "B-2": true}))
	_, _, sel, err := db.LoadSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, []internal.ItemKey{"C-3"}, sel.Selected())
	_, ok := sel["B-2"]
	assert.False(t, ok)

	require.NoError(t, db.MarkCommitError(s.ID, "C-3", "catalog update: status=422"))
	require.NoError(t, db.MarkCommitted(s.ID, "A-1"))
	assert.Error(t, db.MarkCommitted(s.ID, "ZZZ"))

	committed, err := db.CommittedKeys(s.ID)
	require.NoError(t, err)
	assert.Equal(t, map[internal.ItemKey]bool{"A-1": true}, committed)

	errs, err := db.CommitErrors(s.ID)
	require.NoError(t, err)
	assert.Equal(t, map[internal.ItemKey]string{"C-3": "catalog update: status=422"}, errs)
}

func TestListSessionsNewestFirstAndPurge(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		db.now = func() time.Time { return at }
		s, err := db.CreateSession(Session{Channel: "c", Locale: "l", Provider: "p", Model: "m", Profile: "d"})
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}

	list, err := db.ListSessions(10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, base.Add(2*time.Minute), list[0].CreatedAt)

	latest, err := db.LatestSessionID()
	require.NoError(t, err)
	assert.Equal(t, ids[2], latest)

	require.NoError(t, db.PurgeSession(ids[2]))
	assert.Error(t, db.PurgeSession(ids[2]))
	latest, err = db.LatestSessionID()
	require.NoError(t, err)
	assert.Equal(t, ids[1], latest)
}

func TestMetadata(t *testing.T) {
	db := openTestDB(t)
	v, err := db.GetMetadata("last_run")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, db.SetMetadata("last_run", "x"))
	require.NoError(t, db.SetMetadata("last_run", "y"))
	v, err = db.GetMetadata("last_run")
	require.NoError(t, err)
	assert.Equal(t, "y", *v)
}
