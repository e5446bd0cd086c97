package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pimsync/internal"
	"pimsync/internal/catalog"
	"pimsync/internal/generation"
	"pimsync/internal/ledger"
)

type fakeCatalog struct {
	mu       sync.Mutex
	records  map[internal.ItemKey]internal.ProductRecord
	fetchErr map[internal.ItemKey]error
	updates  []internal.ItemKey
	extras   map[internal.ItemKey][]catalog.Enrichment
	updErr   map[internal.ItemKey]error
	updCalls int
	fetches  int32
	delay    time.Duration
	inFlight int32
	maxSeen  int32
}

func (f *fakeCatalog) FetchDetail(ctx context.Context, key internal.ItemKey, channel, locale string) (*internal.ProductRecord, error) {
	atomic.AddInt32(&f.fetches, 1)
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		m := atomic.LoadInt32(&f.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxSeen, m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err := f.fetchErr[key]; err != nil {
		return nil, err
	}
	rec, ok := f.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeCatalog) UpdateDescription(ctx context.Context, key internal.ItemKey, html, channel, locale string, extra ...catalog.Enrichment) (catalog.UpdateOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updCalls++
	if err := f.updErr[key]; err != nil {
		return catalog.UpdateOutcome{}, err
	}
	f.updates = append(f.updates, key)
	if f.extras == nil {
		f.extras = map[internal.ItemKey][]catalog.Enrichment{}
	}
	f.extras[key] = extra
	return catalog.UpdateOutcome{}, nil
}

type fakeTokens struct{ err error }

func (f fakeTokens) GetToken(ctx context.Context) (string, error) { return "t", f.err }

type fakeGenerator struct {
	failFor map[internal.ItemKey]bool
	metaErr bool
}

func (g fakeGenerator) Generate(ctx context.Context, rec internal.ProductRecord, pc generation.ProviderConfig) (string, error) {
	if g.failFor[rec.Key] {
		return "", &generation.GenerationError{Key: rec.Key, Provider: pc.Provider, Err: errors.New("quota exceeded")}
	}
	return "<p>" + rec.Title + "</p>", nil
}

func (g fakeGenerator) GenerateMeta(ctx context.Context, rec internal.ProductRecord, html string, pc generation.ProviderConfig) (generation.Meta, error) {
	if g.metaErr {
		return generation.Meta{}, errors.New("meta failed")
	}
	return generation.Meta{Title: rec.Title + " | Shop", Description: "Buy " + rec.Title}, nil
}

func records(keys ...internal.ItemKey) map[internal.ItemKey]internal.ProductRecord {
	out := map[internal.ItemKey]internal.ProductRecord{}
	for _, k := range keys {
		out[k] = internal.ProductRecord{Key: k, Title: "Title " + string(k), SourceDescription: strings.Repeat("x", 350)}
	}
	return out
}

func TestRunBatchMissingKeyScenario(t *testing.T) {
	cat := &fakeCatalog{records: records("K1", "K3")}
	l := ledger.New(filepath.Join(t.TempDir(), "ledger.json"))
	o := NewOrchestrator(cat, fakeTokens{}, fakeGenerator{}, NewGate(100, 300), nil)

	results, err := o.RunBatch(context.Background(), []internal.ItemKey{"K1", "K2", "K3"}, Options{Channel: "ecommerce", Locale: "en_US", URLTemplate: "https://shop.test/{key}"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	internal.SortResultsByKey(results)
	assert.True(t, results[0].Succeeded())
	assert.Equal(t, "<p>Title K1</p>", *results[0].HTML)
	assert.Equal(t, "https://shop.test/K1", results[0].DerivedURL)
	assert.Equal(t, internal.QualityOK, results[0].Quality.Level)

	assert.Nil(t, results[1].HTML)
	require.NotNil(t, results[1].Error)
	assert.Equal(t, "not found", *results[1].Error)

	assert.True(t, results[2].Succeeded())

	entries, err := l.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, cat.updates)
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	keys := make([]internal.ItemKey, 0, 12)
	for i := 0; i < 12; i++ {
		keys = append(keys, internal.ItemKey(fmt.Sprintf("SKU-%02d", i)))
	}
	cat := &fakeCatalog{
		records:  records(keys...),
		fetchErr: map[internal.ItemKey]error{"SKU-03": &catalog.CatalogError{Op: "fetch", Status: 500, Body: "boom"}},
		delay:    5 * time.Millisecond,
	}
	gen := fakeGenerator{failFor: map[internal.ItemKey]bool{"SKU-05": true, "SKU-09": true}}
	o := NewOrchestrator(cat, fakeTokens{}, gen, NewGate(100, 300), nil)

	var progress []internal.Progress
	results, err := o.RunBatch(context.Background(), keys, Options{
		Width:      3,
		OnProgress: func(p internal.Progress) { progress = append(progress, p) },
	})
	require.NoError(t, err)
	require.Len(t, results, 12)

	failed := 0
	for _, r := range results {
		assert.True(t, (r.HTML == nil) != (r.Error == nil), "exactly one of html/error for %s", r.Key)
		if r.Error != nil {
			failed++
		}
	}
	assert.Equal(t, 3, failed)

	require.Len(t, progress, 12)
	for i, p := range progress {
		assert.Equal(t, i+1, p.Completed)
		assert.Equal(t, 12, p.Total)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&cat.maxSeen), int32(3))
}

func TestRunBatchAuthFailureHaltsBeforeItems(t *testing.T) {
	cat := &fakeCatalog{records: records("K1")}
	o := NewOrchestrator(cat, fakeTokens{err: &catalog.AuthError{Status: 401, Err: errors.New("bad credentials")}}, fakeGenerator{}, NewGate(100, 300), nil)

	results, err := o.RunBatch(context.Background(), []internal.ItemKey{"K1"}, Options{})
	require.Error(t, err)
	assert.True(t, catalog.IsAuth(err))
	assert.Nil(t, results)
	assert.EqualValues(t, 0, atomic.LoadInt32(&cat.fetches))
}

func TestRunBatchDedupsKeysAndGeneratesMeta(t *testing.T) {
	cat := &fakeCatalog{records: records("A", "B")}
	o := NewOrchestrator(cat, nil, fakeGenerator{}, NewGate(100, 300), nil)

	results, err := o.RunBatch(context.Background(), []internal.ItemKey{"A", " A", "B", "", "A"}, Options{Meta: true})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.EqualValues(t, 2, atomic.LoadInt32(&cat.fetches))

	internal.SortResultsByKey(results)
	assert.Equal(t, "Title A | Shop", results[0].MetaTitle)
	assert.Equal(t, "Buy Title A", results[0].MetaDescription)
}

func TestRunBatchMetaFailureIsNotFatal(t *testing.T) {
	cat := &fakeCatalog{records: records("A")}
	o := NewOrchestrator(cat, nil, fakeGenerator{metaErr: true}, NewGate(100, 300), nil)

	results, err := o.RunBatch(context.Background(), []internal.ItemKey{"A"}, Options{Meta: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Succeeded())
	assert.Empty(t, results[0].MetaTitle)
}

func TestRunBatchEmpty(t *testing.T) {
	o := NewOrchestrator(&fakeCatalog{}, fakeTokens{err: errors.New("unused")}, fakeGenerator{}, NewGate(100, 300), nil)
	results, err := o.RunBatch(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, results)
}
