package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"pimsync/internal"
	"pimsync/internal/catalog"
	"pimsync/internal/generation"
	"pimsync/internal/logger"
	"pimsync/internal/util"
)

const DefaultWidth = 5

type Catalog interface {
	FetchDetail(ctx context.Context, key internal.ItemKey, channel, locale string) (*internal.ProductRecord, error)
	UpdateDescription(ctx context.Context, key internal.ItemKey, html, channel, locale string, extra ...catalog.Enrichment) (catalog.UpdateOutcome, error)
}

type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
}

type Generator interface {
	Generate(ctx context.Context, rec internal.ProductRecord, pc generation.ProviderConfig) (string, error)
	GenerateMeta(ctx context.Context, rec internal.ProductRecord, html string, pc generation.ProviderConfig) (generation.Meta, error)
}

type Options struct {
	Channel     string
	Locale      string
	Width       int
	Provider    generation.ProviderConfig
	Meta        bool
	URLTemplate string
	OnProgress  func(internal.Progress)
}

type Orchestrator struct {
	catalog Catalog
	tokens  TokenSource
	gen     Generator
	gate    Gate
	log     *logger.Logger
}

func NewOrchestrator(c Catalog, tokens TokenSource, gen Generator, gate Gate, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NewNop()
	}
	return &Orchestrator{catalog: c, tokens: tokens, gen: gen, gate: gate, log: log}
}

// RunBatch fetches and generates every key on a bounded worker pool. A failing
// item only sets Error on its own result. Results come back in completion
// order and OnProgress is called after each completion.
//
// The only error returned is a failed credential check before any item runs.
func (o *Orchestrator) RunBatch(ctx context.Context, keys []internal.ItemKey, opts Options) ([]internal.GenerationResult, error) {
	unique := dedupKeys(keys)
	if len(unique) == 0 {
		return []internal.GenerationResult{}, nil
	}

	if o.tokens != nil {
		if _, err := o.tokens.GetToken(ctx); err != nil {
			return nil, err
		}
	}

	width := opts.Width
	if width <= 0 {
		width = DefaultWidth
	}

	start := time.Now()
	total := len(unique)
	ch := make(chan internal.GenerationResult, total)

	var g errgroup.Group
	g.SetLimit(width)
	go func() {
		for _, key := range unique {
			g.Go(func() error {
				ch <- o.process(ctx, key, opts)
				return nil
			})
		}
		_ = g.Wait()
		close(ch)
	}()

	results := make([]internal.GenerationResult, 0, total)
	failed := 0
	for r := range ch {
		results = append(results, r)
		if !r.Succeeded() {
			failed++
		}
		if opts.OnProgress != nil {
			opts.OnProgress(internal.Progress{Completed: len(results), Total: total})
		}
	}

	o.log.Info("batch finished",
		"total", total,
		"failed", failed,
		"width", width,
		"elapsed", time.Since(start).String(),
	)
	return results, nil
}

func (o *Orchestrator) process(ctx context.Context, key internal.ItemKey, opts Options) (res internal.GenerationResult) {
	res = internal.GenerationResult{Key: key}
	defer func() {
		if r := recover(); r != nil {
			res.HTML = nil
			res.Error = internal.StringPtr(fmt.Sprintf("internal error: %v", r))
			o.log.Error("item panicked", "key", key, "panic", r)
		}
	}()

	rec, err := o.catalog.FetchDetail(ctx, key, opts.Channel, opts.Locale)
	if err != nil {
		return o.fail(res, "fetch", err)
	}
	if rec == nil {
		res.Error = internal.StringPtr("not found")
		o.log.Warn("item not found", "key", key)
		return res
	}

	res.Title = rec.Title
	res.Quality = o.gate.Score(rec.SourceDescription)
	res.DerivedURL = util.DeriveURL(opts.URLTemplate, string(rec.Key), rec.Title)

	html, err := o.gen.Generate(ctx, *rec, opts.Provider)
	if err != nil {
		return o.fail(res, "generate", err)
	}
	res.HTML = &html

	if opts.Meta {
		meta, err := o.gen.GenerateMeta(ctx, *rec, html, opts.Provider)
		if err != nil {
			o.log.Warn("meta generation skipped", "key", key, "error", err)
		} else {
			res.MetaTitle = meta.Title
			res.MetaDescription = meta.Description
		}
	}

	o.log.Debug("item generated", "key", key, "quality", res.Quality.Level)
	return res
}

func (o *Orchestrator) fail(res internal.GenerationResult, stage string, err error) internal.GenerationResult {
	res.HTML = nil
	res.Error = internal.StringPtr(err.Error())
	o.log.Warn("item failed", "key", res.Key, "stage", stage, "error", err)
	return res
}

func dedupKeys(keys []internal.ItemKey) []internal.ItemKey {
	seen := make(map[internal.ItemKey]struct{}, len(keys))
	out := make([]internal.ItemKey, 0, len(keys))
	for _, k := range keys {
		k = internal.ItemKey(strings.TrimSpace(string(k)))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
