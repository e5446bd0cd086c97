package generation

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"pimsync/internal"
	"pimsync/internal/config"
	"pimsync/internal/logger"
	"pimsync/internal/util"
)

const (
	metaTitleMax       = 60
	metaDescriptionMax = 160
)

// Prompt is the provider-neutral request: a system instruction, user content
// and the creativity and length controls.
type Prompt struct {
	System      string
	User        string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Provider is one generation backend. Only the adapter knows which one is in
// use.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (string, error)
}

type ProviderConfig struct {
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Profile     string
}

func ProviderConfigFrom(cfg config.Config) ProviderConfig {
	return ProviderConfig{
		Provider:    cfg.GenProvider,
		Model:       cfg.GenModel,
		Temperature: cfg.GenTemperature,
		MaxTokens:   cfg.GenMaxTokens,
		Timeout:     time.Duration(cfg.GenTimeoutSec) * time.Second,
		Profile:     cfg.GenPromptProfile,
	}
}

// GenerationError folds every provider failure for one item: transport,
// quota and unusable output alike.
type GenerationError struct {
	Key      internal.ItemKey
	Provider string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed for %s via %s: %v", e.Key, e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

type Meta struct {
	Title       string
	Description string
}

type Adapter struct {
	providers map[string]Provider
	prompts   *PromptSet
	log       *logger.Logger
}

func NewAdapter(prompts *PromptSet, log *logger.Logger, providers ...Provider) *Adapter {
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	if log == nil {
		log = logger.NewNop()
	}
	a := &Adapter{providers: map[string]Provider{}, prompts: prompts, log: log}
	for _, p := range providers {
		a.Register(p)
	}
	return a
}

func (a *Adapter) Register(p Provider) {
	a.providers[strings.ToLower(p.Name())] = p
}

func (a *Adapter) Providers() []string {
	out := make([]string, 0, len(a.providers))
	for name := range a.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (a *Adapter) Prompts() *PromptSet { return a.prompts }

// Generate produces cleaned HTML for one product.
func (a *Adapter) Generate(ctx context.Context, rec internal.ProductRecord, pc ProviderConfig) (string, error) {
	provider, err := a.provider(rec.Key, pc)
	if err != nil {
		return "", err
	}
	system, user, err := a.prompts.Render(pc.Profile, promptData(rec))
	if err != nil {
		return "", &GenerationError{Key: rec.Key, Provider: provider.Name(), Err: err}
	}

	raw, err := a.complete(ctx, provider, pc, system, user)
	if err != nil {
		return "", &GenerationError{Key: rec.Key, Provider: provider.Name(), Err: err}
	}
	html, err := CleanOutput(raw)
	if err != nil {
		return "", &GenerationError{Key: rec.Key, Provider: provider.Name(), Err: err}
	}
	a.log.Debug("description generated", "key", rec.Key, "provider", provider.Name(), "chars", len([]rune(html)))
	return html, nil
}

// GenerateMeta produces an SEO title and description for a product whose
// description was just generated.
func (a *Adapter) GenerateMeta(ctx context.Context, rec internal.ProductRecord, html string, pc ProviderConfig) (Meta, error) {
	provider, err := a.provider(rec.Key, pc)
	if err != nil {
		return Meta{}, err
	}
	data := promptData(rec)
	if text := VisibleText(html); text != "" {
		data.Description = text
	}
	data.HTML = html
	system, user, err := a.prompts.RenderMeta(pc.Profile, data)
	if err != nil {
		return Meta{}, &GenerationError{Key: rec.Key, Provider: provider.Name(), Err: err}
	}

	metaCfg := pc
	if metaCfg.MaxTokens <= 0 || metaCfg.MaxTokens > 400 {
		metaCfg.MaxTokens = 400
	}
	raw, err := a.complete(ctx, provider, metaCfg, system, user)
	if err != nil {
		return Meta{}, &GenerationError{Key: rec.Key, Provider: provider.Name(), Err: err}
	}
	meta := ParseMeta(raw)
	if meta.Title == "" && meta.Description == "" {
		return Meta{}, &GenerationError{Key: rec.Key, Provider: provider.Name(), Err: fmt.Errorf("no meta lines in output")}
	}
	return meta, nil
}

func (a *Adapter) provider(key internal.ItemKey, pc ProviderConfig) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(pc.Provider))
	p, ok := a.providers[name]
	if !ok {
		return nil, &GenerationError{Key: key, Provider: pc.Provider, Err: fmt.Errorf("provider not configured (available: %s)", strings.Join(a.Providers(), ", "))}
	}
	return p, nil
}

func (a *Adapter) complete(ctx context.Context, p Provider, pc ProviderConfig, system, user string) (string, error) {
	if pc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pc.Timeout)
		defer cancel()
	}
	return p.Complete(ctx, Prompt{
		System:      system,
		User:        user,
		Model:       pc.Model,
		Temperature: pc.Temperature,
		MaxTokens:   pc.MaxTokens,
	})
}

// ParseMeta reads "Meta title:" and "Meta description:" lines, case
// insensitively, and enforces the length limits.
func ParseMeta(raw string) Meta {
	var m Meta
	for _, line := range strings.Split(raw, "\n") {
		line = strings.Trim(strings.TrimSpace(line), "*_ ")
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "meta title:"):
			m.Title = cleanMetaValue(line[len("meta title:"):])
		case strings.HasPrefix(lower, "meta description:"):
			m.Description = cleanMetaValue(line[len("meta description:"):])
		}
	}
	m.Title = util.TruncateRunes(m.Title, metaTitleMax)
	m.Description = util.TruncateRunes(m.Description, metaDescriptionMax)
	return m
}

func cleanMetaValue(v string) string {
	v = strings.Trim(strings.TrimSpace(v), `"*_`)
	return NormalizeText(util.CollapseSpaces(v))
}

func promptData(rec internal.ProductRecord) PromptData {
	keys := make([]string, 0, len(rec.TechnicalFields))
	for k := range rec.TechnicalFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, rec.TechnicalFields[k]))
	}
	return PromptData{
		Title:       rec.Title,
		Details:     strings.Join(lines, "\n"),
		Description: SourceText(rec.SourceDescription),
	}
}

// NewProviders builds every provider that has credentials in cfg.
func NewProviders(cfg config.Config, log *logger.Logger) []Provider {
	timeout := time.Duration(cfg.GenTimeoutSec) * time.Second
	var out []Provider
	if cfg.OpenAIAPIKey != "" {
		out = append(out, NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, &http.Client{Timeout: timeout}, log))
	}
	if cfg.GeminiAPIKey != "" {
		out = append(out, NewGemini(cfg.GeminiAPIKey, cfg.GeminiBaseURL, &http.Client{Timeout: timeout}, log))
	}
	return out
}
