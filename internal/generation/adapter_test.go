package generation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pimsync/internal"
)

type stubProvider struct {
	name    string
	answers []string
	err     error
	prompts []Prompt
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(ctx context.Context, p Prompt) (string, error) {
	s.prompts = append(s.prompts, p)
	if s.err != nil {
		return "", s.err
	}
	if len(s.answers) == 0 {
		return "", errors.New("no answer")
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a, nil
}

var duneRecord = internal.ProductRecord{
	Key:               "DUNE-1",
	Title:             "Dune",
	SourceDescription: "<p>Desert planet <b>epic</b>.</p>",
	TechnicalFields:   map[string]string{"pages": "412", "author": "Frank Herbert"},
}

func testProviderConfig(name string) ProviderConfig {
	return ProviderConfig{Provider: name, Model: "m", Temperature: 0.7, MaxTokens: 2000, Timeout: time.Second, Profile: DefaultProfile}
}

func TestGenerateRendersPromptAndCleans(t *testing.T) {
	p := &stubProvider{name: "stub", answers: []string{"Sure! Here it is:\n<h2>Dune</h2><p>Spice — sand.</p>\nLet me know if you need changes."}}
	a := NewAdapter(nil, nil, p)

	html, err := a.Generate(context.Background(), duneRecord, testProviderConfig("STUB"))
	require.NoError(t, err)
	assert.Equal(t, "<h2>Dune</h2><p>Spice - sand.</p>", html)

	require.Len(t, p.prompts, 1)
	got := p.prompts[0]
	assert.Equal(t, "m", got.Model)
	assert.InDelta(t, 0.7, got.Temperature, 1e-9)
	assert.Equal(t, 2000, got.MaxTokens)
	assert.Contains(t, got.User, "author: Frank Herbert\npages: 412")
	assert.Contains(t, got.User, "Desert planet epic.")
	assert.NotContains(t, got.User, "<b>")
}

func TestGeneratePromptKeepsPlainTextSource(t *testing.T) {
	p := &stubProvider{name: "stub", answers: []string{"<p>ok</p>"}}
	a := NewAdapter(nil, nil, p)
	rec := duneRecord
	rec.SourceDescription = "Suitable for kids aged 3<age and adults who love sand worms."

	_, err := a.Generate(context.Background(), rec, testProviderConfig("stub"))
	require.NoError(t, err)
	require.Len(t, p.prompts, 1)
	assert.Contains(t, p.prompts[0].User, "Suitable for kids aged 3<age and adults who love sand worms.")
}

func TestGenerateFailuresAreGenerationErrors(t *testing.T) {
	cases := map[string]*Adapter{
		"provider error": NewAdapter(nil, nil, &stubProvider{name: "stub", err: errors.New("quota exceeded")}),
		"empty output":   NewAdapter(nil, nil, &stubProvider{name: "stub", answers: []string{"```\n```"}}),
		"unknown":        NewAdapter(nil, nil),
	}
	for name, a := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Generate(context.Background(), duneRecord, testProviderConfig("stub"))
			var ge *GenerationError
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, internal.ItemKey("DUNE-1"), ge.Key)
		})
	}
}

func TestGenerateMeta(t *testing.T) {
	long := strings.Repeat("word ", 50)
	p := &stubProvider{name: "stub", answers: []string{"**Meta title:** Dune – Frank Herbert classic\nMeta description: " + long}}
	a := NewAdapter(nil, nil, p)

	meta, err := a.GenerateMeta(context.Background(), duneRecord, "<p>New copy</p>", testProviderConfig("stub"))
	require.NoError(t, err)
	assert.Equal(t, "Dune - Frank Herbert classic", meta.Title)
	assert.LessOrEqual(t, len([]rune(meta.Description)), 160)
	assert.Contains(t, p.prompts[0].User, "New copy")
	assert.Equal(t, 400, p.prompts[0].MaxTokens)

	p.answers = []string{"nothing useful"}
	_, err = a.GenerateMeta(context.Background(), duneRecord, "<p>x</p>", testProviderConfig("stub"))
	assert.Error(t, err)
}

func TestParseMeta(t *testing.T) {
	m := ParseMeta("meta TITLE: \"Short\"\nignored\nMeta Description:   One   sentence. ")
	assert.Equal(t, Meta{Title: "Short", Description: "One sentence."}, m)
}
