package internal

import (
	"sort"
	"time"
)

type ItemKey string

// AttributeValue is one entry of a catalog field. Scope and Locale serialise as
// null when the field is not channel-scoped or not localized.
type AttributeValue struct {
	Data   any     `json:"data"`
	Scope  *string `json:"scope"`
	Locale *string `json:"locale"`
}

type Values map[string][]AttributeValue

type AttributeMeta struct {
	Code        string `json:"code"`
	Type        string `json:"type"`
	Scopable    bool   `json:"scopable"`
	Localizable bool   `json:"localizable"`
}

type ProductRecord struct {
	Key               ItemKey
	Title             string
	Enabled           bool
	Family            string
	SourceDescription string
	TechnicalFields   map[string]string
}

type QualityLevel string

const (
	QualityOK      QualityLevel = "OK"
	QualityWarning QualityLevel = "WARNING"
	QualityError   QualityLevel = "ERROR"
)

type QualityVerdict struct {
	Level        QualityLevel `json:"level"`
	Message      string       `json:"message"`
	SourceLength int          `json:"sourceLength"`
}

// GenerationResult holds the outcome for one item. Exactly one of HTML and Error
// is set once the item has completed.
type GenerationResult struct {
	Key             ItemKey        `json:"key"`
	Title           string         `json:"title"`
	HTML            *string        `json:"html"`
	Error           *string        `json:"error"`
	Quality         QualityVerdict `json:"quality"`
	DerivedURL      string         `json:"derivedUrl"`
	MetaTitle       string         `json:"metaTitle,omitempty"`
	MetaDescription string         `json:"metaDescription,omitempty"`
}

func (r GenerationResult) Succeeded() bool {
	return r.HTML != nil && r.Error == nil
}

type LedgerEntry struct {
	Key           ItemKey   `json:"key"`
	Title         string    `json:"title"`
	URL           string    `json:"url"`
	FirstSyncedAt time.Time `json:"firstSyncedAt"`
	LastSyncedAt  time.Time `json:"lastSyncedAt"`
}

type Progress struct {
	Completed int
	Total     int
}

// SelectionSet marks which successfully generated items the operator intends to
// commit.
type SelectionSet map[ItemKey]bool

// NewSelectionSet selects every successful result.
func NewSelectionSet(results []GenerationResult) SelectionSet {
	sel := SelectionSet{}
	for _, r := range results {
		if r.Succeeded() {
			sel[r.Key] = true
		}
	}
	return sel
}

// Set changes the selection of a key. Keys that were not successfully
// generated are not selectable; Set reports whether the change was applied.
func (s SelectionSet) Set(key ItemKey, selected bool) bool {
	if _, ok := s[key]; !ok {
		return false
	}
	s[key] = selected
	return true
}

func (s SelectionSet) SelectAll() {
	for k := range s {
		s[k] = true
	}
}

func (s SelectionSet) SelectNone() {
	for k := range s {
		s[k] = false
	}
}

func (s SelectionSet) Selected() []ItemKey {
	out := make([]ItemKey, 0, len(s))
	for k, v := range s {
		if v {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SortResultsByKey restores a deterministic order for results collected in
// completion order.
func SortResultsByKey(results []GenerationResult) {
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
}

func StringPtr(v string) *string { return &v }
