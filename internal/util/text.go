package util

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	reSpaces  = regexp.MustCompile(`\s+`)
	reSlugSep = regexp.MustCompile(`[^a-z0-9]+`)
)

func CollapseSpaces(input string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(input, " "))
}

// Slugify folds accents and lowercases input into a dash separated ASCII slug.
func Slugify(input string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, input)
	if err != nil {
		folded = input
	}
	folded = strings.ToLower(folded)
	folded = strings.NewReplacer("ß", "ss", "æ", "ae", "ø", "o", "œ", "oe", "&", " and ").Replace(folded)
	return strings.Trim(reSlugSep.ReplaceAllString(folded, "-"), "-")
}

// TruncateRunes cuts s to at most max runes, preferring the last word
// boundary.
func TruncateRunes(s string, max int) string {
	r := []rune(strings.TrimSpace(s))
	if max <= 0 {
		return ""
	}
	if len(r) <= max {
		return string(r)
	}
	cut := string(r[:max])
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,;:-")
}

// DeriveURL fills a storefront template. {key} is replaced with the escaped
// item key and {slug} with the slugified title. An empty template yields "".
func DeriveURL(template, key, title string) string {
	if strings.TrimSpace(template) == "" {
		return ""
	}
	return strings.NewReplacer(
		"{key}", url.PathEscape(key),
		"{slug}", Slugify(title),
	).Replace(template)
}
