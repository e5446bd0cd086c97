package generation

import (
	"errors"
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"

	"pimsync/internal/util"
)

var ErrEmptyOutput = errors.New("generated output has no visible text")

var (
	reFence      = regexp.MustCompile("(?s)^\\s*```[A-Za-z0-9_-]*[ \\t]*\\n?(.*?)\\n?```\\s*$")
	reBlankLines = regexp.MustCompile(`\n\s*\n`)
	reTagGaps    = regexp.MustCompile(`>\s*\n\s*<`)
	reMarkup     = regexp.MustCompile(`</?[A-Za-z][A-Za-z0-9]*(\s[^<>]*)?/?>|&(#[0-9]+|#x[0-9A-Fa-f]+|[A-Za-z]+);`)

	dashReplacer = strings.NewReplacer(
		"‒", "-", // figure dash
		"–", "-", // en dash
		"—", "-", // em dash
		"―", "-", // horizontal bar
		"−", "-", // minus sign
	)

	outputPolicy = newOutputPolicy()
)

func newOutputPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("h2", "h3", "p", "b", "strong", "em", "i", "ul", "ol", "li", "br")
	return p
}

// CleanOutput turns a raw provider answer into storable markup. It removes
// code fences and any loose text before the first or after the last element,
// normalizes unicode and dashes and drops tags outside the allow-list.
func CleanOutput(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if m := reFence.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}

	if markup := elementSpan(s); markup != "" {
		s = markup
	} else {
		s = paragraphs(s)
	}

	s = NormalizeText(s)
	s = outputPolicy.Sanitize(s)
	s = strings.TrimSpace(reTagGaps.ReplaceAllString(s, ">\n<"))

	if VisibleText(s) == "" {
		return "", ErrEmptyOutput
	}
	return s, nil
}

// NormalizeText applies NFC and folds dash variants into "-".
func NormalizeText(s string) string {
	return dashReplacer.Replace(norm.NFC.String(s))
}

// VisibleText returns the text content of an HTML fragment, one block per
// line.
func VisibleText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return util.CollapseSpaces(fragment)
	}
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, li, div, h1, h2, h3, h4, h5, h6, tr").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	lines := strings.Split(doc.Text(), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = util.CollapseSpaces(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// SourceText is VisibleText for values that may or may not be markup. Plain
// text is only whitespace-collapsed, so a stray "<" is kept as written.
func SourceText(s string) string {
	if reMarkup.MatchString(s) {
		return VisibleText(s)
	}
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = util.CollapseSpaces(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// elementSpan renders the top-level nodes of s from its first element to its
// last one. It returns "" when s has no elements.
func elementSpan(s string) string {
	if !strings.Contains(s, "<") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return ""
	}
	nodes := doc.Find("body").Contents()
	first, last := -1, -1
	nodes.Each(func(i int, n *goquery.Selection) {
		if strings.HasPrefix(goquery.NodeName(n), "#") {
			return
		}
		if first < 0 {
			first = i
		}
		last = i
	})
	if first < 0 {
		return ""
	}

	var b strings.Builder
	nodes.Slice(first, last+1).Each(func(_ int, n *goquery.Selection) {
		if h, err := goquery.OuterHtml(n); err == nil {
			b.WriteString(h)
		}
	})
	return b.String()
}

func paragraphs(s string) string {
	var b strings.Builder
	for _, block := range reBlankLines.Split(s, -1) {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(block))
		b.WriteString("</p>\n")
	}
	return b.String()
}
