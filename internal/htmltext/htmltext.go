// Package htmltext prepares rendered HTML for model consumption.
//
// Pages are converted to markdown so the model sees structure (headings,
// links, tables) instead of markup noise. Links are made absolute against
// the page URL because downstream phases extract URLs from the result.
package htmltext

import (
	"html"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rotisserie/eris"
)

// ErrTooLarge reports content whose markdown exceeds the caller's token
// budget. It is a content failure, not a transient one.
var ErrTooLarge = eris.New("htmltext: content exceeds token budget")

// Converter turns page HTML into markdown or plain-text snippets.
// It is safe for concurrent use.
type Converter struct {
	md    *converter.Converter
	strip *bluemonday.Policy
}

// NewConverter creates a Converter with commonmark and table support.
func NewConverter() *Converter {
	return &Converter{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		strip: bluemonday.StrictPolicy(),
	}
}

// Markdown converts page HTML to markdown. pageURL anchors relative links.
func (c *Converter) Markdown(pageHTML, pageURL string) (string, error) {
	out, err := c.md.ConvertString(pageHTML, converter.WithDomain(pageURL))
	if err != nil {
		return "", eris.Wrap(err, "htmltext: convert")
	}
	return strings.TrimSpace(out), nil
}

// MarkdownCapped converts page HTML to markdown and rejects results whose
// estimated token count exceeds maxTokens. A maxTokens of zero means no cap.
func (c *Converter) MarkdownCapped(pageHTML, pageURL string, maxTokens int) (string, error) {
	md, err := c.Markdown(pageHTML, pageURL)
	if err != nil {
		return "", err
	}
	if maxTokens > 0 {
		if est := EstimateTokens(md); est > maxTokens {
			return "", eris.Wrapf(ErrTooLarge, "%d estimated tokens over a budget of %d", est, maxTokens)
		}
	}
	return md, nil
}

// Snippet returns the first maxRunes runes of the page's visible text,
// with tags stripped and whitespace collapsed.
func (c *Converter) Snippet(pageHTML string, maxRunes int) string {
	text := html.UnescapeString(c.strip.Sanitize(pageHTML))
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if maxRunes > 0 && len(runes) > maxRunes {
		return string(runes[:maxRunes])
	}
	return text
}

// EstimateTokens approximates the model token count of s. Four bytes per
// token is coarse but errs on the side of admitting content.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}
