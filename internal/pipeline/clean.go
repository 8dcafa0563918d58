package pipeline

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// cleanText strips markup from feed bodies and collapses whitespace.
// Plain text passes through unchanged apart from whitespace.
func cleanText(s string) string {
	if strings.ContainsAny(s, "<&") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
		if err == nil {
			doc.Find("script, style, noscript, iframe").Remove()
			doc.Find("br, p, div, li, h1, h2, h3, h4").Each(func(_ int, sel *goquery.Selection) {
				sel.AppendHtml(" ")
			})
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}
