package fetcher

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

// maxLinks caps how many anchors one page contributes.
const maxLinks = 200

// parsePage turns raw HTML into the probe output: title, visible text
// and absolute same-page links.
func parsePage(html []byte, pageURL string) (ranker.PageData, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return ranker.PageData{}, err
	}

	doc.Find("script, style, noscript, iframe, svg").Remove()

	data := ranker.PageData{
		EffectiveURL: pageURL,
		Title:        strings.TrimSpace(doc.Find("title").First().Text()),
		Text:         normalizeText(doc.Find("body").Text()),
		Links:        extractLinks(doc, pageURL),
	}
	return data, nil
}

// normalizeText collapses runs of whitespace so downstream length
// checks and prompts see real content, not markup padding.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func extractLinks(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") ||
			strings.HasPrefix(href, "tel:") {
			return true
		}
		u, err := url.Parse(href)
		if err != nil {
			return true
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return true
		}
		u.Fragment = ""
		abs := u.String()
		if _, ok := seen[abs]; ok {
			return true
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
		return len(links) < maxLinks
	})
	return links
}
