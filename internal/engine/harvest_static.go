package engine

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// HarvestHTML runs the harvester's selection logic against a static HTML
// document instead of a live page. It backs the offline (--from-file) mode and
// mirrors the live path exactly: first matching candidate selector wins, one
// identifier per element with a resolvable detail link, DOM order preserved.
func (h *Harvester) HarvestHTML(r io.Reader, pageURL string) ([]string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("page URL %q is not parseable: %w", pageURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	for _, selector := range h.cfg.Selectors {
		matches := doc.Find(selector)
		if matches.Length() == 0 {
			continue
		}
		var hrefs []string
		matches.Each(func(_ int, el *goquery.Selection) {
			if href, ok := h.detailHref(el); ok {
				hrefs = append(hrefs, href)
			}
		})
		return normalizeIdentifiers(base, hrefs), nil
	}
	return nil, nil
}

// detailHref finds the element's detail link: the element itself when it is an
// anchor, otherwise its first descendant anchor whose href contains one of the
// configured path segments.
func (h *Harvester) detailHref(el *goquery.Selection) (string, bool) {
	candidates := el.Find("a[href]")
	if goquery.NodeName(el) == "a" {
		candidates = el
	}

	found := ""
	candidates.EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, ok := a.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return true
		}
		if h.matchesSegment(href) {
			found = href
			return false
		}
		return true
	})
	return found, found != ""
}

func (h *Harvester) matchesSegment(href string) bool {
	if len(h.cfg.LinkPathSegments) == 0 {
		return true
	}
	for _, seg := range h.cfg.LinkPathSegments {
		if strings.Contains(href, seg) {
			return true
		}
	}
	return false
}
