package engine

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/harvest-cli/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// harvestJSTemplate extracts detail-link hrefs for the currently rendered
// items. Candidate selectors are tried most-specific first; the first selector
// matching at least one element is used exclusively for the call, so
// coincidentally overlapping selectors never double-count. Elements without a
// resolvable anchor are skipped.
const harvestJSTemplate = `
((selectors, segments) => {
    for (const sel of selectors) {
        let nodes;
        try {
            nodes = document.querySelectorAll(sel);
        } catch (e) {
            continue;
        }
        if (!nodes || nodes.length === 0) {
            continue;
        }
        const hrefs = [];
        nodes.forEach((node) => {
            const anchors = (node.matches && node.matches("a[href]"))
                ? [node]
                : node.querySelectorAll("a[href]");
            for (const a of anchors) {
                const href = a.getAttribute("href") || "";
                if (!href) continue;
                if (segments.length === 0 || segments.some((s) => href.includes(s))) {
                    hrefs.push(href);
                    return;
                }
            }
        });
        return { selector: sel, hrefs: hrefs };
    }
    return { selector: "", hrefs: [] };
})(%s, %s)
`

// harvestProbeResult mirrors the JSON produced by harvestJSTemplate.
type harvestProbeResult struct {
	Selector string   `json:"selector"`
	Hrefs    []string `json:"hrefs"`
}

// Harvester extracts stable identifiers (absolute detail URLs) for every item
// currently rendered in the page. Harvesting is read-only and idempotent:
// calling it twice on an unchanged DOM yields an identical ordered sequence.
type Harvester struct {
	cfg    config.HarvesterConfig
	logger *zap.Logger
}

// NewHarvester returns a harvester over the given candidate selectors.
func NewHarvester(cfg config.HarvesterConfig, logger *zap.Logger) *Harvester {
	return &Harvester{cfg: cfg, logger: logger}
}

// Harvest returns the identifiers of the currently rendered items, one per
// matched element with a resolvable detail link, in DOM order.
func (h *Harvester) Harvest(ctx context.Context, page Page) ([]string, error) {
	rawURL, err := page.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read page URL: %w", err)
	}
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("page URL %q is not parseable: %w", rawURL, err)
	}

	script, err := h.buildScript()
	if err != nil {
		return nil, err
	}

	var probe harvestProbeResult
	if err := page.Evaluate(ctx, script, &probe); err != nil {
		return nil, fmt.Errorf("harvest script failed: %w", err)
	}
	if probe.Selector == "" {
		h.logger.Debug("No candidate selector matched any element.")
		return nil, nil
	}

	identifiers := normalizeIdentifiers(base, probe.Hrefs)
	h.logger.Debug("Harvested visible items.",
		zap.String("selector", probe.Selector),
		zap.Int("matched", len(probe.Hrefs)),
		zap.Int("resolved", len(identifiers)))
	return identifiers, nil
}

func (h *Harvester) buildScript() (string, error) {
	selectors, err := json.MarshalToString(h.cfg.Selectors)
	if err != nil {
		return "", fmt.Errorf("failed to encode selectors: %w", err)
	}
	segments, err := json.MarshalToString(h.cfg.LinkPathSegments)
	if err != nil {
		return "", fmt.Errorf("failed to encode link path segments: %w", err)
	}
	return fmt.Sprintf(harvestJSTemplate, selectors, segments), nil
}

// normalizeIdentifiers resolves hrefs to absolute URLs against the page URL.
// Unresolvable or empty entries are dropped, never surfaced as errors.
func normalizeIdentifiers(base *url.URL, hrefs []string) []string {
	out := make([]string, 0, len(hrefs))
	for _, href := range hrefs {
		id, ok := normalizeIdentifier(base, href)
		if ok {
			out = append(out, id)
		}
	}
	return out
}

// normalizeIdentifier resolves a single href to an absolute URL. Identifier
// equality downstream is exact string match, so normalization here is the only
// canonicalization applied.
func normalizeIdentifier(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme == "" || abs.Host == "" {
		return "", false
	}
	return abs.String(), true
}
