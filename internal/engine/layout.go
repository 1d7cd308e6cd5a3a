package engine

import (
	"context"
	"regexp"
	"strconv"

	"go.uber.org/zap"
)

// layoutProbeJS inspects the document for virtualization markers and collects
// the text of tab/badge elements that may carry a total item count.
const layoutProbeJS = `
(() => {
    const result = { scroller: false, spacer: false, content: false, framework: "", labels: [] };

    const namedScrollers = ["virtual-scroller", "cdk-virtual-scroll-viewport"];
    for (const sel of namedScrollers) {
        const el = document.querySelector(sel);
        if (el) {
            result.scroller = true;
            result.framework = el.tagName.toLowerCase();
            break;
        }
    }
    // Generic class hints mark a scroller but never name a framework.
    if (!result.scroller && document.querySelector("[class*='virtual-scroll']")) {
        result.scroller = true;
    }

    if (document.querySelector(".total-padding, .cdk-virtual-scroll-spacer, [class*='total-padding']")) {
        result.spacer = true;
    }
    if (document.querySelector(".scrollable-content, .cdk-virtual-scroll-content-wrapper, [class*='scrollable-content']")) {
        result.content = true;
    }

    const labelSelectors = "[role='tab'], .tab, .nav-link, .mat-tab-label, .tab-label, .badge";
    document.querySelectorAll(labelSelectors).forEach((el) => {
        const text = (el.textContent || "").trim();
        if (text && text.length < 80) {
            result.labels.push(text);
        }
    });

    return result;
})()
`

// layoutProbeResult mirrors the JSON produced by layoutProbeJS.
type layoutProbeResult struct {
	Scroller  bool     `json:"scroller"`
	Spacer    bool     `json:"spacer"`
	Content   bool     `json:"content"`
	Framework string   `json:"framework"`
	Labels    []string `json:"labels"`
}

// countLabelRe matches chrome like "Results (137)": a word followed by a
// parenthesized digit run.
var countLabelRe = regexp.MustCompile(`^\S[^()]*\((\d+)\)$`)

// namedScrollFrameworks are the virtual-scroll component tags whose presence
// alone classifies a page as virtualized. An arbitrary tag matched through a
// class hint does not qualify.
var namedScrollFrameworks = map[string]bool{
	"virtual-scroller":            true,
	"cdk-virtual-scroll-viewport": true,
}

// Detector classifies the page as conventionally rendered or virtualized.
// Classification runs once per collection session; the result is cached by
// the controller and never revised mid-session.
type Detector struct {
	logger *zap.Logger
}

// NewDetector returns a layout detector.
func NewDetector(logger *zap.Logger) *Detector {
	return &Detector{logger: logger}
}

// Detect probes the page and classifies its layout. Detection failure is not
// an error: the session falls back to Conventional with an unknown expected
// total, which only disables the early-stop optimization.
func (d *Detector) Detect(ctx context.Context, page Page) Layout {
	var probe layoutProbeResult
	if err := page.Evaluate(ctx, layoutProbeJS, &probe); err != nil {
		d.logger.Warn("Layout probe failed; assuming conventional list.", zap.Error(err))
		return Layout{Kind: LayoutConventional}
	}

	layout := Layout{Kind: LayoutConventional}

	markers := 0
	for _, present := range []bool{probe.Scroller, probe.Spacer, probe.Content} {
		if present {
			markers++
		}
	}
	// A named virtual-scroll component alone is decisive; otherwise two of the
	// three structural markers must co-occur.
	if namedScrollFrameworks[probe.Framework] || markers >= 2 {
		layout.Kind = LayoutVirtualized
		layout.Framework = probe.Framework
	}

	layout.ExpectedTotal = parseExpectedTotal(probe.Labels)

	d.logger.Info("Layout detected.",
		zap.String("kind", string(layout.Kind)),
		zap.Int("expected_total", layout.ExpectedTotal),
		zap.String("framework", layout.Framework))
	return layout
}

// parseExpectedTotal scans tab/badge texts for a "<word>(<digits>)" pattern
// and returns the first parsed count. Zero means unknown; the controller then
// relies on no-progress stopping alone.
func parseExpectedTotal(labels []string) int {
	for _, label := range labels {
		matches := countLabelRe.FindStringSubmatch(label)
		if matches == nil {
			continue
		}
		n, err := strconv.Atoi(matches[1])
		if err != nil || n < 0 {
			continue
		}
		return n
	}
	return 0
}
