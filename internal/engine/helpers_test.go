package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/harvest-cli/internal/config"
)

// =============================================================================
// Test Infrastructure: Fakes and Helpers
// =============================================================================

// fakePage implements Page without a browser. Scripts are dispatched on their
// content: the layout probe fills layoutProbe, the harvest script returns the
// current harvest batch, everything else is a no-op.
type fakePage struct {
	mu sync.Mutex

	pageURL string
	offset  float64
	max     float64

	// layoutProbe is returned to the detector. layoutErr simulates a DOM
	// access failure during detection.
	layoutProbe layoutProbeResult
	layoutErr   error

	// harvestBatches are returned round by round; once exhausted the last
	// batch repeats. harvestErr fails every harvest call from
	// harvestErrAfter onward (zero-based call index).
	harvestBatches  [][]string
	harvestCall     int
	harvestErr      error
	harvestErrAfter int

	// virtualItems switches harvesting to position-dependent mode: only the
	// virtualWindow items whose rendered position overlaps the current scroll
	// offset are served, like a real virtualized list that destroys
	// off-screen rows.
	virtualItems  int
	virtualWindow int

	// scrollErr fails every ScrollTo, simulating a detached page.
	scrollErr error

	scrollTargets []float64
	sleeps        []time.Duration
	clicked       []string
}

func newFakePage(pageURL string, max float64, batches ...[]string) *fakePage {
	return &fakePage{pageURL: pageURL, max: max, harvestBatches: batches}
}

func (p *fakePage) ScrollPosition(ctx context.Context) (float64, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset, p.max, nil
}

func (p *fakePage) ScrollTo(ctx context.Context, offset float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scrollErr != nil {
		return p.scrollErr
	}
	p.offset = offset
	p.scrollTargets = append(p.scrollTargets, offset)
	return nil
}

func (p *fakePage) Evaluate(ctx context.Context, script string, out any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case strings.Contains(script, "namedScrollers"):
		if p.layoutErr != nil {
			return p.layoutErr
		}
		if res, ok := out.(*layoutProbeResult); ok {
			*res = p.layoutProbe
		}
	case strings.Contains(script, "hrefs"):
		if p.harvestErr != nil && p.harvestCall >= p.harvestErrAfter {
			p.harvestCall++
			return p.harvestErr
		}
		if res, ok := out.(*harvestProbeResult); ok {
			*res = harvestProbeResult{Selector: "article", Hrefs: p.nextBatch()}
		}
	case strings.Contains(script, "el.click()"):
		p.clicked = append(p.clicked, script)
		if b, ok := out.(*bool); ok {
			*b = true
		}
	}
	return nil
}

func (p *fakePage) nextBatch() []string {
	if p.virtualItems > 0 {
		return p.visibleWindow()
	}
	if len(p.harvestBatches) == 0 {
		return nil
	}
	i := p.harvestCall
	if i >= len(p.harvestBatches) {
		i = len(p.harvestBatches) - 1
	}
	p.harvestCall++
	return p.harvestBatches[i]
}

// visibleWindow maps the current scroll offset to the span of items a
// virtualized list would have rendered there.
func (p *fakePage) visibleWindow() []string {
	span := p.virtualItems - p.virtualWindow
	start := 0
	if p.max > 0 && span > 0 {
		start = int(p.offset / p.max * float64(span))
	}
	if start > span {
		start = span
	}
	return urls("https://example.com/content/", start, start+p.virtualWindow)
}

func (p *fakePage) URL(ctx context.Context) (string, error) {
	return p.pageURL, nil
}

// Sleep records the duration instead of actually sleeping.
func (p *fakePage) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sleeps = append(p.sleeps, d)
	return nil
}

// virtualizedProbe is a layout probe that classifies as virtualized with the
// given count badge.
func virtualizedProbe(label string) layoutProbeResult {
	return layoutProbeResult{
		Scroller:  true,
		Spacer:    true,
		Content:   true,
		Framework: "virtual-scroller",
		Labels:    []string{"All", label},
	}
}

// testEngineConfig returns a valid engine configuration with fast motion
// pacing for tests.
func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		Motion: config.MotionConfig{
			TravelFractionMin:   0.10,
			TravelFractionMax:   0.25,
			StepsMin:            2,
			StepsMax:            3,
			DurationMin:         time.Millisecond,
			DurationMax:         2 * time.Millisecond,
			ThinkTimeMin:        time.Millisecond,
			ThinkTimeMax:        2 * time.Millisecond,
			BackscrollChanceMin: 0.15,
			BackscrollChanceMax: 0.50,
			NearBottomFraction:  0.95,
		},
		Collector: config.CollectorConfig{
			MaxSteps:                15,
			MaxStepsFloor:           25,
			ItemsPerStepEstimate:    5,
			MaxNoProgressRetries:    3,
			EarlyStopFraction:       0.8,
			SettleDelayConventional: time.Millisecond,
			SettleDelayVirtualized:  2 * time.Millisecond,
			AdvisorAfterStalls:      2,
		},
		Harvester: config.HarvesterConfig{
			Selectors:        []string{"app-result-item", "div.result-item", "article"},
			LinkPathSegments: []string{"/content/", "/program/"},
		},
	}
}

// urls generates n identifiers with the given prefix.
func urls(prefix string, from, to int) []string {
	out := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, prefix+itoa(i))
	}
	return out
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	return string(b)
}
