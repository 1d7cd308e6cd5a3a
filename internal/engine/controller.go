package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/harvest-cli/internal/config"
)

// Controller drives a full collection session: it classifies the page layout
// once, then repeatedly harvests, accumulates, and scrolls until one of the
// stopping rules fires. It owns the session's CollectionState exclusively and
// discards it when Collect returns.
//
// All retry and backoff behavior for the engine lives here; no other
// component implements its own retry loop.
type Controller struct {
	cfg    config.CollectorConfig
	logger *zap.Logger

	motion    *MotionModel
	harvester *Harvester
	detector  *Detector

	advisor    Advisor
	onProgress func(Progress)
}

// Option customizes a Controller.
type Option func(*Controller)

// WithAdvisor installs an optional fallback strategy consulted when the
// session stalls. The advisor's proposals are executed best-effort and never
// override the stopping rules.
func WithAdvisor(a Advisor) Option {
	return func(c *Controller) { c.advisor = a }
}

// WithProgress installs a callback invoked after every harvesting step.
func WithProgress(fn func(Progress)) Option {
	return func(c *Controller) { c.onProgress = fn }
}

// WithRand injects a deterministic random source for the motion model.
func WithRand(rng *rand.Rand) Option {
	return func(c *Controller) {
		c.motion = NewMotionModel(c.motion.cfg, c.motion.logger, rng)
	}
}

// NewController assembles a controller from validated engine configuration.
func NewController(cfg config.EngineConfig, logger *zap.Logger, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine configuration rejected: %w", err)
	}
	c := &Controller{
		cfg:       cfg.Collector,
		logger:    logger,
		motion:    NewMotionModel(cfg.Motion, logger.Named("motion"), nil),
		harvester: NewHarvester(cfg.Harvester, logger.Named("harvester")),
		detector:  NewDetector(logger.Named("detector")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Collect runs one collection session against the page and returns the
// terminal identifier set with its completion descriptor.
//
// Individual harvest or motion failures are absorbed as zero-yield steps; a
// single DOM access error never loses previously accumulated identifiers. The
// returned error is non-nil only when ctx was cancelled, and even then the
// partial Result is valid.
func (c *Controller) Collect(ctx context.Context, page Page) (*Result, error) {
	layout := c.detector.Detect(ctx, page)

	maxSteps := c.stepBudget(layout)
	settle := c.settleDelay(layout)
	earlyStopAt := 0
	if layout.Kind == LayoutVirtualized && layout.ExpectedTotal > 0 {
		earlyStopAt = int(math.Ceil(float64(layout.ExpectedTotal) * c.cfg.EarlyStopFraction))
	}

	c.logger.Info("Collection session starting.",
		zap.String("layout", string(layout.Kind)),
		zap.Int("expected_total", layout.ExpectedTotal),
		zap.Int("max_steps", maxSteps),
		zap.Int("early_stop_at", earlyStopAt))

	acc := NewAccumulator()
	stepsTaken := 0
	noProgressStreak := 0
	earlyStopped := false
	motionFailed := false

	for stepsTaken < maxSteps {
		if ctx.Err() != nil {
			break
		}

		// A step whose preceding motion threw is zero-yield regardless of the
		// harvest: a page the engine cannot move is not making progress.
		newCount := c.harvestStep(ctx, page, acc)
		if newCount > 0 && !motionFailed {
			noProgressStreak = 0
		} else {
			noProgressStreak++
		}
		motionFailed = false
		stepsTaken++

		if c.onProgress != nil {
			c.onProgress(Progress{Step: stepsTaken, Collected: acc.Size(), Expected: layout.ExpectedTotal})
		}
		c.logger.Debug("Collection step finished.",
			zap.Int("step", stepsTaken),
			zap.Int("new", newCount),
			zap.Int("total", acc.Size()),
			zap.Int("streak", noProgressStreak))

		// Partial coverage above the threshold is acceptable; it bounds the
		// session's wall-clock time on virtualized lists.
		if earlyStopAt > 0 && acc.Size() >= earlyStopAt {
			earlyStopped = true
			break
		}
		if noProgressStreak >= c.cfg.MaxNoProgressRetries {
			break
		}
		if stepsTaken >= maxSteps {
			break
		}

		if c.advisor != nil && noProgressStreak >= c.cfg.AdvisorAfterStalls {
			c.consultAdvisor(ctx, page, acc.Size(), layout.ExpectedTotal, noProgressStreak)
		}

		if nearBottom, err := c.motion.Advance(ctx, page); err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Warn("Motion step failed; treating next step as zero-yield.", zap.Error(err))
			motionFailed = true
		} else if nearBottom {
			c.logger.Debug("Viewport is near the bottom of the document.")
		}

		if err := page.Sleep(ctx, settle); err != nil {
			break
		}
	}

	terminal := TerminalExhausted
	switch {
	case earlyStopped:
		terminal = TerminalEarlyStop
	case noProgressStreak >= c.cfg.MaxNoProgressRetries:
		terminal = TerminalNoProgress
	}

	// Cosmetic: leave the page at the top. Skipped on cancellation.
	if ctx.Err() == nil {
		if err := page.ScrollTo(ctx, 0); err != nil {
			c.logger.Debug("Post-session scroll reset failed.", zap.Error(err))
		}
	}

	result := &Result{
		Identifiers:   acc.Snapshot(),
		TerminalState: terminal,
		Collected:     acc.Size(),
		Expected:      layout.ExpectedTotal,
		StepsTaken:    stepsTaken,
		Layout:        layout,
	}
	c.logger.Info("Collection session finished.",
		zap.String("terminal", string(terminal)),
		zap.Int("collected", result.Collected),
		zap.Int("expected", result.Expected),
		zap.Int("steps", result.StepsTaken))

	return result, ctx.Err()
}

// harvestStep runs one harvest and folds the yield into the accumulator.
// Harvest failures are absorbed as zero-yield.
func (c *Controller) harvestStep(ctx context.Context, page Page, acc *Accumulator) int {
	harvested, err := c.harvester.Harvest(ctx, page)
	if err != nil {
		c.logger.Warn("Harvest failed; treating step as zero-yield.", zap.Error(err))
		return 0
	}
	return acc.Add(harvested)
}

// stepBudget sizes the session's step cap. Virtualized lists with a known
// expected total get a budget proportional to that total, never below the
// configured floor; everything else uses the flat cap.
func (c *Controller) stepBudget(layout Layout) int {
	if layout.Kind == LayoutVirtualized && layout.ExpectedTotal > 0 {
		estimated := int(math.Ceil(float64(layout.ExpectedTotal) / float64(c.cfg.ItemsPerStepEstimate)))
		if estimated < c.cfg.MaxStepsFloor {
			return c.cfg.MaxStepsFloor
		}
		return estimated
	}
	return c.cfg.MaxSteps
}

// settleDelay is the post-motion wait before the next harvest. Virtualized
// lists recycle DOM nodes on scroll and need longer to paint.
func (c *Controller) settleDelay(layout Layout) time.Duration {
	if layout.Kind == LayoutVirtualized {
		return c.cfg.SettleDelayVirtualized
	}
	return c.cfg.SettleDelayConventional
}

// clickJS clicks the first element matching a selector. Used only to execute
// advisor proposals.
const clickJS = `
((selector) => {
    const el = document.querySelector(selector);
    if (!el) return false;
    el.click();
    return true;
})(%s)
`

// consultAdvisor asks the optional advisor for an unblocking action and
// executes it best-effort. Failures are logged and ignored; the stopping rules
// remain in full force either way.
func (c *Controller) consultAdvisor(ctx context.Context, page Page, collected, expected, stalled int) {
	pageURL, err := page.URL(ctx)
	if err != nil {
		c.logger.Debug("Advisor consult skipped: page URL unavailable.", zap.Error(err))
		return
	}
	scrollPercent := 0
	if offset, max, err := page.ScrollPosition(ctx); err == nil && max > 0 {
		scrollPercent = int(offset / max * 100)
	}

	snapshot := PageSnapshot{
		URL:           pageURL,
		Collected:     collected,
		Expected:      expected,
		StalledSteps:  stalled,
		ScrollPercent: scrollPercent,
	}
	action, err := c.advisor.ProposeAction(ctx, snapshot)
	if err != nil {
		c.logger.Warn("Advisor proposal failed.", zap.Error(err))
		return
	}
	if action == nil {
		return
	}

	c.logger.Info("Executing advisor proposal.",
		zap.String("kind", action.Kind), zap.String("selector", action.Selector))
	switch action.Kind {
	case "click":
		selector, err := json.MarshalToString(action.Selector)
		if err != nil {
			return
		}
		var clicked bool
		if err := page.Evaluate(ctx, fmt.Sprintf(clickJS, selector), &clicked); err != nil {
			c.logger.Debug("Advisor click failed.", zap.Error(err))
		}
	case "wait":
		if action.WaitMs > 0 {
			_ = page.Sleep(ctx, time.Duration(action.WaitMs)*time.Millisecond)
		}
	default:
		c.logger.Debug("Ignoring unknown advisor action.", zap.String("kind", action.Kind))
	}
}
