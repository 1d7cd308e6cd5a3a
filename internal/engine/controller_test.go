package engine

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestController(t *testing.T, opts ...Option) *Controller {
	t.Helper()
	c, err := NewController(testEngineConfig(), zap.NewNop(), opts...)
	require.NoError(t, err)
	return c
}

func TestNewController_RejectsInvalidConfig(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Collector.EarlyStopFraction = 1.5

	_, err := NewController(cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine configuration rejected")
}

func TestCollect_NoProgressTerminatesAfterRetries(t *testing.T) {
	// Every harvest returns the same ten identifiers. The first step yields
	// ten new items; every later step yields zero. With three retries allowed,
	// the session must stop after exactly three consecutive empty steps.
	batch := urls("https://example.com/content/", 0, 10)
	page := newFakePage("https://example.com/search", 5000, batch)

	res, err := newTestController(t).Collect(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, TerminalNoProgress, res.TerminalState)
	assert.Equal(t, 10, res.Collected)
	assert.Equal(t, 4, res.StepsTaken)
	assert.Equal(t, LayoutConventional, res.Layout.Kind)
	assert.ElementsMatch(t, batch, res.Identifiers)
}

func TestCollect_EarlyStopOnVirtualizedList(t *testing.T) {
	// Expected total 100, fraction 0.8: the session must stop the moment the
	// accumulator reaches 80, not before and not at full coverage.
	page := newFakePage("https://example.com/search", 50000,
		urls("https://example.com/content/", 0, 30),
		urls("https://example.com/content/", 30, 60),
		urls("https://example.com/content/", 60, 90),
		urls("https://example.com/content/", 90, 100),
	)
	page.layoutProbe = virtualizedProbe("Results (100)")

	res, err := newTestController(t).Collect(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, TerminalEarlyStop, res.TerminalState)
	assert.Equal(t, LayoutVirtualized, res.Layout.Kind)
	assert.Equal(t, 100, res.Expected)
	assert.Equal(t, 90, res.Collected, "stop fires on the step that crosses the threshold")
	assert.Equal(t, 3, res.StepsTaken)
}

func TestCollect_NeverEarlyStopsBelowThreshold(t *testing.T) {
	// 79 of 100 collected is below ceil(100*0.8)=80; the session must keep
	// going and eventually stop on no-progress instead.
	page := newFakePage("https://example.com/search", 50000,
		urls("https://example.com/content/", 0, 79),
	)
	page.layoutProbe = virtualizedProbe("Results (100)")

	res, err := newTestController(t).Collect(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, TerminalNoProgress, res.TerminalState)
	assert.Equal(t, 79, res.Collected)
}

func TestCollect_ExhaustsFlatBudgetOnConventionalList(t *testing.T) {
	// A conventional list that keeps producing fresh items runs to the flat
	// step cap.
	batches := make([][]string, 0, 20)
	for i := 0; i < 20; i++ {
		batches = append(batches, urls("https://example.com/content/", i*5, (i+1)*5))
	}
	page := newFakePage("https://example.com/search", 100000, batches...)

	var lastProgress Progress
	c := newTestController(t,
		WithRand(rand.New(rand.NewSource(11))),
		WithProgress(func(p Progress) { lastProgress = p }))
	res, err := c.Collect(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, TerminalExhausted, res.TerminalState)
	assert.Equal(t, 15, res.StepsTaken)
	assert.Equal(t, 75, res.Collected)
	assert.Equal(t, 15, lastProgress.Step)
	assert.Equal(t, 75, lastProgress.Collected)
}

func TestCollect_VirtualizedBudgetScalesWithExpectedTotal(t *testing.T) {
	// 200 expected items at 5 per step estimates 40 steps, which is above the
	// floor of 25. Each step yields one item so neither early-stop nor
	// no-progress fires first.
	batches := make([][]string, 0, 45)
	for i := 0; i < 45; i++ {
		batches = append(batches, urls("https://example.com/content/", i, i+1))
	}
	page := newFakePage("https://example.com/search", 100000, batches...)
	page.layoutProbe = virtualizedProbe("Results (200)")

	res, err := newTestController(t).Collect(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, TerminalExhausted, res.TerminalState)
	assert.Equal(t, 40, res.StepsTaken)
	assert.Equal(t, 40, res.Collected)
}

func TestCollect_HarvestErrorsAreZeroYieldSteps(t *testing.T) {
	// Two clean harvests, then every DOM access fails. The failures must not
	// lose the 20 accumulated identifiers; they count as empty steps and the
	// session ends on no-progress.
	page := newFakePage("https://example.com/search", 5000,
		urls("https://example.com/content/", 0, 10),
		urls("https://example.com/content/", 10, 20),
	)
	page.harvestErr = errors.New("node detached")
	page.harvestErrAfter = 2

	res, err := newTestController(t).Collect(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, TerminalNoProgress, res.TerminalState)
	assert.Equal(t, 20, res.Collected)
	assert.Equal(t, 5, res.StepsTaken)
	assert.Len(t, res.Identifiers, 20)
}

func TestCollect_FullScenarioFiftyItems(t *testing.T) {
	// Fifty items revealed roughly a page at a time. The threshold is
	// ceil(50*0.8)=40, so the session should stop within the flat budget
	// holding at least 40 identifiers.
	page := newFakePage("https://example.com/search", 30000,
		urls("https://example.com/content/", 0, 9),
		urls("https://example.com/content/", 9, 18),
		urls("https://example.com/content/", 18, 27),
		urls("https://example.com/content/", 27, 36),
		urls("https://example.com/content/", 36, 44),
		urls("https://example.com/content/", 44, 50),
	)
	page.layoutProbe = virtualizedProbe("Episodes (50)")

	res, err := newTestController(t).Collect(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, TerminalEarlyStop, res.TerminalState)
	assert.GreaterOrEqual(t, res.Collected, 40)
	assert.LessOrEqual(t, res.StepsTaken, 15)
}

func TestCollect_VirtualizedListRevealsIncrementally(t *testing.T) {
	// A virtualized list renders only the ~10 rows around the viewport; rows
	// scrolled past are destroyed. Collection converges only if each motion
	// step is small enough that consecutive harvest windows overlap, so every
	// item between top and the early-stop threshold is seen exactly when its
	// window is rendered.
	page := newFakePage("https://example.com/search", 30000)
	page.virtualItems = 50
	page.virtualWindow = 10
	page.layoutProbe = virtualizedProbe("Results (50)")

	c := newTestController(t, WithRand(rand.New(rand.NewSource(5))))
	res, err := c.Collect(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, TerminalEarlyStop, res.TerminalState)
	assert.GreaterOrEqual(t, res.Collected, 40, "must reach the early-stop threshold of ceil(50*0.8)")
	assert.LessOrEqual(t, res.StepsTaken, 25)
	// No window was skipped: the set is a contiguous run from the first item.
	assert.ElementsMatch(t, urls("https://example.com/content/", 0, res.Collected), res.Identifiers)
}

func TestCollect_SingleStepNeverTraversesWholeDocument(t *testing.T) {
	// The first harvest happens at the top; if one motion step jumped to the
	// bottom, the second harvest of a virtualized list would see only the
	// last window and the middle of the list would never render.
	for seed := int64(0); seed < 10; seed++ {
		page := newFakePage("https://example.com/search", 30000)
		page.virtualItems = 50
		page.virtualWindow = 10
		page.layoutProbe = virtualizedProbe("Results (50)")

		var second Progress
		c := newTestController(t,
			WithRand(rand.New(rand.NewSource(seed))),
			WithProgress(func(p Progress) {
				if p.Step == 2 {
					second = p
				}
			}))
		_, err := c.Collect(context.Background(), page)
		require.NoError(t, err, "seed %d", seed)
		assert.Less(t, second.Collected, 30,
			"seed %d: step two should still be harvesting near the top", seed)
	}
}

func TestCollect_MotionFailuresCountAsNoProgress(t *testing.T) {
	// A page the engine cannot scroll makes no real progress even while the
	// top-of-page harvest keeps yielding; the session must end on the
	// no-progress rule rather than burning the whole step budget.
	batches := make([][]string, 0, 10)
	for i := 0; i < 10; i++ {
		batches = append(batches, urls("https://example.com/content/", i*10, (i+1)*10))
	}
	page := newFakePage("https://example.com/search", 5000, batches...)
	page.scrollErr = errors.New("target detached")

	res, err := newTestController(t).Collect(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, TerminalNoProgress, res.TerminalState)
	assert.Equal(t, 4, res.StepsTaken)
	assert.Equal(t, 40, res.Collected, "identifiers harvested before termination are kept")
}

func TestCollect_CancelledContextReturnsPartialResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	page := newFakePage("https://example.com/search", 5000,
		urls("https://example.com/content/", 0, 10),
	)

	res, err := newTestController(t).Collect(ctx, page)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Zero(t, res.StepsTaken)
	assert.Empty(t, res.Identifiers)
}

func TestCollect_ResetsScrollPositionWhenDone(t *testing.T) {
	page := newFakePage("https://example.com/search", 5000,
		urls("https://example.com/content/", 0, 5),
	)

	_, err := newTestController(t).Collect(context.Background(), page)
	require.NoError(t, err)

	require.NotEmpty(t, page.scrollTargets)
	assert.Zero(t, page.scrollTargets[len(page.scrollTargets)-1])
}

func TestCollect_ConsultsAdvisorAfterStalls(t *testing.T) {
	adv := &fakeAdvisor{action: &Action{Kind: "click", Selector: "button.load-more"}}
	page := newFakePage("https://example.com/search", 5000,
		urls("https://example.com/content/", 0, 10),
	)

	res, err := newTestController(t, WithAdvisor(adv)).Collect(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, TerminalNoProgress, res.TerminalState)
	assert.Equal(t, 1, adv.calls, "advisor consulted once when the stall threshold is reached")
	assert.Len(t, page.clicked, 1)
	assert.Equal(t, 10, adv.lastSnapshot.Collected)
	assert.Equal(t, 2, adv.lastSnapshot.StalledSteps)
}

func TestCollect_AdvisorWaitActionSleepsPage(t *testing.T) {
	adv := &fakeAdvisor{action: &Action{Kind: "wait", WaitMs: 1500}}
	page := newFakePage("https://example.com/search", 5000,
		urls("https://example.com/content/", 0, 10),
	)

	_, err := newTestController(t, WithAdvisor(adv)).Collect(context.Background(), page)
	require.NoError(t, err)

	assert.Contains(t, page.sleeps, 1500*time.Millisecond)
}

func TestCollect_AdvisorErrorsAreAbsorbed(t *testing.T) {
	adv := &fakeAdvisor{err: errors.New("model unavailable")}
	page := newFakePage("https://example.com/search", 5000,
		urls("https://example.com/content/", 0, 10),
	)

	res, err := newTestController(t, WithAdvisor(adv)).Collect(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, TerminalNoProgress, res.TerminalState)
}

// fakeAdvisor records the snapshots it receives and returns a canned action.
type fakeAdvisor struct {
	action       *Action
	err          error
	calls        int
	lastSnapshot PageSnapshot
}

func (a *fakeAdvisor) ProposeAction(ctx context.Context, snapshot PageSnapshot) (*Action, error) {
	a.calls++
	a.lastSnapshot = snapshot
	return a.action, a.err
}
