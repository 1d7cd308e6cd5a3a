package engine

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/aquilax/go-perlin"
	"go.uber.org/zap"

	"github.com/xkilldash9x/harvest-cli/internal/config"
)

// frameInterval approximates a display refresh; each animated piece is split
// into frames of roughly this length.
const frameInterval = 16 * time.Millisecond

// backscrollCutoff is the share of the maximum offset beyond which no
// backscroll is attempted, keeping each step's net travel forward.
const backscrollCutoff = 0.85

// MotionStep describes one planned viewport movement. Ephemeral; generated per
// piece and logged, never persisted.
type MotionStep struct {
	Ordinal     int
	TargetDelta float64
	Duration    time.Duration
	Backward    bool
}

// MotionModel produces forward scroll motion that advances the viewport
// without being trivially detectable as scripted. One step covers a random
// fraction of the remaining scroll range, split into several pieces, each
// animated with a cubic ease-out so the motion decelerates like a person
// releasing a trackpad, separated by think-time pauses and the occasional
// short backward re-read. The travel fraction stays well below the full
// remaining distance so virtualized lists render every window between
// harvests.
type MotionModel struct {
	cfg    config.MotionConfig
	logger *zap.Logger

	rng     *rand.Rand
	noise   *perlin.Perlin
	noiseT  float64
	ordinal int
}

// NewMotionModel creates a motion model. A nil rng gets a time-based seed;
// tests inject a fixed-seed source for reproducibility.
func NewMotionModel(cfg config.MotionConfig, logger *zap.Logger, rng *rand.Rand) *MotionModel {
	seed := time.Now().UnixNano()
	if rng == nil {
		rng = rand.New(rand.NewSource(seed))
	}
	// Standard Perlin parameters.
	alpha, beta, n := 2.0, 2.0, int32(3)
	return &MotionModel{
		cfg:    cfg,
		logger: logger,
		rng:    rng,
		noise:  perlin.NewPerlin(alpha, beta, n, seed),
	}
}

// Advance performs one motion step: a random fraction of the remaining
// distance, delivered as several eased forward pieces with pauses, possibly
// interleaved with a backscroll. It reports nearBottom when the viewport was
// already at (or has reached) the near-bottom threshold, so the controller can
// treat the step as zero-yield instead of retrying forever.
//
// Only the browser's scroll position is mutated; DOM content is untouched.
func (m *MotionModel) Advance(ctx context.Context, page Page) (nearBottom bool, err error) {
	offset, max, err := page.ScrollPosition(ctx)
	if err != nil {
		return false, err
	}
	if max <= 0 || offset >= m.cfg.NearBottomFraction*max {
		m.logger.Debug("Viewport near bottom; skipping motion.",
			zap.Float64("offset", offset), zap.Float64("max", max))
		return true, nil
	}

	pieces := m.randInt(m.cfg.StepsMin, m.cfg.StepsMax)
	backChance := m.randFloat(m.cfg.BackscrollChanceMin, m.cfg.BackscrollChanceMax)
	remaining := max - offset
	travel := remaining * m.randFloat(m.cfg.TravelFractionMin, m.cfg.TravelFractionMax)
	// The travel budget is a hard cap: jitter redistributes distance between
	// pieces but never pushes the step past its chosen fraction.
	limit := offset + travel
	base := travel / float64(pieces)
	didBackscroll := false

	for i := 0; i < pieces; i++ {
		// +-20% jitter plus low-frequency Perlin drift so the velocity trace
		// is not white noise.
		jitter := 0.8 + m.rng.Float64()*0.4
		drift := 1.0 + 0.1*m.noise.Noise1D(m.noiseT)
		m.noiseT += 0.35

		delta := base * jitter * drift
		if offset+delta > limit {
			delta = limit - offset
		}
		if offset+delta > max {
			delta = max - offset
		}
		if delta <= 0 {
			break
		}

		step := MotionStep{
			Ordinal:     m.ordinal,
			TargetDelta: delta,
			Duration:    m.randDuration(m.cfg.DurationMin, m.cfg.DurationMax),
		}
		m.ordinal++

		if err := m.animate(ctx, page, offset, step.TargetDelta, step.Duration); err != nil {
			return false, err
		}
		offset += delta

		if offset >= m.cfg.NearBottomFraction*max {
			return true, nil
		}

		// Human pause between pieces. This is reading time, not a network wait.
		if err := page.Sleep(ctx, m.randDuration(m.cfg.ThinkTimeMin, m.cfg.ThinkTimeMax)); err != nil {
			return false, err
		}

		// At most one re-read per step, and none close to the bottom where a
		// reversal could undo the whole step's travel.
		if !didBackscroll && offset < backscrollCutoff*max && m.rng.Float64() < backChance {
			didBackscroll = true
			var backErr error
			offset, backErr = m.backscroll(ctx, page, offset, max)
			if backErr != nil {
				return false, backErr
			}
		}
	}
	return false, nil
}

// backscroll simulates a user re-reading content just scrolled past: a short
// reverse motion followed by a smaller forward correction. It is never counted
// as a harvesting step.
func (m *MotionModel) backscroll(ctx context.Context, page Page, offset, max float64) (float64, error) {
	reverse := m.randFloat(30, 110)
	if offset-reverse < 0 {
		reverse = offset
	}
	step := MotionStep{
		Ordinal:     m.ordinal,
		TargetDelta: -reverse,
		Duration:    m.randDuration(m.cfg.DurationMin, m.cfg.DurationMin*2),
		Backward:    true,
	}
	m.ordinal++
	m.logger.Debug("Simulating backscroll.", zap.Float64("reverse_px", reverse))

	if err := m.animate(ctx, page, offset, step.TargetDelta, step.Duration); err != nil {
		return offset, err
	}
	offset -= reverse

	if err := page.Sleep(ctx, m.randDuration(m.cfg.ThinkTimeMin, m.cfg.ThinkTimeMax)); err != nil {
		return offset, err
	}

	forward := m.randFloat(50, 150)
	if offset+forward > max {
		forward = max - offset
	}
	if forward > 0 {
		if err := m.animate(ctx, page, offset, forward, m.randDuration(m.cfg.DurationMin, m.cfg.DurationMin*2)); err != nil {
			return offset, err
		}
		offset += forward
	}
	return offset, nil
}

// animate moves the scroll offset from start by delta over the given duration
// using a cubic ease-out curve: 1 - (1-t)^3.
func (m *MotionModel) animate(ctx context.Context, page Page, start, delta float64, duration time.Duration) error {
	frames := int(duration / frameInterval)
	if frames < 4 {
		frames = 4
	}
	if frames > 60 {
		frames = 60
	}
	pause := duration / time.Duration(frames)

	for f := 1; f <= frames; f++ {
		t := float64(f) / float64(frames)
		eased := 1 - math.Pow(1-t, 3)
		if err := page.ScrollTo(ctx, start+delta*eased); err != nil {
			return err
		}
		if err := page.Sleep(ctx, pause); err != nil {
			return err
		}
	}
	return nil
}

func (m *MotionModel) randInt(min, max int) int {
	if max <= min {
		return min
	}
	return min + m.rng.Intn(max-min+1)
}

func (m *MotionModel) randFloat(min, max float64) float64 {
	if max <= min {
		return min
	}
	return min + m.rng.Float64()*(max-min)
}

func (m *MotionModel) randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(m.rng.Int63n(int64(max-min)))
}
