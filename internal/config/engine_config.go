// File: internal/config/engine_config.go
// EngineConfig enumerates every tunable of the incremental collection engine:
// viewport motion pacing, convergence stopping rules, and the harvester's
// selector strategy. All values have named defaults and are validated before a
// collection session starts; there are no implicit or duck-typed knobs.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// EngineConfig groups the collection engine settings.
type EngineConfig struct {
	Motion    MotionConfig    `mapstructure:"motion" yaml:"motion"`
	Collector CollectorConfig `mapstructure:"collector" yaml:"collector"`
	Harvester HarvesterConfig `mapstructure:"harvester" yaml:"harvester"`
}

// MotionConfig tunes the viewport motion model.
type MotionConfig struct {
	// TravelFractionMin/TravelFractionMax bound how much of the remaining
	// scroll distance one motion step covers. Keeping this well below 1 is
	// what lets harvesting interleave with movement: virtualized lists only
	// render rows near the viewport, so each step must be small enough that
	// no rendered window is skipped between harvests.
	TravelFractionMin float64 `mapstructure:"travel_fraction_min" yaml:"travel_fraction_min"`
	TravelFractionMax float64 `mapstructure:"travel_fraction_max" yaml:"travel_fraction_max"`

	// StepsMin/StepsMax bound how many pieces one step's travel is divided
	// into.
	StepsMin int `mapstructure:"steps_min" yaml:"steps_min"`
	StepsMax int `mapstructure:"steps_max" yaml:"steps_max"`

	// DurationMin/DurationMax bound the animation time of a single piece.
	DurationMin time.Duration `mapstructure:"duration_min" yaml:"duration_min"`
	DurationMax time.Duration `mapstructure:"duration_max" yaml:"duration_max"`

	// ThinkTimeMin/ThinkTimeMax bound the pause between pieces.
	ThinkTimeMin time.Duration `mapstructure:"think_time_min" yaml:"think_time_min"`
	ThinkTimeMax time.Duration `mapstructure:"think_time_max" yaml:"think_time_max"`

	// BackscrollChanceMin/BackscrollChanceMax bound the per-piece probability of
	// a short reverse motion followed by a forward correction.
	BackscrollChanceMin float64 `mapstructure:"backscroll_chance_min" yaml:"backscroll_chance_min"`
	BackscrollChanceMax float64 `mapstructure:"backscroll_chance_max" yaml:"backscroll_chance_max"`

	// NearBottomFraction is the share of the maximum offset beyond which the
	// model performs no motion and reports the viewport as near the bottom.
	NearBottomFraction float64 `mapstructure:"near_bottom_fraction" yaml:"near_bottom_fraction"`
}

// CollectorConfig tunes the convergence controller's stopping rules.
type CollectorConfig struct {
	// MaxSteps is the flat step cap used when the expected total is unknown.
	MaxSteps int `mapstructure:"max_steps" yaml:"max_steps"`

	// MaxStepsFloor is the minimum step budget for virtualized lists with a
	// known expected total.
	MaxStepsFloor int `mapstructure:"max_steps_floor" yaml:"max_steps_floor"`

	// ItemsPerStepEstimate divides the expected total when sizing the step
	// budget for virtualized lists.
	ItemsPerStepEstimate int `mapstructure:"items_per_step_estimate" yaml:"items_per_step_estimate"`

	// MaxNoProgressRetries is how many consecutive zero-yield steps end the
	// session.
	MaxNoProgressRetries int `mapstructure:"max_no_progress_retries" yaml:"max_no_progress_retries"`

	// EarlyStopFraction is the share of the expected total at which a
	// virtualized session stops early.
	EarlyStopFraction float64 `mapstructure:"early_stop_fraction" yaml:"early_stop_fraction"`

	// SettleDelayConventional / SettleDelayVirtualized are the post-motion
	// waits before the next harvest. Virtualized lists recycle DOM nodes and
	// need materially longer to paint.
	SettleDelayConventional time.Duration `mapstructure:"settle_delay_conventional" yaml:"settle_delay_conventional"`
	SettleDelayVirtualized  time.Duration `mapstructure:"settle_delay_virtualized" yaml:"settle_delay_virtualized"`

	// AdvisorAfterStalls is the no-progress streak at which the optional
	// advisor is consulted, when one is configured.
	AdvisorAfterStalls int `mapstructure:"advisor_after_stalls" yaml:"advisor_after_stalls"`
}

// HarvesterConfig tunes visible-item extraction.
type HarvesterConfig struct {
	// Selectors are candidate structural selectors, most specific first. The
	// first selector that matches at least one element is used exclusively.
	Selectors []string `mapstructure:"selectors" yaml:"selectors"`

	// LinkPathSegments are path substrings that mark an anchor as a detail
	// link (e.g. "/content/", "/program/").
	LinkPathSegments []string `mapstructure:"link_path_segments" yaml:"link_path_segments"`
}

func setEngineDefaults(v *viper.Viper) {
	// -- Motion --
	v.SetDefault("engine.motion.travel_fraction_min", 0.10)
	v.SetDefault("engine.motion.travel_fraction_max", 0.25)
	v.SetDefault("engine.motion.steps_min", 3)
	v.SetDefault("engine.motion.steps_max", 6)
	v.SetDefault("engine.motion.duration_min", "400ms")
	v.SetDefault("engine.motion.duration_max", "1800ms")
	v.SetDefault("engine.motion.think_time_min", "800ms")
	v.SetDefault("engine.motion.think_time_max", "1800ms")
	v.SetDefault("engine.motion.backscroll_chance_min", 0.15)
	v.SetDefault("engine.motion.backscroll_chance_max", 0.50)
	v.SetDefault("engine.motion.near_bottom_fraction", 0.95)

	// -- Collector --
	v.SetDefault("engine.collector.max_steps", 15)
	v.SetDefault("engine.collector.max_steps_floor", 25)
	v.SetDefault("engine.collector.items_per_step_estimate", 5)
	v.SetDefault("engine.collector.max_no_progress_retries", 3)
	v.SetDefault("engine.collector.early_stop_fraction", 0.8)
	v.SetDefault("engine.collector.settle_delay_conventional", "2s")
	v.SetDefault("engine.collector.settle_delay_virtualized", "3s")
	v.SetDefault("engine.collector.advisor_after_stalls", 2)

	// -- Harvester --
	v.SetDefault("engine.harvester.selectors", []string{
		"app-result-item",
		"div.result-item",
		"li.search-result",
		"article",
	})
	v.SetDefault("engine.harvester.link_path_segments", []string{
		"/content/", "/program/", "/detail/", "/item/",
	})
}

// Validate rejects negative, inverted, or out-of-range engine settings.
func (e *EngineConfig) Validate() error {
	m := e.Motion
	if m.TravelFractionMin <= 0 || m.TravelFractionMax > 1 || m.TravelFractionMax < m.TravelFractionMin {
		return fmt.Errorf("motion travel fraction range [%v, %v] is invalid", m.TravelFractionMin, m.TravelFractionMax)
	}
	if m.StepsMin < 1 {
		return fmt.Errorf("motion.steps_min must be at least 1")
	}
	if m.StepsMax < m.StepsMin {
		return fmt.Errorf("motion.steps_max (%d) must not be less than motion.steps_min (%d)", m.StepsMax, m.StepsMin)
	}
	if m.DurationMin <= 0 || m.DurationMax < m.DurationMin {
		return fmt.Errorf("motion duration range [%s, %s] is invalid", m.DurationMin, m.DurationMax)
	}
	if m.ThinkTimeMin < 0 || m.ThinkTimeMax < m.ThinkTimeMin {
		return fmt.Errorf("motion think-time range [%s, %s] is invalid", m.ThinkTimeMin, m.ThinkTimeMax)
	}
	if m.BackscrollChanceMin < 0 || m.BackscrollChanceMax > 1 || m.BackscrollChanceMax < m.BackscrollChanceMin {
		return fmt.Errorf("motion backscroll chance range [%v, %v] is invalid", m.BackscrollChanceMin, m.BackscrollChanceMax)
	}
	if m.NearBottomFraction <= 0 || m.NearBottomFraction > 1 {
		return fmt.Errorf("motion.near_bottom_fraction must be in (0, 1]; got %v", m.NearBottomFraction)
	}

	c := e.Collector
	if c.MaxSteps < 1 {
		return fmt.Errorf("collector.max_steps must be at least 1")
	}
	if c.MaxStepsFloor < 1 {
		return fmt.Errorf("collector.max_steps_floor must be at least 1")
	}
	if c.ItemsPerStepEstimate < 1 {
		return fmt.Errorf("collector.items_per_step_estimate must be at least 1")
	}
	if c.MaxNoProgressRetries < 1 {
		return fmt.Errorf("collector.max_no_progress_retries must be at least 1")
	}
	if c.EarlyStopFraction <= 0 || c.EarlyStopFraction > 1 {
		return fmt.Errorf("collector.early_stop_fraction must be in (0, 1]; got %v", c.EarlyStopFraction)
	}
	if c.SettleDelayConventional < 0 || c.SettleDelayVirtualized < 0 {
		return fmt.Errorf("collector settle delays must not be negative")
	}
	if c.AdvisorAfterStalls < 1 {
		return fmt.Errorf("collector.advisor_after_stalls must be at least 1")
	}

	if len(e.Harvester.Selectors) == 0 {
		return fmt.Errorf("harvester.selectors must list at least one candidate selector")
	}
	for i, s := range e.Harvester.Selectors {
		if s == "" {
			return fmt.Errorf("harvester.selectors[%d] is empty", i)
		}
	}
	return nil
}
