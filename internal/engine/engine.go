// Package engine implements the incremental content collection engine: a
// stateful control loop that scrolls a live page the way a person would,
// harvests the identifiers of currently rendered list items after each
// movement, deduplicates them, and decides when collection has converged.
//
// The engine never owns the browser. It drives a Page handle supplied by the
// caller and returns a best-effort, deduplicated identifier set together with
// a completion descriptor. Partial results are always preferred over aborting.
package engine

import (
	"context"
	"time"
)

// Page is the live page handle the engine drives. Implementations wrap a real
// browser tab (see internal/browser); tests substitute fakes.
//
// The handle is exclusively owned by one collection session at a time; the
// engine performs no locking of its own.
type Page interface {
	// ScrollPosition returns the current vertical scroll offset and the
	// maximum scrollable offset (document height minus viewport height).
	ScrollPosition(ctx context.Context) (offset, max float64, err error)

	// ScrollTo sets the vertical scroll offset.
	ScrollTo(ctx context.Context, offset float64) error

	// Evaluate runs a script against the page's document and unmarshals the
	// result into out.
	Evaluate(ctx context.Context, script string, out any) error

	// URL returns the page's current URL.
	URL(ctx context.Context) (string, error)

	// Sleep suspends for the given duration, honoring ctx cancellation.
	Sleep(ctx context.Context, d time.Duration) error
}

// LayoutKind classifies how the result list is rendered.
type LayoutKind string

const (
	// LayoutConventional means all rows exist in the DOM at once.
	LayoutConventional LayoutKind = "conventional"
	// LayoutVirtualized means only visible rows exist; off-screen rows are
	// destroyed and recreated on scroll.
	LayoutVirtualized LayoutKind = "virtualized"
)

// Layout is the detector's classification of the page. It is computed once
// per collection session and never revised mid-session.
type Layout struct {
	Kind LayoutKind
	// ExpectedTotal is the item count parsed from visible chrome such as a
	// tab badge. Zero means unknown.
	ExpectedTotal int
	// Framework names the virtual-scroll component when one was recognized.
	// Diagnostic only.
	Framework string
}

// TerminalState describes why a collection session ended. All three are
// success terminals; they only qualify the completeness of the result.
type TerminalState string

const (
	// TerminalEarlyStop: coverage reached the configured fraction of the
	// expected total.
	TerminalEarlyStop TerminalState = "early_stop"
	// TerminalExhausted: the step budget ran out.
	TerminalExhausted TerminalState = "exhausted"
	// TerminalNoProgress: too many consecutive steps yielded nothing new.
	TerminalNoProgress TerminalState = "no_progress"
)

// Result is the terminal output of one collection session.
type Result struct {
	// Identifiers is the deduplicated identifier set in first-seen order.
	Identifiers []string
	// TerminalState records which stopping rule fired.
	TerminalState TerminalState
	// Collected is len(Identifiers).
	Collected int
	// Expected is the detector's expected total, zero when unknown.
	Expected int
	// StepsTaken counts harvesting steps performed.
	StepsTaken int
	// Layout is the (cached) layout classification for the session.
	Layout Layout
}

// Progress is reported to the optional progress callback after every step.
type Progress struct {
	Step      int
	Collected int
	Expected  int
}

// Action is a page operation proposed by an Advisor when collection stalls.
type Action struct {
	// Kind is the operation type, currently "click" or "wait".
	Kind string `json:"kind"`
	// Selector targets the element to click, for Kind "click".
	Selector string `json:"selector"`
	// WaitMs is the pause length, for Kind "wait".
	WaitMs int `json:"wait_ms"`
}

// PageSnapshot is the minimal page state handed to an Advisor.
type PageSnapshot struct {
	URL           string `json:"url"`
	Collected     int    `json:"collected"`
	Expected      int    `json:"expected"`
	StalledSteps  int    `json:"stalled_steps"`
	ScrollPercent int    `json:"scroll_percent"`
}

// Advisor proposes a page operation that might unblock a stalled collection,
// for example clicking a "load more" control. A nil action means no proposal.
// Advisors are strictly optional and never override the stopping rules.
type Advisor interface {
	ProposeAction(ctx context.Context, snapshot PageSnapshot) (*Action, error)
}
