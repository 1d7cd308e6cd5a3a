// File: internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/harvest-cli/internal/config"
	"github.com/xkilldash9x/harvest-cli/internal/engine"
)

// scrollMetricsJS reads the vertical scroll offset and the maximum scrollable
// offset in one round trip.
const scrollMetricsJS = `
(() => {
    const doc = document.scrollingElement || document.documentElement;
    const max = Math.max(0, doc.scrollHeight - window.innerHeight);
    return { offset: window.scrollY, max: max };
})()
`

// Session is one isolated browser tab. It implements engine.Page, making it
// the live page handle a collection session drives.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.BrowserConfig

	limiter *rate.Limiter
	onClose func()

	mu       sync.Mutex
	isClosed bool
}

// Session is the engine's page handle.
var _ engine.Page = (*Session)(nil)

func newSession(allocCtx context.Context, cfg config.BrowserConfig, limiter *rate.Limiter, logger *zap.Logger) (*Session, error) {
	sessionID := uuid.New().String()
	ctx, cancel := chromedp.NewContext(allocCtx)

	// Force target creation so failures surface here, not on first use.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to browser target: %w", err)
	}

	return &Session{
		id:      sessionID,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(zap.String("session_id", sessionID)),
		cfg:     cfg,
		limiter: limiter,
	}, nil
}

// ID returns the unique identifier for this session.
func (s *Session) ID() string { return s.id }

// Navigate loads a URL and waits for the document plus the configured
// post-load settle time. Navigation is paced by the manager's shared limiter.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	navCtx, cancel := context.WithTimeout(s.ctx, s.cfg.NavigationTimeout)
	defer cancel()

	s.logger.Info("Navigating.", zap.String("url", url))
	if err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return s.Sleep(ctx, s.cfg.PostLoadWait)
}

// ScrollPosition implements engine.Page.
func (s *Session) ScrollPosition(ctx context.Context) (float64, float64, error) {
	var metrics struct {
		Offset float64 `json:"offset"`
		Max    float64 `json:"max"`
	}
	if err := s.Evaluate(ctx, scrollMetricsJS, &metrics); err != nil {
		return 0, 0, fmt.Errorf("failed to read scroll metrics: %w", err)
	}
	return metrics.Offset, metrics.Max, nil
}

// ScrollTo implements engine.Page.
func (s *Session) ScrollTo(ctx context.Context, offset float64) error {
	if offset < 0 {
		offset = 0
	}
	return s.Evaluate(ctx, fmt.Sprintf("window.scrollTo(0, %.0f)", offset), nil)
}

// Evaluate implements engine.Page. The script result is unmarshaled into out;
// a nil out discards it.
func (s *Session) Evaluate(ctx context.Context, script string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.isClosed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("session %s is closed", s.id)
	}
	return chromedp.Run(s.ctx, chromedp.Evaluate(script, out))
}

// URL implements engine.Page.
func (s *Session) URL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var location string
	if err := chromedp.Run(s.ctx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("failed to read page location: %w", err)
	}
	return location, nil
}

// Sleep implements engine.Page: a timed wait honoring ctx cancellation.
func (s *Session) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CaptureHTML returns the page's current outer HTML, used for diagnostics and
// offline replays.
func (s *Session) CaptureHTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var html string
	err := chromedp.Run(s.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		root, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		html, err = dom.GetOuterHTML().WithNodeID(root.NodeID).Do(ctx)
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("failed to capture document HTML: %w", err)
	}
	return html, nil
}

// Close terminates the tab and releases resources. Safe to call twice.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing session.")
	s.cancel()
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}
