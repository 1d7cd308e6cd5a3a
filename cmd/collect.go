// -- cmd/collect.go --
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/harvest-cli/internal/advisor"
	"github.com/xkilldash9x/harvest-cli/internal/browser"
	"github.com/xkilldash9x/harvest-cli/internal/engine"
	"github.com/xkilldash9x/harvest-cli/internal/export"
	"github.com/xkilldash9x/harvest-cli/internal/observability"
	"github.com/xkilldash9x/harvest-cli/internal/store"
)

var (
	collectOutput      string
	collectFormat      string
	collectFromFile    string
	collectPageURL     string
	collectConcurrency int
	collectNoProgress  bool
	collectDumpHTML    string
)

var collectCmd = &cobra.Command{
	Use:   "collect [url...]",
	Short: "Collect every item identifier from the result lists at the given URLs.",
	Long: `Collect drives each page with human-like scrolling, harvesting the visible
item identifiers after every movement until the list converges. The
deduplicated set is exported as JSON or CSV.

With --from-file, the harvester runs once against a saved HTML document
instead of a live page.`,
	RunE: runCollect,
}

func init() {
	collectCmd.Flags().StringVarP(&collectOutput, "output", "o", "", "output path (default from config; \"-\" for stdout)")
	collectCmd.Flags().StringVarP(&collectFormat, "format", "f", "", "export format: json or csv (default from config)")
	collectCmd.Flags().StringVar(&collectFromFile, "from-file", "", "harvest a saved HTML document instead of a live page")
	collectCmd.Flags().StringVar(&collectPageURL, "page-url", "", "page URL used to resolve relative links in --from-file mode")
	collectCmd.Flags().IntVar(&collectConcurrency, "concurrency", 2, "how many pages to collect in parallel")
	collectCmd.Flags().BoolVar(&collectNoProgress, "no-progress", false, "disable the terminal progress bar")
	collectCmd.Flags().StringVar(&collectDumpHTML, "dump-html", "", "save the settled page HTML to this path for later --from-file runs")
	rootCmd.AddCommand(collectCmd)
}

// outcome pairs a page URL with its finished collection result.
type outcome struct {
	pageURL string
	result  *engine.Result
}

func runCollect(cmd *cobra.Command, args []string) error {
	logger := observability.GetLogger()

	format := cfg.Export.Format
	if collectFormat != "" {
		format = collectFormat
	}
	output := cfg.Export.Output
	if collectOutput != "" {
		output = collectOutput
	}

	if collectFromFile != "" {
		return collectFromFileMode(logger, format, output)
	}
	if len(args) == 0 {
		return fmt.Errorf("at least one URL is required (or use --from-file)")
	}
	if collectConcurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := browser.NewManager(cfg.Browser, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Browser shutdown reported errors.", zap.Error(err))
		}
	}()

	var engineOpts []engine.Option
	if cfg.Advisor.Enabled {
		adv, err := advisor.NewClient(ctx, cfg.Advisor, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize advisor: %w", err)
		}
		engineOpts = append(engineOpts, engine.WithAdvisor(adv))
	}

	outcomes := make([]*outcome, len(args))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(collectConcurrency)
	for i, pageURL := range args {
		dumpPath := collectDumpHTML
		if dumpPath != "" && len(args) > 1 {
			dumpPath = numberedPath(dumpPath, i)
		}
		g.Go(func() error {
			result, err := collectOne(gctx, manager, pageURL, engineOpts, dumpPath, len(args) == 1)
			if result == nil && err != nil {
				// Best effort across URLs: log and move on.
				logger.Error("Collection failed for page.", zap.String("url", pageURL), zap.Error(err))
				return nil
			}
			mu.Lock()
			outcomes[i] = &outcome{pageURL: pageURL, result: result}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Delivery runs on a fresh context so an interrupt that ended collection
	// early does not also discard the partial results.
	deliverCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return deliver(deliverCtx, logger, format, output, outcomes)
}

// collectOne runs one full collection session against a live page. A non-nil
// result with a non-nil error means the session was interrupted but still
// produced a usable partial set.
func collectOne(ctx context.Context, manager *browser.Manager, pageURL string, opts []engine.Option, dumpPath string, showProgress bool) (*engine.Result, error) {
	logger := observability.GetLogger()

	session, err := manager.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close(context.Background())

	if err := session.Navigate(ctx, pageURL); err != nil {
		return nil, err
	}

	if showProgress && !collectNoProgress {
		bar := progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("collecting"),
			progressbar.OptionShowCount(),
			progressbar.OptionSpinnerType(14),
		)
		opts = append(opts, engine.WithProgress(func(p engine.Progress) {
			if p.Expected > 0 && bar.GetMax() != p.Expected {
				bar.ChangeMax(p.Expected)
			}
			_ = bar.Set(p.Collected)
		}))
		defer fmt.Fprintln(os.Stderr)
	}

	controller, err := engine.NewController(cfg.Engine, logger.Named("engine"), opts...)
	if err != nil {
		return nil, err
	}

	result, err := controller.Collect(ctx, session)
	if err != nil && result != nil {
		logger.Warn("Collection interrupted; keeping partial results.",
			zap.String("url", pageURL), zap.Error(err))
	}

	if dumpPath != "" && result != nil {
		dumpCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if html, dumpErr := session.CaptureHTML(dumpCtx); dumpErr != nil {
			logger.Warn("HTML dump failed.", zap.String("url", pageURL), zap.Error(dumpErr))
		} else if dumpErr := os.WriteFile(dumpPath, []byte(html), 0o644); dumpErr != nil {
			logger.Warn("Failed to write HTML dump.", zap.String("path", dumpPath), zap.Error(dumpErr))
		}
	}
	return result, err
}

// deliver exports every outcome and, when enabled, persists them.
func deliver(ctx context.Context, logger *zap.Logger, format, output string, outcomes []*outcome) error {
	var st *store.Store
	if cfg.Store.Enabled {
		var err error
		st, err = store.Connect(ctx, cfg.Store.URL, logger)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}
	}

	collected := 0
	for i, oc := range outcomes {
		if oc == nil {
			continue
		}
		collected++

		target := output
		if target != "-" && target != "" && len(outcomes) > 1 {
			target = numberedPath(target, i)
		}
		if err := export.Write(format, target, oc.pageURL, oc.result); err != nil {
			return err
		}

		if st != nil {
			if _, err := st.SaveRun(ctx, oc.pageURL, oc.result); err != nil {
				logger.Error("Failed to persist run.", zap.String("url", oc.pageURL), zap.Error(err))
			}
		}
	}
	if collected == 0 {
		return fmt.Errorf("no page produced a result")
	}
	return nil
}

// collectFromFileMode runs the harvester once against a saved HTML document.
func collectFromFileMode(logger *zap.Logger, format, output string) error {
	if collectPageURL == "" {
		return fmt.Errorf("--page-url is required with --from-file to resolve relative links")
	}

	f, err := os.Open(collectFromFile)
	if err != nil {
		return fmt.Errorf("failed to open input document: %w", err)
	}
	defer f.Close()

	harvester := engine.NewHarvester(cfg.Engine.Harvester, logger.Named("harvester"))
	identifiers, err := harvester.HarvestHTML(f, collectPageURL)
	if err != nil {
		return err
	}

	acc := engine.NewAccumulator()
	acc.Add(identifiers)

	result := &engine.Result{
		Identifiers: acc.Snapshot(),
		Collected:   acc.Size(),
		Layout:      engine.Layout{Kind: engine.LayoutConventional},
	}
	return export.Write(format, output, collectPageURL, result)
}

// numberedPath turns out.json into out.1.json for multi-URL runs.
func numberedPath(path string, i int) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s.%d%s", base, i, ext)
}
