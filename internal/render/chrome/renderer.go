package chrome

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/edgecomet/pdfrender/internal/render/scheduler"
	"github.com/edgecomet/pdfrender/pkg/types"
)

const (
	initialViewportHeight = 100
	cssPixelsPerInch      = 96.0
	blockedByClientError  = "net::ERR_BLOCKED_BY_CLIENT"
)

// Renderer turns a URL into a single full-height PDF page. Every render
// runs inside a scheduler slot on its own tab of the shared browser.
type Renderer struct {
	config    *Config
	browser   *Browser
	gate      *Gatekeeper
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

func NewRenderer(config *Config, browser *Browser, gate *Gatekeeper, sched *scheduler.Scheduler, logger *zap.Logger) *Renderer {
	return &Renderer{
		config:    config,
		browser:   browser,
		gate:      gate,
		scheduler: sched,
		logger:    logger,
	}
}

// Render waits for a free slot, then renders targetURL to PDF bytes
func (r *Renderer) Render(ctx context.Context, targetURL string, opts types.RenderOptions) ([]byte, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return scheduler.Execute(ctx, r.scheduler, func(ctx context.Context) ([]byte, error) {
		return r.render(ctx, targetURL, opts)
	})
}

func (r *Renderer) render(ctx context.Context, targetURL string, opts types.RenderOptions) ([]byte, error) {
	start := time.Now()
	logger := r.logger.With(zap.String("url", targetURL))

	if d := r.gate.Check(ctx, targetURL); !d.Allowed {
		logger.Warn("Blocked render target", zap.String("reason", d.Reason))
		return nil, errors.Join(ErrNavigateFailed, ErrBlocked, errors.New(d.Reason))
	}

	tabCtx, tabCancel, err := r.browser.Session(ctx)
	if err != nil {
		return nil, err
	}
	defer tabCancel()

	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	// first Run allocates the tab; a timeout here would tear the target down
	if err := chromedp.Run(tabCtx); err != nil {
		return nil, errors.Join(ErrBrowserUnavailable, err)
	}

	// the listener must outlive every step, so it is bound to the tab
	var fetchHandlerCount int64
	chromedp.ListenTarget(tabCtx, r.interceptRequests(tabCtx, &fetchHandlerCount, logger))
	defer r.drainFetchHandlers(tabCtx, &fetchHandlerCount, logger)

	width := opts.WidthPixels()

	err = r.step(tabCtx, "setup",
		network.Enable(),
		fetch.Enable(),
		enableLifeCycle(),
		emulation.SetUserAgentOverride(r.config.UserAgent),
		emulation.SetDeviceMetricsOverride(int64(width), initialViewportHeight, 1.0, false),
	)
	if err != nil {
		return nil, r.abort(ctx, err)
	}

	if err := r.step(tabCtx, "navigate", navigateAndWait(targetURL, "networkIdle")); err != nil {
		return nil, r.abort(ctx, err)
	}

	if err := r.softWait(tabCtx, "content", r.config.ContentWait,
		chromedp.WaitVisible(contentSelector, chromedp.ByQuery), logger); err != nil {
		return nil, r.abort(ctx, err)
	}

	var quiet bool
	if err := r.step(tabCtx, "quiescence", evaluateAsync(
		quiescenceJS(r.config.QuietWindow.Milliseconds(), r.config.QuietMax.Milliseconds()), &quiet)); err != nil {
		return nil, r.abort(ctx, err)
	}
	if !quiet {
		logger.Debug("DOM kept mutating, continuing at ceiling", zap.Duration("quiet_max", r.config.QuietMax))
	}

	var styled bool
	var tocLinks, spans int
	err = r.step(tabCtx, "normalize",
		chromedp.Evaluate(injectStyleJS(overrideCSS(opts)), &styled),
		chromedp.Evaluate(tocLinksJS, &tocLinks),
		chromedp.Evaluate(whitespaceJS, &spans),
	)
	if err != nil {
		return nil, r.abort(ctx, err)
	}

	var pendingImages int
	if err := r.step(tabCtx, "images", evaluateAsync(imagesJS(r.config.ImageWait.Milliseconds()), &pendingImages)); err != nil {
		return nil, r.abort(ctx, err)
	}
	if pendingImages > 0 {
		logger.Debug("Images still loading after wait", zap.Int("pending", pendingImages))
	}

	var measured float64
	if err := r.step(tabCtx, "measure", chromedp.Evaluate(measureJS, &measured)); err != nil {
		return nil, r.abort(ctx, errors.Join(ErrMeasureFailed, err))
	}
	height := pageHeight(measured)

	var pdf []byte
	err = r.step(tabCtx, "print",
		emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1.0, false),
		printToPDF(width, height, &pdf),
	)
	if err != nil {
		return nil, r.abort(ctx, err)
	}

	logger.Info("Render completed",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("toc_links", tocLinks),
		zap.Int("spans_normalized", spans),
		zap.Int("pdf_bytes", len(pdf)),
		zap.Duration("duration", time.Since(start)))

	return pdf, nil
}

// step runs actions under the per-step hard timeout
func (r *Renderer) step(tabCtx context.Context, name string, actions ...chromedp.Action) error {
	ctx, cancel := context.WithTimeout(tabCtx, r.config.StepTimeout)
	defer cancel()

	err := chromedp.Run(ctx, actions...)
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && tabCtx.Err() == nil {
		return fmt.Errorf("%s: %w after %s", name, ErrRenderTimeout, r.config.StepTimeout)
	}
	return fmt.Errorf("%s: %w", name, err)
}

// softWait runs action for at most wait; running out of time is not an error
func (r *Renderer) softWait(tabCtx context.Context, name string, wait time.Duration, action chromedp.Action, logger *zap.Logger) error {
	if wait <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(tabCtx, wait)
	defer cancel()

	err := chromedp.Run(ctx, action)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && tabCtx.Err() == nil {
		logger.Debug("Soft wait timed out, continuing",
			zap.String("wait", name),
			zap.Duration("timeout", wait))
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// abort maps a step failure once the job context itself is gone
func (r *Renderer) abort(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("render aborted: %w", errors.Join(ctx.Err(), err))
	}
	return err
}

// interceptRequests routes every paused request through the gatekeeper
func (r *Renderer) interceptRequests(tabCtx context.Context, handlerCount *int64, logger *zap.Logger) func(event interface{}) {
	c := chromedp.FromContext(tabCtx)

	return func(event interface{}) {
		ev, ok := event.(*fetch.EventRequestPaused)
		if !ok {
			return
		}

		// handle off the event loop; gatekeeper checks may resolve DNS
		atomic.AddInt64(handlerCount, 1)
		go func(ev *fetch.EventRequestPaused) {
			defer atomic.AddInt64(handlerCount, -1)

			cmdCtx, cancel := context.WithTimeout(tabCtx, 5*time.Second)
			defer cancel()
			executor := cdp.WithExecutor(cmdCtx, c.Target)

			decision := r.gate.Check(cmdCtx, ev.Request.URL)
			if !decision.Allowed {
				logger.Warn("Blocked outbound request",
					zap.String("request_url", ev.Request.URL),
					zap.String("resource_type", string(ev.ResourceType)),
					zap.String("reason", decision.Reason))
				if err := fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(executor); err != nil {
					logger.Debug("Failed to block request", zap.String("request_url", ev.Request.URL), zap.Error(err))
				}
				return
			}

			if err := fetch.ContinueRequest(ev.RequestID).Do(executor); err != nil {
				logger.Debug("Failed to continue request, failing instead to prevent hang",
					zap.String("request_url", ev.Request.URL),
					zap.Error(err))
				_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonAborted).Do(executor)
			}
		}(ev)
	}
}

// drainFetchHandlers waits for in-flight fetch handlers before the tab closes
func (r *Renderer) drainFetchHandlers(ctx context.Context, handlerCount *int64, logger *zap.Logger) {
	timeout := time.After(5 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for atomic.LoadInt64(handlerCount) > 0 {
		select {
		case <-timeout:
			logger.Warn("Timeout waiting for fetch handlers to complete",
				zap.Int64("remaining", atomic.LoadInt64(handlerCount)))
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// navigateAndWait navigates and blocks until the main frame reports the
// named lifecycle event for this navigation
func navigateAndWait(targetURL, eventName string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		type lifecycle struct{ frame, loader string }
		events := make(chan lifecycle, 64)

		listenerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		// listen before navigating so a fast page cannot slip the event past us
		chromedp.ListenTarget(listenerCtx, func(ev interface{}) {
			e, ok := ev.(*page.EventLifecycleEvent)
			if !ok || string(e.Name) != eventName {
				return
			}
			select {
			case events <- lifecycle{frame: string(e.FrameID), loader: string(e.LoaderID)}:
			default:
			}
		})

		frameID, loaderID, errorText, _, err := page.Navigate(targetURL).Do(ctx)
		if err != nil {
			return errors.Join(ErrNavigateFailed, err)
		}
		if errorText != "" {
			if strings.Contains(errorText, blockedByClientError) {
				return errors.Join(ErrNavigateFailed, ErrBlocked, errors.New(errorText))
			}
			return fmt.Errorf("%w: %s", ErrNavigateFailed, errorText)
		}

		for {
			select {
			case e := <-events:
				// same-document navigations report no loader
				if e.frame == string(frameID) && (loaderID == "" || e.loader == string(loaderID)) {
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// enableLifeCycle enables page lifecycle events
func enableLifeCycle() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if err := page.Enable().Do(ctx); err != nil {
			return err
		}
		return page.SetLifecycleEventsEnabled(true).Do(ctx)
	}
}

// evaluateAsync evaluates an expression that yields a promise
func evaluateAsync(expression string, res interface{}) chromedp.Action {
	return chromedp.Evaluate(expression, res, func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
		return p.WithAwaitPromise(true)
	})
}

// printToPDF exports exactly one page sized to the viewport
func printToPDF(width, height int, out *[]byte) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().
			WithPrintBackground(true).
			WithDisplayHeaderFooter(false).
			WithPaperWidth(float64(width) / cssPixelsPerInch).
			WithPaperHeight(float64(height) / cssPixelsPerInch).
			WithMarginTop(0).
			WithMarginBottom(0).
			WithMarginLeft(0).
			WithMarginRight(0).
			WithPageRanges("1").
			WithGenerateTaggedPDF(true).
			WithGenerateDocumentOutline(true).
			Do(ctx)
		if err != nil {
			return errors.Join(ErrPrintFailed, err)
		}
		if len(data) == 0 {
			return fmt.Errorf("%w: empty document", ErrPrintFailed)
		}
		*out = data
		return nil
	}
}

// pageHeight rounds the measured content height up and adds the bottom margin
func pageHeight(measured float64) int {
	if math.IsNaN(measured) || measured < 0 {
		measured = 0
	}
	return int(math.Ceil(measured)) + heightMargin
}
