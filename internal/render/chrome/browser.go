package chrome

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	launchTimeout = 30 * time.Second
	pingTimeout   = 5 * time.Second
)

// Handle is one running browser process
type Handle interface {
	// NewTab opens an isolated tab context. Cancelling it closes the tab.
	NewTab() (context.Context, context.CancelFunc)
	// Done is closed when the process exits or the connection drops
	Done() <-chan struct{}
	// Ping verifies the process still answers protocol commands
	Ping(ctx context.Context) error
	Version() string
	Close() error
}

// Launcher starts browser processes
type Launcher interface {
	Launch(ctx context.Context) (Handle, error)
}

// RestartObserver is notified whenever a lost browser is relaunched
type RestartObserver interface {
	BrowserRestarted(reason string)
}

type initCall struct {
	done   chan struct{}
	handle Handle
	err    error
}

// Browser owns the single shared browser process. It launches lazily,
// collapses concurrent launches into one, relaunches after a disconnect
// and replaces handles that stop answering.
type Browser struct {
	launcher Launcher
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handle   Handle
	pending  *initCall
	closed   bool
	observer RestartObserver

	wg sync.WaitGroup
}

// NewBrowser creates an unlaunched Browser
func NewBrowser(launcher Launcher, logger *zap.Logger) *Browser {
	ctx, cancel := context.WithCancel(context.Background())
	return &Browser{
		launcher: launcher,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetObserver registers a restart observer; call before Init
func (b *Browser) SetObserver(o RestartObserver) {
	b.mu.Lock()
	b.observer = o
	b.mu.Unlock()
}

// Init launches the browser unless it is running or already launching.
// Concurrent callers share the outcome of a single launch.
func (b *Browser) Init(ctx context.Context) error {
	_, err := b.acquire(ctx)
	return err
}

// Session returns a fresh tab on a verified-live browser
func (b *Browser) Session(ctx context.Context) (context.Context, context.CancelFunc, error) {
	h, err := b.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := h.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		b.logger.Warn("Browser failed liveness check, relaunching", zap.Error(err))
		if b.discard(h) {
			b.notifyRestart("unresponsive")
		}

		h, err = b.acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	tabCtx, cancel := h.NewTab()
	return tabCtx, cancel, nil
}

// Version reports the running browser product string, or "" when not running
func (b *Browser) Version() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle == nil {
		return ""
	}
	return b.handle.Version()
}

// Close terminates the browser and stops the watcher.
// Later Init and Session calls return ErrBrowserClosed.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	h := b.handle
	b.handle = nil
	b.mu.Unlock()

	b.cancel()

	var err error
	if h != nil {
		err = h.Close()
	}
	b.wg.Wait()

	b.logger.Info("Browser closed")
	return err
}

func (b *Browser) acquire(ctx context.Context) (Handle, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrowserClosed
	}
	if b.handle != nil {
		h := b.handle
		b.mu.Unlock()
		return h, nil
	}

	call := b.pending
	if call == nil {
		call = &initCall{done: make(chan struct{})}
		b.pending = call
		b.wg.Add(1)
		go b.launch(call)
	}
	b.mu.Unlock()

	select {
	case <-call.done:
		return call.handle, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// launch runs detached from any single caller so one caller giving up
// does not fail the others waiting on the same call
func (b *Browser) launch(call *initCall) {
	defer b.wg.Done()
	defer close(call.done)

	b.logger.Info("Launching browser")
	start := time.Now()

	ctx, cancel := context.WithTimeout(b.ctx, launchTimeout)
	h, err := b.launcher.Launch(ctx)
	cancel()

	b.mu.Lock()
	b.pending = nil
	if err == nil && b.closed {
		b.mu.Unlock()
		_ = h.Close()
		call.err = ErrBrowserClosed
		return
	}
	if err != nil {
		b.mu.Unlock()
		b.logger.Error("Failed to launch browser", zap.Error(err))
		call.err = errors.Join(ErrBrowserUnavailable, err)
		return
	}
	b.handle = h
	b.wg.Add(1)
	go b.watch(h)
	b.mu.Unlock()

	b.logger.Info("Browser launched",
		zap.String("version", h.Version()),
		zap.Duration("duration", time.Since(start)))
	call.handle = h
}

// watch relaunches the browser when h goes away on its own
func (b *Browser) watch(h Handle) {
	defer b.wg.Done()

	select {
	case <-h.Done():
	case <-b.ctx.Done():
		return
	}

	if !b.discard(h) {
		return
	}

	b.logger.Warn("Browser disconnected, relaunching")
	b.notifyRestart("disconnected")

	if err := b.Init(b.ctx); err != nil && !errors.Is(err, ErrBrowserClosed) && b.ctx.Err() == nil {
		b.logger.Error("Browser relaunch failed, next session will retry", zap.Error(err))
	}
}

// discard drops h if it is still current and reports whether it was
func (b *Browser) discard(h Handle) bool {
	b.mu.Lock()
	if b.closed || b.handle != h {
		b.mu.Unlock()
		return false
	}
	b.handle = nil
	b.mu.Unlock()

	if err := h.Close(); err != nil {
		b.logger.Debug("Error closing discarded browser", zap.Error(err))
	}
	return true
}

func (b *Browser) notifyRestart(reason string) {
	b.mu.Lock()
	o := b.observer
	b.mu.Unlock()
	if o != nil {
		o.BrowserRestarted(reason)
	}
}

// ExecLauncher starts a local headless Chrome through chromedp
type ExecLauncher struct {
	ExecPath string
	logger   *zap.Logger
}

// NewExecLauncher creates a launcher; an empty execPath lets chromedp find Chrome
func NewExecLauncher(execPath string, logger *zap.Logger) *ExecLauncher {
	return &ExecLauncher{ExecPath: execPath, logger: logger}
}

// Launch starts Chrome and waits until it accepts protocol commands
func (l *ExecLauncher) Launch(ctx context.Context) (Handle, error) {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("font-render-hinting", "none"),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
	}
	if l.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.ExecPath))
	}

	allocatorOpts := append(chromedp.DefaultExecAllocatorOptions[:], opts...)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	h := &execHandle{
		ctx:           browserCtx,
		cancel:        browserCancel,
		allocCancel:   allocCancel,
		done:          make(chan struct{}),
		stopWatchDone: make(chan struct{}),
	}

	// browserCtx lives as long as the process, so ctx may only bound startup
	stop := context.AfterFunc(ctx, h.terminate)
	err := chromedp.Run(browserCtx)
	if !stop() {
		err = errors.Join(ctx.Err(), err)
	}
	if err != nil {
		h.terminate()
		return nil, fmt.Errorf("failed to start Chrome: %w", err)
	}

	if err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, product, _, _, _, err := browser.GetVersion().Do(ctx)
		if err != nil {
			return err
		}
		h.version = product
		return nil
	})); err != nil {
		l.logger.Warn("Failed to capture browser version", zap.Error(err))
	}

	go h.watchDone(chromedp.FromContext(browserCtx).Browser.LostConnection)

	return h, nil
}

type execHandle struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	version     string

	done          chan struct{}
	stopWatchDone chan struct{}
	closeOnce     sync.Once
}

func (h *execHandle) watchDone(lost <-chan struct{}) {
	select {
	case <-lost:
	case <-h.ctx.Done():
	case <-h.stopWatchDone:
		return
	}
	close(h.done)
}

func (h *execHandle) NewTab() (context.Context, context.CancelFunc) {
	return chromedp.NewContext(h.ctx)
}

func (h *execHandle) Done() <-chan struct{} {
	return h.done
}

func (h *execHandle) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(h.ctx, pingTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(pingCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, _, _, _, err := browser.GetVersion().Do(ctx)
		return err
	}))
}

func (h *execHandle) Version() string {
	return h.version
}

// Close asks Chrome to exit, then kills the allocator
func (h *execHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.stopWatchDone)
		ctx, cancel := context.WithTimeout(h.ctx, pingTimeout)
		err = chromedp.Cancel(ctx)
		cancel()
		h.terminate()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = nil
		}
	})
	return err
}

func (h *execHandle) terminate() {
	h.cancel()
	h.allocCancel()
}
