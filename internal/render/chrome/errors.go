package chrome

import "errors"

// Render errors - returned by Renderer.Render and recorded as the job failure reason
var (
	ErrWaitTimeout    = errors.New("wait timeout exceeded")
	ErrNavigateFailed = errors.New("navigation failed")
	ErrRenderTimeout  = errors.New("render step timeout exceeded")
	ErrBlocked        = errors.New("request blocked by gatekeeper")
	ErrPrintFailed    = errors.New("PDF print failed")
	ErrMeasureFailed  = errors.New("content height measurement failed")
)

// Browser errors - returned during renderer process management
var (
	ErrBrowserUnavailable = errors.New("browser is unavailable")
	ErrBrowserClosed      = errors.New("browser is closed")
)
