//go:build chrome

package chrome

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Run with: go test -tags chrome ./internal/render/chrome/
// CHROME_PATH selects the binary; otherwise chromedp looks it up.

func onePixelPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1))))
	return buf.Bytes()
}

// openPage serves mux on a loopback server and returns a tab showing path
func openPage(t *testing.T, mux *http.ServeMux, path string) context.Context {
	t.Helper()

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	b := NewBrowser(NewExecLauncher(os.Getenv("CHROME_PATH"), zap.NewNop()), zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()
	if err := b.Init(initCtx); err != nil {
		t.Skipf("Chrome not available: %v", err)
	}

	tabCtx, tabCancel, err := b.Session(context.Background())
	require.NoError(t, err)
	t.Cleanup(tabCancel)

	ctx, cancel := context.WithTimeout(tabCtx, 30*time.Second)
	t.Cleanup(cancel)

	require.NoError(t, chromedp.Run(ctx, chromedp.Navigate(srv.URL+path)))
	return ctx
}

func htmlPage(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<!doctype html><html><head></head><body>%s</body></html>", body)
	}
}

func TestScripts_WhitespaceKeepsSpacesTabsAndLineBreaks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", htmlPage(
		"<div id=\"a\"><span data-token-index=\"0\">a b\tc\nd\ne</span></div>"+
			"<div id=\"b\"><span data-token-index=\"0\">plain</span></div>"+
			"<div id=\"c\"><span data-token-index=\"1\">x y</span></div>"))
	ctx := openPage(t, mux, "/page")

	var touched int
	require.NoError(t, chromedp.Run(ctx, chromedp.Evaluate(whitespaceJS, &touched)))
	assert.Equal(t, 1, touched)

	var tokens []string
	require.NoError(t, chromedp.Run(ctx, chromedp.Evaluate(
		`Array.from(document.querySelectorAll('span[data-token-index="0"]')).map((s) => s.textContent)`, &tokens)))
	assert.Equal(t, []string{"a\u00a0b\u00a0\u00a0\u00a0\u00a0c", "d", "e", "plain"}, tokens)

	var breaks int
	require.NoError(t, chromedp.Run(ctx, chromedp.Evaluate(`document.querySelectorAll('#a br').length`, &breaks)))
	assert.Equal(t, 2, breaks)

	var other string
	require.NoError(t, chromedp.Run(ctx, chromedp.Evaluate(`document.querySelector('#c span').textContent`, &other)))
	assert.Equal(t, "x y", other, "only the first token of a block is normalized")
}

func TestScripts_TOCLinksBecomeFragments(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", htmlPage(
		`<div class="notion-selectable notion-table_of_contents-block">`+
			`<a href="/doc-123#block-1" role="button">One</a>`+
			`<a href="/doc-123">Two</a>`+
			`</div>`+
			`<a id="outside" href="/doc-123#block-2">Three</a>`))
	ctx := openPage(t, mux, "/page")

	var rewritten int
	require.NoError(t, chromedp.Run(ctx, chromedp.Evaluate(tocLinksJS, &rewritten)))
	assert.Equal(t, 1, rewritten)

	var links [][]interface{}
	require.NoError(t, chromedp.Run(ctx, chromedp.Evaluate(
		`Array.from(document.querySelectorAll('a')).map((a) => [a.getAttribute('href'), a.getAttribute('role')])`, &links)))
	assert.Equal(t, [][]interface{}{
		{"#block-1", nil},
		{"/doc-123", nil},
		{"/doc-123#block-2", nil},
	}, links)
}

func TestScripts_QuiescenceWaitsForMutationsToStop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/settling", htmlPage(`<div id="log"></div><script>
		let n = 0;
		const timer = setInterval(() => {
			document.getElementById('log').append(document.createElement('p'));
			if (++n === 5) clearInterval(timer);
		}, 100);
	</script>`))
	mux.HandleFunc("/busy", htmlPage(`<div id="log"></div><script>
		setInterval(() => { document.getElementById('log').textContent = String(Date.now()); }, 50);
	</script>`))

	t.Run("settles", func(t *testing.T) {
		ctx := openPage(t, mux, "/settling")
		var quiet bool
		require.NoError(t, chromedp.Run(ctx, evaluateAsync(quiescenceJS(300, 5000), &quiet)))
		assert.True(t, quiet)

		var paragraphs int
		require.NoError(t, chromedp.Run(ctx, chromedp.Evaluate(`document.querySelectorAll('#log p').length`, &paragraphs)))
		assert.Equal(t, 5, paragraphs)
	})

	t.Run("ceiling", func(t *testing.T) {
		ctx := openPage(t, mux, "/busy")
		start := time.Now()
		var quiet bool
		require.NoError(t, chromedp.Run(ctx, evaluateAsync(quiescenceJS(300, 1000), &quiet)))
		assert.False(t, quiet)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestScripts_ImagesLoadLazyImagesAndBoundTheWait(t *testing.T) {
	pixel := onePixelPNG(t)
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/slow.png", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pixel)
	})
	mux.HandleFunc("/stuck.png", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/lazy", htmlPage(
		`<div style="height:1500px"></div><img loading="lazy" src="/slow.png" width="1" height="1">`))
	mux.HandleFunc("/stuck", htmlPage(`<div style="height:300px"></div>`))

	t.Run("lazy image loads", func(t *testing.T) {
		ctx := openPage(t, mux, "/lazy")
		var pending int
		require.NoError(t, chromedp.Run(ctx, evaluateAsync(imagesJS(5000), &pending)))
		assert.Equal(t, 0, pending)

		var loading string
		require.NoError(t, chromedp.Run(ctx, chromedp.Evaluate(`document.images[0].loading`, &loading)))
		assert.Equal(t, "eager", loading)

		var scrollY float64
		require.NoError(t, chromedp.Run(ctx, chromedp.Evaluate(`window.scrollY`, &scrollY)))
		assert.Zero(t, scrollY, "returns to the top before measuring")
	})

	t.Run("stuck image is bounded", func(t *testing.T) {
		t.Cleanup(func() { close(release) })
		ctx := openPage(t, mux, "/stuck")
		// added after load so navigation does not wait on it
		require.NoError(t, chromedp.Run(ctx, chromedp.Evaluate(
			`document.body.append(Object.assign(document.createElement('img'), {src: '/stuck.png'})); true`, nil)))
		start := time.Now()
		var pending int
		require.NoError(t, chromedp.Run(ctx, evaluateAsync(imagesJS(300), &pending)))
		assert.Equal(t, 1, pending)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestScripts_MeasurePrefersContentContainer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", htmlPage(
		`<div id="main"><div><div><div class="whenContentEditable"><div style="height:1234px"></div></div></div></div></div>`+
			`<div style="height:4000px"></div>`))
	ctx := openPage(t, mux, "/page")

	var measured float64
	require.NoError(t, chromedp.Run(ctx, chromedp.Evaluate(measureJS, &measured)))
	assert.InDelta(t, 1234, measured, 0.5)
}
