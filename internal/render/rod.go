package render

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const (
	defaultWidth = 700
	defaultScale = 2.0
)

// Config controls image output and browser selection.
type Config struct {
	// Width is the CSS pixel width of the rendered document. Zero
	// selects the default.
	Width int
	// Scale is the device scale factor. Zero selects the default.
	Scale float64
	// BrowserPath pins the Chromium binary. Empty lets the launcher
	// find or download one.
	BrowserPath string
	Logger      *slog.Logger
}

// Renderer owns a headless Chromium and screenshots HTML documents
// into PNGs. The browser launches lazily on first use and is reused
// across renders; renders are serialized through a single page at a
// time.
type Renderer struct {
	width  int
	scale  float64
	bin    string
	logger *slog.Logger

	mu      sync.Mutex
	lc      *launcher.Launcher
	browser *rod.Browser
}

// NewRenderer creates a renderer from cfg.
func NewRenderer(cfg Config) *Renderer {
	if cfg.Width <= 0 {
		cfg.Width = defaultWidth
	}
	if cfg.Scale <= 0 {
		cfg.Scale = defaultScale
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Renderer{
		width:  cfg.Width,
		scale:  cfg.Scale,
		bin:    cfg.BrowserPath,
		logger: cfg.Logger,
	}
}

// Render converts markdown into a PNG. Any failure leaves the caller
// to deliver the markdown as plain text instead.
func (r *Renderer) Render(ctx context.Context, markdown string) ([]byte, error) {
	html, err := Page(markdown, r.width)
	if err != nil {
		return nil, err
	}
	return r.screenshot(ctx, html)
}

func (r *Renderer) screenshot(ctx context.Context, html string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	browser, err := r.ensureBrowserLocked()
	if err != nil {
		return nil, err
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()
	page = page.Context(ctx)

	// Height is a placeholder: the full-page screenshot below extends
	// to the rendered document height.
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             r.width,
		Height:            10,
		DeviceScaleFactor: r.scale,
		Mobile:            false,
	}).Call(page); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	if err := page.SetDocumentContent(html); err != nil {
		return nil, fmt.Errorf("set document content: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait for load: %w", err)
	}

	png, err := page.Screenshot(true, nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}

	r.logger.Debug("rendered image", "bytes", len(png), "width", r.width)
	return png, nil
}

// ensureBrowserLocked returns a live browser, launching or relaunching
// Chromium as needed. Caller must hold r.mu.
func (r *Renderer) ensureBrowserLocked() (*rod.Browser, error) {
	if r.browser != nil {
		if _, err := r.browser.Version(); err == nil {
			return r.browser, nil
		}
		r.logger.Warn("browser connection stale, relaunching")
		r.closeLocked()
	}

	lc := launcher.New().Headless(true)
	if r.bin != "" {
		lc = lc.Bin(r.bin)
	}
	controlURL, err := lc.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		lc.Kill()
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}

	r.lc = lc
	r.browser = browser
	r.logger.Info("headless browser started")
	return browser, nil
}

// Close shuts down the browser and its process. Safe to call when the
// browser never launched.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

func (r *Renderer) closeLocked() {
	if r.browser != nil {
		if err := r.browser.Close(); err != nil {
			r.logger.Debug("browser close", "error", err)
		}
		r.browser = nil
	}
	if r.lc != nil {
		r.lc.Kill()
		r.lc = nil
	}
}
