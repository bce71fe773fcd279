package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// HeadlessConfig controls the browser-backed renderer.
type HeadlessConfig struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Headless renders pages with chromedp. One browser process is shared
// across fetches; each fetch runs in its own tab. Reset kills the
// browser so a navigation that hung Chrome cannot poison later fetches.
type Headless struct {
	cfg         HeadlessConfig
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc

	mu            sync.Mutex
	session       context.Context
	sessionCancel context.CancelFunc
}

// NewHeadless creates a Headless renderer.
func NewHeadless(cfg HeadlessConfig) (*Headless, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Headless{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close tears down the browser and the allocator.
func (h *Headless) Close() {
	h.mu.Lock()
	if h.sessionCancel != nil {
		h.sessionCancel()
		h.session = nil
		h.sessionCancel = nil
	}
	h.mu.Unlock()
	h.allocCancel()
}

// Reset discards the current browser session. The next fetch starts a
// fresh process.
func (h *Headless) Reset(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionCancel != nil {
		h.sessionCancel()
		h.session = nil
		h.sessionCancel = nil
	}
	return nil
}

func (h *Headless) sessionCtx() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil || h.session.Err() != nil {
		if h.sessionCancel != nil {
			h.sessionCancel()
		}
		h.session, h.sessionCancel = chromedp.NewContext(h.allocator)
	}
	return h.session
}

// FetchHTML navigates in a fresh tab and returns the rendered DOM.
func (h *Headless) FetchHTML(ctx context.Context, url string) ([]byte, string, error) {
	if err := h.acquire(ctx); err != nil {
		return nil, "", err
	}
	defer h.release()

	tabCtx, tabCancel := chromedp.NewContext(h.sessionCtx())
	defer tabCancel()

	runCtx, cancel := context.WithTimeout(tabCtx, h.cfg.NavigationTimeout)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		h.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return nil, "", fmt.Errorf("chromedp run: %w", err)
	}
	return []byte(html), finalURL, nil
}

func (h *Headless) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if h.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(h.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (h *Headless) acquire(ctx context.Context) error {
	if h.limiter == nil {
		return nil
	}
	select {
	case h.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (h *Headless) release() {
	if h.limiter == nil {
		return
	}
	select {
	case <-h.limiter:
	default:
	}
}
