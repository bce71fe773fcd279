// Package fetcher retrieves and parses page content for the ranking
// pipeline, probing over plain HTTP first and falling back to a
// headless browser when the page looks script-rendered.
package fetcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

// htmlFetcher is the shared shape of the probe and the renderer.
type htmlFetcher interface {
	FetchHTML(ctx context.Context, url string) (body []byte, finalURL string, err error)
}

// renderer adds the session lifecycle the browser backend needs.
type renderer interface {
	htmlFetcher
	Reset(ctx context.Context) error
	Close()
}

// Fetcher implements ranker.PageFetcher.
type Fetcher struct {
	probe    htmlFetcher
	headless renderer
	logger   *zap.Logger
}

// New combines a probe and an optional headless renderer. With a nil
// renderer, script-rendered pages fail with the probe's output.
func New(probe *Probe, headless *Headless, logger *zap.Logger) *Fetcher {
	f := &Fetcher{probe: probe, logger: logger}
	if headless != nil {
		f.headless = headless
	}
	return f
}

// FetchMainPageData fetches a page and extracts its title, visible
// text and links. The probe result is promoted to the browser when it
// errors or looks like an unrendered JavaScript shell.
func (f *Fetcher) FetchMainPageData(ctx context.Context, url string) (ranker.PageData, error) {
	body, finalURL, probeErr := f.probe.FetchHTML(ctx, url)
	if probeErr == nil && !needsRender(body, defaultRenderThreshold) {
		return parsePage(body, finalURL)
	}
	if f.headless == nil {
		if probeErr != nil {
			return ranker.PageData{}, fmt.Errorf("failed to fetch %s: %w", url, probeErr)
		}
		return parsePage(body, finalURL)
	}

	if probeErr != nil {
		f.logger.Debug("probe failed, rendering with browser",
			zap.String("url", url),
			zap.Error(probeErr))
	} else {
		f.logger.Debug("page looks script-rendered, promoting to browser",
			zap.String("url", url))
	}

	rendered, renderedURL, err := f.headless.FetchHTML(ctx, url)
	if err != nil {
		if probeErr == nil {
			// A thin probe page still beats nothing.
			return parsePage(body, finalURL)
		}
		return ranker.PageData{}, fmt.Errorf("failed to render %s: %w", url, err)
	}
	return parsePage(rendered, renderedURL)
}

// Reset discards the browser session.
func (f *Fetcher) Reset(ctx context.Context) error {
	if f.headless == nil {
		return nil
	}
	return f.headless.Reset(ctx)
}

// Close releases the browser.
func (f *Fetcher) Close() {
	if f.headless != nil {
		f.headless.Close()
	}
}

// Noop is a PageFetcher for builds without any fetch backend.
type Noop struct{}

// NewNoop creates a Noop fetcher.
func NewNoop() Noop { return Noop{} }

func (Noop) FetchMainPageData(context.Context, string) (ranker.PageData, error) {
	return ranker.PageData{}, errors.New("page fetcher not configured")
}

func (Noop) Reset(context.Context) error { return nil }

func (Noop) Close() {}
