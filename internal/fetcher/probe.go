package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// ProbeConfig controls the plain HTTP probe.
type ProbeConfig struct {
	UserAgent string
	Timeout   time.Duration

	// PerHostRPS paces requests per target host. Zero disables pacing.
	PerHostRPS   float64
	PerHostBurst int
}

// Probe fetches pages over plain HTTP with a shared pooled transport.
// It is the cheap first attempt before a browser gets involved.
type Probe struct {
	cfg           ProbeConfig
	limiter       *HostLimiter
	baseCollector *colly.Collector
}

// NewProbe builds a Probe.
func NewProbe(cfg ProbeConfig) *Probe {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Probe{
		cfg:           cfg,
		limiter:       NewHostLimiter(cfg.PerHostRPS, cfg.PerHostBurst),
		baseCollector: c,
	}
}

// FetchHTML performs a single GET and returns the body and the URL the
// request ended up at after redirects.
func (p *Probe) FetchHTML(ctx context.Context, url string) ([]byte, string, error) {
	if err := p.limiter.Wait(ctx, url); err != nil {
		return nil, "", err
	}

	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	timeout := p.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var (
		body     []byte
		finalURL string
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
		finalURL = r.Request.URL.String()
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("probe got status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("probe fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, "", fmt.Errorf("probe visit failed: %w", err)
		}
		if fetchErr != nil {
			return nil, "", fmt.Errorf("probe response failed: %w", fetchErr)
		}
		return body, finalURL, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
