package serp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/koyorikoyote/datascraper-api-example/internal/metrics"
)

const (
	// volumeBatchSize is the volume API's per-request term limit.
	volumeBatchSize = 50

	// maxTermBytes is the API's term length limit; longer terms are
	// truncated rather than rejected.
	maxTermBytes = 80
)

type volumeRequest struct {
	Keywords []string `json:"keywords"`
}

type volumeResponse struct {
	Volumes map[string]int64 `json:"volumes"`
}

// SearchVolume returns the monthly search volume for one term.
func (c *Client) SearchVolume(ctx context.Context, term string) (int64, error) {
	volumes, err := c.SearchVolumesBatch(ctx, []string{term})
	if err != nil {
		return 0, err
	}
	return volumes[truncateTerm(term)], nil
}

// SearchVolumesBatch returns monthly volumes keyed by the (possibly
// truncated) term, batching requests to the API limit. Terms the API
// does not know are absent from the map.
func (c *Client) SearchVolumesBatch(ctx context.Context, terms []string) (map[string]int64, error) {
	prepared := make([]string, 0, len(terms))
	for _, t := range terms {
		if t == "" {
			continue
		}
		prepared = append(prepared, truncateTerm(t))
	}
	out := make(map[string]int64, len(prepared))
	for start := 0; start < len(prepared); start += volumeBatchSize {
		end := start + volumeBatchSize
		if end > len(prepared) {
			end = len(prepared)
		}
		batch, err := c.volumeBatch(ctx, prepared[start:end])
		if err != nil {
			return nil, err
		}
		for term, v := range batch {
			out[term] = v
		}
	}
	return out, nil
}

func (c *Client) volumeBatch(ctx context.Context, terms []string) (map[string]int64, error) {
	payload, err := json.Marshal(volumeRequest{Keywords: terms})
	if err != nil {
		return nil, fmt.Errorf("failed to encode volume request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.VolumeBaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build volume request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.VolumeAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.VolumeAPIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("volume request failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.ObserveSearchRequest("volume", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("volume API returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read volume response: %w", err)
	}
	var vr volumeResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return nil, fmt.Errorf("failed to decode volume response: %w", err)
	}
	return vr.Volumes, nil
}

// truncateTerm cuts a term to the API byte limit without splitting a
// multi-byte rune.
func truncateTerm(term string) string {
	if len(term) <= maxTermBytes {
		return term
	}
	cut := maxTermBytes
	for cut > 0 && !utf8Start(term[cut]) {
		cut--
	}
	return term[:cut]
}

// utf8Start reports whether b begins a UTF-8 rune.
func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
