// Package crm checks fetched domains against the CRM so already-known
// companies can be flagged before anyone works the lead.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/config"
)

// Client implements ranker.CRMClient against the HubSpot companies API.
type Client struct {
	cfg    config.CRMConfig
	http   *http.Client
	logger *zap.Logger
}

// New creates a CRM client.
func New(cfg config.CRMConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// NewWithHTTPClient injects the HTTP client, primarily for testing.
func NewWithHTTPClient(cfg config.CRMConfig, hc *http.Client, logger *zap.Logger) *Client {
	return &Client{cfg: cfg, http: hc, logger: logger}
}

type searchRequest struct {
	FilterGroups []filterGroup `json:"filterGroups"`
	Limit        int           `json:"limit"`
}

type filterGroup struct {
	Filters []filter `json:"filters"`
}

type filter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type searchResult struct {
	Total int `json:"total"`
}

// IsDuplicateDomain reports whether a company with this domain already
// exists in the CRM.
func (c *Client) IsDuplicateDomain(ctx context.Context, domain string) (bool, error) {
	payload, err := json.Marshal(searchRequest{
		FilterGroups: []filterGroup{{
			Filters: []filter{{
				PropertyName: "domain",
				Operator:     "EQ",
				Value:        domain,
			}},
		}},
		Limit: 1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to encode company search: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/crm/v3/objects/companies/search", bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("failed to build company search: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("company search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("company search returned status %d", resp.StatusCode)
	}
	var result searchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("failed to decode company search: %w", err)
	}
	return result.Total > 0, nil
}
