// Package classify extracts structured facts from page text with a
// chat-completion model.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/config"
	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

const (
	maxModelRetries = 3

	// maxPromptChars bounds how much page text one request carries.
	maxPromptChars = 24000
)

// Client implements ranker.Classifier against the chat-completions API.
type Client struct {
	cfg    config.ClassifierConfig
	http   *http.Client
	logger *zap.Logger
}

// New creates a classifier Client.
func New(cfg config.ClassifierConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}
}

// NewWithHTTPClient injects the HTTP client, primarily for testing.
func NewWithHTTPClient(cfg config.ClassifierConfig, hc *http.Client, logger *zap.Logger) *Client {
	return &Client{cfg: cfg, http: hc, logger: logger}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const pickLinksPrompt = `From the link list below, pick the company profile page and the contact page.
Answer with a single JSON object: {"about": "<url or empty>", "contact": "<url or empty>"}.
Use empty strings when no link qualifies. Do not invent URLs.

Links:
%s`

// PickLinks asks the model which of the page's links lead to the
// company profile and the contact form.
func (c *Client) PickLinks(ctx context.Context, candidates []string) (ranker.LinkPick, error) {
	if len(candidates) == 0 {
		return ranker.LinkPick{}, nil
	}
	content, err := c.complete(ctx, fmt.Sprintf(pickLinksPrompt, strings.Join(candidates, "\n")))
	if err != nil {
		return ranker.LinkPick{}, err
	}
	var pick struct {
		About   string `json:"about"`
		Contact string `json:"contact"`
	}
	if err := ParseModelJSON(content, &pick); err != nil {
		return ranker.LinkPick{}, fmt.Errorf("failed to parse link pick: %w", err)
	}
	return ranker.LinkPick{About: pick.About, Contact: pick.Contact}, nil
}

const classifyPrompt = `You are analyzing the website of a Japanese company. From the page text below,
extract the following and answer with a single JSON object, nothing else:
{
  "keywords": ["up to 5 Japanese search keywords a prospect would use to find this service"],
  "service_price": <typical monthly price of the main service in yen, integer, 0 if unknown>,
  "company_name": "<official company name or empty>",
  "phone_number": "<contact phone number or empty>",
  "corporate_contact_url": "<corporate contact page URL or empty>",
  "service_contact_url": "<service inquiry page URL or empty>",
  "email_address": "<contact email or empty>",
  "has_column_section": <true if the site runs a blog or column section>,
  "column_reason": "<one-sentence reason>",
  "has_own_offer": <true if the company sells its own service rather than reselling>,
  "own_offer_reason": "<one-sentence reason>",
  "industry": "<industry in one or two words>"
}

Page text:
%s`

// ClassifyPage extracts the structured company profile from page text.
func (c *Client) ClassifyPage(ctx context.Context, pageText string) (*ranker.PageClassification, error) {
	pageText = truncatePrompt(pageText)
	content, err := c.complete(ctx, fmt.Sprintf(classifyPrompt, pageText))
	if err != nil {
		return nil, err
	}
	var out struct {
		Keywords            []string `json:"keywords"`
		ServicePrice        int64    `json:"service_price"`
		CompanyName         string   `json:"company_name"`
		PhoneNumber         string   `json:"phone_number"`
		CorporateContactURL string   `json:"corporate_contact_url"`
		ServiceContactURL   string   `json:"service_contact_url"`
		EmailAddress        string   `json:"email_address"`
		HasColumnSection    bool     `json:"has_column_section"`
		ColumnReason        string   `json:"column_reason"`
		HasOwnOffer         bool     `json:"has_own_offer"`
		OwnOfferReason      string   `json:"own_offer_reason"`
		Industry            string   `json:"industry"`
	}
	if err := ParseModelJSON(content, &out); err != nil {
		return nil, fmt.Errorf("failed to parse classification: %w", err)
	}
	return &ranker.PageClassification{
		Keywords:            out.Keywords,
		ServicePrice:        out.ServicePrice,
		CompanyName:         out.CompanyName,
		PhoneNumber:         out.PhoneNumber,
		CorporateContactURL: out.CorporateContactURL,
		ServiceContactURL:   out.ServiceContactURL,
		EmailAddress:        out.EmailAddress,
		HasColumnSection:    out.HasColumnSection,
		ColumnReason:        out.ColumnReason,
		HasOwnOffer:         out.HasOwnOffer,
		OwnOfferReason:      out.OwnOfferReason,
		Industry:            out.Industry,
	}, nil
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode chat request: %w", err)
	}

	for attempt := 0; attempt < maxModelRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * time.Second
			c.logger.Warn("model API rate limited, backing off", zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return "", fmt.Errorf("failed to build chat request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return "", fmt.Errorf("chat request failed: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("failed to read chat response: %w", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("model API returned status %d", resp.StatusCode)
		}

		var cr chatResponse
		if err := json.Unmarshal(body, &cr); err != nil {
			return "", fmt.Errorf("failed to decode chat response: %w", err)
		}
		if len(cr.Choices) == 0 {
			return "", fmt.Errorf("model returned no choices")
		}
		return cr.Choices[0].Message.Content, nil
	}
	return "", fmt.Errorf("model API rate limited after %d attempts", maxModelRetries)
}

// truncatePrompt cuts page text to the prompt budget without splitting
// a multi-byte rune.
func truncatePrompt(text string) string {
	if len(text) <= maxPromptChars {
		return text
	}
	cut := maxPromptChars
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	return text[:cut]
}

// ParseModelJSON unmarshals the single JSON object inside a model
// reply, tolerating surrounding prose and markdown code fences.
func ParseModelJSON(content string, v any) error {
	s := strings.TrimSpace(content)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return fmt.Errorf("no JSON object in model output")
	}
	return json.Unmarshal([]byte(s[start:end+1]), v)
}
