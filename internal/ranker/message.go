package ranker

import (
	"encoding/json"
	"fmt"
	"time"
)

// TokenInfo identifies the requesting user inside a message envelope.
type TokenInfo struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// Message is the job envelope carried in a queue message body.
type Message struct {
	JobID      string         `json:"job_id"`
	Type       JobType        `json:"message_type"`
	KeywordIDs []int64        `json:"keyword_ids"`
	UserID     int64          `json:"user_id"`
	TokenInfo  TokenInfo      `json:"token_info"`
	Timestamp  time.Time      `json:"timestamp"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DecodeMessage parses a raw queue message body. A body that is not
// valid JSON or lacks a job id is malformed; an unknown job type is a
// well-formed envelope left for the router to reject.
func DecodeMessage(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message body: %w", err)
	}
	if m.JobID == "" {
		return Message{}, fmt.Errorf("message missing job_id")
	}
	return m, nil
}
