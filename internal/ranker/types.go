// Package ranker defines core types shared across subsystems.
package ranker

import (
	"time"
)

// MessageStatus represents the lifecycle state of a queue message.
type MessageStatus string

// Message status values persisted in the history store.
const (
	StatusQueued     MessageStatus = "queued"
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
	StatusDLQ        MessageStatus = "dlq"
	StatusCancelled  MessageStatus = "cancelled"
	StatusDeleted    MessageStatus = "deleted"
)

// JobType is the closed set of work kinds a message can carry.
// Routing switches over it exhaustively; anything outside the set is a
// structural rejection, never a silent fallthrough.
type JobType string

// Job type values carried in the message envelope.
const (
	JobFetch       JobType = "fetch"
	JobPartialRank JobType = "partial_rank"
	JobFullRank    JobType = "full_rank"
)

// Valid reports whether t is one of the routable job types.
func (t JobType) Valid() bool {
	switch t {
	case JobFetch, JobPartialRank, JobFullRank:
		return true
	}
	return false
}

// Phase identifies which per-keyword status column a job type drives.
type Phase string

// Keyword phase columns.
const (
	PhaseFetch       Phase = "fetch"
	PhaseRank        Phase = "rank"
	PhasePartialRank Phase = "partial_rank"
)

// PhaseFor maps a job type to the keyword phase it mutates.
func PhaseFor(t JobType) (Phase, bool) {
	switch t {
	case JobFetch:
		return PhaseFetch, true
	case JobFullRank:
		return PhaseRank, true
	case JobPartialRank:
		return PhasePartialRank, true
	}
	return "", false
}

// ItemStatus is the small state machine shared by keywords and their
// search results.
type ItemStatus string

// Item status values.
const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemSuccess    ItemStatus = "success"
	ItemFailed     ItemStatus = "failed"
	ItemPartial    ItemStatus = "partial"
	ItemCancelled  ItemStatus = "cancelled"
	ItemWaiting    ItemStatus = "waiting"
)

// HistoryRecord is one row per physical queue message, keyed by the
// queue-assigned message id. Terminal rows are retained for audit.
type HistoryRecord struct {
	ID            int64
	MessageID     string
	JobID         string
	JobType       JobType
	KeywordIDs    []int64
	UserID        *int64
	UserFullName  string
	Status        MessageStatus
	RetryCount    int
	ReceiveCount  int
	QueueName     string
	ReceiptHandle string
	ErrorCode     string
	ErrorDetails  string
	QueuedAt      *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Keyword is a target item: each phase tracks its own status.
type Keyword struct {
	ID                int64
	Keyword           string
	FetchStatus       ItemStatus
	RankStatus        ItemStatus
	PartialRankStatus ItemStatus
	CreatedByUserID   int64
	UpdatedAt         time.Time
}

// SerpResult is one search-result row belonging to a keyword. Failure of
// a single row is independent; it only aggregates into the parent
// keyword's final phase status.
type SerpResult struct {
	ID             int64
	KeywordID      int64
	Title          string
	Link           string
	Snippet        string
	Position       int
	Status         ItemStatus
	IsCRMDuplicate bool

	Rank          string
	TotalWeight   float64
	ServicePrice  int64
	ServiceVolume int64
	SiteSize      int64

	CompanyName         string
	DomainName          string
	ContactPerson       string
	PhoneNumber         string
	CorporateContactURL string
	ServiceContactURL   string
	EmailAddress        string
	HasColumnSection    *bool
	ColumnReason        string
	HasOwnOffer         *bool
	OwnOfferReason      string
	Industry            string
	ActivityDate        *time.Time
}

// FetchedResult is a deduplicated search hit produced by the fetch flow,
// persisted as pending rows for later ranking.
type FetchedResult struct {
	Title          string
	Link           string
	Snippet        string
	Position       int
	IsCRMDuplicate bool
}

// WeightedMetric is a configured metric weight (weights need not sum to 1).
type WeightedMetric struct {
	Label string
	Value float64
}

// RankThreshold maps a rank label to its numeric cutoff.
type RankThreshold struct {
	Label string
	Value float64
}

// ScoreSettings is the rarely-changing scoring configuration, read once
// per job and never written by the pipeline.
type ScoreSettings struct {
	Metrics    []WeightedMetric
	Thresholds []RankThreshold
}

// QueueMessage is one physical delivery received from the queue.
type QueueMessage struct {
	MessageID     string
	ReceiptHandle string
	Body          []byte
	ReceiveCount  int
}

// QueueStats is a point-in-time depth snapshot of the job queue.
type QueueStats struct {
	Available int
	InFlight  int
	Delayed   int
}
