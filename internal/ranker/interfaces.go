package ranker

import (
	"context"
	"time"
)

// UpsertParams carries the fields recorded when a message enters or
// re-enters processing.
type UpsertParams struct {
	MessageID     string
	JobID         string
	JobType       JobType
	KeywordIDs    []int64
	UserID        *int64
	UserFullName  string
	Status        MessageStatus
	QueueName     string
	ReceiptHandle string
	ReceiveCount  int
}

// HistoryFilter narrows history listings.
type HistoryFilter struct {
	Statuses []MessageStatus
	JobTypes []JobType
	Limit    int
}

// HistoryStore persists per-message lifecycle records.
type HistoryStore interface {
	// Upsert creates the record for MessageID or updates it, applying
	// the regression guard: processing and completed rows never move
	// back to queued, only their receive count and timestamps advance.
	Upsert(ctx context.Context, p UpsertParams) (HistoryRecord, error)

	// UpdateStatus transitions a record and stamps the matching
	// timestamp. Failure statuses also record errCode and errDetails.
	UpdateStatus(ctx context.Context, messageID string, status MessageStatus, errCode, errDetails string) (HistoryRecord, error)

	GetByMessageID(ctx context.Context, messageID string) (HistoryRecord, error)
	GetByJobID(ctx context.Context, jobID string) (HistoryRecord, error)

	// CancelByJobID marks a queued or processing record cancelled.
	// Records in any other state return ErrNotCancellable.
	CancelByJobID(ctx context.Context, jobID string) (HistoryRecord, error)
	CancelByMessageID(ctx context.Context, messageID string) (HistoryRecord, error)

	ListRecent(ctx context.Context, f HistoryFilter) ([]HistoryRecord, error)
	ListProcessing(ctx context.Context) ([]HistoryRecord, error)
	IncrementRetryCount(ctx context.Context, messageID string) error
}

// KeywordStore reads and mutates per-keyword phase state.
type KeywordStore interface {
	Get(ctx context.Context, id int64) (Keyword, error)
	SetPhaseStatus(ctx context.Context, ids []int64, phase Phase, status ItemStatus) error

	// ResetProcessingToPending unsticks rows left in processing by a
	// crashed worker. A nil keywordID targets all rows. Returned counts
	// are keyed by phase column name.
	ResetProcessingToPending(ctx context.Context, keywordID *int64) (map[string]int64, error)
}

// SerpUpdate is a partial update applied to one search-result row.
// Nil fields are left untouched.
type SerpUpdate struct {
	Status         *ItemStatus
	Link           *string
	Rank           *string
	TotalWeight    *float64
	ServicePrice   *int64
	ServiceVolume  *int64
	SiteSize       *int64
	CompanyName    *string
	DomainName     *string
	ContactPerson  *string
	PhoneNumber    *string
	CorporateURL   *string
	ServiceURL     *string
	EmailAddress   *string
	HasColumn      *bool
	ColumnReason   *string
	HasOwnOffer    *bool
	OwnOfferReason *string
	Industry       *string
	ActivityDate   *time.Time
}

// SerpStore persists search-result rows and their per-row status.
type SerpStore interface {
	// ListRankable returns the keyword's rows still needing rank work
	// (pending, failed, partial or processing) ordered by position.
	ListRankable(ctx context.Context, keywordID int64) ([]SerpResult, error)

	Update(ctx context.Context, id int64, u SerpUpdate) error
	UpsertFetched(ctx context.Context, keywordID int64, results []FetchedResult) error

	ResetFailedToPending(ctx context.Context, keywordID int64) (int64, error)
	ResetProcessingToPending(ctx context.Context, keywordID *int64) (int64, error)

	// FailProcessing marks rows stuck in processing as failed, used
	// when their parent message exceeds its retry budget.
	FailProcessing(ctx context.Context, keywordIDs []int64) (int64, error)

	Counts(ctx context.Context, keywordID int64) (total, failed int64, err error)
}

// ScoreStore loads the scoring configuration.
type ScoreStore interface {
	Load(ctx context.Context) (ScoreSettings, error)
}

// Queue is the consumer-side view of the job queue.
type Queue interface {
	Receive(ctx context.Context) ([]QueueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error
}

// SearchItem is one organic result returned by the search client.
type SearchItem struct {
	Title   string
	Link    string
	Snippet string
}

// SearchClient talks to the external search and keyword-metrics APIs.
type SearchClient interface {
	// FetchTopResults returns up to the top 100 organic results.
	FetchTopResults(ctx context.Context, keyword string) ([]SearchItem, error)

	// SiteSize returns the approximate number of indexed pages for a
	// domain, 0 when unknown.
	SiteSize(ctx context.Context, domain string) (int64, error)

	SearchVolume(ctx context.Context, term string) (int64, error)
	SearchVolumesBatch(ctx context.Context, terms []string) (map[string]int64, error)
}

// PageData is the probe output for a fetched page.
type PageData struct {
	EffectiveURL string
	Title        string
	Text         string
	Links        []string
}

// PageFetcher retrieves rendered page content. Implementations hold a
// browser session; Reset discards it so a hung navigation cannot leak
// into later fetches.
type PageFetcher interface {
	FetchMainPageData(ctx context.Context, url string) (PageData, error)
	Reset(ctx context.Context) error
	Close()
}

// LinkPick is the classifier's choice of company and contact pages.
type LinkPick struct {
	About   string
	Contact string
}

// PageClassification is the structured extraction for one page.
type PageClassification struct {
	Keywords            []string
	ServicePrice        int64
	CompanyName         string
	PhoneNumber         string
	CorporateContactURL string
	ServiceContactURL   string
	EmailAddress        string
	HasColumnSection    bool
	ColumnReason        string
	HasOwnOffer         bool
	OwnOfferReason      string
	Industry            string
}

// Classifier extracts structured facts from page text.
type Classifier interface {
	PickLinks(ctx context.Context, candidates []string) (LinkPick, error)
	ClassifyPage(ctx context.Context, pageText string) (*PageClassification, error)
}

// CRMClient answers duplicate checks against the CRM.
type CRMClient interface {
	IsDuplicateDomain(ctx context.Context, domain string) (bool, error)
}

// Clock abstracts wall-clock access for deterministic tests.
type Clock interface {
	Now() time.Time
}
