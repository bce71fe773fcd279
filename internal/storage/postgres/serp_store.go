package postgres

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

const serpColumns = `id, keyword_id, title, link, snippet, position, status, is_crm_duplicate,
	rank, total_weight, service_price, service_volume, site_size,
	company_name, domain_name, contact_person, phone_number,
	corporate_contact_url, service_contact_url, email_address,
	has_column_section, column_reason, has_own_offer, own_offer_reason, industry, activity_date`

// SerpStore persists per-keyword search-result rows in the
// serp_results table.
type SerpStore struct {
	db     db
	logger *zap.Logger
}

// NewSerpStore creates a SerpStore on an open connection.
func NewSerpStore(conn db, logger *zap.Logger) *SerpStore {
	return &SerpStore{db: conn, logger: logger}
}

// ListRankable returns the keyword's rows still needing rank work,
// ordered by search position.
func (s *SerpStore) ListRankable(ctx context.Context, keywordID int64) ([]ranker.SerpResult, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+serpColumns+` FROM serp_results
		 WHERE keyword_id = $1 AND status IN ('pending', 'failed', 'partial', 'processing')
		 ORDER BY position ASC`, keywordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list serp results: %w", err)
	}
	defer rows.Close()

	var out []ranker.SerpResult
	for rows.Next() {
		var (
			r      ranker.SerpResult
			status string
		)
		err := rows.Scan(
			&r.ID, &r.KeywordID, &r.Title, &r.Link, &r.Snippet, &r.Position, &status,
			&r.IsCRMDuplicate, &r.Rank, &r.TotalWeight, &r.ServicePrice, &r.ServiceVolume,
			&r.SiteSize, &r.CompanyName, &r.DomainName, &r.ContactPerson, &r.PhoneNumber,
			&r.CorporateContactURL, &r.ServiceContactURL, &r.EmailAddress,
			&r.HasColumnSection, &r.ColumnReason, &r.HasOwnOffer, &r.OwnOfferReason,
			&r.Industry, &r.ActivityDate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan serp result: %w", err)
		}
		r.Status = ranker.ItemStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read serp rows: %w", err)
	}
	return out, nil
}

// Update applies the non-nil fields of u to one row.
func (s *SerpStore) Update(ctx context.Context, id int64, u ranker.SerpUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Link != nil {
		add("link", *u.Link)
	}
	if u.Rank != nil {
		add("rank", *u.Rank)
	}
	if u.TotalWeight != nil {
		add("total_weight", *u.TotalWeight)
	}
	if u.ServicePrice != nil {
		add("service_price", *u.ServicePrice)
	}
	if u.ServiceVolume != nil {
		add("service_volume", *u.ServiceVolume)
	}
	if u.SiteSize != nil {
		add("site_size", *u.SiteSize)
	}
	if u.CompanyName != nil {
		add("company_name", *u.CompanyName)
	}
	if u.DomainName != nil {
		add("domain_name", *u.DomainName)
	}
	if u.ContactPerson != nil {
		add("contact_person", *u.ContactPerson)
	}
	if u.PhoneNumber != nil {
		add("phone_number", *u.PhoneNumber)
	}
	if u.CorporateURL != nil {
		add("corporate_contact_url", *u.CorporateURL)
	}
	if u.ServiceURL != nil {
		add("service_contact_url", *u.ServiceURL)
	}
	if u.EmailAddress != nil {
		add("email_address", *u.EmailAddress)
	}
	if u.HasColumn != nil {
		add("has_column_section", *u.HasColumn)
	}
	if u.ColumnReason != nil {
		add("column_reason", *u.ColumnReason)
	}
	if u.HasOwnOffer != nil {
		add("has_own_offer", *u.HasOwnOffer)
	}
	if u.OwnOfferReason != nil {
		add("own_offer_reason", *u.OwnOfferReason)
	}
	if u.Industry != nil {
		add("industry", *u.Industry)
	}
	if u.ActivityDate != nil {
		add("activity_date", *u.ActivityDate)
	}

	query := `UPDATE serp_results SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update serp result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ranker.ErrNotFound
	}
	return nil
}

// UpsertFetched stores deduplicated search hits as pending rows. An
// existing (keyword_id, link) row is refreshed in place.
func (s *SerpStore) UpsertFetched(ctx context.Context, keywordID int64, results []ranker.FetchedResult) error {
	for _, r := range results {
		_, err := s.db.Exec(ctx,
			`INSERT INTO serp_results
				(keyword_id, title, link, snippet, position, is_crm_duplicate, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 'pending', NOW(), NOW())
			 ON CONFLICT (keyword_id, link) DO UPDATE SET
				title = EXCLUDED.title, snippet = EXCLUDED.snippet, position = EXCLUDED.position,
				is_crm_duplicate = EXCLUDED.is_crm_duplicate, status = 'pending', updated_at = NOW()`,
			keywordID, r.Title, r.Link, r.Snippet, r.Position, r.IsCRMDuplicate)
		if err != nil {
			return fmt.Errorf("failed to upsert serp result %q: %w", r.Link, err)
		}
	}
	return nil
}

// ResetFailedToPending gives the keyword's failed rows another pass.
func (s *SerpStore) ResetFailedToPending(ctx context.Context, keywordID int64) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE serp_results SET status = 'pending', updated_at = NOW()
		 WHERE keyword_id = $1 AND status = 'failed'`, keywordID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed serp rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetProcessingToPending unsticks rows left in processing. A nil
// keywordID targets every stuck row.
func (s *SerpStore) ResetProcessingToPending(ctx context.Context, keywordID *int64) (int64, error) {
	query := `UPDATE serp_results SET status = 'pending', updated_at = NOW() WHERE status = 'processing'`
	if keywordID != nil {
		tag, err := s.db.Exec(ctx, query+` AND keyword_id = $1`, *keywordID)
		if err != nil {
			return 0, fmt.Errorf("failed to reset stuck serp rows: %w", err)
		}
		return tag.RowsAffected(), nil
	}
	tag, err := s.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck serp rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailProcessing marks rows stuck in processing as failed for the given
// keywords.
func (s *SerpStore) FailProcessing(ctx context.Context, keywordIDs []int64) (int64, error) {
	if len(keywordIDs) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE serp_results SET status = 'failed', updated_at = NOW()
		 WHERE keyword_id = ANY($1) AND status = 'processing'`, keywordIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stuck serp rows: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Warn("marked stuck serp rows failed", zap.Int64("count", n))
		return n, nil
	}
	return 0, nil
}

// Counts returns the total and failed row counts for a keyword.
func (s *SerpStore) Counts(ctx context.Context, keywordID int64) (int64, int64, error) {
	var total, failed int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'failed')
		 FROM serp_results WHERE keyword_id = $1`, keywordID).
		Scan(&total, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count serp results: %w", err)
	}
	return total, failed, nil
}
