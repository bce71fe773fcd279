package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

// phaseColumns maps a phase to its status column. Column names come
// from this table only, never from caller input.
var phaseColumns = map[ranker.Phase]string{
	ranker.PhaseFetch:       "fetch_status",
	ranker.PhaseRank:        "rank_status",
	ranker.PhasePartialRank: "partial_rank_status",
}

// KeywordStore reads and mutates per-keyword phase state in the
// keywords table.
type KeywordStore struct {
	db     db
	logger *zap.Logger
}

// NewKeywordStore creates a KeywordStore on an open connection.
func NewKeywordStore(conn db, logger *zap.Logger) *KeywordStore {
	return &KeywordStore{db: conn, logger: logger}
}

// Get returns one keyword by id.
func (s *KeywordStore) Get(ctx context.Context, id int64) (ranker.Keyword, error) {
	var (
		kw      ranker.Keyword
		fetch   string
		rank    string
		partial string
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, keyword, fetch_status, rank_status, partial_rank_status, created_by_user_id, updated_at
		 FROM keywords WHERE id = $1`, id).
		Scan(&kw.ID, &kw.Keyword, &fetch, &rank, &partial, &kw.CreatedByUserID, &kw.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ranker.Keyword{}, ranker.ErrNotFound
	}
	if err != nil {
		return ranker.Keyword{}, fmt.Errorf("failed to get keyword: %w", err)
	}
	kw.FetchStatus = ranker.ItemStatus(fetch)
	kw.RankStatus = ranker.ItemStatus(rank)
	kw.PartialRankStatus = ranker.ItemStatus(partial)
	return kw, nil
}

// SetPhaseStatus updates one phase column for a batch of keywords.
func (s *KeywordStore) SetPhaseStatus(ctx context.Context, ids []int64, phase ranker.Phase, status ranker.ItemStatus) error {
	if len(ids) == 0 {
		return nil
	}
	column, ok := phaseColumns[phase]
	if !ok {
		return fmt.Errorf("unknown keyword phase %q", phase)
	}
	_, err := s.db.Exec(ctx,
		`UPDATE keywords SET `+column+` = $1, updated_at = NOW() WHERE id = ANY($2)`,
		string(status), ids)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", column, err)
	}
	return nil
}

// ResetProcessingToPending unsticks keyword rows left in processing. A
// nil keywordID targets every stuck row. Returned counts are keyed by
// column name.
func (s *KeywordStore) ResetProcessingToPending(ctx context.Context, keywordID *int64) (map[string]int64, error) {
	counts := make(map[string]int64, len(phaseColumns))
	for _, phase := range []ranker.Phase{ranker.PhaseFetch, ranker.PhaseRank, ranker.PhasePartialRank} {
		column := phaseColumns[phase]
		query := `UPDATE keywords SET ` + column + ` = 'pending', updated_at = NOW() WHERE ` + column + ` = 'processing'`
		var (
			tag pgconn.CommandTag
			err error
		)
		if keywordID != nil {
			tag, err = s.db.Exec(ctx, query+` AND id = $1`, *keywordID)
		} else {
			tag, err = s.db.Exec(ctx, query)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to reset %s: %w", column, err)
		}
		counts[column] = tag.RowsAffected()
	}
	s.logger.Info("reset stuck keyword rows",
		zap.Int64("fetch", counts["fetch_status"]),
		zap.Int64("rank", counts["rank_status"]),
		zap.Int64("partial_rank", counts["partial_rank_status"]))
	return counts, nil
}
