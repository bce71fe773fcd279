package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

func TestKeywordGet(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewKeywordStore(mock, zap.NewNop())
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT (.+) FROM keywords WHERE id").
		WithArgs(int64(10)).
		WillReturnRows(mock.NewRows([]string{
			"id", "keyword", "fetch_status", "rank_status", "partial_rank_status",
			"created_by_user_id", "updated_at",
		}).AddRow(int64(10), "seo tools", "success", "pending", "pending", int64(7), now))

	kw, err := store.Get(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, "seo tools", kw.Keyword)
	require.Equal(t, ranker.ItemSuccess, kw.FetchStatus)
	require.Equal(t, ranker.ItemPending, kw.RankStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeywordGetNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewKeywordStore(mock, zap.NewNop())

	mock.ExpectQuery("SELECT (.+) FROM keywords WHERE id").
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)

	_, err = store.Get(context.Background(), 99)
	require.ErrorIs(t, err, ranker.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPhaseStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewKeywordStore(mock, zap.NewNop())

	mock.ExpectExec("UPDATE keywords SET rank_status").
		WithArgs("processing", []int64{10, 11}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	err = store.SetPhaseStatus(context.Background(), []int64{10, 11}, ranker.PhaseRank, ranker.ItemProcessing)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPhaseStatusEmptyIDsIsNoop(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewKeywordStore(mock, zap.NewNop())
	err = store.SetPhaseStatus(context.Background(), nil, ranker.PhaseFetch, ranker.ItemPending)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPhaseStatusUnknownPhase(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewKeywordStore(mock, zap.NewNop())
	err = store.SetPhaseStatus(context.Background(), []int64{1}, ranker.Phase("bogus"), ranker.ItemPending)
	require.Error(t, err)
}

func TestKeywordResetProcessingToPending(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewKeywordStore(mock, zap.NewNop())

	mock.ExpectExec("UPDATE keywords SET fetch_status = 'pending'").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec("UPDATE keywords SET rank_status = 'pending'").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE keywords SET partial_rank_status = 'pending'").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	counts, err := store.ResetProcessingToPending(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts["fetch_status"])
	require.Equal(t, int64(1), counts["rank_status"])
	require.Equal(t, int64(0), counts["partial_rank_status"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeywordResetProcessingToPendingScoped(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewKeywordStore(mock, zap.NewNop())
	id := int64(10)

	mock.ExpectExec("UPDATE keywords SET fetch_status = 'pending'").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE keywords SET rank_status = 'pending'").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("UPDATE keywords SET partial_rank_status = 'pending'").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	counts, err := store.ResetProcessingToPending(context.Background(), &id)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts["fetch_status"])
	require.NoError(t, mock.ExpectationsWereMet())
}
