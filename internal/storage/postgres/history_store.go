package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

const historyColumns = `id, message_id, job_id, job_type, keyword_ids, user_id, user_full_name,
	status, retry_count, receive_count, queue_name, receipt_handle, error_code, error_details,
	queued_at, started_processing_at, completed_at, created_at, updated_at`

// HistoryStore persists per-message lifecycle records in the
// sqs_message_history table.
type HistoryStore struct {
	db     db
	logger *zap.Logger
}

// NewHistoryStore creates a HistoryStore on an open connection.
func NewHistoryStore(conn db, logger *zap.Logger) *HistoryStore {
	return &HistoryStore{db: conn, logger: logger}
}

func scanHistory(row pgx.Row) (ranker.HistoryRecord, error) {
	var (
		rec     ranker.HistoryRecord
		jobType string
		status  string
	)
	err := row.Scan(
		&rec.ID, &rec.MessageID, &rec.JobID, &jobType, &rec.KeywordIDs, &rec.UserID,
		&rec.UserFullName, &status, &rec.RetryCount, &rec.ReceiveCount, &rec.QueueName,
		&rec.ReceiptHandle, &rec.ErrorCode, &rec.ErrorDetails, &rec.QueuedAt,
		&rec.StartedAt, &rec.CompletedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return ranker.HistoryRecord{}, err
	}
	rec.JobType = ranker.JobType(jobType)
	rec.Status = ranker.MessageStatus(status)
	return rec, nil
}

// GetByMessageID returns the record for a queue message id.
func (s *HistoryStore) GetByMessageID(ctx context.Context, messageID string) (ranker.HistoryRecord, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+historyColumns+` FROM sqs_message_history WHERE message_id = $1`, messageID)
	rec, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ranker.HistoryRecord{}, ranker.ErrNotFound
	}
	if err != nil {
		return ranker.HistoryRecord{}, fmt.Errorf("failed to get message history: %w", err)
	}
	return rec, nil
}

// GetByJobID returns the record for a logical job id.
func (s *HistoryStore) GetByJobID(ctx context.Context, jobID string) (ranker.HistoryRecord, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+historyColumns+` FROM sqs_message_history WHERE job_id = $1 ORDER BY created_at DESC LIMIT 1`, jobID)
	rec, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ranker.HistoryRecord{}, ranker.ErrNotFound
	}
	if err != nil {
		return ranker.HistoryRecord{}, fmt.Errorf("failed to get message history by job: %w", err)
	}
	return rec, nil
}

// Upsert creates or updates the record for p.MessageID. Redeliveries of
// a message already in processing or completed only advance the receive
// count; they never drag the status back to queued.
func (s *HistoryStore) Upsert(ctx context.Context, p ranker.UpsertParams) (ranker.HistoryRecord, error) {
	existing, err := s.GetByMessageID(ctx, p.MessageID)
	if errors.Is(err, ranker.ErrNotFound) {
		rec, insErr := s.insert(ctx, p)
		if isUniqueViolation(insErr) {
			// Lost a create race with a concurrent consumer.
			existing, err = s.GetByMessageID(ctx, p.MessageID)
			if err != nil {
				return ranker.HistoryRecord{}, err
			}
			return s.update(ctx, existing, p)
		}
		return rec, insErr
	}
	if err != nil {
		return ranker.HistoryRecord{}, err
	}
	return s.update(ctx, existing, p)
}

func (s *HistoryStore) insert(ctx context.Context, p ranker.UpsertParams) (ranker.HistoryRecord, error) {
	receiveCount := p.ReceiveCount
	if receiveCount <= 0 {
		receiveCount = 1
	}
	row := s.db.QueryRow(ctx,
		`INSERT INTO sqs_message_history
			(message_id, job_id, job_type, keyword_ids, user_id, user_full_name, status,
			 queue_name, receipt_handle, receive_count, retry_count, queued_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, NOW(), NOW(), NOW())
		 RETURNING `+historyColumns,
		p.MessageID, p.JobID, string(p.JobType), p.KeywordIDs, p.UserID, p.UserFullName,
		string(p.Status), p.QueueName, p.ReceiptHandle, receiveCount)
	rec, err := scanHistory(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ranker.HistoryRecord{}, err
		}
		return ranker.HistoryRecord{}, fmt.Errorf("failed to insert message history: %w", err)
	}
	return rec, nil
}

func (s *HistoryStore) update(ctx context.Context, existing ranker.HistoryRecord, p ranker.UpsertParams) (ranker.HistoryRecord, error) {
	regressed := p.Status == ranker.StatusQueued &&
		(existing.Status == ranker.StatusProcessing || existing.Status == ranker.StatusCompleted)
	if regressed {
		receiveCount := p.ReceiveCount
		if receiveCount <= 0 {
			receiveCount = existing.ReceiveCount + 1
		}
		s.logger.Warn("ignoring status regression on redelivery",
			zap.String("message_id", p.MessageID),
			zap.String("current_status", string(existing.Status)),
			zap.Int("receive_count", receiveCount))
		row := s.db.QueryRow(ctx,
			`UPDATE sqs_message_history SET receive_count = $2, updated_at = NOW()
			 WHERE message_id = $1 RETURNING `+historyColumns,
			p.MessageID, receiveCount)
		rec, err := scanHistory(row)
		if err != nil {
			return ranker.HistoryRecord{}, fmt.Errorf("failed to update receive count: %w", err)
		}
		return rec, nil
	}

	if existing.Status == ranker.StatusFailed && p.Status == ranker.StatusQueued {
		s.logger.Info("failed message re-queued for manual retry",
			zap.String("message_id", p.MessageID))
	}

	// Blank incoming fields keep their stored values.
	jobType := string(p.JobType)
	if jobType == "" {
		jobType = string(existing.JobType)
	}
	jobID := p.JobID
	if jobID == "" {
		jobID = existing.JobID
	}
	keywordIDs := p.KeywordIDs
	if len(keywordIDs) == 0 {
		keywordIDs = existing.KeywordIDs
	}
	userID := p.UserID
	if userID == nil {
		userID = existing.UserID
	}
	fullName := p.UserFullName
	if fullName == "" {
		fullName = existing.UserFullName
	}
	queueName := p.QueueName
	if queueName == "" {
		queueName = existing.QueueName
	}
	receiptHandle := p.ReceiptHandle
	if receiptHandle == "" {
		receiptHandle = existing.ReceiptHandle
	}
	receiveCount := p.ReceiveCount
	if receiveCount <= 0 {
		receiveCount = existing.ReceiveCount
	}
	status := string(p.Status)
	if status == "" {
		status = string(existing.Status)
	}

	row := s.db.QueryRow(ctx,
		`UPDATE sqs_message_history SET
			job_id = $2, job_type = $3, keyword_ids = $4, user_id = $5, user_full_name = $6,
			status = $7, queue_name = $8, receipt_handle = $9, receive_count = $10, updated_at = NOW()
		 WHERE message_id = $1 RETURNING `+historyColumns,
		p.MessageID, jobID, jobType, keywordIDs, userID, fullName, status, queueName,
		receiptHandle, receiveCount)
	rec, err := scanHistory(row)
	if err != nil {
		return ranker.HistoryRecord{}, fmt.Errorf("failed to update message history: %w", err)
	}
	return rec, nil
}

// UpdateStatus transitions a record and stamps the timestamp matching
// the new status.
func (s *HistoryStore) UpdateStatus(ctx context.Context, messageID string, status ranker.MessageStatus, errCode, errDetails string) (ranker.HistoryRecord, error) {
	var row pgx.Row
	switch status {
	case ranker.StatusProcessing:
		row = s.db.QueryRow(ctx,
			`UPDATE sqs_message_history SET status = $2, started_processing_at = NOW(), updated_at = NOW()
			 WHERE message_id = $1 RETURNING `+historyColumns,
			messageID, string(status))
	case ranker.StatusCompleted:
		row = s.db.QueryRow(ctx,
			`UPDATE sqs_message_history SET status = $2, completed_at = NOW(), updated_at = NOW()
			 WHERE message_id = $1 RETURNING `+historyColumns,
			messageID, string(status))
	case ranker.StatusFailed, ranker.StatusDLQ:
		row = s.db.QueryRow(ctx,
			`UPDATE sqs_message_history SET status = $2, error_code = $3, error_details = $4,
				completed_at = NOW(), updated_at = NOW()
			 WHERE message_id = $1 RETURNING `+historyColumns,
			messageID, string(status), errCode, errDetails)
	default:
		row = s.db.QueryRow(ctx,
			`UPDATE sqs_message_history SET status = $2, updated_at = NOW()
			 WHERE message_id = $1 RETURNING `+historyColumns,
			messageID, string(status))
	}
	rec, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ranker.HistoryRecord{}, ranker.ErrNotFound
	}
	if err != nil {
		return ranker.HistoryRecord{}, fmt.Errorf("failed to update message status: %w", err)
	}
	return rec, nil
}

// CancelByJobID marks a queued or processing record cancelled.
func (s *HistoryStore) CancelByJobID(ctx context.Context, jobID string) (ranker.HistoryRecord, error) {
	return s.cancel(ctx, "job_id", jobID)
}

// CancelByMessageID marks a queued or processing record cancelled.
func (s *HistoryStore) CancelByMessageID(ctx context.Context, messageID string) (ranker.HistoryRecord, error) {
	return s.cancel(ctx, "message_id", messageID)
}

func (s *HistoryStore) cancel(ctx context.Context, column, value string) (ranker.HistoryRecord, error) {
	row := s.db.QueryRow(ctx,
		`UPDATE sqs_message_history SET status = 'cancelled', updated_at = NOW()
		 WHERE `+column+` = $1 AND status IN ('queued', 'processing')
		 RETURNING `+historyColumns, value)
	rec, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing record from one past cancellation.
		var existing ranker.HistoryRecord
		if column == "job_id" {
			existing, err = s.GetByJobID(ctx, value)
		} else {
			existing, err = s.GetByMessageID(ctx, value)
		}
		if err != nil {
			return ranker.HistoryRecord{}, err
		}
		s.logger.Warn("cancel requested for non-cancellable record",
			zap.String(column, value),
			zap.String("status", string(existing.Status)))
		return ranker.HistoryRecord{}, ranker.ErrNotCancellable
	}
	if err != nil {
		return ranker.HistoryRecord{}, fmt.Errorf("failed to cancel message: %w", err)
	}
	return rec, nil
}

// ListRecent returns recent records, optionally narrowed by status and
// job type, newest first.
func (s *HistoryStore) ListRecent(ctx context.Context, f ranker.HistoryFilter) ([]ranker.HistoryRecord, error) {
	var (
		clauses []string
		args    []any
	)
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(f.JobTypes) > 0 {
		types := make([]string, len(f.JobTypes))
		for i, jt := range f.JobTypes {
			types[i] = string(jt)
		}
		args = append(args, types)
		clauses = append(clauses, fmt.Sprintf("job_type = ANY($%d)", len(args)))
	}
	query := `SELECT ` + historyColumns + ` FROM sqs_message_history`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list message history: %w", err)
	}
	defer rows.Close()
	return collectHistory(rows)
}

// ListProcessing returns records currently in processing, oldest first.
func (s *HistoryStore) ListProcessing(ctx context.Context) ([]ranker.HistoryRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+historyColumns+` FROM sqs_message_history
		 WHERE status = 'processing' ORDER BY started_processing_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing messages: %w", err)
	}
	defer rows.Close()
	return collectHistory(rows)
}

func collectHistory(rows pgx.Rows) ([]ranker.HistoryRecord, error) {
	var out []ranker.HistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message history row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message history rows: %w", err)
	}
	return out, nil
}

// IncrementRetryCount bumps the manual retry counter.
func (s *HistoryStore) IncrementRetryCount(ctx context.Context, messageID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE sqs_message_history SET retry_count = retry_count + 1, updated_at = NOW()
		 WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ranker.ErrNotFound
	}
	return nil
}
