package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type submitJobRequest struct {
	JobType    string            `json:"job_type"`
	KeywordIDs []int64           `json:"keyword_ids"`
	Token      *ranker.TokenInfo `json:"token_info"`
	Metadata   map[string]any    `json:"metadata"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobType := ranker.JobType(req.JobType)
	if !jobType.Valid() {
		s.writeError(w, http.StatusBadRequest, "unsupported job_type")
		return
	}
	if len(req.KeywordIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "keyword_ids must not be empty")
		return
	}
	var token ranker.TokenInfo
	if req.Token != nil {
		token = *req.Token
	}

	rec, err := s.producer.SendJob(r.Context(), jobType, req.KeywordIDs, token, req.Metadata)
	if err != nil {
		s.logger.Error("job submission failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     rec.JobID,
		"message_id": rec.MessageID,
		"status":     rec.Status,
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	rec, err := s.history.GetByJobID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, ranker.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("job lookup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": toMessageDTO(rec)})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	rec, err := s.history.CancelByJobID(r.Context(), jobID)
	if err != nil {
		s.writeCancelError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": toMessageDTO(rec)})
}

func (s *Server) cancelMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "message_id")
	rec, err := s.history.CancelByMessageID(r.Context(), messageID)
	if err != nil {
		s.writeCancelError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": toMessageDTO(rec)})
}

func (s *Server) writeCancelError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ranker.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, ranker.ErrNotCancellable):
		s.writeError(w, http.StatusConflict, "record is not in a cancellable state")
	default:
		s.logger.Error("cancellation failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "cancellation failed")
	}
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "message_id")
	rec, err := s.history.GetByMessageID(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, ranker.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "message not found")
			return
		}
		s.logger.Error("message lookup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load message")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": toMessageDTO(rec)})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.history.ListRecent(r.Context(), filter)
	if err != nil {
		s.logger.Error("message listing failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	dtos := make([]messageDTO, 0, len(records))
	for _, rec := range records {
		dtos = append(dtos, toMessageDTO(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": dtos})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.logger.Error("queue stats failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{
		"available": int64(stats.Available),
		"in_flight": int64(stats.InFlight),
		"delayed":   int64(stats.Delayed),
	})
}

type unstickRequest struct {
	KeywordID *int64 `json:"keyword_id"`
}

func (s *Server) unstick(w http.ResponseWriter, r *http.Request) {
	var req unstickRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	counts, err := s.unsticker.Unstick(r.Context(), req.KeywordID)
	if err != nil {
		s.logger.Error("unstick failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to reset processing rows")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reset": counts})
}

func parseHistoryFilter(r *http.Request) (ranker.HistoryFilter, error) {
	filter := ranker.HistoryFilter{Limit: defaultListLimit}

	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return ranker.HistoryFilter{}, errors.New("limit must be a positive integer")
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		filter.Limit = n
	}
	for _, raw := range splitParam(r.URL.Query().Get("status")) {
		filter.Statuses = append(filter.Statuses, ranker.MessageStatus(raw))
	}
	for _, raw := range splitParam(r.URL.Query().Get("job_type")) {
		jt := ranker.JobType(raw)
		if !jt.Valid() {
			return ranker.HistoryFilter{}, errors.New("unsupported job_type filter")
		}
		filter.JobTypes = append(filter.JobTypes, jt)
	}
	return filter, nil
}

func splitParam(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

type messageDTO struct {
	MessageID    string               `json:"message_id"`
	JobID        string               `json:"job_id"`
	JobType      ranker.JobType       `json:"job_type"`
	KeywordIDs   []int64              `json:"keyword_ids"`
	UserID       *int64               `json:"user_id,omitempty"`
	UserFullName string               `json:"user_full_name,omitempty"`
	Status       ranker.MessageStatus `json:"status"`
	RetryCount   int                  `json:"retry_count"`
	ReceiveCount int                  `json:"receive_count"`
	QueueName    string               `json:"queue_name,omitempty"`
	ErrorCode    string               `json:"error_code,omitempty"`
	ErrorDetails string               `json:"error_details,omitempty"`
	QueuedAt     *time.Time           `json:"queued_at,omitempty"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

func toMessageDTO(rec ranker.HistoryRecord) messageDTO {
	return messageDTO{
		MessageID:    rec.MessageID,
		JobID:        rec.JobID,
		JobType:      rec.JobType,
		KeywordIDs:   rec.KeywordIDs,
		UserID:       rec.UserID,
		UserFullName: rec.UserFullName,
		Status:       rec.Status,
		RetryCount:   rec.RetryCount,
		ReceiveCount: rec.ReceiveCount,
		QueueName:    rec.QueueName,
		ErrorCode:    rec.ErrorCode,
		ErrorDetails: rec.ErrorDetails,
		QueuedAt:     rec.QueuedAt,
		StartedAt:    rec.StartedAt,
		CompletedAt:  rec.CompletedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}
