package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

// Error codes recorded on failed history rows.
const (
	CodeMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"
	CodeJobRejected        = "JOB_REJECTED"
	CodeProcessFailed      = "PROCESS_FAILED"
	CodeMalformedMessage   = "MALFORMED_MESSAGE"
	CodeUnexpectedError    = "UNEXPECTED_ERROR"
)

// Result is the outcome of dispatching one message.
type Result struct {
	Success      bool
	ShouldDelete bool
	Cancelled    bool
	Code         string
	Reason       string
}

// JobRunner executes the three job kinds.
type JobRunner interface {
	Fetch(ctx context.Context, msg ranker.Message) error
	FullRank(ctx context.Context, msg ranker.Message) error
	PartialRank(ctx context.Context, msg ranker.Message) error
}

// Router maps a decoded message onto a job run and folds the run's
// error into a consumer decision.
type Router struct {
	jobs   JobRunner
	logger *zap.Logger
}

// NewRouter creates a Router.
func NewRouter(jobs JobRunner, logger *zap.Logger) *Router {
	return &Router{jobs: jobs, logger: logger}
}

// Dispatch runs the message's job. The job-type switch is exhaustive:
// anything outside the known set is rejected for deletion rather than
// left to redeliver forever.
func (r *Router) Dispatch(ctx context.Context, msg ranker.Message) Result {
	var err error
	switch msg.Type {
	case ranker.JobFetch:
		err = r.jobs.Fetch(ctx, msg)
	case ranker.JobPartialRank:
		err = r.jobs.PartialRank(ctx, msg)
	case ranker.JobFullRank:
		err = r.jobs.FullRank(ctx, msg)
	default:
		r.logger.Warn("rejecting message with unknown type",
			zap.String("job_id", msg.JobID),
			zap.String("type", string(msg.Type)))
		return Result{
			ShouldDelete: true,
			Code:         CodeJobRejected,
			Reason:       fmt.Sprintf("unknown message type: %s", msg.Type),
		}
	}

	if err == nil {
		return Result{Success: true, ShouldDelete: true, Reason: string(msg.Type) + " completed"}
	}
	if errors.Is(err, ranker.ErrJobCancelled) {
		return Result{Cancelled: true, ShouldDelete: true, Reason: "job cancelled by user"}
	}
	var reject *ranker.RejectError
	if errors.As(err, &reject) {
		return Result{ShouldDelete: true, Code: CodeJobRejected, Reason: reject.Reason}
	}
	return Result{Code: CodeProcessFailed, Reason: err.Error()}
}
