package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

// IDGenerator mints job ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Producer enqueues jobs and records their queued history rows.
type Producer struct {
	client  *Client
	history ranker.HistoryStore
	ids     IDGenerator
	clock   ranker.Clock
	logger  *zap.Logger

	maxRetries int
}

// NewProducer creates a Producer.
func NewProducer(client *Client, history ranker.HistoryStore, ids IDGenerator, clock ranker.Clock, maxRetries int, logger *zap.Logger) *Producer {
	return &Producer{
		client:     client,
		history:    history,
		ids:        ids,
		clock:      clock,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// SendJob enqueues one job message and records it as queued. The
// returned record carries the generated job id and the queue message id.
func (p *Producer) SendJob(ctx context.Context, jobType ranker.JobType, keywordIDs []int64, token ranker.TokenInfo, metadata map[string]any) (ranker.HistoryRecord, error) {
	if !jobType.Valid() {
		return ranker.HistoryRecord{}, fmt.Errorf("unsupported job type %q", jobType)
	}
	if len(keywordIDs) == 0 {
		return ranker.HistoryRecord{}, fmt.Errorf("keyword_ids must not be empty")
	}

	jobID, err := p.ids.NewID()
	if err != nil {
		return ranker.HistoryRecord{}, fmt.Errorf("failed to generate job id: %w", err)
	}

	msg := ranker.Message{
		JobID:      jobID,
		Type:       jobType,
		KeywordIDs: keywordIDs,
		UserID:     token.ID,
		TokenInfo:  token,
		Timestamp:  p.clock.Now(),
		MaxRetries: p.maxRetries,
		Metadata:   metadata,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return ranker.HistoryRecord{}, fmt.Errorf("failed to encode message: %w", err)
	}

	input := &awssqs.SendMessageInput{
		QueueUrl:    aws.String(p.client.QueueURL()),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"job_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(jobID),
			},
			"message_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(jobType)),
			},
			"user_id": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatInt(token.ID, 10)),
			},
			"keyword_count": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(len(keywordIDs))),
			},
		},
	}
	// FIFO queues need grouping and deduplication keys.
	if strings.HasSuffix(p.client.QueueURL(), ".fifo") {
		input.MessageGroupId = aws.String(string(jobType))
		input.MessageDeduplicationId = aws.String(jobID)
	}

	out, err := p.client.api.SendMessage(ctx, input)
	if err != nil {
		return ranker.HistoryRecord{}, fmt.Errorf("failed to send message: %w", err)
	}
	messageID := aws.ToString(out.MessageId)

	userID := token.ID
	rec, err := p.history.Upsert(ctx, ranker.UpsertParams{
		MessageID:    messageID,
		JobID:        jobID,
		JobType:      jobType,
		KeywordIDs:   keywordIDs,
		UserID:       &userID,
		UserFullName: token.FullName,
		Status:       ranker.StatusQueued,
		QueueName:    path.Base(p.client.QueueURL()),
		ReceiveCount: 0,
	})
	if err != nil {
		// The message is already in flight; history catches up on receive.
		p.logger.Error("failed to record queued message",
			zap.String("job_id", jobID),
			zap.String("message_id", messageID),
			zap.Error(err))
		return ranker.HistoryRecord{
			MessageID:  messageID,
			JobID:      jobID,
			JobType:    jobType,
			KeywordIDs: keywordIDs,
			Status:     ranker.StatusQueued,
		}, nil
	}

	p.logger.Info("job enqueued",
		zap.String("job_id", jobID),
		zap.String("message_id", messageID),
		zap.String("type", string(jobType)),
		zap.Int("keywords", len(keywordIDs)))
	return rec, nil
}
