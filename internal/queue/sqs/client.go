// Package sqs wraps the AWS SQS API behind the queue interfaces used by
// the consumer and the admin surface.
package sqs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/config"
	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

// API is the subset of the SQS service client the package depends on.
type API interface {
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *awssqs.ChangeMessageVisibilityInput, optFns ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *awssqs.GetQueueAttributesInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error)
}

// Client is a queue client bound to a single queue URL.
type Client struct {
	api    API
	cfg    config.SQSConfig
	logger *zap.Logger
}

// New connects to SQS using the ambient AWS credential chain.
func New(ctx context.Context, cfg config.SQSConfig, logger *zap.Logger) (*Client, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("sqs queue url is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	var clientOpts []func(*awssqs.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *awssqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	return NewWithAPI(awssqs.NewFromConfig(awsCfg, clientOpts...), cfg, logger), nil
}

// NewWithAPI creates a Client on an existing API implementation,
// primarily for testing.
func NewWithAPI(api API, cfg config.SQSConfig, logger *zap.Logger) *Client {
	return &Client{api: api, cfg: cfg, logger: logger}
}

// QueueURL returns the configured queue URL.
func (c *Client) QueueURL() string {
	return c.cfg.QueueURL
}

// Receive long-polls the queue for up to the configured batch size.
func (c *Client) Receive(ctx context.Context) ([]ranker.QueueMessage, error) {
	out, err := c.api.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages:         c.cfg.MaxMessages,
		WaitTimeSeconds:             c.cfg.WaitTimeSeconds,
		VisibilityTimeout:           c.cfg.VisibilityTimeoutSecs,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameAll},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	msgs := make([]ranker.QueueMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := ranker.QueueMessage{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          []byte(aws.ToString(m.Body)),
			ReceiveCount:  1,
		}
		if raw, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			if n, convErr := strconv.Atoi(raw); convErr == nil {
				msg.ReceiveCount = n
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Delete removes a message from the queue.
func (c *Client) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.api.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// ChangeVisibility adjusts how long a message stays invisible. A zero
// timeout returns the message to the queue immediately.
func (c *Client) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	_, err := c.api.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.cfg.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(timeout / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to change message visibility: %w", err)
	}
	return nil
}

// Stats returns approximate queue depth counters.
func (c *Client) Stats(ctx context.Context) (ranker.QueueStats, error) {
	out, err := c.api.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return ranker.QueueStats{}, fmt.Errorf("failed to get queue attributes: %w", err)
	}

	atoi := func(key types.QueueAttributeName) int {
		n, _ := strconv.Atoi(out.Attributes[string(key)])
		return n
	}
	return ranker.QueueStats{
		Available: atoi(types.QueueAttributeNameApproximateNumberOfMessages),
		InFlight:  atoi(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Delayed:   atoi(types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
	}, nil
}
