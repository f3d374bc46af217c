// Package notify publishes pipeline run events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// Event types.
const (
	EventRunFinished = "pipeline.finished"
	EventRunFailed   = "pipeline.failed"
)

// RunEvent describes the outcome of a pipeline run.
type RunEvent struct {
	EventType string            `json:"event_type"`
	RunID     string            `json:"run_id"`
	Pipeline  string            `json:"pipeline"`
	Status    string            `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Imported  int               `json:"imported"`
	Updated   int               `json:"updated"`
	Ignored   int               `json:"ignored"`
	Deleted   int               `json:"deleted"`
	Artifacts []string          `json:"artifacts,omitempty"`
	Error     string            `json:"error,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

// Notifier publishes run events.
type Notifier interface {
	Notify(ctx context.Context, event RunEvent) error
}

// Nop discards events.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, RunEvent) error { return nil }

// SQSAPI is the subset of the SQS client used by SQSNotifier.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSNotifier sends events as JSON messages to an SQS queue.
type SQSNotifier struct {
	QueueURL string

	client SQSAPI
	logger *zap.Logger
}

// NewSQSNotifier returns a notifier for queueURL.
func NewSQSNotifier(client SQSAPI, queueURL string, logger *zap.Logger) *SQSNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SQSNotifier{QueueURL: queueURL, client: client, logger: logger}
}

// NewSQSNotifierFromConfig builds the SQS client from an AWS config.
func NewSQSNotifierFromConfig(awsCfg aws.Config, queueURL string, logger *zap.Logger) *SQSNotifier {
	return NewSQSNotifier(sqs.NewFromConfig(awsCfg), queueURL, logger)
}

// Notify implements Notifier.
func (n *SQSNotifier) Notify(ctx context.Context, event RunEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	out, err := n.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.QueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(event.EventType)},
			"pipeline":   {DataType: aws.String("String"), StringValue: aws.String(event.Pipeline)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send event to SQS: %w", err)
	}

	n.logger.Debug("Sent run event",
		zap.String("event_type", event.EventType),
		zap.String("run_id", event.RunID),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)

	return nil
}
