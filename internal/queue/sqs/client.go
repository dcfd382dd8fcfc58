// Package sqs implements the dispatcher's queue.Adapter against AWS SQS.
package sqs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"

	"github.com/johnny-lai/sqs-dispatch/internal/queue"
)

// batchLimit is the SQS service limit on entries per batch call.
const batchLimit = 10

// API is the subset of the generated SQS client the adapter depends on,
// narrowed for testing with a stub.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Config configures a Client.
type Config struct {
	QueueURL string
	Region   string

	// CustomEndpoint overrides the SQS endpoint, for LocalStack/testing.
	CustomEndpoint string

	// Credentials optionally overrides the SDK's default credential
	// chain. Nil means use the chain (env, shared config, EC2/ECS role).
	Credentials aws.CredentialsProvider
}

// Client is the SQS-backed queue.Adapter.
type Client struct {
	api      API
	queueURL string
}

// New builds a Client, loading AWS configuration from cfg and the SDK's
// standard sources.
func New(ctx context.Context, cfg Config) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Credentials != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(cfg.Credentials))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.CustomEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.CustomEndpoint)
		}
	})

	return &Client{api: sqsClient, queueURL: cfg.QueueURL}, nil
}

// NewWithAPI builds a Client around an already-constructed API, for tests.
func NewWithAPI(api API, queueURL string) *Client {
	return &Client{api: api, queueURL: queueURL}
}

// Receive implements queue.Adapter.
func (c *Client) Receive(ctx context.Context, maxMessages, waitSeconds int32) ([]queue.Message, error) {
	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   maxMessages,
		WaitTimeSeconds:       waitSeconds,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []types.QueueAttributeName{"All"},
	})
	if err != nil {
		return nil, &queue.Error{Op: "receive", Retryable: isRetryable(err), Err: err}
	}

	messages := make([]queue.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		attrs := make(map[string]string, len(m.MessageAttributes))
		for k, v := range m.MessageAttributes {
			if v.StringValue != nil {
				attrs[k] = *v.StringValue
			}
		}
		messages = append(messages, queue.Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
			Attributes:    attrs,
		})
	}
	return messages, nil
}

// DeleteBatch implements queue.Adapter, chunking at batchLimit.
func (c *Client) DeleteBatch(ctx context.Context, receipts []string) (queue.BatchResult, error) {
	var result queue.BatchResult

	for _, chunk := range chunk(receipts, batchLimit) {
		entries := make([]types.DeleteMessageBatchRequestEntry, len(chunk))
		for i, r := range chunk {
			entries[i] = types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: aws.String(r),
			}
		}

		out, err := c.api.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(c.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return result, &queue.Error{Op: "delete_batch", Retryable: isRetryable(err), Err: err}
		}

		for _, s := range out.Successful {
			idx, convErr := strconv.Atoi(aws.ToString(s.Id))
			if convErr == nil && idx < len(chunk) {
				result.Succeeded = append(result.Succeeded, chunk[idx])
			}
		}
		for _, f := range out.Failed {
			idx, convErr := strconv.Atoi(aws.ToString(f.Id))
			receipt := ""
			if convErr == nil && idx < len(chunk) {
				receipt = chunk[idx]
			}
			result.Failed = append(result.Failed, queue.BatchFailure{
				ReceiptHandle: receipt,
				Code:          aws.ToString(f.Code),
				Message:       aws.ToString(f.Message),
				SenderFault:   f.SenderFault,
			})
			log.Warn().
				Str("code", aws.ToString(f.Code)).
				Str("message", aws.ToString(f.Message)).
				Msg("delete batch entry failed")
		}
	}

	return result, nil
}

// ChangeVisibilityBatch implements queue.Adapter, chunking at batchLimit.
func (c *Client) ChangeVisibilityBatch(ctx context.Context, receipts []string, timeoutSeconds int32) (queue.BatchResult, error) {
	var result queue.BatchResult

	for _, chunk := range chunk(receipts, batchLimit) {
		entries := make([]types.ChangeMessageVisibilityBatchRequestEntry, len(chunk))
		for i, r := range chunk {
			entries[i] = types.ChangeMessageVisibilityBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(i)),
				ReceiptHandle:     aws.String(r),
				VisibilityTimeout: timeoutSeconds,
			}
		}

		out, err := c.api.ChangeMessageVisibilityBatch(ctx, &sqs.ChangeMessageVisibilityBatchInput{
			QueueUrl: aws.String(c.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return result, &queue.Error{Op: "change_visibility_batch", Retryable: isRetryable(err), Err: err}
		}

		for _, s := range out.Successful {
			idx, convErr := strconv.Atoi(aws.ToString(s.Id))
			if convErr == nil && idx < len(chunk) {
				result.Succeeded = append(result.Succeeded, chunk[idx])
			}
		}
		for _, f := range out.Failed {
			idx, convErr := strconv.Atoi(aws.ToString(f.Id))
			receipt := ""
			if convErr == nil && idx < len(chunk) {
				receipt = chunk[idx]
			}
			result.Failed = append(result.Failed, queue.BatchFailure{
				ReceiptHandle: receipt,
				Code:          aws.ToString(f.Code),
				Message:       aws.ToString(f.Message),
				SenderFault:   f.SenderFault,
			})
			log.Debug().
				Str("code", aws.ToString(f.Code)).
				Msg("change visibility batch entry failed")
		}
	}

	return result, nil
}

// CheckConnectivity implements queue.Adapter by issuing a lightweight
// GetQueueAttributes call.
func (c *Client) CheckConnectivity(ctx context.Context) error {
	_, err := c.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(c.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return fmt.Errorf("check connectivity: %w", err)
	}
	return nil
}

func chunk(items []string, size int) [][]string {
	if len(items) == 0 {
		return nil
	}
	var chunks [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}

// isReceiptHandleExpiredError reports whether err is SQS's
// ReceiptHandleIsInvalid, which is harmless: the message was already
// redelivered or deleted under a newer handle.
func isReceiptHandleExpiredError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "ReceiptHandleIsInvalid") || strings.Contains(s, "receipt handle has expired")
}

// isRetryable classifies an SDK error for queue.Error.Retryable; expired
// receipt handles are reported as not retryable.
func isRetryable(err error) bool {
	return !isReceiptHandleExpiredError(err)
}
