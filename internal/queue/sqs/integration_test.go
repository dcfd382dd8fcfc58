//go:build integration

package sqs

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
)

// TestLocalStackRoundTrip drives Receive/DeleteBatch/ChangeVisibilityBatch
// against a real (emulated) SQS API, exercising scenario 1 (happy path)
// end to end with single-receipt batches; splitting into ≤10-entry
// chunks is covered by the stubbed unit tests, not here.
func TestLocalStackRoundTrip(t *testing.T) {
	ctx := context.Background()

	container, err := localstack.Run(ctx, "localstack/localstack:3.4.0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.PortEndpoint(ctx, "4566/tcp", "http")
	require.NoError(t, err)

	// New doesn't create queues; use the raw SDK client to set one up,
	// then hand it to the adapter via NewWithAPI.
	rawCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(StaticCredentialsProvider("test", "test")),
	)
	require.NoError(t, err)
	raw := awssqs.NewFromConfig(rawCfg, func(o *awssqs.Options) { o.BaseEndpoint = aws.String(endpoint) })

	created, err := raw.CreateQueue(ctx, &awssqs.CreateQueueInput{QueueName: aws.String("dispatch-test")})
	require.NoError(t, err)
	client := NewWithAPI(raw, *created.QueueUrl)

	_, err = raw.SendMessage(ctx, &awssqs.SendMessageInput{
		QueueUrl:    created.QueueUrl,
		MessageBody: aws.String("hello"),
	})
	require.NoError(t, err)

	messages, err := client.Receive(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	_, err = client.ChangeVisibilityBatch(ctx, []string{messages[0].ReceiptHandle}, 30)
	require.NoError(t, err)

	result, err := client.DeleteBatch(ctx, []string{messages[0].ReceiptHandle})
	require.NoError(t, err)
	require.Len(t, result.Succeeded, 1)

	time.Sleep(time.Second) // let the delete settle before re-polling
	messages, err = client.Receive(ctx, 10, 1)
	require.NoError(t, err)
	require.Empty(t, messages)
}
