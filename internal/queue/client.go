package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

const (
	composeTimeout = 2 * time.Minute
	// Completed tasks stay inspectable in asynqmon for a day.
	composeRetention = 24 * time.Hour
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueCompose queues a render. Composition is deterministic, so retries
// only cover fetch and storage failures.
func (c *Client) EnqueueCompose(ctx context.Context, payload ComposeImagePayload) (*asynq.TaskInfo, error) {
	task, err := NewComposeImageTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, composeOptions(c.queue, payload.Reason)...)
}

// composeOptions gives re-renders after an enhancement a larger retry budget.
func composeOptions(queueName, reason string) []asynq.Option {
	maxRetry := 3
	if reason == ReasonEnhanced {
		maxRetry = 6
	}
	return []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(composeTimeout),
		asynq.Retention(composeRetention),
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}
