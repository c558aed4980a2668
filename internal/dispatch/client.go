// Package dispatch moves agent work from the API process to the delivery
// worker over an asynq queue. The client side satisfies the lifecycle
// manager's Dispatcher; the worker side delivers to the agent gateway and
// reports failures back through the manager.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/seopilot/engine/internal/auth"
	"github.com/seopilot/engine/internal/lifecycle"
)

// runTokenTTL bounds how long a gateway callback for a dispatched run stays
// valid.
const runTokenTTL = 24 * time.Hour

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisURL, queue string) (*Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL)
	if err != nil {
		return nil, err
	}

	if queue == "" {
		queue = "default"
	}

	return &Client{
		client: asynq.NewClient(opt),
		queue:  queue,
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Dispatch enqueues one delivery for the run. Queue-level retries are
// disabled: retry policy lives in the lifecycle manager, and a redelivered
// task would carry a run id the manager has already moved past.
func (c *Client) Dispatch(ctx context.Context, req lifecycle.DispatchRequest) error {
	token, err := auth.IssueRunToken(req.OpportunityID, req.RunID, runTokenTTL)
	if err != nil {
		return err
	}

	task, err := NewAgentDispatchTask(AgentDispatchPayload{
		OpportunityID: req.OpportunityID.String(),
		RunID:         req.RunID.String(),
		TargetQuery:   req.TargetQuery,
		TargetPage:    req.TargetPage,
		Type:          string(req.Type),
		RunToken:      token,
	})
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue), asynq.MaxRetry(0))
	return err
}

func redisClientOpt(redisURL string) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}
