package realtime

import (
	"context"
	"time"

	"github.com/goliatone/go-query-cache/backend"
	"github.com/redis/go-redis/v9"
)

// publishClient is the part of a redis client the Publisher needs.
type publishClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Publisher sends a Change for every successful write. It implements
// listpage.Publisher.
type Publisher struct {
	client  publishClient
	channel string
	origin  string
	now     func() time.Time
}

// NewPublisher creates a Publisher. origin identifies this process so its own
// listener can skip the changes it already applied.
func NewPublisher(client redis.UniversalClient, channel, origin string) *Publisher {
	return newPublisher(client, channel, origin)
}

func newPublisher(client publishClient, channel, origin string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel, origin: origin, now: time.Now}
}

// Channel returns the pub/sub channel.
func (p *Publisher) Channel() string { return p.channel }

// Publish announces a write to table.
func (p *Publisher) Publish(ctx context.Context, table string, op backend.MutationOp, id string) error {
	payload, err := Change{
		Table:  table,
		Op:     op,
		ID:     id,
		Origin: p.origin,
		At:     p.now().UTC(),
	}.Encode()
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}
