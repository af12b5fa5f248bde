package realtime

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// InvalidateFunc drops the cached pages of the entity served from table.
type InvalidateFunc func(ctx context.Context, table string) error

// Listener subscribes to the change channel and invalidates every change
// published by another process.
type Listener struct {
	client     redis.UniversalClient
	channel    string
	origin     string
	invalidate InvalidateFunc
	logger     *slog.Logger
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithChannel overrides DefaultChannel.
func WithChannel(channel string) ListenerOption {
	return func(l *Listener) {
		if channel != "" {
			l.channel = channel
		}
	}
}

// WithLogger sets the listener logger.
func WithLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewListener creates a Listener. Changes whose origin equals origin are ignored.
func NewListener(client redis.UniversalClient, origin string, invalidate InvalidateFunc, opts ...ListenerOption) *Listener {
	l := &Listener{
		client:     client,
		channel:    DefaultChannel,
		origin:     origin,
		invalidate: invalidate,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run consumes changes until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	sub := l.client.Subscribe(ctx, l.channel)
	defer sub.Close()

	// Receive blocks until the subscription is confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	l.logger.Info("realtime listener subscribed", "channel", l.channel, "origin", l.origin)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("realtime: subscription closed")
			}
			if _, err := l.Dispatch(ctx, msg.Payload); err != nil {
				l.logger.Warn("realtime change dropped", "error", err)
			}
		}
	}
}

// Dispatch applies one payload and reports whether it invalidated anything.
func (l *Listener) Dispatch(ctx context.Context, payload string) (bool, error) {
	change, err := DecodeChange(payload)
	if err != nil {
		return false, err
	}
	if l.origin != "" && change.Origin == l.origin {
		return false, nil
	}
	if err := l.invalidate(ctx, change.Table); err != nil {
		return false, err
	}
	l.logger.Debug("realtime change applied",
		"table", change.Table,
		"op", string(change.Op),
		"id", change.ID,
		"origin", change.Origin,
	)
	return true, nil
}
