// Package events publishes call lifecycle events over Redis pub/sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "call:"

	EventState      = "state"
	EventTranscript = "transcript"
	EventEnded      = "ended"

	// EventSnapshot is never published; watchers receive it first for a live call.
	EventSnapshot = "snapshot"
)

// Message is what subscribers receive.
type Message struct {
	CallID string          `json:"call_id"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	At     int64           `json:"at"`
}

// RedisPubSub fans call events out through Redis.
type RedisPubSub struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for call events.
func NewRedisPubSub(client redis.UniversalClient, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

// Channel returns the Redis channel for callID.
func Channel(callID string) string {
	return channelPrefix + callID
}

// PublishCallEvent marshals payload and publishes it on the call's channel.
func (r *RedisPubSub) PublishCallEvent(ctx context.Context, callID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	body, err := json.Marshal(Message{CallID: callID, Event: event, Data: data, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, Channel(callID), body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// SubscribeCall subscribes to a call's channel and calls handler for each message.
// Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeCall(ctx context.Context, callID string, handler func(Message)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(ctx)
	pubsub := r.client.Subscribe(ctx, Channel(callID))
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					r.logger.Debug("invalid call event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				handler(m)
			}
		}
	}()
	return cancelCtx, nil
}
