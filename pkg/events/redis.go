package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/pkg/types"
	"github.com/instill-ai/model-derivative-backend/pkg/utils"
)

// Channel returns the Redis channel carrying the events of session uid.
func Channel(uid types.SessionUIDType) string {
	return "conversion:" + uid.String()
}

// redisBus implements Bus using Redis pub/sub
type redisBus struct {
	redisClient *redis.Client
	log         *zap.Logger
}

// NewRedisBus returns a Bus shared by every process connected to the same
// Redis instance.
func NewRedisBus(redisClient *redis.Client, log *zap.Logger) Bus {
	return &redisBus{redisClient: redisClient, log: log}
}

func (b *redisBus) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	if err := b.redisClient.Publish(ctx, Channel(e.SessionUID), payload).Err(); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

func (b *redisBus) Subscribe(ctx context.Context, uid types.SessionUIDType) (<-chan Event, error) {
	ps := b.redisClient.Subscribe(ctx, Channel(uid))

	// Wait for the confirmation so that no event published after Subscribe
	// returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", Channel(uid), err)
	}

	out := make(chan Event, subscriptionBuffer)
	go utils.GoRecover(func() {
		defer func() {
			if err := ps.Close(); err != nil {
				b.log.Warn("Failed to close subscription", zap.String("channel", Channel(uid)), zap.Error(err))
			}
		}()
		relay(ctx, ps.Channel(), out, b.log)
	}, "event relay "+Channel(uid), b.log)

	return out, nil
}

// relay decodes the messages of a subscription into out until a terminal
// event is relayed, msgs is closed or ctx ends. It closes out.
func relay(ctx context.Context, msgs <-chan *redis.Message, out chan<- Event, log *zap.Logger) {
	defer close(out)

	for {
		var msg *redis.Message
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			msg = m
		}

		var e Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			log.Warn("Dropping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}

		select {
		case <-ctx.Done():
			return
		case out <- e:
		}

		if e.Terminal() {
			return
		}
	}
}
