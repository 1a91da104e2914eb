package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "room:"
	eventTTL      = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-instance broadcast.
type redisPayload struct {
	Origin string          `json:"origin"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	At     int64           `json:"at"`
}

// RedisPubSub implements RedisPublisher and RedisSubscriber using Redis pub/sub.
// Messages carry the publishing instance ID so an instance never re-delivers its own events.
type RedisPubSub struct {
	client     *redis.Client
	instanceID string
	logger     *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for room events.
func NewRedisPubSub(client *redis.Client, instanceID string, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, instanceID: instanceID, logger: logger}
}

// PublishRoomEvent publishes an event to the room's Redis channel.
func (r *RedisPubSub) PublishRoomEvent(roomID, event string, payload []byte) error {
	body, err := json.Marshal(redisPayload{Origin: r.instanceID, Event: event, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+roomID, body).Err()
}

// SubscribeRooms pattern-subscribes to every room channel and calls handler for each event
// published by another instance. Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeRooms(handler func(roomID, event string, payload []byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("psubscribe: %w", err)
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
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Debug("drop malformed room event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				if p.Origin == r.instanceID {
					continue
				}
				handler(strings.TrimPrefix(msg.Channel, channelPrefix), p.Event, p.Data)
			}
		}
	}()
	return cancelCtx, nil
}
