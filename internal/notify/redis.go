package notify

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"rollcall/internal/attendance"
)

const channelPrefix = "rollcall:course:"

// Channel is the Redis channel carrying a course's events.
func Channel(courseID string) string {
	return channelPrefix + courseID
}

// RedisPublisher publishes events on the course channel so every API
// instance, and any other consumer, sees them.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates a publisher over client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish implements attendance.Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, evt attendance.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, Channel(evt.CourseID), data).Err()
}

// Relay forwards every course channel into the local hub until ctx ends.
func Relay(ctx context.Context, client *redis.Client, hub *Hub) {
	ps := client.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			courseID := strings.TrimPrefix(msg.Channel, channelPrefix)
			if err := hub.broadcast(courseID, []byte(msg.Payload)); err != nil {
				log.Printf("notify: relay %s: %v", msg.Channel, err)
			}
		}
	}
}
