package trigger

import (
	"context"
	"fmt"
	"strings"

	backend "github.com/redis/go-redis/v9"
)

// NewRedisChannel subscribes to a pub/sub channel and treats every line of
// every published message as a trigger line. The subscription is confirmed
// before returning, so messages published afterwards are not lost.
func NewRedisChannel(ctx context.Context, client *backend.Client, name string) (*Channel, error) {
	pubsub := client.Subscribe(ctx, name)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe %q: %w", ErrChannelRead, name, err)
	}

	c := newChannel("redis", pubsub.Close)
	go func() {
		for msg := range pubsub.Channel() {
			for _, text := range strings.Split(msg.Payload, "\n") {
				if text == "" {
					continue
				}
				if !c.push(line{text: text}) {
					return
				}
			}
		}
		c.push(line{err: fmt.Errorf("redis subscription %q closed", name)})
	}()
	return c, nil
}

// Publish sends a single trigger token on a pub/sub channel.
func Publish(ctx context.Context, client *backend.Client, name string) error {
	return client.Publish(ctx, name, Token).Err()
}
