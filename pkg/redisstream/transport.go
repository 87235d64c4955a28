package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BuildPublisher returns a Redis Streams publisher for s.Addr. Closing the
// publisher does not close the Redis client; the returned close func does both.
func BuildPublisher(s Settings, logger zerolog.Logger) (message.Publisher, func() error, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, nil, errors.New("redis stream publisher: empty addr")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, NewWatermillLogger(logger))
	if err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrap(err, "redis stream publisher")
	}
	closeFn := func() error {
		perr := pub.Close()
		if perr != nil {
			_ = client.Close()
			return perr
		}
		return closeClient(client)
	}
	return pub, closeFn, nil
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given consumer group/name.
func BuildGroupSubscriber(s Settings, logger zerolog.Logger) (message.Subscriber, func() error, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, nil, errors.New("redis stream subscriber: empty addr")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, NewWatermillLogger(logger))
	if err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrap(err, "redis stream subscriber")
	}
	closeFn := func() error {
		serr := sub.Close()
		if serr != nil {
			_ = client.Close()
			return serr
		}
		return closeClient(client)
	}
	return sub, closeFn, nil
}

// closeClient tolerates a client the watermill component already closed.
func closeClient(client *redis.Client) error {
	if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
