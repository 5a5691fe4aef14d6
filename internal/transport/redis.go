package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rook2pawn/audio-chunk/internal/audio"
	"github.com/rook2pawn/audio-chunk/internal/metrics"
	"github.com/rook2pawn/audio-chunk/internal/protocol"
	"github.com/rook2pawn/audio-chunk/internal/stream"
)

// RedisPublisher publishes every chunk it is given to a pub/sub channel
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	codec   protocol.Codec
	metrics *metrics.Metrics
}

// NewRedisPublisher creates a publisher for channel
func NewRedisPublisher(client redis.UniversalClient, channel string, codec protocol.Codec, m *metrics.Metrics) *RedisPublisher {
	if codec == nil {
		codec = protocol.Binary
	}
	return &RedisPublisher{client: client, channel: channel, codec: codec, metrics: m}
}

// Write encodes c and publishes it
func (p *RedisPublisher) Write(ctx context.Context, c *audio.Chunk) error {
	data, err := p.codec.Encode(c)
	if err != nil {
		return err
	}

	start := time.Now()
	err = p.client.Publish(ctx, p.channel, data).Err()
	p.metrics.RecordForward(SinkRedis, err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}

// StreamFromRedis subscribes to channel and exposes its messages as a pull
// stream. The subscription is confirmed before it returns. Closing the
// stream unsubscribes.
func StreamFromRedis(ctx context.Context, client redis.UniversalClient, channel string, codec protocol.Codec, cfg stream.BridgeConfig, logger *slog.Logger, m *metrics.Metrics) (*stream.Bridge, error) {
	if codec == nil {
		codec = protocol.Binary
	}

	return stream.Subscribe(cfg, func(in stream.Inlet) (func(), error) {
		pubsub := client.Subscribe(ctx, channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
		}

		loopCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})

		go func() {
			defer close(done)
			defer in.Finish()
			pumpMessages(loopCtx, pubsub.Channel(), codec, in, logger, m)
		}()

		logger.Info("Subscribed to relay channel", slog.String("channel", channel))

		return func() {
			cancel()
			pubsub.Close()
			<-done
		}, nil
	})
}

func pumpMessages(ctx context.Context, messages <-chan *redis.Message, codec protocol.Codec, in stream.Inlet, logger *slog.Logger, m *metrics.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-messages:
			if !ok {
				return
			}

			chunk, err := codec.Decode([]byte(msg.Payload))
			if err != nil {
				m.RecordDecodeError(SinkRedis, codec.Name())
				logger.Warn("Failed to decode relay message",
					slog.String("channel", msg.Channel),
					slog.Any("error", err))
				continue
			}
			m.RecordChunkReceived(SinkRedis, codec.Name(), chunk.Len())

			if err := in.Push(ctx, chunk); err != nil {
				if errors.Is(err, stream.ErrDropped) {
					continue
				}
				return
			}
		}
	}
}
