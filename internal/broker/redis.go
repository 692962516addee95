package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/soundrail/soundrail/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	readBlock  = 5 * time.Second
	retryPause = time.Second
)

// RedisBroker implements Producer and Consumer over Redis Streams. A topic is
// sharded into cfg.Partitions streams named "<topic>.p<N>"; consumer groups
// give at-least-once delivery with per-stream ordering.
type RedisBroker struct {
	client     *redis.Client
	log        *zap.Logger
	partitions int
	group      string
	consumer   string
}

type Params struct {
	fx.In

	Client *redis.Client
	Log    *zap.Logger
	Config config.Config
}

func NewRedisBroker(p Params) *RedisBroker {
	partitions := p.Config.Pipeline.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	return &RedisBroker{
		client:     p.Client,
		log:        p.Log.Named("broker"),
		partitions: partitions,
		group:      p.Config.Pipeline.ConsumerGroup,
		consumer:   p.Config.Pipeline.ConsumerName,
	}
}

func streamName(topic string, partition int) string {
	return fmt.Sprintf("%s.p%d", topic, partition)
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, msg Message) error {
	stream := streamName(topic, PartitionFor(msg.Key, b.partitions))
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"id":      msg.ID,
			"key":     msg.Key,
			"type":    msg.Type,
			"payload": string(msg.Payload),
		},
	}).Err()
}

// Consume starts one ordered lane per partition and blocks until ctx is
// canceled. Within a lane, pending (unacked) entries are drained before new
// ones, so a failed message blocks its lane instead of being skipped.
func (b *RedisBroker) Consume(ctx context.Context, topic, group string, handler Handler) error {
	groupName := fmt.Sprintf("%s.%s", b.group, group)
	g, ctx := errgroup.WithContext(ctx)
	for partition := 0; partition < b.partitions; partition++ {
		stream := streamName(topic, partition)
		if err := b.ensureGroup(ctx, stream, groupName); err != nil {
			return err
		}
		g.Go(func() error {
			b.consumeStream(ctx, stream, groupName, handler)
			return nil
		})
	}
	return g.Wait()
}

func (b *RedisBroker) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group on %s: %w", stream, err)
	}
	return nil
}

func (b *RedisBroker) consumeStream(ctx context.Context, stream, group string, handler Handler) {
	log := b.log.With(zap.String("stream", stream), zap.String("group", group))

	// "0" rereads this consumer's pending entries, ">" fetches new ones.
	cursor := "0"
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{stream, cursor},
			Count:    10,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				if cursor == "0" {
					cursor = ">"
				}
				continue
			}
			log.Warn("stream read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryPause):
			}
			continue
		}

		delivered, failed := b.deliverBatch(ctx, stream, group, res, handler, log)
		if failed {
			// Leave the entry unacked and restart from pending so order holds.
			cursor = "0"
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryPause):
			}
			continue
		}
		if cursor == "0" && delivered == 0 {
			cursor = ">"
		}
	}
}

func (b *RedisBroker) deliverBatch(
	ctx context.Context,
	stream, group string,
	res []redis.XStream,
	handler Handler,
	log *zap.Logger,
) (delivered int, failed bool) {
	for _, xs := range res {
		for _, entry := range xs.Messages {
			delivered++
			msg := decodeEntry(entry)
			if err := handler(ctx, msg); err != nil {
				log.Warn("handler failed, lane will retry",
					zap.String("message_id", msg.ID),
					zap.String("key", msg.Key),
					zap.Error(err),
				)
				return delivered, true
			}
			if err := b.client.XAck(ctx, stream, group, entry.ID).Err(); err != nil {
				log.Warn("ack failed", zap.String("entry_id", entry.ID), zap.Error(err))
			}
		}
	}
	return delivered, false
}

func decodeEntry(entry redis.XMessage) Message {
	msg := Message{ID: asString(entry.Values["id"])}
	msg.Key = asString(entry.Values["key"])
	msg.Type = asString(entry.Values["type"])
	msg.Payload = []byte(asString(entry.Values["payload"]))
	if msg.ID == "" {
		msg.ID = entry.ID
	}
	return msg
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// NewRedisClient builds the shared redis client.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

var Module = fx.Module("broker",
	fx.Provide(NewRedisClient),
	fx.Provide(NewRedisBroker),
	fx.Provide(func(b *RedisBroker) Producer { return b }),
	fx.Provide(func(b *RedisBroker) Consumer { return b }),
)
