// Package deletion implements the asynchronous half of the two-phase delete:
// the event consumer that re-invalidates access caches and the periodic sweep
// that physically removes tracks once the grace period elapses.
package deletion

import (
	"context"

	"github.com/soundrail/soundrail/internal/accesscache"
	"github.com/soundrail/soundrail/internal/broker"
	"github.com/soundrail/soundrail/internal/events"
	"github.com/soundrail/soundrail/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ConsumerParams struct {
	fx.In

	Log      *zap.Logger
	Cache    accesscache.Invalidator
	Consumer broker.Consumer
	Metrics  *telemetry.Metrics `optional:"true"`
}

// Consumer re-invalidates access artifacts on TrackDeletedEvents. The
// synchronous invalidation in the delete path may have failed or raced a
// concurrent artifact grant; this pass makes the invalidation stick. Pure
// invalidation keeps redelivery harmless.
type Consumer struct {
	log      *zap.Logger
	cache    accesscache.Invalidator
	consumer broker.Consumer
	metrics  *telemetry.Metrics
}

func NewConsumer(p ConsumerParams) *Consumer {
	return &Consumer{
		log:      p.Log.Named("deletion.consumer"),
		cache:    p.Cache,
		consumer: p.Consumer,
		metrics:  p.Metrics,
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	return c.consumer.Consume(ctx, events.TopicTracks, "deletion", c.Handle)
}

func (c *Consumer) Handle(ctx context.Context, msg broker.Message) error {
	if msg.Type != events.TypeTrackDeleted {
		return nil
	}
	ev, err := events.DecodeTrackDeleted(msg.Payload)
	if err != nil {
		c.log.Warn("malformed deletion event",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return nil
	}

	if err := c.cache.Invalidate(ctx, ev.TrackID, ev.UserID); err != nil {
		// Leave the message pending; the lane redelivers until the cache is
		// reachable again.
		return err
	}
	c.metrics.RecordCacheInvalidation("event")
	c.log.Debug("access artifacts invalidated", zap.String("track_id", ev.TrackID))
	return nil
}
