package ingest

import (
	"context"
	"fmt"

	"github.com/soundrail/soundrail/internal/broker"
	"github.com/soundrail/soundrail/internal/config"
	"github.com/soundrail/soundrail/internal/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ConsumerParams struct {
	fx.In

	Log      *zap.Logger
	Service  *Service
	Consumer broker.Consumer
	Config   config.Config
}

// Consumer binds the ingest service to the notification topic. Malformed or
// rejected notifications are acknowledged; only infrastructure errors leave
// the message pending so the broker redelivers.
type Consumer struct {
	log      *zap.Logger
	service  *Service
	consumer broker.Consumer
	policy   retry.Policy
}

func NewConsumer(p ConsumerParams) *Consumer {
	return &Consumer{
		log:      p.Log.Named("ingest.consumer"),
		service:  p.Service,
		consumer: p.Consumer,
		policy: retry.Policy{
			MaxAttempts: p.Config.Pipeline.RetryMaxAttempts,
			BaseDelay:   p.Config.Pipeline.RetryBaseDelay,
			MaxDelay:    p.Config.Pipeline.RetryMaxDelay,
		},
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	return c.consumer.Consume(ctx, TopicNotifications, "ingest", c.Handle)
}

// Handle processes one notification message. A returned error means the
// message stays unacknowledged for redelivery.
func (c *Consumer) Handle(ctx context.Context, msg broker.Message) error {
	notification, err := DecodeNotification(msg.Payload)
	if err != nil {
		// A payload that cannot be parsed will never parse; drop it.
		c.log.Warn("malformed storage notification",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return nil
	}

	var result Result
	err = c.policy.Do(ctx, func() error {
		var ingestErr error
		result, ingestErr = c.service.Ingest(ctx, notification)
		return ingestErr
	})
	if err != nil {
		return fmt.Errorf("ingest %s: %w", notification.ObjectKey, err)
	}

	if result.Outcome == OutcomeAlreadyApplied {
		c.log.Info("notification already applied",
			zap.String("object_key", notification.ObjectKey),
			zap.String("track_id", result.TrackID),
		)
	}
	return nil
}

var Module = fx.Module("ingest",
	fx.Provide(NewService),
	fx.Provide(NewConsumer),
	fx.Invoke(runConsumer),
)

func runConsumer(lc fx.Lifecycle, consumer *Consumer, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go func() {
				if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("ingest consumer stopped", zap.Error(err))
				}
			}()

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
