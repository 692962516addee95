package processing

import (
	"context"

	"github.com/soundrail/soundrail/internal/broker"
	"github.com/soundrail/soundrail/internal/events"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ConsumerParams struct {
	fx.In

	Log      *zap.Logger
	Worker   *Worker
	Consumer broker.Consumer
}

// Consumer binds the worker to the track event stream. It only reacts to
// upload events; other lifecycle events on the topic are acknowledged
// untouched so they do not block the lane.
type Consumer struct {
	log      *zap.Logger
	worker   *Worker
	consumer broker.Consumer
}

func NewConsumer(p ConsumerParams) *Consumer {
	return &Consumer{
		log:      p.Log.Named("processing.consumer"),
		worker:   p.Worker,
		consumer: p.Consumer,
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	return c.consumer.Consume(ctx, events.TopicTracks, "processing", c.Handle)
}

func (c *Consumer) Handle(ctx context.Context, msg broker.Message) error {
	if msg.Type != events.TypeAudioUploaded {
		return nil
	}
	ev, err := events.DecodeAudioUploaded(msg.Payload)
	if err != nil {
		// A payload that cannot be parsed will never parse; drop it.
		c.log.Warn("malformed upload event",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return nil
	}
	return c.worker.Handle(ctx, ev)
}

var Module = fx.Module("processing",
	fx.Provide(NewWorker),
	fx.Provide(NewConsumer),
	fx.Invoke(runConsumer),
)

func runConsumer(lc fx.Lifecycle, consumer *Consumer, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go func() {
				if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("processing consumer stopped", zap.Error(err))
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
