package events

import (
	"context"
	"time"

	"github.com/soundrail/soundrail/internal/broker"
	"github.com/soundrail/soundrail/internal/clock"
	"github.com/soundrail/soundrail/internal/config"
	"github.com/soundrail/soundrail/internal/retry"
	"github.com/soundrail/soundrail/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PublisherConfig controls the outbox drain loop.
type PublisherConfig struct {
	Worker       string
	BatchSize    int
	PollInterval time.Duration
	RunTimeout   time.Duration
	ClaimLease   time.Duration
	Policy       retry.Policy
}

func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Worker:       "publisher",
		BatchSize:    100,
		PollInterval: 2 * time.Second,
		RunTimeout:   30 * time.Second,
		ClaimLease:   5 * time.Minute,
		Policy:       retry.DefaultPolicy(),
	}
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	defaults := DefaultPublisherConfig()
	if c.Worker == "" {
		c.Worker = defaults.Worker
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = defaults.ClaimLease
	}
	return c
}

type PublisherParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Producer broker.Producer
	Clock    clock.Clock
	Metrics  *telemetry.Metrics `optional:"true"`
	Config   PublisherConfig    `optional:"true"`
}

// Publisher drains pending outbox rows to the broker. Multiple instances may
// run concurrently; the claim update keeps them from double-publishing.
type Publisher struct {
	db       *gorm.DB
	log      *zap.Logger
	producer broker.Producer
	clock    clock.Clock
	metrics  *telemetry.Metrics
	cfg      PublisherConfig
}

func NewPublisher(p PublisherParams) *Publisher {
	return &Publisher{
		db:       p.DB,
		log:      p.Log.Named("outbox.publisher"),
		producer: p.Producer,
		clock:    p.Clock,
		metrics:  p.Metrics,
		cfg:      p.Config.withDefaults(),
	}
}

func (p *Publisher) RunForever(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.Drain(ctx); err != nil {
			p.log.Warn("outbox drain failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain claims and publishes one batch, returning the number of messages
// acknowledged by the broker.
func (p *Publisher) Drain(parentCtx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(parentCtx, p.cfg.RunTimeout)
	defer cancel()

	now := p.clock.Now()
	claimed, err := ClaimPending(ctx, p.db, p.cfg.Worker, p.cfg.BatchSize, now, p.cfg.ClaimLease)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, msg := range claimed {
		if ctx.Err() != nil {
			// Shutdown mid-batch: return the unpublished row for retry.
			p.requeue(parentCtx, msg)
			continue
		}
		if p.publishOne(ctx, msg) {
			published++
		}
	}

	if backlog, err := CountPending(ctx, p.db); err == nil {
		p.metrics.SetOutboxBacklog(float64(backlog))
	}
	return published, nil
}

func (p *Publisher) publishOne(ctx context.Context, msg OutboxMessage) bool {
	start := p.clock.Now()
	err := p.producer.Publish(ctx, TopicTracks, broker.Message{
		ID:      msg.ID.String(),
		Key:     msg.PartitionKey,
		Type:    msg.EventType,
		Payload: msg.Payload,
	})
	if err == nil {
		if err := MarkPublished(ctx, p.db, msg.ID, p.cfg.Worker, p.clock.Now()); err != nil {
			p.log.Warn("failed to mark message published",
				zap.String("message_id", msg.ID.String()),
				zap.Error(err),
			)
		}
		p.metrics.RecordOutboxDispatch("published", time.Since(start))
		return true
	}

	attempts := msg.RetryCount + 1
	if p.cfg.Policy.Exhausted(attempts) {
		if markErr := MarkFailed(ctx, p.db, msg.ID, p.cfg.Worker, err.Error()); markErr != nil {
			p.log.Warn("failed to dead-letter message",
				zap.String("message_id", msg.ID.String()),
				zap.Error(markErr),
			)
			return false
		}
		p.metrics.RecordDeadLetter()
		p.metrics.RecordOutboxDispatch("failed", time.Since(start))
		// Operator seam: the event is parked, not dropped.
		p.log.Error("outbox message exhausted retries",
			zap.String("message_id", msg.ID.String()),
			zap.String("event_type", msg.EventType),
			zap.String("partition_key", msg.PartitionKey),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return false
	}

	next := p.clock.Now().Add(p.cfg.Policy.Delay(attempts))
	if markErr := MarkRetry(ctx, p.db, msg.ID, p.cfg.Worker, next, err.Error()); markErr != nil {
		p.log.Warn("failed to schedule message retry",
			zap.String("message_id", msg.ID.String()),
			zap.Error(markErr),
		)
	}
	p.metrics.RecordOutboxDispatch("retry", time.Since(start))
	p.log.Warn("outbox publish failed",
		zap.String("message_id", msg.ID.String()),
		zap.Int("attempt", attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(err),
	)
	return false
}

func (p *Publisher) requeue(ctx context.Context, msg OutboxMessage) {
	if err := MarkRetry(ctx, p.db, msg.ID, p.cfg.Worker, p.clock.Now(), "shutdown before publish"); err != nil {
		p.log.Warn("failed to requeue claimed message",
			zap.String("message_id", msg.ID.String()),
			zap.Error(err),
		)
	}
}

func providePublisherConfig(cfg config.Config) PublisherConfig {
	return PublisherConfig{
		Worker:       cfg.Pipeline.ConsumerName,
		BatchSize:    cfg.Pipeline.OutboxBatchSize,
		PollInterval: cfg.Pipeline.OutboxPollInterval,
		Policy: retry.Policy{
			MaxAttempts: cfg.Pipeline.RetryMaxAttempts,
			BaseDelay:   cfg.Pipeline.RetryBaseDelay,
			MaxDelay:    cfg.Pipeline.RetryMaxDelay,
		},
	}
}

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Provide(providePublisherConfig),
	fx.Provide(NewPublisher),
	fx.Invoke(runPublisher),
)

func runPublisher(lc fx.Lifecycle, publisher *Publisher) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go publisher.RunForever(ctx)

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
