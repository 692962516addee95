package events

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/soundrail/soundrail/internal/clock"
	"gorm.io/gorm"
)

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusPublishing OutboxStatus = "publishing"
	OutboxStatusPublished  OutboxStatus = "published"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// OutboxMessage is a durable delivery intent co-committed with the business
// mutation that produced it. The publisher is the only writer of Status after
// the insert.
type OutboxMessage struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	EventType     string       `gorm:"type:text;not null;index"`
	Payload       []byte       `gorm:"type:jsonb;not null"`
	PartitionKey  string       `gorm:"type:text;not null"`
	Status        OutboxStatus `gorm:"type:text;not null;default:pending;index:idx_outbox_drain"`
	RetryCount    int          `gorm:"not null;default:0"`
	NextAttemptAt time.Time    `gorm:"not null;index:idx_outbox_drain"`
	ClaimedBy     *string      `gorm:"type:text"`
	ClaimedAt     *time.Time   `gorm:""`
	LastError     *string      `gorm:"type:text"`
	CreatedAt     time.Time    `gorm:"not null;index"`
	ProcessedAt   *time.Time   `gorm:""`
}

// TableName sets the database table name.
func (OutboxMessage) TableName() string { return "outbox_messages" }

// Outbox inserts delivery intents inside the caller's transaction.
type Outbox struct {
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(genID *snowflake.Node, clk clock.Clock) *Outbox {
	return &Outbox{genID: genID, clock: clk}
}

// PublishTx enqueues an event within tx so the intent commits atomically with
// the mutation that produced it.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, eventType, partitionKey string, payload []byte) error {
	now := o.clock.Now()
	msg := OutboxMessage{
		ID:            o.genID.Generate(),
		EventType:     eventType,
		Payload:       payload,
		PartitionKey:  partitionKey,
		Status:        OutboxStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	return tx.WithContext(ctx).Create(&msg).Error
}

// ClaimPending atomically claims up to limit eligible rows for this worker.
// Eligible rows are pending ones whose next attempt is due, plus publishing
// rows whose claim lease expired: a claimer that died mid-publish loses its
// claim after lease and the row is picked up again. A row lost to a
// concurrent claimer is skipped, never double-claimed.
func ClaimPending(ctx context.Context, db *gorm.DB, worker string, limit int, now time.Time, lease time.Duration) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	leaseCutoff := now.Add(-lease)

	var candidates []OutboxMessage
	err := db.WithContext(ctx).
		Where("(status = ? AND next_attempt_at <= ?) OR (status = ? AND claimed_at <= ?)",
			OutboxStatusPending, now,
			OutboxStatusPublishing, leaseCutoff,
		).
		Order("created_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]OutboxMessage, 0, len(candidates))
	for _, msg := range candidates {
		// The claim conditions re-check eligibility so the flip stays atomic:
		// a concurrent claimer moves claimed_at past the cutoff, and at most
		// one worker wins each row.
		var res *gorm.DB
		if msg.Status == OutboxStatusPending {
			res = db.WithContext(ctx).Exec(
				`UPDATE outbox_messages
				 SET status = ?, claimed_by = ?, claimed_at = ?
				 WHERE id = ? AND status = ?`,
				OutboxStatusPublishing, worker, now,
				msg.ID, OutboxStatusPending,
			)
		} else {
			res = db.WithContext(ctx).Exec(
				`UPDATE outbox_messages
				 SET status = ?, claimed_by = ?, claimed_at = ?
				 WHERE id = ? AND status = ? AND claimed_at <= ?`,
				OutboxStatusPublishing, worker, now,
				msg.ID, OutboxStatusPublishing, leaseCutoff,
			)
		}
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		msg.Status = OutboxStatusPublishing
		msg.ClaimedBy = &worker
		msg.ClaimedAt = &now
		claimed = append(claimed, msg)
	}
	return claimed, nil
}

// MarkPublished retires a row claimed by worker. The claimed_by condition
// keeps a crashed claimer that wakes up after its lease expired from retiring
// a row another worker reclaimed.
func MarkPublished(ctx context.Context, db *gorm.DB, id snowflake.ID, worker string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE outbox_messages
		 SET status = ?, processed_at = ?, claimed_by = NULL, claimed_at = NULL
		 WHERE id = ? AND status = ? AND claimed_by = ?`,
		OutboxStatusPublished,
		now,
		id,
		OutboxStatusPublishing,
		worker,
	).Error
}

// MarkRetry returns a claimed row to the pending pool with a backoff delay.
func MarkRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, worker string, nextAttemptAt time.Time, cause string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE outbox_messages
		 SET status = ?, retry_count = retry_count + 1, next_attempt_at = ?, last_error = ?, claimed_by = NULL, claimed_at = NULL
		 WHERE id = ? AND status = ? AND claimed_by = ?`,
		OutboxStatusPending,
		nextAttemptAt,
		cause,
		id,
		OutboxStatusPublishing,
		worker,
	).Error
}

// MarkFailed dead-letters a row after retry exhaustion. The row stays for
// operator intervention and is never auto-purged.
func MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, worker string, cause string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE outbox_messages
		 SET status = ?, retry_count = retry_count + 1, last_error = ?, claimed_by = NULL, claimed_at = NULL
		 WHERE id = ? AND status = ? AND claimed_by = ?`,
		OutboxStatusFailed,
		cause,
		id,
		OutboxStatusPublishing,
		worker,
	).Error
}

// CountPending reports the current backlog.
func CountPending(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&OutboxMessage{}).
		Where("status = ?", OutboxStatusPending).
		Count(&n).Error
	return n, err
}
