// Package migration creates the pipeline schema on startup so local and
// self-hosted deployments work out of the box.
package migration

import (
	"github.com/soundrail/soundrail/internal/events"
	"github.com/soundrail/soundrail/internal/quota"
	trackdomain "github.com/soundrail/soundrail/internal/track/domain"
	sessiondomain "github.com/soundrail/soundrail/internal/uploadsession/domain"
	"gorm.io/gorm"
)

// Models lists every persisted table of the pipeline, in dependency order.
func Models() []any {
	return []any{
		&trackdomain.Track{},
		&sessiondomain.UploadSession{},
		&events.OutboxMessage{},
		&quota.UserQuota{},
		&quota.QuotaReversal{},
	}
}

// Run applies the schema.
func Run(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
