package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/soundrail/soundrail/internal/accesscache"
	"github.com/soundrail/soundrail/internal/audit"
	"github.com/soundrail/soundrail/internal/broker"
	"github.com/soundrail/soundrail/internal/clock"
	"github.com/soundrail/soundrail/internal/config"
	"github.com/soundrail/soundrail/internal/deletion"
	"github.com/soundrail/soundrail/internal/events"
	"github.com/soundrail/soundrail/internal/ingest"
	"github.com/soundrail/soundrail/internal/migration"
	"github.com/soundrail/soundrail/internal/objstore"
	"github.com/soundrail/soundrail/internal/observability"
	"github.com/soundrail/soundrail/internal/processing"
	"github.com/soundrail/soundrail/internal/quota"
	"github.com/soundrail/soundrail/internal/track"
	"github.com/soundrail/soundrail/internal/uploadsession"
	"github.com/soundrail/soundrail/pkg/db"
	"github.com/soundrail/soundrail/pkg/telemetry"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		telemetry.Module,
		migration.Module,
		broker.Module,
		objstore.Module,
		accesscache.Module,
		audit.Module,

		// Pipeline domains
		track.Module,
		uploadsession.Module,
		quota.Module,
		events.Module,
		ingest.Module,
		processing.Module,
		deletion.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
