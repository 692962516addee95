// Package audit exposes the lifecycle audit hook. The pipeline treats the
// hook as fire-and-forget: failures are logged and never fail the mutation
// that triggered them.
package audit

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Recorder receives lifecycle-changing actions for the audit subsystem.
type Recorder interface {
	RecordAction(ctx context.Context, actor, action, target, reason string) error
}

type logRecorder struct {
	log *zap.Logger
}

// NewLogRecorder returns a Recorder that writes audit entries to the
// structured log. Deployments with a dedicated audit subsystem replace this
// binding.
func NewLogRecorder(log *zap.Logger) Recorder {
	return &logRecorder{log: log.Named("audit")}
}

func (r *logRecorder) RecordAction(ctx context.Context, actor, action, target, reason string) error {
	_ = ctx
	r.log.Info("audit action",
		zap.String("actor", actor),
		zap.String("action", action),
		zap.String("target", target),
		zap.String("reason", reason),
	)
	return nil
}

var Module = fx.Module("audit",
	fx.Provide(NewLogRecorder),
)
