package track

import (
	"github.com/soundrail/soundrail/internal/track/repository"
	"github.com/soundrail/soundrail/internal/track/service"
	"go.uber.org/fx"
)

var Module = fx.Module("track",
	repository.Module,
	fx.Provide(service.NewService),
)
