package uploadsession

import (
	"github.com/soundrail/soundrail/internal/uploadsession/repository"
	"github.com/soundrail/soundrail/internal/uploadsession/service"
	"go.uber.org/fx"
)

var Module = fx.Module("uploadsession",
	repository.Module,
	service.Module,
)
