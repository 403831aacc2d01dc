package env

import (
	"time"

	"github.com/thatsimonsguy/clima-controller/internal/config"
)

var (
	Cfg       *config.Config
	StartedAt time.Time
)
