package shutdown

import (
	"os"

	"github.com/rs/zerolog/log"
)

// ExitFunc is indirected so tests can intercept fatal paths.
var ExitFunc = os.Exit

func Shutdown() {
	log.Info().Msg("Clima controller stopped")
	ExitFunc(0)
}

func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	ExitFunc(1)
}
