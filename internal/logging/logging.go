package logging

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global logger. An empty path logs to stderr, which
// is what systemd journals; a path appends to that file.
func Init(level zerolog.Level, path string) {
	var writer zerolog.LevelWriter

	if path == "" {
		writer = zerolog.MultiLevelWriter(os.Stderr)
	} else {
		logFile, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			panic(fmt.Errorf("failed to open log file: %w", err))
		}
		writer = zerolog.MultiLevelWriter(logFile)
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	log.Logger = logger

	if level == zerolog.DebugLevel {
		log.Debug().Msg("Log level set to DEBUG")
	}
}
