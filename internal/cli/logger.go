package cli

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mehmetymw/delta2dwh/internal/config"
)

// newLogger builds the process logger from config: production JSON for
// scheduled runs, console encoding for working locally.
func newLogger(cfg config.Logging) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.Set(cfg.Level); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.Encoding = cfg.Format
	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("log format %q: %w", cfg.Format, err)
	}
	return logger, nil
}
