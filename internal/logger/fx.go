package logger

import (
	"context"

	"github.com/smallbiznis/ration/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewFromConfig builds the app logger at the configured level, stamped
// with the service name.
func NewFromConfig(cfg config.Config) (*zap.Logger, error) {
	log, err := New(cfg.Logger.Level)
	if err != nil {
		return nil, err
	}
	return log.With(zap.String("service", cfg.AppName)), nil
}

func registerHooks(lc fx.Lifecycle, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = log.Sync()
			return nil
		},
	})
}

// Module wires the app-wide zap logger and a final Sync on shutdown.
var Module = fx.Module("logger",
	fx.Provide(NewFromConfig),
	fx.Invoke(registerHooks),
)
