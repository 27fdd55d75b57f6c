package jobqueue

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config tunes the in-process queue.
type Config struct {
	Buffer int
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Handler Handler
	Config  Config `optional:"true"`
}

func NewQueue(p Params) *InProcess {
	return NewInProcess(p.Log, p.Handler, p.Config.Buffer)
}

var Module = fx.Module("jobqueue",
	fx.Provide(
		NewQueue,
		func(q *InProcess) Queue { return q },
	),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, q *InProcess) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return q.Start()
		},
		OnStop: q.Stop,
	})
}
