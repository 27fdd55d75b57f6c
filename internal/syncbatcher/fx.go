package syncbatcher

import (
	"context"

	"github.com/smallbiznis/ration/internal/balancestore"
	"go.uber.org/fx"
)

var Module = fx.Module("syncbatcher",
	fx.Provide(
		New,
		func(b *Batcher) balancestore.DirtySink { return b },
	),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, b *Batcher) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return b.Start()
		},
		OnStop: func(ctx context.Context) error {
			return b.Stop(ctx)
		},
	})
}
