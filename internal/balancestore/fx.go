package balancestore

import "go.uber.org/fx"

var Module = fx.Module("balancestore",
	fx.Provide(New),
)
