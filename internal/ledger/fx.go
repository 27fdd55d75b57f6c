package ledger

import (
	"github.com/smallbiznis/ration/internal/balancestore"
	"github.com/smallbiznis/ration/internal/jobqueue"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger",
	fx.Provide(
		New,
		NewWorker,
		func(s *Store) balancestore.LedgerSource { return s },
		func(w *Worker) jobqueue.Handler { return w.HandleBatch },
	),
)
