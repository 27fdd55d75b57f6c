package entitlement

import (
	"github.com/smallbiznis/ration/internal/entitlement/planner"
	"github.com/smallbiznis/ration/internal/entitlement/service"
	"github.com/smallbiznis/ration/internal/ledger"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement",
	fx.Provide(
		planner.New,
		service.New,
		func(s *ledger.Store) service.LedgerStore { return s },
	),
)
