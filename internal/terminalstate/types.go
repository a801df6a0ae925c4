package terminalstate

import "github.com/coachpo/termconnect/internal/model"

// Type aliases bring the shared domain model into this package's
// vocabulary so callers write terminalstate.Position rather than
// reaching into the model package directly.
type (
	PositionType         = model.PositionType
	OrderType            = model.OrderType
	AccountInformation   = model.AccountInformation
	Position             = model.Position
	Order                = model.Order
	TradeSession         = model.TradeSession
	SymbolSpecification  = model.SymbolSpecification
	SymbolPrice          = model.SymbolPrice
	PriceOverride        = model.PriceOverride
)

const (
	PositionBuy  = model.PositionBuy
	PositionSell = model.PositionSell

	OrderBuyLimit      = model.OrderBuyLimit
	OrderSellLimit     = model.OrderSellLimit
	OrderBuyStop       = model.OrderBuyStop
	OrderSellStop      = model.OrderSellStop
	OrderBuyStopLimit  = model.OrderBuyStopLimit
	OrderSellStopLimit = model.OrderSellStopLimit
)
