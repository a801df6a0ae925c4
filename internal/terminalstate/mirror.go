// Package terminalstate maintains the in-memory mirror of one account's
// remote terminal state: account information, positions, orders, symbol
// specifications, and prices, plus the equity/margin/profit figures
// derived from them on every price tick.
package terminalstate

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/termconnect/internal/events"
	"github.com/coachpo/termconnect/internal/model"
	"github.com/coachpo/termconnect/internal/observability"
)

// Mirror is a Listener that owns one account's terminal state snapshot.
// All mutations for a single event happen while holding mu, so readers
// never observe a partially-applied event.
type Mirror struct {
	events.BaseListener

	mu sync.RWMutex

	accountID           string
	statusTimerTimeout  time.Duration
	statusTimer         *time.Timer
	connected           bool
	connectedToBroker   bool

	accountInformation *AccountInformation
	positions          map[string]Position
	orders             map[string]Order
	completedOrders    map[string]bool
	specifications     map[string]SymbolSpecification
	prices             map[string]SymbolPrice
}

// New constructs an empty Mirror for accountID. statusTimerTimeout governs
// how long connectedToBroker stays true after the last broker status
// signal (spec default 60s).
func New(accountID string, statusTimerTimeout time.Duration) *Mirror {
	if statusTimerTimeout <= 0 {
		statusTimerTimeout = 60 * time.Second
	}
	return &Mirror{
		accountID:          accountID,
		statusTimerTimeout: statusTimerTimeout,
		positions:          make(map[string]Position),
		orders:             make(map[string]Order),
		completedOrders:    make(map[string]bool),
		specifications:     make(map[string]SymbolSpecification),
		prices:             make(map[string]SymbolPrice),
	}
}

// OnConnected marks the mirror connected to the transport.
func (m *Mirror) OnConnected() {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
}

// OnDisconnected marks both connected and connectedToBroker false and stops
// the broker-status watchdog. Events delivered afterwards are still applied;
// the mirror does not wait for a new synchronizationStarted.
func (m *Mirror) OnDisconnected() {
	m.mu.Lock()
	m.connected = false
	m.connectedToBroker = false
	if m.statusTimer != nil {
		m.statusTimer.Stop()
	}
	m.mu.Unlock()
}

// Connected reports whether the transport is currently attached.
func (m *Mirror) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// ConnectedToBroker reports whether a broker status signal has been seen
// within the last statusTimerTimeout.
func (m *Mirror) ConnectedToBroker() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectedToBroker
}

// OnBrokerConnectionStatusChanged records the broker status signal and
// (re)arms the watchdog timer that invalidates it after statusTimerTimeout.
func (m *Mirror) OnBrokerConnectionStatusChanged(connected bool, _ time.Time) {
	m.mu.Lock()
	m.connectedToBroker = connected
	if m.statusTimer != nil {
		m.statusTimer.Stop()
	}
	m.statusTimer = time.AfterFunc(m.statusTimerTimeout, m.invalidateBrokerStatus)
	m.mu.Unlock()
}

func (m *Mirror) invalidateBrokerStatus() {
	m.mu.Lock()
	m.connected = false
	m.connectedToBroker = false
	m.mu.Unlock()
}

// OnAccountInformationUpdated replaces the account information wholesale.
func (m *Mirror) OnAccountInformationUpdated(info model.AccountInformation) {
	m.mu.Lock()
	clone := info.Clone()
	m.accountInformation = &clone
	m.mu.Unlock()
}

// AccountInformation returns a snapshot of the current account information.
func (m *Mirror) AccountInformation() (AccountInformation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.accountInformation == nil {
		return AccountInformation{}, false
	}
	return m.accountInformation.Clone(), true
}

// OnPositionsReplaced atomically substitutes the whole positions map.
func (m *Mirror) OnPositionsReplaced(positions []model.Position) {
	m.mu.Lock()
	fresh := make(map[string]Position, len(positions))
	for _, p := range positions {
		fresh[p.ID] = p.Clone()
	}
	m.positions = fresh
	m.mu.Unlock()
}

// OnPositionUpdated upserts one position by id.
func (m *Mirror) OnPositionUpdated(position model.Position) {
	m.mu.Lock()
	m.positions[position.ID] = position.Clone()
	m.mu.Unlock()
}

// OnPositionRemoved deletes a position; per Removal finality, it does not
// reappear until the next OnPositionsReplaced carrying it.
func (m *Mirror) OnPositionRemoved(id string) {
	m.mu.Lock()
	delete(m.positions, id)
	m.mu.Unlock()
}

// Positions returns a snapshot slice of the current open positions.
func (m *Mirror) Positions() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p.Clone())
	}
	return out
}

// Position returns one position by id.
func (m *Mirror) Position(id string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return Position{}, false
	}
	return p.Clone(), true
}

// OnOrdersReplaced atomically substitutes the whole orders map.
func (m *Mirror) OnOrdersReplaced(orders []model.Order) {
	m.mu.Lock()
	fresh := make(map[string]Order, len(orders))
	for _, o := range orders {
		fresh[o.ID] = o.Clone()
	}
	m.orders = fresh
	m.completedOrders = make(map[string]bool)
	m.mu.Unlock()
}

// OnOrderUpdated upserts one order by id, unless id was already completed
// by a prior OnOrderCompleted not yet cleared by a full resync.
func (m *Mirror) OnOrderUpdated(order model.Order) {
	m.mu.Lock()
	if m.completedOrders[order.ID] {
		m.mu.Unlock()
		return
	}
	m.orders[order.ID] = order.Clone()
	m.mu.Unlock()
}

// OnOrderCompleted deletes an order and marks its id terminal, so a later
// update for the same id is ignored until a full resync reintroduces it.
func (m *Mirror) OnOrderCompleted(id string) {
	m.mu.Lock()
	delete(m.orders, id)
	m.completedOrders[id] = true
	m.mu.Unlock()
}

// Orders returns a snapshot slice of the current pending orders.
func (m *Mirror) Orders() []Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o.Clone())
	}
	return out
}

// Order returns one order by id.
func (m *Mirror) Order(id string) (Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, false
	}
	return o.Clone(), true
}

// OnSymbolSpecificationUpdated upserts a symbol specification, replacing
// the prior value in its entirety.
func (m *Mirror) OnSymbolSpecificationUpdated(spec model.SymbolSpecification) {
	m.mu.Lock()
	m.specifications[spec.Symbol] = spec.Clone()
	m.mu.Unlock()
}

// SymbolSpecification returns the known spec for symbol, if any.
func (m *Mirror) SymbolSpecification(symbol string) (SymbolSpecification, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.specifications[symbol]
	if !ok {
		return SymbolSpecification{}, false
	}
	return s.Clone(), true
}

// SymbolPrice returns the latest known quote for symbol, if any.
func (m *Mirror) SymbolPrice(symbol string) (SymbolPrice, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[symbol]
	if !ok {
		return SymbolPrice{}, false
	}
	return p.Clone(), true
}

// OnSymbolPricesUpdated upserts the given prices and re-derives
// position/order/account figures in one atomic step, per spec §4.C.
func (m *Mirror) OnSymbolPricesUpdated(prices []model.SymbolPrice, override model.PriceOverride) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, price := range prices {
		m.prices[price.Symbol] = price.Clone()
		m.applyPriceToPositions(price)
		m.applyPriceToOrders(price)
	}

	m.recomputeEquity()
	m.applyOverride(override)
}

// applyPriceToPositions implements the per-position derivation in §4.C:
// currentPrice, profit, and unrealizedProfit move with the tick, scaled
// by the spec's tick size and the price's directional tick value.
func (m *Mirror) applyPriceToPositions(price model.SymbolPrice) {
	spec, ok := m.specifications[price.Symbol]
	if !ok || spec.TickSize.IsZero() {
		return
	}
	for id, pos := range m.positions {
		if pos.Symbol != price.Symbol {
			continue
		}
		var newPrice decimal.Decimal
		var sign int64 = 1
		if pos.Type == model.PositionSell {
			newPrice = price.Ask
			sign = -1
		} else {
			newPrice = price.Bid
		}

		priceChange := newPrice.Sub(pos.CurrentPrice)
		ticks := priceChange.Div(spec.TickSize)
		tickValue := price.ProfitTickValue
		if priceChange.IsNegative() {
			tickValue = price.LossTickValue
		}
		profitDelta := ticks.Mul(tickValue).Mul(pos.Volume).Mul(decimal.NewFromInt(sign))

		pos.CurrentPrice = newPrice
		pos.Profit = pos.Profit.Add(profitDelta)
		pos.UnrealizedProfit = pos.UnrealizedProfit.Add(profitDelta)
		m.positions[id] = pos
	}
}

// applyPriceToOrders implements the order-side half of §4.C: currentPrice
// tracks bid for sell-side pending orders, ask otherwise, when the spec
// is known; unknown-spec orders are left unchanged.
func (m *Mirror) applyPriceToOrders(price model.SymbolPrice) {
	if _, ok := m.specifications[price.Symbol]; !ok {
		return
	}
	for id, ord := range m.orders {
		if ord.Symbol != price.Symbol {
			continue
		}
		if isSellOrder(ord.Type) {
			ord.CurrentPrice = price.Bid
		} else {
			ord.CurrentPrice = price.Ask
		}
		m.orders[id] = ord
	}
}

func isSellOrder(t model.OrderType) bool {
	switch t {
	case model.OrderSellLimit, model.OrderSellStop, model.OrderSellStopLimit:
		return true
	default:
		return false
	}
}

// recomputeEquity implements the equity identity from §8.2:
// equity = balance + Σ positions.profit.
func (m *Mirror) recomputeEquity() {
	if m.accountInformation == nil {
		return
	}
	sum := decimal.Zero
	for _, pos := range m.positions {
		sum = sum.Add(pos.Profit)
	}
	m.accountInformation.Equity = m.accountInformation.Balance.Add(sum)
}

// applyOverride applies explicit equity/margin/freeMargin/marginLevel
// fields carried by the prices event, which win over the derived values.
func (m *Mirror) applyOverride(override model.PriceOverride) {
	if m.accountInformation == nil {
		if override.Equity == nil && override.Margin == nil && override.FreeMargin == nil && override.MarginLevel == nil {
			return
		}
		m.accountInformation = &AccountInformation{}
	}
	if override.Equity != nil {
		m.accountInformation.Equity = *override.Equity
	}
	if override.Margin != nil {
		m.accountInformation.Margin = *override.Margin
	}
	if override.FreeMargin != nil {
		m.accountInformation.FreeMargin = *override.FreeMargin
	}
	if override.MarginLevel != nil {
		m.accountInformation.MarginLevel = *override.MarginLevel
	}
}

// OnSynchronizationStarted is observed for logging only; the positions
// and orders maps are only ever substituted wholesale by an explicit
// OnPositionsReplaced/OnOrdersReplaced carrying the fresh snapshot.
func (m *Mirror) OnSynchronizationStarted(synchronizationID string) {
	observability.Log().Debug("terminal state observing synchronization start",
		observability.Field{Key: "accountId", Value: m.accountID},
		observability.Field{Key: "synchronizationId", Value: synchronizationID},
	)
}

var _ events.Listener = (*Mirror)(nil)
