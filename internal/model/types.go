// Package model holds the domain types shared across the terminal state
// mirror, history storage, and the capability-set listener interface.
// Keeping them in a leaf package lets those three depend on the shapes
// without depending on each other.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionType identifies the direction of an open position.
type PositionType string

const (
	PositionBuy  PositionType = "BUY"
	PositionSell PositionType = "SELL"
)

// OrderType enumerates the pending order types the terminal recognizes.
type OrderType string

const (
	OrderBuyLimit      OrderType = "BUY_LIMIT"
	OrderSellLimit     OrderType = "SELL_LIMIT"
	OrderBuyStop       OrderType = "BUY_STOP"
	OrderSellStop      OrderType = "SELL_STOP"
	OrderBuyStopLimit  OrderType = "BUY_STOP_LIMIT"
	OrderSellStopLimit OrderType = "SELL_STOP_LIMIT"
)

// AccountInformation mirrors the remote account's static and derived fields.
type AccountInformation struct {
	Currency     string          `json:"currency"`
	Balance      decimal.Decimal `json:"balance"`
	Equity       decimal.Decimal `json:"equity"`
	Margin       decimal.Decimal `json:"margin"`
	FreeMargin   decimal.Decimal `json:"freeMargin"`
	MarginLevel  decimal.Decimal `json:"marginLevel"`
	Leverage     decimal.Decimal `json:"leverage"`
	MarginMode   string          `json:"marginMode"`
	TradeAllowed bool            `json:"tradeAllowed"`
	InvestorMode bool            `json:"investorMode"`
	Broker       string          `json:"broker"`
	Server       string          `json:"server"`
	Platform     string          `json:"platform"`
}

// Clone returns a value copy; AccountInformation has no reference fields.
func (a AccountInformation) Clone() AccountInformation { return a }

// Position describes an open exposure on the account.
type Position struct {
	ID               string           `json:"id"`
	Symbol           string           `json:"symbol"`
	Type             PositionType     `json:"type"`
	Volume           decimal.Decimal  `json:"volume"`
	OpenPrice        decimal.Decimal  `json:"openPrice"`
	CurrentPrice     decimal.Decimal  `json:"currentPrice"`
	CurrentTickValue decimal.Decimal  `json:"currentTickValue"`
	StopLoss         *decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit       *decimal.Decimal `json:"takeProfit,omitempty"`
	Profit           decimal.Decimal  `json:"profit"`
	UnrealizedProfit decimal.Decimal  `json:"unrealizedProfit"`
	Swap             decimal.Decimal  `json:"swap"`
	Commission       decimal.Decimal  `json:"commission"`
	RealizedProfit   decimal.Decimal  `json:"realizedProfit"`
	Time             time.Time        `json:"time"`
	UpdateTime       time.Time        `json:"updateTime"`
	Magic            int64            `json:"magic"`
	Comment          *string          `json:"comment,omitempty"`
	ClientID         *string          `json:"clientId,omitempty"`
	Reason           string           `json:"reason"`
	OriginalComment  *string          `json:"originalComment,omitempty"`
}

// Clone returns a deep-enough copy: pointer fields are duplicated so
// callers cannot mutate the mirror's internal state through them.
func (p Position) Clone() Position {
	clone := p
	if p.StopLoss != nil {
		v := *p.StopLoss
		clone.StopLoss = &v
	}
	if p.TakeProfit != nil {
		v := *p.TakeProfit
		clone.TakeProfit = &v
	}
	if p.Comment != nil {
		v := *p.Comment
		clone.Comment = &v
	}
	if p.ClientID != nil {
		v := *p.ClientID
		clone.ClientID = &v
	}
	if p.OriginalComment != nil {
		v := *p.OriginalComment
		clone.OriginalComment = &v
	}
	return clone
}

// Order describes a pending instruction on the account.
type Order struct {
	ID             string           `json:"id"`
	Symbol         string           `json:"symbol"`
	Type           OrderType        `json:"type"`
	State          string           `json:"state"`
	Volume         decimal.Decimal  `json:"volume"`
	CurrentVolume  decimal.Decimal  `json:"currentVolume"`
	OpenPrice      decimal.Decimal  `json:"openPrice"`
	CurrentPrice   decimal.Decimal  `json:"currentPrice"`
	StopLoss       *decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit     *decimal.Decimal `json:"takeProfit,omitempty"`
	ExpirationType *string          `json:"expirationType,omitempty"`
	ExpirationTime *time.Time       `json:"expirationTime,omitempty"`
	FillingMode    *string          `json:"fillingMode,omitempty"`
}

// Clone duplicates pointer fields so readers cannot mutate the mirror.
func (o Order) Clone() Order {
	clone := o
	if o.StopLoss != nil {
		v := *o.StopLoss
		clone.StopLoss = &v
	}
	if o.TakeProfit != nil {
		v := *o.TakeProfit
		clone.TakeProfit = &v
	}
	if o.ExpirationType != nil {
		v := *o.ExpirationType
		clone.ExpirationType = &v
	}
	if o.ExpirationTime != nil {
		v := *o.ExpirationTime
		clone.ExpirationTime = &v
	}
	if o.FillingMode != nil {
		v := *o.FillingMode
		clone.FillingMode = &v
	}
	return clone
}

// TradeSession is one open window within a SymbolSpecification's session schedule.
type TradeSession struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SymbolSpecification describes the tradable parameters of a symbol.
type SymbolSpecification struct {
	Symbol        string                    `json:"symbol"`
	TickSize      decimal.Decimal           `json:"tickSize"`
	MinVolume     decimal.Decimal           `json:"minVolume"`
	MaxVolume     decimal.Decimal           `json:"maxVolume"`
	VolumeStep    decimal.Decimal           `json:"volumeStep"`
	ContractSize  decimal.Decimal           `json:"contractSize"`
	QuoteSessions map[string][]TradeSession `json:"quoteSessions"`
	TradeSessions map[string][]TradeSession `json:"tradeSessions"`
	Digits        int                       `json:"digits"`
	MarginMode    string                    `json:"marginMode"`
}

// Clone returns a deep copy of the session maps so readers cannot mutate
// the mirror's internal state.
func (s SymbolSpecification) Clone() SymbolSpecification {
	clone := s
	clone.QuoteSessions = cloneSessions(s.QuoteSessions)
	clone.TradeSessions = cloneSessions(s.TradeSessions)
	return clone
}

func cloneSessions(in map[string][]TradeSession) map[string][]TradeSession {
	if in == nil {
		return nil
	}
	out := make(map[string][]TradeSession, len(in))
	for k, v := range in {
		cp := make([]TradeSession, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// SymbolPrice is the latest quote for a symbol.
type SymbolPrice struct {
	Symbol                      string           `json:"symbol"`
	Bid                         decimal.Decimal  `json:"bid"`
	Ask                         decimal.Decimal  `json:"ask"`
	ProfitTickValue             decimal.Decimal  `json:"profitTickValue"`
	LossTickValue               decimal.Decimal  `json:"lossTickValue"`
	AccountCurrencyExchangeRate *decimal.Decimal `json:"accountCurrencyExchangeRate,omitempty"`
	Time                        time.Time        `json:"time"`
	BrokerTime                  time.Time        `json:"brokerTime"`
}

// Clone duplicates the optional exchange-rate pointer.
func (p SymbolPrice) Clone() SymbolPrice {
	clone := p
	if p.AccountCurrencyExchangeRate != nil {
		v := *p.AccountCurrencyExchangeRate
		clone.AccountCurrencyExchangeRate = &v
	}
	return clone
}

// PriceOverride carries the optional explicit account-level fields an
// onSymbolPricesUpdated event may include alongside quote updates.
type PriceOverride struct {
	Equity      *decimal.Decimal `json:"equity,omitempty"`
	Margin      *decimal.Decimal `json:"margin,omitempty"`
	FreeMargin  *decimal.Decimal `json:"freeMargin,omitempty"`
	MarginLevel *decimal.Decimal `json:"marginLevel,omitempty"`
}

// Deal is one completed execution record in the deals log.
type Deal struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"orderId,omitempty"`
	PositionID string          `json:"positionId,omitempty"`
	Symbol     string          `json:"symbol"`
	Type       string          `json:"type"`
	Volume     decimal.Decimal `json:"volume"`
	Price      decimal.Decimal `json:"price"`
	Profit     decimal.Decimal `json:"profit"`
	Commission decimal.Decimal `json:"commission"`
	Swap       decimal.Decimal `json:"swap"`
	DoneTime   time.Time       `json:"doneTime"`
	Comment    string          `json:"comment,omitempty"`

	// LocalID is a generated ulid that history storage assigns when the
	// record arrives without an upstream id; it never appears on the wire.
	LocalID string `json:"-"`
}

// HistoryOrder is one completed or cancelled order record in the orders log.
type HistoryOrder struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Type      string          `json:"type"`
	State     string          `json:"state"`
	Volume    decimal.Decimal `json:"volume"`
	OpenPrice decimal.Decimal `json:"openPrice"`
	DoneTime  time.Time       `json:"doneTime"`
	Comment   string          `json:"comment,omitempty"`

	LocalID string `json:"-"`
}
