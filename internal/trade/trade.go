// Package trade builds typed trade requests, sends them over the
// transport, and maps server retcodes to the SDK's error kinds.
package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/termconnect/errs"
	"github.com/coachpo/termconnect/internal/wire"
)

// ActionType enumerates the trade actions spec §4.H recognizes.
type ActionType string

const (
	ActionOrderBuy             ActionType = "ORDER_TYPE_BUY"
	ActionOrderSell            ActionType = "ORDER_TYPE_SELL"
	ActionOrderBuyLimit        ActionType = "ORDER_TYPE_BUY_LIMIT"
	ActionOrderSellLimit       ActionType = "ORDER_TYPE_SELL_LIMIT"
	ActionOrderBuyStop         ActionType = "ORDER_TYPE_BUY_STOP"
	ActionOrderSellStop        ActionType = "ORDER_TYPE_SELL_STOP"
	ActionOrderBuyStopLimit    ActionType = "ORDER_TYPE_BUY_STOP_LIMIT"
	ActionOrderSellStopLimit   ActionType = "ORDER_TYPE_SELL_STOP_LIMIT"
	ActionPositionModify       ActionType = "POSITION_MODIFY"
	ActionPositionPartial      ActionType = "POSITION_PARTIAL"
	ActionPositionCloseID      ActionType = "POSITION_CLOSE_ID"
	ActionPositionCloseBy      ActionType = "POSITION_CLOSE_BY"
	ActionPositionsCloseSymbol ActionType = "POSITIONS_CLOSE_SYMBOL"
	ActionOrderModify          ActionType = "ORDER_MODIFY"
	ActionOrderCancel          ActionType = "ORDER_CANCEL"
)

var knownActions = map[ActionType]bool{
	ActionOrderBuy: true, ActionOrderSell: true,
	ActionOrderBuyLimit: true, ActionOrderSellLimit: true,
	ActionOrderBuyStop: true, ActionOrderSellStop: true,
	ActionOrderBuyStopLimit: true, ActionOrderSellStopLimit: true,
	ActionPositionModify: true, ActionPositionPartial: true,
	ActionPositionCloseID: true, ActionPositionCloseBy: true,
	ActionPositionsCloseSymbol: true,
	ActionOrderModify:          true,
	ActionOrderCancel:          true,
}

// Request is the typed trade request sent over the wire. Option structs
// mutate it through applyTo; nothing here is populated by reflection.
type Request struct {
	ActionType ActionType       `json:"actionType"`
	Symbol     string           `json:"symbol,omitempty"`
	Volume     *decimal.Decimal `json:"volume,omitempty"`
	OpenPrice  *decimal.Decimal `json:"openPrice,omitempty"`
	StopLoss   *decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit *decimal.Decimal `json:"takeProfit,omitempty"`
	OrderID    string           `json:"orderId,omitempty"`
	PositionID string           `json:"positionId,omitempty"`
	CloseByID  string           `json:"closeByPositionId,omitempty"`

	Comment        string           `json:"comment,omitempty"`
	ClientID       string           `json:"clientId,omitempty"`
	Magic          *int64           `json:"magic,omitempty"`
	Slippage       *decimal.Decimal `json:"slippage,omitempty"`
	FillingMode    string           `json:"fillingMode,omitempty"`
	ExpirationType string           `json:"expirationType,omitempty"`
	ExpirationTime *time.Time       `json:"expirationTime,omitempty"`
}

// Option merges one recognized trade-options field into a Request. Each
// option is its own typed struct rather than a name-matched field copy.
type Option interface {
	applyTo(*Request)
}

type commentOption string

func (o commentOption) applyTo(r *Request) { r.Comment = string(o) }

// WithComment attaches a free-text tag returned with the trade response.
// Applies to market and pending orders.
func WithComment(comment string) Option { return commentOption(comment) }

type clientIDOption string

func (o clientIDOption) applyTo(r *Request) { r.ClientID = string(o) }

// WithClientID echoes id in future events for client-side correlation.
// Applies to market and pending orders.
func WithClientID(id string) Option { return clientIDOption(id) }

type magicOption int64

func (o magicOption) applyTo(r *Request) { m := int64(o); r.Magic = &m }

// WithMagic overrides the connection-level magic number for this trade.
// Applies to market and pending orders.
func WithMagic(magic int64) Option { return magicOption(magic) }

type slippageOption decimal.Decimal

func (o slippageOption) applyTo(r *Request) { d := decimal.Decimal(o); r.Slippage = &d }

// WithSlippage caps the allowed slippage in price points. Applies to
// market orders and position closes.
func WithSlippage(slippage decimal.Decimal) Option { return slippageOption(slippage) }

type fillingModeOption string

func (o fillingModeOption) applyTo(r *Request) { r.FillingMode = string(o) }

// FillingMode values recognized by WithFillingMode.
const (
	FillFOK    = "FOK"
	FillIOC    = "IOC"
	FillReturn = "RETURN"
)

// WithFillingMode selects the order-filling policy. Applies to market orders.
func WithFillingMode(mode string) Option { return fillingModeOption(mode) }

type expirationOption struct {
	typ string
	at  time.Time
}

func (o expirationOption) applyTo(r *Request) {
	r.ExpirationType = o.typ
	if !o.at.IsZero() && (o.typ == ExpirationSpecified || o.typ == ExpirationSpecifiedDay) {
		t := o.at
		r.ExpirationTime = &t
	}
}

// Expiration type values recognized by WithExpiration.
const (
	ExpirationGTC          = "GTC"
	ExpirationDay          = "DAY"
	ExpirationSpecified    = "SPECIFIED"
	ExpirationSpecifiedDay = "SPECIFIED_DAY"
)

// WithExpiration sets a pending order's expiration policy; at is ignored
// unless typ is SPECIFIED or SPECIFIED_DAY.
func WithExpiration(typ string, at time.Time) Option { return expirationOption{typ: typ, at: at} }

// Response is the server's reply to a trade request.
type Response struct {
	NumericCode int    `json:"numericCode"`
	StringCode  string `json:"stringCode"`
	Message     string `json:"message"`
	OrderID     string `json:"orderId,omitempty"`
	PositionID  string `json:"positionId,omitempty"`
}

// successCodes mirrors the original SDK's retcode table: trade responses
// carrying one of these numeric codes are successes; everything else is a
// TradeError.
var successCodes = map[int]bool{
	0:     true, // generic "no error" sentinel used by some request shapes
	10008: true, // TRADE_RETCODE_PLACED
	10009: true, // TRADE_RETCODE_DONE
	10010: true, // TRADE_RETCODE_DONE_PARTIAL
}

type requester interface {
	Request(ctx context.Context, accountID string, reqType wire.RequestType, payload any) (wire.Envelope, error)
}

// Client builds and sends trade requests for one account.
type Client struct {
	transport    requester
	accountID    string
	defaultMagic int64
}

// New constructs a trade Client bound to accountID. defaultMagic is used
// on every request unless overridden by WithMagic.
func New(transport requester, accountID string, defaultMagic int64) *Client {
	return &Client{transport: transport, accountID: accountID, defaultMagic: defaultMagic}
}

// Execute sends a trade request built from action/symbol/volume plus any
// recognized options, and maps the response to a Response or a TradeError.
// Trade calls are never implicitly retried.
func (c *Client) Execute(ctx context.Context, action ActionType, symbol string, volume decimal.Decimal, opts ...Option) (*Response, error) {
	if !knownActions[action] {
		return nil, errs.New("trade", errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("unknown trade action type %q", action)),
			errs.WithField("accountId", c.accountID))
	}

	req := &Request{ActionType: action, Symbol: symbol}
	if !volume.IsZero() {
		v := volume
		req.Volume = &v
	}
	if c.defaultMagic != 0 {
		m := c.defaultMagic
		req.Magic = &m
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyTo(req)
		}
	}

	env, err := c.transport.Request(ctx, c.accountID, wire.RequestTrade, req)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := env.DecodePayload(&resp); err != nil {
		return nil, errs.New("trade", errs.CodeInternal,
			errs.WithMessage("decoding trade response"), errs.WithCause(err))
	}

	if successCodes[resp.NumericCode] {
		return &resp, nil
	}

	code := errs.CodeTrade
	if resp.StringCode == "" && resp.Message == "" && resp.NumericCode == 0 {
		code = errs.CodeInternal
	}
	return nil, errs.New("trade", code,
		errs.WithMessage(resp.Message),
		errs.WithTradeCodes(resp.NumericCode, resp.StringCode, resp.Message),
		errs.WithField("accountId", c.accountID))
}

// Modify issues a POSITION_MODIFY request against positionID.
func (c *Client) Modify(ctx context.Context, positionID string, stopLoss, takeProfit *decimal.Decimal, opts ...Option) (*Response, error) {
	req := &Request{ActionType: ActionPositionModify, PositionID: positionID, StopLoss: stopLoss, TakeProfit: takeProfit}
	return c.send(ctx, req, opts)
}

// Close issues a POSITION_CLOSE_ID request against positionID.
func (c *Client) Close(ctx context.Context, positionID string, opts ...Option) (*Response, error) {
	req := &Request{ActionType: ActionPositionCloseID, PositionID: positionID}
	return c.send(ctx, req, opts)
}

// CloseBy issues a POSITION_CLOSE_BY request, closing positionID against
// its opposite closeByPositionID.
func (c *Client) CloseBy(ctx context.Context, positionID, closeByPositionID string, opts ...Option) (*Response, error) {
	req := &Request{ActionType: ActionPositionCloseBy, PositionID: positionID, CloseByID: closeByPositionID}
	return c.send(ctx, req, opts)
}

// CancelOrder issues an ORDER_CANCEL request against orderID.
func (c *Client) CancelOrder(ctx context.Context, orderID string, opts ...Option) (*Response, error) {
	req := &Request{ActionType: ActionOrderCancel, OrderID: orderID}
	return c.send(ctx, req, opts)
}

func (c *Client) send(ctx context.Context, req *Request, opts []Option) (*Response, error) {
	if c.defaultMagic != 0 && req.Magic == nil {
		m := c.defaultMagic
		req.Magic = &m
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyTo(req)
		}
	}

	env, err := c.transport.Request(ctx, c.accountID, wire.RequestTrade, req)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := env.DecodePayload(&resp); err != nil {
		return nil, errs.New("trade", errs.CodeInternal,
			errs.WithMessage("decoding trade response"), errs.WithCause(err))
	}
	if successCodes[resp.NumericCode] {
		return &resp, nil
	}
	return nil, errs.New("trade", errs.CodeTrade,
		errs.WithMessage(resp.Message),
		errs.WithTradeCodes(resp.NumericCode, resp.StringCode, resp.Message),
		errs.WithField("accountId", c.accountID))
}
