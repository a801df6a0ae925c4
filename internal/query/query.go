// Package query implements the thin request/response accessors bound to
// one account id: every method issues a single transport request and
// decodes its response into a model type.
package query

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/termconnect/errs"
	"github.com/coachpo/termconnect/internal/model"
	"github.com/coachpo/termconnect/internal/wire"
)

// Operation identifies which query this request carries; it rides inside
// the "query" request frame's payload alongside the operation's own
// arguments, grounded on the teacher's dispatcher request plumbing
// (typed request structs, one operation tag per call).
type Operation string

const (
	OpAccountInformation    Operation = "getAccountInformation"
	OpPositions             Operation = "getPositions"
	OpPosition              Operation = "getPosition"
	OpOrders                Operation = "getOrders"
	OpOrder                 Operation = "getOrder"
	OpHistoryOrdersByTicket Operation = "getHistoryOrdersByTicket"
	OpHistoryOrdersByPos    Operation = "getHistoryOrdersByPosition"
	OpHistoryOrdersByTime   Operation = "getHistoryOrdersByTimeRange"
	OpDealsByTicket         Operation = "getDealsByTicket"
	OpDealsByPosition       Operation = "getDealsByPosition"
	OpDealsByTimeRange      Operation = "getDealsByTimeRange"
	OpRemoveHistory         Operation = "removeHistory"
	OpRemoveApplication     Operation = "removeApplication"
	OpSubscribeToMarketData Operation = "subscribeToMarketData"
	OpSymbolSpecification   Operation = "getSymbolSpecification"
	OpSymbolPrice           Operation = "getSymbolPrice"
	OpSaveUptime            Operation = "saveUptime"
)

type requester interface {
	Request(ctx context.Context, accountID string, reqType wire.RequestType, payload any) (wire.Envelope, error)
}

type envelope struct {
	Operation Operation `json:"operation"`
	Args      any       `json:"args,omitempty"`
}

// Client issues query requests for one account id.
type Client struct {
	transport requester
	accountID string

	mu            sync.Mutex
	subscriptions map[string]struct{}
}

// New constructs a query Client bound to accountID.
func New(transport requester, accountID string) *Client {
	return &Client{transport: transport, accountID: accountID, subscriptions: make(map[string]struct{})}
}

func (c *Client) do(ctx context.Context, op Operation, args any, out any) error {
	env, err := c.transport.Request(ctx, c.accountID, wire.RequestQuery, envelope{Operation: op, Args: args})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := env.DecodePayload(out); err != nil {
		return errs.New("query", errs.CodeInternal,
			errs.WithMessage("decoding "+string(op)+" response"), errs.WithCause(err))
	}
	return nil
}

// GetAccountInformation fetches the account's current information.
func (c *Client) GetAccountInformation(ctx context.Context) (model.AccountInformation, error) {
	var out model.AccountInformation
	err := c.do(ctx, OpAccountInformation, nil, &out)
	return out, err
}

// GetPositions fetches every open position.
func (c *Client) GetPositions(ctx context.Context) ([]model.Position, error) {
	var out []model.Position
	err := c.do(ctx, OpPositions, nil, &out)
	return out, err
}

// GetPosition fetches a single position by id.
func (c *Client) GetPosition(ctx context.Context, id string) (model.Position, error) {
	var out model.Position
	err := c.do(ctx, OpPosition, struct {
		ID string `json:"id"`
	}{id}, &out)
	return out, err
}

// GetOrders fetches every pending order.
func (c *Client) GetOrders(ctx context.Context) ([]model.Order, error) {
	var out []model.Order
	err := c.do(ctx, OpOrders, nil, &out)
	return out, err
}

// GetOrder fetches a single pending order by id.
func (c *Client) GetOrder(ctx context.Context, id string) (model.Order, error) {
	var out model.Order
	err := c.do(ctx, OpOrder, struct {
		ID string `json:"id"`
	}{id}, &out)
	return out, err
}

// GetHistoryOrdersByTicket fetches history orders matching a ticket id.
func (c *Client) GetHistoryOrdersByTicket(ctx context.Context, ticket string) ([]model.HistoryOrder, error) {
	var out []model.HistoryOrder
	err := c.do(ctx, OpHistoryOrdersByTicket, struct {
		Ticket string `json:"ticket"`
	}{ticket}, &out)
	return out, err
}

// GetHistoryOrdersByPosition fetches history orders tied to positionID.
func (c *Client) GetHistoryOrdersByPosition(ctx context.Context, positionID string) ([]model.HistoryOrder, error) {
	var out []model.HistoryOrder
	err := c.do(ctx, OpHistoryOrdersByPos, struct {
		PositionID string `json:"positionId"`
	}{positionID}, &out)
	return out, err
}

// GetHistoryOrdersByTimeRange fetches history orders whose doneTime falls
// in [start, end), paginated by offset/limit.
func (c *Client) GetHistoryOrdersByTimeRange(ctx context.Context, start, end time.Time, offset, limit int) ([]model.HistoryOrder, error) {
	var out []model.HistoryOrder
	err := c.do(ctx, OpHistoryOrdersByTime, struct {
		StartTime time.Time `json:"startTime"`
		EndTime   time.Time `json:"endTime"`
		Offset    int       `json:"offset"`
		Limit     int       `json:"limit"`
	}{start, end, offset, limit}, &out)
	return out, err
}

// GetDealsByTicket fetches deals matching a ticket id.
func (c *Client) GetDealsByTicket(ctx context.Context, ticket string) ([]model.Deal, error) {
	var out []model.Deal
	err := c.do(ctx, OpDealsByTicket, struct {
		Ticket string `json:"ticket"`
	}{ticket}, &out)
	return out, err
}

// GetDealsByPosition fetches deals tied to positionID.
func (c *Client) GetDealsByPosition(ctx context.Context, positionID string) ([]model.Deal, error) {
	var out []model.Deal
	err := c.do(ctx, OpDealsByPosition, struct {
		PositionID string `json:"positionId"`
	}{positionID}, &out)
	return out, err
}

// GetDealsByTimeRange fetches deals whose doneTime falls in [start, end),
// paginated by offset/limit.
func (c *Client) GetDealsByTimeRange(ctx context.Context, start, end time.Time, offset, limit int) ([]model.Deal, error) {
	var out []model.Deal
	err := c.do(ctx, OpDealsByTimeRange, struct {
		StartTime time.Time `json:"startTime"`
		EndTime   time.Time `json:"endTime"`
		Offset    int       `json:"offset"`
		Limit     int       `json:"limit"`
	}{start, end, offset, limit}, &out)
	return out, err
}

// RemoveHistory asks the server to purge this account's history log.
// application, when non-empty, scopes the removal to one application tag.
func (c *Client) RemoveHistory(ctx context.Context, application string) error {
	return c.do(ctx, OpRemoveHistory, struct {
		Application string `json:"application,omitempty"`
	}{application}, nil)
}

// RemoveApplication asks the server to deregister this account's application.
func (c *Client) RemoveApplication(ctx context.Context) error {
	return c.do(ctx, OpRemoveApplication, nil, nil)
}

// SubscribeToMarketData subscribes to quote updates for symbol and records
// it so the sync engine can re-apply every subscription on reconnect.
func (c *Client) SubscribeToMarketData(ctx context.Context, symbol string) error {
	if err := c.do(ctx, OpSubscribeToMarketData, struct {
		Symbol string `json:"symbol"`
	}{symbol}, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.subscriptions[symbol] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Subscriptions returns every symbol previously passed to
// SubscribeToMarketData, sorted for deterministic iteration.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for sym := range c.subscriptions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// GetSymbolSpecification fetches the tradable parameters for symbol.
func (c *Client) GetSymbolSpecification(ctx context.Context, symbol string) (model.SymbolSpecification, error) {
	var out model.SymbolSpecification
	err := c.do(ctx, OpSymbolSpecification, struct {
		Symbol string `json:"symbol"`
	}{symbol}, &out)
	return out, err
}

// GetSymbolPrice fetches the latest quote for symbol.
func (c *Client) GetSymbolPrice(ctx context.Context, symbol string) (model.SymbolPrice, error) {
	var out model.SymbolPrice
	err := c.do(ctx, OpSymbolPrice, struct {
		Symbol string `json:"symbol"`
	}{symbol}, &out)
	return out, err
}

// SaveUptime forwards the health monitor's locally computed uptime ratios
// to the server.
func (c *Client) SaveUptime(ctx context.Context, uptime map[string]float64) error {
	return c.do(ctx, OpSaveUptime, uptime, nil)
}
