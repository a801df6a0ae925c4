// Package syncengine drives one account's synchronization state machine:
// it decodes the transport's event stream into typed Listener calls, fans
// them out to the terminal state mirror, history storage, and health
// monitor, and owns the connect/retry/disconnect/close lifecycle described
// in spec §4.F.
package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/termconnect/config"
	"github.com/coachpo/termconnect/errs"
	"github.com/coachpo/termconnect/internal/events"
	"github.com/coachpo/termconnect/internal/history"
	"github.com/coachpo/termconnect/internal/model"
	"github.com/coachpo/termconnect/internal/observability"
	"github.com/coachpo/termconnect/internal/query"
	"github.com/coachpo/termconnect/internal/transport"
	"github.com/coachpo/termconnect/internal/wire"
)

// transportClient is the slice of *transport.Transport the engine needs;
// declaring it locally keeps the engine testable without a live socket.
type transportClient interface {
	Subscribe(accountID string, handler transport.EventHandler)
	Unsubscribe(accountID string)
	OnReconnected(fn func())
	Request(ctx context.Context, accountID string, reqType wire.RequestType, payload any) (wire.Envelope, error)
}

// Options configures a new Engine.
type Options struct {
	AccountID string
	Transport transportClient
	// Listeners receives every decoded event in transport order; the
	// terminal state mirror and health monitor are typically passed here.
	Listeners []events.Listener
	// HistoryStorage additionally receives onHistoryOrderAdded/onDealAdded,
	// wrapped in an adapter since its method signatures differ from the
	// Listener interface (context + error return, per spec §4.D).
	HistoryStorage history.Storage
	Query          *query.Client
	Config         config.Settings

	// HistoryStartTime/DealStartTime are lower bounds for
	// startingHistoryOrderTime and startingDealTime: every synchronize
	// sends the later of this value and the storage's own watermark
	// (spec §4.F step 2).
	HistoryStartTime time.Time
	DealStartTime    time.Time

	// IsCopyFactory selects waitSynchronized's default applicationPattern
	// per spec §4.F ("CopyFactory.*|RPC" instead of "RPC").
	IsCopyFactory bool
}

// Engine owns one account's synchronization lifecycle.
type Engine struct {
	accountID        string
	transport        transportClient
	listeners        []events.Listener
	historyListener  events.Listener
	historyStorage   history.Storage
	query            *query.Client
	cfg              config.Settings
	historyStartTime time.Time
	dealStartTime    time.Time
	isCopyFactory    bool

	mu                     sync.Mutex
	closed                 bool
	shouldSynchronize      *uuid.UUID
	started                bool // step 6's local "isSynchronized" flag
	retryInterval          time.Duration
	retryTimer             *time.Timer
	lastSyncID             string
	lastDisconnectedSyncID string
	ordersSynced           map[string]bool
	dealsSynced            map[string]bool
	syncStartedAt          map[string]time.Time
}

// New constructs an Engine; call Start to begin the synchronization
// lifecycle once the account's transport subscription should go live.
func New(opts Options) *Engine {
	e := &Engine{
		accountID:        opts.AccountID,
		transport:        opts.Transport,
		listeners:        append([]events.Listener{}, opts.Listeners...),
		historyStorage:   opts.HistoryStorage,
		query:            opts.Query,
		cfg:              opts.Config,
		historyStartTime: opts.HistoryStartTime,
		dealStartTime:    opts.DealStartTime,
		isCopyFactory:    opts.IsCopyFactory,
		retryInterval:    opts.Config.SynchronizationRetry.Initial,
		ordersSynced:     make(map[string]bool),
		dealsSynced:      make(map[string]bool),
		syncStartedAt:    make(map[string]time.Time),
	}
	if opts.HistoryStorage != nil {
		e.historyListener = &historyListener{storage: opts.HistoryStorage, accountID: opts.AccountID}
	}
	return e
}

// Start registers the engine's event handler and reconnect hook at the
// transport, then runs the startup sequence (spec §4.F step 1).
func (e *Engine) Start() {
	e.transport.Subscribe(e.accountID, e.handleEvent)
	e.transport.OnReconnected(e.onReconnected)
	e.onConnected()
}

// onConnected runs step 1 synchronously (mint key, reset the retry
// interval, clear the local synchronized flag) and dispatches OnConnected
// to every listener before kicking off the asynchronous synchronize
// attempt (steps 2-6).
func (e *Engine) onConnected() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	key := uuid.New()
	e.shouldSynchronize = &key
	e.retryInterval = e.cfg.SynchronizationRetry.Initial
	e.started = false
	e.mu.Unlock()

	e.fanOut(func(l events.Listener) { l.OnConnected() })
	go e.attemptSynchronize(key)
}

// onReconnected implements spec §4.F's reconnect clause: re-issue
// subscribe(accountId) at the transport, then re-run the startup sequence.
func (e *Engine) onReconnected() {
	if e.Closed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	if _, err := e.transport.Request(ctx, e.accountID, wire.RequestSubscribe, struct{}{}); err != nil {
		observability.Log().Warn("syncengine resubscribe failed on reconnect",
			observability.Field{Key: "accountId", Value: e.accountID},
			observability.Field{Key: "error", Value: err.Error()})
	}
	e.onConnected()
}

// onDisconnected implements spec §4.F's disconnect clause.
func (e *Engine) onDisconnected() {
	e.mu.Lock()
	e.lastDisconnectedSyncID = e.lastSyncID
	e.lastSyncID = ""
	e.shouldSynchronize = nil
	e.started = false
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.mu.Unlock()

	e.fanOut(func(l events.Listener) { l.OnDisconnected() })
}

// onGapDetected implements spec §4.F's gap-handling clause: treat the gap
// as a lost-event condition and start a fresh synchronize without
// regenerating shouldSynchronize's key (the connection itself is intact).
func (e *Engine) onGapDetected() {
	e.mu.Lock()
	key := e.shouldSynchronize
	closed := e.closed
	e.mu.Unlock()
	if closed || key == nil {
		return
	}
	observability.Log().Warn("syncengine resynchronizing after packet gap",
		observability.Field{Key: "accountId", Value: e.accountID})
	go e.attemptSynchronize(*key)
}

// attemptSynchronize runs spec §4.F steps 2-6 for one startup attempt.
// Any step 3 failure schedules a retry; step 5 (re-subscribe) failures are
// logged and do not abort, per spec.
func (e *Engine) attemptSynchronize(key uuid.UUID) {
	if !e.shouldProceed(key) {
		return
	}

	startingHistoryOrderTime := e.historyStartTime
	startingDealTime := e.dealStartTime
	if e.historyStorage != nil {
		if t := e.historyStorage.LastHistoryOrderTime(); t.After(startingHistoryOrderTime) {
			startingHistoryOrderTime = t
		}
		if t := e.historyStorage.LastDealTime(); t.After(startingDealTime) {
			startingDealTime = t
		}
	}

	syncID := uuid.NewString()
	e.mu.Lock()
	e.lastSyncID = syncID
	e.syncStartedAt[syncID] = time.Now()
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	_, err := e.transport.Request(ctx, e.accountID, wire.RequestSynchronize, synchronizePayload{
		SynchronizationID:        syncID,
		StartingHistoryOrderTime: startingHistoryOrderTime,
		StartingDealTime:         startingDealTime,
	})
	cancel()
	if err != nil {
		e.scheduleRetry(key)
		return
	}

	if e.query != nil {
		for _, symbol := range e.query.Subscriptions() {
			subCtx, subCancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
			if err := e.query.SubscribeToMarketData(subCtx, symbol); err != nil {
				observability.Log().Warn("syncengine re-subscribe to market data failed",
					observability.Field{Key: "accountId", Value: e.accountID},
					observability.Field{Key: "symbol", Value: symbol},
					observability.Field{Key: "error", Value: err.Error()})
			}
			subCancel()
		}
	}

	e.mu.Lock()
	if e.closed || e.shouldSynchronize == nil || *e.shouldSynchronize != key {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.retryInterval = e.cfg.SynchronizationRetry.Initial
	e.mu.Unlock()
}

func (e *Engine) shouldProceed(key uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && e.shouldSynchronize != nil && *e.shouldSynchronize == key
}

// scheduleRetry implements spec §4.F's backoff: interval doubles each
// attempt, capped at cfg.SynchronizationRetry.Max, and the retry routine
// tests shouldSynchronize==key && !closed before acting (via attemptSynchronize).
func (e *Engine) scheduleRetry(key uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.shouldSynchronize == nil || *e.shouldSynchronize != key {
		return
	}
	interval := e.retryInterval
	next := interval * 2
	if next > e.cfg.SynchronizationRetry.Max {
		next = e.cfg.SynchronizationRetry.Max
	}
	e.retryInterval = next
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = time.AfterFunc(interval, func() { e.attemptSynchronize(key) })
}

// RetryInterval reports the interval the next scheduled retry will wait,
// mainly for tests asserting spec §8 property 6 (bounded doubling).
func (e *Engine) RetryInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retryInterval
}

// recordSynchronizedLatencyLocked feeds the syncengine.synchronized.duration
// histogram registered by internal/telemetry the first time a
// synchronizationId's orders and deals have both finished; e.mu must be held.
func (e *Engine) recordSynchronizedLatencyLocked(synchronizationID string) {
	if !e.ordersSynced[synchronizationID] || !e.dealsSynced[synchronizationID] {
		return
	}
	startedAt, ok := e.syncStartedAt[synchronizationID]
	if !ok {
		return
	}
	delete(e.syncStartedAt, synchronizationID)
	observability.Telemetry().ObserveHistogram("syncengine.synchronized.duration",
		float64(time.Since(startedAt).Milliseconds()), map[string]string{"accountId": e.accountID})
}

// Synchronized reports spec §4.F's completion predicate:
// synchronizationId ∈ ordersSynced ∩ dealsSynced.
func (e *Engine) Synchronized(synchronizationID string) bool {
	if synchronizationID == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ordersSynced[synchronizationID] && e.dealsSynced[synchronizationID]
}

// LastSynchronizationID returns the most recent synchronizationId sent,
// or the empty string if none has been sent since the last disconnect.
func (e *Engine) LastSynchronizationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSyncID
}

// WaitOptions configures WaitSynchronized.
type WaitOptions struct {
	SynchronizationID      string
	TimeoutInSeconds       int
	IntervalInMilliseconds int
	ApplicationPattern     string
}

// WaitSynchronized implements spec §4.F's waitSynchronized: it polls the
// local completion sets, then performs a server-side handshake once they
// agree, matching the account's applicationPattern regex.
func (e *Engine) WaitSynchronized(ctx context.Context, opts WaitOptions) error {
	timeout := time.Duration(opts.TimeoutInSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	interval := time.Duration(opts.IntervalInMilliseconds) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}

	id := opts.SynchronizationID
	if id == "" {
		e.mu.Lock()
		id = e.lastSyncID
		if id == "" {
			id = e.lastDisconnectedSyncID
		}
		e.mu.Unlock()
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !e.Synchronized(id) {
		if !time.Now().Before(deadline) {
			return errs.New("syncengine", errs.CodeTimeout,
				errs.WithMessage("waitSynchronized timed out"),
				errs.WithField("accountId", e.accountID))
		}
		select {
		case <-ctx.Done():
			return errs.New("syncengine", errs.CodeTimeout, errs.WithCause(ctx.Err()))
		case <-ticker.C:
		}
	}

	pattern := opts.ApplicationPattern
	if pattern == "" {
		pattern = e.cfg.ApplicationPattern(e.isCopyFactory)
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()
	_, err := e.transport.Request(reqCtx, e.accountID, wire.RequestWaitSynchronized, waitSynchronizedPayload{
		ApplicationPattern: pattern,
		TimeoutInSeconds:   int(remaining.Seconds()),
	})
	if err != nil {
		return err
	}
	return nil
}

// WaitRemoved polls the server for account removal, per the original
// source's waitRemoved (dropped by the distillation, reintroduced per
// spec.md's Open Question resolution): success iff a reload fails with
// NotFoundError before timeout.
func (e *Engine) WaitRemoved(ctx context.Context, timeout, interval time.Duration) error {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	if interval <= 0 {
		interval = time.Second
	}
	if e.query == nil {
		return errs.New("syncengine", errs.CodeInternal, errs.WithMessage("waitRemoved requires a query client"))
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, err := e.query.GetAccountInformation(ctx)
		if errs.Is(err, errs.CodeNotFound) {
			return nil
		}
		if !time.Now().Before(deadline) {
			return errs.New("syncengine", errs.CodeTimeout, errs.WithMessage("waitRemoved timed out"))
		}
		select {
		case <-ctx.Done():
			return errs.New("syncengine", errs.CodeTimeout, errs.WithCause(ctx.Err()))
		case <-ticker.C:
		}
	}
}

// Closed reports whether Close has run.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close implements the synchronization-specific half of spec §4.F's close
// clause: it marks the engine closed so no queued retry ever fires a
// synchronize again, stops the retry timer, and unsubscribes the account's
// event handler at the transport. The caller (the Connection facade) is
// responsible for stopping the health monitor and removing the account
// from the connection registry, since the engine owns neither.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.shouldSynchronize = nil
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.mu.Unlock()

	e.transport.Unsubscribe(e.accountID)

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	if _, err := e.transport.Request(ctx, e.accountID, wire.RequestUnsubscribe, struct{}{}); err != nil {
		observability.Log().Warn("syncengine unsubscribe request failed on close",
			observability.Field{Key: "accountId", Value: e.accountID},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

// handleEvent decodes one wire envelope and fans it out to the listener
// set, driving the engine's own state machine for the frames that affect
// it (disconnected, synchronizationStarted, the two *SynchronizationFinished
// signals, and the transport's synthetic gapDetected).
func (e *Engine) handleEvent(env wire.Envelope) {
	switch wire.EventType(env.Type) {
	case wire.EventAuthenticated:
		// Acknowledgement only; no listener carries this signal.
	case wire.EventDisconnected:
		e.onDisconnected()
	case wire.EventAccountInformation:
		var info model.AccountInformation
		if !e.decode(env, &info) {
			return
		}
		e.fanOut(func(l events.Listener) { l.OnAccountInformationUpdated(info) })
	case wire.EventPositions:
		var positions []model.Position
		if !e.decode(env, &positions) {
			return
		}
		e.fanOut(func(l events.Listener) { l.OnPositionsReplaced(positions) })
	case wire.EventOrders:
		var orders []model.Order
		if !e.decode(env, &orders) {
			return
		}
		e.fanOut(func(l events.Listener) { l.OnOrdersReplaced(orders) })
	case wire.EventUpdate:
		var payload updatePayload
		if !e.decode(env, &payload) {
			return
		}
		if payload.Position != nil {
			pos := *payload.Position
			e.fanOut(func(l events.Listener) { l.OnPositionUpdated(pos) })
		}
		if payload.Order != nil {
			ord := *payload.Order
			e.fanOut(func(l events.Listener) { l.OnOrderUpdated(ord) })
		}
	case wire.EventPositionRemoved:
		var payload idPayload
		if !e.decode(env, &payload) {
			return
		}
		e.fanOut(func(l events.Listener) { l.OnPositionRemoved(payload.ID) })
	case wire.EventOrderCompleted:
		var payload idPayload
		if !e.decode(env, &payload) {
			return
		}
		e.fanOut(func(l events.Listener) { l.OnOrderCompleted(payload.ID) })
	case wire.EventDeals:
		var deals []model.Deal
		if !e.decode(env, &deals) {
			return
		}
		for _, deal := range deals {
			d := deal
			e.fanOut(func(l events.Listener) { l.OnDealAdded(d) })
		}
	case wire.EventHistoryOrders:
		var orders []model.HistoryOrder
		if !e.decode(env, &orders) {
			return
		}
		for _, order := range orders {
			o := order
			e.fanOut(func(l events.Listener) { l.OnHistoryOrderAdded(o) })
		}
	case wire.EventSymbolSpecifications:
		var specs []model.SymbolSpecification
		if !e.decode(env, &specs) {
			return
		}
		for _, spec := range specs {
			s := spec
			e.fanOut(func(l events.Listener) { l.OnSymbolSpecificationUpdated(s) })
		}
	case wire.EventPrices:
		var payload pricesPayload
		if !e.decode(env, &payload) {
			return
		}
		e.fanOut(func(l events.Listener) { l.OnSymbolPricesUpdated(payload.Prices, payload.Override) })
	case wire.EventSynchronizationStarted:
		var payload syncIDPayload
		if !e.decode(env, &payload) {
			return
		}
		e.fanOut(func(l events.Listener) { l.OnSynchronizationStarted(payload.SynchronizationID) })
	case wire.EventOrderSynchronizationFinished:
		var payload syncIDPayload
		if !e.decode(env, &payload) {
			return
		}
		e.mu.Lock()
		e.ordersSynced[payload.SynchronizationID] = true
		e.recordSynchronizedLatencyLocked(payload.SynchronizationID)
		e.mu.Unlock()
		e.fanOut(func(l events.Listener) { l.OnOrderSynchronizationFinished(payload.SynchronizationID) })
	case wire.EventDealSynchronizationFinished:
		var payload syncIDPayload
		if !e.decode(env, &payload) {
			return
		}
		e.mu.Lock()
		e.dealsSynced[payload.SynchronizationID] = true
		e.recordSynchronizedLatencyLocked(payload.SynchronizationID)
		e.mu.Unlock()
		e.fanOut(func(l events.Listener) { l.OnDealSynchronizationFinished(payload.SynchronizationID) })
	case wire.EventStatus:
		var payload statusPayload
		if !e.decode(env, &payload) {
			return
		}
		e.fanOut(func(l events.Listener) { l.OnBrokerConnectionStatusChanged(payload.Connected, payload.At) })
	case wire.EventServerHealthStatus:
		var status map[string]any
		if !e.decode(env, &status) {
			return
		}
		e.fanOut(func(l events.Listener) { l.OnServerHealthStatus(status) })
	case gapDetectedEventType:
		e.onGapDetected()
	default:
		observability.Log().Warn("syncengine dropped unrecognized event type",
			observability.Field{Key: "accountId", Value: e.accountID},
			observability.Field{Key: "type", Value: env.Type})
	}
}

// gapDetectedEventType mirrors the transport's synthetic event type
// (internal/transport's gapEventType); duplicated here rather than
// exported cross-package to keep the wire vocabulary in one enum.
const gapDetectedEventType = wire.EventType("gapDetected")

func (e *Engine) decode(env wire.Envelope, out any) bool {
	if err := env.DecodePayload(out); err != nil {
		observability.Log().Warn("syncengine dropped malformed event payload",
			observability.Field{Key: "accountId", Value: e.accountID},
			observability.Field{Key: "type", Value: env.Type},
			observability.Field{Key: "error", Value: err.Error()})
		return false
	}
	return true
}

// fanOut dispatches apply to every listener concurrently (per spec §5's
// sourcegraph/conc-backed cross-listener fan-out) and blocks until every
// call returns, preserving per-listener ordering relative to itself since
// handleEvent only ever processes one envelope at a time.
func (e *Engine) fanOut(apply func(events.Listener)) {
	p := concpool.New().WithMaxGoroutines(len(e.listeners) + 1)
	for _, l := range e.listeners {
		listener := l
		p.Go(func() { apply(listener) })
	}
	if e.historyListener != nil {
		hl := e.historyListener
		p.Go(func() { apply(hl) })
	}
	p.Wait()
}

type synchronizePayload struct {
	SynchronizationID        string    `json:"synchronizationId"`
	StartingHistoryOrderTime time.Time `json:"startingHistoryOrderTime"`
	StartingDealTime         time.Time `json:"startingDealTime"`
}

type waitSynchronizedPayload struct {
	ApplicationPattern string `json:"applicationPattern"`
	TimeoutInSeconds   int    `json:"timeoutInSeconds"`
}

type idPayload struct {
	ID string `json:"id"`
}

type syncIDPayload struct {
	SynchronizationID string `json:"synchronizationId"`
}

type statusPayload struct {
	Connected bool      `json:"connected"`
	At        time.Time `json:"at"`
}

type updatePayload struct {
	Position *model.Position `json:"position,omitempty"`
	Order    *model.Order    `json:"order,omitempty"`
}

type pricesPayload struct {
	Prices   []model.SymbolPrice `json:"prices"`
	Override model.PriceOverride `json:"override"`
}

// historyListener adapts history.Storage (context + error returning
// methods) to the no-return events.Listener shape, logging storage errors
// rather than propagating them since event application never fails the
// dispatch path.
type historyListener struct {
	events.BaseListener
	storage   history.Storage
	accountID string
}

func (h *historyListener) OnDealAdded(deal model.Deal) {
	if err := h.storage.OnDealAdded(context.Background(), deal); err != nil {
		observability.Log().Warn("history storage failed to record deal",
			observability.Field{Key: "accountId", Value: h.accountID},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func (h *historyListener) OnHistoryOrderAdded(order model.HistoryOrder) {
	if err := h.storage.OnHistoryOrderAdded(context.Background(), order); err != nil {
		observability.Log().Warn("history storage failed to record history order",
			observability.Field{Key: "accountId", Value: h.accountID},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

var _ events.Listener = (*historyListener)(nil)
