// Package transport implements the persistent, full-duplex, framed
// message channel to the terminal server: correlation-id request/response,
// a decoded event stream ordered per account, and reconnect-with-backoff.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/termconnect/errs"
	"github.com/coachpo/termconnect/internal/observability"
	"github.com/coachpo/termconnect/internal/orderer"
	"github.com/coachpo/termconnect/internal/wire"
)

const (
	pingInterval         = 30 * time.Second
	pingTimeout          = 5 * time.Second
	controlWriteTimeout  = 5 * time.Second
	maxReconnectInterval = 30 * time.Second
	readLimitBytes       = 8 * 1024 * 1024
	controlPlaneRate     = 20 // requests per second, subscribe/unsubscribe/subscribeToMarketData
)

// EventHandler receives decoded, per-account-ordered event envelopes.
type EventHandler func(wire.Envelope)

// Config configures a Transport instance.
type Config struct {
	URL            string
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	// OutOfOrderTimeout and MaxBuffer configure the embedded packet orderer.
	OutOfOrderTimeout time.Duration
	MaxBuffer         int
}

// Transport is shared by every connection on a host; connections hold a
// weak reference to it (closing a connection never tears the transport
// down, per §3's Ownership rules).
type Transport struct {
	url            string
	requestTimeout time.Duration
	connectTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.RWMutex
	conn   *websocket.Conn

	msgIDGen atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]chan wire.Envelope

	handlersMu sync.RWMutex
	handlers   map[string]EventHandler

	reconnectMu    sync.Mutex
	reconnectHooks []func()

	ordering         *orderer.Orderer
	gapCheckInterval time.Duration

	limiter *rate.Limiter

	ready     chan struct{}
	readyOnce sync.Once

	closed atomic.Bool
}

// New constructs a Transport bound to url; call Start to dial.
func New(cfg Config) *Transport {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		url:            cfg.URL,
		requestTimeout: cfg.RequestTimeout,
		connectTimeout: cfg.ConnectTimeout,
		ctx:            ctx,
		cancel:         cancel,
		pending:        make(map[string]chan wire.Envelope),
		handlers:       make(map[string]EventHandler),
		ready:          make(chan struct{}),
		limiter:        rate.NewLimiter(rate.Limit(controlPlaneRate), controlPlaneRate),
	}
	t.ordering = orderer.New(orderer.Config{
		OutOfOrderTimeout: cfg.OutOfOrderTimeout,
		MaxBuffer:         cfg.MaxBuffer,
		OnGap:             t.handleGap,
	})
	outOfOrderTimeout := cfg.OutOfOrderTimeout
	if outOfOrderTimeout <= 0 {
		outOfOrderTimeout = 60 * time.Second
	}
	t.gapCheckInterval = outOfOrderTimeout / 4
	if t.gapCheckInterval < time.Second {
		t.gapCheckInterval = time.Second
	}
	return t
}

// Start dials the server in the background and blocks until the first
// connection succeeds or connectTimeout elapses.
func (t *Transport) Start() error {
	go t.connectLoop()
	go t.gapCheckLoop()

	select {
	case <-t.ready:
		return nil
	case <-time.After(t.connectTimeout):
		return errs.New("transport", errs.CodeTimeout, errs.WithMessage("timed out waiting for initial connection"))
	case <-t.ctx.Done():
		return errs.New("transport", errs.CodeConnectionClosed, errs.WithMessage("transport stopped before connecting"))
	}
}

// Stop closes the socket and cancels the reconnect loop permanently.
func (t *Transport) Stop() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.cancel()
	t.connMu.Lock()
	if t.conn != nil {
		_ = t.conn.Close(websocket.StatusNormalClosure, "shutdown")
		t.conn = nil
	}
	t.connMu.Unlock()

	t.pendingMu.Lock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}

// Connected reports whether the socket is currently attached.
func (t *Transport) Connected() bool {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.conn != nil
}

// Subscribe registers handler to receive ordered events for accountID.
func (t *Transport) Subscribe(accountID string, handler EventHandler) {
	t.handlersMu.Lock()
	t.handlers[accountID] = handler
	t.handlersMu.Unlock()
}

// Unsubscribe removes accountID's event handler.
func (t *Transport) Unsubscribe(accountID string) {
	t.handlersMu.Lock()
	delete(t.handlers, accountID)
	t.handlersMu.Unlock()
}

// OnReconnected registers a callback fired after the socket reattaches
// following a loss. The sync engine uses this to re-subscribe and
// re-synchronize; the transport itself never replays missed events.
func (t *Transport) OnReconnected(fn func()) {
	t.reconnectMu.Lock()
	t.reconnectHooks = append(t.reconnectHooks, fn)
	t.reconnectMu.Unlock()
}

// Request sends a correlation-tagged request and awaits its response,
// failing with TimeoutError after requestTimeout or NotConnectedError if
// the channel is down when the deadline elapses.
func (t *Transport) Request(ctx context.Context, accountID string, reqType wire.RequestType, payload any) (wire.Envelope, error) {
	env := wire.Envelope{
		Kind:          wire.FrameRequest,
		Type:          string(reqType),
		AccountID:     accountID,
		CorrelationID: uuid.NewString(),
		SentAt:        time.Now().UTC(),
	}
	if payload != nil {
		if err := env.EncodePayload(payload); err != nil {
			return wire.Envelope{}, errs.New("transport", errs.CodeValidation, errs.WithMessage("encode request payload"), errs.WithCause(err))
		}
	}

	respCh := make(chan wire.Envelope, 1)
	t.pendingMu.Lock()
	t.pending[env.CorrelationID] = respCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, env.CorrelationID)
		t.pendingMu.Unlock()
	}()

	if isControlPlane(reqType) {
		if err := t.limiter.Wait(ctx); err != nil {
			return wire.Envelope{}, errs.New("transport", errs.CodeTimeout, errs.WithMessage("control plane rate limit wait"), errs.WithCause(err))
		}
	}

	if err := t.send(ctx, env); err != nil {
		return wire.Envelope{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	start := time.Now()
	select {
	case resp, ok := <-respCh:
		if !ok {
			return wire.Envelope{}, errs.New("transport", errs.CodeConnectionClosed, errs.WithMessage("transport closed while awaiting response"))
		}
		recordRequestLatency(reqType, time.Since(start))
		if resp.Error != nil {
			return resp, mapErrorPayload(resp.Error)
		}
		return resp, nil
	case <-reqCtx.Done():
		recordRequestLatency(reqType, time.Since(start))
		if !t.Connected() {
			return wire.Envelope{}, errs.New("transport", errs.CodeNotConnected, errs.WithMessage("not connected when request deadline elapsed"))
		}
		return wire.Envelope{}, errs.New("transport", errs.CodeTimeout, errs.WithMessage("request timed out"), errs.WithField("type", string(reqType)))
	}
}

// recordRequestLatency feeds the transport.request.duration histogram
// registered by internal/telemetry; the default no-op Metrics makes this
// free until a caller opts in with observability.SetMetrics.
func recordRequestLatency(reqType wire.RequestType, d time.Duration) {
	observability.Telemetry().ObserveHistogram("transport.request.duration", float64(d.Milliseconds()),
		map[string]string{"type": string(reqType)})
}

func isControlPlane(t wire.RequestType) bool {
	switch t {
	case wire.RequestSubscribe, wire.RequestUnsubscribe, wire.RequestSubscribeToMarketData:
		return true
	default:
		return false
	}
}

func mapErrorPayload(e *wire.ErrorPayload) error {
	opts := []errs.Option{errs.WithMessage(e.Message)}
	if e.RetryAfterMS > 0 {
		opts = append(opts, errs.WithRetryAfter(time.Duration(e.RetryAfterMS)*time.Millisecond))
	}
	if e.NumericCode != 0 || e.StringCode != "" {
		opts = append(opts, errs.WithTradeCodes(e.NumericCode, e.StringCode, e.Message))
	}
	code := errs.CodeInternal
	switch e.Kind {
	case string(errs.CodeValidation):
		code = errs.CodeValidation
	case string(errs.CodeNotFound):
		code = errs.CodeNotFound
	case string(errs.CodeUnauthorized):
		code = errs.CodeUnauthorized
	case string(errs.CodeTooManyRequests):
		code = errs.CodeTooManyRequests
	case string(errs.CodeTrade):
		code = errs.CodeTrade
	}
	return errs.New("transport", code, opts...)
}

func (t *Transport) send(ctx context.Context, env wire.Envelope) error {
	data, err := wire.Marshal(env)
	if err != nil {
		return errs.New("transport", errs.CodeValidation, errs.WithMessage("marshal frame"), errs.WithCause(err))
	}

	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		return errs.New("transport", errs.CodeNotConnected, errs.WithMessage("socket not attached"))
	}

	writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New("transport", errs.CodeNotConnected, errs.WithMessage("write frame"), errs.WithCause(err))
	}
	return nil
}

// connectLoop maintains the websocket session with exponential backoff,
// mirroring the corpus's dial/resubscribe/read-and-ping-loop/backoff shape.
func (t *Transport) connectLoop() {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	firstConnection := true
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(t.ctx, t.url, nil)
		if err != nil {
			observability.Log().Warn("transport dial failed", observability.Field{Key: "error", Value: err.Error()})
			if !t.sleepOrDone(nextBackoff(backoffCfg)) {
				return
			}
			continue
		}

		conn.SetReadLimit(readLimitBytes)
		backoffCfg.Reset()

		t.connMu.Lock()
		t.conn = conn
		t.connMu.Unlock()

		if firstConnection {
			firstConnection = false
			t.readyOnce.Do(func() { close(t.ready) })
		} else {
			t.fireReconnected()
		}

		connCtx, connCancel := context.WithCancel(t.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- t.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- t.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		t.connMu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		close(errCh)

		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			observability.Log().Warn("transport connection loop ended", observability.Field{Key: "error", Value: firstErr.Error()})
		}

		if !t.sleepOrDone(nextBackoff(backoffCfg)) {
			return
		}
	}
}

func nextBackoff(b *backoff.ExponentialBackOff) time.Duration {
	sleep := b.NextBackOff()
	if sleep == backoff.Stop {
		return maxReconnectInterval
	}
	return sleep
}

func (t *Transport) sleepOrDone(d time.Duration) bool {
	select {
	case <-t.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (t *Transport) fireReconnected() {
	t.reconnectMu.Lock()
	hooks := append([]func(){}, t.reconnectHooks...)
	t.reconnectMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		var env wire.Envelope
		if err := wire.Unmarshal(data, &env); err != nil {
			observability.Log().Warn("transport dropped malformed frame", observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		t.dispatch(env)
	}
}

func (t *Transport) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (t *Transport) dispatch(env wire.Envelope) {
	switch env.Kind {
	case wire.FrameResponse:
		t.pendingMu.Lock()
		ch, ok := t.pending[env.CorrelationID]
		t.pendingMu.Unlock()
		if !ok {
			observability.Log().Warn("transport dropped response with unknown correlation id",
				observability.Field{Key: "correlationId", Value: env.CorrelationID})
			return
		}
		select {
		case ch <- env:
		default:
		}
	case wire.FrameEvent:
		if env.Type == string(wire.EventSynchronizationStarted) {
			base := env.SequenceNumber
			if base == 0 {
				base = 1
			}
			t.ordering.ResetAccount(env.AccountID, base)
		}
		packets := t.ordering.OnPacket(orderer.Packet{
			AccountID: env.AccountID,
			Sequence:  env.SequenceNumber,
			Payload:   env,
		})
		t.deliver(env.AccountID, packets)
	default:
		observability.Log().Warn("transport dropped frame with unknown kind", observability.Field{Key: "kind", Value: string(env.Kind)})
	}
}

// gapCheckLoop periodically drives the orderer's timeout-based gap
// detection; without it a hole in an account's sequence would buffer
// forever instead of advancing past it per outOfOrderTimeout.
func (t *Transport) gapCheckLoop() {
	ticker := time.NewTicker(t.gapCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.deliverByAccount(t.ordering.CheckGaps())
		}
	}
}

// deliverByAccount groups packets released across multiple accounts by
// CheckGaps and delivers each account's run through its own handler.
func (t *Transport) deliverByAccount(packets []orderer.Packet) {
	if len(packets) == 0 {
		return
	}
	byAccount := make(map[string][]orderer.Packet)
	for _, p := range packets {
		byAccount[p.AccountID] = append(byAccount[p.AccountID], p)
	}
	for accountID, ps := range byAccount {
		t.deliver(accountID, ps)
	}
}

func (t *Transport) handleGap(gap orderer.GapDetected) {
	observability.Log().Warn("transport detected packet gap",
		observability.Field{Key: "accountId", Value: gap.AccountID},
		observability.Field{Key: "missing", Value: gap.Missing},
	)
	t.handlersMu.RLock()
	handler, ok := t.handlers[gap.AccountID]
	t.handlersMu.RUnlock()
	if !ok {
		return
	}
	handler(wire.Envelope{
		Kind:      wire.FrameEvent,
		Type:      gapEventType,
		AccountID: gap.AccountID,
	})
}

// gapEventType tags the synthetic event the transport raises when the
// orderer gives up waiting for a gap to fill; it is never sent by the
// server, only generated locally.
const gapEventType = "gapDetected"

func (t *Transport) deliver(accountID string, packets []orderer.Packet) {
	if len(packets) == 0 {
		return
	}
	t.handlersMu.RLock()
	handler, ok := t.handlers[accountID]
	t.handlersMu.RUnlock()
	if !ok {
		return
	}
	for _, p := range packets {
		env, ok := p.Payload.(wire.Envelope)
		if !ok {
			continue
		}
		handler(env)
	}
}
