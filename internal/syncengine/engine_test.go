package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/termconnect/config"
	"github.com/coachpo/termconnect/errs"
	"github.com/coachpo/termconnect/internal/events"
	"github.com/coachpo/termconnect/internal/health"
	"github.com/coachpo/termconnect/internal/history"
	"github.com/coachpo/termconnect/internal/model"
	"github.com/coachpo/termconnect/internal/query"
	"github.com/coachpo/termconnect/internal/terminalstate"
	"github.com/coachpo/termconnect/internal/transport"
	"github.com/coachpo/termconnect/internal/wire"
)

type fakeRequest struct {
	Type    wire.RequestType
	Payload any
}

type fakeTransport struct {
	mu             sync.Mutex
	handler        transport.EventHandler
	reconnectHooks []func()
	requests       []fakeRequest
	respond        func(reqType wire.RequestType, payload any) (wire.Envelope, error)
}

func (f *fakeTransport) Subscribe(_ string, handler transport.EventHandler) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeTransport) Unsubscribe(string) {}

func (f *fakeTransport) OnReconnected(fn func()) {
	f.mu.Lock()
	f.reconnectHooks = append(f.reconnectHooks, fn)
	f.mu.Unlock()
}

func (f *fakeTransport) Request(_ context.Context, _ string, reqType wire.RequestType, payload any) (wire.Envelope, error) {
	f.mu.Lock()
	f.requests = append(f.requests, fakeRequest{Type: reqType, Payload: payload})
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(reqType, payload)
	}
	return wire.Envelope{}, nil
}

func (f *fakeTransport) countRequests(t wire.RequestType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Type == t {
			n++
		}
	}
	return n
}

func (f *fakeTransport) fireReconnected() {
	f.mu.Lock()
	hooks := append([]func(){}, f.reconnectHooks...)
	f.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

func testConfig() config.Settings {
	cfg := config.Default()
	cfg.RequestTimeout = 2 * time.Second
	cfg.SynchronizationRetry = config.RetryInterval{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond}
	return cfg
}

func TestStartSendsSynchronizeRequest(t *testing.T) {
	ft := &fakeTransport{}
	e := New(Options{
		AccountID: "acc-1",
		Transport: ft,
		Config:    testConfig(),
	})
	e.Start()

	require.Eventually(t, func() bool { return ft.countRequests(wire.RequestSynchronize) >= 1 }, time.Second, 5*time.Millisecond)
}

func TestAttemptSynchronizeFailureDoublesRetryInterval(t *testing.T) {
	ft := &fakeTransport{respond: func(reqType wire.RequestType, _ any) (wire.Envelope, error) {
		if reqType == wire.RequestSynchronize {
			return wire.Envelope{}, errs.New("transport", errs.CodeTimeout)
		}
		return wire.Envelope{}, nil
	}}
	cfg := testConfig()
	e := New(Options{AccountID: "acc-1", Transport: ft, Config: cfg})
	e.Start()

	require.Eventually(t, func() bool { return ft.countRequests(wire.RequestSynchronize) >= 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, cfg.SynchronizationRetry.Max, e.RetryInterval())
}

func TestCloseStopsFurtherSynchronizeAttempts(t *testing.T) {
	ft := &fakeTransport{respond: func(reqType wire.RequestType, _ any) (wire.Envelope, error) {
		if reqType == wire.RequestSynchronize {
			return wire.Envelope{}, errs.New("transport", errs.CodeTimeout)
		}
		return wire.Envelope{}, nil
	}}
	cfg := testConfig()
	e := New(Options{AccountID: "acc-1", Transport: ft, Config: cfg})
	e.Start()

	require.Eventually(t, func() bool { return ft.countRequests(wire.RequestSynchronize) >= 1 }, time.Second, 5*time.Millisecond)
	e.Close()
	countAtClose := ft.countRequests(wire.RequestSynchronize)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, countAtClose, ft.countRequests(wire.RequestSynchronize))
	require.True(t, e.Closed())
}

func TestReconnectResubscribesThenResynchronizes(t *testing.T) {
	ft := &fakeTransport{}
	e := New(Options{AccountID: "acc-1", Transport: ft, Config: testConfig()})
	e.Start()
	require.Eventually(t, func() bool { return ft.countRequests(wire.RequestSynchronize) >= 1 }, time.Second, 5*time.Millisecond)

	ft.fireReconnected()
	require.Eventually(t, func() bool {
		return ft.countRequests(wire.RequestSubscribe) >= 1 && ft.countRequests(wire.RequestSynchronize) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestHandleEventAppliesAccountInformationToMirror(t *testing.T) {
	ft := &fakeTransport{}
	mirror := terminalstate.New("acc-1", time.Minute)
	e := New(Options{
		AccountID: "acc-1",
		Transport: ft,
		Listeners: []events.Listener{mirror},
		Config:    testConfig(),
	})
	e.Start()

	env := wire.Envelope{Kind: wire.FrameEvent, Type: string(wire.EventAccountInformation)}
	require.NoError(t, env.EncodePayload(model.AccountInformation{Currency: "USD", Balance: decimal.NewFromInt(500)}))
	e.handleEvent(env)

	info, ok := mirror.AccountInformation()
	require.True(t, ok)
	require.Equal(t, "USD", info.Currency)
}

func TestHandleEventRoutesDealsToHistoryStorage(t *testing.T) {
	ft := &fakeTransport{}
	storage := history.NewMemoryStorage()
	e := New(Options{
		AccountID:      "acc-1",
		Transport:      ft,
		HistoryStorage: storage,
		Config:         testConfig(),
	})
	e.Start()

	env := wire.Envelope{Kind: wire.FrameEvent, Type: string(wire.EventDeals)}
	require.NoError(t, env.EncodePayload([]model.Deal{{ID: "d-1", Symbol: "EURUSD", DoneTime: time.Now()}}))
	e.handleEvent(env)

	require.Len(t, storage.Deals(), 1)
}

func TestSynchronizedRequiresBothOrdersAndDeals(t *testing.T) {
	ft := &fakeTransport{}
	e := New(Options{AccountID: "acc-1", Transport: ft, Config: testConfig()})
	e.Start()

	require.False(t, e.Synchronized("sync-1"))

	ordersEnv := wire.Envelope{Kind: wire.FrameEvent, Type: string(wire.EventOrderSynchronizationFinished)}
	require.NoError(t, ordersEnv.EncodePayload(map[string]string{"synchronizationId": "sync-1"}))
	e.handleEvent(ordersEnv)
	require.False(t, e.Synchronized("sync-1"))

	dealsEnv := wire.Envelope{Kind: wire.FrameEvent, Type: string(wire.EventDealSynchronizationFinished)}
	require.NoError(t, dealsEnv.EncodePayload(map[string]string{"synchronizationId": "sync-1"}))
	e.handleEvent(dealsEnv)
	require.True(t, e.Synchronized("sync-1"))
}

// TestWaitSynchronizedTimesOutWhenNeverSynchronized reproduces S4: no sync
// events delivered; waitSynchronized fails with a TimeoutError after ~1s.
func TestWaitSynchronizedTimesOutWhenNeverSynchronized(t *testing.T) {
	ft := &fakeTransport{}
	e := New(Options{AccountID: "acc-1", Transport: ft, Config: testConfig()})

	start := time.Now()
	err := e.WaitSynchronized(context.Background(), WaitOptions{TimeoutInSeconds: 1, IntervalInMilliseconds: 50})
	elapsed := time.Since(start)

	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeTimeout))
	require.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
}

func TestWaitSynchronizedSucceedsAfterBothFinishedSignals(t *testing.T) {
	ft := &fakeTransport{}
	e := New(Options{AccountID: "acc-1", Transport: ft, Config: testConfig()})
	e.Start()
	require.Eventually(t, func() bool { return e.LastSynchronizationID() != "" }, time.Second, 5*time.Millisecond)
	syncID := e.LastSynchronizationID()

	e.mu.Lock()
	e.ordersSynced[syncID] = true
	e.dealsSynced[syncID] = true
	e.mu.Unlock()

	err := e.WaitSynchronized(context.Background(), WaitOptions{TimeoutInSeconds: 2, IntervalInMilliseconds: 10})
	require.NoError(t, err)
}

func TestWaitRemovedSucceedsOnNotFound(t *testing.T) {
	fr := &fakeQueryRequester{err: errs.New("query", errs.CodeNotFound)}
	q := query.New(fr, "acc-1")
	e := New(Options{AccountID: "acc-1", Transport: &fakeTransport{}, Query: q, Config: testConfig()})

	err := e.WaitRemoved(context.Background(), time.Second, 10*time.Millisecond)
	require.NoError(t, err)
}

func TestWaitRemovedTimesOutWhileAccountStillExists(t *testing.T) {
	fr := &fakeQueryRequester{respondWith: model.AccountInformation{}}
	q := query.New(fr, "acc-1")
	e := New(Options{AccountID: "acc-1", Transport: &fakeTransport{}, Query: q, Config: testConfig()})

	err := e.WaitRemoved(context.Background(), 50*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeTimeout))
}

func TestGapDetectedTriggersResynchronize(t *testing.T) {
	ft := &fakeTransport{}
	e := New(Options{AccountID: "acc-1", Transport: ft, Config: testConfig()})
	e.Start()
	require.Eventually(t, func() bool { return ft.countRequests(wire.RequestSynchronize) >= 1 }, time.Second, 5*time.Millisecond)

	e.handleEvent(wire.Envelope{Kind: wire.FrameEvent, Type: "gapDetected", AccountID: "acc-1"})

	require.Eventually(t, func() bool { return ft.countRequests(wire.RequestSynchronize) >= 2 }, time.Second, 5*time.Millisecond)
}

func TestOnDisconnectedClearsSynchronizationStateAndNotifiesListeners(t *testing.T) {
	ft := &fakeTransport{}
	monitor := health.New("acc-1", time.Hour)
	defer monitor.Stop()
	mirror := terminalstate.New("acc-1", time.Minute)
	e := New(Options{AccountID: "acc-1", Transport: ft, Listeners: []events.Listener{monitor, mirror}, Config: testConfig()})
	e.Start()
	require.Eventually(t, func() bool { return e.LastSynchronizationID() != "" }, time.Second, 5*time.Millisecond)
	require.True(t, mirror.Connected())

	e.handleEvent(wire.Envelope{Kind: wire.FrameEvent, Type: string(wire.EventDisconnected)})

	require.Empty(t, e.LastSynchronizationID())
	require.False(t, mirror.Connected())
}

type fakeQueryRequester struct {
	respondWith any
	err         error
}

func (f *fakeQueryRequester) Request(_ context.Context, _ string, _ wire.RequestType, _ any) (wire.Envelope, error) {
	if f.err != nil {
		return wire.Envelope{}, f.err
	}
	env := wire.Envelope{}
	if f.respondWith != nil {
		if err := env.EncodePayload(f.respondWith); err != nil {
			return wire.Envelope{}, err
		}
	}
	return env, nil
}
