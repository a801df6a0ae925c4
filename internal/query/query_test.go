package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/termconnect/errs"
	"github.com/coachpo/termconnect/internal/model"
	"github.com/coachpo/termconnect/internal/wire"
)

type fakeRequester struct {
	lastOp      Operation
	lastArgs    any
	respondWith any
	err         error
}

func (f *fakeRequester) Request(_ context.Context, _ string, _ wire.RequestType, payload any) (wire.Envelope, error) {
	env := payload.(envelope)
	f.lastOp = env.Operation
	f.lastArgs = env.Args
	if f.err != nil {
		return wire.Envelope{}, f.err
	}
	out := wire.Envelope{}
	if f.respondWith != nil {
		if err := out.EncodePayload(f.respondWith); err != nil {
			return wire.Envelope{}, err
		}
	}
	return out, nil
}

func TestGetAccountInformationDecodesResponse(t *testing.T) {
	fr := &fakeRequester{respondWith: model.AccountInformation{Currency: "USD", Broker: "Test Broker"}}
	c := New(fr, "acc-1")

	info, err := c.GetAccountInformation(context.Background())
	require.NoError(t, err)
	require.Equal(t, "USD", info.Currency)
	require.Equal(t, OpAccountInformation, fr.lastOp)
}

func TestGetPositionSendsIDArgument(t *testing.T) {
	fr := &fakeRequester{respondWith: model.Position{ID: "pos-1", Symbol: "EURUSD"}}
	c := New(fr, "acc-1")

	pos, err := c.GetPosition(context.Background(), "pos-1")
	require.NoError(t, err)
	require.Equal(t, "EURUSD", pos.Symbol)

	args, ok := fr.lastArgs.(struct {
		ID string `json:"id"`
	})
	require.True(t, ok)
	require.Equal(t, "pos-1", args.ID)
}

func TestGetHistoryOrdersByTimeRangePropagatesWindow(t *testing.T) {
	fr := &fakeRequester{respondWith: []model.HistoryOrder{{ID: "h-1"}}}
	c := New(fr, "acc-1")

	start := time.Now().Add(-time.Hour)
	end := time.Now()
	orders, err := c.GetHistoryOrdersByTimeRange(context.Background(), start, end, 0, 50)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, OpHistoryOrdersByTime, fr.lastOp)
}

func TestSubscribeToMarketDataRecordsSubscription(t *testing.T) {
	fr := &fakeRequester{}
	c := New(fr, "acc-1")

	require.NoError(t, c.SubscribeToMarketData(context.Background(), "EURUSD"))
	require.NoError(t, c.SubscribeToMarketData(context.Background(), "AUDUSD"))
	require.NoError(t, c.SubscribeToMarketData(context.Background(), "EURUSD"))

	require.Equal(t, []string{"AUDUSD", "EURUSD"}, c.Subscriptions())
}

func TestSubscribeToMarketDataDoesNotRecordOnFailure(t *testing.T) {
	fr := &fakeRequester{err: errs.New("transport", errs.CodeNotConnected)}
	c := New(fr, "acc-1")

	err := c.SubscribeToMarketData(context.Background(), "EURUSD")
	require.Error(t, err)
	require.Empty(t, c.Subscriptions())
}

func TestSaveUptimeForwardsRatios(t *testing.T) {
	fr := &fakeRequester{}
	c := New(fr, "acc-1")

	require.NoError(t, c.SaveUptime(context.Background(), map[string]float64{"1h": 0.99}))
	require.Equal(t, OpSaveUptime, fr.lastOp)
	require.Equal(t, map[string]float64{"1h": 0.99}, fr.lastArgs)
}

func TestRemoveHistoryDecodesNoResponseBody(t *testing.T) {
	fr := &fakeRequester{}
	c := New(fr, "acc-1")

	require.NoError(t, c.RemoveHistory(context.Background(), "MetaApi"))
	require.Equal(t, OpRemoveHistory, fr.lastOp)
}

func TestGetSymbolPriceDecodesQuote(t *testing.T) {
	fr := &fakeRequester{respondWith: model.SymbolPrice{Symbol: "EURUSD"}}
	c := New(fr, "acc-1")

	price, err := c.GetSymbolPrice(context.Background(), "EURUSD")
	require.NoError(t, err)
	require.Equal(t, "EURUSD", price.Symbol)
}
