package trade

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/termconnect/errs"
	"github.com/coachpo/termconnect/internal/wire"
)

type fakeRequester struct {
	lastPayload any
	env         wire.Envelope
	err         error
}

func (f *fakeRequester) Request(_ context.Context, _ string, _ wire.RequestType, payload any) (wire.Envelope, error) {
	f.lastPayload = payload
	return f.env, f.err
}

func envelopeWith(t *testing.T, resp Response) wire.Envelope {
	env := wire.Envelope{}
	require.NoError(t, env.EncodePayload(resp))
	return env
}

func TestExecuteRejectsUnknownAction(t *testing.T) {
	c := New(&fakeRequester{}, "acc-1", 0)
	_, err := c.Execute(context.Background(), ActionType("BOGUS"), "EURUSD", decimal.NewFromInt(1))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeValidation))
}

func TestExecuteSuccessReturnsResponse(t *testing.T) {
	fr := &fakeRequester{env: envelopeWith(t, Response{NumericCode: 10009, OrderID: "ord-1"})}
	c := New(fr, "acc-1", 7)

	resp, err := c.Execute(context.Background(), ActionOrderBuy, "EURUSD", decimal.NewFromFloat(0.1),
		WithComment("hello"), WithClientID("client-a"))
	require.NoError(t, err)
	require.Equal(t, "ord-1", resp.OrderID)

	req, ok := fr.lastPayload.(*Request)
	require.True(t, ok)
	require.Equal(t, "hello", req.Comment)
	require.Equal(t, "client-a", req.ClientID)
	require.NotNil(t, req.Magic)
	require.EqualValues(t, 7, *req.Magic)
}

func TestExecuteFailureMapsToTradeError(t *testing.T) {
	fr := &fakeRequester{env: envelopeWith(t, Response{NumericCode: 10004, StringCode: "TRADE_RETCODE_REJECT", Message: "rejected"})}
	c := New(fr, "acc-1", 0)

	_, err := c.Execute(context.Background(), ActionOrderSell, "EURUSD", decimal.NewFromInt(1))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeTrade))

	e, ok := err.(*errs.E)
	require.True(t, ok)
	require.Equal(t, 10004, e.NumericCode)
	require.Equal(t, "TRADE_RETCODE_REJECT", e.StringCode)
}

func TestWithMagicOverridesDefault(t *testing.T) {
	fr := &fakeRequester{env: envelopeWith(t, Response{NumericCode: 10009})}
	c := New(fr, "acc-1", 7)

	_, err := c.Execute(context.Background(), ActionOrderBuy, "EURUSD", decimal.NewFromInt(1), WithMagic(42))
	require.NoError(t, err)

	req := fr.lastPayload.(*Request)
	require.EqualValues(t, 42, *req.Magic)
}

func TestWithExpirationSetsTypeAndTime(t *testing.T) {
	fr := &fakeRequester{env: envelopeWith(t, Response{NumericCode: 10008})}
	c := New(fr, "acc-1", 0)

	at := time.Now().Add(time.Hour)
	_, err := c.Execute(context.Background(), ActionOrderBuyLimit, "EURUSD", decimal.NewFromInt(1),
		WithExpiration(ExpirationSpecified, at))
	require.NoError(t, err)

	req := fr.lastPayload.(*Request)
	require.Equal(t, ExpirationSpecified, req.ExpirationType)
	require.NotNil(t, req.ExpirationTime)
	require.WithinDuration(t, at, *req.ExpirationTime, time.Second)
}

func TestCloseByBuildsPositionClosePair(t *testing.T) {
	fr := &fakeRequester{env: envelopeWith(t, Response{NumericCode: 10009})}
	c := New(fr, "acc-1", 0)

	_, err := c.CloseBy(context.Background(), "pos-1", "pos-2")
	require.NoError(t, err)

	req := fr.lastPayload.(*Request)
	require.Equal(t, ActionPositionCloseBy, req.ActionType)
	require.Equal(t, "pos-1", req.PositionID)
	require.Equal(t, "pos-2", req.CloseByID)
}

func TestExecutePropagatesTransportError(t *testing.T) {
	fr := &fakeRequester{err: errs.New("transport", errs.CodeNotConnected)}
	c := New(fr, "acc-1", 0)

	_, err := c.Execute(context.Background(), ActionOrderBuy, "EURUSD", decimal.NewFromInt(1))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeNotConnected))
}
