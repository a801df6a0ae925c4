// Package wire defines the JSON frame types exchanged with the terminal
// server and the codec used to marshal/unmarshal them.
package wire

import (
	"time"

	"github.com/goccy/go-json"
)

// FrameKind identifies which of the three wire frame shapes a message is.
type FrameKind string

const (
	// FrameRequest is a client -> server call carrying a correlation id.
	FrameRequest FrameKind = "request"
	// FrameResponse is a server -> client reply tagged with a correlation id.
	FrameResponse FrameKind = "response"
	// FrameEvent is a server -> client push with no correlation id.
	FrameEvent FrameKind = "event"
)

// EventType enumerates the server-emitted event types consumed by the core.
type EventType string

const (
	EventAuthenticated               EventType = "authenticated"
	EventDisconnected                EventType = "disconnected"
	EventAccountInformation          EventType = "accountInformation"
	EventPositions                   EventType = "positions"
	EventOrders                      EventType = "orders"
	EventUpdate                      EventType = "update"
	EventPositionRemoved             EventType = "positionRemoved"
	EventOrderCompleted              EventType = "orderCompleted"
	EventDeals                       EventType = "deals"
	EventHistoryOrders               EventType = "historyOrders"
	EventSymbolSpecifications        EventType = "symbolSpecifications"
	EventPrices                      EventType = "prices"
	EventSynchronizationStarted      EventType = "synchronizationStarted"
	EventOrderSynchronizationFinished EventType = "orderSynchronizationFinished"
	EventDealSynchronizationFinished  EventType = "dealSynchronizationFinished"
	EventStatus                      EventType = "status"
	EventServerHealthStatus          EventType = "serverHealthStatus"
)

// RequestType enumerates the client-emitted request types.
type RequestType string

const (
	RequestSynchronize            RequestType = "synchronize"
	RequestSubscribe              RequestType = "subscribe"
	RequestUnsubscribe            RequestType = "unsubscribe"
	RequestSubscribeToMarketData  RequestType = "subscribeToMarketData"
	RequestTrade                  RequestType = "trade"
	RequestQuery                  RequestType = "query"
	RequestWaitSynchronized       RequestType = "waitSynchronized"
)

// Envelope is the outer shape of every frame on the wire: callers inspect
// Kind to decide how to decode the remaining fields.
type Envelope struct {
	Kind           FrameKind       `json:"kind"`
	Type           string          `json:"type"`
	AccountID      string          `json:"accountId,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	SequenceNumber uint64          `json:"sequenceNumber,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          *ErrorPayload   `json:"error,omitempty"`
	SentAt         time.Time       `json:"sentAt,omitempty"`
}

// ErrorPayload is the error shape a response frame carries on failure.
type ErrorPayload struct {
	Kind         string `json:"kind"`
	Message      string `json:"message,omitempty"`
	NumericCode  int    `json:"numericCode,omitempty"`
	StringCode   string `json:"stringCode,omitempty"`
	RetryAfterMS int64  `json:"retryAfterMs,omitempty"`
}

// Marshal encodes v using the wire codec (goccy/go-json, for parity with
// the rest of the stack).
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data into v using the wire codec.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// DecodePayload unmarshals the envelope's raw payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if e == nil || len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// EncodePayload sets the envelope's raw payload from v.
func (e *Envelope) EncodePayload(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Payload = raw
	return nil
}
