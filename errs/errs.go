// Package errs provides structured error types and helpers for termconnect.
package errs

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Code identifies one of the error kinds enumerated in spec §7.
type Code string

const (
	// CodeValidation indicates a request field failed a local precondition.
	CodeValidation Code = "validation_error"
	// CodeNotConnected indicates the transport was down when a request was issued.
	CodeNotConnected Code = "not_connected"
	// CodeTimeout indicates a deadline expired.
	CodeTimeout Code = "timeout"
	// CodeNotFound indicates the server reported no such entity.
	CodeNotFound Code = "not_found"
	// CodeUnauthorized indicates the server rejected credentials.
	CodeUnauthorized Code = "unauthorized"
	// CodeTooManyRequests indicates the server throttled the caller.
	CodeTooManyRequests Code = "too_many_requests"
	// CodeInternal indicates an unknown server-side failure.
	CodeInternal Code = "internal_error"
	// CodeTrade indicates a trade response carried a failure retcode.
	CodeTrade Code = "trade_error"
	// CodeConnectionClosed indicates an operation was pending when close ran.
	CodeConnectionClosed Code = "connection_closed"
)

// E captures structured error information produced across termconnect.
type E struct {
	Component string
	Code      Code
	Message   string
	Context   map[string]string

	// RetryAfter carries the server-provided throttle hint for
	// CodeTooManyRequests.
	RetryAfter time.Duration

	// NumericCode, StringCode and TradeMessage carry the trade response
	// retcode fields for CodeTrade (spec §7's TradeError).
	NumericCode  int
	StringCode   string
	TradeMessage string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given component and code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) { e.Message = trimmed }
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithContext merges the provided context fields into the error envelope.
func WithContext(fields map[string]string) Option {
	return func(e *E) {
		if len(fields) == 0 {
			return
		}
		if e.Context == nil {
			e.Context = make(map[string]string, len(fields))
		}
		for k, v := range fields {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Context[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single context key/value pair.
func WithField(key, value string) Option {
	return WithContext(map[string]string{key: value})
}

// WithRetryAfter attaches the throttle hint for a CodeTooManyRequests error.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) { e.RetryAfter = d }
}

// WithTradeCodes attaches the trade response retcode triple for CodeTrade.
func WithTradeCodes(numericCode int, stringCode, message string) Option {
	return func(e *E) {
		e.NumericCode = numericCode
		e.StringCode = strings.TrimSpace(stringCode)
		e.TradeMessage = strings.TrimSpace(message)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "termconnect"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Code == CodeTrade {
		parts = append(parts, "numeric_code="+strconv.Itoa(e.NumericCode))
		if e.StringCode != "" {
			parts = append(parts, "string_code="+strconv.Quote(e.StringCode))
		}
		if e.TradeMessage != "" {
			parts = append(parts, "trade_message="+strconv.Quote(e.TradeMessage))
		}
	}
	if e.Code == CodeTooManyRequests && e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Context[k]))
		}
		parts = append(parts, "context="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err is an *E with the given code, following the
// cause chain.
func Is(err error, code Code) bool {
	for err != nil {
		e, ok := err.(*E)
		if !ok {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}
