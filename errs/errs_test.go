package errs

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestErrorFormattingIncludesComponentAndCode(t *testing.T) {
	err := New(
		"transport",
		CodeTimeout,
		WithMessage("request deadline exceeded"),
		WithContext(map[string]string{
			"accountId": "acc-1",
			"requestId": "req-123",
		}),
		WithCause(errors.New("read: context deadline exceeded")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=transport") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=timeout") {
		t.Fatalf("expected code marker in error string: %s", out)
	}
	expectedContext := "context=accountId=\"acc-1\",requestId=\"req-123\""
	if !strings.Contains(out, expectedContext) {
		t.Fatalf("expected context %q in error string: %s", expectedContext, out)
	}
	if !strings.Contains(out, "cause=\"read: context deadline exceeded\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithTradeCodesIncludedOnlyForTradeError(t *testing.T) {
	trade := New("trade", CodeTrade, WithTradeCodes(10018, "TRADE_RETCODE_NO_MONEY", "not enough money"))
	out := trade.Error()
	if !strings.Contains(out, "numeric_code=10018") {
		t.Fatalf("expected numeric_code in error string: %s", out)
	}
	if !strings.Contains(out, "string_code=\"TRADE_RETCODE_NO_MONEY\"") {
		t.Fatalf("expected string_code in error string: %s", out)
	}

	other := New("query", CodeNotFound, WithMessage("position not found"))
	if strings.Contains(other.Error(), "numeric_code=") {
		t.Fatalf("numeric_code should be omitted for non-trade errors: %s", other.Error())
	}
}

func TestWithRetryAfterOnlyForTooManyRequests(t *testing.T) {
	throttled := New("transport", CodeTooManyRequests, WithRetryAfter(30*time.Second))
	if !strings.Contains(throttled.Error(), "retry_after=30s") {
		t.Fatalf("expected retry_after in error string: %s", throttled.Error())
	}

	ok := New("transport", CodeInternal, WithRetryAfter(30*time.Second))
	if strings.Contains(ok.Error(), "retry_after=") {
		t.Fatalf("retry_after should be omitted outside CodeTooManyRequests: %s", ok.Error())
	}
}

func TestWithContextMerge(t *testing.T) {
	err := New(
		"history",
		CodeInternal,
		WithContext(map[string]string{"symbol": "EURUSD"}),
		WithContext(map[string]string{"symbol": "AUDUSD", "id": "42"}),
	)
	if got := err.Context["symbol"]; got != "AUDUSD" {
		t.Fatalf("expected latest context to win, got %q", got)
	}
	if got := err.Context["id"]; got != "42" {
		t.Fatalf("expected id context to be present, got %q", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestIsWalksCauseChain(t *testing.T) {
	inner := New("transport", CodeNotConnected, WithMessage("socket down"))
	outer := New("syncengine", CodeInternal, WithCause(inner))
	if !Is(outer, CodeNotConnected) {
		t.Fatalf("expected Is to find CodeNotConnected through cause chain")
	}
	if Is(outer, CodeTimeout) {
		t.Fatalf("did not expect CodeTimeout to match")
	}
}
