package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"autotrader/pkg/broker"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"symbol not found sentinel", broker.ErrSymbolNotFound, InvalidInstrument},
		{"wrapped symbol not found", fmt.Errorf("get price: %w", broker.ErrSymbolNotFound), InvalidInstrument},
		{"invalid symbol code", &broker.APIError{StatusCode: 400, Code: -1121, Message: "Invalid symbol."}, InvalidInstrument},
		{"http 429", &broker.APIError{StatusCode: 429, Message: "Too many requests."}, RateLimit},
		{"ip ban 418", &broker.APIError{StatusCode: 418}, RateLimit},
		{"throttle code on 400", &broker.APIError{StatusCode: 400, Code: -1003}, RateLimit},
		{"unauthorized", &broker.APIError{StatusCode: 401, Message: "Invalid API-key."}, Fatal},
		{"forbidden", &broker.APIError{StatusCode: 403}, Fatal},
		{"bad request", &broker.APIError{StatusCode: 400, Code: -1013, Message: "Filter failure."}, Fatal},
		{"server error", &broker.APIError{StatusCode: 502}, Transient},
		{"plain error", errors.New("connection reset"), Transient},
		{"context deadline", context.DeadlineExceeded, Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassOf(t *testing.T) {
	cerr := classify("get_price", &broker.APIError{StatusCode: 401})
	if got := ClassOf(cerr); got != Fatal {
		t.Errorf("ClassOf = %s, want FATAL", got)
	}
	if got := ClassOf(fmt.Errorf("wrap: %w", cerr)); got != Fatal {
		t.Errorf("ClassOf(wrapped) = %s, want FATAL", got)
	}
	if got := ClassOf(errors.New("raw")); got != Transient {
		t.Errorf("ClassOf(raw) = %s, want TRANSIENT", got)
	}
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	cerr := classify("get_price", broker.ErrSymbolNotFound)
	if !errors.Is(cerr, broker.ErrSymbolNotFound) {
		t.Error("classified error should unwrap to the sentinel")
	}
}
