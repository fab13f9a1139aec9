// internal/driver/instrument.go
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/xkilldash9x/scalpel-driver/internal/observability"
	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

// Instrument wraps t so every command is counted and timed in m. Outcomes
// are "ok" or the wire error code.
func Instrument(t wire.Transport, m *observability.Metrics) wire.Transport {
	if m == nil {
		return t
	}
	return &instrumented{next: t, metrics: m}
}

type instrumented struct {
	next    wire.Transport
	metrics *observability.Metrics
}

func (i *instrumented) Execute(ctx context.Context, contextID string, cmd wire.Command, params any) (json.RawMessage, error) {
	start := time.Now()
	raw, err := i.next.Execute(ctx, contextID, cmd, params)
	i.metrics.CommandDuration.WithLabelValues(string(cmd)).Observe(time.Since(start).Seconds())
	i.metrics.Commands.WithLabelValues(string(cmd), outcome(err)).Inc()
	return raw, err
}

func (i *instrumented) Close(ctx context.Context) error {
	return i.next.Close(ctx)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if we, ok := wire.AsError(err); ok {
		return string(we.Code)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return string(wire.CodeUnknownError)
}
