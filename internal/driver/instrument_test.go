// internal/driver/instrument_test.go
package driver_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-driver/internal/driver"
	"github.com/xkilldash9x/scalpel-driver/internal/driver/memory"
	"github.com/xkilldash9x/scalpel-driver/internal/observability"
)

func TestInstrument(t *testing.T) {
	ctx := context.Background()

	t.Run("nil metrics returns the transport unchanged", func(t *testing.T) {
		b := memory.New()
		assert.Same(t, b, driver.Instrument(b, nil))
	})

	t.Run("commands are counted by outcome", func(t *testing.T) {
		reg := prometheus.NewPedanticRegistry()
		m := observability.NewMetrics(reg)
		b := memory.New(memory.WithPages(testPages))

		s, err := driver.New(ctx, driver.Instrument(b, m), driver.DefaultOptions(), nil)
		require.NoError(t, err)
		defer s.Quit(ctx)

		require.NoError(t, s.Get(ctx, base+"simple.html"))
		_, err = s.Title(ctx)
		require.NoError(t, err)
		_, err = s.Title(ctx)
		require.NoError(t, err)

		box, err := s.FindElement(ctx, driver.ByID("box"))
		require.NoError(t, err)
		require.NoError(t, b.RemoveNode(string(s.CurrentID()), "#box"))
		_, err = s.Describe(ctx, box)
		require.Error(t, err)

		assert.Equal(t, 2.0, testutil.ToFloat64(m.Commands.WithLabelValues("getTitle", "ok")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("navigate", "ok")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("describeElement", "stale element reference")))
		// setTimeouts, getTree, navigate, getTitle, findElements, describeElement
		assert.Equal(t, 6, testutil.CollectAndCount(m.CommandDuration))

		problems, err := testutil.GatherAndLint(reg)
		require.NoError(t, err)
		assert.Empty(t, problems)
	})
}
