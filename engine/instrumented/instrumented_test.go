package instrumented_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvkolb/kvcore/engine"
	"github.com/kvkolb/kvcore/engine/enginetest"
	"github.com/kvkolb/kvcore/engine/instrumented"
	"github.com/kvkolb/kvcore/engine/mem"
	"github.com/kvkolb/kvcore/task"
)

func TestConformance(t *testing.T) {
	enginetest.RunDriverConformance(t, "instrumented(mem)", func() engine.Driver {
		return instrumented.Wrap(mem.New())
	})
}

func TestScanCloseIsForwarded(t *testing.T) {
	d := instrumented.Wrap(mem.New())
	require.NoError(t, d.Put(task.DefaultCollection, 1, []byte("v"), 0))

	it, err := d.Scan(task.DefaultCollection, 0, 0, 0)
	require.NoError(t, err)
	require.True(t, it.Next())
	require.Equal(t, uint64(1), it.Key())
	require.NoError(t, it.Close())
}
