package pebble_test

import (
	"testing"

	"github.com/kvkolb/kvcore/engine"
	pebbledriver "github.com/kvkolb/kvcore/engine/pebble"
	"github.com/kvkolb/kvcore/engine/enginetest"
)

func TestPebbleDriverConformance(t *testing.T) {
	enginetest.RunDriverConformance(t, "pebble", func() engine.Driver {
		d, err := pebbledriver.Open(t.TempDir())
		if err != nil {
			t.Fatalf("open pebble driver: %v", err)
		}
		return d
	})
}
