package badger_test

import (
	"testing"

	"github.com/kvkolb/kvcore/engine"
	badgerdriver "github.com/kvkolb/kvcore/engine/badger"
	"github.com/kvkolb/kvcore/engine/enginetest"
)

func TestBadgerDriverConformance(t *testing.T) {
	enginetest.RunDriverConformance(t, "badger", func() engine.Driver {
		d, err := badgerdriver.Open(t.TempDir())
		if err != nil {
			t.Fatalf("open badger driver: %v", err)
		}
		return d
	})
}
