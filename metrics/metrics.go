// Package metrics collects process-wide counters and histograms for the
// transaction manager and engine drivers, exposed in Prometheus text
// format via WritePrometheus.
package metrics

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

var (
	// CommitTotal counts every transaction that reached Commit and passed
	// OCC validation.
	CommitTotal = metrics.NewCounter(`kvcore_txn_commits_total`)
	// ConflictTotal counts every transaction whose commit failed OCC
	// validation against another transaction's write-set.
	ConflictTotal = metrics.NewCounter(`kvcore_txn_conflicts_total`)
	// StaleCollected counts conflict-index entries reclaimed by
	// txn.Manager.CollectStale.
	StaleCollected = metrics.NewCounter(`kvcore_txn_stale_entries_collected_total`)

	// ReadDuration times Driver.Get/GetAt calls.
	ReadDuration = metrics.NewHistogram(`kvcore_engine_read_duration_seconds`)
	// WriteDuration times Driver.Put/Delete/WriteBatch calls.
	WriteDuration = metrics.NewHistogram(`kvcore_engine_write_duration_seconds`)
	// ScanDuration times the full lifetime of a Driver.Scan/ScanAt
	// iterator, from open to Close.
	ScanDuration = metrics.NewHistogram(`kvcore_engine_scan_duration_seconds`)
)

// WritePrometheus writes every registered metric to w in Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, true)
}
