// Package metrics exposes the Prometheus metrics emitted by the storage
// engine. A Metrics value is constructed once per engine instance and
// threaded into every subsystem that wants to record something, rather
// than relying on package-level globals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter the engine records.
type Metrics struct {
	BufferPoolHits      prometheus.Counter
	BufferPoolMisses    prometheus.Counter
	BufferPoolEvictions prometheus.Counter
	PagesAllocated      prometheus.Counter
	PagesFreed          prometheus.Counter

	LockWaits     prometheus.Counter
	DeadlocksSeen prometheus.Counter
	VictimsAbort  prometheus.Counter

	WALBytesAppended prometheus.Counter
	RecoveryRedone   prometheus.Counter
	RecoveryUndone   prometheus.Counter
	Checkpoints      prometheus.Counter
}

// New creates and registers a fresh metric set against reg. Passing a
// dedicated *prometheus.Registry (rather than the global default) keeps
// engine instances in tests independent of one another.
func New(reg prometheus.Registerer) *Metrics {
	f := promFactory{reg: reg}
	return &Metrics{
		BufferPoolHits:      f.counter("novasql_bufferpool_hits_total", "Buffer pool fetch hits."),
		BufferPoolMisses:    f.counter("novasql_bufferpool_misses_total", "Buffer pool fetch misses."),
		BufferPoolEvictions: f.counter("novasql_bufferpool_evictions_total", "Frames evicted from the buffer pool."),
		PagesAllocated:      f.counter("novasql_pages_allocated_total", "Pages allocated by the disk manager."),
		PagesFreed:          f.counter("novasql_pages_freed_total", "Pages deallocated by the disk manager."),

		LockWaits:     f.counter("novasql_lock_waits_total", "Times a transaction blocked on a row lock."),
		DeadlocksSeen: f.counter("novasql_deadlocks_total", "Deadlock cycles detected."),
		VictimsAbort:  f.counter("novasql_lock_victims_total", "Transactions aborted as deadlock victims."),

		WALBytesAppended: f.counter("novasql_wal_bytes_appended_total", "Bytes appended to the write-ahead log."),
		RecoveryRedone:   f.counter("novasql_recovery_redone_total", "Log records replayed during redo."),
		RecoveryUndone:   f.counter("novasql_recovery_undone_total", "Log records inverted during undo."),
		Checkpoints:      f.counter("novasql_checkpoints_total", "Checkpoints taken."),
	}
}

type promFactory struct{ reg prometheus.Registerer }

func (f promFactory) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	if f.reg != nil {
		f.reg.MustRegister(c)
	}
	return c
}

// Noop returns a Metrics instance backed by an unregistered local registry,
// for use in tests and one-off tools that don't want to touch the default
// global registry.
func Noop() *Metrics {
	return New(prometheus.NewRegistry())
}
