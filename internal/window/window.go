// Package window implements the per-session/stream admission controller:
// token/cost/parallelism accounting with back-pressure marking.
package window

import (
	"sync"
	"time"

	"atprouter/internal/frame"
)

const backpressureWindow = 2 * time.Second

// Key identifies one (session_id, stream_id) window-table entry.
type Key struct {
	SessionID string
	StreamID  string
}

// KeyFor builds the Key for a frame.
func KeyFor(f frame.Frame) Key {
	return Key{SessionID: f.SessionID, StreamID: f.StreamID}
}

type entry struct {
	inflight          uint32
	tokens            uint64
	usd               uint64
	lastBackpressure  time.Time
	hasBackpressure   bool
}

// Table is the shared window state, guarded by a single reader/writer lock
// so admit/ack pairs stay atomic per key.
type Table struct {
	mu      sync.RWMutex
	entries map[Key]*entry
}

// New returns an empty window table. Entries are created lazily on first
// admission attempt and live for the process lifetime; there is no
// explicit eviction.
func New() *Table {
	return &Table{entries: make(map[Key]*entry)}
}

func (t *Table) entryLocked(key Key) *entry {
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	return e
}

// Admit attempts to reserve needTokens/needUSD against w's budget for key.
// Succeeds iff inflight < max_parallel AND tokens+need <= max_tokens AND
// usd+need <= max_usd_micros; on success the reservation is applied
// atomically, on failure nothing is mutated.
func (t *Table) Admit(key Key, w frame.Window, needTokens, needUSD uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(key)

	if e.inflight >= w.MaxParallel {
		return false
	}
	if e.tokens+needTokens > w.MaxTokens {
		return false
	}
	if e.usd+needUSD > w.MaxUSDMicros {
		return false
	}
	e.inflight++
	e.tokens += needTokens
	e.usd += needUSD
	return true
}

// Ack releases a reservation previously granted by Admit, with saturating
// arithmetic (never below zero).
func (t *Table) Ack(key Key, needTokens, needUSD uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return
	}
	e.tokens = satSub(e.tokens, needTokens)
	e.usd = satSub(e.usd, needUSD)
	if e.inflight > 0 {
		e.inflight--
	}
}

// MarkBackpressure records the current time against key.
func (t *Table) MarkBackpressure(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(key)
	e.lastBackpressure = time.Now()
	e.hasBackpressure = true
}

// UnderPressure reports whether key was marked under back-pressure less
// than 2 seconds ago.
func (t *Table) UnderPressure(key Key) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	if !ok || !e.hasBackpressure {
		return false
	}
	return time.Since(e.lastBackpressure) < backpressureWindow
}

// Snapshot returns the current (inflight, tokens, usd) for key, for tests.
func (t *Table) Snapshot(key Key) (inflight uint32, tokens, usd uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	if !ok {
		return 0, 0, 0
	}
	return e.inflight, e.tokens, e.usd
}

func satSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
