package server

import (
	"sync"
	"time"

	"github.com/tunlify/tunlify/internal/domain"
	"github.com/tunlify/tunlify/internal/tunnelproto"
)

// pendingResult is what an ingress waiter receives: the client's response
// frame or the error that ended the wait.
type pendingResult struct {
	frame tunnelproto.Frame
	err   error
}

type pendingEntry struct {
	ch      chan pendingResult // buffered, capacity 1
	key     domain.TunnelKey
	method  string
	path    string
	created time.Time
	timer   *time.Timer
}

// pendingTable correlates in-flight request frames with their waiters by
// request id. Entries resolve exactly once: completion removes the entry
// under the mutex, releases it, then sends on the one-shot channel. The
// per-entry timer delivers [domain.ErrRequestTimeout]; the janitor sweeps
// anything the timers missed.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingEntry)}
}

// register adds an entry for id and arms its timeout. The returned channel
// receives exactly one result. Register before enqueueing the frame so a
// fast response cannot beat the entry into the table.
func (t *pendingTable) register(id string, key domain.TunnelKey, method, path string, timeout time.Duration) <-chan pendingResult {
	e := &pendingEntry{
		ch:      make(chan pendingResult, 1),
		key:     key,
		method:  method,
		path:    path,
		created: time.Now(),
	}
	e.timer = time.AfterFunc(timeout, func() {
		t.fail(id, domain.ErrRequestTimeout)
	})

	t.mu.Lock()
	t.entries[id] = e
	t.mu.Unlock()
	return e.ch
}

// complete resolves id with the client's response frame. Returns false when
// the entry is already gone (timed out, cancelled, or a duplicate frame).
func (t *pendingTable) complete(id string, frame tunnelproto.Frame) bool {
	e := t.take(id)
	if e == nil {
		return false
	}
	e.ch <- pendingResult{frame: frame}
	return true
}

// fail resolves id with err. Same at-most-once discipline as complete.
func (t *pendingTable) fail(id string, err error) bool {
	e := t.take(id)
	if e == nil {
		return false
	}
	e.ch <- pendingResult{err: err}
	return true
}

// cancelByKey fails every entry registered against key. Called from channel
// teardown with [domain.ErrTunnelGone].
func (t *pendingTable) cancelByKey(key domain.TunnelKey, err error) int {
	t.mu.Lock()
	var taken []*pendingEntry
	for id, e := range t.entries {
		if e.key != key {
			continue
		}
		delete(t.entries, id)
		taken = append(taken, e)
	}
	t.mu.Unlock()

	for _, e := range taken {
		e.timer.Stop()
		e.ch <- pendingResult{err: err}
	}
	return len(taken)
}

// expireOlderThan fails entries created before cutoff. Backstop for timers
// lost to clock weirdness; under normal operation it finds nothing.
func (t *pendingTable) expireOlderThan(cutoff time.Time) int {
	t.mu.Lock()
	var taken []*pendingEntry
	for id, e := range t.entries {
		if e.created.After(cutoff) {
			continue
		}
		delete(t.entries, id)
		taken = append(taken, e)
	}
	t.mu.Unlock()

	for _, e := range taken {
		e.timer.Stop()
		e.ch <- pendingResult{err: domain.ErrRequestTimeout}
	}
	return len(taken)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// take removes and returns the entry for id, stopping its timer.
func (t *pendingTable) take(id string) *pendingEntry {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	e.timer.Stop()
	return e
}
