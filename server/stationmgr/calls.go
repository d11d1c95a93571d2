package stationmgr

import (
	"encoding/json"
	"sync"
	"time"
)

type callOutcome struct {
	payload json.RawMessage
	err     error
}

// pendingCall is one outbound request awaiting the station's answer.
type pendingCall struct {
	id       string
	action   string
	issuedAt time.Time
	deadline time.Time
	resultCh chan callOutcome // buffered 1, written exactly once by whoever removes the entry
}

type addResult int

const (
	added addResult = iota
	duplicateID
	tableClosed
)

// callTable maps correlation IDs to pending calls. Whoever removes an entry
// from the map owns its result channel, so every call resolves once.
type callTable struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

func newCallTable() *callTable {
	return &callTable{pending: make(map[string]*pendingCall)}
}

func (t *callTable) add(pc *pendingCall) addResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return tableClosed
	}
	if _, exists := t.pending[pc.id]; exists {
		return duplicateID
	}
	t.pending[pc.id] = pc
	return added
}

func (t *callTable) take(id string) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return pc, ok
}

// failAll resolves every pending call with err and refuses further adds.
func (t *callTable) failAll(err error) int {
	t.mu.Lock()
	calls := t.pending
	t.pending = make(map[string]*pendingCall)
	t.closed = true
	t.mu.Unlock()

	for _, pc := range calls {
		pc.resultCh <- callOutcome{err: err}
	}
	return len(calls)
}

func (t *callTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
