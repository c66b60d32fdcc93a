package settlement

import "sync"

// lockTable enforces at most one in-flight settlement or cancellation
// per request id within this process. It is the only shared mutable
// state in the core.
type lockTable struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{inFlight: make(map[string]struct{})}
}

// acquire reserves the request id. Returns false when an attempt on the
// same id is already in flight.
func (t *lockTable) acquire(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.inFlight[requestID]; held {
		return false
	}
	t.inFlight[requestID] = struct{}{}
	return true
}

func (t *lockTable) release(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, requestID)
}
