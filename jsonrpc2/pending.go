package jsonrpc2

import "sync"

// pendingCall is the completion handle for an in-flight call. Exactly one of
// msg and err is set before done is closed.
type pendingCall struct {
	msg  *Message
	err  error
	done chan struct{}

	// onResolve, when set, runs in the delivering goroutine before done is
	// closed. Subscribe uses it to bind the stream inside the read loop, so
	// a notification processed right after the subscribe response already
	// finds its stream.
	onResolve func(*Message)
}

// pendingTable tracks in-flight calls awaiting a response, keyed by the
// string form of their ID. All operations are linearizable per ID under one
// mutex.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[string]*pendingCall
	failed error
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		calls: map[string]*pendingCall{},
	}
}

// register stores a completion handle for id. If the table has already been
// failed, the handle comes back completed with the failure: a call issued
// against a dead connection fails immediately.
func (t *pendingTable) register(id string) *pendingCall {
	return t.registerWith(id, nil)
}

// registerWith is register with a resolve hook. The hook must be installed
// under the table lock: setting it on the handle afterwards would race the
// delivering goroutine.
func (t *pendingTable) registerWith(id string, onResolve func(*Message)) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	call := &pendingCall{
		done:      make(chan struct{}),
		onResolve: onResolve,
	}
	if t.failed != nil {
		call.err = t.failed
		close(call.done)
		return call
	}
	t.calls[id] = call
	return call
}

// resolve removes and completes the entry for id. Returns false when there
// is no matching entry, which the caller treats as a late or duplicate
// delivery: traced and dropped, never fatal.
func (t *pendingTable) resolve(id string, msg *Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	if !ok {
		return false
	}
	delete(t.calls, id)
	call.msg = msg
	if call.onResolve != nil {
		call.onResolve(msg)
	}
	close(call.done)
	return true
}

// cancel removes the entry for id without completing it. The request is not
// retracted on the wire; a response arriving later is dropped as a no-match.
func (t *pendingTable) cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, id)
}

// failAll completes every outstanding entry with err and clears the table.
// This is the only operation that empties the table en masse. Later
// registrations complete immediately with the same error.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed != nil {
		return
	}
	t.failed = err
	for id, call := range t.calls {
		delete(t.calls, id)
		call.err = err
		close(call.done)
	}
}
