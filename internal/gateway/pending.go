package gateway

import (
	"encoding/json"
	"sync"

	"gatebridge/internal/domain"
)

// result is the single completion of a pending request.
type result struct {
	payload json.RawMessage
	err     error
}

// pendingRequest tracks one in-flight request. The done channel is buffered
// so the resolver never blocks on a waiter that already gave up.
type pendingRequest struct {
	id          string
	expectFinal bool
	done        chan result
}

// correlator routes response frames back to the goroutine waiting on the
// matching request id. The pending map is the only state shared between the
// sender side and the receive loop; every access holds the mutex, and a
// request is deleted from the map before its waiter is signalled, so each
// request completes at most once.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]*pendingRequest)}
}

// add registers a fresh pending request under id.
func (c *correlator) add(id string, expectFinal bool) *pendingRequest {
	p := &pendingRequest{
		id:          id,
		expectFinal: expectFinal,
		done:        make(chan result, 1),
	}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	return p
}

// remove drops the pending request for id without completing it. Used when
// the waiter abandons the request (timeout, cancellation, write failure).
// A response arriving later finds no entry and is discarded as stale.
func (c *correlator) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// resolve completes the pending request matching the response frame, if any.
// A frame whose id has no pending entry is silently discarded. With
// expectFinal set, a payload with status "accepted" is an intermediate
// acknowledgment and leaves the request pending.
func (c *correlator) resolve(frame Frame) {
	c.mu.Lock()
	p, ok := c.pending[frame.ID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if p.expectFinal && frame.OK {
		var ack ackPayload
		if json.Unmarshal(frame.Payload, &ack) == nil && ack.Status == ackStatusAccepted {
			c.mu.Unlock()
			return
		}
	}
	delete(c.pending, frame.ID)
	c.mu.Unlock()

	if frame.OK {
		p.done <- result{payload: frame.Payload}
	} else {
		p.done <- result{err: domain.NewRemoteError(frame.errorMessage())}
	}
}

// failAll rejects every pending request with err and clears the map. Called
// on connection loss and client shutdown so no waiter is left hanging.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		p.done <- result{err: err}
	}
}

// size returns the number of requests currently in flight.
func (c *correlator) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
