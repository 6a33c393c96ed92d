package transport

import (
	"sync"

	"github.com/mqgo/mqgo/pkg/mqerr"
	"github.com/mqgo/mqgo/pkg/owire"
)

// Correlator matches async responses back to the request that asked for
// them, keyed by command id, generalizing the teacher's promisedResp/
// brokerCxn.resps channel (there: one pending response at a time per
// connection type, fed serially) into a concurrent map, since OpenWire lets
// many requests be outstanding on the single connection at once (spec §3
// "responses ... are matched back to the waiting caller by command id").
type Correlator struct {
	mu      sync.Mutex
	pending map[int32]chan result
	nextID  int32
}

type result struct {
	cmd owire.Command
	err error
}

func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[int32]chan result)}
}

// NextID returns the next command id to assign to an outgoing request,
// wrapping from math.MaxInt32 back through 0 rather than into negative
// territory staying permanently unique-looking (spec §3 "ids wrap at
// int32 max back to 0; a wrapped id colliding with a still-outstanding
// request is a protocol-level hazard the correlator must not hide").
func (c *Correlator) NextID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	if c.nextID == 0x7FFFFFFF {
		c.nextID = 0
	} else {
		c.nextID++
	}
	return id
}

// Await registers id as awaiting a response and returns the channel that
// will receive it. The caller must eventually call Forget(id) if it gives
// up waiting (context cancellation) to avoid leaking the map entry.
func (c *Correlator) Await(id int32) <-chan result {
	ch := make(chan result, 1)
	c.mu.Lock()
	if _, exists := c.pending[id]; exists {
		// A still-outstanding request occupies this id: the 32-bit space
		// wrapped around a slow request. Fail the new await immediately
		// rather than silently overwriting the old channel, which would
		// strand the original caller forever.
		c.mu.Unlock()
		ch <- result{err: mqerr.Protocol("command id collision on wraparound", nil)}
		close(ch)
		return ch
	}
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Correlator) Forget(id int32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Complete delivers resp (or err) to whichever Await call is waiting on
// resp's correlation id. Returns false if nothing was waiting (a response
// to a request the caller already gave up on, or a stray broker message).
func (c *Correlator) Complete(corrID int32, resp owire.Command, err error) bool {
	c.mu.Lock()
	ch, ok := c.pending[corrID]
	if ok {
		delete(c.pending, corrID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- result{cmd: resp, err: err}
	close(ch)
	return true
}

// FailAll delivers err to every still-pending await, used when the
// connection dies so no caller blocks forever (spec §7 "a dead transport
// fails every outstanding request with a TransportError").
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int32]chan result)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- result{err: err}
		close(ch)
	}
}
