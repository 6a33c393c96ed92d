package transport

import (
	"testing"

	"github.com/mqgo/mqgo/pkg/mqerr"
	"github.com/mqgo/mqgo/pkg/owire"
)

func TestCorrelatorNextIDWraps(t *testing.T) {
	c := NewCorrelator()
	c.nextID = 0x7FFFFFFF
	if got := c.NextID(); got != 0x7FFFFFFF {
		t.Fatalf("got %d, want 0x7FFFFFFF", got)
	}
	if got := c.NextID(); got != 0 {
		t.Fatalf("id did not wrap to 0, got %d", got)
	}
	if got := c.NextID(); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
}

func TestCorrelatorAwaitCompleteRoundTrip(t *testing.T) {
	c := NewCorrelator()
	id := c.NextID()
	ch := c.Await(id)

	resp := &owire.Response{CorrelationID: id}
	if !c.Complete(id, resp, nil) {
		t.Fatalf("Complete reported no waiter for id %d", id)
	}

	r := <-ch
	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
	if r.cmd != owire.Command(resp) {
		t.Fatalf("got %+v, want %+v", r.cmd, resp)
	}
}

func TestCorrelatorCompleteWithNoWaiterReturnsFalse(t *testing.T) {
	c := NewCorrelator()
	if c.Complete(999, &owire.Response{CorrelationID: 999}, nil) {
		t.Fatalf("Complete should report false for an id nobody is awaiting")
	}
}

// TestCorrelatorWraparoundCollisionFailsFast checks that a still-pending
// id occupied by a slow request fails a new Await immediately rather than
// silently clobbering the old channel (spec §4.4 "ids wrap after 2^31 —
// retire before reissue").
func TestCorrelatorWraparoundCollisionFailsFast(t *testing.T) {
	c := NewCorrelator()
	slow := c.Await(42)

	collided := c.Await(42)
	r := <-collided
	if r.err == nil {
		t.Fatalf("expected a collision error, got nil")
	}
	if !mqerr.IsKind(r.err, mqerr.KindProtocol) {
		t.Fatalf("expected a protocol-kind error, got %v", r.err)
	}

	// The original waiter must still be independently completable.
	if !c.Complete(42, &owire.Response{CorrelationID: 42}, nil) {
		t.Fatalf("original waiter on id 42 should still be completable")
	}
	r2 := <-slow
	if r2.err != nil {
		t.Fatalf("original waiter got unexpected error: %v", r2.err)
	}
}

func TestCorrelatorFailAllUnblocksEveryWaiter(t *testing.T) {
	c := NewCorrelator()
	ch1 := c.Await(1)
	ch2 := c.Await(2)

	failure := mqerr.Transport("connection dead", nil)
	c.FailAll(failure)

	r1 := <-ch1
	r2 := <-ch2
	if r1.err != failure || r2.err != failure {
		t.Fatalf("expected both waiters to fail with %v, got %v and %v", failure, r1.err, r2.err)
	}

	// A fresh Await after FailAll should not see stale collision state.
	ch3 := c.Await(1)
	if !c.Complete(1, &owire.Response{CorrelationID: 1}, nil) {
		t.Fatalf("Complete should succeed for id 1 reused after FailAll")
	}
	if r3 := <-ch3; r3.err != nil {
		t.Fatalf("unexpected error: %v", r3.err)
	}
}
