package mqgo

import (
	"testing"
	"time"

	"github.com/mqgo/mqgo/pkg/owire"
)

// TestRedeliveryBackoffBand draws 10,000 samples of NextDelay at a fixed
// attempt number and checks every sample lands inside the band the
// exponential-backoff-plus-jitter formula guarantees (spec §8 "redelivery
// backoff band test with 10,000 draws").
func TestRedeliveryBackoffBand(t *testing.T) {
	p := RedeliveryPolicy{
		RedeliveryDelay:          100 * time.Millisecond,
		MaximumRedeliveryDelay:   -1,
		BackOffMultiplier:        2.0,
		UseExponentialBackOff:    true,
		MaximumRedeliveries:      -1,
		CollisionAvoidanceFactor: 0.2,
		UseCollisionAvoidance:    true,
	}

	const attempt = int32(4) // base delay = 100ms * 2^3 = 800ms
	base := 800 * time.Millisecond
	lo := base - time.Duration(float64(base)*p.CollisionAvoidanceFactor)
	hi := base + time.Duration(float64(base)*p.CollisionAvoidanceFactor)

	for i := 0; i < 10000; i++ {
		d := p.NextDelay(attempt)
		if d < lo || d > hi {
			t.Fatalf("draw %d: delay %v outside band [%v, %v]", i, d, lo, hi)
		}
	}
}

func TestRedeliveryNoBackoffUsesFlatDelay(t *testing.T) {
	p := RedeliveryPolicy{
		RedeliveryDelay:       250 * time.Millisecond,
		UseExponentialBackOff: false,
	}
	for n := int32(1); n <= 5; n++ {
		if got := p.NextDelay(n); got != 250*time.Millisecond {
			t.Fatalf("attempt %d: got %v, want flat 250ms", n, got)
		}
	}
}

func TestRedeliveryMaximumDelayClamp(t *testing.T) {
	p := RedeliveryPolicy{
		RedeliveryDelay:        1 * time.Second,
		MaximumRedeliveryDelay: 4 * time.Second,
		BackOffMultiplier:      2.0,
		UseExponentialBackOff:  true,
	}
	// Attempt 10 would be 1s * 2^9 = 512s unclamped; must clamp to 4s.
	if got := p.NextDelay(10); got != 4*time.Second {
		t.Fatalf("got %v, want clamped 4s", got)
	}
}

func TestRedeliveryExhausted(t *testing.T) {
	p := RedeliveryPolicy{MaximumRedeliveries: 3}
	for n := int32(1); n <= 3; n++ {
		if p.Exhausted(n) {
			t.Fatalf("attempt %d should not be exhausted", n)
		}
	}
	if !p.Exhausted(4) {
		t.Fatalf("attempt 4 should be exhausted")
	}

	unbounded := RedeliveryPolicy{MaximumRedeliveries: -1}
	if unbounded.Exhausted(1000) {
		t.Fatalf("unbounded policy should never report exhausted")
	}
}

func TestCollisionAvoidancePercentRoundTrip(t *testing.T) {
	var p RedeliveryPolicy
	p.SetCollisionAvoidancePercent(15)
	if got := p.CollisionAvoidancePercent(); got != 15 {
		t.Fatalf("got %d, want 15", got)
	}
}

// TestRedeliveryQueueOrdersByDeadline checks that entries scheduled out of
// fire-order are popped back in fire-order, and that an entry is routed to
// the consumer that actually owns it.
func TestRedeliveryQueueOrdersByDeadline(t *testing.T) {
	q := newRedeliveryQueue()
	sid := testSessionID()
	c1 := owire.ConsumerID{SessionID: sid, Value: 1}
	c2 := owire.ConsumerID{SessionID: sid, Value: 2}

	q.Schedule(c2, owire.NewQueue("B"), owire.NewMessage(owire.BodyText), 1, 30*time.Millisecond)
	q.Schedule(c1, owire.NewQueue("A"), owire.NewMessage(owire.BodyText), 1, 5*time.Millisecond)

	if got := q.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	time.Sleep(50 * time.Millisecond)
	due := q.PopDue()
	if len(due) != 2 {
		t.Fatalf("PopDue returned %d entries, want 2", len(due))
	}
	if due[0].consumerID != c1 {
		t.Fatalf("first due entry belongs to %+v, want %+v", due[0].consumerID, c1)
	}
	if due[1].consumerID != c2 {
		t.Fatalf("second due entry belongs to %+v, want %+v", due[1].consumerID, c2)
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty after PopDue, got Len()=%d", q.Len())
	}
}

func testSessionID() owire.SessionID {
	return owire.SessionID{ConnectionID: owire.ConnectionID{Value: "ID:test-1"}, Value: 1}
}
