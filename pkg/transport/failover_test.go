package transport

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mqgo/mqgo/pkg/mqerr"
	"github.com/mqgo/mqgo/pkg/mqlog"
	"github.com/mqgo/mqgo/pkg/owire"
)

// newTestConn builds a real *Conn over an in-memory net.Pipe, usable by
// tests that need a genuine Dead()/DeadCh()/Close() lifecycle rather than
// a hand-rolled stand-in.
func newTestConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	c := NewConn(client, "test-addr", owire.BootstrapOptions, func(owire.Command) {}, mqlog.Nop{}, nil, 1<<20)
	t.Cleanup(func() { c.Close(); server.Close() })
	return c, server
}

// TestFailoverConnectLoopZeroMaxAttemptsTriesOnce realizes spec §8's
// "maxReconnectAttempts=0 => single initial connect attempt only": a
// connect loop backed by an always-failing dialer must give up after
// exactly one attempt, not retry forever.
func TestFailoverConnectLoopZeroMaxAttemptsTriesOnce(t *testing.T) {
	var attempts int32
	connect := func(ctx context.Context, addr string) (*Conn, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, mqerr.Transport("dial refused", nil)
	}

	f := NewFailover([]string{"broker-a:61616"}, connect, nil, BackoffParams{
		Initial:     time.Millisecond,
		Max:         time.Millisecond,
		MaxAttempts: 0,
	}, mqlog.Nop{}, nil)

	_, err := f.connectLoop(context.Background(), "")
	if err == nil {
		t.Fatalf("expected connectLoop to fail, every dial was refused")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("MaxAttempts=0 should try exactly once, got %d attempts", got)
	}
}

// TestFailoverConnectLoopNegativeMaxAttemptsRetriesUntilSuccess checks the
// negative-means-infinite half of the same spec clause: a dialer that
// fails a bounded number of times before succeeding must eventually
// return a connection rather than giving up.
func TestFailoverConnectLoopNegativeMaxAttemptsRetriesUntilSuccess(t *testing.T) {
	var attempts int32
	connect := func(ctx context.Context, addr string) (*Conn, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 4 {
			return nil, mqerr.Transport("dial refused", nil)
		}
		c, _ := newTestConn(t)
		return c, nil
	}

	f := NewFailover([]string{"broker-a:61616"}, connect, nil, BackoffParams{
		Initial:     time.Millisecond,
		Max:         time.Millisecond,
		MaxAttempts: -1,
	}, mqlog.Nop{}, nil)

	c, err := f.connectLoop(context.Background(), "")
	if err != nil {
		t.Fatalf("connectLoop: %v", err)
	}
	if c == nil {
		t.Fatalf("expected a connection once the dialer started succeeding")
	}
	if got := atomic.LoadInt32(&attempts); got != 4 {
		t.Fatalf("expected exactly 4 attempts, got %d", got)
	}
}

// TestFailoverWaitForConnBlocksThenReturnsNewConn realizes spec §4.5's
// backpressure-during-reconnect behavior: a caller waiting on a dead
// current connection must block until the watcher swaps in a live one,
// rather than seeing a dead-connection error.
func TestFailoverWaitForConnBlocksThenReturnsNewConn(t *testing.T) {
	dead, _ := newTestConn(t)
	dead.die(mqerr.Transport("connection reset", nil))

	live, _ := newTestConn(t)

	f := NewFailover([]string{"broker-a:61616"}, nil, nil, BackoffParams{}, mqlog.Nop{}, nil)
	f.setCurrent(dead)

	done := make(chan *Conn, 1)
	go func() {
		c, err := f.WaitForConn(context.Background(), time.Second)
		if err != nil {
			t.Errorf("WaitForConn: %v", err)
			done <- nil
			return
		}
		done <- c
	}()

	select {
	case c := <-done:
		t.Fatalf("WaitForConn returned before a live connection was installed: %v", c)
	case <-time.After(30 * time.Millisecond):
	}

	f.setCurrent(live)

	select {
	case c := <-done:
		if c != live {
			t.Fatalf("expected the newly installed connection, got %v", c)
		}
	case <-time.After(time.Second):
		t.Fatalf("WaitForConn did not unblock after setCurrent")
	}
}

// TestFailoverWaitForConnRespectsTimeout checks that a caller gives up
// with a transport error once the configured timeout elapses rather than
// blocking forever on a reconnect that never comes.
func TestFailoverWaitForConnRespectsTimeout(t *testing.T) {
	dead, _ := newTestConn(t)
	dead.die(mqerr.Transport("connection reset", nil))

	f := NewFailover([]string{"broker-a:61616"}, nil, nil, BackoffParams{}, mqlog.Nop{}, nil)
	f.setCurrent(dead)

	start := time.Now()
	_, err := f.WaitForConn(context.Background(), 30*time.Millisecond)
	if err == nil {
		t.Fatalf("expected a timeout error, reconnect never happens in this test")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("WaitForConn returned before its timeout elapsed: %v", elapsed)
	}
}

// TestFailoverWaitForConnReturnsImmediatelyWhenAlive checks the fast path:
// a live current connection is returned without waiting on the cond at
// all.
func TestFailoverWaitForConnReturnsImmediatelyWhenAlive(t *testing.T) {
	live, _ := newTestConn(t)
	f := NewFailover([]string{"broker-a:61616"}, nil, nil, BackoffParams{}, mqlog.Nop{}, nil)
	f.setCurrent(live)

	c, err := f.WaitForConn(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForConn: %v", err)
	}
	if c != live {
		t.Fatalf("expected the already-live connection back immediately")
	}
}
