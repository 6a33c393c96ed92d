package transport

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqgo/mqgo/pkg/mqerr"
	"github.com/mqgo/mqgo/pkg/mqlog"
)

// BackoffParams configures the failover reconnect loop (spec §9 "failover
// reconnects with exponential backoff across the URI pool").
type BackoffParams struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// MaxAttempts bounds total connect attempts: 0 means try exactly once
	// with no retries (spec §8 "maxReconnectAttempts=0 => single initial
	// connect attempt only"); negative means unlimited; positive is the
	// total attempt count.
	MaxAttempts int
	// UseExponentialBackOff mirrors the original client's flag of the
	// same name: false means every retry's base delay is Initial
	// (connectLoop adds up to 10% jitter on top).
	UseExponentialBackOff bool
	// MaintainBackup, when true, keeps one extra connection warm against
	// the next URI in the pool so a failover has zero connect latency
	// (spec §9 "backup broker pre-connection").
	MaintainBackup bool
}

func (b BackoffParams) delay(attempt int) time.Duration {
	if !b.UseExponentialBackOff {
		return b.Initial
	}
	d := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		d *= b.Multiplier
		if time.Duration(d) > b.Max {
			return b.Max
		}
	}
	return time.Duration(d)
}

// ReplayFunc resends the state a freshly (re)established connection needs
// before it is usable again — ConnectionInfo, every live SessionInfo,
// ProducerInfo, ConsumerInfo (spec §9 "after reconnect, the client replays
// its live connection/session/producer/consumer state to the new broker
// before resuming normal traffic").
type ReplayFunc func(c *Conn) error

// ConnectFunc dials and completes the wireformat handshake against one
// address, returning a ready Conn.
type ConnectFunc func(ctx context.Context, addr string) (*Conn, error)

// Failover owns a pool of broker addresses and keeps exactly one Conn
// alive against them, transparently reconnecting on death. It generalizes
// the teacher's single always-connected broker into the "one logical
// connection backed by a rotating physical one" shape spec §9 requires.
type Failover struct {
	addrs  []string
	nextIx int
	mu     sync.Mutex

	connect ConnectFunc
	replay  ReplayFunc
	backoff BackoffParams
	logger  mqlog.Logger

	current atomic.Pointer[Conn]
	backup  atomic.Pointer[Conn]

	// connMu/connCond broadcast every time current changes (a reconnect
	// swap, or Close), letting WaitForConn block a caller through a
	// reconnect instead of handing back a dead Conn (spec §4.5
	// "Backpressure during reconnect").
	connMu   sync.Mutex
	connCond *sync.Cond

	closed int32
	stopCh chan struct{}

	onReconnect func(from, to string, attempt int, err error)
}

func NewFailover(addrs []string, connect ConnectFunc, replay ReplayFunc, backoff BackoffParams, logger mqlog.Logger, onReconnect func(from, to string, attempt int, err error)) *Failover {
	if logger == nil {
		logger = mqlog.Nop{}
	}
	f := &Failover{
		addrs:       append([]string(nil), addrs...),
		connect:     connect,
		replay:      replay,
		backoff:     backoff,
		logger:      logger,
		stopCh:      make(chan struct{}),
		onReconnect: onReconnect,
	}
	f.connCond = sync.NewCond(&f.connMu)
	return f
}

// setCurrent installs c as the active connection and wakes every goroutine
// blocked in WaitForConn.
func (f *Failover) setCurrent(c *Conn) {
	f.current.Store(c)
	f.connMu.Lock()
	f.connCond.Broadcast()
	f.connMu.Unlock()
}

// Start performs the initial connect and launches the reconnect-watcher
// goroutine. Blocks until the first connection succeeds or the context is
// canceled.
func (f *Failover) Start(ctx context.Context) error {
	c, err := f.connectLoop(ctx, "")
	if err != nil {
		return err
	}
	f.setCurrent(c)
	go f.watch()
	if f.backoff.MaintainBackup {
		go f.maintainBackup()
	}
	return nil
}

// Conn returns the currently active connection. Callers must re-fetch it
// after a Send fails with a transport error, since failover may have
// swapped in a new one.
func (f *Failover) Conn() *Conn { return f.current.Load() }

func (f *Failover) nextAddr() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.addrs[f.nextIx%len(f.addrs)]
	f.nextIx++
	return a
}

// connectLoop dials the pool in rotation with backoff until one succeeds,
// ctx is canceled, or MaxAttempts is exhausted.
func (f *Failover) connectLoop(ctx context.Context, from string) (*Conn, error) {
	var lastErr error
	// 0 means exactly one attempt, negative means unlimited, positive is
	// the attempt count as-is.
	maxAttempts := f.backoff.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	for attempt := 0; maxAttempts < 0 || attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.stopCh:
			return nil, net.ErrClosed
		default:
		}
		addr := f.nextAddr()
		c, err := f.connect(ctx, addr)
		if f.onReconnect != nil {
			f.onReconnect(from, addr, attempt, err)
		}
		if err == nil {
			if f.replay != nil {
				if rerr := f.replay(c); rerr != nil {
					c.Close()
					lastErr = rerr
					continue
				}
			}
			return c, nil
		}
		lastErr = err
		f.logger.Log(mqlog.LogLevelWarn, "failover connect attempt failed", "addr", addr, "attempt", attempt, "err", err)

		d := f.backoff.delay(attempt)
		// small jitter so a pool of clients reconnecting to the same
		// broker after an outage doesn't do so in lockstep.
		d += time.Duration(rand.Int63n(int64(d)/10 + 1))
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.stopCh:
			return nil, net.ErrClosed
		}
	}
	return nil, lastErr
}

func (f *Failover) watch() {
	for {
		c := f.current.Load()
		select {
		case <-f.stopCh:
			return
		case <-c.DeadCh():
		}
		if atomic.LoadInt32(&f.closed) == 1 {
			return
		}

		if backup := f.backup.Swap(nil); backup != nil && !backup.Dead() {
			if f.replay == nil || f.replay(backup) == nil {
				f.setCurrent(backup)
				continue
			}
			backup.Close()
		}

		newConn, err := f.connectLoop(context.Background(), f.addrLabel(c))
		if err != nil {
			f.logger.Log(mqlog.LogLevelError, "failover exhausted reconnect attempts", "err", err)
			return
		}
		f.setCurrent(newConn)
	}
}

// WaitForConn returns the current connection if it is already alive, or
// blocks until the next successful reconnect installs one, bounded by
// timeout (zero means wait indefinitely, subject only to ctx). This is the
// backpressure-during-reconnect path spec §4.5 requires: a send issued
// while current holds a dead Conn waits for the swap instead of failing
// immediately with a transport error.
func (f *Failover) WaitForConn(ctx context.Context, timeout time.Duration) (*Conn, error) {
	if c := f.current.Load(); c != nil && !c.Dead() {
		return c, nil
	}
	if atomic.LoadInt32(&f.closed) == 1 {
		return nil, net.ErrClosed
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan *Conn, 1)
	go func() {
		f.connMu.Lock()
		for {
			c := f.current.Load()
			if c != nil && !c.Dead() {
				f.connMu.Unlock()
				done <- c
				return
			}
			if atomic.LoadInt32(&f.closed) == 1 {
				f.connMu.Unlock()
				done <- nil
				return
			}
			f.connCond.Wait()
		}
	}()

	select {
	case c := <-done:
		if c == nil {
			return nil, net.ErrClosed
		}
		return c, nil
	case <-waitCtx.Done():
		// The goroutine above may still be parked in connCond.Wait; it
		// wakes on the next reconnect or Close, finds nothing reading
		// done, and exits without blocking anyone further.
		if timeout > 0 && ctx.Err() == nil {
			return nil, mqerr.Transport("timed out waiting for failover reconnect", waitCtx.Err())
		}
		return nil, waitCtx.Err()
	}
}

func (f *Failover) addrLabel(c *Conn) string {
	if c == nil {
		return ""
	}
	return c.addr
}

// maintainBackup keeps one warm spare connection against the next pool
// address, so a failover swap has no connect latency (spec §9).
func (f *Failover) maintainBackup() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
		}
		if f.backup.Load() != nil {
			continue
		}
		addr := f.nextAddr()
		c, err := f.connect(context.Background(), addr)
		if err != nil {
			continue
		}
		f.backup.Store(c)
	}
}

func (f *Failover) Close() {
	if !atomic.CompareAndSwapInt32(&f.closed, 0, 1) {
		return
	}
	close(f.stopCh)
	f.connMu.Lock()
	f.connCond.Broadcast()
	f.connMu.Unlock()
	if c := f.current.Load(); c != nil {
		c.Close()
	}
	if b := f.backup.Load(); b != nil {
		b.Close()
	}
}
