package transport

import (
	"sync/atomic"
	"time"

	"github.com/mqgo/mqgo/pkg/owire"
)

// InactivityMonitor implements the bidirectional heartbeat of spec §4.3:
// it sends a KeepAliveInfo on a timer when nothing else has been written
// recently, and declares the connection dead if nothing has been read
// within the negotiated read-inactivity window. It mirrors the teacher's
// throttleUntil atomic-nanosecond-timestamp idiom (broker.go's
// cxn.throttleUntil) for lock-free cross-goroutine deadline tracking.
type InactivityMonitor struct {
	readInterval  time.Duration
	writeInterval time.Duration

	lastRead  int64 // atomic unixnano
	lastWrite int64 // atomic unixnano

	writeKeepAlive func() error
	onTimeout      func()

	stop chan struct{}
	done chan struct{}
}

// NewInactivityMonitor builds a monitor from the negotiated max-inactivity
// duration (milliseconds, 0 disables monitoring per spec §4.3). The write
// heartbeat fires every half of the negotiated duration (heartbeating twice
// as often as the peer's read timeout, so a single dropped keep-alive
// doesn't trip a false positive). The local read-timeout watchdog is
// checked on the same tick and trips once nothing has been read for the
// full negotiated duration (readInterval).
func NewInactivityMonitor(negotiatedMaxInactivityMillis int64, writeKeepAlive func() error, onTimeout func()) *InactivityMonitor {
	m := &InactivityMonitor{
		writeKeepAlive: writeKeepAlive,
		onTimeout:      onTimeout,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	if negotiatedMaxInactivityMillis > 0 {
		interval := time.Duration(negotiatedMaxInactivityMillis) * time.Millisecond
		m.readInterval = interval
		m.writeInterval = interval / 2
	}
	now := time.Now().UnixNano()
	atomic.StoreInt64(&m.lastRead, now)
	atomic.StoreInt64(&m.lastWrite, now)
	return m
}

func (m *InactivityMonitor) MarkRead()  { atomic.StoreInt64(&m.lastRead, time.Now().UnixNano()) }
func (m *InactivityMonitor) MarkWrite() { atomic.StoreInt64(&m.lastWrite, time.Now().UnixNano()) }

// Enabled reports whether monitoring is active; false when either side
// disabled it during negotiation (spec §4.3).
func (m *InactivityMonitor) Enabled() bool { return m.readInterval > 0 }

// Start launches the monitor's background ticking goroutine. Stop must be
// called to release it.
func (m *InactivityMonitor) Start() {
	if !m.Enabled() {
		close(m.done)
		return
	}
	go m.run()
}

func (m *InactivityMonitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.writeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := time.Now()
			sinceRead := now.Sub(time.Unix(0, atomic.LoadInt64(&m.lastRead)))
			if sinceRead > m.readInterval {
				m.onTimeout()
				return
			}
			sinceWrite := now.Sub(time.Unix(0, atomic.LoadInt64(&m.lastWrite)))
			if sinceWrite >= m.writeInterval {
				if err := m.writeKeepAlive(); err != nil {
					m.onTimeout()
					return
				}
				m.MarkWrite()
			}
		}
	}
}

// Stop signals the monitor's goroutine to exit. It does not block on the
// goroutine's exit: onTimeout may itself call Stop from inside run, and
// waiting here would deadlock against run's own termination.
func (m *InactivityMonitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// NewKeepAlive builds the KeepAliveInfo command the monitor writes; kept as
// a free function so the IO layer's writer can share the same frame
// construction for a manually triggered heartbeat.
func NewKeepAlive() *owire.KeepAliveInfo { return &owire.KeepAliveInfo{} }
