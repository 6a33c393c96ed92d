package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqgo/mqgo/pkg/mqerr"
	"github.com/mqgo/mqgo/pkg/mqlog"
	"github.com/mqgo/mqgo/pkg/owire"
)

// Dispatcher receives unsolicited inbound commands (MessageDispatch,
// ConnectionControl, BrokerInfo, ...) that the reader loop decodes other
// than responses and KeepAliveInfo, which the reader loop consumes itself;
// the
// generalization of the teacher's consumer fetch-response handling into a
// push model (OpenWire pushes message dispatches rather than the client
// polling for them, spec §4.5).
type Dispatcher func(cmd owire.Command)

// writeReq is one entry in the write queue: a marshaled frame plus the
// channel the writer signals on completion, mirroring the teacher's
// promisedReq/writeConn split between enqueue and actual socket write.
type writeReq struct {
	body []byte
	done chan error
}

// Conn owns a single OpenWire socket: the framed reader/writer goroutines,
// the response correlator, and the inactivity monitor. It is the direct
// analog of the teacher's brokerCxn, collapsed from three connection types
// (normal/produce/fetch) to one, since OpenWire multiplexes every command
// kind over the same stream.
type Conn struct {
	netConn net.Conn
	addr    string

	opts atomic.Value // owire.EncodingOptions

	correlator *Correlator
	monitor    *InactivityMonitor
	dispatch   Dispatcher

	logger mqlog.Logger
	hooks  mqlog.Hooks

	maxFrameSize int32

	writeCh chan writeReq
	dieOnce sync.Once
	dead    int32
	deadCh  chan struct{}
	dieErr  error

	// dieMu guards sending to writeCh against the close(writeCh) in die,
	// the same dieMu pattern the teacher's broker/brokerCxn use around
	// their reqs/resps channels.
	dieMu sync.RWMutex
}

// NewConn wraps an already-dialed net.Conn. opts should be the bootstrap
// encoding options until negotiation (via Handshake) replaces them.
func NewConn(netConn net.Conn, addr string, opts owire.EncodingOptions, dispatch Dispatcher, logger mqlog.Logger, hooks mqlog.Hooks, maxFrameSize int32) *Conn {
	if logger == nil {
		logger = mqlog.Nop{}
	}
	c := &Conn{
		netConn:      netConn,
		addr:         addr,
		correlator:   NewCorrelator(),
		dispatch:     dispatch,
		logger:       logger,
		hooks:        hooks,
		maxFrameSize: maxFrameSize,
		writeCh:      make(chan writeReq, 16),
		deadCh:       make(chan struct{}),
	}
	c.opts.Store(opts)
	go c.writeLoop()
	go c.readLoop()
	return c
}

// NextCommandID hands out the next 32-bit command id for this connection,
// delegating to the correlator's wraparound-safe counter (spec §3 "Each
// command carries a 32-bit command id assigned by whichever side needs to
// correlate a response").
func (c *Conn) NextCommandID() int32 { return c.correlator.NextID() }

func (c *Conn) Options() owire.EncodingOptions { return c.opts.Load().(owire.EncodingOptions) }
func (c *Conn) SetOptions(opts owire.EncodingOptions) { c.opts.Store(opts) }

// AttachMonitor installs the inactivity monitor once negotiation has
// determined the read interval; called once per connection right after
// Handshake completes.
func (c *Conn) AttachMonitor(m *InactivityMonitor) {
	c.monitor = m
	m.Start()
}

// Dead reports whether the connection has been torn down.
func (c *Conn) Dead() bool { return atomic.LoadInt32(&c.dead) == 1 }

// DeadCh is closed exactly once, when the connection dies.
func (c *Conn) DeadCh() <-chan struct{} { return c.deadCh }

// Send writes cmd and, if it wants a response, waits for the correlated
// reply (spec §3 "a request command that sets wantsResponse blocks the
// caller ... until the matching response arrives, fails, or times out").
// Commands with ResponseRequired()==false return as soon as the write
// completes.
func (c *Conn) Send(ctx context.Context, cmd owire.Command) (owire.Command, error) {
	if c.Dead() {
		return nil, mqerr.Transport("connection is dead", c.dieErr)
	}
	var await <-chan result
	if cmd.ResponseRequired() {
		await = c.correlator.Await(cmd.CommandID())
	}

	body, err := owire.Marshal(cmd, c.Options())
	if err != nil {
		if await != nil {
			c.correlator.Forget(cmd.CommandID())
		}
		return nil, mqerr.Protocol("marshal command", err)
	}

	done := make(chan error, 1)
	c.dieMu.RLock()
	if c.Dead() {
		c.dieMu.RUnlock()
		if await != nil {
			c.correlator.Forget(cmd.CommandID())
		}
		return nil, mqerr.Transport("connection is dead", c.dieErr)
	}
	select {
	case c.writeCh <- writeReq{body: body, done: done}:
		c.dieMu.RUnlock()
	case <-ctx.Done():
		c.dieMu.RUnlock()
		if await != nil {
			c.correlator.Forget(cmd.CommandID())
		}
		return nil, ctx.Err()
	}

	select {
	case err := <-done:
		if err != nil {
			if await != nil {
				c.correlator.Forget(cmd.CommandID())
			}
			return nil, err
		}
	case <-ctx.Done():
		if await != nil {
			c.correlator.Forget(cmd.CommandID())
		}
		return nil, ctx.Err()
	}

	if c.monitor != nil {
		c.monitor.MarkWrite()
	}

	if await == nil {
		return nil, nil
	}

	select {
	case r := <-await:
		if r.err != nil {
			return nil, r.err
		}
		return r.cmd, nil
	case <-ctx.Done():
		c.correlator.Forget(cmd.CommandID())
		return nil, ctx.Err()
	case <-c.deadCh:
		return nil, mqerr.Transport("connection is dead", c.dieErr)
	}
}

// writeLoop is the connection's single writer goroutine: it drains
// writeCh in order, so concurrent Send calls never interleave frames on
// the wire, and reports each write's outcome back through req.done.
func (c *Conn) writeLoop() {
	for req := range c.writeCh {
		start := time.Now()
		setWriteDeadline(c.netConn, 0)
		n, err := writeFrame(c.netConn, req.body)
		clearWriteDeadline(c.netConn)
		dt := time.Since(start)

		var tag byte
		if len(req.body) > 0 {
			tag = req.body[0]
		}
		c.hooks.Each(func(h mqlog.Hook) {
			if wh, ok := h.(mqlog.WriteHook); ok {
				wh.OnWrite(c.addr, tag, n, 0, dt, err)
			}
		})

		req.done <- err
		if err != nil {
			c.die(mqerr.Transport("write failed", err))
			return
		}
	}
}

func (c *Conn) readLoop() {
	for {
		start := time.Now()
		body, err := readFrame(c.netConn, c.maxFrameSize)
		dt := time.Since(start)
		if err != nil {
			c.hooks.Each(func(h mqlog.Hook) {
				if rh, ok := h.(mqlog.ReadHook); ok {
					rh.OnRead(c.addr, 0, 0, 0, dt, err)
				}
			})
			c.die(mqerr.Transport("read failed", err))
			return
		}
		if c.monitor != nil {
			c.monitor.MarkRead()
		}

		var tag byte
		if len(body) > 0 {
			tag = body[0]
		}
		c.hooks.Each(func(h mqlog.Hook) {
			if rh, ok := h.(mqlog.ReadHook); ok {
				rh.OnRead(c.addr, tag, len(body), 0, dt, nil)
			}
		})

		var cmd owire.Command
		if tag == owire.TagResponse {
			cmd, err = owire.UnmarshalResponse(body, c.Options())
		} else {
			cmd, err = owire.Unmarshal(body, c.Options())
		}
		if err != nil {
			c.logger.Log(mqlog.LogLevelError, "codec error decoding frame, killing connection", "addr", c.addr, "err", err)
			c.die(mqerr.Protocol("decode frame", err))
			return
		}

		if resp, ok := cmd.(*owire.Response); ok {
			c.correlator.Complete(resp.CorrelationID, resp, nil)
			continue
		}
		if exc, ok := cmd.(*owire.ExceptionResponse); ok {
			bex := &mqerr.BrokerException{
				CommandID:      exc.CorrelationID,
				ExceptionClass: exc.ExceptionClassName,
				Message:        exc.Message,
				StackTrace:     exc.StackTrace,
			}
			c.correlator.Complete(exc.CorrelationID, nil, bex)
			continue
		}
		if _, ok := cmd.(*owire.KeepAliveInfo); ok {
			continue
		}
		if c.dispatch != nil {
			c.dispatch(cmd)
		}
	}
}

// WriteKeepAlive is passed to the inactivity monitor as its heartbeat
// callback.
func (c *Conn) WriteKeepAlive() error {
	_, err := c.Send(context.Background(), NewKeepAlive())
	return err
}

func (c *Conn) die(err error) {
	c.dieOnce.Do(func() {
		atomic.StoreInt32(&c.dead, 1)
		c.dieErr = err
		c.correlator.FailAll(err)
		c.hooks.Each(func(h mqlog.Hook) {
			if dh, ok := h.(mqlog.DisconnectHook); ok {
				dh.OnDisconnect(c.addr, err)
			}
		})
		c.netConn.Close()
		if c.monitor != nil {
			c.monitor.Stop()
		}
		close(c.deadCh)
		c.dieMu.Lock()
		close(c.writeCh)
		c.dieMu.Unlock()
	})
}

// Close tears down the connection cleanly (no error recorded beyond
// "closed locally").
func (c *Conn) Close() {
	c.die(mqerr.ErrTransportClosed)
}
