// Package mqgo is the direct generalization of the teacher's root kgo
// package (Client, broker, consumer) into the connection/session/producer/
// consumer/transaction core spec §4.6–§4.7 specify (C8–C12): one multiplexed,
// asynchronously-correlated stream to a broker-like peer, just speaking
// OpenWire commands instead of Kafka requests.
package mqgo

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqgo/mqgo/pkg/mqauth"
	"github.com/mqgo/mqgo/pkg/mqerr"
	"github.com/mqgo/mqgo/pkg/mqlog"
	"github.com/mqgo/mqgo/pkg/owire"
	"github.com/mqgo/mqgo/pkg/transport"
)

// connState is the Connection lifecycle state machine from spec §4.6:
// Created -> Started -> Stopped <-> Started -> Closed.
type connState int32

const (
	connCreated connState = iota
	connStarted
	connStopped
	connClosed
)

// sender abstracts over a plain transport.Conn and a transport.Failover so
// Connection doesn't care which one it was built with; both expose Send and
// NextCommandID.
type sender interface {
	Send(ctx context.Context, cmd owire.Command) (owire.Command, error)
	NextCommandID() int32
}

type directSender struct{ c *transport.Conn }

func (d directSender) Send(ctx context.Context, cmd owire.Command) (owire.Command, error) {
	return d.c.Send(ctx, cmd)
}
func (d directSender) NextCommandID() int32 { return d.c.NextCommandID() }

// failoverSender waits for a live connection before sending, so a send
// issued while the transport is mid-reconnect blocks until the swap
// completes rather than failing against a dead Conn (spec §4.5
// "Backpressure during reconnect" / §8.4).
type failoverSender struct {
	f       *transport.Failover
	timeout time.Duration
}

func (d failoverSender) Send(ctx context.Context, cmd owire.Command) (owire.Command, error) {
	c, err := d.f.WaitForConn(ctx, d.timeout)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, cmd)
}
func (d failoverSender) NextCommandID() int32 { return d.f.Conn().NextCommandID() }

// Connection owns the transport (direct or failover) and dispatches
// inbound commands to the sessions that registered for them, tracking
// enough state (every live session/producer/consumer/transaction) to
// replay it after a failover reconnect (spec §4.5 state replay, §4.6
// Connection state machine).
type Connection struct {
	id  owire.ConnectionID
	cfg *config

	send sender
	fo   *transport.Failover // non-nil only when cfg.failover
	raw  *transport.Conn     // non-nil only when !cfg.failover

	state int32 // atomic connState

	mu         sync.Mutex
	sessions   map[int64]*Session
	sessionSeq int64
	localTxSeq int64

	closeOnce sync.Once
}

// Connect dials (or, with WithFailover, establishes a pool-backed failover
// transport to) the configured broker(s), performs the wireformat
// handshake and optional SCRAM authentication, and sends the initial
// ConnectionInfo. The returned Connection is in the Created state; Start
// must be called before messages dispatch to consumers (spec §4.6 "Inbound
// message dispatch is suppressed while Stopped").
func Connect(ctx context.Context, connID string, opts ...Option) (*Connection, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if len(cfg.addrs) == 0 {
		return nil, mqerr.LocalUsage("mqgo: at least one address is required (WithAddrs)")
	}

	conn := &Connection{
		id:       owire.ConnectionID{Value: connID},
		cfg:      cfg,
		sessions: make(map[int64]*Session),
	}

	dispatch := conn.dispatchInbound

	connectOne := func(ctx context.Context, addr string) (*transport.Conn, error) {
		return dialAndHandshake(ctx, addr, cfg, dispatch)
	}

	if cfg.failover {
		addrs := append([]string(nil), cfg.addrs...)
		if cfg.randomize {
			rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
		}
		fo := transport.NewFailover(addrs, connectOne, conn.replay, cfg.backoff, cfg.logger, func(from, to string, attempt int, err error) {
			cfg.hooks.Each(func(h mqlog.Hook) {
				if fh, ok := h.(FailoverHook); ok {
					fh.OnFailoverReconnect(from, to, attempt, err)
				}
			})
		})
		if err := fo.Start(ctx); err != nil {
			return nil, err
		}
		conn.fo = fo
		conn.send = failoverSender{f: fo, timeout: cfg.timeout}
	} else {
		c, err := connectOne(ctx, cfg.addrs[0])
		if err != nil {
			return nil, err
		}
		conn.send = directSender{c}
		conn.raw = c
	}

	if err := conn.sendConnectionInfo(ctx, ""); err != nil {
		return nil, err
	}

	return conn, nil
}

// dialAndHandshake dials addr, performs the bootstrap WireFormatInfo
// exchange, and (if credentials are configured) the SCRAM challenge before
// handing back a ready transport.Conn (spec §6 wire protocol, §7 Security
// error).
func dialAndHandshake(ctx context.Context, addr string, cfg *config, dispatch transport.Dispatcher) (*transport.Conn, error) {
	dialCtx := ctx
	var cancel context.CancelFunc
	if cfg.connectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, cfg.connectTimeout)
		defer cancel()
	}
	netConn, err := cfg.dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, mqerr.Transport(fmt.Sprintf("dial %s", addr), err)
	}

	opts, maxInactivity, err := transport.Handshake(netConn, transport.HandshakeParams{
		TightEncoding:       cfg.tightEncoding,
		CacheEnabled:        cfg.cacheEnabled,
		CacheSize:           cfg.cacheSize,
		MaxInactivityMillis: cfg.maxInactivityMillis,
		StackTraceEnabled:   cfg.stackTraceEnabled,
		CompressionEnabled:  cfg.useCompression,
		CompressionAlgo:     cfg.compressionAlgo,
		MaxFrameSize:        cfg.maxFrameSize,
	})
	if err != nil {
		netConn.Close()
		return nil, err
	}

	c := transport.NewConn(netConn, addr, opts, dispatch, cfg.logger, cfg.hooks, cfg.maxFrameSize)
	monitor := transport.NewInactivityMonitor(maxInactivity, c.WriteKeepAlive, func() { c.Close() })
	c.AttachMonitor(monitor)

	if cfg.username != "" {
		if err := authenticate(ctx, c, cfg.username, cfg.password); err != nil {
			c.Close()
			return nil, err
		}
	}

	return c, nil
}

// authenticate drives the SCRAM exchange over ordinary Connection-level
// sends; it is a supplement to spec §7's plain-password path (pkg/mqauth),
// exercised here before the ConnectionInfo is sent. It does not replace
// that path: sendConnectionInfo still carries UserName and Password in
// plain form once the exchange has succeeded.
func authenticate(ctx context.Context, c *transport.Conn, username, password string) error {
	client := mqauth.NewClient(username, password)
	first, err := client.Step1()
	if err != nil {
		return mqerr.Security("scram step1", err)
	}
	// The challenge/response bodies ride inside ConnectionControl's opaque
	// ReconnectTo field as a transport-level stand-in: the core OpenWire
	// command set (spec §3) has no dedicated SASL challenge command, so a
	// real deployment would extend it; this client reuses the nearest
	// existing field to keep the exchange wire-visible without inventing a
	// new tag.
	resp, err := c.Send(ctx, &owire.ConnectionControl{Base: owire.Base{WantsResponse: true}, ReconnectTo: first})
	if err != nil {
		return mqerr.Security("scram challenge failed", err)
	}
	cc, ok := resp.(*owire.ConnectionControl)
	if !ok {
		return mqerr.Security("scram: unexpected reply to challenge", nil)
	}
	final, err := client.Step2(cc.ReconnectTo)
	if err != nil {
		return mqerr.Security("scram step2", err)
	}
	resp2, err := c.Send(ctx, &owire.ConnectionControl{Base: owire.Base{WantsResponse: true}, ReconnectTo: final})
	if err != nil {
		return mqerr.Security("scram final failed", err)
	}
	cc2, ok := resp2.(*owire.ConnectionControl)
	if !ok {
		return mqerr.Security("scram: unexpected reply to final", nil)
	}
	if err := client.Finish(cc2.ReconnectTo); err != nil {
		return mqerr.Security("scram mutual auth failed", err)
	}
	return nil
}

// sendConnectionInfo (re)establishes the logical connection with the
// broker. marker is the SessionResumedMarker to carry (non-empty only on a
// failover replay, spec §4.5).
func (c *Connection) sendConnectionInfo(ctx context.Context, marker string) error {
	info := &owire.ConnectionInfo{
		Base:                 owire.Base{WantsResponse: true},
		ConnectionID:         c.id,
		ClientID:             c.cfg.clientID,
		UserName:             c.cfg.username,
		Password:             c.cfg.password,
		SessionResumedMarker: marker,
		FaultTolerant:        c.cfg.failover,
		Failover:             c.cfg.failover,
	}
	info.SetCommandID(c.send.NextCommandID())
	_, err := c.send.Send(ctx, info)
	return err
}

// replay resends every live session/producer/consumer/transaction's
// establishing command to a freshly (re)connected transport, in the order
// spec §4.5 requires (connection-info, session-info, producer-info,
// consumer-info, BEGUN transaction-info). It is passed to
// transport.NewFailover as the ReplayFunc.
func (c *Connection) replay(tc *transport.Conn) error {
	ctx := context.Background()
	wrap := directSender{tc}
	marker := fmt.Sprintf("replay-%d", time.Now().UnixNano())

	info := &owire.ConnectionInfo{
		Base:                 owire.Base{WantsResponse: true},
		ConnectionID:         c.id,
		ClientID:             c.cfg.clientID,
		UserName:             c.cfg.username,
		Password:             c.cfg.password,
		SessionResumedMarker: marker,
		FaultTolerant:        true,
		Failover:             true,
	}
	info.SetCommandID(wrap.NextCommandID())
	if _, err := wrap.Send(ctx, info); err != nil {
		return err
	}

	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.replay(ctx, wrap); err != nil {
			return err
		}
	}
	return nil
}

// dispatchInbound routes an unsolicited inbound command to the owning
// session (spec §3 "per-consumer queue ... session dispatcher").
// MessageDispatch and ConsumerControl reference a ConsumerID whose
// SessionID.Value names the owning session; everything else (ConnectionControl, BrokerInfo) is logged and
// dropped, since the core's connection-level control surface is limited to
// what spec §6 names.
func (c *Connection) dispatchInbound(cmd owire.Command) {
	var sessionID int64
	switch m := cmd.(type) {
	case *owire.MessageDispatch:
		sessionID = m.ConsumerID.SessionID.Value
	case *owire.ConsumerControl:
		sessionID = m.ConsumerID.SessionID.Value
	default:
		c.cfg.logger.Log(mqlog.LogLevelDebug, "dropping unsolicited connection-level command", "tag", cmd.Tag())
		return
	}

	c.mu.Lock()
	s := c.sessions[sessionID]
	c.mu.Unlock()
	if s == nil {
		c.cfg.logger.Log(mqlog.LogLevelWarn, "inbound command for unknown session", "session", sessionID)
		return
	}
	s.enqueueInbound(cmd)
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() string {
	switch connState(atomic.LoadInt32(&c.state)) {
	case connCreated:
		return "created"
	case connStarted:
		return "started"
	case connStopped:
		return "stopped"
	default:
		return "closed"
	}
}

// Start permits inbound dispatch to flow to sessions (spec §4.6). It is
// idempotent between Start/Stop cycles.
func (c *Connection) Start() {
	atomic.CompareAndSwapInt32(&c.state, int32(connCreated), int32(connStarted))
	atomic.CompareAndSwapInt32(&c.state, int32(connStopped), int32(connStarted))
}

// Stop suppresses inbound dispatch without tearing anything down (spec
// §4.6 "Inbound message dispatch is suppressed while Stopped").
func (c *Connection) Stop() {
	atomic.CompareAndSwapInt32(&c.state, int32(connStarted), int32(connStopped))
}

// CreateSession creates a new Session on this connection with the given
// acknowledgement mode (spec §4.6).
func (c *Connection) CreateSession(ctx context.Context, ack AckMode) (*Session, error) {
	if connState(atomic.LoadInt32(&c.state)) == connClosed {
		return nil, mqerr.ErrConnectionClosed
	}
	c.mu.Lock()
	c.sessionSeq++
	sid := owire.SessionID{ConnectionID: c.id, Value: c.sessionSeq}
	c.mu.Unlock()

	info := &owire.SessionInfo{Base: owire.Base{WantsResponse: true}, SessionID: sid}
	info.SetCommandID(c.send.NextCommandID())
	if _, err := c.send.Send(ctx, info); err != nil {
		return nil, err
	}

	s := newSession(c, sid, ack)
	c.mu.Lock()
	c.sessions[sid.Value] = s
	c.mu.Unlock()
	return s, nil
}

// nextLocalTxValue allocates the next 64-bit counter for a local
// transaction id on this connection (spec §3 "A local transaction id is
// (connection-id, 64-bit counter)").
func (c *Connection) nextLocalTxValue() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localTxSeq++
	return c.localTxSeq
}

func (c *Connection) removeSession(sid owire.SessionID) {
	c.mu.Lock()
	delete(c.sessions, sid.Value)
	c.mu.Unlock()
}

// Close performs the orderly teardown spec §4.6 requires: stop all
// sessions, send remove-info for owned resources, close the transport.
// Idempotent.
func (c *Connection) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(connClosed))

		c.mu.Lock()
		sessions := make([]*Session, 0, len(c.sessions))
		for _, s := range c.sessions {
			sessions = append(sessions, s)
		}
		c.mu.Unlock()

		for _, s := range sessions {
			s.Close(ctx)
		}

		remove := &owire.RemoveInfo{Base: owire.Base{WantsResponse: true}, Kind: owire.ObjectConnection, ConnectionID: c.id}
		remove.SetCommandID(c.send.NextCommandID())
		_, _ = c.send.Send(ctx, remove)

		if c.fo != nil {
			c.fo.Close()
		}
		if c.raw != nil {
			c.raw.Close()
		}
	})
	return err
}
