package mqgo

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqgo/mqgo/pkg/mqerr"
	"github.com/mqgo/mqgo/pkg/owire"
)

// AckMode is the JMS-style acknowledgement strategy spec §4.6 names:
// {AUTO, CLIENT, DUPS_OK, INDIVIDUAL, SESSION_TRANSACTED}. The first three
// differ only in when an ack is sent and whether it is a range or
// individual id; SESSION_TRANSACTED routes both sends and receives through
// the session's current transaction.
type AckMode uint8

const (
	AckAuto AckMode = iota
	AckClient
	AckDupsOk
	AckIndividual
	AckTransacted
)

// Session runs its own serial dispatcher goroutine; inbound messages for
// any of its consumers are enqueued here so a single-threaded listener
// invariant holds per session (spec §4.6, §5 "the per-session dispatcher
// is strictly FIFO over its inbound queue and never parallelizes
// consumers"), directly generalizing the teacher's per-broker handleReqs/
// handleResps split into a single inbound-only dispatcher (OpenWire pushes
// dispatches; there is no analogous outbound serialization needed here
// since Connection.send already serializes writes).
type Session struct {
	conn *Connection
	id   owire.SessionID
	ack  AckMode

	mu          sync.Mutex
	producers   map[int64]*Producer
	consumers   map[int64]*Consumer
	producerSeq int64
	consumerSeq int64

	tx *Transaction

	redelivery *redeliveryQueue

	inbox     chan owire.Command
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newSession(conn *Connection, id owire.SessionID, ack AckMode) *Session {
	s := &Session{
		conn:       conn,
		id:         id,
		ack:        ack,
		producers:  make(map[int64]*Producer),
		consumers:  make(map[int64]*Consumer),
		redelivery: newRedeliveryQueue(),
		inbox:      make(chan owire.Command, 256),
		closeCh:    make(chan struct{}),
	}
	go s.dispatchLoop()
	go s.redeliveryLoop()
	return s
}

// enqueueInbound is called from Connection.dispatchInbound (the reader
// goroutine); it must never block the reader, matching spec §4.2's "the
// reader thread ... delivers to an up-stream listener callback on the
// reader thread" — here the up-stream listener is just "put it on this
// session's queue", and the session's own goroutine does the blocking
// application-callback work.
func (s *Session) enqueueInbound(cmd owire.Command) {
	select {
	case s.inbox <- cmd:
	case <-s.closeCh:
	}
}

func (s *Session) dispatchLoop() {
	for {
		select {
		case cmd := <-s.inbox:
			// Hold dispatch while the connection is not Started.
			for connState(atomic.LoadInt32(&s.conn.state)) != connStarted {
				select {
				case <-s.closeCh:
					return
				case <-time.After(10 * time.Millisecond):
				}
			}
			s.handleInbound(cmd)
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) handleInbound(cmd owire.Command) {
	switch m := cmd.(type) {
	case *owire.MessageDispatch:
		s.mu.Lock()
		c := s.consumers[m.ConsumerID.Value]
		s.mu.Unlock()
		if c == nil {
			return
		}
		c.onDispatch(m.Message, m.RedeliveryCounter)
	case *owire.ConsumerControl:
		s.mu.Lock()
		c := s.consumers[m.ConsumerID.Value]
		s.mu.Unlock()
		if c == nil {
			return
		}
		if m.Close {
			c.onBrokerClose()
		} else {
			c.onPrefetchChange(m.Prefetch)
		}
	}
}

// redeliveryLoop wakes at the earliest scheduled redelivery across every
// consumer on this session and redispatches everything due, honoring spec
// §9's "per-session delay queue to avoid cross-session contention": the
// sleep and the wakeup are entirely local to this session.
func (s *Session) redeliveryLoop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		if next, ok := s.redelivery.NextDeadline(); ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		} else {
			timer.Reset(time.Hour)
		}
		select {
		case <-timer.C:
			for _, entry := range s.redelivery.PopDue() {
				s.mu.Lock()
				target := s.consumers[entry.consumerID.Value]
				s.mu.Unlock()
				if target == nil {
					continue
				}
				target.redeliverNow(entry)
			}
		case <-s.closeCh:
			return
		}
	}
}

// replay resends this session's establishing SessionInfo plus every live
// producer's ProducerInfo and consumer's ConsumerInfo over wrap, in the
// order spec §4.5 requires.
func (s *Session) replay(ctx context.Context, wrap directSender) error {
	info := &owire.SessionInfo{Base: owire.Base{WantsResponse: true}, SessionID: s.id}
	info.SetCommandID(wrap.NextCommandID())
	if _, err := wrap.Send(ctx, info); err != nil {
		return err
	}

	s.mu.Lock()
	producers := make([]*Producer, 0, len(s.producers))
	for _, p := range s.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()

	for _, p := range producers {
		pi := p.info()
		pi.SetCommandID(wrap.NextCommandID())
		if _, err := wrap.Send(ctx, pi); err != nil {
			return err
		}
	}
	for _, c := range consumers {
		ci := c.info()
		ci.SetCommandID(wrap.NextCommandID())
		if _, err := wrap.Send(ctx, ci); err != nil {
			return err
		}
	}
	if s.tx != nil && s.tx.isBegun() {
		ti := &owire.TransactionInfo{
			Base:          owire.Base{WantsResponse: true},
			ConnectionID:  s.id.ConnectionID,
			TransactionID: s.tx.id,
			Operation:     owire.TxBegin,
		}
		ti.SetCommandID(wrap.NextCommandID())
		if _, err := wrap.Send(ctx, ti); err != nil {
			return err
		}
	}
	return nil
}

// CreateProducer creates a Producer bound to dest (spec §4.6 Producer).
func (s *Session) CreateProducer(ctx context.Context, dest owire.Destination) (*Producer, error) {
	s.mu.Lock()
	s.producerSeq++
	pid := owire.ProducerID{SessionID: s.id, Value: s.producerSeq}
	s.mu.Unlock()

	p := newProducer(s, pid, dest)
	info := p.info()
	info.SetCommandID(s.conn.send.NextCommandID())
	if _, err := s.conn.send.Send(ctx, info); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.producers[pid.Value] = p
	s.mu.Unlock()
	return p, nil
}

// CreateConsumer creates a Consumer on dest with the given prefetch,
// selector, and noLocal flag (spec §4.6 Consumer). prefetch==0 means the
// consumer operates in pull mode (spec §8 "prefetch=0 => every receive
// issues a message-pull").
func (s *Session) CreateConsumer(ctx context.Context, dest owire.Destination, prefetch int32, selector string, noLocal bool) (*Consumer, error) {
	s.mu.Lock()
	s.consumerSeq++
	cid := owire.ConsumerID{SessionID: s.id, Value: s.consumerSeq}
	s.mu.Unlock()

	c := newConsumer(s, cid, dest, prefetch, selector, noLocal)
	info := c.info()
	info.SetCommandID(s.conn.send.NextCommandID())
	if _, err := s.conn.send.Send(ctx, info); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.consumers[cid.Value] = c
	s.mu.Unlock()
	return c, nil
}

// Begin starts a local transaction on this session (spec §4.7). Only valid
// when ack == AckTransacted.
func (s *Session) Begin(ctx context.Context) (*Transaction, error) {
	if s.ack != AckTransacted {
		return nil, mqerr.LocalUsage("mqgo: Begin called on a non-transacted session")
	}
	s.mu.Lock()
	if s.tx != nil && s.tx.isBegun() {
		s.mu.Unlock()
		return nil, mqerr.TransactionInProgress("mqgo: a transaction is already begun on this session")
	}
	val := s.conn.nextLocalTxValue()
	tx := newLocalTransaction(s, owire.LocalTransactionID(s.id.ConnectionID, val))
	s.tx = tx
	s.mu.Unlock()

	if err := tx.begin(ctx); err != nil {
		return nil, err
	}
	return tx, nil
}

// currentTxID returns the session's active transaction id, or nil outside a
// transaction (spec §3 "a transaction id, nullable").
func (s *Session) currentTxID() *owire.TransactionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || !s.tx.isBegun() {
		return nil
	}
	id := s.tx.id
	return &id
}

func (s *Session) clearTx() {
	s.mu.Lock()
	s.tx = nil
	s.mu.Unlock()
}

func (s *Session) removeConsumer(cid owire.ConsumerID) {
	s.mu.Lock()
	delete(s.consumers, cid.Value)
	s.mu.Unlock()
}

func (s *Session) removeProducer(pid owire.ProducerID) {
	s.mu.Lock()
	delete(s.producers, pid.Value)
	s.mu.Unlock()
}

func (s *Session) sendCmd(ctx context.Context, cmd owire.Command) (owire.Command, error) {
	if cmd.ResponseRequired() {
		cmd.SetCommandID(s.conn.send.NextCommandID())
	}
	return s.conn.send.Send(ctx, cmd)
}

// Close unblocks all of this session's consumers and its dispatcher, then
// removes it from the owning connection (spec §5 "Closing a session
// unblocks all its consumers and its dispatcher").
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		consumers := make([]*Consumer, 0, len(s.consumers))
		for _, c := range s.consumers {
			consumers = append(consumers, c)
		}
		s.mu.Unlock()
		for _, c := range consumers {
			c.Close(ctx)
		}

		remove := &owire.RemoveInfo{Base: owire.Base{WantsResponse: true}, Kind: owire.ObjectSession, SessionID: s.id}
		_, _ = s.sendCmd(ctx, remove)

		close(s.closeCh)
		s.conn.removeSession(s.id)
	})
}
