package mqgo

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqgo/mqgo/pkg/mqerr"
	"github.com/mqgo/mqgo/pkg/mqlog"
	"github.com/mqgo/mqgo/pkg/owire"
)

// dupsOkBatchSize is the N in spec §4.6's "dups_ok: every N messages or
// when prefetch is half-drained".
const dupsOkBatchSize = 10

// deliveredMsg is one entry in a consumer's unacked-delivery bookkeeping
// (spec §4.6 "Per-consumer ack accounting maintains a 'delivered' set and a
// 'last acked id'").
type deliveredMsg struct {
	msg       *owire.Message
	attempt   int32
	dest      owire.Destination
}

// Consumer presents both a blocking Receive and a push Listener, governed
// by a prefetch window (spec §4.6). Selectors and noLocal are carried in
// ConsumerInfo and never re-evaluated client-side (spec §4.6, §9 open
// question #2: INDIVIDUAL ack is one ack per message, no range coalescing).
type Consumer struct {
	session  *Session
	id       owire.ConsumerID
	dest     owire.Destination
	prefetch int32
	selector string
	noLocal  bool

	mu               sync.Mutex
	delivered        []deliveredMsg
	deliveredSinceAck int32
	listener         func(*owire.Message)

	msgCh     chan *owire.Message
	closed    int32
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newConsumer(s *Session, id owire.ConsumerID, dest owire.Destination, prefetch int32, selector string, noLocal bool) *Consumer {
	bufSize := prefetch
	if bufSize <= 0 {
		bufSize = 1
	}
	return &Consumer{
		session:  s,
		id:       id,
		dest:     dest,
		prefetch: prefetch,
		selector: selector,
		noLocal:  noLocal,
		msgCh:    make(chan *owire.Message, bufSize),
		closeCh:  make(chan struct{}),
	}
}

func (c *Consumer) info() *owire.ConsumerInfo {
	return &owire.ConsumerInfo{
		Base:         owire.Base{WantsResponse: true},
		ConsumerID:   c.id,
		Destination:  c.dest,
		PrefetchSize: c.prefetch,
		Selector:     c.selector,
		NoLocal:      c.noLocal,
	}
}

// SetListener installs a push listener. The listener runs on the session's
// own serial dispatcher goroutine (spec §5 "the per-session dispatcher is
// strictly FIFO ... and never parallelizes consumers"); a nil listener
// reverts the consumer to pull-via-Receive mode.
func (c *Consumer) SetListener(fn func(*owire.Message)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

// onDispatch is called from the session's dispatcher goroutine for every
// MessageDispatch addressed to this consumer.
func (c *Consumer) onDispatch(msg *owire.Message, redeliveryCounter int32) {
	if msg == nil {
		return
	}
	c.mu.Lock()
	c.delivered = append(c.delivered, deliveredMsg{msg: msg, attempt: redeliveryCounter, dest: c.dest})
	listener := c.listener
	mode := c.session.ack
	c.mu.Unlock()

	switch mode {
	case AckAuto:
		c.ackAndForget(msg)
	case AckDupsOk:
		c.mu.Lock()
		c.deliveredSinceAck++
		due := c.deliveredSinceAck >= dupsOkBatchSize || (c.prefetch > 0 && c.deliveredSinceAck*2 >= c.prefetch)
		c.mu.Unlock()
		if due {
			c.ackDeliveredRange()
		}
	case AckClient, AckIndividual, AckTransacted:
		// left pending for an explicit Acknowledge/commit.
	}

	if listener != nil {
		listener(msg)
		return
	}
	select {
	case c.msgCh <- msg:
	case <-c.closeCh:
	}
}

// onPrefetchChange applies a broker-initiated ConsumerControl prefetch
// adjustment (spec §4.6 "may be paused/resumed by broker flow control").
func (c *Consumer) onPrefetchChange(prefetch int32) {
	c.mu.Lock()
	c.prefetch = prefetch
	c.mu.Unlock()
}

// onBrokerClose handles a broker-initiated ConsumerControl close,
// unblocking pending receives the same way a local Close does (spec §5
// "Closing a consumer unblocks all pending receives with a null").
func (c *Consumer) onBrokerClose() {
	c.closeLocal()
}

// Receive blocks for up to timeout for the next message (timeout <= 0
// blocks forever). When prefetch is zero it first issues a MessagePull
// with the given timeout (spec §4.6, §8 "prefetch=0 => every receive
// issues a message-pull"); otherwise it simply waits on the push queue the
// broker is already filling according to the negotiated prefetch.
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*owire.Message, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, mqerr.ErrConsumerClosed
	}
	if c.prefetch == 0 {
		pull := &owire.MessagePull{ConsumerID: c.id, Destination: c.dest, Timeout: timeout.Milliseconds()}
		if _, err := c.session.sendCmd(ctx, pull); err != nil {
			return nil, err
		}
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case m, ok := <-c.msgCh:
		if !ok {
			return nil, nil
		}
		return m, nil
	case <-deadline:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, nil
	}
}

// ReceiveNoWait returns immediately: a message if one is already queued,
// nil otherwise.
func (c *Consumer) ReceiveNoWait(ctx context.Context) (*owire.Message, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, mqerr.ErrConsumerClosed
	}
	select {
	case m, ok := <-c.msgCh:
		if ok {
			return m, nil
		}
	default:
	}
	return nil, nil
}

// ackAndForget sends an AUTO-mode ack for a single message and drops it
// from the delivered set immediately (spec §4.6 "auto: per message").
func (c *Consumer) ackAndForget(msg *owire.Message) {
	c.sendAck(context.Background(), owire.AckDelivered, msg.ID, msg.ID, 1, nil)
	c.removeDelivered(msg.ID)
}

// ackDeliveredRange acks every currently-pending delivered message as one
// contiguous range (spec §3 "any ack acknowledges a contiguous id range
// ending at a reported 'last' id"), used by DUPS_OK batching.
func (c *Consumer) ackDeliveredRange() {
	c.mu.Lock()
	if len(c.delivered) == 0 {
		c.mu.Unlock()
		return
	}
	first := c.delivered[0].msg.ID
	last := c.delivered[len(c.delivered)-1].msg.ID
	count := int32(len(c.delivered))
	c.delivered = nil
	c.deliveredSinceAck = 0
	c.mu.Unlock()
	c.sendAck(context.Background(), owire.AckDelivered, first, last, count, nil)
}

// Acknowledge is the application's explicit ack call for CLIENT mode
// (acks the whole pending range) or one message at a time for INDIVIDUAL
// mode. Calling it outside those two modes is a local usage error.
func (c *Consumer) Acknowledge(ctx context.Context, msg *owire.Message) error {
	switch c.session.ack {
	case AckClient:
		return c.ackClientRange(ctx)
	case AckIndividual:
		return c.ackIndividual(ctx, msg)
	default:
		return mqerr.LocalUsage("mqgo: Acknowledge called outside CLIENT/INDIVIDUAL ack mode")
	}
}

func (c *Consumer) ackClientRange(ctx context.Context) error {
	c.mu.Lock()
	if len(c.delivered) == 0 {
		c.mu.Unlock()
		return nil
	}
	first := c.delivered[0].msg.ID
	last := c.delivered[len(c.delivered)-1].msg.ID
	count := int32(len(c.delivered))
	c.delivered = nil
	c.mu.Unlock()
	return c.sendAck(ctx, owire.AckDelivered, first, last, count, nil)
}

func (c *Consumer) ackIndividual(ctx context.Context, msg *owire.Message) error {
	if err := c.sendAck(ctx, owire.AckIndividual, msg.ID, msg.ID, 1, nil); err != nil {
		return err
	}
	c.removeDelivered(msg.ID)
	return nil
}

// flushTransactedAck acks every message delivered during the current
// transaction as one range, called by Transaction.Commit (spec §4.6
// "transacted: at commit").
func (c *Consumer) flushTransactedAck(ctx context.Context, txID owire.TransactionID) error {
	c.mu.Lock()
	if len(c.delivered) == 0 {
		c.mu.Unlock()
		return nil
	}
	first := c.delivered[0].msg.ID
	last := c.delivered[len(c.delivered)-1].msg.ID
	count := int32(len(c.delivered))
	c.delivered = nil
	c.mu.Unlock()
	return c.sendAck(ctx, owire.AckDelivered, first, last, count, &txID)
}

// discardTransactedDeliveries clears this consumer's pending delivered set
// without acking, used by Transaction.Rollback (spec §8 "rollback => none
// of either [sends or acks] is applied").
func (c *Consumer) discardTransactedDeliveries() {
	c.mu.Lock()
	c.delivered = nil
	c.mu.Unlock()
}

// sendAck sends a MessageAck for the given range. When the connection was
// built with WithSendAcksAsync, the send is fired on its own goroutine and
// sendAck returns immediately without waiting for the broker's reply, the
// same fire-and-forget shape the producer's async send path uses (spec §6
// "sendAcksAsync ... acks are sent without blocking the consumer on the
// broker's response").
func (c *Consumer) sendAck(ctx context.Context, kind owire.AckType, first, last owire.MessageID, count int32, txID *owire.TransactionID) error {
	ack := &owire.MessageAck{
		Destination:    c.dest,
		TransactionID:  txID,
		ConsumerID:     c.id,
		AckType:        kind,
		FirstMessageID: first,
		LastMessageID:  last,
		MessageCount:   count,
	}
	if c.session.conn.cfg.sendAcksAsync {
		go func() {
			if _, err := c.session.sendCmd(context.Background(), ack); err != nil {
				c.session.conn.cfg.logger.Log(mqlog.LogLevelWarn, "async ack failed", "consumer", c.id.String(), "err", err)
			}
		}()
		return nil
	}
	_, err := c.session.sendCmd(ctx, ack)
	return err
}

func (c *Consumer) removeDelivered(id owire.MessageID) {
	c.mu.Lock()
	for i, d := range c.delivered {
		if d.msg.ID == id {
			c.delivered = append(c.delivered[:i], c.delivered[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// Recover implements CLIENT-ack session recovery (spec §4.6 "On ...
// client-ack session recovery, un-acked messages are redelivered
// locally"): every pending delivered message has its redelivery counter
// bumped and is scheduled onto the session's redelivery delay queue at the
// policy's computed backoff, or routed to dead-letter handling once
// maximumRedeliveries is exceeded.
func (c *Consumer) Recover() {
	policy := c.session.conn.cfg.redeliveryPolicy
	c.mu.Lock()
	pending := c.delivered
	c.delivered = nil
	c.mu.Unlock()

	for _, d := range pending {
		d.attempt++
		if policy.Exhausted(d.attempt) {
			c.session.conn.cfg.logger.Log(mqlog.LogLevelWarn, "redelivery exhausted, routing to dead letter",
				"consumer", c.id.String(), "messageID", d.msg.ID.String(), "attempt", d.attempt)
			_ = c.sendAck(context.Background(), owire.AckPoison, d.msg.ID, d.msg.ID, 1, nil)
			continue
		}
		delay := policy.NextDelay(d.attempt)
		d.msg.RedeliveryCounter = d.attempt
		c.session.conn.cfg.hooks.Each(func(h mqlog.Hook) {
			if rh, ok := h.(RedeliveryHook); ok {
				rh.OnRedelivery(c.dest, d.msg.ID.String(), d.attempt, delay)
			}
		})
		c.session.redelivery.Schedule(c.id, d.dest, d.msg, d.attempt, delay)
	}
}

// redeliverNow is called by the session's redelivery goroutine once an
// entry's backoff has elapsed; it redispatches the message through the
// normal onDispatch path so ack accounting and the push/pull queue behave
// identically to a fresh delivery.
func (c *Consumer) redeliverNow(entry *pendingRedelivery) {
	c.onDispatch(entry.message, entry.attempt)
}

func (c *Consumer) closeLocal() {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		close(c.closeCh)
	})
}

// Close unblocks all pending receives with a null and removes the consumer
// from its session (spec §5 "Closing a consumer unblocks all pending
// receives with a null").
func (c *Consumer) Close(ctx context.Context) error {
	wasOpen := atomic.LoadInt32(&c.closed) == 0
	c.closeLocal()
	if !wasOpen {
		return nil
	}
	remove := &owire.RemoveInfo{Base: owire.Base{WantsResponse: true}, Kind: owire.ObjectConsumer, ConsumerID: c.id}
	_, err := c.session.sendCmd(ctx, remove)
	c.session.removeConsumer(c.id)
	return err
}
