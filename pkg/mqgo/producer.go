package mqgo

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqgo/mqgo/pkg/mqerr"
	"github.com/mqgo/mqgo/pkg/owire"
)

// SendOptions configures one Producer.Send call beyond what the message
// itself carries (spec §4.6 Producer: "assign message id, stamp
// transaction id, enforce expiration and priority defaults, decide sync vs
// async").
type SendOptions struct {
	// Priority overrides msg.Priority when >= 0; otherwise the message's
	// own priority (or the default of 4) is used.
	Priority int8
	// Async forces an asynchronous send regardless of delivery mode.
	Async bool
	// Callback, if non-nil, makes the send asynchronous: it is always
	// invoked once the background send returns, after the broker's ack when
	// the producer window is in use and after the frame is written
	// otherwise; on failure it receives the error instead of Send returning
	// it (spec §4.6 "on async failure the
	// callback receives the failure").
	Callback func(error)
}

// Producer is bound to one destination and assigns every message it sends
// a MessageID from its own monotonic counter (spec §3 "A message's id is
// assigned at send time by the producer's session and is never reused").
type Producer struct {
	session *Session
	id      owire.ProducerID
	dest    owire.Destination

	windowSize int32 // bytes; 0 disables flow control

	mu          sync.Mutex
	cond        *sync.Cond
	msgSeq      int64
	inFlight    int32
	closed      int32
}

func newProducer(s *Session, id owire.ProducerID, dest owire.Destination) *Producer {
	p := &Producer{
		session:    s,
		id:         id,
		dest:       dest,
		windowSize: s.conn.cfg.producerWindowSize,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Producer) info() *owire.ProducerInfo {
	return &owire.ProducerInfo{
		Base:          owire.Base{WantsResponse: true},
		ProducerID:    p.id,
		Destination:   &p.dest,
		DispatchAsync: p.session.conn.cfg.dispatchAsync,
		WindowSize:    p.windowSize,
	}
}

// Send assigns msg an id, stamps the session's current transaction (if
// any), applies priority/expiration defaults, and dispatches it either
// synchronously (blocking for the broker's ack) or asynchronously,
// following spec §4.6's decision table: alwaysSyncSend makes every send
// sync; otherwise persistent sends are sync unless useAsyncSend is set and
// non-persistent sends are async. opts.Async or opts.Callback makes the
// send async, overriding both connection settings.
func (p *Producer) Send(ctx context.Context, msg *owire.Message, opts SendOptions) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return mqerr.ErrProducerClosed
	}

	p.mu.Lock()
	p.msgSeq++
	seq := p.msgSeq
	p.mu.Unlock()

	msg.ID = owire.MessageID{ProducerID: p.id, ProducerSeqID: seq}
	msg.ProducerID = p.id
	msg.Destination = p.dest
	if opts.Priority >= 0 {
		msg.Priority = uint8(opts.Priority)
	} else if msg.Priority == 0 {
		msg.Priority = owire.DefaultPriority
	}
	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = owire.NonPersistent
	}
	msg.Persistent = msg.DeliveryMode == owire.Persistent
	msg.TransactionID = p.session.currentTxID()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.MarkReadOnly()

	cfg := p.session.conn.cfg
	isSync := cfg.alwaysSyncSend
	if !cfg.alwaysSyncSend {
		isSync = msg.DeliveryMode == owire.Persistent && !cfg.useAsyncSend
	}
	if opts.Async || opts.Callback != nil {
		isSync = false
	}

	size := estimateMessageSize(msg)
	usesWindow := p.windowSize > 0 && !isSync
	msg.SetResponseRequired(isSync || usesWindow)

	if usesWindow {
		if err := p.acquireWindow(ctx, size); err != nil {
			return err
		}
	}

	msg.SetCommandID(p.session.conn.send.NextCommandID())

	if isSync {
		_, err := p.session.conn.send.Send(ctx, msg)
		return err
	}

	go func() {
		_, err := p.session.conn.send.Send(context.Background(), msg)
		if usesWindow {
			p.releaseWindow(size)
		}
		if opts.Callback != nil {
			opts.Callback(err)
		}
	}()
	return nil
}

// acquireWindow blocks until size bytes of producer-window credit are
// available, reclaiming credit as earlier async sends are acked (spec
// §4.6 "once full, the producer blocks until the broker acks some
// messages, reclaiming window bytes").
func (p *Producer) acquireWindow(ctx context.Context, size int32) error {
	done := make(chan struct{})
	var err error
	go func() {
		p.mu.Lock()
		for p.inFlight+size > p.windowSize && atomic.LoadInt32(&p.closed) == 0 {
			p.cond.Wait()
		}
		if atomic.LoadInt32(&p.closed) != 0 {
			err = mqerr.ErrProducerClosed
		} else {
			p.inFlight += size
		}
		p.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		// The goroutine above may still be waiting on cond.Wait; once it
		// finishes, any credit it acquired on our behalf is released again.
		go func() {
			<-done
			if err == nil {
				p.releaseWindow(size)
			}
		}()
		return ctx.Err()
	}
}

func (p *Producer) releaseWindow(size int32) {
	p.mu.Lock()
	p.inFlight -= size
	if p.inFlight < 0 {
		p.inFlight = 0
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// estimateMessageSize approximates the wire size of msg for producer
// window accounting (spec §4.6, §8 scenario 6: "fifty 4 KB messages ...
// the producer blocks after ~16 in flight (~65 KB)"). It does not need to
// be exact, only monotonic with payload size.
func estimateMessageSize(msg *owire.Message) int32 {
	switch msg.BodyKind {
	case owire.BodyBytes:
		return int32(len(msg.Bytes)) + 64
	case owire.BodyText:
		return int32(len(msg.Text)) + 64
	default:
		return 64
	}
}

// Close releases this producer, removing it from its owning session.
func (p *Producer) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()

	remove := &owire.RemoveInfo{Base: owire.Base{WantsResponse: true}, Kind: owire.ObjectProducer, ProducerID: p.id}
	_, err := p.session.sendCmd(ctx, remove)
	p.session.removeProducer(p.id)
	return err
}
