package mqgo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mqgo/mqgo/pkg/mqlog"
	"github.com/mqgo/mqgo/pkg/owire"
)

// fakeSender is an in-memory stand-in for transport.Conn/Failover used to
// drive Producer/Session logic without a real socket. Every Send that
// wants a response blocks until the test calls ack() for that command id,
// mirroring the broker's asynchronous Response.
type fakeSender struct {
	mu      sync.Mutex
	nextID  int32
	waiting map[int32]chan error
	sent    []owire.Command
}

func newFakeSender() *fakeSender {
	return &fakeSender{waiting: make(map[int32]chan error)}
}

func (f *fakeSender) NextCommandID() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *fakeSender) Send(ctx context.Context, cmd owire.Command) (owire.Command, error) {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	f.mu.Unlock()

	if !cmd.ResponseRequired() {
		return nil, nil
	}
	ch := make(chan error, 1)
	f.mu.Lock()
	f.waiting[cmd.CommandID()] = ch
	f.mu.Unlock()

	select {
	case err := <-ch:
		return &owire.Response{CorrelationID: cmd.CommandID()}, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ack completes the pending Send for commandID with err (nil for success).
func (f *fakeSender) ack(commandID int32, err error) {
	f.mu.Lock()
	ch := f.waiting[commandID]
	delete(f.waiting, commandID)
	f.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestSession(cfg *config, send sender) *Session {
	if cfg == nil {
		cfg = defaultConfig()
	}
	conn := &Connection{
		id:       owire.ConnectionID{Value: "ID:test-conn-1"},
		cfg:      cfg,
		send:     send,
		sessions: make(map[int64]*Session),
	}
	sid := owire.SessionID{ConnectionID: conn.id, Value: 1}
	return newSession(conn, sid, AckAuto)
}

// TestProducerFlowControlBlocksThenUnblocks exercises spec §8 scenario 6's
// shape at small scale: a tight window blocks a second send until the
// first is acked, then releases it.
func TestProducerFlowControlBlocksThenUnblocks(t *testing.T) {
	cfg := defaultConfig()
	cfg.producerWindowSize = 200 // bytes; two ~114-byte payloads fit one at a time
	cfg.logger = mqlog.Nop{}

	fs := newFakeSender()
	s := newTestSession(cfg, fs)
	defer close(s.closeCh)

	dest := owire.NewQueue("Q.Flow")
	p := newProducer(s, owire.ProducerID{SessionID: s.id, Value: 1}, dest)

	payload := make([]byte, 50) // estimateMessageSize => 50+64 = 114 bytes

	// Non-persistent (the zero DeliveryMode defaults to it) sends go
	// through the async+window path; a persistent send would bypass the
	// window entirely by going fully synchronous (spec §4.6 decision
	// table).
	msg1 := owire.NewMessage(owire.BodyBytes)
	msg1.Bytes = payload

	done1 := make(chan error, 1)
	go func() { done1 <- p.Send(context.Background(), msg1, SendOptions{}) }()

	select {
	case err := <-done1:
		if err != nil {
			t.Fatalf("first send failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("first send should not block: window starts empty")
	}

	msg2 := owire.NewMessage(owire.BodyBytes)
	msg2.Bytes = payload

	var send2Returned int32
	go func() {
		_ = p.Send(context.Background(), msg2, SendOptions{})
		atomic.StoreInt32(&send2Returned, 1)
	}()

	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&send2Returned) != 0 {
		t.Fatalf("second send returned before the window was released")
	}

	// Ack the first message's command id so its background goroutine
	// releases the window credit it holds.
	fs.mu.Lock()
	var firstID int32
	for id := range fs.waiting {
		firstID = id
		break
	}
	fs.mu.Unlock()
	fs.ack(firstID, nil)

	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&send2Returned) == 0 {
		t.Fatalf("second send should have been released once window credit was returned")
	}
}

func TestProducerDefaultsPriorityAndDeliveryMode(t *testing.T) {
	cfg := defaultConfig()
	cfg.logger = mqlog.Nop{}
	fs := newFakeSender()
	s := newTestSession(cfg, fs)
	defer close(s.closeCh)

	p := newProducer(s, owire.ProducerID{SessionID: s.id, Value: 1}, owire.NewQueue("Q.Defaults"))
	msg := owire.NewMessage(owire.BodyText)
	msg.Text = "hello"

	if err := p.Send(context.Background(), msg, SendOptions{Priority: -1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Priority != owire.DefaultPriority {
		t.Fatalf("got priority %d, want default %d", msg.Priority, owire.DefaultPriority)
	}
	if msg.DeliveryMode != owire.NonPersistent {
		t.Fatalf("got delivery mode %v, want NonPersistent", msg.DeliveryMode)
	}
}

func TestProducerCloseRejectsFurtherSends(t *testing.T) {
	cfg := defaultConfig()
	cfg.logger = mqlog.Nop{}
	fs := newFakeSender()
	s := newTestSession(cfg, fs)
	defer close(s.closeCh)

	p := newProducer(s, owire.ProducerID{SessionID: s.id, Value: 1}, owire.NewQueue("Q.Close"))
	// Close sends a RemoveInfo that waits for the broker's response; play
	// the broker and ack it once it is pending.
	go func() {
		for {
			fs.mu.Lock()
			for id := range fs.waiting {
				fs.mu.Unlock()
				fs.ack(id, nil)
				return
			}
			fs.mu.Unlock()
			time.Sleep(time.Millisecond)
		}
	}()
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	msg := owire.NewMessage(owire.BodyText)
	msg.Text = "after close"
	if err := p.Send(context.Background(), msg, SendOptions{}); err == nil {
		t.Fatalf("expected Send after Close to fail")
	}
}
