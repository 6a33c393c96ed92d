package mqgo

import (
	"context"
	"testing"
	"time"

	"github.com/mqgo/mqgo/pkg/mqlog"
	"github.com/mqgo/mqgo/pkg/owire"
)

func newTestSessionWithAck(ack AckMode, fs *fakeSender) *Session {
	cfg := defaultConfig()
	cfg.logger = mqlog.Nop{}
	conn := &Connection{
		id:       owire.ConnectionID{Value: "ID:test-conn-1"},
		cfg:      cfg,
		send:     fs,
		sessions: make(map[int64]*Session),
	}
	sid := owire.SessionID{ConnectionID: conn.id, Value: 1}
	return newSession(conn, sid, ack)
}

func dispatchedMessage(producerSeq int64) *owire.Message {
	m := owire.NewMessage(owire.BodyText)
	m.Text = "payload"
	m.ID = owire.MessageID{ProducerSeqID: producerSeq}
	return m
}

// TestConsumerAutoAckSendsImmediately checks spec §4.6's "auto: per
// message" ack timing: one ack per delivered message, sent right away.
func TestConsumerAutoAckSendsImmediately(t *testing.T) {
	fs := newFakeSender()
	s := newTestSessionWithAck(AckAuto, fs)
	defer close(s.closeCh)

	c := newConsumer(s, owire.ConsumerID{SessionID: s.id, Value: 1}, owire.NewQueue("Q.Auto"), 10, "", false)
	c.onDispatch(dispatchedMessage(1), 0)

	got, err := c.Receive(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a message, got nil")
	}

	if fs.sentCount() != 1 {
		t.Fatalf("expected exactly one ack sent, got %d", fs.sentCount())
	}
	ack, ok := fs.sent[0].(*owire.MessageAck)
	if !ok {
		t.Fatalf("expected a MessageAck, got %T", fs.sent[0])
	}
	if ack.MessageCount != 1 || ack.AckType != owire.AckDelivered {
		t.Fatalf("unexpected ack shape: %+v", ack)
	}
}

// TestConsumerClientAckRangesOnAcknowledge checks CLIENT mode acks the
// whole pending range in one call, and that nothing is sent before
// Acknowledge is called (spec §4.6 "client: on application Acknowledge()
// call").
func TestConsumerClientAckRangesOnAcknowledge(t *testing.T) {
	fs := newFakeSender()
	s := newTestSessionWithAck(AckClient, fs)
	defer close(s.closeCh)

	c := newConsumer(s, owire.ConsumerID{SessionID: s.id, Value: 1}, owire.NewQueue("Q.Client"), 10, "", false)
	c.onDispatch(dispatchedMessage(1), 0)
	c.onDispatch(dispatchedMessage(2), 0)
	c.onDispatch(dispatchedMessage(3), 0)

	if fs.sentCount() != 0 {
		t.Fatalf("CLIENT mode must not ack before Acknowledge is called, got %d sends", fs.sentCount())
	}

	if err := c.Acknowledge(context.Background(), nil); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if fs.sentCount() != 1 {
		t.Fatalf("expected exactly one range ack, got %d", fs.sentCount())
	}
	ack := fs.sent[0].(*owire.MessageAck)
	if ack.MessageCount != 3 {
		t.Fatalf("got MessageCount %d, want 3", ack.MessageCount)
	}
}

// TestConsumerIndividualAckNeverCoalesces realizes spec §9 open question
// #2: INDIVIDUAL ack mode sends one ack per message, never a range.
func TestConsumerIndividualAckNeverCoalesces(t *testing.T) {
	fs := newFakeSender()
	s := newTestSessionWithAck(AckIndividual, fs)
	defer close(s.closeCh)

	c := newConsumer(s, owire.ConsumerID{SessionID: s.id, Value: 1}, owire.NewQueue("Q.Indiv"), 10, "", false)
	m1 := dispatchedMessage(1)
	m2 := dispatchedMessage(2)
	c.onDispatch(m1, 0)
	c.onDispatch(m2, 0)

	if err := c.Acknowledge(context.Background(), m1); err != nil {
		t.Fatalf("acknowledge m1: %v", err)
	}
	if err := c.Acknowledge(context.Background(), m2); err != nil {
		t.Fatalf("acknowledge m2: %v", err)
	}

	if fs.sentCount() != 2 {
		t.Fatalf("expected two individual acks, got %d", fs.sentCount())
	}
	for _, cmd := range fs.sent {
		ack := cmd.(*owire.MessageAck)
		if ack.AckType != owire.AckIndividual || ack.MessageCount != 1 {
			t.Fatalf("unexpected individual ack shape: %+v", ack)
		}
	}
}

// TestConsumerPullModeIssuesMessagePull realizes spec §8's prefetch=0
// boundary: every receive issues an explicit MessagePull.
func TestConsumerPullModeIssuesMessagePull(t *testing.T) {
	fs := newFakeSender()
	s := newTestSessionWithAck(AckAuto, fs)
	defer close(s.closeCh)

	c := newConsumer(s, owire.ConsumerID{SessionID: s.id, Value: 1}, owire.NewQueue("Q.Pull"), 0, "", false)

	got, err := c.Receive(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil (pull timeout) since nothing was dispatched")
	}
	if fs.sentCount() != 1 {
		t.Fatalf("expected exactly one MessagePull, got %d", fs.sentCount())
	}
	if _, ok := fs.sent[0].(*owire.MessagePull); !ok {
		t.Fatalf("expected a MessagePull, got %T", fs.sent[0])
	}
}

// TestConsumerCloseUnblocksReceive checks spec §5's "closing a consumer
// unblocks all pending receives with a null".
func TestConsumerCloseUnblocksReceive(t *testing.T) {
	fs := newFakeSender()
	s := newTestSessionWithAck(AckAuto, fs)
	defer close(s.closeCh)

	c := newConsumer(s, owire.ConsumerID{SessionID: s.id, Value: 1}, owire.NewQueue("Q.CloseUnblock"), 10, "", false)

	done := make(chan struct{})
	go func() {
		got, err := c.Receive(context.Background(), 5*time.Second)
		if err != nil {
			t.Errorf("receive returned error instead of nil-on-close: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil on close-unblock, got a message")
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	c.closeLocal()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Receive did not unblock after Close")
	}
}
