package mqgo

import (
	"testing"
	"time"

	"github.com/mqgo/mqgo/pkg/mqlog"
	"github.com/mqgo/mqgo/pkg/owire"
)

// TestConsumerSendAcksAsyncDoesNotBlockDispatch realizes spec §6's
// sendAcksAsync connection option: with it set, onDispatch returns for an
// AUTO-mode delivery and the MessageAck is still sent to the broker.
func TestConsumerSendAcksAsyncDoesNotBlockDispatch(t *testing.T) {
	cfg := defaultConfig()
	cfg.logger = mqlog.Nop{}
	cfg.sendAcksAsync = true

	fs := newFakeSender()
	s := newTestSession(cfg, fs)
	defer close(s.closeCh)

	c := newConsumer(s, owire.ConsumerID{SessionID: s.id, Value: 1}, owire.NewQueue("Q.AsyncAck"), 10, "", false)

	done := make(chan struct{})
	go func() {
		c.onDispatch(dispatchedMessage(1), 0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("onDispatch blocked on the ack response despite sendAcksAsync")
	}

	deadline := time.After(time.Second)
	var sent owire.Command
	for {
		fs.mu.Lock()
		if len(fs.sent) == 1 {
			sent = fs.sent[0]
		}
		fs.mu.Unlock()
		if sent != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected the async ack to eventually be sent")
		case <-time.After(time.Millisecond):
		}
	}
	if _, ok := sent.(*owire.MessageAck); !ok {
		t.Fatalf("expected a MessageAck, got %T", sent)
	}
}
