package owire

import (
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func roundTrip(t *testing.T, cmd Command, opts EncodingOptions) Command {
	t.Helper()
	data, err := Marshal(cmd, opts)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data, opts)
	if err != nil {
		t.Fatalf("unmarshal: %v\ndump: %s", err, spew.Sdump(cmd))
	}
	return got
}

var cmpOpts = []cmp.Option{
	cmp.AllowUnexported(Message{}, Base{}, PrimitiveMap{}),
	cmpopts.IgnoreFields(Message{}, "marshaledCache"),
	cmpopts.EquateEmpty(),
}

func TestCommandRoundTripBothModes(t *testing.T) {
	for _, tight := range []bool{true, false} {
		tight := tight
		t.Run(modeName(tight), func(t *testing.T) {
			opts := EncodingOptions{Version: CurrentVersion, Tight: tight}

			ci := &ConnectionInfo{
				Base:         Base{ID: 7, WantsResponse: true},
				ConnectionID: ConnectionID{Value: "ID:client-1"},
				ClientID:     "app-1",
				UserName:     "alice",
				Manageable:   true,
			}
			got := roundTrip(t, ci, opts)
			if diff := cmp.Diff(ci, got, cmpOpts...); diff != "" {
				t.Fatalf("ConnectionInfo round trip mismatch (-want +got):\n%s", diff)
			}

			si := &SessionInfo{Base: Base{ID: 2}, SessionID: SessionID{ConnectionID: ci.ConnectionID, Value: 1}}
			got = roundTrip(t, si, opts)
			if diff := cmp.Diff(si, got, cmpOpts...); diff != "" {
				t.Fatalf("SessionInfo round trip mismatch (-want +got):\n%s", diff)
			}

			cons := &ConsumerInfo{
				Base:         Base{ID: 3},
				ConsumerID:   ConsumerID{SessionID: si.SessionID, Value: 1},
				Destination:  NewQueue("Q.T1"),
				PrefetchSize: 1000,
				Selector:     "JMSPriority > 5",
			}
			got = roundTrip(t, cons, opts)
			if diff := cmp.Diff(cons, got, cmpOpts...); diff != "" {
				t.Fatalf("ConsumerInfo round trip mismatch (-want +got):\n%s", diff)
			}

			msg := NewMessage(BodyText)
			msg.Base = Base{ID: 9, WantsResponse: true}
			msg.ID = MessageID{ProducerID: ProducerID{SessionID: si.SessionID, Value: 1}, ProducerSeqID: 1}
			msg.Destination = NewQueue("Q.T1")
			msg.Text = "hello"
			msg.Priority = DefaultPriority
			msg.Timestamp = time.UnixMilli(1_700_000_000_000)
			msg.Properties.Set("count", int32(5))
			got = roundTrip(t, msg, opts)
			if diff := cmp.Diff(msg, got, cmpOpts...); diff != "" {
				t.Fatalf("Message round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func modeName(tight bool) string {
	if tight {
		return "tight"
	}
	return "loose"
}

func TestMessageRoundTripEmptyPayloads(t *testing.T) {
	for _, tight := range []bool{true, false} {
		opts := EncodingOptions{Version: CurrentVersion, Tight: tight}

		m := NewMessage(BodyText)
		m.Destination = NewQueue("Q")
		m.Text = ""
		got := roundTrip(t, m, opts).(*Message)
		if got.Text != "" {
			t.Fatalf("expected empty text round trip, got %q", got.Text)
		}

		b := NewMessage(BodyBytes)
		b.Destination = NewQueue("Q")
		b.Bytes = []byte{}
		got2 := roundTrip(t, b, opts).(*Message)
		if len(got2.Bytes) != 0 {
			t.Fatalf("expected empty bytes round trip, got %v", got2.Bytes)
		}
	}
}

func TestMessageRoundTripLongString(t *testing.T) {
	big := make([]byte, 70000)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	opts := EncodingOptions{Version: CurrentVersion, Tight: false}
	m := NewMessage(BodyText)
	m.Destination = NewQueue("Q")
	m.Text = string(big)
	got := roundTrip(t, m, opts).(*Message)
	if got.Text != m.Text {
		t.Fatalf("long text round trip mismatch: got %d bytes, want %d", len(got.Text), len(m.Text))
	}
}

func TestCommandIDWraparound(t *testing.T) {
	opts := EncodingOptions{Version: CurrentVersion, Tight: true}
	ids := []int32{0x7FFFFFFE, 0x7FFFFFFF, -0x80000000, -0x7FFFFFFF, 0}
	for _, id := range ids {
		ka := &KeepAliveInfo{Base: Base{ID: id}}
		got := roundTrip(t, ka, opts).(*KeepAliveInfo)
		if got.CommandID() != id {
			t.Fatalf("command id wraparound mismatch: got %d, want %d", got.CommandID(), id)
		}
	}
}

func TestMessageCompression(t *testing.T) {
	opts := EncodingOptions{Version: CurrentVersion, Tight: true, Compressor: NewDeflateCompressor()}
	m := NewMessage(BodyText)
	m.Destination = NewQueue("Q")
	body := make([]byte, 4096)
	for i := range body {
		body[i] = 'x'
	}
	m.Text = string(body)
	got := roundTrip(t, m, opts).(*Message)
	if got.Text != m.Text {
		t.Fatalf("compressed text round trip mismatch")
	}
}

func TestDestinationCacheRoundTrip(t *testing.T) {
	writeCache := NewDestinationCache()
	readCache := NewDestinationCache()
	opts := EncodingOptions{Version: CurrentVersion, Tight: true, CacheEnabled: true, WriteCache: writeCache, ReadCache: readCache}

	dest := NewQueue("Q.Cached")
	for i := 0; i < 3; i++ {
		m := NewMessage(BodyText)
		m.Destination = dest
		m.Text = "payload"
		data, err := Marshal(m, opts)
		if err != nil {
			t.Fatalf("marshal %d: %v", i, err)
		}
		got, err := Unmarshal(data, opts)
		if err != nil {
			t.Fatalf("unmarshal %d: %v", i, err)
		}
		gm := got.(*Message)
		if !gm.Destination.Equal(dest) {
			t.Fatalf("iteration %d: destination mismatch: got %+v want %+v", i, gm.Destination, dest)
		}
	}
}
