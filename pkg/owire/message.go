package owire

import "time"

// BodyKind selects which of the payload variants a Message carries (spec
// §3: "Payload is one of: opaque bytes, UTF-8 text, a typed property map, a
// sequence of typed values, a null body").
type BodyKind uint8

const (
	BodyNull BodyKind = iota
	BodyBytes
	BodyText
	BodyMap
	BodyList
)

// DeliveryMode mirrors the JMS persistent/non-persistent distinction.
type DeliveryMode uint8

const (
	NonPersistent DeliveryMode = 1
	Persistent    DeliveryMode = 2
)

const DefaultPriority uint8 = 4

// Message is the in-memory representation of an OpenWire message command,
// covering both the header fields common to every message and one of the
// typed bodies (spec §3).
type Message struct {
	Base
	ID            MessageID
	CorrelationID string
	Destination   Destination
	ReplyTo       *Destination
	DeliveryMode  DeliveryMode
	Priority      uint8
	Timestamp     time.Time
	Expiration    int64 // absolute epoch ms; 0 = never
	RedeliveryCounter int32
	GroupID       string
	GroupSeq      int32
	ProducerID    ProducerID
	TransactionID *TransactionID // nil outside a transaction
	Persistent    bool
	Compressed    bool
	DroppedCompressionAlgo string // algorithm used if Compressed, for decode

	Properties *PrimitiveMap

	BodyKind BodyKind
	Bytes    []byte
	Text     string
	Map      *PrimitiveMap
	List     []interface{}

	// readOnly is set once the message has been sent or was received off
	// the wire; after that point only property mutations (trace tags) are
	// permitted unless Frozen is also set (spec §3).
	readOnly bool
	frozen   bool

	// marshaledCache holds the bytes produced by the last successful
	// Marshal of this message, exposed through CachedBytes. The failover
	// replay path resends only connection, session, producer, consumer
	// and transaction state; it does not retransmit messages and does not
	// read this cache.
	marshaledCache []byte
}

func (*Message) Tag() byte { return TagMessage }

func NewMessage(kind BodyKind) *Message {
	return &Message{
		Priority:   DefaultPriority,
		Properties: NewPrimitiveMap(),
		BodyKind:   kind,
	}
}

func (m *Message) MarkReadOnly() { m.readOnly = true }
func (m *Message) IsReadOnly() bool { return m.readOnly }
func (m *Message) Freeze()        { m.frozen = true }
func (m *Message) IsFrozen() bool { return m.frozen }

// SetProperty mutates the property map. Permitted on a read-only message
// that isn't frozen (application-injected trace tags); returns false
// otherwise.
func (m *Message) SetProperty(key string, value interface{}) bool {
	if m.readOnly && m.frozen {
		return false
	}
	if m.Properties == nil {
		m.Properties = NewPrimitiveMap()
	}
	m.Properties.Set(key, value)
	return true
}

// CachedBytes returns the bytes from the last successful marshal of this
// message, or nil if it has never been marshaled.
func (m *Message) CachedBytes() []byte { return m.marshaledCache }

func (m *Message) setCachedBytes(b []byte) { m.marshaledCache = b }

// Clone returns a shallow structural copy suitable for re-enqueue (e.g.
// local-ack redelivery): header fields and property map are duplicated,
// payload slices are shared (the payload is immutable after send/receive).
func (m *Message) Clone() *Message {
	cp := *m
	if m.Properties != nil {
		cp.Properties = NewPrimitiveMap()
		for _, k := range m.Properties.Keys() {
			v, _ := m.Properties.Get(k)
			cp.Properties.Set(k, v)
		}
	}
	return &cp
}

// Well-known scheduled-delivery property names (spec §6); the broker
// honors them, the client only passes them through.
const (
	PropScheduledDelay  = "AMQ_SCHEDULED_DELAY"
	PropScheduledPeriod = "AMQ_SCHEDULED_PERIOD"
	PropScheduledRepeat = "AMQ_SCHEDULED_REPEAT"
)
