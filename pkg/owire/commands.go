package owire

// Command tags. Every command starts with a type byte (the tag) followed
// by a type-specific body (spec §4.1, §6).
const (
	TagWireFormatInfo byte = 1

	TagConnectionInfo byte = 2
	TagSessionInfo    byte = 4
	TagProducerInfo   byte = 6
	TagConsumerInfo   byte = 5
	TagDestinationInfo byte = 8
	TagRemoveInfo     byte = 12

	TagMessage byte = 23 // BodyKind on the Message disambiguates the payload shape

	TagMessageAck      byte = 25
	TagMessageDispatch byte = 26
	TagMessagePull     byte = 27

	TagTransactionInfo byte = 14

	TagBrokerInfo       byte = 3
	TagConnectionControl byte = 18
	TagConsumerControl   byte = 17
	TagShutdownInfo      byte = 11
	TagKeepAliveInfo     byte = 20

	TagResponse          byte = 31
	TagExceptionResponse byte = 31 // exception-response reuses Response's tag with an extra field; disambiguated by IsException
)

// Command is implemented by every OpenWire command. CommandID is assigned
// by whichever side needs to correlate a response (spec §3).
type Command interface {
	Tag() byte
	CommandID() int32
	SetCommandID(int32)
	ResponseRequired() bool
	SetResponseRequired(bool)
}

// Base is embedded by every concrete command to provide the Command
// plumbing fields.
type Base struct {
	ID                int32
	WantsResponse     bool
}

func (b *Base) CommandID() int32            { return b.ID }
func (b *Base) SetCommandID(id int32)       { b.ID = id }
func (b *Base) ResponseRequired() bool      { return b.WantsResponse }
func (b *Base) SetResponseRequired(v bool)  { b.WantsResponse = v }

// --- WireFormatInfo --------------------------------------------------------

type WireFormatInfo struct {
	Base
	Version               int32
	TightEncodingEnabled  bool
	CacheEnabled          bool
	CacheSize             int32
	MaxInactivityDuration int64
	MaxInactivityDurationInitalDelay int64
	StackTraceEnabled     bool
	CompressionEnabled    bool
	MaxFrameSize          int64
}

func (*WireFormatInfo) Tag() byte { return TagWireFormatInfo }

// --- ConnectionInfo / RemoveInfo -------------------------------------------

type ConnectionInfo struct {
	Base
	ConnectionID    ConnectionID
	ClientID        string
	UserName        string
	Password        string
	SessionResumedMarker string // unique per reconnect, used during failover state replay
	Manageable      bool
	FaultTolerant   bool
	Failover        bool
}

func (*ConnectionInfo) Tag() byte { return TagConnectionInfo }

// RemoveInfo is the generic "remove-info" command used for
// connection-remove, session-remove, producer-remove, consumer-remove
// (spec §3): it carries only the id of the object being removed. ObjectKind
// disambiguates which owner table should process it.
type ObjectKind uint8

const (
	ObjectConnection ObjectKind = iota
	ObjectSession
	ObjectProducer
	ObjectConsumer
	ObjectDestination
)

type RemoveInfo struct {
	Base
	Kind         ObjectKind
	ConnectionID ConnectionID
	SessionID    SessionID
	ProducerID   ProducerID
	ConsumerID   ConsumerID
	Destination  *Destination
	LastDeliveredSequenceID int64
}

func (*RemoveInfo) Tag() byte { return TagRemoveInfo }

// --- SessionInfo ------------------------------------------------------------

type SessionInfo struct {
	Base
	SessionID SessionID
}

func (*SessionInfo) Tag() byte { return TagSessionInfo }

// --- ProducerInfo ------------------------------------------------------------

type ProducerInfo struct {
	Base
	ProducerID        ProducerID
	Destination       *Destination
	DispatchAsync     bool
	WindowSize        int32
}

func (*ProducerInfo) Tag() byte { return TagProducerInfo }

// --- ConsumerInfo ------------------------------------------------------------

type ConsumerInfo struct {
	Base
	ConsumerID       ConsumerID
	Destination      Destination
	PrefetchSize     int32
	MaximumPendingMessageLimit int32
	BrowserOnly      bool
	DispatchAsync    bool
	Selector         string
	SubscriptionName string
	NoLocal          bool
	Exclusive        bool
	Retroactive      bool
	Priority         int8
	NetworkSubscription bool
}

func (*ConsumerInfo) Tag() byte { return TagConsumerInfo }

// --- DestinationInfo ---------------------------------------------------------

type DestinationOperation uint8

const (
	DestinationAdd DestinationOperation = iota
	DestinationRemove
)

type DestinationInfo struct {
	Base
	ConnectionID ConnectionID
	Destination  Destination
	Operation    DestinationOperation
	Timeout      int64
}

func (*DestinationInfo) Tag() byte { return TagDestinationInfo }

// --- MessageAck --------------------------------------------------------------

// AckType mirrors the four client acknowledgement strategies (spec §4.6):
// a delivered ack (auto/dups_ok/client range ack), an individual ack, a
// poison/redelivered ack, and an unmatched ack sent at consumer close.
type AckType uint8

const (
	AckDelivered AckType = iota
	AckIndividual
	AckPoison
	AckRedeliveredOrUnmatched
)

type MessageAck struct {
	Base
	Destination   Destination
	TransactionID *TransactionID
	ConsumerID    ConsumerID
	AckType       AckType
	FirstMessageID MessageID
	LastMessageID  MessageID
	MessageCount   int32
}

func (*MessageAck) Tag() byte { return TagMessageAck }

// --- MessageDispatch -----------------------------------------------------------

type MessageDispatch struct {
	Base
	ConsumerID  ConsumerID
	Destination Destination
	Message     *Message
	RedeliveryCounter int32
}

func (*MessageDispatch) Tag() byte { return TagMessageDispatch }

// --- MessagePull -----------------------------------------------------------

type MessagePull struct {
	Base
	ConsumerID  ConsumerID
	Destination Destination
	Timeout     int64
}

func (*MessagePull) Tag() byte { return TagMessagePull }

// --- TransactionInfo ---------------------------------------------------------

type TransactionOp uint8

const (
	TxBegin TransactionOp = iota
	TxCommitOnePhase
	TxCommitTwoPhase
	TxPrepare
	TxRollback
	TxRecover
	TxForget
	TxEnd
)

type TransactionInfo struct {
	Base
	ConnectionID  ConnectionID
	TransactionID TransactionID
	Operation     TransactionOp
}

func (*TransactionInfo) Tag() byte { return TagTransactionInfo }

// --- BrokerInfo ---------------------------------------------------------------

type BrokerInfo struct {
	Base
	BrokerID          string
	BrokerURL         string
	SlaveBroker       bool
	MasterBroker      bool
	NetworkConnection bool
	BrokerUploadURL   string
}

func (*BrokerInfo) Tag() byte { return TagBrokerInfo }

// --- ConnectionControl / ConsumerControl --------------------------------------

type ConnectionControl struct {
	Base
	Close            bool
	Exit             bool
	Faulty           bool
	ConnectedBrokers string
	ReconnectTo      string
	Suspend          bool
	Resume           bool
}

func (*ConnectionControl) Tag() byte { return TagConnectionControl }

type ConsumerControl struct {
	Base
	ConsumerID ConsumerID
	Close      bool
	Prefetch   int32
}

func (*ConsumerControl) Tag() byte { return TagConsumerControl }

// --- ShutdownInfo / KeepAliveInfo ----------------------------------------------

type ShutdownInfo struct{ Base }

func (*ShutdownInfo) Tag() byte { return TagShutdownInfo }

// KeepAliveInfo has no body fields; it is the heartbeat command (spec §6).
type KeepAliveInfo struct{ Base }

func (*KeepAliveInfo) Tag() byte { return TagKeepAliveInfo }

// --- Response / ExceptionResponse ----------------------------------------------

type Response struct {
	Base
	CorrelationID int32
}

func (*Response) Tag() byte { return TagResponse }

type ExceptionResponse struct {
	Response
	ExceptionClassName string
	Message            string
	StackTrace         string
}

func (*ExceptionResponse) Tag() byte { return TagExceptionResponse }
