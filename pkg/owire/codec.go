package owire

import "fmt"

// EncodingOptions captures the negotiated wire state a Marshal/Unmarshal
// call needs: which version's field layout to use, whether tight or loose
// encoding is in effect, and (if negotiated) a body compressor. Until
// negotiation completes, callers pass BootstrapOptions, which pins a fixed
// encoding (spec §4.1 "Until negotiation completes, marshalling uses a
// fixed bootstrap encoding").
type EncodingOptions struct {
	Version      int32
	Tight        bool
	CacheEnabled bool
	Compressor   Compressor

	// WriteCache/ReadCache back the destination cache table (spec §4.1
	// caching mode) when CacheEnabled is set. A connection owns one pair
	// per direction; nil disables caching even if CacheEnabled is true
	// (callers that don't care about the optimization can omit them).
	WriteCache *DestinationCache
	ReadCache  *DestinationCache
}

// BootstrapOptions is used for the very first WireFormatInfo exchange,
// before any negotiation has happened.
var BootstrapOptions = EncodingOptions{Version: 1, Tight: false}

// Marshal encodes cmd's tag byte followed by its type-specific body. The
// returned bytes are the frame body; the 4-byte length prefix is added by
// the transport layer (spec §6).
func Marshal(cmd Command, opts EncodingOptions) ([]byte, error) {
	w := &Writer{Dst: make([]byte, 0, 128)}
	w.Uint8(cmd.Tag())
	w.Bool(cmd.ResponseRequired())
	w.Int32(cmd.CommandID())

	var err error
	switch c := cmd.(type) {
	case *WireFormatInfo:
		marshalWireFormatInfo(c, w, opts.Tight)
	case *ConnectionInfo:
		marshalConnectionInfo(c, w, opts.Tight)
	case *RemoveInfo:
		marshalRemoveInfo(c, w, opts.Tight)
	case *SessionInfo:
		marshalSessionID(c.SessionID, w, opts.Tight)
	case *ProducerInfo:
		marshalProducerInfo(c, w, opts.Tight)
	case *ConsumerInfo:
		marshalConsumerInfo(c, w, opts.Tight)
	case *DestinationInfo:
		marshalDestinationInfo(c, w, opts.Tight)
	case *Message:
		err = marshalMessage(c, w, opts)
	case *MessageAck:
		marshalMessageAck(c, w, opts.Tight)
	case *MessageDispatch:
		err = marshalMessageDispatch(c, w, opts)
	case *MessagePull:
		marshalMessagePull(c, w, opts.Tight)
	case *TransactionInfo:
		marshalTransactionInfo(c, w, opts.Tight)
	case *BrokerInfo:
		marshalBrokerInfo(c, w, opts.Tight)
	case *ConnectionControl:
		marshalConnectionControl(c, w, opts.Tight)
	case *ConsumerControl:
		marshalConsumerControl(c, w, opts.Tight)
	case *ShutdownInfo:
		// no body
	case *KeepAliveInfo:
		// no body
	case *ExceptionResponse:
		marshalExceptionResponse(c, w, opts.Tight)
	case *Response:
		marshalResponse(c, w, opts.Tight)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommandType, cmd)
	}
	if err != nil {
		return nil, err
	}
	if c, ok := cmd.(*Message); ok {
		c.setCachedBytes(append([]byte(nil), w.Dst...))
	}
	return w.Dst, nil
}

// ErrUnknownCommandType is a fatal codec error: the sender asked to encode
// a Go type the codec has no tag mapping for.
var ErrUnknownCommandType = fmt.Errorf("owire: unknown command type")

// ErrUnknownCommand is a fatal codec error: a frame carries a command tag
// this codec has no decoder for.
var ErrUnknownCommand = fmt.Errorf("owire: unknown command tag")

// Unmarshal decodes a frame body (tag byte + type-specific body) into a
// Command. An unknown command tag at a negotiated version is a fatal,
// non-recoverable codec error per spec §4.1.
func Unmarshal(data []byte, opts EncodingOptions) (Command, error) {
	r := &Reader{Src: data}
	tag := r.Uint8()
	responseRequired := r.Bool()
	commandID := r.Int32()
	if r.Complete() != nil {
		return nil, r.Complete()
	}
	base := Base{ID: commandID, WantsResponse: responseRequired}

	var cmd Command
	var err error
	switch tag {
	case TagWireFormatInfo:
		c := &WireFormatInfo{Base: base}
		unmarshalWireFormatInfo(c, r, opts.Tight)
		cmd = c
	case TagConnectionInfo:
		c := &ConnectionInfo{Base: base}
		unmarshalConnectionInfo(c, r, opts.Tight)
		cmd = c
	case TagRemoveInfo:
		c := &RemoveInfo{Base: base}
		unmarshalRemoveInfo(c, r, opts.Tight)
		cmd = c
	case TagSessionInfo:
		c := &SessionInfo{Base: base}
		c.SessionID = unmarshalSessionID(r, opts.Tight)
		cmd = c
	case TagProducerInfo:
		c := &ProducerInfo{Base: base}
		unmarshalProducerInfo(c, r, opts.Tight)
		cmd = c
	case TagConsumerInfo:
		c := &ConsumerInfo{Base: base}
		unmarshalConsumerInfo(c, r, opts.Tight)
		cmd = c
	case TagDestinationInfo:
		c := &DestinationInfo{Base: base}
		unmarshalDestinationInfo(c, r, opts.Tight)
		cmd = c
	case TagMessage:
		c := &Message{Base: base}
		err = unmarshalMessage(c, r, opts)
		cmd = c
	case TagMessageAck:
		c := &MessageAck{Base: base}
		unmarshalMessageAck(c, r, opts.Tight)
		cmd = c
	case TagMessageDispatch:
		c := &MessageDispatch{Base: base}
		err = unmarshalMessageDispatch(c, r, opts)
		cmd = c
	case TagMessagePull:
		c := &MessagePull{Base: base}
		unmarshalMessagePull(c, r, opts.Tight)
		cmd = c
	case TagTransactionInfo:
		c := &TransactionInfo{Base: base}
		unmarshalTransactionInfo(c, r, opts.Tight)
		cmd = c
	case TagBrokerInfo:
		c := &BrokerInfo{Base: base}
		unmarshalBrokerInfo(c, r, opts.Tight)
		cmd = c
	case TagConnectionControl:
		c := &ConnectionControl{Base: base}
		unmarshalConnectionControl(c, r, opts.Tight)
		cmd = c
	case TagConsumerControl:
		c := &ConsumerControl{Base: base}
		unmarshalConsumerControl(c, r, opts.Tight)
		cmd = c
	case TagShutdownInfo:
		cmd = &ShutdownInfo{Base: base}
	case TagKeepAliveInfo:
		cmd = &KeepAliveInfo{Base: base}
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownCommand, tag)
	}
	if err != nil {
		return nil, err
	}
	if rerr := r.Complete(); rerr != nil {
		return nil, rerr
	}
	return cmd, nil
}

// Response/ExceptionResponse share a tag; Unmarshal cannot tell them apart
// from the tag alone (the real protocol disambiguates via the DataStructure
// type in the broader command family). Callers that know they are reading
// a response to a request that might fail should use UnmarshalResponse.
func UnmarshalResponse(data []byte, opts EncodingOptions) (Command, error) {
	r := &Reader{Src: data}
	tag := r.Uint8()
	if tag != TagResponse {
		return nil, fmt.Errorf("%w: expected response tag, got %d", ErrUnknownCommand, tag)
	}
	responseRequired := r.Bool()
	commandID := r.Int32()
	isException := r.Bool()
	base := Base{ID: commandID, WantsResponse: responseRequired}
	if isException {
		c := &ExceptionResponse{Response: Response{Base: base}}
		unmarshalExceptionResponse(c, r, opts.Tight)
		return c, r.Complete()
	}
	c := &Response{Base: base}
	unmarshalResponse(c, r, opts.Tight)
	return c, r.Complete()
}

// MarshalResponse is the Marshal counterpart: it writes the extra
// isException discriminator byte that UnmarshalResponse expects.
func MarshalResponse(cmd Command, opts EncodingOptions) ([]byte, error) {
	w := &Writer{Dst: make([]byte, 0, 32)}
	w.Uint8(TagResponse)
	w.Bool(cmd.ResponseRequired())
	w.Int32(cmd.CommandID())
	switch c := cmd.(type) {
	case *ExceptionResponse:
		w.Bool(true)
		marshalExceptionResponse(c, w, opts.Tight)
	case *Response:
		w.Bool(false)
		marshalResponse(c, w, opts.Tight)
	default:
		return nil, fmt.Errorf("%w: %T is not a response", ErrUnknownCommandType, cmd)
	}
	return w.Dst, nil
}

// --- field-level marshal/unmarshal helpers ---------------------------------

func marshalWireFormatInfo(c *WireFormatInfo, w *Writer, tight bool) {
	w.Int32(c.Version)
	w.Bool(c.TightEncodingEnabled)
	w.Bool(c.CacheEnabled)
	w.Int32(c.CacheSize)
	w.Int64(c.MaxInactivityDuration)
	w.Int64(c.MaxInactivityDurationInitalDelay)
	w.Bool(c.StackTraceEnabled)
	w.Bool(c.CompressionEnabled)
	w.Int64(c.MaxFrameSize)
}

func unmarshalWireFormatInfo(c *WireFormatInfo, r *Reader, tight bool) {
	c.Version = r.Int32()
	c.TightEncodingEnabled = r.Bool()
	c.CacheEnabled = r.Bool()
	c.CacheSize = r.Int32()
	c.MaxInactivityDuration = r.Int64()
	c.MaxInactivityDurationInitalDelay = r.Int64()
	c.StackTraceEnabled = r.Bool()
	c.CompressionEnabled = r.Bool()
	c.MaxFrameSize = r.Int64()
}

func marshalConnectionInfo(c *ConnectionInfo, w *Writer, tight bool) {
	if tight {
		bm := &BoolWriter{}
		bm.Add(c.ClientID != "")
		bm.Add(c.UserName != "")
		bm.Add(c.Password != "")
		bm.Add(c.SessionResumedMarker != "")
		WriteBitmap(w, bm)
		w.TightString(c.ConnectionID.Value, true)
		w.TightString(c.ClientID, c.ClientID != "")
		w.TightString(c.UserName, c.UserName != "")
		w.TightString(c.Password, c.Password != "")
		w.TightString(c.SessionResumedMarker, c.SessionResumedMarker != "")
	} else {
		w.ShortString(c.ConnectionID.Value, true)
		w.ShortString(c.ClientID, c.ClientID != "")
		w.ShortString(c.UserName, c.UserName != "")
		w.ShortString(c.Password, c.Password != "")
		w.ShortString(c.SessionResumedMarker, c.SessionResumedMarker != "")
	}
	w.Bool(c.Manageable)
	w.Bool(c.FaultTolerant)
	w.Bool(c.Failover)
}

func unmarshalConnectionInfo(c *ConnectionInfo, r *Reader, tight bool) {
	if tight {
		bits := ReadBitmap(r)
		hasClientID := bits.Next()
		hasUserName := bits.Next()
		hasPassword := bits.Next()
		hasMarker := bits.Next()
		c.ConnectionID.Value = r.TightString(true)
		c.ClientID = r.TightString(hasClientID)
		c.UserName = r.TightString(hasUserName)
		c.Password = r.TightString(hasPassword)
		c.SessionResumedMarker = r.TightString(hasMarker)
	} else {
		c.ConnectionID.Value, _ = r.ShortString()
		c.ClientID, _ = r.ShortString()
		c.UserName, _ = r.ShortString()
		c.Password, _ = r.ShortString()
		c.SessionResumedMarker, _ = r.ShortString()
	}
	c.Manageable = r.Bool()
	c.FaultTolerant = r.Bool()
	c.Failover = r.Bool()
}

func marshalRemoveInfo(c *RemoveInfo, w *Writer, tight bool) {
	w.Uint8(byte(c.Kind))
	switch c.Kind {
	case ObjectConnection:
		writeShortOrTight(w, c.ConnectionID.Value, true, tight)
	case ObjectSession:
		marshalSessionID(c.SessionID, w, tight)
	case ObjectProducer:
		marshalProducerID(c.ProducerID, w, tight)
	case ObjectConsumer:
		marshalConsumerID(c.ConsumerID, w, tight)
	case ObjectDestination:
		marshalDestination(*c.Destination, w, tight)
	}
	w.Int64(c.LastDeliveredSequenceID)
}

func unmarshalRemoveInfo(c *RemoveInfo, r *Reader, tight bool) {
	c.Kind = ObjectKind(r.Uint8())
	switch c.Kind {
	case ObjectConnection:
		c.ConnectionID.Value = readShortOrTight(r, tight)
	case ObjectSession:
		c.SessionID = unmarshalSessionID(r, tight)
	case ObjectProducer:
		c.ProducerID = unmarshalProducerID(r, tight)
	case ObjectConsumer:
		c.ConsumerID = unmarshalConsumerID(r, tight)
	case ObjectDestination:
		d := unmarshalDestination(r, tight)
		c.Destination = &d
	}
	c.LastDeliveredSequenceID = r.Int64()
}

// writeShortOrTight writes an explicit presence marker followed by content
// when present. Fields whose presence never varies (ids, in practice) are
// always called with present=true; fields that can genuinely be absent
// (BrokerUploadURL, ConnectedBrokers, ...) are not numerous enough on any
// one command to justify their own bitmap, so they carry their own marker
// byte in both tight and loose mode rather than joining the command's
// bitmap pass.
func writeShortOrTight(w *Writer, s string, present, tight bool) {
	w.Bool(present)
	w.TightString(s, present)
}

func readShortOrTight(r *Reader, tight bool) string {
	present := r.Bool()
	return r.TightString(present)
}

func marshalSessionID(id SessionID, w *Writer, tight bool) {
	writeShortOrTight(w, id.ConnectionID.Value, true, tight)
	w.Int64(id.Value)
}

func unmarshalSessionID(r *Reader, tight bool) SessionID {
	return SessionID{ConnectionID: ConnectionID{Value: readShortOrTight(r, tight)}, Value: r.Int64()}
}

func marshalProducerID(id ProducerID, w *Writer, tight bool) {
	marshalSessionID(id.SessionID, w, tight)
	w.Int64(id.Value)
}

func unmarshalProducerID(r *Reader, tight bool) ProducerID {
	return ProducerID{SessionID: unmarshalSessionID(r, tight), Value: r.Int64()}
}

func marshalConsumerID(id ConsumerID, w *Writer, tight bool) {
	marshalSessionID(id.SessionID, w, tight)
	w.Int64(id.Value)
}

func unmarshalConsumerID(r *Reader, tight bool) ConsumerID {
	return ConsumerID{SessionID: unmarshalSessionID(r, tight), Value: r.Int64()}
}

func marshalMessageID(id MessageID, w *Writer, tight bool) {
	marshalProducerID(id.ProducerID, w, tight)
	w.Int64(id.ProducerSeqID)
	w.Int64(id.BrokerSeqID)
}

func unmarshalMessageID(r *Reader, tight bool) MessageID {
	pid := unmarshalProducerID(r, tight)
	seq := r.Int64()
	brokerSeq := r.Int64()
	return MessageID{ProducerID: pid, ProducerSeqID: seq, BrokerSeqID: brokerSeq}
}

func marshalProducerInfo(c *ProducerInfo, w *Writer, tight bool) {
	marshalProducerID(c.ProducerID, w, tight)
	hasDest := c.Destination != nil
	w.Bool(hasDest)
	if hasDest {
		marshalDestination(*c.Destination, w, tight)
	}
	w.Bool(c.DispatchAsync)
	w.Int32(c.WindowSize)
}

func unmarshalProducerInfo(c *ProducerInfo, r *Reader, tight bool) {
	c.ProducerID = unmarshalProducerID(r, tight)
	if r.Bool() {
		d := unmarshalDestination(r, tight)
		c.Destination = &d
	}
	c.DispatchAsync = r.Bool()
	c.WindowSize = r.Int32()
}

func marshalConsumerInfo(c *ConsumerInfo, w *Writer, tight bool) {
	marshalConsumerID(c.ConsumerID, w, tight)
	marshalDestination(c.Destination, w, tight)
	w.Int32(c.PrefetchSize)
	w.Int32(c.MaximumPendingMessageLimit)
	w.Bool(c.BrowserOnly)
	w.Bool(c.DispatchAsync)
	if tight {
		bm := &BoolWriter{}
		bm.Add(c.Selector != "")
		bm.Add(c.SubscriptionName != "")
		WriteBitmap(w, bm)
		w.TightString(c.Selector, c.Selector != "")
		w.TightString(c.SubscriptionName, c.SubscriptionName != "")
	} else {
		w.ShortString(c.Selector, c.Selector != "")
		w.ShortString(c.SubscriptionName, c.SubscriptionName != "")
	}
	w.Bool(c.NoLocal)
	w.Bool(c.Exclusive)
	w.Bool(c.Retroactive)
	w.Int8(c.Priority)
	w.Bool(c.NetworkSubscription)
}

func unmarshalConsumerInfo(c *ConsumerInfo, r *Reader, tight bool) {
	c.ConsumerID = unmarshalConsumerID(r, tight)
	c.Destination = unmarshalDestination(r, tight)
	c.PrefetchSize = r.Int32()
	c.MaximumPendingMessageLimit = r.Int32()
	c.BrowserOnly = r.Bool()
	c.DispatchAsync = r.Bool()
	if tight {
		bits := ReadBitmap(r)
		hasSelector := bits.Next()
		hasSubName := bits.Next()
		c.Selector = r.TightString(hasSelector)
		c.SubscriptionName = r.TightString(hasSubName)
	} else {
		c.Selector, _ = r.ShortString()
		c.SubscriptionName, _ = r.ShortString()
	}
	c.NoLocal = r.Bool()
	c.Exclusive = r.Bool()
	c.Retroactive = r.Bool()
	c.Priority = r.Int8()
	c.NetworkSubscription = r.Bool()
}

func marshalDestination(d Destination, w *Writer, tight bool) {
	w.Uint8(byte(d.Type))
	writeShortOrTight(w, d.Physical, true, tight)
	w.Int32(int32(len(d.Options)))
	for k, v := range d.Options {
		writeShortOrTight(w, k, true, tight)
		writeShortOrTight(w, v, true, tight)
	}
}

func unmarshalDestination(r *Reader, tight bool) Destination {
	d := Destination{Type: DestinationType(r.Uint8())}
	d.Physical = readShortOrTight(r, tight)
	n := r.Int32()
	if n > 0 {
		d.Options = make(map[string]string, n)
		for i := int32(0); i < n; i++ {
			k := readShortOrTight(r, tight)
			v := readShortOrTight(r, tight)
			d.Options[k] = v
		}
	}
	return d
}

// marshalMessageDestination writes c's destination using the cache table
// when caching is negotiated, falling back to the literal encoding
// otherwise (spec §4.1 caching mode: "common small objects (destinations,
// ids) may be sent once and referenced by a short integer thereafter").
func marshalMessageDestination(d Destination, w *Writer, opts EncodingOptions) {
	if !opts.CacheEnabled || opts.WriteCache == nil {
		w.Bool(false)
		marshalDestination(d, w, opts.Tight)
		return
	}
	slot, isNew := opts.WriteCache.Intern(d)
	w.Bool(true)
	w.Bool(isNew)
	w.Int32(slot)
	if isNew {
		marshalDestination(d, w, opts.Tight)
	}
}

func unmarshalMessageDestination(r *Reader, opts EncodingOptions) Destination {
	cached := r.Bool()
	if !cached {
		return unmarshalDestination(r, opts.Tight)
	}
	isNew := r.Bool()
	slot := r.Int32()
	if isNew {
		d := unmarshalDestination(r, opts.Tight)
		if opts.ReadCache != nil {
			opts.ReadCache.Learn(slot, d)
		}
		return d
	}
	if opts.ReadCache != nil {
		if d, ok := opts.ReadCache.Lookup(slot); ok {
			return d
		}
	}
	r.fail(ErrCacheMiss)
	return Destination{}
}

// ErrCacheMiss is a fatal codec error: the peer referenced a cache slot
// this side never learned, meaning the two caches have desynchronized.
var ErrCacheMiss = fmt.Errorf("owire: destination cache miss")

func marshalDestinationInfo(c *DestinationInfo, w *Writer, tight bool) {
	writeShortOrTight(w, c.ConnectionID.Value, true, tight)
	marshalDestination(c.Destination, w, tight)
	w.Uint8(byte(c.Operation))
	w.Int64(c.Timeout)
}

func unmarshalDestinationInfo(c *DestinationInfo, r *Reader, tight bool) {
	c.ConnectionID.Value = readShortOrTight(r, tight)
	c.Destination = unmarshalDestination(r, tight)
	c.Operation = DestinationOperation(r.Uint8())
	c.Timeout = r.Int64()
}

func marshalTransactionID(t *TransactionID, w *Writer, tight bool) {
	hasTx := t != nil
	w.Bool(hasTx)
	if !hasTx {
		return
	}
	w.Bool(t.IsXA)
	if t.IsXA {
		w.Int32(t.FormatID)
		w.Bytes(t.GlobalTxID)
		w.Bytes(t.BranchQualifier)
		return
	}
	writeShortOrTight(w, t.ConnectionID.Value, true, tight)
	w.Int64(t.LocalValue)
}

func unmarshalTransactionID(r *Reader, tight bool) *TransactionID {
	if !r.Bool() {
		return nil
	}
	t := &TransactionID{IsXA: r.Bool()}
	if t.IsXA {
		t.FormatID = r.Int32()
		t.GlobalTxID = r.Bytes()
		t.BranchQualifier = r.Bytes()
		return t
	}
	t.ConnectionID.Value = readShortOrTight(r, tight)
	t.LocalValue = r.Int64()
	return t
}

func marshalMessageAck(c *MessageAck, w *Writer, tight bool) {
	marshalDestination(c.Destination, w, tight)
	marshalTransactionID(c.TransactionID, w, tight)
	marshalConsumerID(c.ConsumerID, w, tight)
	w.Uint8(byte(c.AckType))
	marshalMessageID(c.FirstMessageID, w, tight)
	marshalMessageID(c.LastMessageID, w, tight)
	w.Int32(c.MessageCount)
}

func unmarshalMessageAck(c *MessageAck, r *Reader, tight bool) {
	c.Destination = unmarshalDestination(r, tight)
	c.TransactionID = unmarshalTransactionID(r, tight)
	c.ConsumerID = unmarshalConsumerID(r, tight)
	c.AckType = AckType(r.Uint8())
	c.FirstMessageID = unmarshalMessageID(r, tight)
	c.LastMessageID = unmarshalMessageID(r, tight)
	c.MessageCount = r.Int32()
}

func marshalMessagePull(c *MessagePull, w *Writer, tight bool) {
	marshalConsumerID(c.ConsumerID, w, tight)
	marshalDestination(c.Destination, w, tight)
	w.Int64(c.Timeout)
}

func unmarshalMessagePull(c *MessagePull, r *Reader, tight bool) {
	c.ConsumerID = unmarshalConsumerID(r, tight)
	c.Destination = unmarshalDestination(r, tight)
	c.Timeout = r.Int64()
}

func marshalTransactionInfo(c *TransactionInfo, w *Writer, tight bool) {
	writeShortOrTight(w, c.ConnectionID.Value, true, tight)
	marshalTransactionIDRequired(c.TransactionID, w, tight)
	w.Uint8(byte(c.Operation))
}

func unmarshalTransactionInfo(c *TransactionInfo, r *Reader, tight bool) {
	c.ConnectionID.Value = readShortOrTight(r, tight)
	c.TransactionID = unmarshalTransactionIDRequired(r, tight)
	c.Operation = TransactionOp(r.Uint8())
}

// marshalTransactionIDRequired writes a TransactionID known to always be
// present (TransactionInfo always names a transaction), so it skips the
// presence bool that marshalTransactionID uses for the nullable case.
func marshalTransactionIDRequired(t TransactionID, w *Writer, tight bool) {
	w.Bool(t.IsXA)
	if t.IsXA {
		w.Int32(t.FormatID)
		w.Bytes(t.GlobalTxID)
		w.Bytes(t.BranchQualifier)
		return
	}
	writeShortOrTight(w, t.ConnectionID.Value, true, tight)
	w.Int64(t.LocalValue)
}

func unmarshalTransactionIDRequired(r *Reader, tight bool) TransactionID {
	t := TransactionID{IsXA: r.Bool()}
	if t.IsXA {
		t.FormatID = r.Int32()
		t.GlobalTxID = r.Bytes()
		t.BranchQualifier = r.Bytes()
		return t
	}
	t.ConnectionID.Value = readShortOrTight(r, tight)
	t.LocalValue = r.Int64()
	return t
}

func marshalBrokerInfo(c *BrokerInfo, w *Writer, tight bool) {
	writeShortOrTight(w, c.BrokerID, true, tight)
	writeShortOrTight(w, c.BrokerURL, true, tight)
	w.Bool(c.SlaveBroker)
	w.Bool(c.MasterBroker)
	w.Bool(c.NetworkConnection)
	writeShortOrTight(w, c.BrokerUploadURL, c.BrokerUploadURL != "", tight)
}

func unmarshalBrokerInfo(c *BrokerInfo, r *Reader, tight bool) {
	c.BrokerID = readShortOrTight(r, tight)
	c.BrokerURL = readShortOrTight(r, tight)
	c.SlaveBroker = r.Bool()
	c.MasterBroker = r.Bool()
	c.NetworkConnection = r.Bool()
	c.BrokerUploadURL = readShortOrTight(r, tight)
}

func marshalConnectionControl(c *ConnectionControl, w *Writer, tight bool) {
	w.Bool(c.Close)
	w.Bool(c.Exit)
	w.Bool(c.Faulty)
	writeShortOrTight(w, c.ConnectedBrokers, c.ConnectedBrokers != "", tight)
	writeShortOrTight(w, c.ReconnectTo, c.ReconnectTo != "", tight)
	w.Bool(c.Suspend)
	w.Bool(c.Resume)
}

func unmarshalConnectionControl(c *ConnectionControl, r *Reader, tight bool) {
	c.Close = r.Bool()
	c.Exit = r.Bool()
	c.Faulty = r.Bool()
	c.ConnectedBrokers = readShortOrTight(r, tight)
	c.ReconnectTo = readShortOrTight(r, tight)
	c.Suspend = r.Bool()
	c.Resume = r.Bool()
}

func marshalConsumerControl(c *ConsumerControl, w *Writer, tight bool) {
	marshalConsumerID(c.ConsumerID, w, tight)
	w.Bool(c.Close)
	w.Int32(c.Prefetch)
}

func unmarshalConsumerControl(c *ConsumerControl, r *Reader, tight bool) {
	c.ConsumerID = unmarshalConsumerID(r, tight)
	c.Close = r.Bool()
	c.Prefetch = r.Int32()
}

func marshalResponse(c *Response, w *Writer, tight bool) {
	w.Int32(c.CorrelationID)
}

func unmarshalResponse(c *Response, r *Reader, tight bool) {
	c.CorrelationID = r.Int32()
}

func marshalExceptionResponse(c *ExceptionResponse, w *Writer, tight bool) {
	marshalResponse(&c.Response, w, tight)
	writeShortOrTight(w, c.ExceptionClassName, true, tight)
	writeShortOrTight(w, c.Message, true, tight)
	writeShortOrTight(w, c.StackTrace, c.StackTrace != "", tight)
}

func unmarshalExceptionResponse(c *ExceptionResponse, r *Reader, tight bool) {
	unmarshalResponse(&c.Response, r, tight)
	c.ExceptionClassName = readShortOrTight(r, tight)
	c.Message = readShortOrTight(r, tight)
	c.StackTrace = readShortOrTight(r, tight)
}

// --- Message (spec §3: header + one of four body kinds) --------------------

func marshalMessage(c *Message, w *Writer, opts EncodingOptions) error {
	tight := opts.Tight
	w.Uint8(byte(c.BodyKind))
	marshalMessageID(c.ID, w, tight)
	writeShortOrTight(w, c.CorrelationID, c.CorrelationID != "", tight)
	marshalMessageDestination(c.Destination, w, opts)
	hasReplyTo := c.ReplyTo != nil
	w.Bool(hasReplyTo)
	if hasReplyTo {
		marshalDestination(*c.ReplyTo, w, tight)
	}
	w.Uint8(byte(c.DeliveryMode))
	w.Uint8(c.Priority)
	w.Int64(tsMillis(c))
	w.Int64(c.Expiration)
	w.Int32(c.RedeliveryCounter)
	writeShortOrTight(w, c.GroupID, c.GroupID != "", tight)
	w.Int32(c.GroupSeq)
	marshalProducerID(c.ProducerID, w, tight)
	marshalTransactionID(c.TransactionID, w, tight)
	w.Bool(c.Persistent)

	body := encodeMessageBody(c)
	compressed := false
	if opts.Compressor != nil && len(body) > 0 {
		compressedBody, err := opts.Compressor.Compress(body)
		if err == nil && len(compressedBody) < len(body) {
			body = compressedBody
			compressed = true
		}
	}
	w.Bool(compressed)
	if compressed {
		writeShortOrTight(w, opts.Compressor.Name(), true, tight)
	}
	w.Bytes(body)
	if err := MarshalMap(w, c.Properties); err != nil {
		return err
	}
	return nil
}

func tsMillis(c *Message) int64 {
	if c.Timestamp.IsZero() {
		return 0
	}
	return c.Timestamp.UnixMilli()
}

func encodeMessageBody(c *Message) []byte {
	switch c.BodyKind {
	case BodyBytes:
		return c.Bytes
	case BodyText:
		return EncodeModifiedUTF8(c.Text)
	case BodyMap:
		w := &Writer{}
		_ = MarshalMap(w, c.Map)
		return w.Dst
	case BodyList:
		w := &Writer{}
		_ = marshalList(w, c.List)
		return w.Dst
	default:
		return nil
	}
}

func unmarshalMessage(c *Message, r *Reader, opts EncodingOptions) error {
	tight := opts.Tight
	c.BodyKind = BodyKind(r.Uint8())
	c.ID = unmarshalMessageID(r, tight)
	c.CorrelationID = readShortOrTight(r, tight)
	c.Destination = unmarshalMessageDestination(r, opts)
	if r.Bool() {
		d := unmarshalDestination(r, tight)
		c.ReplyTo = &d
	}
	c.DeliveryMode = DeliveryMode(r.Uint8())
	c.Priority = r.Uint8()
	ms := r.Int64()
	if ms != 0 {
		c.Timestamp = timeFromMillis(ms)
	}
	c.Expiration = r.Int64()
	c.RedeliveryCounter = r.Int32()
	c.GroupID = readShortOrTight(r, tight)
	c.GroupSeq = r.Int32()
	c.ProducerID = unmarshalProducerID(r, tight)
	c.TransactionID = unmarshalTransactionID(r, tight)
	c.Persistent = r.Bool()

	c.Compressed = r.Bool()
	var algo string
	if c.Compressed {
		algo = readShortOrTight(r, tight)
		c.DroppedCompressionAlgo = algo
	}
	body := r.Bytes()
	if c.Compressed && opts.Compressor != nil {
		decoded, err := opts.Compressor.Decompress(body)
		if err != nil {
			return fmt.Errorf("owire: decompressing message body: %w", err)
		}
		body = decoded
		c.Compressed = false
	}
	if err := decodeMessageBody(c, body); err != nil {
		return err
	}
	props, err := UnmarshalMap(r)
	if err != nil {
		return err
	}
	c.Properties = props
	return nil
}

func decodeMessageBody(c *Message, body []byte) error {
	switch c.BodyKind {
	case BodyBytes:
		c.Bytes = body
	case BodyText:
		s, err := DecodeModifiedUTF8(body)
		if err != nil {
			return err
		}
		c.Text = s
	case BodyMap:
		m, err := UnmarshalMap(&Reader{Src: body})
		if err != nil {
			return err
		}
		c.Map = m
	case BodyList:
		r := &Reader{Src: body}
		n := r.Int32()
		list := make([]interface{}, 0, n)
		for i := int32(0); i < n; i++ {
			v, err := unmarshalValue(r)
			if err != nil {
				return err
			}
			list = append(list, v)
		}
		c.List = list
	}
	return nil
}

func marshalMessageDispatch(c *MessageDispatch, w *Writer, opts EncodingOptions) error {
	marshalConsumerID(c.ConsumerID, w, opts.Tight)
	marshalDestination(c.Destination, w, opts.Tight)
	hasMsg := c.Message != nil
	w.Bool(hasMsg)
	if hasMsg {
		if err := marshalMessage(c.Message, w, opts); err != nil {
			return err
		}
	}
	w.Int32(c.RedeliveryCounter)
	return nil
}

func unmarshalMessageDispatch(c *MessageDispatch, r *Reader, opts EncodingOptions) error {
	c.ConsumerID = unmarshalConsumerID(r, opts.Tight)
	c.Destination = unmarshalDestination(r, opts.Tight)
	if r.Bool() {
		m := &Message{}
		if err := unmarshalMessage(m, r, opts); err != nil {
			return err
		}
		c.Message = m
	}
	c.RedeliveryCounter = r.Int32()
	return nil
}
