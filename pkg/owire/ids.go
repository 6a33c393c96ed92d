package owire

import "fmt"

// Identifiers are value objects; equality is structural and they are cheap
// to clone (spec §3). Every externally visible object's identifier is a
// compound of smaller identifiers so it stays unique across reconnects.

type ConnectionID struct {
	Value string
}

func (c ConnectionID) String() string { return c.Value }

type SessionID struct {
	ConnectionID ConnectionID
	Value        int64
}

func (s SessionID) String() string {
	return fmt.Sprintf("%s:%d", s.ConnectionID.Value, s.Value)
}

type ProducerID struct {
	SessionID SessionID
	Value     int64
}

func (p ProducerID) String() string {
	return fmt.Sprintf("%s:%d", p.SessionID.String(), p.Value)
}

// ConsumerID is identical in shape to ProducerID but kept distinct so the
// compiler stops us from confusing the two id spaces (spec §3 "Consumer ids
// within a session are strictly increasing" — a property that must hold
// independent of producer id allocation).
type ConsumerID struct {
	SessionID SessionID
	Value     int64
}

func (c ConsumerID) String() string {
	return fmt.Sprintf("%s:%d", c.SessionID.String(), c.Value)
}

type MessageID struct {
	ProducerID      ProducerID
	ProducerSeqID   int64
	BrokerSeqID     int64 // assigned by the broker on receipt; zero until then
}

func (m MessageID) String() string {
	return fmt.Sprintf("%s:%d", m.ProducerID.String(), m.ProducerSeqID)
}

// TransactionID is the tagged union of a local transaction id (connection
// id + counter) and an XA global transaction id (format id, branch
// qualifier, global txid bytes), per spec §3.
type TransactionID struct {
	IsXA bool

	// Local transaction fields.
	ConnectionID ConnectionID
	LocalValue   int64

	// XA fields.
	FormatID        int32
	GlobalTxID      []byte
	BranchQualifier []byte
}

func LocalTransactionID(conn ConnectionID, value int64) TransactionID {
	return TransactionID{ConnectionID: conn, LocalValue: value}
}

func XATransactionID(formatID int32, globalTxID, branchQualifier []byte) TransactionID {
	return TransactionID{
		IsXA:            true,
		FormatID:        formatID,
		GlobalTxID:      globalTxID,
		BranchQualifier: branchQualifier,
	}
}

func (t TransactionID) String() string {
	if t.IsXA {
		return fmt.Sprintf("XID:%d:%x:%x", t.FormatID, t.GlobalTxID, t.BranchQualifier)
	}
	return fmt.Sprintf("TX:%s:%d", t.ConnectionID.Value, t.LocalValue)
}

func (t TransactionID) Equal(o TransactionID) bool {
	if t.IsXA != o.IsXA {
		return false
	}
	if !t.IsXA {
		return t.ConnectionID == o.ConnectionID && t.LocalValue == o.LocalValue
	}
	if t.FormatID != o.FormatID || len(t.GlobalTxID) != len(o.GlobalTxID) || len(t.BranchQualifier) != len(o.BranchQualifier) {
		return false
	}
	for i := range t.GlobalTxID {
		if t.GlobalTxID[i] != o.GlobalTxID[i] {
			return false
		}
	}
	for i := range t.BranchQualifier {
		if t.BranchQualifier[i] != o.BranchQualifier[i] {
			return false
		}
	}
	return true
}
