package mqgo

import (
	"context"
	"sync"

	"github.com/mqgo/mqgo/pkg/mqerr"
	"github.com/mqgo/mqgo/pkg/owire"
)

// Synchronization lets an application hook a transaction's commit/rollback
// boundary (spec §4.7 "a Synchronization protocol for before-commit,
// after-commit, and after-rollback callbacks").
type Synchronization interface {
	BeforeCommit()
	AfterCommit()
	AfterRollback()
}

type localTxState int32

const (
	localTxIdle localTxState = iota
	localTxBegun
	localTxCommitting
	localTxRollingBack
)

// Transaction is a local transaction's state machine: Idle -> Begun ->
// (Committing|Rolling-back) -> Idle (spec §4.7). Sends and acks made while
// it is Begun carry its TransactionID; Commit/Rollback apply or discard
// them as one unit.
type Transaction struct {
	session *Session
	id      owire.TransactionID

	mu    sync.Mutex
	state localTxState
	syncs []Synchronization
}

func newLocalTransaction(s *Session, id owire.TransactionID) *Transaction {
	return &Transaction{session: s, id: id, state: localTxIdle}
}

// begin sends the TxBegin TransactionInfo and transitions Idle -> Begun.
func (t *Transaction) begin(ctx context.Context) error {
	info := &owire.TransactionInfo{
		Base:          owire.Base{WantsResponse: true},
		ConnectionID:  t.session.id.ConnectionID,
		TransactionID: t.id,
		Operation:     owire.TxBegin,
	}
	if _, err := t.session.sendCmd(ctx, info); err != nil {
		return err
	}
	t.mu.Lock()
	t.state = localTxBegun
	t.mu.Unlock()
	return nil
}

func (t *Transaction) isBegun() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == localTxBegun
}

// RegisterSynchronization adds a callback invoked around this
// transaction's eventual Commit or Rollback.
func (t *Transaction) RegisterSynchronization(s Synchronization) {
	t.mu.Lock()
	t.syncs = append(t.syncs, s)
	t.mu.Unlock()
}

// ID reports this transaction's wire id, e.g. for correlating with
// exception-listener callbacks.
func (t *Transaction) ID() owire.TransactionID { return t.id }

// Commit applies every send and ack made under this transaction as one
// unit: it flushes each consumer's pending transacted acks, then sends
// TxCommitOnePhase (local transactions are always one-phase; two-phase
// commit only exists on the XA path, spec §4.7).
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.state != localTxBegun {
		t.mu.Unlock()
		return mqerr.LocalUsage("mqgo: Commit called on a transaction that is not begun")
	}
	t.state = localTxCommitting
	syncs := append([]Synchronization(nil), t.syncs...)
	t.mu.Unlock()

	for _, s := range syncs {
		s.BeforeCommit()
	}

	t.session.mu.Lock()
	consumers := make([]*Consumer, 0, len(t.session.consumers))
	for _, c := range t.session.consumers {
		consumers = append(consumers, c)
	}
	t.session.mu.Unlock()
	for _, c := range consumers {
		if err := c.flushTransactedAck(ctx, t.id); err != nil {
			return err
		}
	}

	info := &owire.TransactionInfo{
		Base:          owire.Base{WantsResponse: true},
		ConnectionID:  t.session.id.ConnectionID,
		TransactionID: t.id,
		Operation:     owire.TxCommitOnePhase,
	}
	if _, err := t.session.sendCmd(ctx, info); err != nil {
		return err
	}

	t.mu.Lock()
	t.state = localTxIdle
	t.mu.Unlock()
	t.session.clearTx()

	for _, s := range syncs {
		s.AfterCommit()
	}
	return nil
}

// Rollback discards every send and ack made under this transaction: queued
// consumer deliveries are dropped unacked (the broker redelivers them, spec
// §8 "rollback => none of either is applied"), then TxRollback is sent.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	if t.state != localTxBegun {
		t.mu.Unlock()
		return mqerr.LocalUsage("mqgo: Rollback called on a transaction that is not begun")
	}
	t.state = localTxRollingBack
	syncs := append([]Synchronization(nil), t.syncs...)
	t.mu.Unlock()

	t.session.mu.Lock()
	consumers := make([]*Consumer, 0, len(t.session.consumers))
	for _, c := range t.session.consumers {
		consumers = append(consumers, c)
	}
	t.session.mu.Unlock()
	for _, c := range consumers {
		c.discardTransactedDeliveries()
	}

	info := &owire.TransactionInfo{
		Base:          owire.Base{WantsResponse: true},
		ConnectionID:  t.session.id.ConnectionID,
		TransactionID: t.id,
		Operation:     owire.TxRollback,
	}
	if _, err := t.session.sendCmd(ctx, info); err != nil {
		return err
	}

	t.mu.Lock()
	t.state = localTxIdle
	t.mu.Unlock()
	t.session.clearTx()

	for _, s := range syncs {
		s.AfterRollback()
	}
	return nil
}

// xaState is the XA resource state machine of spec §4.7: Idle -> Active ->
// Idle-after-End -> Prepared -> (Committed|Rolled-back) -> Idle, with
// suspend/resume transitions back and forth off Active.
type xaState int32

const (
	xaIdle xaState = iota
	xaActive
	xaSuspended
	xaEnded
	xaPrepared
)

// XATransaction drives the two-phase commit protocol over the same
// TransactionInfo command used by local transactions, distinguished only
// by carrying an XA-shaped owire.TransactionID (IsXA, FormatID, GlobalTxID,
// BranchQualifier). Out-of-order calls are rejected with a protocol error
// and never mutate state (spec §4.7).
type XATransaction struct {
	session *Session
	id      owire.TransactionID

	mu    sync.Mutex
	state xaState
}

func newXATransaction(s *Session, id owire.TransactionID) *XATransaction {
	return &XATransaction{session: s, id: id, state: xaIdle}
}

func (x *XATransaction) ID() owire.TransactionID { return x.id }

func (x *XATransaction) transition(ctx context.Context, want xaState, op owire.TransactionOp, allowed ...xaState) error {
	x.mu.Lock()
	ok := false
	for _, a := range allowed {
		if x.state == a {
			ok = true
			break
		}
	}
	if !ok {
		cur := x.state
		x.mu.Unlock()
		return mqerr.Protocol(xaStateErrMsg(op, cur), nil)
	}
	x.mu.Unlock()

	info := &owire.TransactionInfo{
		Base:          owire.Base{WantsResponse: true},
		ConnectionID:  x.session.id.ConnectionID,
		TransactionID: x.id,
		Operation:     op,
	}
	if _, err := x.session.sendCmd(ctx, info); err != nil {
		return err
	}

	x.mu.Lock()
	x.state = want
	x.mu.Unlock()
	return nil
}

func xaStateErrMsg(op owire.TransactionOp, cur xaState) string {
	_ = cur
	switch op {
	case owire.TxEnd:
		return "mqgo: End called on an XA branch that is not Active or Suspended"
	case owire.TxPrepare:
		return "mqgo: Prepare called on an XA branch that is not Idle-after-End"
	case owire.TxCommitTwoPhase:
		return "mqgo: Commit called on an XA branch that is not Prepared"
	case owire.TxCommitOnePhase:
		return "mqgo: one-phase Commit called on an XA branch that is not Idle-after-End"
	case owire.TxRollback:
		return "mqgo: Rollback called on an XA branch that is not Active, Idle-after-End, or Prepared"
	case owire.TxForget:
		return "mqgo: Forget called on an XA branch that is not Rolled-back"
	default:
		return "mqgo: invalid XA transition"
	}
}

// Start begins (or, with resume semantics, re-joins) this branch: Idle ->
// Active, or Suspended -> Active when resume is true.
func (x *XATransaction) Start(ctx context.Context, resume bool) error {
	from := []xaState{xaIdle}
	if resume {
		from = []xaState{xaSuspended}
	}
	return x.transition(ctx, xaActive, owire.TxBegin, from...)
}

// End marks this branch as done with work for now: Active -> Idle-after-End,
// or Active -> Suspended when suspend is true.
func (x *XATransaction) End(ctx context.Context, suspend bool) error {
	want := xaEnded
	if suspend {
		want = xaSuspended
	}
	return x.transition(ctx, want, owire.TxEnd, xaActive)
}

// Prepare asks the broker to durably ready this branch for commit:
// Idle-after-End -> Prepared.
func (x *XATransaction) Prepare(ctx context.Context) error {
	return x.transition(ctx, xaPrepared, owire.TxPrepare, xaEnded)
}

// Commit applies the branch. onePhase skips Prepare (only valid when this
// is the sole branch of its global transaction): Prepared -> Idle, or
// Idle-after-End -> Idle when onePhase is true.
func (x *XATransaction) Commit(ctx context.Context, onePhase bool) error {
	if onePhase {
		err := x.transition(ctx, xaIdle, owire.TxCommitOnePhase, xaEnded)
		if err == nil {
			x.session.clearTx()
		}
		return err
	}
	err := x.transition(ctx, xaIdle, owire.TxCommitTwoPhase, xaPrepared)
	if err == nil {
		x.session.clearTx()
	}
	return err
}

// Rollback discards the branch from any of Active, Idle-after-End, or
// Prepared back to Idle.
func (x *XATransaction) Rollback(ctx context.Context) error {
	x.session.mu.Lock()
	consumers := make([]*Consumer, 0, len(x.session.consumers))
	for _, c := range x.session.consumers {
		consumers = append(consumers, c)
	}
	x.session.mu.Unlock()
	for _, c := range consumers {
		c.discardTransactedDeliveries()
	}

	err := x.transition(ctx, xaIdle, owire.TxRollback, xaActive, xaEnded, xaPrepared)
	if err == nil {
		x.session.clearTx()
	}
	return err
}

// Forget drops a heuristically-completed branch's bookkeeping; valid from
// any state, since the broker alone decides whether a branch is eligible.
func (x *XATransaction) Forget(ctx context.Context) error {
	info := &owire.TransactionInfo{
		Base:          owire.Base{WantsResponse: true},
		ConnectionID:  x.session.id.ConnectionID,
		TransactionID: x.id,
		Operation:     owire.TxForget,
	}
	_, err := x.session.sendCmd(ctx, info)
	x.mu.Lock()
	x.state = xaIdle
	x.mu.Unlock()
	return err
}

// Recover asks the broker to report in-doubt (prepared but neither
// committed nor rolled back) branches for this connection, used after a
// client restart to reconcile an external transaction manager's view.
func (x *XATransaction) Recover(ctx context.Context) error {
	info := &owire.TransactionInfo{
		Base:          owire.Base{WantsResponse: true},
		ConnectionID:  x.session.id.ConnectionID,
		TransactionID: x.id,
		Operation:     owire.TxRecover,
	}
	_, err := x.session.sendCmd(ctx, info)
	return err
}

// Join begins an XA transaction branch on this session (spec §4.7 XA
// state machine), independent of Begin's local-transaction path.
func (s *Session) Join(ctx context.Context, formatID int32, globalTxID, branchQualifier []byte) (*XATransaction, error) {
	if s.ack != AckTransacted {
		return nil, mqerr.LocalUsage("mqgo: Join called on a non-transacted session")
	}
	s.mu.Lock()
	if s.tx != nil && s.tx.isBegun() {
		s.mu.Unlock()
		return nil, mqerr.TransactionInProgress("mqgo: a local transaction is already begun on this session")
	}
	id := owire.XATransactionID(formatID, globalTxID, branchQualifier)
	s.mu.Unlock()

	xa := newXATransaction(s, id)
	if err := xa.Start(ctx, false); err != nil {
		return nil, err
	}
	return xa, nil
}
