package xenstore

import (
	"context"
	"fmt"
	"strconv"
)

// Status is the lifecycle position of a Transaction.
type Status int

const (
	Pending Status = iota
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Transaction is an isolated view of the store that is applied atomically
// on Commit. It borrows its Session and must end exactly once: always
// defer Abort right after Begin; Abort after Commit is a no-op.
type Transaction struct {
	s      *Session
	id     uint32
	status Status
}

// Begin starts a transaction.
func (s *Session) Begin(ctx context.Context) (*Transaction, error) {
	reply, err := s.request(ctx, OpTransactionStart, nullTx, "transaction_start", "", cstr(""))
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseUint(firstString(reply), 10, 32)
	if err != nil || id == 0 {
		return nil, &Error{Op: "transaction_start", Reason: fmt.Sprintf("bad transaction id %q", reply)}
	}
	return &Transaction{s: s, id: uint32(id)}, nil
}

// Transact runs fn inside a fresh transaction and commits it if fn returns
// nil. On any error the transaction is aborted. A conflict on commit is
// returned as-is; re-running the whole of fn is the caller's decision.
func (s *Session) Transact(ctx context.Context, fn func(*Transaction) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Abort(ctx) //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ID is the store-assigned transaction id.
func (t *Transaction) ID() uint32 { return t.id }

// Status reports whether the transaction is still open.
func (t *Transaction) Status() Status { return t.status }

func (t *Transaction) pending() error {
	if t.status != Pending {
		return fmt.Errorf("transaction %d %s: %w", t.id, t.status, ErrTransactionDone)
	}
	return nil
}

// Read returns the value at path as seen by this transaction.
func (t *Transaction) Read(ctx context.Context, path string) (string, error) {
	if err := t.pending(); err != nil {
		return "", err
	}
	return t.s.read(ctx, t.id, path)
}

// Write sets path to value within the transaction.
func (t *Transaction) Write(ctx context.Context, path, value string) error {
	if err := t.pending(); err != nil {
		return err
	}
	return t.s.write(ctx, t.id, path, value)
}

// Remove deletes path within the transaction.
func (t *Transaction) Remove(ctx context.Context, path string) error {
	if err := t.pending(); err != nil {
		return err
	}
	return t.s.remove(ctx, t.id, path)
}

// Directory lists the children of path within the transaction.
func (t *Transaction) Directory(ctx context.Context, path string) ([]string, error) {
	if err := t.pending(); err != nil {
		return nil, err
	}
	return t.s.directory(ctx, t.id, path)
}

// Commit applies every operation of the transaction or none of them. The
// transaction is over afterwards whatever the outcome; on ErrConflict the
// caller re-reads and re-runs it.
func (t *Transaction) Commit(ctx context.Context) error {
	return t.end(ctx, true)
}

// Abort discards the transaction. It is a no-op once the transaction has
// ended, and it ignores cancellation of ctx so a deferred Abort always
// reaches the store.
func (t *Transaction) Abort(ctx context.Context) error {
	if t.status != Pending {
		return nil
	}
	return t.end(context.WithoutCancel(ctx), false)
}

func (t *Transaction) end(ctx context.Context, commit bool) error {
	if err := t.pending(); err != nil {
		return err
	}
	flag, name := "F", "transaction_abort"
	if commit {
		flag, name = "T", "transaction_commit"
	}
	_, err := t.s.request(ctx, OpTransactionEnd, t.id, name, "", cstr(flag))
	switch {
	case err == nil && commit:
		t.status = Committed
	default:
		t.status = Aborted
	}
	return err
}
