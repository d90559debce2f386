// Package xenstore is a client for xenstored, the hierarchical control
// store shared by the host and its guests. It speaks the xenstored wire
// protocol directly over the daemon's unix socket or the xenbus device.
package xenstore

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/xenops/lock"
	"github.com/projecteru2/xenops/lock/mutex"
	"github.com/projecteru2/xenops/types"
)

// nullTx is XBT_NULL: operations outside any transaction.
const nullTx uint32 = 0

// DomainPath is the root of a domain's subtree. Pure; no store access.
func DomainPath(id types.DomainID) string {
	return "/local/domain/" + strconv.FormatUint(uint64(id), 10)
}

// Session exclusively owns one connection to xenstored. Requests are
// serialized: one request/response exchange is in flight at a time.
type Session struct {
	locker lock.Locker
	conn   io.ReadWriteCloser
	reqID  uint32
	closed bool  // guarded by locker
	broken error // guarded by locker; first transport failure
}

// New wraps an established connection.
func New(conn io.ReadWriteCloser, extra ...lock.Locker) *Session {
	return &Session{
		conn:   conn,
		locker: append(lock.Chain{mutex.New()}, extra...),
	}
}

// Open connects to the store at path: a unix socket (xenstored) or a
// character device (/dev/xen/xenbus).
func Open(ctx context.Context, path string, extra ...lock.Locker) (*Session, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	var conn io.ReadWriteCloser
	if fi.Mode()&os.ModeSocket != 0 {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "unix", path)
	} else {
		conn, err = os.OpenFile(path, os.O_RDWR, 0) //nolint:gosec
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	log.WithFunc("xenstore.Open").Debugf(ctx, "connected to %s", path)
	return New(conn, extra...), nil
}

// Close waits for the in-flight request and closes the connection.
func (s *Session) Close() error {
	return lock.WithLock(context.Background(), s.locker, func() error {
		if s.closed {
			return ErrClosed
		}
		s.closed = true
		return s.conn.Close()
	})
}

// Read returns the value at path.
func (s *Session) Read(ctx context.Context, path string) (string, error) {
	return s.read(ctx, nullTx, path)
}

// Write sets path to value, creating missing parents.
func (s *Session) Write(ctx context.Context, path, value string) error {
	return s.write(ctx, nullTx, path, value)
}

// Remove deletes path and its subtree.
func (s *Session) Remove(ctx context.Context, path string) error {
	return s.remove(ctx, nullTx, path)
}

// Directory lists the children of path.
func (s *Session) Directory(ctx context.Context, path string) ([]string, error) {
	return s.directory(ctx, nullTx, path)
}

func (s *Session) read(ctx context.Context, tx uint32, path string) (string, error) {
	reply, err := s.request(ctx, OpRead, tx, "read", path, cstr(path))
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

func (s *Session) write(ctx context.Context, tx uint32, path, value string) error {
	payload := append(cstr(path), value...)
	_, err := s.request(ctx, OpWrite, tx, "write", path, payload)
	return err
}

func (s *Session) remove(ctx context.Context, tx uint32, path string) error {
	_, err := s.request(ctx, OpRm, tx, "rm", path, cstr(path))
	return err
}

func (s *Session) directory(ctx context.Context, tx uint32, path string) ([]string, error) {
	reply, err := s.request(ctx, OpDirectory, tx, "directory", path, cstr(path))
	if err != nil {
		return nil, err
	}
	return SplitNUL(reply), nil
}

// request performs one exchange under the session lock. Unsolicited watch
// events are skipped; an OpError reply becomes an *Error carrying the
// store's reason token. After a transport failure the stream position is
// unknown, so every later request fails with ErrBroken.
func (s *Session) request(ctx context.Context, op Op, tx uint32, name, path string, payload []byte) ([]byte, error) {
	var reply *Packet
	err := lock.WithLock(ctx, s.locker, func() error {
		if s.closed {
			return ErrClosed
		}
		if s.broken != nil {
			return &Error{Op: name, Path: path, Err: fmt.Errorf("%w: %w", ErrBroken, s.broken)}
		}
		s.reqID++
		req := &Packet{Op: op, ReqID: s.reqID, TxID: tx, Payload: payload}
		if err := WritePacket(s.conn, req); err != nil {
			s.broken = err
			return &Error{Op: name, Path: path, Err: err}
		}
		for {
			p, err := ReadPacket(s.conn)
			if err != nil {
				s.broken = err
				return &Error{Op: name, Path: path, Err: err}
			}
			if p.Op == OpWatchEvent || p.ReqID != req.ReqID {
				continue
			}
			reply = p
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	if reply.Op == OpError {
		return nil, &Error{Op: name, Path: path, Reason: firstString(reply.Payload)}
	}
	return reply.Payload, nil
}

func firstString(b []byte) string {
	if parts := SplitNUL(b); len(parts) > 0 {
		return parts[0]
	}
	return "EIO"
}
