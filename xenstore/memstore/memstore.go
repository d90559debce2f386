// Package memstore is an in-memory xenstored speaking the real wire
// protocol, for exercising xenstore clients without a Xen host.
package memstore

import (
	"errors"
	"io"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/projecteru2/xenops/xenstore"
)

type transaction struct {
	nodes map[string]string
	gen   uint64
}

// Store holds the tree. Every committed change bumps a global generation;
// a transaction commits only if the generation is unchanged since it began.
type Store struct {
	mu       sync.Mutex
	nodes    map[string]string
	gen      uint64
	txs      map[uint32]*transaction
	nextTx   uint32
	failures map[xenstore.Op]string
}

// New returns a store containing only the root node.
func New() *Store {
	return &Store{
		nodes:    map[string]string{"/": ""},
		txs:      map[uint32]*transaction{},
		failures: map[xenstore.Op]string{},
	}
}

// Set writes path outside any transaction, as another store client would.
func (s *Store) Set(path, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	write(s.nodes, path, value)
	s.gen++
}

// Get returns the committed value at path.
func (s *Store) Get(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.nodes[path]
	return v, ok
}

// Fail makes every request of op answer with reason until cleared with "".
func (s *Store) Fail(op xenstore.Op, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == "" {
		delete(s.failures, op)
		return
	}
	s.failures[op] = reason
}

// OpenTransactions counts transactions not yet ended.
func (s *Store) OpenTransactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

// Pipe returns a client end connected to a goroutine serving s.
func (s *Store) Pipe() net.Conn {
	client, server := net.Pipe()
	go s.Serve(server) //nolint:errcheck
	return client
}

// Serve answers requests on conn until it is closed.
func (s *Store) Serve(conn io.ReadWriteCloser) error {
	defer conn.Close() //nolint:errcheck
	for {
		req, err := xenstore.ReadPacket(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		resp := s.handle(req)
		if err := xenstore.WritePacket(conn, resp); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

func (s *Store) handle(req *xenstore.Packet) *xenstore.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply := func(payload []byte) *xenstore.Packet {
		return &xenstore.Packet{Op: req.Op, ReqID: req.ReqID, TxID: req.TxID, Payload: payload}
	}
	fail := func(reason string) *xenstore.Packet {
		return &xenstore.Packet{Op: xenstore.OpError, ReqID: req.ReqID, TxID: req.TxID, Payload: append([]byte(reason), 0)}
	}
	if reason, ok := s.failures[req.Op]; ok {
		return fail(reason)
	}

	nodes := s.nodes
	var tx *transaction
	if req.TxID != 0 {
		if tx = s.txs[req.TxID]; tx == nil {
			return fail("ENOENT")
		}
		nodes = tx.nodes
	}
	args := xenstore.SplitNUL(req.Payload)
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch req.Op {
	case xenstore.OpRead:
		v, ok := nodes[arg(0)]
		if !ok {
			return fail("ENOENT")
		}
		return reply([]byte(v))

	case xenstore.OpWrite:
		path, value, ok := splitWrite(req.Payload)
		if !ok || !valid(path) {
			return fail("EINVAL")
		}
		write(nodes, path, value)
		if tx == nil {
			s.gen++
		}
		return reply([]byte("OK\x00"))

	case xenstore.OpRm:
		path := arg(0)
		if !valid(path) || path == "/" {
			return fail("EINVAL")
		}
		if _, ok := nodes[path]; !ok {
			if _, ok := nodes[parent(path)]; !ok {
				return fail("ENOENT")
			}
			return reply([]byte("OK\x00"))
		}
		for k := range nodes {
			if k == path || strings.HasPrefix(k, path+"/") {
				delete(nodes, k)
			}
		}
		if tx == nil {
			s.gen++
		}
		return reply([]byte("OK\x00"))

	case xenstore.OpDirectory:
		path := arg(0)
		if _, ok := nodes[path]; !ok {
			return fail("ENOENT")
		}
		var out []byte
		for _, child := range children(nodes, path) {
			out = append(append(out, child...), 0)
		}
		return reply(out)

	case xenstore.OpTransactionStart:
		if tx != nil {
			return fail("EBUSY")
		}
		s.nextTx++
		s.txs[s.nextTx] = &transaction{nodes: maps.Clone(s.nodes), gen: s.gen}
		return reply([]byte(strconv.FormatUint(uint64(s.nextTx), 10) + "\x00"))

	case xenstore.OpTransactionEnd:
		if tx == nil {
			return fail("EINVAL")
		}
		delete(s.txs, req.TxID)
		switch arg(0) {
		case "F":
			return reply([]byte("OK\x00"))
		case "T":
			if tx.gen != s.gen {
				return fail("EAGAIN")
			}
			s.nodes = tx.nodes
			s.gen++
			return reply([]byte("OK\x00"))
		}
		return fail("EINVAL")
	}
	return fail("ENOSYS")
}

func splitWrite(payload []byte) (string, string, bool) {
	i := slices.Index(payload, 0)
	if i < 0 {
		return "", "", false
	}
	return string(payload[:i]), string(payload[i+1:]), true
}

func valid(path string) bool {
	if path == "/" {
		return true
	}
	return strings.HasPrefix(path, "/") && !strings.HasSuffix(path, "/") && !strings.Contains(path, "//")
}

func parent(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// write sets path and creates any missing ancestors with empty values.
func write(nodes map[string]string, path, value string) {
	nodes[path] = value
	for p := parent(path); p != "/"; p = parent(p) {
		if _, ok := nodes[p]; ok {
			break
		}
		nodes[p] = ""
	}
}

func children(nodes map[string]string, path string) []string {
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}
	var out []string
	for k := range nodes {
		if k == path || !strings.HasPrefix(k, prefix) {
			continue
		}
		if rest := k[len(prefix):]; rest != "" && !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
	}
	slices.Sort(out)
	return out
}
