package rpc

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvkolb/kvcore/kvcore"
	"github.com/kvkolb/kvcore/engine"
	"github.com/kvkolb/kvcore/kerr"
)

// gcInterval is how often RunStaleGC sweeps the database's conflict
// index (and, if the driver supports it, its own retained history)
// for entries no live transaction still depends on.
const gcInterval = 30 * time.Second

// Server adapts a kvcore.DB to the Message protocol, tracking open
// transactions by an opaque ID since a stateless request/response
// transport (unlike a long-lived process handle) has no other place to
// stash a *kvcore.Txn between a txn_begin and its matching txn_commit.
// Grounded on rpc/server.iStoreServerAdapterImpl's Handle-dispatches-on-
// MsgType shape.
type Server struct {
	db *kvcore.DB

	txnMu  sync.Mutex
	nextID atomic.Uint64
	txns   map[uint64]*kvcore.Txn
}

// NewServer wraps db for RPC dispatch.
func NewServer(db *kvcore.DB) *Server {
	return &Server{db: db, txns: make(map[uint64]*kvcore.Txn)}
}

// Handle dispatches req to the matching kvcore.DB operation and returns
// the response Message. It never returns nil.
func (s *Server) Handle(req *Message) *Message {
	switch req.Type {
	case MsgRead:
		return s.handleRead(req)
	case MsgWrite:
		return s.handleWrite(req)
	case MsgScan:
		return s.handleScan(req)
	case MsgCollectionOpen:
		return s.handleCollectionOpen(req)
	case MsgCollectionRemove:
		return s.handleCollectionRemove(req)
	case MsgTxnBegin:
		return s.handleTxnBegin(req)
	case MsgTxnCommit:
		return s.handleTxnCommit(req)
	case MsgTxnFree:
		return s.handleTxnFree(req)
	case MsgSaveTo:
		return s.handleSaveTo(req)
	case MsgLoadFrom:
		return s.handleLoadFrom(req)
	default:
		return NewErrorResponse(kerr.New(kerr.InvalidArgument, "unknown message type "+req.Type.String()))
	}
}

// RunStaleGC calls db.CollectStale on gcInterval until ctx is done. It is
// meant to run as a background goroutine alongside a long-lived Server;
// a request/response RPC handler has no natural point of its own to
// drive periodic maintenance from.
func (s *Server) RunStaleGC(ctx context.Context) {
	t := time.NewTicker(gcInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.db.CollectStale()
		}
	}
}

func (s *Server) lookupTxn(id uint64) (*kvcore.Txn, error) {
	if id == 0 {
		return nil, nil
	}
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	tx, ok := s.txns[id]
	if !ok {
		return nil, kerr.New(kerr.InvalidArgument, "unknown txn id")
	}
	return tx, nil
}

func (s *Server) handleRead(req *Message) *Message {
	tx, err := s.lookupTxn(req.TxnID)
	if err != nil {
		return NewErrorResponse(err)
	}
	var value []byte
	var present bool
	if tx != nil {
		value, present, err = tx.Read(kvcore.CollectionID(req.Collection), req.Key)
	} else {
		value, present, err = s.db.Read1(kvcore.CollectionID(req.Collection), req.Key)
	}
	if err != nil {
		return NewErrorResponse(err)
	}
	return &Message{Type: MsgSuccess, Present: present, Value: value}
}

func (s *Server) handleWrite(req *Message) *Message {
	tx, err := s.lookupTxn(req.TxnID)
	if err != nil {
		return NewErrorResponse(err)
	}
	if tx != nil {
		err = tx.Write(kvcore.CollectionID(req.Collection), req.Key, req.Value, req.Delete)
	} else {
		err = s.db.Write1(kvcore.CollectionID(req.Collection), req.Key, req.Value, req.Delete, kvcore.Options(req.Opts))
	}
	if err != nil {
		return NewErrorResponse(err)
	}
	return &Message{Type: MsgSuccess}
}

func (s *Server) handleScan(req *Message) *Message {
	tx, err := s.lookupTxn(req.TxnID)
	if err != nil {
		return NewErrorResponse(err)
	}
	var it engine.Iterator
	if tx != nil {
		it, err = tx.Scan(kvcore.CollectionID(req.Collection), req.FromKey, req.MaxCount)
	} else {
		it, err = s.db.Scan1(kvcore.CollectionID(req.Collection), req.FromKey, req.MaxCount, kvcore.Options(req.Opts))
	}
	if err != nil {
		return NewErrorResponse(err)
	}
	defer it.Close()

	var entries []ScanEntry
	for it.Next() {
		entries = append(entries, ScanEntry{Key: it.Key(), ValueLen: it.ValueLen()})
	}
	if err := it.Err(); err != nil {
		return NewErrorResponse(err)
	}
	return &Message{Type: MsgSuccess, Entries: entries}
}

func (s *Server) handleCollectionOpen(req *Message) *Message {
	id, err := s.db.CollectionOpen(req.Name)
	if err != nil {
		return NewErrorResponse(err)
	}
	return &Message{Type: MsgSuccess, Collection: uint32(id)}
}

func (s *Server) handleCollectionRemove(req *Message) *Message {
	if err := s.db.CollectionRemove(req.Name); err != nil {
		return NewErrorResponse(err)
	}
	return &Message{Type: MsgSuccess}
}

func (s *Server) handleTxnBegin(req *Message) *Message {
	tx, err := s.db.TxnBegin(kvcore.Options(req.Opts))
	if err != nil {
		return NewErrorResponse(err)
	}
	id := s.nextID.Add(1)
	s.txnMu.Lock()
	s.txns[id] = tx
	s.txnMu.Unlock()
	return &Message{Type: MsgSuccess, TxnID: id}
}

func (s *Server) handleTxnCommit(req *Message) *Message {
	s.txnMu.Lock()
	tx, ok := s.txns[req.TxnID]
	delete(s.txns, req.TxnID)
	s.txnMu.Unlock()
	if !ok {
		return NewErrorResponse(kerr.New(kerr.InvalidArgument, "unknown txn id"))
	}
	seq, err := tx.Commit()
	tx.Free()
	if err != nil {
		return NewErrorResponse(err)
	}
	return &Message{Type: MsgSuccess, Seq: seq}
}

func (s *Server) handleTxnFree(req *Message) *Message {
	s.txnMu.Lock()
	tx, ok := s.txns[req.TxnID]
	delete(s.txns, req.TxnID)
	s.txnMu.Unlock()
	if !ok {
		return &Message{Type: MsgSuccess}
	}
	if err := tx.Free(); err != nil {
		return NewErrorResponse(err)
	}
	return &Message{Type: MsgSuccess}
}

// handleSaveTo serializes the whole database into the response's Value,
// reusing the field a write request carries a value in for the opposite
// direction. A snapshot the size of the whole database in one Message is
// only reasonable for the mem engine this op targets; it is not meant to
// scale to a durable engine's on-disk size.
func (s *Server) handleSaveTo(req *Message) *Message {
	var buf bytes.Buffer
	if err := s.db.SaveTo(&buf); err != nil {
		return NewErrorResponse(err)
	}
	return &Message{Type: MsgSuccess, Value: buf.Bytes()}
}

func (s *Server) handleLoadFrom(req *Message) *Message {
	if err := s.db.LoadFrom(bytes.NewReader(req.Value)); err != nil {
		return NewErrorResponse(err)
	}
	return &Message{Type: MsgSuccess}
}
