package rpc_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvkolb/kvcore/kvcore"
	"github.com/kvkolb/kvcore/rpc"
)

func newTestClient(t *testing.T) *rpc.Client {
	db, err := kvcore.Open(kvcore.Config{Engine: kvcore.EngineMem})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv := rpc.NewServer(db)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return rpc.NewClient(ts.URL)
}

func TestWriteReadOverHTTP(t *testing.T) {
	c := newTestClient(t)

	resp, err := c.Call(&rpc.Message{Type: rpc.MsgWrite, Key: 1, Value: []byte("hello")})
	require.NoError(t, err)
	require.Equal(t, rpc.MsgSuccess, resp.Type)

	resp, err = c.Call(&rpc.Message{Type: rpc.MsgRead, Key: 1})
	require.NoError(t, err)
	require.True(t, resp.Present)
	require.Equal(t, "hello", string(resp.Value))
}

func TestReadMissingOverHTTP(t *testing.T) {
	c := newTestClient(t)

	resp, err := c.Call(&rpc.Message{Type: rpc.MsgRead, Key: 42})
	require.NoError(t, err)
	require.False(t, resp.Present)
}

func TestTxnRoundTripOverHTTP(t *testing.T) {
	c := newTestClient(t)

	begin, err := c.Call(&rpc.Message{Type: rpc.MsgTxnBegin})
	require.NoError(t, err)
	txnID := begin.TxnID

	_, err = c.Call(&rpc.Message{Type: rpc.MsgWrite, TxnID: txnID, Key: 7, Value: []byte("v")})
	require.NoError(t, err)

	commit, err := c.Call(&rpc.Message{Type: rpc.MsgTxnCommit, TxnID: txnID})
	require.NoError(t, err)
	require.Greater(t, commit.Seq, uint64(0))

	resp, err := c.Call(&rpc.Message{Type: rpc.MsgRead, Key: 7})
	require.NoError(t, err)
	require.True(t, resp.Present)
	require.Equal(t, "v", string(resp.Value))
}

func TestScanOverHTTP(t *testing.T) {
	c := newTestClient(t)
	for _, k := range []uint64{5, 10, 12} {
		_, err := c.Call(&rpc.Message{Type: rpc.MsgWrite, Key: k, Value: []byte{byte(k)}})
		require.NoError(t, err)
	}

	resp, err := c.Call(&rpc.Message{Type: rpc.MsgScan, FromKey: 10, MaxCount: 5})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 2)
	require.Equal(t, uint64(10), resp.Entries[0].Key)
	require.Equal(t, uint64(12), resp.Entries[1].Key)
}

func TestSaveLoadOverHTTP(t *testing.T) {
	c := newTestClient(t)

	_, err := c.Call(&rpc.Message{Type: rpc.MsgWrite, Key: 1, Value: []byte("hello")})
	require.NoError(t, err)

	saved, err := c.Call(&rpc.Message{Type: rpc.MsgSaveTo})
	require.NoError(t, err)
	require.NotEmpty(t, saved.Value)

	_, err = c.Call(&rpc.Message{Type: rpc.MsgWrite, Key: 2, Value: []byte("world")})
	require.NoError(t, err)

	_, err = c.Call(&rpc.Message{Type: rpc.MsgLoadFrom, Value: saved.Value})
	require.NoError(t, err)

	resp, err := c.Call(&rpc.Message{Type: rpc.MsgRead, Key: 1})
	require.NoError(t, err)
	require.True(t, resp.Present)
	require.Equal(t, "hello", string(resp.Value))

	resp, err = c.Call(&rpc.Message{Type: rpc.MsgRead, Key: 2})
	require.NoError(t, err)
	require.False(t, resp.Present, "load must discard state written after the save it restores")
}

func TestCollectionOpenAndRemoveOverHTTP(t *testing.T) {
	c := newTestClient(t)

	resp, err := c.Call(&rpc.Message{Type: rpc.MsgCollectionOpen, Name: "widgets"})
	require.NoError(t, err)
	require.NotEqual(t, uint32(0), resp.Collection)

	_, err = c.Call(&rpc.Message{Type: rpc.MsgWrite, Collection: resp.Collection, Key: 1, Value: []byte("v")})
	require.NoError(t, err)

	_, err = c.Call(&rpc.Message{Type: rpc.MsgCollectionRemove, Name: "widgets"})
	require.NoError(t, err)

	// Removing a non-default collection destroys its handle entirely, so
	// a read against the stale ID errors rather than reporting missing.
	_, err = c.Call(&rpc.Message{Type: rpc.MsgRead, Collection: resp.Collection, Key: 1})
	require.Error(t, err)
}
