package pebble

import "encoding/binary"

// Key encoding groups every collection's keyspace under a data prefix
// followed by a big-endian collection id, so that pebble's natural
// byte-lexicographic key order matches the numeric key order the
// storage contract requires within one collection, and so a single
// [lower, upper) bound pair isolates one collection's range for Scan
// and DropCollection's delete-range.
const (
	prefixData    byte = 'd'
	prefixNameToID byte = 'n'
	prefixIDToName byte = 'i'
	prefixMeta    byte = 'm'
)

const (
	metaNextID  = "next_id"
	metaSeq     = "seq_checkpoint"
)

func dataKey(col uint32, key uint64) []byte {
	b := make([]byte, 1+4+8)
	b[0] = prefixData
	binary.BigEndian.PutUint32(b[1:5], col)
	binary.BigEndian.PutUint64(b[5:13], key)
	return b
}

func dataKeyBounds(col uint32) (lower, upper []byte) {
	lower = dataKey(col, 0)
	upper = dataKey(col+1, 0)
	return
}

func decodeDataKey(b []byte) (col uint32, key uint64, ok bool) {
	if len(b) != 13 || b[0] != prefixData {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(b[1:5]), binary.BigEndian.Uint64(b[5:13]), true
}

func nameKey(name string) []byte {
	return append([]byte{prefixNameToID}, []byte(name)...)
}

func idKey(id uint32) []byte {
	b := make([]byte, 5)
	b[0] = prefixIDToName
	binary.BigEndian.PutUint32(b[1:], id)
	return b
}

func metaKey(name string) []byte {
	return append([]byte{prefixMeta}, []byte(name)...)
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func decodeUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
