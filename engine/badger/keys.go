package badger

import "encoding/binary"

// Same fixed-width big-endian encoding as engine/pebble: a one-byte
// namespace tag, an optional collection id, then payload. Badger has no
// native upper-bound iterator option in this API, so Scan checks the
// prefix on every step instead of relying on a range bound.
const (
	prefixData     byte = 'd'
	prefixNameToID byte = 'n'
	prefixIDToName byte = 'i'
	prefixMeta     byte = 'm'
)

const (
	metaNextID = "next_id"
	metaSeq    = "seq_checkpoint"
)

func dataKey(col uint32, key uint64) []byte {
	b := make([]byte, 1+4+8)
	b[0] = prefixData
	binary.BigEndian.PutUint32(b[1:5], col)
	binary.BigEndian.PutUint64(b[5:13], key)
	return b
}

func dataPrefix(col uint32) []byte {
	b := make([]byte, 1+4)
	b[0] = prefixData
	binary.BigEndian.PutUint32(b[1:5], col)
	return b
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

func decodeUint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }
