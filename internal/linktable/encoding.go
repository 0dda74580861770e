package linktable

import "encoding/binary"

// Key and value encodings are fixed-width big-endian so that primary
// keys sort by (sourceLocalID, linkID), matching the ordering the
// underlying transactional store is expected to maintain.

func encodeLinkKey(k LinkKey) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], uint64(k.SourceLocalID))
	binary.BigEndian.PutUint32(buf[8:12], uint32(k.LinkID))
	return buf
}

func encodeInverseKey(linkID int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(linkID))
	return buf
}

func encodeInverseValue(sourceLocalID int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(sourceLocalID))
	return buf
}

func decodeInverseValue(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// entry wire format: 1-byte kind tag followed by the opaque target
// bytes.
func encodeEntry(target []byte, kind Kind) []byte {
	buf := make([]byte, 1+len(target))
	buf[0] = byte(kind)
	copy(buf[1:], target)
	return buf
}

func decodeEntry(b []byte) (target []byte, kind Kind) {
	if len(b) == 0 {
		return nil, KindPrimary
	}
	return b[1:], Kind(b[0])
}
