package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"

	"github.com/cespare/xxhash/v2"
)

const (
	version      byte = 1
	kindEntry    byte = 1
	kindSnapshot byte = 2

	// magic(4) | ver(1) | kind(1) | expiresAt(8) | sum(8) | plen(4)
	headerLen = 4 + 1 + 1 + 8 + 8 + 4
	// magic(4) | ver(1) | kind(1) | gen(8) | mtime(8) | size(8) | dlen(4)
	snapHeaderLen = 4 + 1 + 1 + 8 + 8 + 8 + 4
)

// Never is the expiresAt sentinel for entries without a lifetime.
const Never int64 = math.MaxInt64

var (
	ErrCorrupt = errors.New("filecache: corrupt entry")
	magic4     = [...]byte{'F', 'C', 'E', '1'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// EncodeEntry frames one cache entry:
//
//	magic(4) | ver(1) | kind(1=entry) | expiresAt(i64 be) | xxhash64(payload) | plen(u32 be) | payload(plen)
func EncodeEntry(expiresAt int64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], uint64(expiresAt))
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], xxhash.Sum64(payload))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// DecodeEntry parses a framed entry. The returned payload aliases b.
func DecodeEntry(b []byte) (expiresAt int64, payload []byte, err error) {
	if len(b) < headerLen || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return 0, nil, ErrCorrupt
	}

	off := 6

	expiresAt = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	sum := binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	plen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// exact length: a short or padded file is a torn or foreign write
	if plen < 0 || plen != len(b)-off {
		return 0, nil, ErrCorrupt
	}

	payload = b[off : off+plen]
	if xxhash.Sum64(payload) != sum {
		return 0, nil, ErrCorrupt
	}
	return expiresAt, payload, nil
}

// ExpiresAt validates the entry and returns only its expiration.
func ExpiresAt(b []byte) (int64, error) {
	exp, _, err := DecodeEntry(b)
	return exp, err
}

// Expired reports whether an entry with expiresAt is dead at unix second now.
func Expired(expiresAt, now int64) bool {
	return now >= expiresAt
}

// Snapshot is a copy of an entry file held in memory, stamped with what the
// file looked like when it was read and the generation observed before reading.
type Snapshot struct {
	Gen   uint64
	MTime int64 // unix nanoseconds
	Size  int64
	Data  []byte
}

// EncodeSnapshot frames s:
//
//	magic(4) | ver(1) | kind(2=snapshot) | gen(u64 be) | mtime(i64 be) | size(i64 be) | dlen(u32 be) | data(dlen)
func EncodeSnapshot(s Snapshot) []byte {
	b := make([]byte, snapHeaderLen, snapHeaderLen+len(s.Data))
	copy(b, magic4[:])
	b[4] = version
	b[5] = kindSnapshot
	binary.BigEndian.PutUint64(b[6:14], s.Gen)
	binary.BigEndian.PutUint64(b[14:22], uint64(s.MTime))
	binary.BigEndian.PutUint64(b[22:30], uint64(s.Size))
	binary.BigEndian.PutUint32(b[30:34], uint32(len(s.Data)))
	return append(b, s.Data...)
}

// DecodeSnapshot parses a framed snapshot. Data aliases b.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	if len(b) < snapHeaderLen || !hasMagic(b) || b[4] != version || b[5] != kindSnapshot {
		return Snapshot{}, ErrCorrupt
	}
	dlen := int(binary.BigEndian.Uint32(b[30:34]))
	if dlen != len(b)-snapHeaderLen {
		return Snapshot{}, ErrCorrupt
	}
	return Snapshot{
		Gen:   binary.BigEndian.Uint64(b[6:14]),
		MTime: int64(binary.BigEndian.Uint64(b[14:22])),
		Size:  int64(binary.BigEndian.Uint64(b[22:30])),
		Data:  b[snapHeaderLen:],
	}, nil
}
