package wire

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func mustDecodeEntry(t *testing.T, b []byte) (int64, []byte) {
	t.Helper()
	exp, p, err := DecodeEntry(b)
	if err != nil {
		t.Fatalf("DecodeEntry error: %v", err)
	}
	return exp, p
}

func TestEntryRTEmptyAndNonEmpty(t *testing.T) {
	cases := []struct {
		exp     int64
		payload []byte
	}{
		{0, nil},
		{1700000000, []byte("hello")},
		{Never, []byte{0, 1, 2, 3, 4}},
		{-5, []byte("negative expiry is still framed")},
	}
	for _, tc := range cases {
		enc := EncodeEntry(tc.exp, tc.payload)
		exp, p := mustDecodeEntry(t, enc)
		if exp != tc.exp {
			t.Fatalf("expiresAt mismatch: got %d want %d", exp, tc.exp)
		}
		if !bytes.Equal(p, tc.payload) {
			t.Fatalf("payload mismatch: got %x want %x", p, tc.payload)
		}
	}
}

func TestEntryRejectsTrailingBytes(t *testing.T) {
	enc := EncodeEntry(7, []byte("x"))
	enc = append(enc, 0xDE, 0xAD)
	if _, _, err := DecodeEntry(enc); err != ErrCorrupt {
		t.Fatalf("expected ErrCorrupt on trailing bytes, got %v", err)
	}
}

func TestEntryCorruptHeadersAndLengths(t *testing.T) {
	enc := EncodeEntry(1, []byte("abc"))

	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	if _, _, err := DecodeEntry(badMagic); err == nil {
		t.Fatalf("expected error on bad magic")
	}

	badVer := append([]byte(nil), enc...)
	badVer[4] = version + 1
	if _, _, err := DecodeEntry(badVer); err == nil {
		t.Fatalf("expected error on bad version")
	}

	badKind := append([]byte(nil), enc...)
	badKind[5] = kindEntry + 1
	if _, _, err := DecodeEntry(badKind); err == nil {
		t.Fatalf("expected error on bad kind")
	}

	// plen lives right after magic, ver, kind, expiresAt and sum
	tooLong := append([]byte(nil), enc...)
	binary.BigEndian.PutUint32(tooLong[22:26], uint32(len("abc")+1))
	if _, _, err := DecodeEntry(tooLong); err == nil {
		t.Fatalf("expected error on plen beyond buffer")
	}

	trunc := enc[:len(enc)-1]
	if _, _, err := DecodeEntry(trunc); err == nil {
		t.Fatalf("expected error on truncated buffer")
	}

	if _, _, err := DecodeEntry(nil); err == nil {
		t.Fatalf("expected error on empty input")
	}
}

func TestEntryChecksumDetectsFlippedPayload(t *testing.T) {
	enc := EncodeEntry(1, []byte("payload"))
	enc[len(enc)-1] ^= 0xFF
	if _, _, err := DecodeEntry(enc); err != ErrCorrupt {
		t.Fatalf("expected ErrCorrupt on checksum mismatch, got %v", err)
	}
}

func TestExpiresAtHeaderOnly(t *testing.T) {
	enc := EncodeEntry(math.MaxInt64, []byte("v"))
	exp, err := ExpiresAt(enc)
	if err != nil {
		t.Fatalf("ExpiresAt: %v", err)
	}
	if exp != Never {
		t.Fatalf("want Never, got %d", exp)
	}
	if _, err := ExpiresAt([]byte("#!/bin/sh\nexit 0\n")); err != ErrCorrupt {
		t.Fatalf("expected ErrCorrupt for foreign file, got %v", err)
	}
}

func TestExpired(t *testing.T) {
	if !Expired(10, 10) {
		t.Fatalf("now == expiresAt must count as expired")
	}
	if Expired(11, 10) {
		t.Fatalf("future expiry reported expired")
	}
	if Expired(Never, math.MaxInt64-1) {
		t.Fatalf("Never expired before the end of time")
	}
}

func TestSnapshotRT(t *testing.T) {
	in := Snapshot{Gen: 3, MTime: -1, Size: 5, Data: []byte("hello")}
	got, err := DecodeSnapshot(EncodeSnapshot(in))
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if got.Gen != in.Gen || got.MTime != in.MTime || got.Size != in.Size || !bytes.Equal(got.Data, in.Data) {
		t.Fatalf("got %+v want %+v", got, in)
	}
}

func TestSnapshotRejectsEntryFrames(t *testing.T) {
	if _, err := DecodeSnapshot(EncodeEntry(1, []byte("x"))); err != ErrCorrupt {
		t.Fatalf("entry frame decoded as snapshot: %v", err)
	}
	if _, _, err := DecodeEntry(EncodeSnapshot(Snapshot{Data: []byte("x")})); err != ErrCorrupt {
		t.Fatalf("snapshot frame decoded as entry: %v", err)
	}
	b := EncodeSnapshot(Snapshot{Data: []byte("abc")})
	if _, err := DecodeSnapshot(b[:len(b)-1]); err != ErrCorrupt {
		t.Fatalf("truncated snapshot accepted: %v", err)
	}
}
