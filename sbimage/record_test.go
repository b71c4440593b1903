// https://github.com/mcom03/sblimg
//
// Copyright (c) The mcom03-sbl Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sbimage

import (
	"errors"
	"testing"

	"github.com/mcom03/sblimg/hash256"
)

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	var digest [hash256.Size]byte

	raw := buildHeaderBytes(0, 0, 0, 0, 0, 0, 0, digest)
	raw[0] = 'X'

	if _, err := decodeHeader(raw); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("got %v, want ErrBadMagic", err)
	}
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	if _, err := decodeHeader(make([]byte, 10)); err == nil {
		t.Fatal("expected short header to be rejected")
	}
}

func TestVerifyHeaderHashRoundTrip(t *testing.T) {
	var digest [hash256.Size]byte

	raw := buildHeaderBytes(1024, 0xC0000000, 0xC0000040, 0, 0, 0,
		flagsFor(ObjectPayloadNoExec, false, false, false, false, false), digest)

	h, err := decodeHeader(raw)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}

	if err := verifyHeaderHash(raw, h); err != nil {
		t.Fatalf("expected self-consistent header hash to verify, got %v", err)
	}
}

func TestVerifyHeaderHashRejectsTamperedHeader(t *testing.T) {
	var digest [hash256.Size]byte

	raw := buildHeaderBytes(1024, 0, 0, 0, 0, 0, 0, digest)
	tampered := corruptHeaderHash(raw)

	h, err := decodeHeader(tampered)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}

	if err := verifyHeaderHash(tampered, h); !errors.Is(err, ErrBadHeaderHash) {
		t.Fatalf("got %v, want ErrBadHeaderHash", err)
	}
}

func TestImageSizeUnencryptedUnsigned(t *testing.T) {
	h := RecordHeader{PayloadSize: 10}

	// 96 (header) + 10 (body), rounded up to 4 = 108
	if got, want := imageSize(h), uint32(108); got != want {
		t.Fatalf("imageSize = %d, want %d", got, want)
	}
}

func TestImageSizeEncryptedAndSigned(t *testing.T) {
	h := RecordHeader{
		PayloadSize: 10,
		Flags:       flagsFor(ObjectPayloadNoExec, false, true, false, true, false),
	}

	// body rounds up to 16; 96 + 384 (signature) + 16 = 496, already a
	// multiple of 16 so no further rounding.
	if got, want := imageSize(h), uint32(496); got != want {
		t.Fatalf("imageSize = %d, want %d", got, want)
	}
}

func TestAlign(t *testing.T) {
	cases := []struct{ n, a, want uint32 }{
		{0, 16, 0},
		{1, 16, 16},
		{16, 16, 16},
		{17, 16, 32},
		{10, 4, 12},
	}

	for _, c := range cases {
		if got := align(c.n, c.a); got != c.want {
			t.Fatalf("align(%d, %d) = %d, want %d", c.n, c.a, got, c.want)
		}
	}
}

func TestReadRecordRoundTrip(t *testing.T) {
	var digest [hash256.Size]byte
	body := []byte("firmware-bytes-not-crypto-shaped")

	payloadSize := uint32(len(body))
	flags := flagsFor(ObjectPayloadNoExec, false, false, false, false, false)
	digest = hash256.Sum(body)
	header := buildHeaderBytes(payloadSize, 0xC0000000, 0, 0, 0, 0, flags, digest)

	recBytes := assembleRecord(t, header, nil, body)

	flash := &fakeFlash{data: recBytes}

	rec, next, err := ReadRecord(flash, 0)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}

	if string(rec.Body) != string(body) {
		t.Fatalf("got body %q, want %q", rec.Body, body)
	}

	if next != int64(len(recBytes)) {
		t.Fatalf("next offset = %d, want %d", next, len(recBytes))
	}
}
