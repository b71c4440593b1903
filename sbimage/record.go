// https://github.com/mcom03/sblimg
//
// Copyright (c) The mcom03-sbl Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sbimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mcom03/sblimg/bits"
	"github.com/mcom03/sblimg/hash256"
	"github.com/mcom03/sblimg/rsasig"
	"github.com/mcom03/sblimg/sbio"
)

// HeaderLen is the on-wire size of an image-record header (spec §3).
const HeaderLen = 96

// SignatureLen is the fixed RSA-3072 signature length carried after the
// header whenever the signed flag is set.
const SignatureLen = rsasig.ModulusLen

// Magic is the literal header identifier "SBMG".
var Magic = [4]byte{'S', 'B', 'M', 'G'}

// ObjectType is the record's payload-or-certificate kind (flags bits 0-2).
type ObjectType uint32

const (
	ObjectPayloadNoReturn   ObjectType = 0
	ObjectEncryptionKey     ObjectType = 1
	ObjectRootCert          ObjectType = 2
	ObjectNonRootCert       ObjectType = 3
	ObjectPayloadWithReturn ObjectType = 4
	ObjectPayloadNoExec     ObjectType = 5
)

const (
	flagObjectTypePos      = 0
	flagObjectTypeMask     = 0x7
	flagChecksumBit        = 3
	flagEncryptedBit       = 4
	flagSignOfEncryptedBit = 5
	flagSignedBit          = 6
	flagSkipHeaderHashBit  = 7
)

// RecordHeader is the decoded 96-byte image-record header.
type RecordHeader struct {
	PayloadSize   uint32
	LoadAddr      uint32
	EntryAddr     uint32
	Flags         uint32
	KeyIndex      uint32
	CertID        uint32
	SignCertID    uint32
	PayloadDigest [hash256.Size]byte
	HeaderDigest  [hash256.Size]byte
}

func (h RecordHeader) ObjectType() ObjectType {
	return ObjectType(bits.Get(h.Flags, flagObjectTypePos, flagObjectTypeMask))
}

func (h RecordHeader) Checksum() bool        { return bits.Flag(h.Flags, flagChecksumBit) }
func (h RecordHeader) Encrypted() bool       { return bits.Flag(h.Flags, flagEncryptedBit) }
func (h RecordHeader) SignOfEncrypted() bool { return bits.Flag(h.Flags, flagSignOfEncryptedBit) }
func (h RecordHeader) Signed() bool          { return bits.Flag(h.Flags, flagSignedBit) }
func (h RecordHeader) SkipHeaderHash() bool  { return bits.Flag(h.Flags, flagSkipHeaderHashBit) }

// ErrBadMagic reports a header whose first four bytes are not "SBMG".
var ErrBadMagic = errors.New("sbimage: bad header magic")

// ErrBadHeaderHash reports a header whose self-hash does not match HeaderDigest.
var ErrBadHeaderHash = errors.New("sbimage: bad header hash")

func decodeHeader(raw []byte) (RecordHeader, error) {
	var h RecordHeader

	if len(raw) != HeaderLen {
		return h, fmt.Errorf("sbimage: short header (%d bytes)", len(raw))
	}

	if !bytes.Equal(raw[0:4], Magic[:]) {
		return h, ErrBadMagic
	}

	h.PayloadSize = binary.LittleEndian.Uint32(raw[4:8])
	h.LoadAddr = binary.LittleEndian.Uint32(raw[8:12])
	h.EntryAddr = binary.LittleEndian.Uint32(raw[12:16])
	h.Flags = binary.LittleEndian.Uint32(raw[16:20])
	h.KeyIndex = binary.LittleEndian.Uint32(raw[20:24])
	h.CertID = binary.LittleEndian.Uint32(raw[24:28])
	h.SignCertID = binary.LittleEndian.Uint32(raw[28:32])
	copy(h.PayloadDigest[:], raw[32:64])
	copy(h.HeaderDigest[:], raw[64:96])

	return h, nil
}

// align rounds n up to the nearest multiple of a (a must be a power of two).
func align(n, a uint32) uint32 {
	return (n + a - 1) &^ (a - 1)
}

// imageSize computes the total on-wire length of the record (header +
// optional signature + body), per spec §4.6.
func imageSize(h RecordHeader) uint32 {
	dataSize := h.PayloadSize
	bodySize := dataSize
	if h.Encrypted() {
		bodySize = align(dataSize, 16)
	}

	signSize := uint32(0)
	if h.Signed() {
		signSize = SignatureLen
	}

	size := uint32(HeaderLen) + signSize + bodySize

	alignTo := uint32(4)
	if h.Encrypted() {
		alignTo = 16
	}

	return align(size, alignTo)
}

// headerSelfHash hashes raw (exactly HeaderLen bytes) with its HeaderDigest
// field zeroed, per spec §4.6.
func headerSelfHash(raw []byte) hash256.Digest {
	buf := make([]byte, HeaderLen)
	copy(buf, raw)

	for i := 64; i < HeaderLen; i++ {
		buf[i] = 0
	}

	return hash256.Sum(buf)
}

func verifyHeaderHash(raw []byte, h RecordHeader) error {
	got := headerSelfHash(raw)
	want := hash256.Digest(h.HeaderDigest)

	if !got.Equal(want) {
		return ErrBadHeaderHash
	}

	return nil
}

// Record is one fully-staged image record: its header plus the raw on-wire
// body and optional trailing signature.
type Record struct {
	Header    RecordHeader
	HeaderRaw []byte
	Body      []byte
	Signature []byte
}

// ReadRecord reads one record from flash starting at offset, staging the
// entire on-wire record (header + signature + body) in a single read, the
// way the reference implementation reads into one buffer before dispatch
// (spec §2 data flow, §4.6).
func ReadRecord(flash sbio.Flash, offset int64) (*Record, int64, error) {
	headerRaw := make([]byte, HeaderLen)
	if err := flash.ReadAt(headerRaw, offset); err != nil {
		return nil, offset, fmt.Errorf("sbimage: read header: %w", err)
	}

	h, err := decodeHeader(headerRaw)
	if err != nil {
		return nil, offset, err
	}

	size := imageSize(h)

	staging := make([]byte, size)
	if err := flash.ReadAt(staging, offset); err != nil {
		return nil, offset, fmt.Errorf("sbimage: read record: %w", err)
	}

	bodySize := h.PayloadSize
	if h.Encrypted() {
		bodySize = align(h.PayloadSize, 16)
	}

	signSize := uint32(0)
	if h.Signed() {
		signSize = SignatureLen
	}

	if uint32(len(staging)) < uint32(HeaderLen)+signSize+bodySize {
		return nil, offset, fmt.Errorf("sbimage: record shorter than header+signature+body")
	}

	rec := &Record{
		Header:    h,
		HeaderRaw: staging[:HeaderLen],
		Signature: nil,
		Body:      staging[HeaderLen+signSize : HeaderLen+signSize+bodySize],
	}

	if signSize > 0 {
		rec.Signature = staging[HeaderLen : HeaderLen+signSize]
	}

	next := offset + int64(size)

	return rec, next, nil
}
