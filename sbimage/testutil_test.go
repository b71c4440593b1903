// https://github.com/mcom03/sblimg
//
// Copyright (c) The mcom03-sbl Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sbimage

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	"github.com/mcom03/sblimg/aescrypto"
	"github.com/mcom03/sblimg/bits"
	"github.com/mcom03/sblimg/hash256"
	"github.com/mcom03/sblimg/rsasig"
)

type testKeyPair struct {
	priv *rsa.PrivateKey
	pub  rsasig.PublicKey
}

func genKeyPair(t *testing.T) testKeyPair {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 3072)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}

	return testKeyPair{
		priv: priv,
		pub: rsasig.PublicKey{
			N: priv.PublicKey.N.Bytes(),
			E: big.NewInt(int64(priv.PublicKey.E)).Bytes(),
		},
	}
}

func signPKCS1(t *testing.T, priv *rsa.PrivateKey, data []byte) []byte {
	t.Helper()

	digest := hash256.Sum(data)

	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest.Bytes())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	return sig
}

func cbcEncrypt(t *testing.T, key, plaintext []byte) []byte {
	t.Helper()

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}

	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, aescrypto.IV[:]).CryptBlocks(out, plaintext)

	return out
}

// testCert is a generated certificate plus the key it was issued for.
type testCert struct {
	der []byte
	key testKeyPair
}

// makeCert builds a DER certificate signed by parent (or self-signed when
// parent is nil), following the same x509.CreateCertificate technique as
// certchain_test.go's genCADER.
func makeCert(t *testing.T, serial int64, cn string, isCA bool, maxPathLen int, key testKeyPair, parent *testCert) testCert {
	t.Helper()

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(1<<62, 0),
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}

	if isCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign
		tmpl.MaxPathLen = maxPathLen
		tmpl.MaxPathLenZero = maxPathLen == 0
	}

	parentTmpl := tmpl
	signerKey := key.priv

	if parent != nil {
		parentCert, err := x509.ParseCertificate(parent.der)
		if err != nil {
			t.Fatalf("parse parent cert: %v", err)
		}

		parentTmpl = parentCert
		signerKey = parent.key.priv
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parentTmpl, &key.priv.PublicKey, signerKey)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}

	return testCert{der: der, key: key}
}

func flagsFor(objType ObjectType, checksum, encrypted, signOfEncrypted, signed, skipHeaderHash bool) uint32 {
	var f uint32

	bits.SetN(&f, flagObjectTypePos, flagObjectTypeMask, uint32(objType))

	if checksum {
		bits.Set(&f, flagChecksumBit)
	}

	if encrypted {
		bits.Set(&f, flagEncryptedBit)
	}

	if signOfEncrypted {
		bits.Set(&f, flagSignOfEncryptedBit)
	}

	if signed {
		bits.Set(&f, flagSignedBit)
	}

	if skipHeaderHash {
		bits.Set(&f, flagSkipHeaderHashBit)
	}

	return f
}

func buildHeaderBytes(payloadSize, loadAddr, entryAddr, keyIndex, certID, signCertID, flags uint32, payloadDigest [hash256.Size]byte) []byte {
	raw := make([]byte, HeaderLen)

	copy(raw[0:4], Magic[:])
	binary.LittleEndian.PutUint32(raw[4:8], payloadSize)
	binary.LittleEndian.PutUint32(raw[8:12], loadAddr)
	binary.LittleEndian.PutUint32(raw[12:16], entryAddr)
	binary.LittleEndian.PutUint32(raw[16:20], flags)
	binary.LittleEndian.PutUint32(raw[20:24], keyIndex)
	binary.LittleEndian.PutUint32(raw[24:28], certID)
	binary.LittleEndian.PutUint32(raw[28:32], signCertID)
	copy(raw[32:64], payloadDigest[:])

	digest := headerSelfHash(raw)
	copy(raw[64:96], digest[:])

	return raw
}

// corruptHeaderHash flips a byte of the header's self-hash without
// recomputing it, producing a header that fails verifyHeaderHash.
func corruptHeaderHash(raw []byte) []byte {
	out := append([]byte(nil), raw...)
	out[64] ^= 0xFF
	return out
}

func assembleRecord(t *testing.T, headerRaw, signature, body []byte) []byte {
	t.Helper()

	h, err := decodeHeader(headerRaw)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}

	total := imageSize(h)
	buf := make([]byte, total)
	copy(buf, headerRaw)

	off := uint32(HeaderLen)

	if len(signature) > 0 {
		copy(buf[off:], signature)
		off += uint32(len(signature))
	}

	copy(buf[off:], body)

	return buf
}

func certRecord(t *testing.T, objType ObjectType, der []byte, certID uint32) []byte {
	t.Helper()

	var digest [hash256.Size]byte

	flags := flagsFor(objType, false, false, false, false, false)
	header := buildHeaderBytes(uint32(len(der)), 0, 0, 0, certID, 0, flags, digest)

	return assembleRecord(t, header, nil, der)
}

func encKeyRecord(t *testing.T, encryptedCEK []byte, keyIndex, signCertID uint32, signerPriv *rsa.PrivateKey) []byte {
	t.Helper()

	var digest [hash256.Size]byte

	flags := flagsFor(ObjectEncryptionKey, false, false, false, true, false)
	header := buildHeaderBytes(uint32(len(encryptedCEK)), 0, 0, keyIndex, 0, signCertID, flags, digest)
	sig := signPKCS1(t, signerPriv, encryptedCEK)

	return assembleRecord(t, header, sig, encryptedCEK)
}

// buildPayloadRecord assembles an on-wire payload record whose signature
// and/or digest are computed exactly the way processPayload's decision
// table (spec §4.8) expects to verify them, so the record is a faithful
// fixture regardless of which flag combination is under test.
func buildPayloadRecord(t *testing.T, objType ObjectType, plaintext []byte, loadAddr, entryAddr uint32, encrypted, signOfEncrypted, signed, checksum bool, signerPriv *rsa.PrivateKey, aesKey []byte) []byte {
	t.Helper()

	payloadSize := uint32(len(plaintext))

	var bodyOnWire []byte
	var paddedPlain []byte

	if encrypted {
		paddedPlain = make([]byte, align(payloadSize, 16))
		copy(paddedPlain, plaintext)
		bodyOnWire = cbcEncrypt(t, aesKey, paddedPlain)
	} else {
		bodyOnWire = append([]byte(nil), plaintext...)
	}

	var digest [hash256.Size]byte

	if checksum {
		switch {
		case !encrypted:
			digest = hash256.Sum(plaintext)
		case encrypted && !signOfEncrypted:
			digest = hash256.Sum(paddedPlain[:payloadSize])
		default:
			// sign_of_encrypted: the digest covers the full block-aligned
			// ciphertext, the same buffer the signature covers.
			digest = hash256.Sum(bodyOnWire)
		}
	}

	var signature []byte

	if signed {
		switch {
		case !encrypted:
			signature = signPKCS1(t, signerPriv, plaintext)
		case encrypted && !signOfEncrypted:
			signature = signPKCS1(t, signerPriv, paddedPlain[:payloadSize])
		default:
			signature = signPKCS1(t, signerPriv, bodyOnWire)
		}
	}

	flags := flagsFor(objType, checksum, encrypted, signOfEncrypted, signed, false)
	header := buildHeaderBytes(payloadSize, loadAddr, entryAddr, 0, 0, 0, flags, digest)

	return assembleRecord(t, header, signature, bodyOnWire)
}

// fakeFlash is an in-memory sbio.Flash backed by a concatenated byte stream.
type fakeFlash struct {
	data []byte
}

// ReadAt returns 0xFF bytes once off runs past the staged stream, the same
// way flash reads a blank-erased terminator region in spec §6's flash
// layout ("continues until a non-SBMG header is encountered").
func (f *fakeFlash) ReadAt(p []byte, off int64) error {
	if off < 0 || off > int64(len(f.data)) || int64(len(p)) > int64(len(f.data))-off {
		for i := range p {
			p[i] = 0xFF
		}
		return nil
	}

	copy(p, f.data[off:int64(len(p))+off])

	return nil
}

// fakeMemory is an in-memory sbio.Memory keyed by load address.
type fakeMemory struct {
	regions map[uint32][]byte
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{regions: make(map[uint32][]byte)}
}

func (m *fakeMemory) CopyIn(addr uint32, data []byte) error {
	m.regions[addr] = append([]byte(nil), data...)
	return nil
}

func (m *fakeMemory) Zero(addr uint32, size uint32) error {
	m.regions[addr] = make([]byte, size)
	return nil
}

// fakeExecutor records invocations instead of transferring control.
type fakeExecutor struct {
	execCalls     []uint32
	noReturnEntry uint32
	noReturnCalls int
}

func (e *fakeExecutor) Exec(entry uint32) error {
	e.execCalls = append(e.execCalls, entry)
	return nil
}

func (e *fakeExecutor) ExecNoReturn(entry uint32) {
	e.noReturnEntry = entry
	e.noReturnCalls++
}

// allowAllChecker accepts every load/exec address; used by tests that are
// not exercising spec §4.10's window logic (covered separately by
// memwindow's own tests).
type allowAllChecker struct{}

func (allowAllChecker) CheckLoad(addr, size uint32) error        { return nil }
func (allowAllChecker) CheckExec(addr, size, entry uint32) error { return nil }
