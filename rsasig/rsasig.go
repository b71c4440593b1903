// https://github.com/mcom03/sblimg
//
// Copyright (c) The mcom03-sbl Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package rsasig implements EMSA-PKCS1-v1.5 SHA-256 signature verification
// against a fixed RSA-3072 modulus size, per spec §4.3. No other padding
// scheme, digest algorithm, or modulus size is supported: the chain does
// not negotiate algorithms.
package rsasig

import (
	"bytes"
	"errors"

	"github.com/mcom03/sblimg/bigint"
	"github.com/mcom03/sblimg/hash256"
)

// ModulusLen is the fixed RSA modulus size in bytes (3072 bits).
const ModulusLen = 384

// digestInfoPrefix is the DER encoding of the SHA-256 DigestInfo AlgorithmIdentifier.
var digestInfoPrefix = []byte{0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20}

// ErrBadSignature reports any padding, prefix, length, or digest mismatch.
var ErrBadSignature = errors.New("rsasig: bad signature")

// PublicKey is the subset of an RSA public key the verifier needs.
type PublicKey struct {
	// N is the modulus, big-endian.
	N []byte
	// E is the public exponent, big-endian.
	E []byte
}

// recoverDigest raw-decrypts sig with pub and validates EMSA-PKCS1-v1.5
// padding, returning the embedded 32-byte digest. It mirrors sig_verify in
// the original sbexecutor.c exactly, including the "at least 8 bytes of
// 0xFF padding" rule.
func recoverDigest(sig []byte, pub PublicKey) (digest hash256.Digest, err error) {
	if len(sig) != ModulusLen {
		return digest, ErrBadSignature
	}

	n := bigint.FromBytes(pub.N)
	e := bigint.FromBytes(pub.E)
	s := bigint.FromBytes(sig)

	defer func() {
		n.Zeroize()
		e.Zeroize()
		s.Zeroize()
	}()

	decrypted := bigint.ModExp(s, e, n)
	defer decrypted.Zeroize()

	block := decrypted.Bytes(len(sig))

	minLen := 2 + 8 + 1 + len(digestInfoPrefix) + hash256.Size
	if len(block) < minLen {
		return digest, ErrBadSignature
	}

	if block[0] != 0x00 || block[1] != 0x01 {
		return digest, ErrBadSignature
	}

	i := 2
	padEnd := len(block) - 1 - len(digestInfoPrefix) - hash256.Size

	if padEnd-i < 8 {
		return digest, ErrBadSignature
	}

	for ; i < padEnd; i++ {
		if block[i] != 0xFF {
			return digest, ErrBadSignature
		}
	}

	if block[i] != 0x00 {
		return digest, ErrBadSignature
	}
	i++

	if !bytes.Equal(block[i:i+len(digestInfoPrefix)], digestInfoPrefix) {
		return digest, ErrBadSignature
	}
	i += len(digestInfoPrefix)

	copy(digest[:], block[i:i+hash256.Size])

	return digest, nil
}

// VerifyDigest verifies sig over a digest already computed by the caller
// (used for certificate signatures, whose TBS digest is computed while the
// certificate is parsed; see package sbimage's chain verification).
func VerifyDigest(digest hash256.Digest, sig []byte, pub PublicKey) error {
	recovered, err := recoverDigest(sig, pub)
	if err != nil {
		return err
	}

	if !recovered.Equal(digest) {
		return ErrBadSignature
	}

	return nil
}

// Verify computes the SHA-256 digest of data and verifies sig against it.
func Verify(data, sig []byte, pub PublicKey) error {
	return VerifyDigest(hash256.Sum(data), sig, pub)
}
