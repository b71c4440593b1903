// https://github.com/mcom03/sblimg
//
// Copyright (c) The mcom03-sbl Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hash256 provides the SHA-256 digest used throughout the
// secure-boot chain verifier: header self-hash, payload digest, and
// certificate TBS/whole-certificate digest. The algorithm is fixed by
// design (spec §1 "SHA-256 and RSA-3072 are fixed") so this package is a
// thin wrapper, not a negotiable hash interface. Digests are computed in a
// single call over a complete buffer; there is no incremental
// (init/update/final) interface.
package hash256

import (
	"crypto/sha256"
)

// Size is the length in bytes of a SHA-256 digest.
const Size = sha256.Size

// Digest is a 32-byte SHA-256 digest.
type Digest [Size]byte

// Sum computes the SHA-256 digest of data in a single call.
func Sum(data []byte) Digest {
	return sha256.Sum256(data)
}

// Equal reports whether two digests are identical.
func (d Digest) Equal(other Digest) bool {
	return d == other
}

// Bytes returns the digest as a byte slice.
func (d Digest) Bytes() []byte {
	return d[:]
}
