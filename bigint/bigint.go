// https://github.com/mcom03/sblimg
//
// Copyright (c) The mcom03-sbl Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package bigint wraps math/big for the one numeric operation the chain
// verifier needs: modular exponentiation over moduli up to 3072 bits, with
// an explicit zeroization step the standard library does not provide.
//
// The original C implementation (third-party/crypto/bigint.c) keeps a
// scratch-value cache across calls and exposes bi_clear_cache to drop it;
// this package has no such cache (math/big allocates fresh words per call)
// but keeps the same call shape — Zeroize — so callers follow the same
// discipline the C source enforces: clear working values immediately after
// every verify.
package bigint

import "math/big"

// Int wraps a math/big.Int that may hold cryptographic secret or
// intermediate material and must be explicitly zeroized after use.
type Int struct {
	v *big.Int
}

// FromBytes imports a big-endian byte slice as an Int.
func FromBytes(b []byte) *Int {
	return &Int{v: new(big.Int).SetBytes(b)}
}

// ModExp computes (base^exp) mod m and returns the result as a new Int.
func ModExp(base, exp, m *Int) *Int {
	return &Int{v: new(big.Int).Exp(base.v, exp.v, m.v)}
}

// Bytes exports the Int as a big-endian byte slice padded (on the left)
// with zeroes to exactly size bytes. This mirrors bi_export's fixed-width
// block output, required because PKCS#1 padding validation is a byte-exact
// comparison against a block the size of the RSA modulus.
func (i *Int) Bytes(size int) []byte {
	raw := i.v.Bytes()

	if len(raw) > size {
		raw = raw[len(raw)-size:]
	}

	out := make([]byte, size)
	copy(out[size-len(raw):], raw)

	return out
}

// Zeroize scrubs the backing words of the Int so the imported/derived value
// does not linger in memory after a signature verification completes,
// matching bi_clear_cache's role in the original implementation (spec §4.3,
// §9).
func (i *Int) Zeroize() {
	if i == nil || i.v == nil {
		return
	}

	words := i.v.Bits()
	for j := range words {
		words[j] = 0
	}

	i.v.SetInt64(0)
}
