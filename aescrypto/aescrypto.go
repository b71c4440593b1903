// https://github.com/mcom03/sblimg
//
// Copyright (c) The mcom03-sbl Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package aescrypto implements the two AES-128 primitives the secure-boot
// chain needs: a raw ECB single-block encrypt (used only by key-encryption-
// key derivation, see package kek) and CBC decryption with the chain's fixed
// IV (used for the content-encryption key and for payload bodies).
package aescrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// KeyLen is the AES-128 key length in bytes.
const KeyLen = 16

// BlockLen is the AES block length in bytes.
const BlockLen = 16

// IV is the fixed initialization vector used for every CBC operation in the
// chain (spec §4.2): the constant is part of the wire format, not a
// per-message nonce.
var IV = [BlockLen]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10}

// ErrBadBlockLen reports a buffer whose length is not a multiple of
// BlockLen, or not exactly BlockLen for the ECB primitive.
var ErrBadBlockLen = errors.New("aescrypto: buffer length is not a multiple of the AES block size")

// ECBEncryptBlock encrypts exactly one 16-byte block under key using raw
// AES-128 ECB. This primitive is never used for payload or certificate
// data: it exists solely to build the two-stage KEK cascade of spec §4.5.
func ECBEncryptBlock(key, in []byte) (out []byte, err error) {
	if len(key) != KeyLen {
		return nil, errors.New("aescrypto: key must be 16 bytes")
	}

	if len(in) != BlockLen {
		return nil, ErrBadBlockLen
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	out = make([]byte, BlockLen)
	block.Encrypt(out, in)

	return out, nil
}

// CBCDecrypt decrypts buf in place under key using AES-128-CBC with the
// chain's fixed IV. len(buf) must be a positive multiple of BlockLen.
func CBCDecrypt(key, buf []byte) error {
	if len(key) != KeyLen {
		return errors.New("aescrypto: key must be 16 bytes")
	}

	if len(buf) == 0 || len(buf)%BlockLen != 0 {
		return ErrBadBlockLen
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}

	mode := cipher.NewCBCDecrypter(block, IV[:])
	mode.CryptBlocks(buf, buf)

	return nil
}

// Zeroize overwrites buf with zeroes. It is used on every secret buffer
// (derived keys, decrypted key material) as soon as it is no longer needed,
// per spec §5/§9: the primitive an optimizer must not be free to elide.
func Zeroize(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
