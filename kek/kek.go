// https://github.com/mcom03/sblimg
//
// Copyright (c) The mcom03-sbl Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package kek derives the key-encryption-key used to unwrap a payload's
// content-encryption key, per spec §4.5: two cascaded AES-128-ECB
// encryptions seeded from the OTP device-unique key, the chip serial
// number, and a 16-bit key index carried in the image-record header.
package kek

import (
	"errors"

	"github.com/mcom03/sblimg/aescrypto"
)

// ErrBadLength reports a DUK, serial number, or encrypted CEK of the wrong
// size.
var ErrBadLength = errors.New("kek: device-unique key, serial number, or encrypted key has the wrong length")

// Derive computes the 16-byte KEK for duk (16 bytes), sn (4 bytes), and a
// 16-bit key index. The intermediate k1 value is zeroized before Derive
// returns, matching the original derrived_key's memset_s(k1, ...) call.
func Derive(duk, sn []byte, keyIndex uint16) (kekOut []byte, err error) {
	if len(duk) != aescrypto.KeyLen {
		return nil, ErrBadLength
	}

	if len(sn) != 4 {
		return nil, ErrBadLength
	}

	kh := byte(keyIndex >> 8)
	kl := byte(keyIndex)

	prekey1 := []byte{
		0x80, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, kh, kl,
	}

	prekey2 := []byte{
		sn[0], sn[1], sn[2], sn[3],
		0x00, 0x01, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		kh, kl, 0x00, 0x00,
	}

	k1, err := aescrypto.ECBEncryptBlock(duk, prekey1)
	if err != nil {
		return nil, err
	}
	defer aescrypto.Zeroize(k1)

	kekOut, err = aescrypto.ECBEncryptBlock(k1, prekey2)
	if err != nil {
		return nil, err
	}

	return kekOut, nil
}

// UnwrapCEK decrypts a 16-byte encrypted content-encryption key with the
// given KEK, using the chain's fixed CBC IV (spec §4.5).
func UnwrapCEK(kekKey, encryptedCEK []byte) (cek []byte, err error) {
	if len(encryptedCEK) != aescrypto.KeyLen {
		return nil, ErrBadLength
	}

	cek = append([]byte(nil), encryptedCEK...)

	if err = aescrypto.CBCDecrypt(kekKey, cek); err != nil {
		return nil, err
	}

	return cek, nil
}
