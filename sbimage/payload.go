// https://github.com/mcom03/sblimg
//
// Copyright (c) The mcom03-sbl Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sbimage

import (
	"errors"

	"github.com/mcom03/sblimg/aescrypto"
	"github.com/mcom03/sblimg/certchain"
	"github.com/mcom03/sblimg/hash256"
	"github.com/mcom03/sblimg/rsasig"
)

// ErrUnsignedUnchecked reports a payload that is neither signed nor
// checksummed, which spec §4.8 forbids outright.
var ErrUnsignedUnchecked = errors.New("sbimage: payload is neither signed nor checksummed")

// processPayload runs the verify/decrypt/checksum decision table of spec
// §4.8 over body (a private copy of the record's on-wire payload bytes)
// and returns the final plaintext. signer is the end-entity certificate;
// key, when non-nil, is the already-unwrapped 16-byte content-encryption
// key (required when header.Encrypted()).
//
// Operating on an in-process copy rather than the real load address lets
// Check run the identical decision table without ever touching sbio.Memory
// (see DESIGN.md component C8): Session commits the result to Memory only
// after every step here succeeds, and zeroizes the target on any failure.
func processPayload(header RecordHeader, body, signature []byte, signer *certchain.Certificate, key []byte) ([]byte, Status, error) {
	if !header.Signed() && !header.Checksum() {
		return nil, StatusPayloadHeaderErr, ErrUnsignedUnchecked
	}

	plaintext := append([]byte(nil), body...)

	switch {
	case !header.Encrypted():
		if header.Signed() {
			if err := verifyPayloadSignature(plaintext, signature, signer); err != nil {
				return nil, StatusPayloadBadSignature, err
			}
		} else {
			if err := checkPayloadDigest(plaintext[:header.PayloadSize], header.PayloadDigest); err != nil {
				return nil, StatusPayloadBadHash, err
			}
		}

	case header.Encrypted() && !header.SignOfEncrypted():
		if err := aescrypto.CBCDecrypt(key, plaintext); err != nil {
			return nil, StatusPayloadHeaderErr, err
		}

		if header.Signed() {
			if err := verifyPayloadSignature(plaintext[:header.PayloadSize], signature, signer); err != nil {
				aescrypto.Zeroize(plaintext)
				return nil, StatusPayloadBadSignature, err
			}
		} else {
			if err := checkPayloadDigest(plaintext[:header.PayloadSize], header.PayloadDigest); err != nil {
				aescrypto.Zeroize(plaintext)
				return nil, StatusPayloadBadHash, err
			}
		}

	case header.Encrypted() && header.SignOfEncrypted():
		// spec §3 / sbexecutor.c's image_handle chain for this case is
		// [verification, check, decipher]: both the signature and the
		// digest cover the full block-aligned ciphertext, and decryption
		// runs last.
		if err := verifyPayloadSignature(plaintext, signature, signer); err != nil {
			return nil, StatusPayloadBadSignature, err
		}

		if header.Checksum() {
			if err := checkPayloadDigest(plaintext, header.PayloadDigest); err != nil {
				return nil, StatusPayloadBadHash, err
			}
		}

		if err := aescrypto.CBCDecrypt(key, plaintext); err != nil {
			return nil, StatusPayloadHeaderErr, err
		}
	}

	return plaintext[:header.PayloadSize], StatusOK, nil
}

func verifyPayloadSignature(data, signature []byte, signer *certchain.Certificate) error {
	if signer == nil {
		return errors.New("sbimage: no end-entity certificate to verify payload signature")
	}

	return rsasig.Verify(data, signature, signer.PublicKey)
}

func checkPayloadDigest(data []byte, want [hash256.Size]byte) error {
	got := hash256.Sum(data)
	if !got.Equal(hash256.Digest(want)) {
		return errors.New("sbimage: payload digest mismatch")
	}

	return nil
}
