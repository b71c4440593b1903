// https://github.com/mcom03/sblimg
//
// Copyright (c) The mcom03-sbl Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sbimage

// Status is the result code vocabulary of spec §6. Session.Update and
// Session.Check return one; only StatusOK, StatusLoadFinish, and
// StatusLoadContinue are not terminal failures.
type Status int

const (
	StatusOK Status = iota
	StatusLoadFinish
	StatusLoadContinue
	StatusImageBadHeaderID
	StatusImageBadHeaderHash
	StatusImageBadType
	StatusRootCertIsNotFirst
	StatusRootCertX509Err
	StatusRootCertBadHash
	StatusRootCertRevoked
	StatusNonRootCertTooManyCerts
	StatusNonRootCertIsFirst
	StatusNonRootCertX509Err
	StatusEncKeyBadCertChain
	StatusEncKeyNoCertChain
	StatusEncKeyIsNotSigned
	StatusEncKeyBadHash
	StatusEncKeyBadSignature
	StatusPayloadHeaderErr
	StatusPayloadBadCertChain
	StatusPayloadNoCertChain
	StatusPayloadIsNotSigned
	StatusPayloadIsNotEncrypted
	StatusPayloadBadHash
	StatusPayloadBadSignature
	StatusPayloadBadFWCounter
	StatusMallocErr
)

var statusText = map[Status]string{
	StatusOK:                      "ok",
	StatusLoadFinish:              "load finish",
	StatusLoadContinue:            "load continue",
	StatusImageBadHeaderID:        "bad image header magic",
	StatusImageBadHeaderHash:      "bad image header hash",
	StatusImageBadType:            "bad image object type",
	StatusRootCertIsNotFirst:      "root certificate is not the first record",
	StatusRootCertX509Err:         "root certificate failed X.509 verification",
	StatusRootCertBadHash:         "root certificate hash does not match OTP root of trust",
	StatusRootCertRevoked:         "root certificate is revoked",
	StatusNonRootCertTooManyCerts: "too many intermediate certificates",
	StatusNonRootCertIsFirst:      "non-root certificate seen before a root certificate",
	StatusNonRootCertX509Err:      "non-root certificate failed X.509 verification",
	StatusEncKeyBadCertChain:      "encryption-key record seen before an end-entity certificate",
	StatusEncKeyNoCertChain:       "encryption-key record seen with no certificate chain at all",
	StatusEncKeyIsNotSigned:       "encryption-key record is not signed",
	StatusEncKeyBadHash:           "encryption-key digest mismatch",
	StatusEncKeyBadSignature:      "encryption-key signature verification failed",
	StatusPayloadHeaderErr:        "payload record header error",
	StatusPayloadBadCertChain:     "payload record seen before an end-entity certificate",
	StatusPayloadNoCertChain:      "payload record seen with no certificate chain at all",
	StatusPayloadIsNotSigned:      "payload is not signed but policy requires it",
	StatusPayloadIsNotEncrypted:   "payload is not encrypted but policy requires it",
	StatusPayloadBadHash:          "payload digest mismatch",
	StatusPayloadBadSignature:     "payload signature verification failed",
	StatusPayloadBadFWCounter:     "payload firmware counter below the configured minimum",
	StatusMallocErr:               "allocation error",
}

// DescribeStatus returns a human-readable diagnostic for s, the way
// sblimg_finish's diagnostic printer does (spec §7).
func DescribeStatus(s Status) string {
	if text, ok := statusText[s]; ok {
		return text
	}

	return "unknown status"
}
