// https://github.com/mcom03/sblimg
//
// Copyright (c) The mcom03-sbl Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package certchain parses a DER-encoded X.509 v3 certificate into the
// fixed record spec §4.4 calls for: issuer/subject distinguished names, the
// RSA public key, the TBS digest, the signature, the whole-certificate
// digest, and the two v3 extensions the chain verifier enforces
// (BasicConstraints, KeyUsage). Anything else in the certificate is parsed
// far enough to be skipped safely and then discarded.
//
// DER traversal uses golang.org/x/crypto/cryptobyte, which — unlike a
// struct-tag-based decoder — hands back the exact sub-slice of a parsed
// element, which is what TBS digesting needs (see DESIGN.md, component C4).
package certchain

import (
	stdasn1 "encoding/asn1"
	"errors"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/mcom03/sblimg/hash256"
	"github.com/mcom03/sblimg/rsasig"
)

// DefaultPathLenConstraint is the value spec §3 assigns when
// pathLenConstraint is absent from a CA's BasicConstraints extension.
const DefaultPathLenConstraint = 10000

// Errors returned by Parse.
var (
	ErrMalformed          = errors.New("certchain: malformed DER")
	ErrUnsupportedDigest  = errors.New("certchain: unsupported signature algorithm")
)

var (
	oidSHA256WithRSA      = stdasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidBasicConstraints   = stdasn1.ObjectIdentifier{2, 5, 29, 19}
	oidKeyUsage           = stdasn1.ObjectIdentifier{2, 5, 29, 15}
	oidSubjectAltName     = stdasn1.ObjectIdentifier{2, 5, 29, 17}
)

// keyCertSignBit is the bit position of the keyCertSign flag within the
// KeyUsage BIT STRING (X.509 §4.2.1.3): bit 0 is digitalSignature, bit 5 is
// keyCertSign.
const keyCertSignBit = 5

// Attribute is a single DN component, e.g. {CN, "Root CA"}.
type Attribute struct {
	OID   stdasn1.ObjectIdentifier
	Value string
}

// Name is a distinguished name: an ordered list of attributes. Comparison
// is the "deep string compare of the attribute array" spec §4.4 calls for.
type Name []Attribute

// Equal reports whether two names carry the same attributes in the same order.
func (n Name) Equal(other Name) bool {
	if len(n) != len(other) {
		return false
	}

	for i := range n {
		if !n[i].OID.Equal(other[i].OID) || n[i].Value != other[i].Value {
			return false
		}
	}

	return true
}

// BasicConstraints mirrors the X.509 v3 BasicConstraints extension.
type BasicConstraints struct {
	Present           bool
	IsCA              bool
	PathLenConstraint int
	Critical          bool
}

// KeyUsage mirrors the X.509 v3 KeyUsage extension, reduced to the single
// bit this chain verifier consults.
type KeyUsage struct {
	Present     bool
	KeyCertSign bool
	Critical    bool
}

// Certificate is the parsed form of an X.509 v3 DER certificate (spec §3).
type Certificate struct {
	IssuerDN  Name
	SubjectDN Name

	PublicKey rsasig.PublicKey

	TBSDigest  hash256.Digest
	Signature  []byte
	CertDigest hash256.Digest

	BasicConstraints BasicConstraints
	KeyUsage         KeyUsage
	HasSubjectAltName bool

	Raw []byte
}

// Parse parses a DER-encoded X.509 v3 certificate.
func Parse(der []byte) (*Certificate, error) {
	cert := &Certificate{
		Raw:        append([]byte(nil), der...),
		CertDigest: hash256.Sum(der),
	}

	input := cryptobyte.String(der)

	var certSeq cryptobyte.String
	if !input.ReadASN1(&certSeq, casn1.SEQUENCE) {
		return nil, ErrMalformed
	}

	var tbsRaw cryptobyte.String
	if !certSeq.ReadASN1Element(&tbsRaw, casn1.SEQUENCE) {
		return nil, ErrMalformed
	}
	cert.TBSDigest = hash256.Sum(tbsRaw)

	tbsCopy := tbsRaw

	var tbsContent cryptobyte.String
	if !tbsCopy.ReadASN1(&tbsContent, casn1.SEQUENCE) {
		return nil, ErrMalformed
	}

	if err := parseTBS(tbsContent, cert); err != nil {
		return nil, err
	}

	var outerSigAlg cryptobyte.String
	if !certSeq.ReadASN1(&outerSigAlg, casn1.SEQUENCE) {
		return nil, ErrMalformed
	}

	var sigBits []byte
	if !certSeq.ReadASN1BitStringAsBytes(&sigBits) {
		return nil, ErrMalformed
	}
	cert.Signature = sigBits

	return cert, nil
}

func parseTBS(tbs cryptobyte.String, cert *Certificate) error {
	var hasVersion bool
	var versionTag cryptobyte.String

	if !tbs.ReadOptionalASN1(&versionTag, &hasVersion, casn1.Tag(0).Constructed().ContextSpecific()) {
		return ErrMalformed
	}

	version := 0
	if hasVersion {
		if !versionTag.ReadASN1Integer(&version) {
			return ErrMalformed
		}
	}

	// serialNumber
	if !tbs.SkipASN1(casn1.INTEGER) {
		return ErrMalformed
	}

	// the TBS-embedded signature AlgorithmIdentifier
	var sigAlgSeq cryptobyte.String
	if !tbs.ReadASN1(&sigAlgSeq, casn1.SEQUENCE) {
		return ErrMalformed
	}

	var sigOID stdasn1.ObjectIdentifier
	if !sigAlgSeq.ReadASN1ObjectIdentifier(&sigOID) {
		return ErrMalformed
	}

	if !sigOID.Equal(oidSHA256WithRSA) {
		return ErrUnsupportedDigest
	}

	var issuerRaw cryptobyte.String
	if !tbs.ReadASN1Element(&issuerRaw, casn1.SEQUENCE) {
		return ErrMalformed
	}

	issuer, err := parseName(issuerRaw)
	if err != nil {
		return err
	}
	cert.IssuerDN = issuer

	// validity
	if !tbs.SkipASN1(casn1.SEQUENCE) {
		return ErrMalformed
	}

	var subjectRaw cryptobyte.String
	if !tbs.ReadASN1Element(&subjectRaw, casn1.SEQUENCE) {
		return ErrMalformed
	}

	subject, err := parseName(subjectRaw)
	if err != nil {
		return err
	}
	cert.SubjectDN = subject

	var spkiRaw cryptobyte.String
	if !tbs.ReadASN1Element(&spkiRaw, casn1.SEQUENCE) {
		return ErrMalformed
	}

	pub, err := parsePublicKey(spkiRaw)
	if err != nil {
		return err
	}
	cert.PublicKey = pub

	// issuerUniqueID [1] IMPLICIT, subjectUniqueID [2] IMPLICIT — optional, discarded.
	var ignoredPresent bool
	var ignored cryptobyte.String

	if !tbs.ReadOptionalASN1(&ignored, &ignoredPresent, casn1.Tag(1).ContextSpecific()) {
		return ErrMalformed
	}

	if !tbs.ReadOptionalASN1(&ignored, &ignoredPresent, casn1.Tag(2).ContextSpecific()) {
		return ErrMalformed
	}

	var extPresent bool
	var extTag cryptobyte.String

	if !tbs.ReadOptionalASN1(&extTag, &extPresent, casn1.Tag(3).Constructed().ContextSpecific()) {
		return ErrMalformed
	}

	// spec §4.4: extensions are only processed when version == 2 (v3).
	if extPresent && version == 2 {
		if err := parseExtensions(extTag, cert); err != nil {
			return err
		}
	}

	return nil
}

func parseName(raw cryptobyte.String) (Name, error) {
	var content cryptobyte.String
	if !raw.ReadASN1(&content, casn1.SEQUENCE) {
		return nil, ErrMalformed
	}

	var name Name

	for !content.Empty() {
		var rdnSet cryptobyte.String
		if !content.ReadASN1(&rdnSet, casn1.SET) {
			return nil, ErrMalformed
		}

		for !rdnSet.Empty() {
			var atv cryptobyte.String
			if !rdnSet.ReadASN1(&atv, casn1.SEQUENCE) {
				return nil, ErrMalformed
			}

			var oid stdasn1.ObjectIdentifier
			if !atv.ReadASN1ObjectIdentifier(&oid) {
				return nil, ErrMalformed
			}

			var valueTag casn1.Tag
			var value cryptobyte.String

			if !atv.ReadAnyASN1(&value, &valueTag) {
				return nil, ErrMalformed
			}

			name = append(name, Attribute{OID: oid, Value: string(value)})
		}
	}

	return name, nil
}

func parsePublicKey(raw cryptobyte.String) (pub rsasig.PublicKey, err error) {
	var spki cryptobyte.String
	if !raw.ReadASN1(&spki, casn1.SEQUENCE) {
		return pub, ErrMalformed
	}

	var algSeq cryptobyte.String
	if !spki.ReadASN1(&algSeq, casn1.SEQUENCE) {
		return pub, ErrMalformed
	}

	var keyBits []byte
	if !spki.ReadASN1BitStringAsBytes(&keyBits) {
		return pub, ErrMalformed
	}

	rsaPub := cryptobyte.String(keyBits)

	var rsaSeq cryptobyte.String
	if !rsaPub.ReadASN1(&rsaSeq, casn1.SEQUENCE) {
		return pub, ErrMalformed
	}

	var modulus, exponent big.Int

	if !rsaSeq.ReadASN1Integer(&modulus) {
		return pub, ErrMalformed
	}

	if !rsaSeq.ReadASN1Integer(&exponent) {
		return pub, ErrMalformed
	}

	pub.N = modulus.Bytes()
	pub.E = exponent.Bytes()

	return pub, nil
}

func parseExtensions(raw cryptobyte.String, cert *Certificate) error {
	var content cryptobyte.String
	if !raw.ReadASN1(&content, casn1.SEQUENCE) {
		return ErrMalformed
	}

	for !content.Empty() {
		var ext cryptobyte.String
		if !content.ReadASN1(&ext, casn1.SEQUENCE) {
			return ErrMalformed
		}

		var oid stdasn1.ObjectIdentifier
		if !ext.ReadASN1ObjectIdentifier(&oid) {
			return ErrMalformed
		}

		critical := false
		if ext.PeekASN1Tag(casn1.BOOLEAN) {
			if !ext.ReadASN1Boolean(&critical) {
				return ErrMalformed
			}
		}

		var octet cryptobyte.String
		if !ext.ReadASN1(&octet, casn1.OCTET_STRING) {
			return ErrMalformed
		}
		value := []byte(octet)

		switch {
		case oid.Equal(oidBasicConstraints):
			bc, err := parseBasicConstraints(value, critical)
			if err != nil {
				return err
			}
			cert.BasicConstraints = bc

		case oid.Equal(oidKeyUsage):
			ku, err := parseKeyUsage(value, critical)
			if err != nil {
				return err
			}
			cert.KeyUsage = ku

		case oid.Equal(oidSubjectAltName):
			cert.HasSubjectAltName = true
		}
	}

	return nil
}

func parseBasicConstraints(value []byte, critical bool) (BasicConstraints, error) {
	bc := BasicConstraints{
		Present:           true,
		PathLenConstraint: DefaultPathLenConstraint,
		Critical:          critical,
	}

	s := cryptobyte.String(value)

	var content cryptobyte.String
	if !s.ReadASN1(&content, casn1.SEQUENCE) {
		return bc, ErrMalformed
	}

	if content.PeekASN1Tag(casn1.BOOLEAN) {
		if !content.ReadASN1Boolean(&bc.IsCA) {
			return bc, ErrMalformed
		}
	}

	if !content.Empty() {
		var pathLen int
		if !content.ReadASN1Integer(&pathLen) {
			return bc, ErrMalformed
		}
		bc.PathLenConstraint = pathLen
	}

	return bc, nil
}

func parseKeyUsage(value []byte, critical bool) (KeyUsage, error) {
	ku := KeyUsage{Present: true, Critical: critical}

	s := cryptobyte.String(value)

	var bits stdasn1.BitString
	if !s.ReadASN1BitString(&bits) {
		return ku, ErrMalformed
	}

	ku.KeyCertSign = bits.At(keyCertSignBit) == 1

	return ku, nil
}
