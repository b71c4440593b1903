// https://github.com/mcom03/sblimg
//
// Copyright (c) The mcom03-sbl Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sbimage

import (
	"errors"

	"github.com/mcom03/sblimg/certchain"
	"github.com/mcom03/sblimg/hash256"
	"github.com/mcom03/sblimg/rsasig"
)

// DefaultMaxIntermediateCerts is CONFIG_X509_MAX_CA_CERTS in the reference
// implementation.
const DefaultMaxIntermediateCerts = 8

// ChainState is the record-ordering state of spec §4.7.
type ChainState int

const (
	StateExpectRoot ChainState = iota
	StateExpectCertOrEndEntity
	StateExpectKeyOrPayload
	StateTerminated
)

var (
	ErrRootNotFirst         = errors.New("sbimage: root certificate must be the first record")
	ErrNonRootIsFirst       = errors.New("sbimage: non-root certificate seen before any root certificate")
	ErrTooManyCerts         = errors.New("sbimage: too many intermediate certificates")
	ErrEndEntityAlreadySeen = errors.New("sbimage: certificate record seen after the end-entity certificate")
	ErrNoParent             = errors.New("sbimage: no certificate in the chain matches this certificate's issuer")
	ErrPathLen              = errors.New("sbimage: pathLenConstraint violated")
	ErrKeyUsage             = errors.New("sbimage: certificate key usage is inconsistent with its basic constraints")
	ErrSignerNotCA          = errors.New("sbimage: resolved signer is not a certificate authority")
	ErrDuplicateCertID      = errors.New("sbimage: duplicate certificate id")
	ErrRootHashMismatch     = errors.New("sbimage: root certificate digest does not match the OTP root of trust")
	ErrSignerNotFound       = errors.New("sbimage: sign_cert_id does not match any accepted certificate")
)

type slot struct {
	cert   *certchain.Certificate
	certID uint32
}

// Chain is the certificate-chain state machine of spec §4.7, carried for
// the lifetime of one boot attempt.
type Chain struct {
	state ChainState

	capacity int

	root *certchain.Certificate

	intermediates  []slot
	endEntitySeen  bool
	endEntityIndex int
	pathLen        int

	encryptedKey []byte
	keyIndex     uint16
	hasKey       bool
}

// NewChain constructs a Chain with the given intermediate-certificate
// capacity. capacity <= 0 uses DefaultMaxIntermediateCerts.
func NewChain(capacity int) *Chain {
	if capacity <= 0 {
		capacity = DefaultMaxIntermediateCerts
	}

	return &Chain{state: StateExpectRoot, capacity: capacity}
}

// State returns the current state-machine state.
func (c *Chain) State() ChainState { return c.state }

// Root returns the accepted root certificate, or nil.
func (c *Chain) Root() *certchain.Certificate { return c.root }

// EndEntity returns the accepted end-entity certificate, or nil.
func (c *Chain) EndEntity() *certchain.Certificate {
	if !c.endEntitySeen {
		return nil
	}

	return c.intermediates[c.endEntityIndex].cert
}

// hasChain reports whether any certificate at all has been accepted.
func (c *Chain) hasChain() bool {
	return c.root != nil
}

func checkKeyUsageConsistency(cert *certchain.Certificate) error {
	if !cert.BasicConstraints.Present {
		return nil
	}

	if !cert.BasicConstraints.IsCA && cert.KeyUsage.Present && cert.KeyUsage.KeyCertSign {
		return ErrKeyUsage
	}

	return nil
}

// acceptRoot parses and validates a ROOT_CERT record (spec §4.7,
// SPEC_FULL.md §C.3): the root verifies its own signature against its own
// public key before its whole-certificate digest is compared to OTP.
func (c *Chain) acceptRoot(der []byte, rootHash [hash256.Size]byte) error {
	cert, err := certchain.Parse(der)
	if err != nil {
		return err
	}

	if !cert.IssuerDN.Equal(cert.SubjectDN) {
		return ErrNoParent
	}

	if err := rsasig.VerifyDigest(cert.TBSDigest, cert.Signature, cert.PublicKey); err != nil {
		return err
	}

	if err := checkKeyUsageConsistency(cert); err != nil {
		return err
	}

	if !cert.CertDigest.Equal(hash256.Digest(rootHash)) {
		return ErrRootHashMismatch
	}

	c.root = cert
	c.state = StateExpectCertOrEndEntity

	return nil
}

// findParent resolves a certificate's signer: the root if its subject DN
// matches, else the most recently accepted intermediate whose subject DN
// matches (spec §4.7: "preferring root ... else the most recently accepted
// intermediate").
func (c *Chain) findParent(issuer certchain.Name) (*certchain.Certificate, bool) {
	if c.root != nil && c.root.SubjectDN.Equal(issuer) {
		return c.root, true
	}

	for i := len(c.intermediates) - 1; i >= 0; i-- {
		if c.intermediates[i].cert.SubjectDN.Equal(issuer) {
			return c.intermediates[i].cert, true
		}
	}

	return nil, false
}

// acceptNonRoot parses and validates a NON_ROOT_CERT record.
func (c *Chain) acceptNonRoot(der []byte, certID uint32) error {
	if c.endEntitySeen {
		return ErrEndEntityAlreadySeen
	}

	if len(c.intermediates) >= c.capacity {
		return ErrTooManyCerts
	}

	if c.root == nil {
		return ErrNonRootIsFirst
	}

	for _, s := range c.intermediates {
		if s.certID == certID {
			return ErrDuplicateCertID
		}
	}

	cert, err := certchain.Parse(der)
	if err != nil {
		return err
	}

	parent, ok := c.findParent(cert.IssuerDN)
	if !ok {
		return ErrNoParent
	}

	if !parent.BasicConstraints.IsCA {
		return ErrSignerNotCA
	}

	if parent.KeyUsage.Present && !parent.KeyUsage.KeyCertSign {
		return ErrSignerNotCA
	}

	if err := rsasig.VerifyDigest(cert.TBSDigest, cert.Signature, parent.PublicKey); err != nil {
		return err
	}

	if err := checkKeyUsageConsistency(cert); err != nil {
		return err
	}

	if cert.BasicConstraints.Present && cert.BasicConstraints.IsCA &&
		(!cert.KeyUsage.Present || cert.KeyUsage.KeyCertSign) &&
		cert.BasicConstraints.PathLenConstraint+1 < c.pathLen {
		return ErrPathLen
	}

	c.intermediates = append(c.intermediates, slot{cert: cert, certID: certID})

	if !cert.BasicConstraints.IsCA {
		c.endEntitySeen = true
		c.endEntityIndex = len(c.intermediates) - 1
		c.state = StateExpectKeyOrPayload
	} else {
		c.pathLen++
	}

	return nil
}

// resolveSigner finds the intermediate slot whose cert_id equals
// signCertID; it fails closed if no slot matches within capacity
// (SET_CERT_NUMBER, SPEC_FULL.md §C.2).
func (c *Chain) resolveSigner(signCertID uint32) (*certchain.Certificate, error) {
	for _, s := range c.intermediates {
		if s.certID == signCertID {
			return s.cert, nil
		}
	}

	return nil, ErrSignerNotFound
}
