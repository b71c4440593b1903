// https://github.com/mcom03/sblimg
//
// Copyright (c) The mcom03-sbl Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sbimage

import (
	"errors"
	"fmt"

	"github.com/mcom03/sblimg/aescrypto"
	"github.com/mcom03/sblimg/kek"
	"github.com/mcom03/sblimg/otp"
	"github.com/mcom03/sblimg/rsasig"
	"github.com/mcom03/sblimg/sbio"
)

// ErrSessionTerminated is returned by Update/Check once a prior call
// has already moved the chain state to TERMINATED (spec §4.9, §5
// "cancellation").
var ErrSessionTerminated = errors.New("sbimage: session already terminated")

// Session is the boot orchestrator of spec §4.9 (C9): it owns the chain
// state for one boot attempt and drives it one record at a time through the
// host-supplied capabilities.
type Session struct {
	// Flash is the image stream. Required.
	Flash sbio.Flash
	// Memory is the load-address target. Required (Init panics when it is
	// nil), although only Update writes to it; Check never touches it.
	Memory sbio.Memory
	// Checker enforces the secure-region predicates of spec §4.10. Required.
	Checker sbio.AddressChecker
	// Executor transfers control to loaded payloads. Required.
	Executor sbio.Executor

	// OTP is the fuse snapshot handed to the session at Init and never
	// re-read afterward (spec §6).
	OTP otp.View

	// MaxIntermediateCerts overrides DefaultMaxIntermediateCerts when
	// non-zero.
	MaxIntermediateCerts int

	// MinFirmwareCounter, when non-zero, fails any payload record if
	// OTP.FirmwareCounter is below it (SPEC_FULL.md §C.6, anti-rollback).
	MinFirmwareCounter uint32

	chain  *Chain
	offset int64

	noReturnHeader *RecordHeader
}

// Init resets the session to EXPECT_ROOT at the given stream offset
// (spec §4.9's sblimg_init). It panics if a required capability was left
// nil, mirroring the teacher's fail-fast Init convention for misconfigured
// hardware drivers.
func (s *Session) Init(offset int64) {
	if s.Flash == nil {
		panic("sbimage: Session.Flash is nil")
	}

	if s.Memory == nil {
		panic("sbimage: Session.Memory is nil")
	}

	if s.Checker == nil {
		panic("sbimage: Session.Checker is nil")
	}

	if s.Executor == nil {
		panic("sbimage: Session.Executor is nil")
	}

	s.chain = NewChain(s.MaxIntermediateCerts)
	s.offset = offset
	s.noReturnHeader = nil
}

// State returns the current chain state.
func (s *Session) State() ChainState {
	return s.chain.State()
}

// Update consumes exactly one record, committing verified payloads to
// Memory and executing PAYLOAD_WITH_RETURN entry points (spec §4.9's
// sblimg_update).
func (s *Session) Update() (Status, error) {
	return s.step(true)
}

// Check consumes exactly one record without ever writing to Memory or
// transferring control, the dry-run variant used when OTP.Flags.
// BootSecureEnable is not asserted (spec §4.9's sblimg_check).
func (s *Session) Check() (Status, error) {
	return s.step(false)
}

// Abort transitions the session to TERMINATED and zeroizes secret material
// without inspecting or reporting a status (spec §5, sblimg_abort).
func (s *Session) Abort() {
	s.chain.state = StateTerminated
	s.zeroizeSecrets()
}

// Finish is the noreturn boot handoff of spec §4.9's sblimg_finish: given
// the last status Update returned, it either executes the final
// PAYLOAD_NO_RETURN's entry point or reports the failure. Finish always
// zeroizes secret material before returning control to its caller, and the
// caller is expected never to resume the session afterward.
func (s *Session) Finish(last Status) error {
	defer s.zeroizeSecrets()

	if last != StatusLoadFinish {
		return fmt.Errorf("sbimage: boot attempt failed: %s", DescribeStatus(last))
	}

	if s.noReturnHeader == nil {
		return errors.New("sbimage: LOAD_FINISH reported with no pending entry point")
	}

	h := *s.noReturnHeader

	if err := s.Checker.CheckExec(h.LoadAddr, h.PayloadSize, h.EntryAddr); err != nil {
		return fmt.Errorf("sbimage: finish: %w", err)
	}

	s.Executor.ExecNoReturn(h.EntryAddr)

	return nil
}

func (s *Session) zeroizeSecrets() {
	aescrypto.Zeroize(s.chain.encryptedKey)

	for i := range s.OTP.DeviceUniqueKey {
		s.OTP.DeviceUniqueKey[i] = 0
	}
}

func (s *Session) fail(status Status, err error) (Status, error) {
	s.chain.state = StateTerminated
	s.zeroizeSecrets()

	return status, err
}

// step reads and dispatches one record. commit selects Update's
// write-and-execute behavior versus Check's verify-only dry run.
func (s *Session) step(commit bool) (Status, error) {
	// Defensive only: the documented orchestrator loop (spec §4.9) never
	// calls Update/Check again once a non-OK/LOAD_CONTINUE status is
	// returned, so this guards against caller misuse rather than any
	// reachable boot scenario.
	if s.chain.state == StateTerminated {
		return StatusImageBadType, ErrSessionTerminated
	}

	rec, next, err := ReadRecord(s.Flash, s.offset)
	if err != nil {
		return s.fail(StatusImageBadHeaderID, err)
	}

	if err := s.checkHeaderHash(rec); err != nil {
		return s.fail(StatusImageBadHeaderHash, err)
	}

	s.offset = next

	if !s.chain.hasChain() {
		switch rec.Header.ObjectType() {
		case ObjectEncryptionKey, ObjectPayloadNoReturn, ObjectPayloadWithReturn, ObjectPayloadNoExec:
			return s.fail(StatusRootCertIsNotFirst, ErrRootNotFirst)
		}
	}

	switch rec.Header.ObjectType() {
	case ObjectRootCert:
		return s.handleRootCert(rec)
	case ObjectNonRootCert:
		return s.handleNonRootCert(rec)
	case ObjectEncryptionKey:
		return s.handleEncryptionKey(rec)
	case ObjectPayloadNoReturn, ObjectPayloadWithReturn, ObjectPayloadNoExec:
		return s.handlePayload(rec, commit)
	default:
		return s.fail(StatusImageBadType, fmt.Errorf("sbimage: unknown object type %d", rec.Header.ObjectType()))
	}
}

// checkHeaderHash honors skip_header_hash only while OTP.Flags.
// BootSecureEnable is clear (spec §7's "skip-header-hash interaction"); the
// reference C macro honors the flag unconditionally, but the spec's
// explicit policy requires gating it on bs_en, so this session layer
// applies the gate rather than record.go's pure decode/hash helpers.
func (s *Session) checkHeaderHash(rec *Record) error {
	if rec.Header.SkipHeaderHash() && !s.OTP.Flags.BootSecureEnable {
		return nil
	}

	return verifyHeaderHash(rec.HeaderRaw, rec.Header)
}

func (s *Session) handleRootCert(rec *Record) (Status, error) {
	if s.chain.state != StateExpectRoot {
		return s.fail(StatusRootCertIsNotFirst, ErrRootNotFirst)
	}

	if err := s.chain.acceptRoot(rec.Body, s.OTP.RootOfTrustHash); err != nil {
		if errors.Is(err, ErrRootHashMismatch) {
			return s.fail(StatusRootCertBadHash, err)
		}

		return s.fail(StatusRootCertX509Err, err)
	}

	return StatusOK, nil
}

func (s *Session) handleNonRootCert(rec *Record) (Status, error) {
	err := s.chain.acceptNonRoot(rec.Body, rec.Header.CertID)
	if err == nil {
		return StatusOK, nil
	}

	switch {
	case errors.Is(err, ErrTooManyCerts):
		return s.fail(StatusNonRootCertTooManyCerts, err)
	case errors.Is(err, ErrNonRootIsFirst):
		return s.fail(StatusNonRootCertIsFirst, err)
	case errors.Is(err, ErrEndEntityAlreadySeen):
		return s.fail(StatusNonRootCertX509Err, err)
	default:
		// duplicate cert id, no matching parent, parent not a CA,
		// bad signature, key-usage mismatch, path-length violation,
		// or a malformed certificate all fold into the same generic
		// X.509 failure, matching the reference implementation.
		return s.fail(StatusNonRootCertX509Err, err)
	}
}

func (s *Session) handleEncryptionKey(rec *Record) (Status, error) {
	if s.chain.EndEntity() == nil {
		return s.fail(StatusEncKeyBadCertChain, errors.New("sbimage: encryption-key record seen before an end-entity certificate"))
	}

	if s.OTP.Flags.ForceSign && !rec.Header.Signed() {
		return s.fail(StatusEncKeyIsNotSigned, errors.New("sbimage: encryption-key record is not signed but policy requires it"))
	}

	signer, err := s.chain.resolveSigner(rec.Header.SignCertID)
	if err != nil {
		// the reference implementation's SET_CERT_NUMBER linear scan
		// reports capacity exhaustion, not "not found", for this case.
		return s.fail(StatusNonRootCertTooManyCerts, err)
	}

	if err := rsasig.Verify(rec.Body, rec.Signature, signer.PublicKey); err != nil {
		return s.fail(StatusEncKeyBadSignature, err)
	}

	s.chain.encryptedKey = append([]byte(nil), rec.Body...)
	s.chain.keyIndex = uint16(rec.Header.KeyIndex)
	s.chain.hasKey = true

	return StatusOK, nil
}

func (s *Session) handlePayload(rec *Record, commit bool) (Status, error) {
	if s.chain.EndEntity() == nil {
		return s.fail(StatusPayloadBadCertChain, errors.New("sbimage: payload record seen before an end-entity certificate"))
	}

	if s.OTP.Flags.ForceSign && !rec.Header.Signed() {
		return s.fail(StatusPayloadIsNotSigned, errors.New("sbimage: payload is not signed but policy requires it"))
	}

	if s.OTP.Flags.ForceEncrypt && !rec.Header.Encrypted() {
		return s.fail(StatusPayloadIsNotEncrypted, errors.New("sbimage: payload is not encrypted but policy requires it"))
	}

	if s.MinFirmwareCounter > 0 && s.OTP.FirmwareCounter < s.MinFirmwareCounter {
		return s.fail(StatusPayloadBadFWCounter, errors.New("sbimage: firmware counter below the configured minimum"))
	}

	if commit {
		if err := s.Checker.CheckLoad(rec.Header.LoadAddr, rec.Header.PayloadSize); err != nil {
			return s.fail(StatusPayloadHeaderErr, err)
		}
	}

	var key []byte

	if rec.Header.Encrypted() {
		if !s.chain.hasKey {
			return s.fail(StatusPayloadHeaderErr, errors.New("sbimage: no encryption key loaded"))
		}

		derived, err := kek.Derive(s.OTP.DeviceUniqueKey[:], s.OTP.SerialNumber[:], s.chain.keyIndex)
		if err != nil {
			return s.fail(StatusPayloadHeaderErr, err)
		}
		defer aescrypto.Zeroize(derived)

		cek, err := kek.UnwrapCEK(derived, s.chain.encryptedKey)
		if err != nil {
			return s.fail(StatusPayloadHeaderErr, err)
		}
		defer aescrypto.Zeroize(cek)

		key = cek
	}

	plaintext, status, err := processPayload(rec.Header, rec.Body, rec.Signature, s.chain.EndEntity(), key)
	if err != nil {
		if commit {
			if zerr := s.Memory.Zero(rec.Header.LoadAddr, rec.Header.PayloadSize); zerr != nil {
				err = fmt.Errorf("%w (zeroize also failed: %v)", err, zerr)
			}
		}

		return s.fail(status, err)
	}

	objType := rec.Header.ObjectType()

	if !commit {
		// Check is a pure verification dry run: the stream naturally ends
		// at a NO_RETURN payload since nothing would follow a jump in a
		// real boot, so it stops the scan here without signaling
		// LOAD_FINISH (there is no Finish handoff in a dry run).
		if objType == ObjectPayloadNoReturn {
			s.chain.state = StateTerminated
		}

		return StatusOK, nil
	}

	if err := s.Memory.CopyIn(rec.Header.LoadAddr, plaintext); err != nil {
		return s.fail(StatusPayloadHeaderErr, err)
	}

	switch objType {
	case ObjectPayloadWithReturn:
		if err := s.Checker.CheckExec(rec.Header.LoadAddr, rec.Header.PayloadSize, rec.Header.EntryAddr); err != nil {
			return s.fail(StatusPayloadHeaderErr, err)
		}

		if err := s.Executor.Exec(rec.Header.EntryAddr); err != nil {
			return s.fail(StatusPayloadHeaderErr, err)
		}

		return StatusLoadContinue, nil

	case ObjectPayloadNoReturn:
		h := rec.Header
		s.noReturnHeader = &h
		s.chain.state = StateTerminated

		return StatusLoadFinish, nil

	default: // ObjectPayloadNoExec
		return StatusOK, nil
	}
}
