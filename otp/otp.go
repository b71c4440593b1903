// https://github.com/mcom03/sblimg
//
// Copyright (c) The mcom03-sbl Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package otp models the read-once one-time-programmable fuse snapshot the
// chain verifier is handed at Init and never re-reads (spec §3, §6).
package otp

// PolicyFlags are the OTP-fused policy bits (spec §3).
type PolicyFlags struct {
	// ForceSign requires every payload and encryption-key record to
	// carry a signature.
	ForceSign bool
	// ForceEncrypt requires every payload to be AES-CBC encrypted.
	ForceEncrypt bool
	// DisableLog suppresses diagnostic output (a collaborator concern;
	// carried here only because it is part of the fused bit layout).
	DisableLog bool
	// EnableWatchdog is consumed by the external watchdog collaborator,
	// not by this module (spec §5).
	EnableWatchdog bool
	// BootSecureEnable ("bs_en") mandates full verification regardless
	// of any header skip flag (spec §7).
	BootSecureEnable bool
}

// View is the OTP snapshot passed once to a Session at Init.
type View struct {
	// SerialNumber is the chip's 4-byte serial number.
	SerialNumber [4]byte
	// DeviceUniqueKey is the 16-byte fused AES key unique to the chip.
	DeviceUniqueKey [16]byte
	// RootOfTrustHash is the SHA-256 of the expected root certificate.
	RootOfTrustHash [32]byte
	// Flags are the fused policy bits.
	Flags PolicyFlags
	// FirmwareCounter is the anti-rollback counter (spec §3; compared
	// against MinFirmwareCounter, see package sbimage, per SPEC_FULL.md
	// §C.6).
	FirmwareCounter uint32
}
