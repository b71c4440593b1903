// https://github.com/mcom03/sblimg
//
// Copyright (c) The mcom03-sbl Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sbio defines the capability interfaces a host environment injects
// into the chain verifier: the flash stream reader, the memory-copy target,
// and the load/entry-address legality predicates (spec §6, §9 "dynamic
// dispatch → capability record").
package sbio

// Flash is the read-only image stream. ReadAt must read exactly len(p)
// bytes starting at off, or return an error — short reads are treated as
// I/O failure, never silently tolerated (spec §6, §7 class 4).
type Flash interface {
	ReadAt(p []byte, off int64) error
}

// Memory is the target address space the verifier copies payload bytes
// into. CopyIn writes data starting at addr; Zero clears size bytes
// starting at addr (used to scrub a partially-processed payload on
// failure, spec §4.8, §7).
type Memory interface {
	CopyIn(addr uint32, data []byte) error
	Zero(addr uint32, size uint32) error
}

// AddressChecker implements the secure-region predicates of spec §4.10.
type AddressChecker interface {
	// CheckLoad reports an error if [addr, addr+size) is not entirely
	// within an allow-listed loadable window, or overlaps a reserved
	// window.
	CheckLoad(addr, size uint32) error
	// CheckExec reports an error unless entry lies within
	// [addr, addr+size).
	CheckExec(addr, size, entry uint32) error
}

// Executor transfers control to a loaded payload. Exec is used for
// PAYLOAD_WITH_RETURN (spec §4.8: "a plain function call expected to
// return"); ExecNoReturn is used only from Session.Finish for
// PAYLOAD_NO_RETURN and must never return control to the caller.
type Executor interface {
	Exec(entry uint32) error
	ExecNoReturn(entry uint32)
}
