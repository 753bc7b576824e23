// Package xous defines the kernel's wire-level types: process, thread,
// server and connection identifiers, message envelopes, syscall results
// and the error taxonomy shared by the kernel and its hosted clients.
package xous

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// PID identifies an address space. PIDs are 1-indexed; PID 1 is the
// init/supervisor root. The zero value is "no process".
type PID uint8

// NoPID is the absent-process sentinel.
const NoPID PID = 0

// IsValid reports whether the PID refers to a real process slot.
func (p PID) IsValid() bool { return p != NoPID }

func (p PID) String() string { return fmt.Sprintf("PID%d", uint8(p)) }

// TID identifies one thread within a process. Valid TIDs are 1..=31;
// slot 0 is reserved for the trap/IRQ context.
type TID int

// CID is a per-process connection capability referring to a server.
// CIDs are process-local: the same integer in two processes' tables may
// name different servers. 0 is invalid and 1 is reserved for the
// process's own loopback connection.
type CID uint32

// NoCID is the invalid connection sentinel.
const NoCID CID = 0

// SID names a message-receiving endpoint. It is a 128-bit
// cryptographically random value, unforgeable by construction: knowing a
// server's SID is the only way to connect to it, so SIDs are never
// transmitted in the clear except to the trusted name resolver.
type SID [4]uint32

// NewSID mints a fresh random server ID from the uuid entropy pool.
func NewSID() SID {
	u := uuid.New()
	var s SID
	for i := 0; i < 4; i++ {
		s[i] = binary.LittleEndian.Uint32(u[i*4 : i*4+4])
	}
	return s
}

// SIDFromWords reconstructs a SID from its four word representation,
// the form it takes inside a syscall frame.
func SIDFromWords(a, b, c, d uintptr) SID {
	return SID{uint32(a), uint32(b), uint32(c), uint32(d)}
}

// Words returns the SID as four syscall argument words.
func (s SID) Words() (uintptr, uintptr, uintptr, uintptr) {
	return uintptr(s[0]), uintptr(s[1]), uintptr(s[2]), uintptr(s[3])
}

// IsZero reports whether the SID is the all-zero (unset) value.
func (s SID) IsZero() bool {
	return s[0] == 0 && s[1] == 0 && s[2] == 0 && s[3] == 0
}

// String renders a redacted form. Full SIDs never appear in logs.
func (s SID) String() string {
	return fmt.Sprintf("SID(..%04x)", uint16(s[3]))
}
