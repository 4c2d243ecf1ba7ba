// Package emuroot elevates processes inside a running Android emulator
// image to full root by rewriting credential structures in guest
// kernel memory over the emulator's GDB stub.
package emuroot

import (
	"context"
	"fmt"
)

// Address is a 32-bit guest kernel virtual address.
type Address uint32

func (a Address) String() string {
	return fmt.Sprintf("%#010x", uint32(a))
}

// TaskStructRef is the validated base address of a process's task
// structure in guest kernel memory.
type TaskStructRef Address

func (t TaskStructRef) String() string { return Address(t).String() }

// CredRef is the address of a process's credential structure in guest
// kernel memory.
type CredRef Address

func (c CredRef) String() string { return Address(c).String() }

// Kernel text and data live in the top gigabyte of the 32-bit address
// space. Name searches scan exactly that window.
const (
	SearchBase   Address = 0xc0000000
	SearchLength uint32  = 0x40000000
)

// DebugSession is a word-level view of guest kernel memory over a
// debug transport. Implementations serialize access internally; calls
// block until the transport answers or ctx is done.
type DebugSession interface {
	// ReadWord returns the 32-bit word at addr.
	ReadWord(ctx context.Context, addr Address) (uint32, error)

	// WriteWord stores value at addr.
	WriteWord(ctx context.Context, addr Address, value uint32) error

	// ReadCString returns the NUL-terminated string at addr exactly
	// as the transport renders it, including any quoting the
	// transport adds around the value. Callers normalize.
	ReadCString(ctx context.Context, addr Address) (string, error)

	// SearchBytes scans length bytes starting at start for pattern
	// and returns every match, lowest address first.
	SearchBytes(ctx context.Context, start Address, length uint32, pattern string) ([]Address, error)

	// Close tears down the transport. Calling Close more than once
	// is safe.
	Close() error
}

// DeviceShell runs a shell command on the target device and returns
// its combined output.
type DeviceShell interface {
	Shell(ctx context.Context, command string) (string, error)
}
