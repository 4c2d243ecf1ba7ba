package emuroot

import (
	"errors"
	"fmt"
)

// Transport and device failures that carry no extra context are
// sentinels; match them with errors.Is.
var (
	// ErrDebugUnreachable is returned when the GDB stub does not
	// accept the connection.
	ErrDebugUnreachable = errors.New("debug stub unreachable")

	// ErrDebugTimeout is returned when the stub accepts a command
	// but no response arrives within the deadline.
	ErrDebugTimeout = errors.New("debug response timed out")

	// ErrDebugMalformed is returned when a response arrives but
	// does not parse.
	ErrDebugMalformed = errors.New("malformed debug response")

	// ErrDebugUnreliable is returned when a re-issued read comes
	// back malformed a second time. The session is closed before
	// this error is returned; no further patching is attempted.
	ErrDebugUnreliable = errors.New("debug channel unreliable")

	// ErrDeviceUnreachable is returned when the adb server or the
	// selected device cannot be reached.
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrProcessNotRunning is returned when the target process does
	// not appear in the device's process list.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrStagerNotReady is returned when the staged helper does not
	// reach the expected state in time, either during install or
	// while waiting for its payload to finish.
	ErrStagerNotReady = errors.New("stager not ready")
)

// ErrUnsupportedVersion is returned when no layout profile covers the
// target's kernel version.
type ErrUnsupportedVersion struct {
	Version Version
}

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("kernel version %s has no layout profile", e.Version)
}

// ErrStructNotFound is returned when no candidate from a kernel memory
// search survives validation as a task structure.
type ErrStructNotFound struct {
	Name string
}

func (e ErrStructNotFound) Error() string {
	return fmt.Sprintf("no task structure found for process %q", e.Name)
}

// ErrAncestorNotFound is returned when walking the parent chain does
// not reach the named process within the depth bound.
type ErrAncestorNotFound struct {
	Name  string
	Depth int
}

func (e ErrAncestorNotFound) Error() string {
	return fmt.Sprintf("no ancestor named %q within %d parent links", e.Name, e.Depth)
}

// ErrPatchWrite wraps a transport failure during a credential write
// and records the address that could not be patched.
type ErrPatchWrite struct {
	Addr Address
	Err  error
}

func (e ErrPatchWrite) Error() string {
	return fmt.Sprintf("patch word at %s: %v", e.Addr, e.Err)
}

func (e ErrPatchWrite) Unwrap() error { return e.Err }
