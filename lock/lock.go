// Package lock serializes elevation runs against one device using
// flock(2). The emulator's debug stub supports a single debugger, so
// two concurrent runs would interleave halted-guest sessions and
// staged helper files. The CLI takes a per-serial lock around each
// workflow.
//
// A RunScope is a capability, not a mutex: it cannot be constructed,
// locked or unlocked by callers, only received inside Run. Mutating
// workflows require the token, so unserialized patching does not
// compile.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// RunScope represents the dynamic execution region in which the
// per-device run lock is held.
type RunScope interface {
	// Path returns the lock file path (for logging/diagnostics).
	Path() string

	// runScopeMarker is unexported to prevent external implementations.
	runScopeMarker()
}

type runScope struct {
	f    *os.File
	path string
}

func (*runScope) runScopeMarker() {}

func (s *runScope) Path() string { return s.path }

// PathFor returns the lock file location for a device serial.
func PathFor(serial string) string {
	return filepath.Join(os.TempDir(), "emuroot-"+sanitize(serial)+".lock")
}

// sanitize keeps serials like "emulator-5554" readable while mapping
// anything path-hostile to underscores.
func sanitize(serial string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, serial)
}

// Run acquires the lock at lockPath, executes fn, then releases.
// Uses LOCK_EX|LOCK_NB with exponential backoff and respects ctx
// cancellation while waiting.
func Run(ctx context.Context, lockPath string, fn func(context.Context, RunScope) error) error {
	f, err := acquire(ctx, lockPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return fn(ctx, &runScope{f: f, path: lockPath})
}

func acquire(ctx context.Context, path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	backoff := 25 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if err != syscall.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("waiting for run lock %s: %w", path, ctx.Err())
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
