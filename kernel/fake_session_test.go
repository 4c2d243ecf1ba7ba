package kernel_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	emuroot "github.com/NicolaiSoeborg/android-emuroot"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	if os.Getenv("EMUROOT_TEST_LOG") == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeSession is an in-memory debug session. Tests seed words,
// strings and search results, and can script failures per address;
// every operation is recorded.
type fakeSession struct {
	mu       sync.Mutex
	words    map[emuroot.Address]uint32
	cstrings map[emuroot.Address]string
	matches  map[string][]emuroot.Address

	reads      []emuroot.Address
	writes     []memWrite
	searches   []string
	closeCount int

	// failReads counts down scripted malformed responses per address.
	failReads map[emuroot.Address]int
	failWrite map[emuroot.Address]error
	searchErr error
}

type memWrite struct {
	addr  emuroot.Address
	value uint32
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		words:     make(map[emuroot.Address]uint32),
		cstrings:  make(map[emuroot.Address]string),
		matches:   make(map[string][]emuroot.Address),
		failReads: make(map[emuroot.Address]int),
		failWrite: make(map[emuroot.Address]error),
	}
}

var _ emuroot.DebugSession = (*fakeSession)(nil)

func (f *fakeSession) ReadWord(_ context.Context, addr emuroot.Address) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, addr)

	if n := f.failReads[addr]; n > 0 {
		f.failReads[addr] = n - 1
		return 0, fmt.Errorf("scripted failure at %s: %w", addr, emuroot.ErrDebugMalformed)
	}
	value, ok := f.words[addr]
	if !ok {
		return 0, fmt.Errorf("no word seeded at %s: %w", addr, emuroot.ErrDebugMalformed)
	}
	return value, nil
}

func (f *fakeSession) WriteWord(_ context.Context, addr emuroot.Address, value uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, memWrite{addr: addr, value: value})

	if err := f.failWrite[addr]; err != nil {
		return err
	}
	f.words[addr] = value
	return nil
}

func (f *fakeSession) ReadCString(_ context.Context, addr emuroot.Address) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.cstrings[addr]
	if !ok {
		return "", fmt.Errorf("no string seeded at %s: %w", addr, emuroot.ErrDebugMalformed)
	}
	return value, nil
}

func (f *fakeSession) SearchBytes(_ context.Context, start emuroot.Address, length uint32, pattern string) ([]emuroot.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, pattern)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return slices.Clone(f.matches[pattern]), nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	return nil
}

func (f *fakeSession) readCountAt(addr emuroot.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, a := range f.reads {
		if a == addr {
			count++
		}
	}
	return count
}

func (f *fakeSession) recordedWrites() []memWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.writes)
}

func (f *fakeSession) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

// seedTask lays out a minimal task structure: a quoted name at the
// comm offset, the duplicate credential pointer pair before it and a
// parent pointer at the profile's distance.
func (f *fakeSession) seedTask(p emuroot.KernelProfile, base emuroot.Address, name string, parent emuroot.Address, cred uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	comm := base + emuroot.Address(p.CommOffset)
	f.cstrings[comm] = `"` + name + `"`
	f.words[comm-8] = cred
	f.words[comm-4] = cred
	f.words[comm-emuroot.Address(p.ParentOffset)] = uint32(parent)
}

func profileA(t *testing.T) emuroot.KernelProfile {
	t.Helper()
	p, err := emuroot.ResolveProfile(emuroot.Version{Major: 3, Minor: 4})
	require.NoError(t, err)
	return p
}
