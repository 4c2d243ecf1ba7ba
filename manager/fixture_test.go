package manager_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	emuroot "github.com/NicolaiSoeborg/android-emuroot"
	"github.com/NicolaiSoeborg/android-emuroot/lock"
	"github.com/NicolaiSoeborg/android-emuroot/manager"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	if os.Getenv("EMUROOT_TEST_LOG") == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Staged file paths as the workflows issue them over the shell.
const (
	payloadPath = "/data/local/tmp/load.sh"
	helperPath  = "/data/local/tmp/STAGER"
)

// fakeShell is an in-memory device shell. Every command is recorded;
// process listings come from a scripted sequence and the stager
// launch can be held open to simulate a payload that never finishes.
type fakeShell struct {
	mu       sync.Mutex
	commands []string

	// psOutputs is consumed one entry per process listing; the last
	// entry repeats.
	psOutputs []string

	// responses answers exact commands, checked before the defaults.
	responses map[string]string

	// launchGate, when set, blocks the stager launch until closed.
	launchGate chan struct{}

	failOn map[string]error
}

func newFakeShell() *fakeShell {
	return &fakeShell{
		responses: make(map[string]string),
		failOn:    make(map[string]error),
	}
}

var _ emuroot.DeviceShell = (*fakeShell)(nil)

func (f *fakeShell) Shell(ctx context.Context, command string) (string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)

	for prefix, err := range f.failOn {
		if strings.HasPrefix(command, prefix) {
			f.mu.Unlock()
			return "", err
		}
	}

	if out, ok := f.responses[command]; ok {
		f.mu.Unlock()
		return out, nil
	}

	if command == "ps" || strings.HasPrefix(command, "ps ") {
		var out string
		if len(f.psOutputs) > 0 {
			out = f.psOutputs[0]
			if len(f.psOutputs) > 1 {
				f.psOutputs = f.psOutputs[1:]
			}
		}
		f.mu.Unlock()
		return out, nil
	}

	gate := f.launchGate
	isLaunch := strings.HasPrefix(command, helperPath+" ")
	f.mu.Unlock()

	if isLaunch && gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", nil
}

func (f *fakeShell) recordedCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.commands)
}

// fakeSession is the in-memory debug session the manager patches
// through. Tests seed words, strings and search matches; writes are
// recorded in issue order.
type fakeSession struct {
	mu       sync.Mutex
	words    map[emuroot.Address]uint32
	cstrings map[emuroot.Address]string
	matches  map[string][]emuroot.Address

	writes     []memWrite
	closeCount int

	failWrite map[emuroot.Address]error
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
		failWrite: make(map[emuroot.Address]error),
	}
}

var _ emuroot.DebugSession = (*fakeSession)(nil)

func (f *fakeSession) ReadWord(_ context.Context, addr emuroot.Address) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeSession) SearchBytes(_ context.Context, _ emuroot.Address, _ uint32, pattern string) ([]emuroot.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.matches[pattern]), nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	return nil
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

// testFixture wires a Manager to fake device and debug endpoints.
type testFixture struct {
	Manager *manager.Manager
	Shell   *fakeShell
	Session *fakeSession
	Profile emuroot.KernelProfile

	t       *testing.T
	mu      sync.Mutex
	dialed  int
	dialErr error
}

func newTestFixture(t *testing.T, opts manager.Options) *testFixture {
	t.Helper()
	profile, err := emuroot.ResolveProfile(emuroot.Version{Major: 3, Minor: 4})
	require.NoError(t, err)

	f := &testFixture{
		Shell:   newFakeShell(),
		Session: newFakeSession(),
		Profile: profile,
		t:       t,
	}
	dial := func(context.Context) (emuroot.DebugSession, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.dialed++
		if f.dialErr != nil {
			return nil, f.dialErr
		}
		return f.Session, nil
	}
	f.Manager = manager.New(f.Shell, dial, profile, opts, testLogger(t))
	return f
}

// stagedOptions keeps staged workflow tests fast.
func stagedOptions() manager.Options {
	return manager.Options{
		StagerReadyTimeout: time.Second,
		StagerExitTimeout:  time.Second,
		LivenessInterval:   time.Millisecond,
		LivenessAttempts:   10,
	}
}

func (f *testFixture) dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dialed
}

// runLocked executes fn under a throwaway run lock, the way the CLI
// wraps every mutating workflow.
func (f *testFixture) runLocked(fn func(ctx context.Context, scope lock.RunScope) error) error {
	f.t.Helper()
	return lock.Run(context.Background(), filepath.Join(f.t.TempDir(), "run.lock"), fn)
}

// seedStagedChain lays out STAGER -> sh -> adbd with the stager's
// name as the only search match, and marks the stager alive in the
// process list.
func (f *testFixture) seedStagedChain() (stagerCred, adbdCred emuroot.CredRef) {
	p := f.Profile
	const (
		stagerBase = emuroot.Address(0x20001000)
		shBase     = emuroot.Address(0x20002000)
		adbdBase   = emuroot.Address(0x20003000)
	)
	f.Session.seedTask(p, stagerBase, "STAGER", shBase, 0xd4081000)
	f.Session.seedTask(p, shBase, "sh", adbdBase, 0xd4082000)
	f.Session.seedTask(p, adbdBase, "adbd", adbdBase, 0xd4082b00)
	f.Session.matches["STAGER"] = []emuroot.Address{stagerBase + emuroot.Address(p.CommOffset)}
	f.Shell.psOutputs = []string{"root 1 init\nshell 612 STAGER\nroot 77 adbd"}
	return 0xd4081000, 0xd4082b00
}

// AssertStagerLifecycle verifies the install commands lead the shell
// transcript and cleanup ends it.
func (f *testFixture) AssertStagerLifecycle() {
	f.t.Helper()
	commands := f.Shell.recordedCommands()
	require.GreaterOrEqual(f.t, len(commands), 5, "shell transcript too short: %v", commands)

	assert.True(f.t, strings.HasPrefix(commands[0], "echo '#!/bin/bash"), "first command should write the payload: %q", commands[0])
	assert.True(f.t, strings.HasSuffix(commands[0], "' > "+payloadPath), "payload write should target %s: %q", payloadPath, commands[0])
	assert.Equal(f.t, "chmod +x "+payloadPath, commands[1])
	assert.Equal(f.t, "ln -s /system/bin/sh "+helperPath, commands[2])
	assert.Contains(f.t, commands, helperPath+" "+payloadPath, "payload should have been launched")
	assert.Equal(f.t, "rm "+payloadPath+" "+helperPath, commands[len(commands)-1], "cleanup should be the last command")
}

// AssertWrites verifies the exact patch sequence.
func (f *testFixture) AssertWrites(expected []memWrite) {
	f.t.Helper()
	assert.Equal(f.t, expected, f.Session.recordedWrites(), "patch write sequence mismatch")
}

// Expected write builders mirror the credential layout.

func rootIDWrites(cred emuroot.CredRef, includeEffective bool) []memWrite {
	offsets := []uint32{0x04, 0x08, 0x0c, 0x10, 0x1c, 0x20}
	if includeEffective {
		offsets = append(offsets, 0x14, 0x18)
	}
	writes := make([]memWrite, 0, len(offsets))
	for _, off := range offsets {
		writes = append(writes, memWrite{addr: emuroot.Address(cred) + emuroot.Address(off), value: 0})
	}
	return writes
}

func capabilityWrites(cred emuroot.CredRef) []memWrite {
	writes := make([]memWrite, 0, 6)
	for _, off := range []uint32{0x30, 0x34, 0x38, 0x3c, 0x40, 0x44} {
		writes = append(writes, memWrite{addr: emuroot.Address(cred) + emuroot.Address(off), value: 0xffffffff})
	}
	return writes
}

func selinuxWrites(p emuroot.KernelProfile) []memWrite {
	writes := make([]memWrite, 0, len(p.SELinuxFlags))
	for _, addr := range p.SELinuxFlags {
		writes = append(writes, memWrite{addr: addr, value: 0})
	}
	return writes
}

func concatWrites(groups ...[]memWrite) []memWrite {
	var all []memWrite
	for _, g := range groups {
		all = append(all, g...)
	}
	return all
}
