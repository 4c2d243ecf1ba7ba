// Workflow tests drive the manager against a fake device shell and a
// fake debug session, asserting the exact credential write sequences
// each mode issues.
package manager_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	emuroot "github.com/NicolaiSoeborg/android-emuroot"
	"github.com/NicolaiSoeborg/android-emuroot/lock"
	"github.com/NicolaiSoeborg/android-emuroot/manager"
)

func TestElevateProcess(t *testing.T) {
	f := newTestFixture(t, manager.Options{})
	p := f.Profile

	const base = emuroot.Address(0x20004000)
	f.Session.seedTask(p, base, "shell", base, 0xd4099000)
	f.Session.matches["shell"] = []emuroot.Address{base + emuroot.Address(p.CommOffset)}
	f.Shell.psOutputs = []string{"root 1 init\nshell 4242 shell"}

	err := f.runLocked(func(ctx context.Context, scope lock.RunScope) error {
		return f.Manager.ElevateProcess(ctx, scope, "shell")
	})
	require.NoError(t, err)

	cred := emuroot.CredRef(0xd4099000)
	f.AssertWrites(concatWrites(
		rootIDWrites(cred, true),
		capabilityWrites(cred),
		selinuxWrites(p),
	))
	assert.Equal(t, 1, f.Session.closes(), "session should be closed exactly once")
	assert.Equal(t, []string{p.PSCommand}, f.Shell.recordedCommands(), "single mode should only list processes")
}

func TestElevateProcessNotRunning(t *testing.T) {
	f := newTestFixture(t, manager.Options{})
	f.Shell.psOutputs = []string{"root 1 init\nroot 77 adbd"}

	err := f.runLocked(func(ctx context.Context, scope lock.RunScope) error {
		return f.Manager.ElevateProcess(ctx, scope, "shell")
	})
	require.ErrorIs(t, err, emuroot.ErrProcessNotRunning)
	assert.Zero(t, f.dials(), "no debug session should be opened for a dead process")
}

func TestElevateProcessDialFailure(t *testing.T) {
	f := newTestFixture(t, manager.Options{})
	f.Shell.psOutputs = []string{"shell 4242 shell"}
	f.dialErr = emuroot.ErrDebugUnreachable

	err := f.runLocked(func(ctx context.Context, scope lock.RunScope) error {
		return f.Manager.ElevateProcess(ctx, scope, "shell")
	})
	require.ErrorIs(t, err, emuroot.ErrDebugUnreachable)
	assert.Empty(t, f.Session.recordedWrites(), "no patching without a session")
}

func TestElevateProcessNotLocated(t *testing.T) {
	f := newTestFixture(t, manager.Options{})
	f.Shell.psOutputs = []string{"shell 4242 shell"}

	err := f.runLocked(func(ctx context.Context, scope lock.RunScope) error {
		return f.Manager.ElevateProcess(ctx, scope, "shell")
	})

	var notFound emuroot.ErrStructNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "shell", notFound.Name)
	assert.Equal(t, 1, f.Session.closes(), "session should be released on failure")
	assert.Empty(t, f.Session.recordedWrites())
}

func TestElevateADBD(t *testing.T) {
	f := newTestFixture(t, stagedOptions())
	stagerCred, adbdCred := f.seedStagedChain()

	err := f.runLocked(func(ctx context.Context, scope lock.RunScope) error {
		return f.Manager.ElevateADBD(ctx, scope, false)
	})
	require.NoError(t, err)

	f.AssertWrites(concatWrites(
		capabilityWrites(adbdCred),
		rootIDWrites(adbdCred, true),
		selinuxWrites(f.Profile),
		rootIDWrites(stagerCred, true),
		capabilityWrites(stagerCred),
	))
	f.AssertStagerLifecycle()
	assert.Equal(t, 1, f.Session.closes())
}

func TestElevateADBDStealth(t *testing.T) {
	f := newTestFixture(t, stagedOptions())
	stagerCred, adbdCred := f.seedStagedChain()

	err := f.runLocked(func(ctx context.Context, scope lock.RunScope) error {
		return f.Manager.ElevateADBD(ctx, scope, true)
	})
	require.NoError(t, err)

	// adbd keeps its effective ids; the stager does not need to.
	f.AssertWrites(concatWrites(
		capabilityWrites(adbdCred),
		rootIDWrites(adbdCred, false),
		selinuxWrites(f.Profile),
		rootIDWrites(stagerCred, true),
		capabilityWrites(stagerCred),
	))
}

func TestInstallSetuidShell(t *testing.T) {
	f := newTestFixture(t, stagedOptions())
	stagerCred, adbdCred := f.seedStagedChain()

	err := f.runLocked(func(ctx context.Context, scope lock.RunScope) error {
		return f.Manager.InstallSetuidShell(ctx, scope, "rootshell")
	})
	require.NoError(t, err)

	// adbd gains capabilities but keeps its identity untouched.
	f.AssertWrites(concatWrites(
		capabilityWrites(adbdCred),
		selinuxWrites(f.Profile),
		rootIDWrites(stagerCred, true),
		capabilityWrites(stagerCred),
	))
	f.AssertStagerLifecycle()

	commands := f.Shell.recordedCommands()
	assert.Contains(t, commands[0], "cp /system/bin/sh /data/local/tmp/rootshell")
	assert.Contains(t, commands[0], "chmod 4755 /data/local/tmp/rootshell")
	assert.Contains(t, commands[0], "mount -o suid,remount /data")
}

func TestInstallSetuidShellRejectsBadName(t *testing.T) {
	f := newTestFixture(t, stagedOptions())

	for _, name := range []string{"", "a/b", "a b", `a"b`, "a'b"} {
		err := f.runLocked(func(ctx context.Context, scope lock.RunScope) error {
			return f.Manager.InstallSetuidShell(ctx, scope, name)
		})
		require.Error(t, err, "name %q should be rejected", name)
	}
	assert.Empty(t, f.Shell.recordedCommands(), "nothing should reach the device")
}

func TestStagedWorkflowInstallFailure(t *testing.T) {
	f := newTestFixture(t, stagedOptions())
	f.seedStagedChain()
	f.Shell.failOn["echo "] = errors.New("write refused")

	err := f.runLocked(func(ctx context.Context, scope lock.RunScope) error {
		return f.Manager.ElevateADBD(ctx, scope, false)
	})
	require.ErrorContains(t, err, "install stager")
	assert.Zero(t, f.dials(), "no debug session after a failed install")

	commands := f.Shell.recordedCommands()
	assert.Equal(t, "rm "+payloadPath+" "+helperPath, commands[len(commands)-1], "staged files should still be cleaned up")
}

func TestStagedWorkflowHelperNeverAppears(t *testing.T) {
	f := newTestFixture(t, manager.Options{
		StagerReadyTimeout: time.Second,
		StagerExitTimeout:  time.Second,
		LivenessInterval:   time.Millisecond,
		LivenessAttempts:   3,
	})
	f.Shell.psOutputs = []string{"root 1 init\nroot 77 adbd"}

	err := f.runLocked(func(ctx context.Context, scope lock.RunScope) error {
		return f.Manager.ElevateADBD(ctx, scope, false)
	})
	require.ErrorIs(t, err, emuroot.ErrProcessNotRunning)
	assert.Zero(t, f.dials())
}

func TestStagedWorkflowPayloadNeverFinishes(t *testing.T) {
	f := newTestFixture(t, manager.Options{
		StagerReadyTimeout: time.Second,
		StagerExitTimeout:  50 * time.Millisecond,
		LivenessInterval:   time.Millisecond,
		LivenessAttempts:   10,
	})
	stagerCred, adbdCred := f.seedStagedChain()

	gate := make(chan struct{})
	f.Shell.launchGate = gate
	defer close(gate)

	err := f.runLocked(func(ctx context.Context, scope lock.RunScope) error {
		return f.Manager.ElevateADBD(ctx, scope, false)
	})
	require.ErrorIs(t, err, emuroot.ErrStagerNotReady)

	// Patching happened before the wait, so the writes are all there.
	f.AssertWrites(concatWrites(
		capabilityWrites(adbdCred),
		rootIDWrites(adbdCred, true),
		selinuxWrites(f.Profile),
		rootIDWrites(stagerCred, true),
		capabilityWrites(stagerCred),
	))
	assert.Equal(t, 1, f.Session.closes())
}

func TestStagedWorkflowPatchFailure(t *testing.T) {
	f := newTestFixture(t, stagedOptions())
	_, adbdCred := f.seedStagedChain()
	failAddr := emuroot.Address(adbdCred) + 0x34
	f.Session.failWrite[failAddr] = errors.New("write refused")

	err := f.runLocked(func(ctx context.Context, scope lock.RunScope) error {
		return f.Manager.ElevateADBD(ctx, scope, false)
	})

	var patchErr emuroot.ErrPatchWrite
	require.ErrorAs(t, err, &patchErr)
	assert.Equal(t, failAddr, patchErr.Addr)
	assert.Equal(t, 1, f.Session.closes(), "guest should be resumed on patch failure")

	commands := f.Shell.recordedCommands()
	assert.Equal(t, "rm "+payloadPath+" "+helperPath, commands[len(commands)-1])
}

func TestStagedWorkflowDialFailure(t *testing.T) {
	f := newTestFixture(t, stagedOptions())
	f.seedStagedChain()
	f.dialErr = emuroot.ErrDebugUnreachable

	err := f.runLocked(func(ctx context.Context, scope lock.RunScope) error {
		return f.Manager.ElevateADBD(ctx, scope, false)
	})
	require.ErrorIs(t, err, emuroot.ErrDebugUnreachable)
	assert.Empty(t, f.Session.recordedWrites())

	commands := f.Shell.recordedCommands()
	assert.Equal(t, "rm "+payloadPath+" "+helperPath, commands[len(commands)-1])
}
