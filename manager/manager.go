// Package manager orchestrates the elevation workflows end to end.
//
// # Patch Model
//
// Every workflow runs the same frame: confirm the target process is
// alive, attach the debug session (which halts the whole guest),
// locate structures, patch credential words in a fixed order, detach.
// The writes are fire-and-forget; their effect shows once the guest
// resumes. The debug session is the only long-lived resource. It is
// opened at workflow start and always released, on success and on
// failure alike.
//
// # Staged Workflows
//
// Elevating adbd or planting a setuid shell needs a process whose
// name is unique in kernel memory. A helper (the stager) is planted
// through the device shell under a fixed name and doubles as the
// completion probe: its payload loops trying to chown a file to root,
// which only succeeds once the patched credentials are live. The
// workflow waits for that loop to finish before declaring success.
//
// The emulator's debug stub accepts one debugger, so runs against a
// device must not overlap. Mutating workflows take a lock.RunScope as
// proof that the caller serialized them; see the lock package.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	emuroot "github.com/NicolaiSoeborg/android-emuroot"
	"github.com/NicolaiSoeborg/android-emuroot/kernel"
	"github.com/NicolaiSoeborg/android-emuroot/lock"
	"github.com/NicolaiSoeborg/android-emuroot/logging"
)

// stagerName is the process name the staged helper runs under. It
// must not collide with anything an emulator image normally runs.
const stagerName = "STAGER"

// adbdName is the ancestor every adb-spawned process chain leads to.
const adbdName = "adbd"

// DebugDialer opens the debug session for one workflow. Injected so
// the transport can be faked in tests.
type DebugDialer func(ctx context.Context) (emuroot.DebugSession, error)

// Options tune workflow timing. The zero value picks the defaults.
type Options struct {
	// StagerReadyTimeout bounds the wait for the stager install to
	// finish on the device. Default 15s.
	StagerReadyTimeout time.Duration
	// StagerExitTimeout bounds the wait for the stager payload to
	// finish after patching. Default 60s.
	StagerExitTimeout time.Duration
	// LivenessInterval is the pause between process list polls while
	// waiting for the staged helper to appear. Default 1s.
	LivenessInterval time.Duration
	// LivenessAttempts bounds those polls. Default 10.
	LivenessAttempts int
}

func (o Options) withDefaults() Options {
	if o.StagerReadyTimeout <= 0 {
		o.StagerReadyTimeout = 15 * time.Second
	}
	if o.StagerExitTimeout <= 0 {
		o.StagerExitTimeout = 60 * time.Second
	}
	if o.LivenessInterval <= 0 {
		o.LivenessInterval = time.Second
	}
	if o.LivenessAttempts <= 0 {
		o.LivenessAttempts = 10
	}
	return o
}

// Manager runs elevation workflows against one emulator instance.
type Manager struct {
	shell   emuroot.DeviceShell
	dial    DebugDialer
	profile emuroot.KernelProfile
	opts    Options

	// base is handed to subsystems so each scopes its own component;
	// logger is already scoped to the manager.
	base   *slog.Logger
	logger *slog.Logger
}

// New creates a Manager for one device shell and debug dialer pair.
func New(shell emuroot.DeviceShell, dial DebugDialer, profile emuroot.KernelProfile, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		shell:   shell,
		dial:    dial,
		profile: profile,
		opts:    opts.withDefaults(),
		base:    logger,
		logger:  logger.With("component", "manager"),
	}
}

// ElevateProcess rewrites the credentials of the named running
// process: identity to root including the effective pair, all
// capability sets raised, SELinux enforcement off.
func (m *Manager) ElevateProcess(ctx context.Context, scope lock.RunScope, name string) error {
	logger := m.logger.With("run", uuid.NewString(), "mode", "single")
	logger.Info("elevating process", "name", name)

	if err := m.ensureRunning(ctx, name); err != nil {
		return err
	}

	session, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("open debug session: %w", err)
	}
	defer session.Close()

	mem := kernel.NewMemory(session, m.profile, m.base)

	task, err := mem.FindTaskStruct(ctx, name)
	if err != nil {
		return err
	}
	cred, err := mem.TaskCred(ctx, task)
	if err != nil {
		return err
	}

	if err := mem.SetRootIDs(ctx, cred, true); err != nil {
		return err
	}
	if err := mem.SetFullCapabilities(ctx, cred); err != nil {
		return err
	}
	if err := mem.DisableSELinux(ctx); err != nil {
		return err
	}

	logger.Info("process elevated", "name", name)
	return nil
}

// ElevateADBD grants adbd root credentials, so every adb shell from
// then on lands as root. With stealth set, adbd's effective ids keep
// their values and the elevation stays invisible to id checks against
// adbd itself.
func (m *Manager) ElevateADBD(ctx context.Context, scope lock.RunScope, stealth bool) error {
	logger := m.logger.With("run", uuid.NewString(), "mode", "adbd")
	logger.Info("elevating adbd", "stealth", stealth)

	err := m.runStaged(ctx, logger, probeScript(), func(mem *kernel.Memory, task emuroot.TaskStructRef) error {
		adbdCred, err := mem.FindAncestorCred(ctx, task, adbdName)
		if err != nil {
			return err
		}
		if err := mem.SetFullCapabilities(ctx, adbdCred); err != nil {
			return err
		}
		if err := mem.SetRootIDs(ctx, adbdCred, !stealth); err != nil {
			return err
		}
		if err := mem.DisableSELinux(ctx); err != nil {
			return err
		}
		return m.elevateOwnCred(ctx, mem, task)
	})
	if err != nil {
		return err
	}

	logger.Info("adbd elevated", "stealth", stealth)
	return nil
}

// InstallSetuidShell plants a root setuid copy of the system shell at
// /data/local/tmp/<filename>. The stager payload performs the copy,
// waits until it can chown the copy to root, remounts /data with suid
// allowed and marks the copy setuid.
func (m *Manager) InstallSetuidShell(ctx context.Context, scope lock.RunScope, filename string) error {
	if err := validateShellName(filename); err != nil {
		return err
	}

	logger := m.logger.With("run", uuid.NewString(), "mode", "setuid")
	logger.Info("installing setuid shell", "filename", filename)

	err := m.runStaged(ctx, logger, setuidScript(filename), func(mem *kernel.Memory, task emuroot.TaskStructRef) error {
		adbdCred, err := mem.FindAncestorCred(ctx, task, adbdName)
		if err != nil {
			return err
		}
		if err := mem.SetFullCapabilities(ctx, adbdCred); err != nil {
			return err
		}
		if err := mem.DisableSELinux(ctx); err != nil {
			return err
		}
		return m.elevateOwnCred(ctx, mem, task)
	})
	if err != nil {
		return err
	}

	logger.Info("setuid shell installed", "path", stagerTmpDir+"/"+filename)
	return nil
}

// runStaged is the shared frame of the staged workflows: plant the
// stager, wait for it to appear, patch through a fresh session with
// the patch callback, resume the guest, wait for the payload to
// finish and clean the staged files up.
func (m *Manager) runStaged(ctx context.Context, logger *slog.Logger, script string, patch func(*kernel.Memory, emuroot.TaskStructRef) error) error {
	st := m.startStager(ctx, script, logger)

	if err := st.awaitReady(ctx, m.opts.StagerReadyTimeout); err != nil {
		m.cleanupStager(ctx, logger)
		return err
	}
	if err := m.awaitProcess(ctx, stagerName); err != nil {
		m.cleanupStager(ctx, logger)
		return err
	}

	session, err := m.dial(ctx)
	if err != nil {
		m.cleanupStager(ctx, logger)
		return fmt.Errorf("open debug session: %w", err)
	}

	mem := kernel.NewMemory(session, m.profile, m.base)
	patchErr := func() error {
		task, err := mem.FindTaskStruct(ctx, stagerName)
		if err != nil {
			return err
		}
		return patch(mem, task)
	}()

	// Closing the session resumes the guest; only then can the
	// payload's chown loop observe the new credentials, and only
	// then do shell commands run again.
	if err := session.Close(); err != nil {
		logger.Warn("session close failed", "err", err)
	}

	if patchErr != nil {
		m.cleanupStager(ctx, logger)
		return patchErr
	}

	exitErr := st.awaitExit(ctx, m.opts.StagerExitTimeout)
	m.cleanupStager(ctx, logger)
	return exitErr
}

// elevateOwnCred patches the stager's own credentials so its payload
// can finish its chown loop.
func (m *Manager) elevateOwnCred(ctx context.Context, mem *kernel.Memory, task emuroot.TaskStructRef) error {
	cred, err := mem.TaskCred(ctx, task)
	if err != nil {
		return err
	}
	if err := mem.SetRootIDs(ctx, cred, true); err != nil {
		return err
	}
	return mem.SetFullCapabilities(ctx, cred)
}

// ensureRunning checks the device's process list once.
func (m *Manager) ensureRunning(ctx context.Context, name string) error {
	out, err := m.shell.Shell(ctx, m.profile.PSCommand)
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}
	if !strings.Contains(out, name) {
		return fmt.Errorf("%q not in process list: %w", name, emuroot.ErrProcessNotRunning)
	}
	return nil
}

// awaitProcess polls the process list until name shows up or the
// attempt budget runs out.
func (m *Manager) awaitProcess(ctx context.Context, name string) error {
	for attempt := 0; attempt < m.opts.LivenessAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.opts.LivenessInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		out, err := m.shell.Shell(ctx, m.profile.PSCommand)
		if err != nil {
			return fmt.Errorf("list processes: %w", err)
		}
		if strings.Contains(out, name) {
			m.logger.Debug("process appeared", "name", name, "attempt", attempt)
			return nil
		}
	}
	return fmt.Errorf("%q not in process list after %d checks: %w", name, m.opts.LivenessAttempts, emuroot.ErrProcessNotRunning)
}

// validateShellName rejects names that would escape the staging
// directory or break the quoted payload script.
func validateShellName(filename string) error {
	if filename == "" {
		return fmt.Errorf("setuid shell name must not be empty")
	}
	if strings.ContainsAny(filename, "/'\" \t\n") {
		return fmt.Errorf("setuid shell name %q must be a bare file name", filename)
	}
	return nil
}
