package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	emuroot "github.com/NicolaiSoeborg/android-emuroot"
)

// Staged files live in the device's world-writable tmp directory.
const (
	stagerTmpDir      = "/data/local/tmp"
	stagerPayloadPath = stagerTmpDir + "/load.sh"
	stagerShellPath   = stagerTmpDir + "/STAGER"
)

// setuidScript is the payload for InstallSetuidShell. The chown loop
// only exits once the stager runs with patched credentials; the
// remount is needed because /data is mounted nosuid on stock images.
func setuidScript(filename string) string {
	return fmt.Sprintf(`#!/bin/bash
cp /system/bin/sh %[1]s/%[2]s
while :; do
  sleep 5
  if chown root:root %[1]s/%[2]s; then break; fi
done
mount -o suid,remount /data
chmod 4755 %[1]s/%[2]s`, stagerTmpDir, filename)
}

// probeScript is the payload for ElevateADBD. The copy exists only to
// give the chown loop a target; it is removed once the loop exits.
func probeScript() string {
	return fmt.Sprintf(`#!/bin/bash
cp /system/bin/sh %[1]s/probe
while :; do
  sleep 5
  if chown root:root %[1]s/probe; then break; fi
done
sleep 5
rm %[1]s/probe`, stagerTmpDir)
}

// stager tracks the helper launched over the device shell.
type stager struct {
	ready  chan struct{} // closed once the staged files are in place
	failed chan error    // install error, reported before ready
	done   chan error    // launch result; arrives when the payload exits
	logger *slog.Logger
}

// startStager installs the payload and launches it under the stager
// name. The launch call blocks on the device for the payload's whole
// lifetime, so it runs in its own goroutine; install progress and the
// final exit are reported through the returned stager's channels.
func (m *Manager) startStager(ctx context.Context, script string, logger *slog.Logger) *stager {
	st := &stager{
		ready:  make(chan struct{}),
		failed: make(chan error, 1),
		done:   make(chan error, 1),
		logger: logger,
	}
	go func() {
		install := []string{
			fmt.Sprintf("echo '%s' > %s", script, stagerPayloadPath),
			"chmod +x " + stagerPayloadPath,
			"ln -s /system/bin/sh " + stagerShellPath,
		}
		for _, cmd := range install {
			if _, err := m.shell.Shell(ctx, cmd); err != nil {
				st.failed <- fmt.Errorf("install stager: %w", err)
				return
			}
		}
		close(st.ready)

		// Does not return until the payload's chown loop succeeds,
		// which needs the patching this very workflow performs.
		_, err := m.shell.Shell(ctx, stagerShellPath+" "+stagerPayloadPath)
		st.done <- err
	}()
	return st
}

// awaitReady waits for the install phase to finish.
func (st *stager) awaitReady(ctx context.Context, timeout time.Duration) error {
	select {
	case <-st.ready:
		st.logger.Debug("stager installed")
		return nil
	case err := <-st.failed:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("stager install did not finish within %s: %w", timeout, emuroot.ErrStagerNotReady)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitExit waits for the payload to run to completion. Called only
// after the debug session is closed, since the payload cannot make
// progress while the guest is halted.
func (st *stager) awaitExit(ctx context.Context, timeout time.Duration) error {
	select {
	case err := <-st.done:
		if err != nil {
			return fmt.Errorf("stager payload: %w", err)
		}
		st.logger.Debug("stager payload finished")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("stager payload still running after %s: %w", timeout, emuroot.ErrStagerNotReady)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cleanupStager removes the staged files. It runs even when the
// workflow's context is already cancelled; a running payload survives
// the removal because the shell holds the script's inode open.
func (m *Manager) cleanupStager(ctx context.Context, logger *slog.Logger) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := m.shell.Shell(cleanupCtx, fmt.Sprintf("rm %s %s", stagerPayloadPath, stagerShellPath)); err != nil {
		logger.Warn("stager cleanup failed", "err", err)
		return
	}
	logger.Debug("stager cleaned up")
}
