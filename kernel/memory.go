// Package kernel locates process control structures in a live guest
// kernel and rewrites the credential records they point to. All
// access goes through a word-level debug session; nothing here
// touches the host kernel.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	emuroot "github.com/NicolaiSoeborg/android-emuroot"
	"github.com/NicolaiSoeborg/android-emuroot/logging"
)

// Memory is a view of the target kernel's memory laid out according
// to one version profile.
type Memory struct {
	session emuroot.DebugSession
	profile emuroot.KernelProfile
	logger  *slog.Logger
}

// NewMemory wraps an attached debug session with the layout profile
// resolved for the target kernel.
func NewMemory(session emuroot.DebugSession, profile emuroot.KernelProfile, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = logging.Default()
	}
	return &Memory{
		session: session,
		profile: profile,
		logger:  logger.With("component", "kernel"),
	}
}

// Profile returns the layout profile the view was built with.
func (m *Memory) Profile() emuroot.KernelProfile { return m.profile }

// readWord reads one word, re-issuing the read once if the response
// is malformed. A second malformed response means the channel cannot
// be trusted for patching: the session is closed and the error marks
// it unreliable.
func (m *Memory) readWord(ctx context.Context, addr emuroot.Address) (uint32, error) {
	word, err := m.session.ReadWord(ctx, addr)
	if err == nil || !errors.Is(err, emuroot.ErrDebugMalformed) {
		return word, err
	}

	m.logger.Warn("malformed word read, retrying once", "addr", addr.String(), "err", err)
	word, err = m.session.ReadWord(ctx, addr)
	if err == nil || !errors.Is(err, emuroot.ErrDebugMalformed) {
		return word, err
	}

	_ = m.session.Close()
	return 0, fmt.Errorf("word read at %s failed twice: %w", addr, emuroot.ErrDebugUnreliable)
}
