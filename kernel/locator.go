package kernel

import (
	"context"
	"fmt"

	emuroot "github.com/NicolaiSoeborg/android-emuroot"
	"github.com/NicolaiSoeborg/android-emuroot/logging"
)

// FindTaskStruct locates the control structure of the process whose
// name field holds name, returning the structure's base address.
//
// The name search sweeps the kernel window and returns every place
// the bytes occur, including command lines and stale buffers. Two
// heuristics separate the real task structure from strays: the name
// field sits at a fixed offset inside an aligned structure, so a
// match must share the offset's position within a 16-byte unit; and
// the two words immediately before the name hold the same credential
// pointer, a duplication unique to the control structure. The first
// candidate passing both wins.
func (m *Memory) FindTaskStruct(ctx context.Context, name string) (emuroot.TaskStructRef, error) {
	m.logger.Info("searching kernel memory", "name", name)

	matches, err := m.session.SearchBytes(ctx, emuroot.SearchBase, emuroot.SearchLength, name)
	if err != nil {
		return 0, fmt.Errorf("locate %q: %w", name, err)
	}
	m.logger.Debug("name search finished", "name", name, "matches", len(matches))

	commOffset := m.profile.CommOffset
	for _, candidate := range matches {
		if uint32(candidate)%16 != commOffset%16 {
			m.trace(ctx, "candidate misaligned", "addr", candidate.String())
			continue
		}

		ok, err := m.hasDuplicateCredPointer(ctx, candidate)
		if err != nil {
			// Transport failure, not a rejected candidate; the
			// session may already be closed.
			return 0, fmt.Errorf("locate %q: %w", name, err)
		}
		if !ok {
			m.trace(ctx, "candidate rejected", "addr", candidate.String())
			continue
		}

		base := emuroot.TaskStructRef(candidate - emuroot.Address(commOffset))
		m.logger.Info("task structure located", "name", name, "base", base.String())
		return base, nil
	}

	return 0, emuroot.ErrStructNotFound{Name: name}
}

// hasDuplicateCredPointer checks the marker words before a name
// field: a real task structure stores the same credential pointer
// twice there.
func (m *Memory) hasDuplicateCredPointer(ctx context.Context, comm emuroot.Address) (bool, error) {
	first, err := m.readWord(ctx, comm-8)
	if err != nil {
		return false, err
	}
	second, err := m.readWord(ctx, comm-4)
	if err != nil {
		return false, err
	}
	return first == second, nil
}

func (m *Memory) trace(ctx context.Context, msg string, args ...any) {
	m.logger.Log(ctx, logging.LevelTrace.ToSlog(), msg, args...)
}
