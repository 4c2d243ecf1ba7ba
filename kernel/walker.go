package kernel

import (
	"context"
	"fmt"
	"strings"

	emuroot "github.com/NicolaiSoeborg/android-emuroot"
)

// maxAncestorDepth bounds the parent-chain walk. Real process trees
// are a handful of levels deep; a longer chain means the walk is
// stuck in a cycle, typically on init, whose parent is itself.
const maxAncestorDepth = 32

// FindAncestorCred walks the parent chain upward from start until it
// reaches the process called name and returns that ancestor's
// credential pointer.
func (m *Memory) FindAncestorCred(ctx context.Context, start emuroot.TaskStructRef, name string) (emuroot.CredRef, error) {
	m.logger.Info("walking process hierarchy", "target", name, "start", start.String())

	p := m.profile
	cur := emuroot.Address(start)
	for depth := 0; depth < maxAncestorDepth; depth++ {
		parentWord, err := m.readWord(ctx, cur+emuroot.Address(p.CommOffset)-emuroot.Address(p.ParentOffset))
		if err != nil {
			return 0, fmt.Errorf("read parent pointer: %w", err)
		}
		parent := emuroot.Address(parentWord)

		rawName, err := m.session.ReadCString(ctx, parent+emuroot.Address(p.CommOffset))
		if err != nil {
			return 0, fmt.Errorf("read ancestor name: %w", err)
		}
		parentName := normalizeComm(rawName)
		m.logger.Debug("visited ancestor", "depth", depth, "name", parentName, "base", parent.String())

		if parentName == name {
			cred, err := m.readWord(ctx, parent+emuroot.Address(p.CommOffset)-4)
			if err != nil {
				return 0, fmt.Errorf("read ancestor cred pointer: %w", err)
			}
			m.logger.Info("ancestor located", "name", name, "cred", emuroot.CredRef(cred).String())
			return emuroot.CredRef(cred), nil
		}

		cur = parent
	}

	return 0, emuroot.ErrAncestorNotFound{Name: name, Depth: maxAncestorDepth}
}

// TaskCred returns the credential pointer of the task at base, read
// from the first word of the duplicate pair before the name field.
func (m *Memory) TaskCred(ctx context.Context, task emuroot.TaskStructRef) (emuroot.CredRef, error) {
	word, err := m.readWord(ctx, emuroot.Address(task)+emuroot.Address(m.profile.CommOffset)-8)
	if err != nil {
		return 0, fmt.Errorf("read cred pointer: %w", err)
	}
	return emuroot.CredRef(word), nil
}

// normalizeComm strips the quoting the transport wraps around string
// values, so `"adbd"` compares equal to adbd.
func normalizeComm(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, `"`)
	s = strings.TrimSuffix(s, `"`)
	return s
}
