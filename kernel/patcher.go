package kernel

import (
	"context"
	"slices"

	emuroot "github.com/NicolaiSoeborg/android-emuroot"
)

// Offsets into the credential structure. The six capability sets sit
// in one run starting at 0x30. The identity fields cover uid, gid,
// suid, sgid, fsuid and fsgid; the effective pair lives apart so it
// can be left untouched for stealthy elevation.
var (
	capabilityOffsets  = []uint32{0x30, 0x34, 0x38, 0x3c, 0x40, 0x44}
	identityOffsets    = []uint32{0x04, 0x08, 0x0c, 0x10, 0x1c, 0x20}
	effectiveIDOffsets = []uint32{0x14, 0x18}
)

const fullCapabilityMask = 0xffffffff

// SetFullCapabilities raises every capability set of cred to the full
// mask. Idempotent; writes are fire-and-forget.
func (m *Memory) SetFullCapabilities(ctx context.Context, cred emuroot.CredRef) error {
	for _, off := range capabilityOffsets {
		addr := emuroot.Address(cred) + emuroot.Address(off)
		if err := m.session.WriteWord(ctx, addr, fullCapabilityMask); err != nil {
			return emuroot.ErrPatchWrite{Addr: addr, Err: err}
		}
	}
	m.logger.Info("granted full capabilities", "cred", cred.String())
	return nil
}

// SetRootIDs zeroes the credential's identity fields. With
// includeEffective false the effective uid and gid keep their values,
// so the process gains root's identity without reporting it.
func (m *Memory) SetRootIDs(ctx context.Context, cred emuroot.CredRef, includeEffective bool) error {
	offsets := identityOffsets
	if includeEffective {
		offsets = append(slices.Clone(identityOffsets), effectiveIDOffsets...)
	}

	for _, off := range offsets {
		addr := emuroot.Address(cred) + emuroot.Address(off)
		if err := m.session.WriteWord(ctx, addr, 0); err != nil {
			return emuroot.ErrPatchWrite{Addr: addr, Err: err}
		}
	}
	m.logger.Info("identity reset to root", "cred", cred.String(), "effective", includeEffective)
	return nil
}

// DisableSELinux zeroes the enforcement flags at the profile's
// addresses, switching the policy to permissive. Idempotent.
func (m *Memory) DisableSELinux(ctx context.Context) error {
	for _, addr := range m.profile.SELinuxFlags {
		if err := m.session.WriteWord(ctx, addr, 0); err != nil {
			return emuroot.ErrPatchWrite{Addr: addr, Err: err}
		}
	}
	m.logger.Info("selinux enforcement disabled")
	return nil
}
