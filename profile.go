package emuroot

import "slices"

// KernelProfile carries the memory layout constants for one bracket of
// goldfish kernel versions. All offsets are in bytes.
type KernelProfile struct {
	// Name identifies the bracket in logs and diagnostics.
	Name string

	// MaxVersion is the newest kernel version the profile covers,
	// inclusive.
	MaxVersion Version

	// CommOffset is the offset of the comm[] process name field
	// inside task_struct.
	CommOffset uint32

	// ParentOffset is the distance from the comm field back to the
	// real_parent pointer.
	ParentOffset uint32

	// SELinuxFlags are the addresses of the words that gate SELinux
	// enforcement. Zeroing all of them switches the policy off.
	SELinuxFlags [3]Address

	// PSCommand lists every process on the device; newer images
	// need "-A" to include ones outside the caller's session.
	PSCommand string
}

// Layout constants below were lifted from the System.map of the AOSP
// goldfish kernel builds shipped with the emulator images.
var profiles = []KernelProfile{
	{
		Name:         "goldfish-3.10",
		MaxVersion:   Version{Major: 3, Minor: 10},
		CommOffset:   0x288,
		ParentOffset: 0xe0,
		SELinuxFlags: [3]Address{0xc0a77548, 0xc0a7754c, 0xc0a77550},
		PSCommand:    "ps",
	},
	{
		Name:         "goldfish-3.18",
		MaxVersion:   Version{Major: 3, Minor: 18},
		CommOffset:   0x444,
		ParentOffset: 0xe0,
		SELinuxFlags: [3]Address{0xc0c4f288, 0xc0c4f28c, 0xc0c4f280},
		PSCommand:    "ps -A",
	},
}

// ResolveProfile maps a kernel version to the oldest bracket that
// covers it.
func ResolveProfile(v Version) (KernelProfile, error) {
	if v.Major < 0 || v.Minor < 0 {
		return KernelProfile{}, ErrUnsupportedVersion{Version: v}
	}
	for _, p := range profiles {
		if v.Compare(p.MaxVersion) <= 0 {
			return p, nil
		}
	}
	return KernelProfile{}, ErrUnsupportedVersion{Version: v}
}

// SupportedProfiles returns the known layout profiles, oldest bracket
// first.
func SupportedProfiles() []KernelProfile {
	return slices.Clone(profiles)
}
