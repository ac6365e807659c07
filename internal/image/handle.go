package image

import (
	"fmt"
	"strconv"
	"strings"
)

// Handle is the canonical cross-phase image key, rendered as
// "name::descriptor". Downstream collaborators only ever see the rendered
// string and a mount path; internally it is parsed exactly once.
type Handle struct {
	Name     string
	Platform string // Windows, Linux or macOS; empty for memory images
	Snapshot int    // 1-based shadow snapshot ordinal, 0 for the live volume
	Memory   bool
}

// String renders the handle in its wire form.
func (h Handle) String() string {
	if h.Memory {
		return h.Name + "::memory"
	}
	if h.Snapshot > 0 {
		return fmt.Sprintf("%s::%s_vss%d", h.Name, h.Platform, h.Snapshot)
	}
	return h.Name + "::" + h.Platform
}

// ParseHandle parses a "name::descriptor" string.
func ParseHandle(s string) (Handle, error) {
	name, descriptor, ok := strings.Cut(s, "::")
	if !ok || name == "" || descriptor == "" {
		return Handle{}, fmt.Errorf("invalid image handle %q", s)
	}

	if descriptor == "memory" {
		return Handle{Name: name, Memory: true}, nil
	}

	h := Handle{Name: name, Platform: descriptor}
	if platform, vss, ok := strings.Cut(descriptor, "_vss"); ok {
		n, err := strconv.Atoi(vss)
		if err != nil || n <= 0 {
			return Handle{}, fmt.Errorf("invalid snapshot ordinal in handle %q", s)
		}
		h.Platform = platform
		h.Snapshot = n
	}
	if h.Platform == "" {
		return Handle{}, fmt.Errorf("invalid image handle %q", s)
	}
	return h, nil
}

// PlatformForFilesystem maps a mounted filesystem type to the platform
// component of a handle descriptor.
func PlatformForFilesystem(fsType string) string {
	switch strings.ToLower(fsType) {
	case "ntfs", "ntfs3", "ntfs-3g", "exfat", "vfat", "fat32":
		return "Windows"
	case "apfs", "apfs-fuse", "hfsplus", "hfs":
		return "macOS"
	default:
		// ext*, xfs, btrfs and anything exotic
		return "Linux"
	}
}
