package image

import (
	"fmt"
	"strings"

	"github.com/maren/evmount/internal/config"
	"github.com/maren/evmount/internal/system"
)

// MountManager wraps the kernel mount utilities and the user-space FUSE
// filesystem drivers. Everything is mounted read-only; this system never
// writes to evidence.
type MountManager struct {
	run system.Runner
	cfg *config.Config
}

// NewMountManager creates a new mount manager
func NewMountManager(run system.Runner, cfg *config.Config) *MountManager {
	return &MountManager{run: run, cfg: cfg}
}

// Mount mounts a device with an explicit filesystem type and options.
func (m *MountManager) Mount(device, target, fsType string, opts ...string) error {
	args := []string{}
	if fsType != "" {
		args = append(args, "-t", fsType)
	}
	options := append([]string{"ro"}, opts...)
	args = append(args, "-o", strings.Join(options, ","), device, target)

	if _, err := m.run.RunTimeout(m.cfg.MountTimeout(), m.cfg.Tool("mount"), args...); err != nil {
		return fmt.Errorf("failed to mount %s on %s: %w", device, target, err)
	}
	return nil
}

// MountLoop loop-mounts a regular file (a virtual raw device or a whole
// image) with an optional byte offset into the file.
func (m *MountManager) MountLoop(file, target, fsType string, offset uint64, opts ...string) error {
	options := []string{"loop"}
	if offset > 0 {
		options = append(options, fmt.Sprintf("offset=%d", offset))
	}
	options = append(options, opts...)
	return m.Mount(file, target, fsType, options...)
}

// FuseMount runs a user-space filesystem driver. Each driver has its own
// invocation shape, so the cascade passes the full argument list.
func (m *MountManager) FuseMount(tool string, args ...string) error {
	if !m.run.CommandExists(m.cfg.Tool(tool)) {
		return fmt.Errorf("%w: %s not installed", ErrBridgeUnavailable, tool)
	}
	if _, err := m.run.RunTimeout(m.cfg.MountTimeout(), m.cfg.Tool(tool), args...); err != nil {
		return fmt.Errorf("%s failed: %w", tool, err)
	}
	return nil
}

// Unmount unmounts a mount point, escalating from graceful to forced to
// lazy when force is set.
func (m *MountManager) Unmount(target string, force bool) error {
	umount := m.cfg.Tool("umount")
	timeout := m.cfg.UnmountTimeout()

	if _, err := m.run.RunTimeout(timeout, umount, target); err == nil {
		return nil
	} else if !force {
		return fmt.Errorf("%w: %s: %v", ErrUnmountFailed, target, err)
	}

	if _, err := m.run.RunTimeout(timeout, umount, "-f", target); err == nil {
		return nil
	}

	if _, err := m.run.RunTimeout(timeout, umount, "-l", target); err == nil {
		return nil
	}

	// The binary could not detach it; ask the kernel directly.
	if err := system.LazyUnmount(target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnmountFailed, target, err)
	}
	return nil
}
