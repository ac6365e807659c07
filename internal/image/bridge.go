package image

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maren/evmount/internal/config"
	"github.com/maren/evmount/internal/system"
)

// DeviceHandle is the intermediate device-like object a bridge produces:
// a virtual raw device file, an NBD node, mapper partition nodes or a FUSE
// root. It owns its teardown.
type DeviceHandle struct {
	Device    string   // primary device node or virtual device file
	Nodes     []string // per-partition nodes, when the bridge exposes them
	Slot      *Slot    // intermediate bridge slot, when one is held
	Mechanism string

	teardown *system.CleanupStack
}

func newDeviceHandle(mechanism, device string) *DeviceHandle {
	return &DeviceHandle{
		Device:    device,
		Mechanism: mechanism,
		teardown:  system.NewCleanupStack(),
	}
}

// Teardown releases every OS resource the bridge acquired, newest first.
func (h *DeviceHandle) Teardown() error {
	if h == nil {
		return nil
	}
	return h.teardown.Execute()
}

// OnTeardown registers an additional teardown step.
func (h *DeviceHandle) OnTeardown(f func() error) {
	h.teardown.Add(f)
}

// LoopManager handles loop device operations
type LoopManager struct {
	run system.Runner
	cfg *config.Config
}

// NewLoopManager creates a new loop manager
func NewLoopManager(run system.Runner, cfg *config.Config) *LoopManager {
	return &LoopManager{run: run, cfg: cfg}
}

// Detach detaches a loop device
func (m *LoopManager) Detach(device string) error {
	if err := m.run.Run(m.cfg.Tool("losetup"), "-d", device); err != nil {
		return fmt.Errorf("failed to detach loop device %s: %w", device, err)
	}
	return nil
}

// DetachAll releases every loop device on the host.
func (m *LoopManager) DetachAll() error {
	return m.run.Run(m.cfg.Tool("losetup"), "-D")
}

type losetupDevice struct {
	Name     string `json:"name"`
	BackFile string `json:"back-file"`
}

type losetupOutput struct {
	LoopDevices []losetupDevice `json:"loopdevices"`
}

// GetAll returns all loop devices with their backing files
func (m *LoopManager) GetAll() (map[string]string, error) {
	output, err := m.run.RunOutput(m.cfg.Tool("losetup"), "-l", "-J")
	if err != nil {
		return nil, fmt.Errorf("failed to list loop devices: %w", err)
	}

	devices := make(map[string]string)
	if strings.TrimSpace(output) == "" {
		return devices, nil
	}

	var result losetupOutput
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		return nil, fmt.Errorf("failed to parse losetup output: %w", err)
	}

	for _, dev := range result.LoopDevices {
		if dev.BackFile != "" {
			devices[dev.Name] = dev.BackFile
		}
	}

	return devices, nil
}

// EWFBridge exposes a witness-format container as a virtual raw device via
// the ewfmount FUSE driver.
type EWFBridge struct {
	run system.Runner
	cfg *config.Config
}

// NewEWFBridge creates a new witness-format bridge
func NewEWFBridge(run system.Runner, cfg *config.Config) *EWFBridge {
	return &EWFBridge{run: run, cfg: cfg}
}

// Usable reports whether the ewfmount driver is installed.
func (b *EWFBridge) Usable() bool {
	return b.run.CommandExists(b.cfg.Tool("ewfmount"))
}

// Connect mounts the container's virtual device into the given bridge
// slot. The exposed raw device is <slot>/ewf1.
func (b *EWFBridge) Connect(containerPath string, slot *Slot) (*DeviceHandle, error) {
	if !b.Usable() {
		return nil, fmt.Errorf("%w: ewfmount not installed", ErrBridgeUnavailable)
	}

	tool := b.cfg.Tool("ewfmount")
	if _, err := b.run.RunTimeout(b.cfg.BridgeTimeout(), tool, containerPath, slot.Path); err != nil {
		return nil, fmt.Errorf("%w: ewfmount: %v", ErrBridgeUnavailable, err)
	}

	h := newDeviceHandle("ewf", filepath.Join(slot.Path, "ewf1"))
	h.Slot = slot
	h.OnTeardown(func() error {
		return b.run.Run(b.cfg.Tool("umount"), slot.Path)
	})
	return h, nil
}

// NBDBridge exposes a virtual-disk container through the kernel's network
// block device facility via qemu-nbd.
type NBDBridge struct {
	run system.Runner
	cfg *config.Config

	// DevGlob and SysBlock are overridable for tests.
	DevGlob  string
	SysBlock string
}

// NewNBDBridge creates a new NBD bridge
func NewNBDBridge(run system.Runner, cfg *config.Config) *NBDBridge {
	return &NBDBridge{
		run:      run,
		cfg:      cfg,
		DevGlob:  "/dev/nbd*",
		SysBlock: "/sys/block",
	}
}

// Usable reports whether NBD can be used: qemu-nbd installed, the nbd
// driver loadable and device nodes present. Typical restricted containers
// fail the modprobe or have no /dev/nbd* nodes.
func (b *NBDBridge) Usable() bool {
	if !b.run.CommandExists(b.cfg.Tool("qemu-nbd")) {
		return false
	}
	if err := b.run.Run(b.cfg.Tool("modprobe"), "nbd"); err != nil {
		return false
	}
	devs, _ := filepath.Glob(b.DevGlob)
	return len(devs) > 0
}

// Connect attaches the container read-only to the first idle NBD device.
func (b *NBDBridge) Connect(containerPath string) (*DeviceHandle, error) {
	devs, _ := filepath.Glob(b.DevGlob)
	for _, dev := range devs {
		if b.busy(dev) {
			continue
		}
		tool := b.cfg.Tool("qemu-nbd")
		_, err := b.run.RunTimeout(b.cfg.BridgeTimeout(), tool, "--read-only", "--connect="+dev, containerPath)
		if err != nil {
			continue
		}
		h := newDeviceHandle("nbd", dev)
		h.OnTeardown(func() error {
			return b.run.Run(b.cfg.Tool("qemu-nbd"), "--disconnect", dev)
		})
		return h, nil
	}
	return nil, fmt.Errorf("%w: no idle nbd device for %s", ErrBridgeUnavailable, containerPath)
}

// Disconnect detaches one NBD device.
func (b *NBDBridge) Disconnect(dev string) error {
	return b.run.Run(b.cfg.Tool("qemu-nbd"), "--disconnect", dev)
}

// Attached lists NBD devices that currently have a backing connection.
func (b *NBDBridge) Attached() []string {
	devs, _ := filepath.Glob(b.DevGlob)
	var attached []string
	for _, dev := range devs {
		if b.busy(dev) {
			attached = append(attached, dev)
		}
	}
	return attached
}

// busy checks the kernel's pid file for the device's userspace server.
func (b *NBDBridge) busy(dev string) bool {
	pidFile := filepath.Join(b.SysBlock, filepath.Base(dev), "pid")
	_, err := os.Stat(pidFile)
	return err == nil
}

// PartNode returns the kernel-exposed partition sub-device, e.g.
// /dev/nbd0p2 for partition index 2.
func (b *NBDBridge) PartNode(dev string, index int) string {
	return fmt.Sprintf("%sp%d", dev, index)
}

// MapperBridge creates device-mapper partition nodes from a container file
// via kpartx, for hosts where NBD is unusable.
type MapperBridge struct {
	run system.Runner
	cfg *config.Config
}

// NewMapperBridge creates a new kpartx bridge
func NewMapperBridge(run system.Runner, cfg *config.Config) *MapperBridge {
	return &MapperBridge{run: run, cfg: cfg}
}

// Usable reports whether kpartx is installed.
func (b *MapperBridge) Usable() bool {
	return b.run.CommandExists(b.cfg.Tool("kpartx"))
}

// Map exposes the container's partitions as /dev/mapper nodes.
// kpartx -av prints one "add map loopNpM ..." line per partition.
func (b *MapperBridge) Map(containerPath string) (*DeviceHandle, error) {
	if !b.Usable() {
		return nil, fmt.Errorf("%w: kpartx not installed", ErrBridgeUnavailable)
	}

	out, err := b.run.RunTimeout(b.cfg.BridgeTimeout(), b.cfg.Tool("kpartx"), "-a", "-v", "-r", containerPath)
	if err != nil {
		return nil, fmt.Errorf("%w: kpartx: %v", ErrBridgeUnavailable, err)
	}

	nodes := ParseKpartxOutput(out)
	h := newDeviceHandle("kpartx", containerPath)
	h.Nodes = nodes
	h.OnTeardown(func() error {
		return b.run.Run(b.cfg.Tool("kpartx"), "-d", containerPath)
	})
	return h, nil
}

// ParseKpartxOutput extracts mapper node paths from kpartx -av output.
func ParseKpartxOutput(out string) []string {
	var nodes []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		// "add map loop0p1 (253:0): 0 204800 linear 7:0 2048"
		if len(fields) >= 3 && fields[0] == "add" && fields[1] == "map" {
			nodes = append(nodes, "/dev/mapper/"+fields[2])
		}
	}
	return nodes
}
