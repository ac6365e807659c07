package image

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maren/evmount/internal/config"
	"github.com/maren/evmount/internal/system"
	"github.com/maren/evmount/internal/ui"
)

// Engine owns the fallback cascade that turns an identified container into
// at least one mounted, readable filesystem root. Attempts are strictly
// ordered per format family; every failed attempt unwinds its own partial
// state before the next one starts.
type Engine struct {
	run system.Runner
	cfg *config.Config
	log *ui.Logger

	Final  *Pool // mount points for readable filesystem roots
	Bridge *Pool // mount points for intermediate FUSE bridges

	loops  *LoopManager
	ewf    *EWFBridge
	nbd    *NBDBridge
	mapper *MapperBridge
	mounts *MountManager
	parts  *Resolver
	vss    *SnapshotResolver
	reg    *Registry
}

// NewEngine wires the engine and its bridges.
func NewEngine(run system.Runner, cfg *config.Config, log *ui.Logger, final, bridge *Pool, reg *Registry) *Engine {
	return &Engine{
		run:    run,
		cfg:    cfg,
		log:    log,
		Final:  final,
		Bridge: bridge,
		loops:  NewLoopManager(run, cfg),
		ewf:    NewEWFBridge(run, cfg),
		nbd:    NewNBDBridge(run, cfg),
		mapper: NewMapperBridge(run, cfg),
		mounts: NewMountManager(run, cfg),
		parts:  NewResolver(run, cfg),
		vss:    NewSnapshotResolver(run, cfg),
		reg:    reg,
	}
}

// NBD returns the engine's NBD bridge, exposed for the reconciler and for
// capability overrides in tests.
func (e *Engine) NBD() *NBDBridge { return e.nbd }

// Loops returns the engine's loop manager.
func (e *Engine) Loops() *LoopManager { return e.loops }

// Mounts returns the engine's mount manager.
func (e *Engine) Mounts() *MountManager { return e.mounts }

// Registry returns the engine's image registry.
func (e *Engine) Registry() *Registry { return e.reg }

// attempt is one (filesystem, mechanism) pair in a cascade. run mounts
// onto the given target directory and must leave no partial state behind
// on failure.
type attempt struct {
	fsType    string
	mechanism string
	run       func(target string) error
}

// MountResult carries everything Phase 1 produced for one container and
// owns the teardown of all of it.
type MountResult struct {
	Container  *Container
	Partitions []*Partition
	Snapshots  []*Snapshot
	Entries    []Entry

	teardown *system.CleanupStack
}

func newMountResult(ctr *Container) *MountResult {
	return &MountResult{Container: ctr, teardown: system.NewCleanupStack()}
}

// Mount drives the per-family cascade for one container.
func (e *Engine) Mount(ctr *Container, withVSS bool) (*MountResult, error) {
	switch ctr.Family {
	case FamilyWitness:
		return e.mountWitness(ctr, withVSS)
	case FamilyVirtualDisk, FamilyRaw, FamilyNativeContainer:
		return e.mountDisk(ctr, withVSS)
	case FamilyMemory:
		return nil, fmt.Errorf("memory container %s is not mountable", ctr.Path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrIdentificationFailed, ctr.Path)
	}
}

// mountWitness bridges the container through the witness-format FUSE
// driver and cascades over kernel loop mounts, then user-space drivers.
func (e *Engine) mountWitness(ctr *Container, withVSS bool) (*MountResult, error) {
	result := newMountResult(ctr)

	bridgeSlot, err := e.acquire(e.Bridge)
	if err != nil {
		return nil, err
	}

	bridge, err := e.ewf.Connect(ctr.Path, bridgeSlot)
	if err != nil {
		e.Bridge.Release(bridgeSlot)
		return nil, err
	}
	e.Bridge.SetMounted(bridgeSlot)
	result.teardown.Add(func() error {
		defer e.Bridge.Release(bridgeSlot)
		return bridge.Teardown()
	})

	device := bridge.Device
	attempts := e.witnessAttempts(device)

	part, err := e.tryAttempts(result, &Partition{Index: 1}, ctr.Name, attempts)
	if err != nil {
		teardownErr := result.teardown.Execute()
		if teardownErr != nil {
			e.log.Warning("teardown after failed mount of %s: %v", ctr.Path, teardownErr)
		}
		return nil, fmt.Errorf("%w: %s", ErrMountExhausted, ctr.Path)
	}

	if withVSS && PlatformForFilesystem(part.Filesystem) == "Windows" {
		e.expandSnapshots(result, ctr, device, part)
	}

	return result, nil
}

// witnessAttempts is the fixed cascade for bridged witness devices:
// kernel loop mounts first, user-space drivers when the environment
// forbids loop/block devices.
func (e *Engine) witnessAttempts(device string) []attempt {
	return []attempt{
		{"ntfs", "loop", func(t string) error { return e.mounts.MountLoop(device, t, "ntfs", 0) }},
		{"hfsplus", "loop", func(t string) error { return e.mounts.MountLoop(device, t, "hfsplus", 0) }},
		{"ext4", "loop", func(t string) error { return e.mounts.MountLoop(device, t, "ext4", 0, "noload") }},
		{"xfs", "loop", func(t string) error { return e.mounts.MountLoop(device, t, "xfs", 0, "norecovery") }},
		{"ntfs", "ntfs-3g", func(t string) error { return e.mounts.FuseMount("ntfs-3g", "-o", "ro", device, t) }},
		{"ext4", "fuse2fs", func(t string) error { return e.mounts.FuseMount("fuse2fs", "-o", "ro", device, t) }},
		{"apfs", "apfs-fuse", func(t string) error { return e.mounts.FuseMount("apfs-fuse", "-o", "ro", device, t) }},
	}
}

// mountDisk handles virtual-disk, raw and native container images:
// NBD with partition offsets when the kernel allows it, device-mapper
// partition nodes otherwise, whole-file loop and FUSE tools last.
func (e *Engine) mountDisk(ctr *Container, withVSS bool) (*MountResult, error) {
	result := newMountResult(ctr)

	// Raw images with no recognizable signature are typically unstructured
	// macOS acquisitions; they respond to APFS and HFS+ before anything
	// else.
	if ctr.Family == FamilyRaw && !ctr.Probed {
		apfsFirst := []attempt{
			{"apfs", "apfs-fuse", func(t string) error { return e.mounts.FuseMount("apfs-fuse", "-o", "ro", ctr.Path, t) }},
			{"hfsplus", "loop", func(t string) error { return e.mounts.MountLoop(ctr.Path, t, "hfsplus", 0) }},
		}
		if _, err := e.tryAttempts(result, &Partition{Index: 1}, ctr.Name, apfsFirst); err == nil {
			return result, nil
		}
	}

	if e.nbd.Usable() {
		if done, err := e.mountViaNBD(result, ctr, withVSS); done {
			return result, err
		}
	}

	if err := e.mountViaMapper(result, ctr, withVSS); err == nil {
		return result, nil
	}

	if err := e.mountDirect(result, ctr); err == nil {
		return result, nil
	}

	teardownErr := result.teardown.Execute()
	if teardownErr != nil {
		e.log.Warning("teardown after failed mount of %s: %v", ctr.Path, teardownErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrMountExhausted, ctr.Path)
}

// mountViaNBD connects the container as an NBD device and binds each
// partition by byte offset, falling back to the kernel-exposed partition
// sub-device when two offsets cannot share a loop binding.
func (e *Engine) mountViaNBD(result *MountResult, ctr *Container, withVSS bool) (bool, error) {
	nbdHandle, err := e.nbd.Connect(ctr.Path)
	if err != nil {
		e.log.Debug("nbd connect for %s: %v", ctr.Path, err)
		return false, nil
	}

	// Pushed before the per-slot teardowns so the unwind unmounts the
	// filesystems before the device disappears.
	result.teardown.Add(nbdHandle.Teardown)

	device := nbdHandle.Device
	candidates := e.parts.Resolve(device)
	mounted := 0

	for _, cand := range candidates {
		cand := cand
		part := &Partition{Index: cand.Index, Offset: cand.Offset, Type: cand.Type}
		name := partitionName(ctr.Name, cand.Index)

		attempts := []attempt{
			{"ntfs", "nbd+offset", func(t string) error {
				return e.mounts.MountLoop(device, t, "ntfs", cand.Offset)
			}},
			{"", "nbd+offset", func(t string) error {
				return e.mounts.MountLoop(device, t, "", cand.Offset)
			}},
		}

		mountedPart, err := e.tryAttempts(result, part, name, attempts)
		if err != nil && isOverlappingLoop(err) {
			// Known kernel limitation: a second offset binding over the
			// same device collides. Mount the partition sub-device
			// directly on a fresh slot instead.
			node := e.nbd.PartNode(device, cand.Index)
			part.Node = node
			direct := []attempt{
				{cand.Type, "nbd-partition", func(t string) error {
					return e.mounts.Mount(node, t, "")
				}},
			}
			mountedPart, err = e.tryAttempts(result, part, name, direct)
		}
		if err != nil {
			e.log.Warning("partition %d of %s did not mount via nbd: %v", cand.Index, ctr.Path, err)
			continue
		}
		mounted++

		if withVSS && PlatformForFilesystem(mountedPart.Filesystem) == "Windows" {
			e.expandSnapshots(result, ctr, device, mountedPart)
		}
	}

	if mounted == 0 {
		// Teardown empties the handle's stack, so the copy already on the
		// result stack degrades to a no-op.
		if err := nbdHandle.Teardown(); err != nil {
			e.log.Warning("nbd disconnect for %s: %v", ctr.Path, err)
		}
		return false, nil
	}

	return true, nil
}

// diskFilesystems is the fixed order tried against mapper nodes and
// whole-file loop mounts.
var diskFilesystems = []string{"ntfs", "ext4", "xfs", "exfat", "hfsplus"}

// mountViaMapper creates device-mapper partition nodes with kpartx and
// cascades filesystem types per node.
func (e *Engine) mountViaMapper(result *MountResult, ctr *Container, withVSS bool) error {
	mapperHandle, err := e.mapper.Map(ctr.Path)
	if err != nil {
		e.log.Debug("kpartx for %s: %v", ctr.Path, err)
		return err
	}
	if len(mapperHandle.Nodes) == 0 {
		if err := mapperHandle.Teardown(); err != nil {
			e.log.Warning("kpartx teardown for %s: %v", ctr.Path, err)
		}
		return fmt.Errorf("no partitions discoverable in %s", ctr.Path)
	}
	result.teardown.Add(mapperHandle.Teardown)

	mounted := 0
	for i, node := range mapperHandle.Nodes {
		node := node
		part := &Partition{Index: i + 1, Node: node}
		name := partitionName(ctr.Name, i+1)

		var attempts []attempt
		for _, fs := range diskFilesystems {
			fs := fs
			attempts = append(attempts, attempt{fs, "kpartx", func(t string) error {
				return e.mounts.Mount(node, t, fs)
			}})
		}

		mountedPart, err := e.tryAttempts(result, part, name, attempts)
		if err != nil {
			e.log.Warning("mapper node %s of %s did not mount: %v", node, ctr.Path, err)
			continue
		}
		mounted++

		if withVSS && PlatformForFilesystem(mountedPart.Filesystem) == "Windows" {
			e.expandSnapshots(result, ctr, node, mountedPart)
		}
	}

	if mounted == 0 {
		if err := mapperHandle.Teardown(); err != nil {
			e.log.Warning("kpartx teardown for %s: %v", ctr.Path, err)
		}
		return fmt.Errorf("no mapper node of %s mounted", ctr.Path)
	}

	return nil
}

// mountDirect is the last resort: whole-container loop mounts across the
// filesystem list, then APFS over FUSE, then the disk-inspection FUSE
// tool that auto-selects the primary volume.
func (e *Engine) mountDirect(result *MountResult, ctr *Container) error {
	var attempts []attempt
	for _, fs := range diskFilesystems {
		fs := fs
		attempts = append(attempts, attempt{fs, "loop", func(t string) error {
			return e.mounts.MountLoop(ctr.Path, t, fs, 0)
		}})
	}
	attempts = append(attempts,
		attempt{"apfs", "apfs-fuse", func(t string) error {
			return e.mounts.FuseMount("apfs-fuse", "-o", "ro", ctr.Path, t)
		}},
		attempt{"", "imagemounter", func(t string) error {
			return e.mounts.FuseMount("imagemounter", "--readonly", "--mountdir", t, ctr.Path)
		}},
	)

	_, err := e.tryAttempts(result, &Partition{Index: 1}, ctr.Name, attempts)
	return err
}

// tryAttempts walks one ordered cascade. Each attempt gets a fresh slot;
// failure releases the slot before the next attempt starts, success
// promotes the slot, registers the image and records its teardown.
func (e *Engine) tryAttempts(result *MountResult, part *Partition, name string, attempts []attempt) (*Partition, error) {
	var lastErr error
	for _, att := range attempts {
		slot, err := e.acquire(e.Final)
		if err != nil {
			return nil, err
		}

		e.log.Debug("attempting %s via %s on %s", attemptLabel(att), att.mechanism, slot.Path)
		if err := att.run(slot.Path); err != nil {
			e.Final.Release(slot)
			lastErr = err
			e.log.Debug("attempt %s via %s failed: %v", attemptLabel(att), att.mechanism, err)
			continue
		}

		fsType := att.fsType
		if fsType == "" {
			fsType = part.Type
		}
		handle := Handle{Name: name, Platform: PlatformForFilesystem(fsType)}
		if err := e.reg.Add(slot.Path, handle); err != nil {
			// Uniqueness violation: unwind this binding entirely.
			if umErr := e.mounts.Unmount(slot.Path, true); umErr != nil {
				e.log.Warning("unwind of %s: %v", slot.Path, umErr)
			}
			e.Final.Release(slot)
			return nil, fmt.Errorf("%w: %v", ErrPartitionAmbiguous, err)
		}

		e.Final.SetMounted(slot)
		part.Slot = slot
		part.Filesystem = fsType
		result.Partitions = append(result.Partitions, part)
		result.Entries = append(result.Entries, Entry{MountPath: slot.Path, Handle: handle})

		mountPath := slot.Path
		result.teardown.Add(func() error {
			defer e.Final.Release(slot)
			e.reg.Remove(mountPath)
			return e.mounts.Unmount(mountPath, true)
		})

		e.log.Info("mounted %s as %s on %s (%s via %s)", result.Container.Path, handle, slot.Path, fsType, att.mechanism)
		return part, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no mount attempts applicable")
	}
	return nil, lastErr
}

// expandSnapshots enumerates shadow snapshots on the bridged device and
// mounts each into its own slot, chained to the primary partition.
// Per-snapshot failures never fail the primary mount.
func (e *Engine) expandSnapshots(result *MountResult, ctr *Container, device string, primary *Partition) {
	stores := e.vss.Enumerate(device)
	if len(stores) == 0 {
		return
	}

	root := filepath.Join(e.cfg.VSSRoot, ctr.Name)
	if err := os.MkdirAll(root, 0o755); err != nil {
		e.log.Warning("cannot create snapshot root %s: %v", root, err)
		return
	}

	expose, err := e.vss.Expose(device, root)
	if err != nil {
		e.log.Warning("vshadowmount for %s: %v", ctr.Path, err)
		return
	}
	result.teardown.Add(expose.Teardown)

	name := partitionName(ctr.Name, primary.Index)
	for _, store := range stores {
		slot, err := e.acquire(e.Final)
		if err != nil {
			e.log.Warning("no slot for snapshot %d of %s: %v", store, ctr.Path, err)
			continue
		}

		vssFile := filepath.Join(root, fmt.Sprintf("vss%d", store))
		if err := e.mounts.MountLoop(vssFile, slot.Path, "ntfs", 0); err != nil {
			e.Final.Release(slot)
			e.log.Warning("snapshot %d of %s did not mount: %v", store, ctr.Path, err)
			continue
		}

		handle := Handle{Name: name, Platform: "Windows", Snapshot: store}
		if err := e.reg.Add(slot.Path, handle); err != nil {
			if umErr := e.mounts.Unmount(slot.Path, true); umErr != nil {
				e.log.Warning("unwind of snapshot mount %s: %v", slot.Path, umErr)
			}
			e.Final.Release(slot)
			e.log.Warning("snapshot %d of %s not registered: %v", store, ctr.Path, err)
			continue
		}

		e.Final.SetMounted(slot)
		snap := &Snapshot{Index: store, Primary: primary, Slot: slot, Handle: handle}
		result.Snapshots = append(result.Snapshots, snap)
		result.Entries = append(result.Entries, Entry{MountPath: slot.Path, Handle: handle})

		mountPath := slot.Path
		result.teardown.Add(func() error {
			defer e.Final.Release(slot)
			e.reg.Remove(mountPath)
			return e.mounts.Unmount(mountPath, true)
		})

		e.log.Info("mounted snapshot %s on %s", handle, slot.Path)
	}
}

// Unmount tears down everything a mount result acquired, newest first.
func (e *Engine) Unmount(result *MountResult) error {
	if result == nil {
		return nil
	}
	return result.teardown.Execute()
}

// acquire wraps pool acquisition with the single retry the pool level is
// allowed before its failure becomes a container-level failure.
func (e *Engine) acquire(pool *Pool) (*Slot, error) {
	slot, err := pool.Acquire()
	if err == nil {
		return slot, nil
	}
	return pool.Acquire()
}

func partitionName(base string, index int) string {
	if index <= 1 {
		return base
	}
	return fmt.Sprintf("%s_p%d", base, index)
}

func attemptLabel(att attempt) string {
	if att.fsType == "" {
		return "auto"
	}
	return att.fsType
}

// isOverlappingLoop matches the kernel's refusal to bind two offset loop
// devices over the same range.
func isOverlappingLoop(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "overlapping loop") ||
		strings.Contains(msg, "failed to set up loop device")
}
