package image

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maren/evmount/internal/config"
	"github.com/maren/evmount/internal/testutil"
	"github.com/maren/evmount/internal/ui"
)

type engineFixture struct {
	run *testutil.ScriptRunner
	cfg *config.Config
	eng *Engine
}

func newEngineFixture(t *testing.T, run *testutil.ScriptRunner) *engineFixture {
	t.Helper()

	cfg := config.Default()
	cfg.PoolBase = t.TempDir()
	cfg.VSSRoot = filepath.Join(cfg.PoolBase, "vss")

	final, err := NewPool(cfg.PoolBase, "image", 4)
	require.NoError(t, err)
	bridge, err := NewPool(cfg.PoolBase, "bridge", 2)
	require.NoError(t, err)

	eng := NewEngine(run, cfg, ui.NewLogger(false, true, true), final, bridge, NewRegistry())

	// No NBD device nodes unless a test provides them.
	eng.NBD().DevGlob = filepath.Join(cfg.PoolBase, "no-such-dev", "nbd*")
	return &engineFixture{run: run, cfg: cfg, eng: eng}
}

// provisionNBD fakes one idle NBD device node and an empty sysfs tree.
func (f *engineFixture) provisionNBD(t *testing.T) string {
	t.Helper()
	devDir := t.TempDir()
	dev := filepath.Join(devDir, "nbd0")
	require.NoError(t, os.WriteFile(dev, nil, 0o600))
	f.eng.NBD().DevGlob = filepath.Join(devDir, "nbd*")
	f.eng.NBD().SysBlock = t.TempDir()
	return dev
}

func handleStrings(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Handle.String())
	}
	return out
}

func TestMountWitnessFallsThroughToFuse(t *testing.T) {
	run := &testutil.ScriptRunner{
		Rules: []testutil.Rule{
			// Every kernel loop mount is refused; only the user-space
			// driver chain can succeed.
			{Prefix: "mount ", Err: testutil.Fail("mount: unknown filesystem type")},
		},
	}
	f := newEngineFixture(t, run)

	ctr := &Container{Path: "/cases/host.E01", Name: "host", Family: FamilyWitness}
	result, err := f.eng.Mount(ctr, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"host::Windows"}, handleStrings(result.Entries))
	assert.Equal(t, 1, f.eng.Registry().Len())

	require.Len(t, result.Partitions, 1)
	assert.Equal(t, "ntfs", result.Partitions[0].Filesystem)

	var fuse bool
	for _, call := range run.Calls() {
		if strings.HasPrefix(call, "ntfs-3g -o ro ") {
			fuse = true
		}
	}
	assert.True(t, fuse, "expected the ntfs-3g driver to be invoked")
}

func TestMountWitnessExhaustionReleasesEverything(t *testing.T) {
	run := &testutil.ScriptRunner{
		Rules: []testutil.Rule{
			{Prefix: "mount ", Err: testutil.Fail("mount: unknown filesystem type")},
		},
		Missing: []string{"ntfs-3g", "fuse2fs", "apfs-fuse"},
	}
	f := newEngineFixture(t, run)

	ctr := &Container{Path: "/cases/host.E01", Name: "host", Family: FamilyWitness}
	_, err := f.eng.Mount(ctr, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMountExhausted))

	assert.Zero(t, f.eng.Registry().Len())
	for _, slot := range f.eng.Final.Slots() {
		assert.Equal(t, SlotFree, slot.State(), slot.Path)
	}
	for _, slot := range f.eng.Bridge.Slots() {
		assert.Equal(t, SlotFree, slot.State(), slot.Path)
	}

	var bridgeUnmounted bool
	for _, call := range run.Calls() {
		if strings.HasPrefix(call, "umount ") {
			bridgeUnmounted = true
		}
	}
	assert.True(t, bridgeUnmounted, "expected the bridge slot to be unmounted")
}

// Two independent engines over identical containers must attempt the same
// commands in the same order.
func TestCascadeOrderIsDeterministic(t *testing.T) {
	sequence := func(t *testing.T) []string {
		run := &testutil.ScriptRunner{
			Rules: []testutil.Rule{
				{Prefix: "mount ", Err: testutil.Fail("mount: unknown filesystem type")},
			},
			Missing: []string{"ntfs-3g", "fuse2fs", "apfs-fuse"},
		}
		f := newEngineFixture(t, run)

		ctr := &Container{Path: "/cases/host.E01", Name: "host", Family: FamilyWitness}
		_, err := f.eng.Mount(ctr, false)
		require.Error(t, err)

		var calls []string
		for _, call := range run.Calls() {
			calls = append(calls, strings.ReplaceAll(call, f.cfg.PoolBase, "BASE"))
		}
		return calls
	}

	assert.Equal(t, sequence(t), sequence(t))
}

func TestMountDiskOverlappingLoopUsesPartitionNode(t *testing.T) {
	run := &testutil.ScriptRunner{}
	f := newEngineFixture(t, run)
	dev := f.provisionNBD(t)

	// 2048 and 206848 sectors at 512 bytes each.
	table := fmt.Sprintf(`{
  "partitiontable": {
    "label": "dos",
    "sectorsize": 512,
    "partitions": [
      {"node": "%[1]sp1", "start": 2048, "size": 204800, "type": "7"},
      {"node": "%[1]sp2", "start": 206848, "size": 409600, "type": "7"}
    ]
  }
}`, dev)

	run.Rules = []testutil.Rule{
		{Prefix: "sfdisk", Output: table},
		// The second offset binding collides with the first one's loop
		// device; the kernel refuses both the typed and the auto attempt.
		{Prefix: "mount ", Substr: "offset=105906176", Err: testutil.Fail("mount: failed to set up loop device: overlapping loop device exists")},
	}

	ctr := &Container{Path: "/cases/host.dd", Name: "host", Family: FamilyRaw, Description: "DOS/MBR boot sector", Probed: true}
	result, err := f.eng.Mount(ctr, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"host::Windows", "host_p2::Windows"}, handleStrings(result.Entries))
	require.Len(t, result.Partitions, 2)

	// The first partition went through the offset binding, the second was
	// bound through the kernel-exposed sub-device on a fresh slot.
	assert.Equal(t, uint64(2048*512), result.Partitions[0].Offset)
	assert.Empty(t, result.Partitions[0].Node)
	assert.Equal(t, dev+"p2", result.Partitions[1].Node)
	assert.NotEqual(t, result.Partitions[0].Slot.Path, result.Partitions[1].Slot.Path)

	var direct bool
	for _, call := range run.Calls() {
		if strings.HasPrefix(call, "mount -o ro "+dev+"p2 ") {
			direct = true
		}
	}
	assert.True(t, direct, "expected a direct mount of the partition sub-device")
}

func TestMountRawUnstructuredTriesAPFSFirst(t *testing.T) {
	run := &testutil.ScriptRunner{}
	f := newEngineFixture(t, run)

	// A macOS acquisition: raw by extension, no signature anywhere.
	path := filepath.Join(t.TempDir(), "macbook.dd")
	require.NoError(t, os.WriteFile(path, make([]byte, 1024), 0o644))

	ctr, err := Identify(path)
	require.NoError(t, err)
	require.Equal(t, FamilyRaw, ctr.Family)
	require.False(t, ctr.Probed)

	result, err := f.eng.Mount(ctr, false)
	require.NoError(t, err)

	calls := run.Calls()
	require.NotEmpty(t, calls)
	assert.True(t, strings.HasPrefix(calls[0], "apfs-fuse -o ro "+path),
		"expected apfs-fuse before any other mechanism, got %q", calls[0])
	assert.Equal(t, []string{"macbook::macOS"}, handleStrings(result.Entries))
}

func TestMountDiskFallsBackToMapper(t *testing.T) {
	run := &testutil.ScriptRunner{
		Rules: []testutil.Rule{
			{Prefix: "kpartx -a -v -r", Output: "add map loop0p1 (253:0): 0 204800 linear 7:0 2048\n"},
		},
		Missing: []string{"qemu-nbd"},
	}
	f := newEngineFixture(t, run)

	ctr := &Container{Path: "/cases/host.vmdk", Name: "host", Family: FamilyVirtualDisk, Description: "VMware disk image"}
	result, err := f.eng.Mount(ctr, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"host::Windows"}, handleStrings(result.Entries))
	require.Len(t, result.Partitions, 1)
	assert.Equal(t, "/dev/mapper/loop0p1", result.Partitions[0].Node)

	// Teardown detaches the mapper nodes after the mount is released.
	require.NoError(t, f.eng.Unmount(result))
	calls := run.Calls()
	assert.Contains(t, calls[len(calls)-1], "kpartx -d /cases/host.vmdk")
	assert.Zero(t, f.eng.Registry().Len())
}

func TestMountWitnessWithSnapshots(t *testing.T) {
	run := &testutil.ScriptRunner{
		Rules: []testutil.Rule{
			{Prefix: "vshadowinfo", Output: "Store: 1\n\nStore: 2\n"},
		},
	}
	f := newEngineFixture(t, run)

	ctr := &Container{Path: "/cases/host.E01", Name: "host", Family: FamilyWitness}
	result, err := f.eng.Mount(ctr, true)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"host::Windows",
		"host::Windows_vss1",
		"host::Windows_vss2",
	}, handleStrings(result.Entries))
	require.Len(t, result.Snapshots, 2)
	assert.Equal(t, result.Partitions[0], result.Snapshots[0].Primary)

	var mountedStores []string
	for _, call := range run.Calls() {
		if strings.HasPrefix(call, "mount -t ntfs -o ro,loop "+filepath.Join(f.cfg.VSSRoot, "host", "vss")) {
			mountedStores = append(mountedStores, call)
		}
	}
	assert.Len(t, mountedStores, 2)
}

func TestMountMemoryContainerRefused(t *testing.T) {
	f := newEngineFixture(t, &testutil.ScriptRunner{})

	ctr := &Container{Path: "/cases/host.mem", Name: "host", Family: FamilyMemory}
	_, err := f.eng.Mount(ctr, false)
	assert.Error(t, err)
}

func TestMountUnknownFamilyRefused(t *testing.T) {
	f := newEngineFixture(t, &testutil.ScriptRunner{})

	ctr := &Container{Path: "/cases/blob.bin", Name: "blob", Family: FamilyUnknown}
	_, err := f.eng.Mount(ctr, false)
	assert.True(t, errors.Is(err, ErrIdentificationFailed))
}

func TestUnmountReleasesSlotsAndRegistry(t *testing.T) {
	run := &testutil.ScriptRunner{
		Rules: []testutil.Rule{
			{Prefix: "mount ", Err: testutil.Fail("mount: unknown filesystem type")},
		},
	}
	f := newEngineFixture(t, run)

	ctr := &Container{Path: "/cases/host.E01", Name: "host", Family: FamilyWitness}
	result, err := f.eng.Mount(ctr, false)
	require.NoError(t, err)
	require.Equal(t, 1, f.eng.Registry().Len())

	require.NoError(t, f.eng.Unmount(result))

	assert.Zero(t, f.eng.Registry().Len())
	for _, slot := range f.eng.Final.Slots() {
		assert.Equal(t, SlotFree, slot.State(), slot.Path)
	}
	for _, slot := range f.eng.Bridge.Slots() {
		assert.Equal(t, SlotFree, slot.State(), slot.Path)
	}
}
