package image

import (
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

type reconcilerFixture struct {
	run *testutil.ScriptRunner
	cfg *config.Config
	rec *Reconciler

	final  *Pool
	bridge *Pool
	mounts string
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()

	cfg := config.Default()
	cfg.PoolBase = t.TempDir()
	cfg.VSSRoot = filepath.Join(cfg.PoolBase, "vss")

	final, err := NewPool(cfg.PoolBase, "image", 3)
	require.NoError(t, err)
	bridge, err := NewPool(cfg.PoolBase, "bridge", 2)
	require.NoError(t, err)

	run := &testutil.ScriptRunner{}
	nbd := NewNBDBridge(run, cfg)
	nbd.DevGlob = filepath.Join(cfg.PoolBase, "no-such-dev", "nbd*")

	rec := NewReconciler(run, cfg, ui.NewLogger(false, true, true), nbd, final, bridge)
	rec.ProcMounts = filepath.Join(t.TempDir(), "mounts")

	return &reconcilerFixture{run: run, cfg: cfg, rec: rec, final: final, bridge: bridge, mounts: rec.ProcMounts}
}

func (f *reconcilerFixture) writeMountTable(t *testing.T, targets ...string) {
	t.Helper()
	var b strings.Builder
	b.WriteString("proc /proc proc rw 0 0\n")
	b.WriteString("/dev/sda1 / ext4 rw 0 0\n")
	for _, target := range targets {
		fmt.Fprintf(&b, "/dev/loop0 %s ntfs ro 0 0\n", target)
	}
	require.NoError(t, os.WriteFile(f.mounts, []byte(b.String()), 0o644))
}

func TestSweepReclaimsStaleState(t *testing.T) {
	f := newReconcilerFixture(t)
	f.run.Rules = []testutil.Rule{
		{Prefix: "losetup -l -J", Output: `{"loopdevices":[{"name":"/dev/loop7","back-file":"/cases/host.dd"}]}`},
	}

	slot := f.final.Slots()[0]
	vssMount := filepath.Join(f.cfg.VSSRoot, "host", "vss1")
	f.writeMountTable(t, slot.Path, vssMount)

	f.rec.Sweep()

	calls := f.run.Calls()

	// Deeper snapshot mounts come off before the slot they chain from.
	vssIdx, slotIdx := -1, -1
	for i, call := range calls {
		if call == "umount "+vssMount {
			vssIdx = i
		}
		if call == "umount "+slot.Path {
			slotIdx = i
		}
	}
	require.GreaterOrEqual(t, vssIdx, 0)
	require.GreaterOrEqual(t, slotIdx, 0)
	assert.Less(t, vssIdx, slotIdx)

	assert.Contains(t, calls, "losetup -d /dev/loop7")

	for _, s := range f.final.Slots() {
		assert.Equal(t, SlotFree, s.State(), s.Path)
	}
	for _, s := range f.bridge.Slots() {
		assert.Equal(t, SlotFree, s.State(), s.Path)
	}
}

func TestSweepDisconnectsAttachedNBD(t *testing.T) {
	f := newReconcilerFixture(t)
	f.writeMountTable(t)

	devDir := t.TempDir()
	dev := filepath.Join(devDir, "nbd0")
	require.NoError(t, os.WriteFile(dev, nil, 0o600))
	f.rec.nbd.DevGlob = filepath.Join(devDir, "nbd*")

	// A pid file under sysfs marks the device as served.
	sysBlock := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(sysBlock, "nbd0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sysBlock, "nbd0", "pid"), []byte("4242\n"), 0o644))
	f.rec.nbd.SysBlock = sysBlock

	f.rec.Sweep()

	assert.Contains(t, f.run.Calls(), "qemu-nbd --disconnect "+dev)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newReconcilerFixture(t)

	slot := f.final.Slots()[0]
	f.writeMountTable(t, slot.Path)

	f.rec.Sweep()
	require.Contains(t, f.run.Calls(), "umount "+slot.Path)

	// Second sweep over a clean table touches nothing but the loop flush.
	f.writeMountTable(t)
	f.run.Reset()
	f.rec.Sweep()

	for _, call := range f.run.Calls() {
		assert.False(t, strings.HasPrefix(call, "umount "), "unexpected unmount: %s", call)
	}
}

func TestSweepSurvivesMissingMountTable(t *testing.T) {
	f := newReconcilerFixture(t)
	f.run.Rules = []testutil.Rule{
		{Prefix: "losetup -l -J", Err: testutil.Fail("losetup: /dev: permission denied")},
	}

	// ProcMounts was never written and the device table is unreadable; the
	// sweep degrades to warnings and the blanket detach.
	f.rec.Sweep()

	assert.Contains(t, f.run.Calls(), "losetup -D")
}
