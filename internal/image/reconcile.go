package image

import (
	"bufio"
	"bytes"
	"os"
	"sort"
	"strings"

	"github.com/maren/evmount/internal/config"
	"github.com/maren/evmount/internal/system"
	"github.com/maren/evmount/internal/ui"
)

// Reconciler sweeps away whatever a previous interrupted run left behind:
// mounted slots, exposed snapshot roots, attached NBD devices and loop
// devices. It runs once before Phase 1 and is a no-op on a clean system.
// Failures are warnings; reconciliation never blocks job startup.
type Reconciler struct {
	run    system.Runner
	cfg    *config.Config
	log    *ui.Logger
	mounts *MountManager
	loops  *LoopManager
	nbd    *NBDBridge
	pools  []*Pool

	// ProcMounts is overridable for tests.
	ProcMounts string
}

// NewReconciler creates a reconciler over the given pools.
func NewReconciler(run system.Runner, cfg *config.Config, log *ui.Logger, nbd *NBDBridge, pools ...*Pool) *Reconciler {
	return &Reconciler{
		run:        run,
		cfg:        cfg,
		log:        log,
		mounts:     NewMountManager(run, cfg),
		loops:      NewLoopManager(run, cfg),
		nbd:        nbd,
		pools:      pools,
		ProcMounts: "/proc/mounts",
	}
}

// Sweep detaches all stale state. Idempotent; safe to run repeatedly.
func (r *Reconciler) Sweep() {
	stale := r.staleMounts()

	staleSet := make(map[string]bool, len(stale))
	for _, target := range stale {
		staleSet[target] = true
	}
	for _, pool := range r.pools {
		for _, slot := range pool.Slots() {
			if staleSet[slot.Path] {
				pool.MarkStale(slot)
			}
		}
	}

	// Deepest paths first, so snapshot mounts come off before the bridge
	// mounts they chain from.
	sort.Slice(stale, func(i, j int) bool {
		return strings.Count(stale[i], "/") > strings.Count(stale[j], "/")
	})

	for _, target := range stale {
		r.log.Debug("reconciling stale mount %s", target)
		if err := r.mounts.Unmount(target, true); err != nil {
			r.log.Warning("stale mount %s not reclaimed: %v", target, err)
		}
	}

	for _, dev := range r.nbd.Attached() {
		r.log.Debug("disconnecting stale nbd device %s", dev)
		if err := r.nbd.Disconnect(dev); err != nil {
			r.log.Warning("nbd device %s not disconnected: %v", dev, err)
		}
	}

	// Enumerate so the log names what gets detached; an unreadable device
	// table falls back to a blanket detach.
	if devs, err := r.loops.GetAll(); err == nil {
		for dev, back := range devs {
			r.log.Debug("detaching loop device %s (%s)", dev, back)
			if err := r.loops.Detach(dev); err != nil {
				r.log.Warning("loop device %s not detached: %v", dev, err)
			}
		}
	} else if err := r.loops.DetachAll(); err != nil {
		r.log.Warning("loop devices not released: %v", err)
	}

	for _, pool := range r.pools {
		for _, slot := range pool.Slots() {
			pool.Release(slot)
		}
	}
}

// staleMounts returns mounted paths inside the pool roots or the snapshot
// root, per the kernel's mount table.
func (r *Reconciler) staleMounts() []string {
	data, err := os.ReadFile(r.ProcMounts)
	if err != nil {
		r.log.Warning("cannot read mount table: %v", err)
		return nil
	}

	roots := []string{r.cfg.VSSRoot}
	for _, pool := range r.pools {
		for _, slot := range pool.Slots() {
			roots = append(roots, slot.Path)
		}
	}

	var stale []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		target := fields[1]
		for _, root := range roots {
			if target == root || strings.HasPrefix(target, root+"/") {
				stale = append(stale, target)
				break
			}
		}
	}
	return stale
}
