package image

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/maren/evmount/internal/config"
	"github.com/maren/evmount/internal/system"
)

// SnapshotResolver enumerates volume shadow snapshots on a bridged NTFS
// device. Enumeration is side-effect free; the strategy engine mounts the
// candidates it returns.
type SnapshotResolver struct {
	run system.Runner
	cfg *config.Config
}

// NewSnapshotResolver creates a new snapshot resolver
func NewSnapshotResolver(run system.Runner, cfg *config.Config) *SnapshotResolver {
	return &SnapshotResolver{run: run, cfg: cfg}
}

// Usable reports whether the shadow snapshot tooling is installed.
func (r *SnapshotResolver) Usable() bool {
	return r.run.CommandExists(r.cfg.Tool("vshadowinfo")) &&
		r.run.CommandExists(r.cfg.Tool("vshadowmount"))
}

// Enumerate returns the 1-based shadow store indices present on a device.
// A device without a shadow volume yields an empty list, not an error.
func (r *SnapshotResolver) Enumerate(device string) []int {
	if !r.Usable() {
		return nil
	}
	out, err := r.run.RunOutput(r.cfg.Tool("vshadowinfo"), device)
	if err != nil {
		return nil
	}
	return ParseVshadowInfo(out)
}

var storeRe = regexp.MustCompile(`(?m)^Store:\s+(\d+)`)

// ParseVshadowInfo extracts store indices from vshadowinfo output.
func ParseVshadowInfo(out string) []int {
	var stores []int
	for _, m := range storeRe.FindAllStringSubmatch(out, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			stores = append(stores, n)
		}
	}
	if len(stores) > 0 {
		return stores
	}

	// Older vshadowinfo prints only a count.
	for _, line := range strings.Split(out, "\n") {
		if name, value, ok := strings.Cut(line, ":"); ok &&
			strings.TrimSpace(name) == "Number of stores" {
			if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				for i := 1; i <= n; i++ {
					stores = append(stores, i)
				}
			}
		}
	}
	return stores
}

// Expose mounts the device's shadow volume as per-store files (vss1..vssN)
// under the given root, returning a handle that owns the FUSE unmount.
func (r *SnapshotResolver) Expose(device, root string) (*DeviceHandle, error) {
	tool := r.cfg.Tool("vshadowmount")
	if _, err := r.run.RunTimeout(r.cfg.BridgeTimeout(), tool, device, root); err != nil {
		return nil, err
	}
	h := newDeviceHandle("vshadow", root)
	h.OnTeardown(func() error {
		return r.run.Run(r.cfg.Tool("umount"), root)
	})
	return h, nil
}
