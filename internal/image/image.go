// Package image implements the evidence mounting subsystem: container
// format identification, mount point pools, device bridges, the mount
// strategy cascade, partition and shadow snapshot resolution, the image
// registry and the stale-state reconciler.
package image

import (
	"path/filepath"
	"strings"
)

// Family classifies a container into a mount family.
type Family int

const (
	// FamilyUnknown is anything the prober and extension table cannot place.
	FamilyUnknown Family = iota
	// FamilyWitness is a compressed witness-format image (E01/Ex01).
	FamilyWitness
	// FamilyVirtualDisk is a hypervisor disk image (VMDK, VHD, QCOW2).
	FamilyVirtualDisk
	// FamilyRaw is a dd-style byte-for-byte image.
	FamilyRaw
	// FamilyNativeContainer is a platform disk-image container (DMG).
	FamilyNativeContainer
	// FamilyMemory is a memory dump, registered but never mounted.
	FamilyMemory
)

func (f Family) String() string {
	switch f {
	case FamilyWitness:
		return "witness"
	case FamilyVirtualDisk:
		return "virtualdisk"
	case FamilyRaw:
		return "raw"
	case FamilyNativeContainer:
		return "native-container"
	case FamilyMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// Container is one evidence source file. Immutable once identified.
type Container struct {
	Path        string
	Name        string // base name without extension, used in handles
	Size        uint64
	Family      Family
	Description string // free-text result of the content probe
	Probed      bool   // a content signature matched; false when classified by extension
}

// ContainerName derives the handle name from an evidence path.
func ContainerName(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// Partition is one volume inside a container. A container without a
// partition table is modeled as a single implicit partition at offset 0.
type Partition struct {
	Index      int
	Offset     uint64
	Type       string // declared filesystem label from the table, may be empty
	Node       string // kernel-exposed sub-device, when one exists
	Slot       *Slot  // set once mounted
	Filesystem string // filesystem that actually mounted
}

// Snapshot is a mounted shadow snapshot chained to a primary partition.
type Snapshot struct {
	Index     int // 1-based shadow store index
	Primary   *Partition
	Slot      *Slot
	Handle    Handle
}
