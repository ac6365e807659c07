package image

import (
	"encoding/json"
	"fmt"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/diskfs/go-diskfs/partition/part"

	"github.com/maren/evmount/internal/config"
	"github.com/maren/evmount/internal/system"
)

// PartitionCandidate is one volume a partition table declares. Candidates
// only recommend offsets; the strategy engine performs the binding.
type PartitionCandidate struct {
	Index  int
	Node   string // table-declared device node, when the source was a device
	Offset uint64 // byte offset into the container
	Size   uint64
	Type   string // filesystem hint from the declared type code, may be empty
}

// Resolver extracts partition candidates from a device or container file.
type Resolver struct {
	run system.Runner
	cfg *config.Config
}

// NewResolver creates a new partition resolver
func NewResolver(run system.Runner, cfg *config.Config) *Resolver {
	return &Resolver{run: run, cfg: cfg}
}

// Resolve lists the partitions of a device or image file. sfdisk is asked
// first; when it is missing or its output unusable, the table is read
// in-process. A source with no recognizable table yields a single implicit
// candidate at offset 0.
func (r *Resolver) Resolve(source string) []PartitionCandidate {
	if r.run.CommandExists(r.cfg.Tool("sfdisk")) {
		out, err := r.run.RunOutput(r.cfg.Tool("sfdisk"), "-J", source)
		if err == nil {
			if parts, err := ParseSfdiskJSON(out); err == nil && len(parts) > 0 {
				return parts
			}
		}
	}

	if parts, err := readTable(source); err == nil && len(parts) > 0 {
		return parts
	}

	return []PartitionCandidate{{Index: 1, Offset: 0}}
}

type sfdiskPartition struct {
	Node  string `json:"node"`
	Start uint64 `json:"start"`
	Size  uint64 `json:"size"`
	Type  string `json:"type"`
}

type sfdiskTable struct {
	Label      string            `json:"label"`
	SectorSize uint64            `json:"sectorsize"`
	Partitions []sfdiskPartition `json:"partitions"`
}

type sfdiskOutput struct {
	PartitionTable sfdiskTable `json:"partitiontable"`
}

// ParseSfdiskJSON converts `sfdisk -J` output into byte-offset candidates.
func ParseSfdiskJSON(out string) ([]PartitionCandidate, error) {
	var parsed sfdiskOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse sfdisk output: %w", err)
	}

	sectorSize := parsed.PartitionTable.SectorSize
	if sectorSize == 0 {
		sectorSize = 512
	}

	var parts []PartitionCandidate
	for i, p := range parsed.PartitionTable.Partitions {
		parts = append(parts, PartitionCandidate{
			Index:  i + 1,
			Node:   p.Node,
			Offset: p.Start * sectorSize,
			Size:   p.Size * sectorSize,
			Type:   normalizeType(p.Type),
		})
	}
	return parts, nil
}

// Common MBR codes and GPT type GUIDs, mapped to the filesystem they
// conventionally carry. Unknown codes carry no filesystem hint and the
// cascade falls back to auto-detection.
var partitionTypeNames = map[string]string{
	"7":   "ntfs",
	"0x7": "ntfs",
	"ebd0a0a2-b9e5-4433-87c0-68b6b72699c7": "ntfs",
	"83": "ext4",
	"0fc63daf-8483-4772-8e79-3d69d8477de4": "ext4",
	"af": "hfsplus",
	"48465300-0000-11aa-aa11-00306543ecac": "hfsplus",
	"7c3457ef-0000-11aa-aa11-00306543ecac": "apfs",
}

func normalizeType(t string) string {
	if name, ok := partitionTypeNames[strings.ToLower(t)]; ok {
		return name
	}
	return ""
}

// filesystemFor maps a concrete table entry's declared type code to a
// filesystem name.
func filesystemFor(p part.Partition) string {
	switch v := p.(type) {
	case *mbr.Partition:
		return normalizeType(fmt.Sprintf("%x", v.Type))
	case *gpt.Partition:
		return normalizeType(string(v.Type))
	}
	return ""
}

// readTable reads an MBR/GPT table straight from the image file without
// any external tool.
func readTable(path string) ([]PartitionCandidate, error) {
	d, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer d.Close()

	table, err := d.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("no partition table in %s: %w", path, err)
	}

	var parts []PartitionCandidate
	for i, p := range table.GetPartitions() {
		if p.GetSize() <= 0 {
			continue
		}
		parts = append(parts, PartitionCandidate{
			Index:  i + 1,
			Offset: uint64(p.GetStart()),
			Size:   uint64(p.GetSize()),
			Type:   filesystemFor(p),
		})
	}
	return parts, nil
}
