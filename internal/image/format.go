package image

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// probe is one content signature check. Probes are tried in order; the
// first match wins, extension matching is the fallback.
type probe struct {
	name        string
	family      Family
	offset      int64
	magic       []byte
	description string
}

var probes = []probe{
	{"ewf", FamilyWitness, 0, []byte{'E', 'V', 'F', 0x09, 0x0d, 0x0a, 0xff, 0x00}, "EWF witness image"},
	{"ewf2", FamilyWitness, 0, []byte{'E', 'V', 'F', '2', 0x0d, 0x0a, 0x81, 0x00}, "EWFv2 witness image"},
	{"vmdk-sparse", FamilyVirtualDisk, 0, []byte("KDMV"), "VMDK sparse disk"},
	{"vmdk-descriptor", FamilyVirtualDisk, 0, []byte("# Disk DescriptorFile"), "VMDK descriptor"},
	{"qcow", FamilyVirtualDisk, 0, []byte{'Q', 'F', 'I', 0xfb}, "QCOW disk image"},
	{"vhd", FamilyVirtualDisk, 0, []byte("conectix"), "VHD disk image"},
	{"vdi", FamilyVirtualDisk, 0, []byte("<<< Oracle VM VirtualBox Disk Image >>>"), "VDI disk image"},
	// MBR boot signature sits at the end of sector 0.
	{"mbr", FamilyRaw, 510, []byte{0x55, 0xaa}, "DOS/MBR boot sector"},
	// GPT header magic in sector 1 (512-byte sectors).
	{"gpt", FamilyRaw, 512, []byte("EFI PART"), "GPT disk image"},
}

var extensions = map[string]Family{
	".e01":   FamilyWitness,
	".ex01":  FamilyWitness,
	".001":   FamilyWitness,
	".vmdk":  FamilyVirtualDisk,
	".vhd":   FamilyVirtualDisk,
	".vhdx":  FamilyVirtualDisk,
	".qcow2": FamilyVirtualDisk,
	".dd":    FamilyRaw,
	".raw":   FamilyRaw,
	".img":   FamilyRaw,
	".dmg":   FamilyNativeContainer,
	".mem":   FamilyMemory,
	".lime":  FamilyMemory,
	".vmem":  FamilyMemory,
	".dmp":   FamilyMemory,
	".crash": FamilyMemory,
}

// probeWindow covers the furthest magic offset plus its length.
const probeWindow = 1024

// Identify classifies an evidence container by content, falling back to
// its extension. Unknown formats are not an error; the caller decides
// whether to skip the container.
func Identify(path string) (*Container, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat container %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("container %s is a directory", path)
	}

	ctr := &Container{
		Path:   path,
		Name:   ContainerName(path),
		Size:   uint64(info.Size()),
		Family: FamilyUnknown,
	}

	head := make([]byte, probeWindow)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open container %s: %w", path, err)
	}
	n, _ := f.ReadAt(head, 0)
	f.Close()
	head = head[:n]

	for _, p := range probes {
		end := p.offset + int64(len(p.magic))
		if end > int64(len(head)) {
			continue
		}
		if bytes.Equal(head[p.offset:end], p.magic) {
			ctr.Family = p.family
			ctr.Description = p.description
			ctr.Probed = true
			break
		}
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ctr.Family == FamilyUnknown {
		if fam, ok := extensions[ext]; ok {
			ctr.Family = fam
			ctr.Description = "matched by extension " + ext
		} else {
			ctr.Description = "data"
		}
	}

	// A raw-looking boot sector inside a file the user named .dd/.raw is
	// still raw; but the same signature behind a witness extension means a
	// split segment of an uncompressed acquisition.
	if ctr.Family == FamilyRaw && extensions[ext] == FamilyWitness && ext != ".001" {
		ctr.Family = FamilyWitness
	}

	return ctr, nil
}
