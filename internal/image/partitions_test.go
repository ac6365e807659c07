package image

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maren/evmount/internal/config"
	"github.com/maren/evmount/internal/testutil"
)

const twoPartitionTable = `{
  "partitiontable": {
    "label": "dos",
    "id": "0x1b2c3d4e",
    "device": "/dev/nbd0",
    "unit": "sectors",
    "sectorsize": 512,
    "partitions": [
      {"node": "/dev/nbd0p1", "start": 2048, "size": 204800, "type": "7"},
      {"node": "/dev/nbd0p2", "start": 206848, "size": 409600, "type": "83"}
    ]
  }
}`

func TestParseSfdiskJSON(t *testing.T) {
	parts, err := ParseSfdiskJSON(twoPartitionTable)
	require.NoError(t, err)
	require.Len(t, parts, 2)

	assert.Equal(t, 1, parts[0].Index)
	assert.Equal(t, uint64(2048*512), parts[0].Offset)
	assert.Equal(t, uint64(204800*512), parts[0].Size)
	assert.Equal(t, "ntfs", parts[0].Type)
	assert.Equal(t, "/dev/nbd0p1", parts[0].Node)

	assert.Equal(t, 2, parts[1].Index)
	assert.Equal(t, uint64(206848*512), parts[1].Offset)
	assert.Equal(t, "ext4", parts[1].Type)
}

func TestParseSfdiskJSONDefaultsSectorSize(t *testing.T) {
	parts, err := ParseSfdiskJSON(`{"partitiontable":{"partitions":[{"start":100,"size":200,"type":"af"}]}}`)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, uint64(100*512), parts[0].Offset)
	assert.Equal(t, "hfsplus", parts[0].Type)
}

func TestParseSfdiskJSONRejectsGarbage(t *testing.T) {
	_, err := ParseSfdiskJSON("sfdisk: cannot open /dev/nbd0")
	assert.Error(t, err)
}

func TestResolveFallsBackToImplicitPartition(t *testing.T) {
	run := &testutil.ScriptRunner{
		Rules: []testutil.Rule{
			{Prefix: "sfdisk", Err: testutil.Fail("sfdisk: no table")},
		},
	}
	resolver := NewResolver(run, config.Default())

	// Neither sfdisk nor an in-process table read can classify this, so
	// a single implicit partition at offset 0 comes back.
	parts := resolver.Resolve("/nonexistent/flat.dd")
	require.Len(t, parts, 1)
	assert.Equal(t, 1, parts[0].Index)
	assert.Equal(t, uint64(0), parts[0].Offset)
}

func TestParseSfdiskJSONUnknownTypeCarriesNoHint(t *testing.T) {
	parts, err := ParseSfdiskJSON(`{"partitiontable":{"partitions":[{"start":2048,"size":1024,"type":"ee"}]}}`)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Empty(t, parts[0].Type)
}

func TestResolveReadsTableInProcess(t *testing.T) {
	img := make([]byte, 1<<20)
	entry := img[446:]
	entry[0] = 0x80 // bootable
	entry[4] = 0x07 // NTFS type code
	binary.LittleEndian.PutUint32(entry[8:], 2048)   // first sector
	binary.LittleEndian.PutUint32(entry[12:], 40960) // sector count
	img[510] = 0x55
	img[511] = 0xaa

	path := filepath.Join(t.TempDir(), "host.dd")
	require.NoError(t, os.WriteFile(path, img, 0o644))

	run := &testutil.ScriptRunner{Missing: []string{"sfdisk"}}
	resolver := NewResolver(run, config.Default())

	parts := resolver.Resolve(path)
	require.Len(t, parts, 1)
	assert.Equal(t, 1, parts[0].Index)
	assert.Equal(t, uint64(2048*512), parts[0].Offset)
	assert.Equal(t, "ntfs", parts[0].Type)
}

func TestResolvePrefersSfdisk(t *testing.T) {
	run := &testutil.ScriptRunner{
		Rules: []testutil.Rule{
			{Prefix: "sfdisk", Output: twoPartitionTable},
		},
	}
	resolver := NewResolver(run, config.Default())

	parts := resolver.Resolve("/dev/nbd0")
	require.Len(t, parts, 2)
	assert.Equal(t, "ntfs", parts[0].Type)
}
