package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAcquireReturnsDistinctUsableSlots(t *testing.T) {
	pool, err := NewPool(t.TempDir(), "image", 3)
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		slot, err := pool.Acquire()
		require.NoError(t, err)
		assert.False(t, seen[slot.Path], "slot %s handed out twice", slot.Path)
		assert.DirExists(t, slot.Path)
		seen[slot.Path] = true
	}
}

func TestPoolGrowsOnExhaustion(t *testing.T) {
	pool, err := NewPool(t.TempDir(), "image", 2)
	require.NoError(t, err)

	seen := map[string]bool{}
	// Acquire well past the provisioned size without ever releasing.
	for i := 0; i < 6; i++ {
		slot, err := pool.Acquire()
		require.NoError(t, err)
		assert.False(t, seen[slot.Path], "slot %s handed out twice", slot.Path)
		assert.DirExists(t, slot.Path)
		seen[slot.Path] = true
	}
	assert.Equal(t, 6, pool.Size())
}

func TestPoolReleaseMakesSlotReusable(t *testing.T) {
	pool, err := NewPool(t.TempDir(), "image", 1)
	require.NoError(t, err)

	first, err := pool.Acquire()
	require.NoError(t, err)
	pool.Release(first)

	second, err := pool.Acquire()
	require.NoError(t, err)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, 1, pool.Size())
}

func TestPoolMountedSlotIsNeverReassigned(t *testing.T) {
	pool, err := NewPool(t.TempDir(), "image", 1)
	require.NoError(t, err)

	slot, err := pool.Acquire()
	require.NoError(t, err)
	pool.SetMounted(slot)
	assert.Equal(t, SlotMounted, slot.State())

	other, err := pool.Acquire()
	require.NoError(t, err)
	assert.NotEqual(t, slot.Path, other.Path)
}

func TestPoolStateTransitions(t *testing.T) {
	pool, err := NewPool(t.TempDir(), "image", 1)
	require.NoError(t, err)

	slot, err := pool.Acquire()
	require.NoError(t, err)
	assert.Equal(t, SlotBridging, slot.State())

	pool.SetMounted(slot)
	assert.Equal(t, SlotMounted, slot.State())

	pool.MarkStale(slot)
	assert.Equal(t, SlotStale, slot.State())

	pool.Release(slot)
	assert.Equal(t, SlotFree, slot.State())
}
