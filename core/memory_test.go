package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonblack/apisurface/core"
)

func TestFlatMemoryReadWrite(t *testing.T) {
	mem := core.NewFlatMemory()
	require.NoError(t, mem.MemMap(0x1000, 0x1000))

	require.NoError(t, mem.MemWrite(0x1010, []byte{1, 2, 3, 4}))
	buf, err := mem.MemRead(0x100e, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 1, 2, 3, 4, 0, 0}, buf)
}

func TestFlatMemoryBounds(t *testing.T) {
	mem := core.NewFlatMemory()
	require.NoError(t, mem.MemMap(0x1000, 0x1000))

	_, err := mem.MemRead(0x1ff8, 0x10)
	assert.Error(t, err)
	assert.Error(t, mem.MemWrite(0xff0, make([]byte, 0x20)))
	_, err = mem.MemRead(0, 4)
	assert.Error(t, err)

	// a failed write leaves the mapped part untouched
	buf, err := mem.MemRead(0x1000, 0x10)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 0x10), buf)
}

func TestFlatMemoryAdjacentRegions(t *testing.T) {
	mem := core.NewFlatMemory()
	require.NoError(t, mem.MemMap(0x2000, 0x1000))
	require.NoError(t, mem.MemMap(0x1000, 0x1000))
	assert.Error(t, mem.MemMap(0x1800, 0x1000), "overlap")

	require.NoError(t, mem.MemWrite(0x1ffe, []byte{0xaa, 0xbb, 0xcc, 0xdd}))
	buf, err := mem.MemRead(0x1ffe, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd}, buf)
	assert.True(t, mem.Mapped(0x1000, 0x2000))
	assert.False(t, mem.Mapped(0x1000, 0x2001))
}
