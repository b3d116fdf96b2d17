package core

import (
	"fmt"
	"sort"
)

type region struct {
	base uint64
	data []byte
}

func (r *region) end() uint64 { return r.base + uint64(len(r.data)) }

// FlatMemory is a sparse guest address space made of mapped regions. It
// stands in for the CPU emulator's memory when the engine is driven without
// one.
type FlatMemory struct {
	regions []*region
}

// NewFlatMemory returns an address space with nothing mapped
func NewFlatMemory() *FlatMemory {
	return &FlatMemory{}
}

// MemMap maps size zeroed bytes at addr. Overlapping an existing region is an
// error, same as uc_mem_map.
func (m *FlatMemory) MemMap(addr, size uint64) error {
	if size == 0 {
		return fmt.Errorf("map of zero bytes at 0x%x", addr)
	}
	if addr+size < addr {
		return fmt.Errorf("map at 0x%x of 0x%x bytes wraps the address space", addr, size)
	}
	for _, r := range m.regions {
		if addr < r.end() && r.base < addr+size {
			return fmt.Errorf("map at 0x%x overlaps region 0x%x-0x%x", addr, r.base, r.end())
		}
	}
	m.regions = append(m.regions, &region{addr, make([]byte, size)})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].base < m.regions[j].base })
	return nil
}

// Mapped reports whether every byte of [addr, addr+size) is mapped
func (m *FlatMemory) Mapped(addr, size uint64) bool {
	return m.walk(addr, size, func(*region, uint64, uint64, uint64) {}) == nil
}

// walk visits the regions covering [addr, addr+size) in order. fn gets the
// region, the offset into it, the offset into the request and the chunk
// length.
func (m *FlatMemory) walk(addr, size uint64, fn func(r *region, roff, off, n uint64)) error {
	off := uint64(0)
	for off < size {
		cur := addr + off
		r := m.find(cur)
		if r == nil {
			return fmt.Errorf("unmapped address 0x%x", cur)
		}
		n := r.end() - cur
		if n > size-off {
			n = size - off
		}
		fn(r, cur-r.base, off, n)
		off += n
	}
	return nil
}

func (m *FlatMemory) find(addr uint64) *region {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].end() > addr })
	if i < len(m.regions) && m.regions[i].base <= addr {
		return m.regions[i]
	}
	return nil
}

// MemRead copies size bytes out of the address space
func (m *FlatMemory) MemRead(addr, size uint64) ([]byte, error) {
	if !m.Mapped(addr, size) {
		return nil, fmt.Errorf("read 0x%x bytes at 0x%x: unmapped", size, addr)
	}
	out := make([]byte, size)
	m.walk(addr, size, func(r *region, roff, off, n uint64) {
		copy(out[off:off+n], r.data[roff:roff+n])
	})
	return out, nil
}

// MemWrite copies data into the address space. Nothing is written unless the
// whole range is mapped.
func (m *FlatMemory) MemWrite(addr uint64, data []byte) error {
	size := uint64(len(data))
	if !m.Mapped(addr, size) {
		return fmt.Errorf("write 0x%x bytes at 0x%x: unmapped", size, addr)
	}
	m.walk(addr, size, func(r *region, roff, off, n uint64) {
		copy(r.data[roff:roff+n], data[off:off+n])
	})
	return nil
}
