package core

import (
	"fmt"
	"sort"

	"github.com/carbonblack/apisurface/util"
)

// heapGuard separates neighbouring blocks so an off by one write in the guest
// does not silently corrupt the next block
const heapGuard = 0x10

// HeapEntry is one live guest allocation
type HeapEntry struct {
	Address uint64
	Size    uint64
	Tag     string
}

// HeapManager hands out guest addresses inside [base, base+limit). Blocks are
// kept sorted by address and freed gaps are reused first fit.
type HeapManager struct {
	base  uint64
	limit uint64
	heap  []*HeapEntry
}

var _ util.Allocator = (*HeapManager)(nil)

// NewHeap creates a heap covering limit bytes from base
func NewHeap(base, limit uint64) *HeapManager {
	return &HeapManager{
		base:  base,
		limit: limit,
		heap:  make([]*HeapEntry, 0, 64),
	}
}

// Base is the lowest address the heap hands out
func (h *HeapManager) Base() uint64 { return h.base }

// Limit is the size of the region the heap manages
func (h *HeapManager) Limit() uint64 { return h.limit }

// Size returns the size of a particular heap entry, 0 if it is not found
func (h *HeapManager) Size(addr uint64) uint64 {
	if e := h.find(addr); e != nil {
		return e.Size
	}
	return 0
}

// Tag returns the tag the block at addr was allocated with
func (h *HeapManager) Tag(addr uint64) string {
	if e := h.find(addr); e != nil {
		return e.Tag
	}
	return ""
}

// Entries returns a copy of the live blocks in address order
func (h *HeapManager) Entries() []HeapEntry {
	ret := make([]HeapEntry, len(h.heap))
	for i, e := range h.heap {
		ret[i] = *e
	}
	return ret
}

func (h *HeapManager) find(addr uint64) *HeapEntry {
	i := sort.Search(len(h.heap), func(i int) bool { return h.heap[i].Address >= addr })
	if i < len(h.heap) && h.heap[i].Address == addr {
		return h.heap[i]
	}
	return nil
}

// scan returns the index of the first gap between blocks large enough for
// size, or -1
func (h *HeapManager) scan(size uint64) (int, uint64) {
	prevEnd := h.base
	for i, entry := range h.heap {
		start := util.RoundUp(prevEnd, heapGuard-1)
		if entry.Address >= start && entry.Address-start >= size+heapGuard {
			return i, start
		}
		prevEnd = entry.Address + entry.Size + heapGuard
	}
	return -1, 0
}

func (h *HeapManager) nextAddress() uint64 {
	if len(h.heap) == 0 {
		return h.base
	}
	last := h.heap[len(h.heap)-1]
	return util.RoundUp(last.Address+last.Size+heapGuard, heapGuard-1)
}

// Malloc reserves size bytes and returns the guest address, or 0 when the
// region is exhausted
func (h *HeapManager) Malloc(size uint64, tag string) uint64 {
	if size == 0 {
		size = 1
	}
	if index, addr := h.scan(size); index != -1 {
		h.insert(index, &HeapEntry{addr, size, tag})
		return addr
	}
	addr := h.nextAddress()
	if h.limit != 0 && addr+size > h.base+h.limit {
		return 0
	}
	h.heap = append(h.heap, &HeapEntry{addr, size, tag})
	return addr
}

func (h *HeapManager) insert(index int, e *HeapEntry) {
	h.heap = append(h.heap, nil)
	copy(h.heap[index+1:], h.heap[index:])
	h.heap[index] = e
}

// Free releases the block starting at addr. Returns false if addr is not the
// start of a live block.
func (h *HeapManager) Free(addr uint64) bool {
	for index, element := range h.heap {
		if element.Address == addr {
			h.heap = append(h.heap[:index], h.heap[index+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether addr falls inside a live block
func (h *HeapManager) Contains(addr uint64) bool {
	for _, e := range h.heap {
		if addr >= e.Address && addr < e.Address+e.Size {
			return true
		}
	}
	return false
}

func (e HeapEntry) String() string {
	return fmt.Sprintf("0x%x+0x%x (%s)", e.Address, e.Size, e.Tag)
}
