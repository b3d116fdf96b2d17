// util package provides the helpers handlers use to move values across the
// guest memory boundary. Nothing in here knows which CPU emulator backs the
// memory, only the pointer width it announces.
package util

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidMemoryAccess is wrapped by every helper in this package when an
// address falls outside of mapped guest memory.
var ErrInvalidMemoryAccess = errors.New("invalid memory access")

// MaxBufferLength bounds any guest supplied length the engine will honor in a
// single read or write. Larger requests are treated as malformed.
const MaxBufferLength = 16 * 1024 * 1024

// Memory is the guest address space. uc.Unicorn satisfies it as is.
type Memory interface {
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, data []byte) error
}

// Allocator hands out guest memory for structures the engine creates on the
// caller's behalf (SIDs, SC handles in some real implementations).
type Allocator interface {
	Malloc(size uint64, tag string) uint64
	Free(addr uint64) bool
}

// Ptr is an optional guest pointer. The zero value means the caller passed
// NULL and does not want the value.
type Ptr uint64

// IsNull reports whether the caller left this pointer out
func (p Ptr) IsNull() bool { return p == 0 }

// Addr returns the raw address
func (p Ptr) Addr() uint64 { return uint64(p) }

func memErr(op string, addr, size uint64, err error) error {
	return fmt.Errorf("%s 0x%x (%d bytes): %w: %v", op, addr, size, ErrInvalidMemoryAccess, err)
}

// ReadBytes reads size bytes from guest memory at addr
func ReadBytes(mem Memory, addr, size uint64) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	if size > MaxBufferLength {
		return nil, fmt.Errorf("read of %d bytes at 0x%x: %w", size, addr, ErrInvalidMemoryAccess)
	}
	buf, err := mem.MemRead(addr, size)
	if err != nil {
		return nil, memErr("read", addr, size, err)
	}
	return buf, nil
}

// PutBytes writes data into guest memory at addr
func PutBytes(mem Memory, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := mem.MemWrite(addr, data); err != nil {
		return memErr("write", addr, uint64(len(data)), err)
	}
	return nil
}

// PutPointer will take a pointer uint64 and write that pointer as little
// endian bytes into the emulator address specified by the where argument
func PutPointer(mem Memory, ptrSize uint64, where uint64, ptr uint64) error {
	buf := make([]byte, ptrSize)
	if ptrSize == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(ptr))
	} else {
		binary.LittleEndian.PutUint64(buf, ptr)
	}
	return PutBytes(mem, where, buf)
}

// GetPointer will retrieve a pointer value from guest memory from the where
// argument address
func GetPointer(mem Memory, ptrSize uint64, where uint64) (uint64, error) {
	buf, err := ReadBytes(mem, where, ptrSize)
	if err != nil {
		return 0, err
	}
	if ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// PutDword writes a 32 bit little endian value
func PutDword(mem Memory, where uint64, v uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return PutBytes(mem, where, buf)
}

// GetDword reads a 32 bit little endian value
func GetDword(mem Memory, where uint64) (uint32, error) {
	buf, err := ReadBytes(mem, where, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// PutWord encodes v using the pointer width of the guest. Used for handles
// and pointer sized integers.
func PutWord(ptrSize uint64, v uint64) []byte {
	buf := make([]byte, ptrSize)
	if ptrSize == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(v))
	} else {
		binary.LittleEndian.PutUint64(buf, v)
	}
	return buf
}

// RoundUp aligns addr to the next boundary described by mask (alignment-1)
func RoundUp(addr, mask uint64) uint64 {
	return (addr + mask) & ^mask
}
