package util

import (
	"encoding/binary"
	"fmt"
)

// FieldKind is the storage class of a structure member
type FieldKind int

const (
	FieldPointer FieldKind = iota // pointer sized, HANDLE, ULONG_PTR
	FieldDword
	FieldWord
	FieldByte
	FieldBytes // fixed size byte array
)

// FieldSpec describes one member before offsets are known
type FieldSpec struct {
	Name string
	Kind FieldKind
	N    uint64 // length for FieldBytes
}

func Pointer(name string) FieldSpec         { return FieldSpec{name, FieldPointer, 0} }
func Dword(name string) FieldSpec           { return FieldSpec{name, FieldDword, 0} }
func Word(name string) FieldSpec            { return FieldSpec{name, FieldWord, 0} }
func Byte(name string) FieldSpec            { return FieldSpec{name, FieldByte, 0} }
func Bytes(name string, n uint64) FieldSpec { return FieldSpec{name, FieldBytes, n} }

// Field is a member with its offset resolved for one pointer width
type Field struct {
	Name   string
	Kind   FieldKind
	Offset uint64
	Size   uint64
}

// Layout is an explicit field offset table for a structure at a given pointer
// width. Offsets follow the natural alignment rules of the MSVC ABI.
type Layout struct {
	Name    string
	PtrSize uint64
	Size    uint64
	Fields  []Field
	index   map[string]int
}

// NewLayout computes offsets for specs under ptrSize
func NewLayout(name string, ptrSize uint64, specs ...FieldSpec) *Layout {
	l := &Layout{Name: name, PtrSize: ptrSize, index: make(map[string]int)}
	var off, maxAlign uint64 = 0, 1
	for _, s := range specs {
		size, align := s.sizeAlign(ptrSize)
		off = RoundUp(off, align-1)
		l.index[s.Name] = len(l.Fields)
		l.Fields = append(l.Fields, Field{s.Name, s.Kind, off, size})
		off += size
		if align > maxAlign {
			maxAlign = align
		}
	}
	l.Size = RoundUp(off, maxAlign-1)
	return l
}

func (s FieldSpec) sizeAlign(ptrSize uint64) (uint64, uint64) {
	switch s.Kind {
	case FieldPointer:
		return ptrSize, ptrSize
	case FieldDword:
		return 4, 4
	case FieldWord:
		return 2, 2
	case FieldBytes:
		return s.N, 1
	}
	return 1, 1
}

// Field returns the named member
func (l *Layout) Field(name string) (Field, bool) {
	i, ok := l.index[name]
	if !ok {
		return Field{}, false
	}
	return l.Fields[i], true
}

// Offset returns the offset of the named member, panicking on a typo since
// layouts are static tables
func (l *Layout) Offset(name string) uint64 {
	f, ok := l.Field(name)
	if !ok {
		panic(fmt.Sprintf("%s has no field %s", l.Name, name))
	}
	return f.Offset
}

// Materialize builds the byte image of the structure. Missing members are
// zero. FieldBytes members take their value from raw.
func (l *Layout) Materialize(values map[string]uint64, raw map[string][]byte) []byte {
	buf := make([]byte, l.Size)
	for _, f := range l.Fields {
		if f.Kind == FieldBytes {
			copy(buf[f.Offset:f.Offset+f.Size], raw[f.Name])
			continue
		}
		putField(buf[f.Offset:], f, values[f.Name])
	}
	return buf
}

// Decode splits a byte image into member values
func (l *Layout) Decode(buf []byte) (map[string]uint64, error) {
	if uint64(len(buf)) < l.Size {
		return nil, fmt.Errorf("%s needs %d bytes, got %d", l.Name, l.Size, len(buf))
	}
	out := make(map[string]uint64, len(l.Fields))
	for _, f := range l.Fields {
		if f.Kind == FieldBytes {
			continue
		}
		out[f.Name] = getField(buf[f.Offset:], f)
	}
	return out, nil
}

// View casts the structure over guest memory at addr. Reads and writes go
// straight to the guest.
func (l *Layout) View(mem Memory, addr uint64) *View {
	return &View{mem: mem, addr: addr, layout: l}
}

// View is an in place view of a structure in guest memory
type View struct {
	mem    Memory
	addr   uint64
	layout *Layout
}

// Get reads one member
func (v *View) Get(name string) (uint64, error) {
	f, ok := v.layout.Field(name)
	if !ok {
		return 0, fmt.Errorf("%s has no field %s", v.layout.Name, name)
	}
	buf, err := ReadBytes(v.mem, v.addr+f.Offset, f.Size)
	if err != nil {
		return 0, err
	}
	return getField(buf, f), nil
}

// Raw reads the bytes of one member
func (v *View) Raw(name string) ([]byte, error) {
	f, ok := v.layout.Field(name)
	if !ok {
		return nil, fmt.Errorf("%s has no field %s", v.layout.Name, name)
	}
	return ReadBytes(v.mem, v.addr+f.Offset, f.Size)
}

// Set writes one member
func (v *View) Set(name string, val uint64) error {
	f, ok := v.layout.Field(name)
	if !ok {
		return fmt.Errorf("%s has no field %s", v.layout.Name, name)
	}
	buf := make([]byte, f.Size)
	putField(buf, f, val)
	return PutBytes(v.mem, v.addr+f.Offset, buf)
}

// Store writes a whole materialized image over the view
func (v *View) Store(values map[string]uint64, raw map[string][]byte) error {
	return PutBytes(v.mem, v.addr, v.layout.Materialize(values, raw))
}

func putField(buf []byte, f Field, val uint64) {
	switch f.Size {
	case 8:
		binary.LittleEndian.PutUint64(buf, val)
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(val))
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(val))
	case 1:
		buf[0] = byte(val)
	}
}

func getField(buf []byte, f Field) uint64 {
	switch f.Size {
	case 8:
		return binary.LittleEndian.Uint64(buf)
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 1:
		return uint64(buf[0])
	}
	return 0
}

// ProcessInformationLayout is PROCESS_INFORMATION
func ProcessInformationLayout(ptrSize uint64) *Layout {
	return NewLayout("PROCESS_INFORMATION", ptrSize,
		Pointer("hProcess"),
		Pointer("hThread"),
		Dword("dwProcessId"),
		Dword("dwThreadId"),
	)
}

// ServiceTableEntryLayout is SERVICE_TABLE_ENTRY (A and W share it)
func ServiceTableEntryLayout(ptrSize uint64) *Layout {
	return NewLayout("SERVICE_TABLE_ENTRY", ptrSize,
		Pointer("lpServiceName"),
		Pointer("lpServiceProc"),
	)
}

// LuidLayout is LUID
func LuidLayout(ptrSize uint64) *Layout {
	return NewLayout("LUID", ptrSize,
		Dword("LowPart"),
		Dword("HighPart"),
	)
}

// SidIdentifierAuthorityLayout is SID_IDENTIFIER_AUTHORITY
func SidIdentifierAuthorityLayout(ptrSize uint64) *Layout {
	return NewLayout("SID_IDENTIFIER_AUTHORITY", ptrSize, Bytes("Value", 6))
}

// SidAndAttributesLayout is SID_AND_ATTRIBUTES, the body of TOKEN_USER and
// TOKEN_MANDATORY_LABEL
func SidAndAttributesLayout(ptrSize uint64) *Layout {
	return NewLayout("SID_AND_ATTRIBUTES", ptrSize,
		Pointer("Sid"),
		Dword("Attributes"),
	)
}

// ServiceStatusLayout is SERVICE_STATUS
func ServiceStatusLayout(ptrSize uint64) *Layout {
	return NewLayout("SERVICE_STATUS", ptrSize,
		Dword("dwServiceType"),
		Dword("dwCurrentState"),
		Dword("dwControlsAccepted"),
		Dword("dwWin32ExitCode"),
		Dword("dwServiceSpecificExitCode"),
		Dword("dwCheckPoint"),
		Dword("dwWaitHint"),
	)
}
