package core

import (
	"fmt"
	"sort"
)

// Handle names a live object in the emulated process. It is only turned into
// a raw guest word at the marshaling boundary.
type Handle uint64

// HandleBase is the value the allocator counts up from. Everything at or
// below it is reserved for well known values.
const HandleBase Handle = 0x2800

// handleStep keeps handle values aligned the way kernel handles are
const handleStep = 4

// HandleFromArg converts a raw argument word into a Handle
func HandleFromArg(word uint64) Handle { return Handle(word) }

// Word returns the handle as a guest word of the given pointer width
func (h Handle) Word(ptrSize uint64) uint64 {
	if ptrSize == 4 {
		return uint64(uint32(h))
	}
	return uint64(h)
}

func (h Handle) String() string { return fmt.Sprintf("0x%x", uint64(h)) }

// PseudoHandle is what GetCurrentProcess returns: the maximum value of the
// guest pointer width.
func PseudoHandle(ptrSize uint64) Handle {
	if ptrSize == 4 {
		return Handle(0xffffffff)
	}
	return Handle(^uint64(0))
}

// CurrentThreadPseudoHandle is what GetCurrentThread returns, (HANDLE)-2
func CurrentThreadPseudoHandle(ptrSize uint64) Handle {
	return PseudoHandle(ptrSize) - 1
}

// ObjectKind tags every object stored in the table
type ObjectKind int

const (
	KindUnknown ObjectKind = iota
	KindProcess
	KindThread
	KindToken
	KindRegKey
	KindCryptProvider
	KindHash
	KindScManager
	KindService
)

var kindNames = map[ObjectKind]string{
	KindUnknown:       "unknown",
	KindProcess:       "process",
	KindThread:        "thread",
	KindToken:         "token",
	KindRegKey:        "regkey",
	KindCryptProvider: "cryptprov",
	KindHash:          "hash",
	KindScManager:     "scmanager",
	KindService:       "service",
}

func (k ObjectKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Object is anything a handle can refer to
type Object interface {
	ObjectKind() ObjectKind
}

// HandleTable is the process wide handle registry of one session. Values are
// strictly increasing and never handed out twice, even after Release.
type HandleTable struct {
	next    Handle
	objects map[Handle]Object
}

// NewHandleTable creates an empty table
func NewHandleTable() *HandleTable {
	return &HandleTable{
		next:    HandleBase,
		objects: make(map[Handle]Object),
	}
}

// Allocate reserves the next handle value without binding anything to it
func (t *HandleTable) Allocate() Handle {
	t.next += handleStep
	return t.next
}

// Bind associates obj with h, replacing whatever was there
func (t *HandleTable) Bind(h Handle, obj Object) {
	t.objects[h] = obj
}

// Insert allocates a handle and binds obj to it
func (t *HandleTable) Insert(obj Object) Handle {
	h := t.Allocate()
	t.Bind(h, obj)
	return h
}

// Resolve looks up the object bound to h
func (t *HandleTable) Resolve(h Handle) (Object, bool) {
	obj, ok := t.objects[h]
	return obj, ok
}

// Release unbinds h. It is idempotent; the return value says whether h was
// bound, and the caller decides if absence is an error.
func (t *HandleTable) Release(h Handle) bool {
	if _, ok := t.objects[h]; !ok {
		return false
	}
	delete(t.objects, h)
	return true
}

// Count is the number of bound handles
func (t *HandleTable) Count() int { return len(t.objects) }

// CountKind is the number of bound handles of one kind
func (t *HandleTable) CountKind(kind ObjectKind) int {
	n := 0
	for _, obj := range t.objects {
		if obj.ObjectKind() == kind {
			n++
		}
	}
	return n
}

// Handles returns every bound handle in ascending order
func (t *HandleTable) Handles() []Handle {
	ret := make([]Handle, 0, len(t.objects))
	for h := range t.objects {
		ret = append(ret, h)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// Reset releases every handle. The counter keeps going so stale handles from
// before the reset can never alias new objects.
func (t *HandleTable) Reset() {
	t.objects = make(map[Handle]Object)
}
