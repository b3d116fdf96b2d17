package windows

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/carbonblack/apisurface/core"
	"github.com/carbonblack/apisurface/util"
)

// Value is a typed registry value. Data holds the bytes the way the registry
// stores them, strings are UTF-16LE with their terminator.
type Value struct {
	Name string
	Type uint32
	Data []byte
}

// TypeName is the REG_* name of the value type
func (v *Value) TypeName() string {
	if s, ok := regTypeNames[v.Type]; ok {
		return s
	}
	return fmt.Sprintf("0x%x", v.Type)
}

func (v *Value) String() string {
	switch v.Type {
	case REG_SZ, REG_EXPAND_SZ, REG_MULTI_SZ, REG_LINK:
		s, _ := util.DecodeString(v.Data, util.Wide)
		return fmt.Sprintf("%s %s = %q", v.TypeName(), v.Name, strings.TrimRight(s, "\x00"))
	case REG_DWORD:
		if len(v.Data) >= 4 {
			return fmt.Sprintf("%s %s = 0x%x", v.TypeName(), v.Name, binary.LittleEndian.Uint32(v.Data))
		}
	case REG_QWORD:
		if len(v.Data) >= 8 {
			return fmt.Sprintf("%s %s = 0x%x", v.TypeName(), v.Name, binary.LittleEndian.Uint64(v.Data))
		}
	}
	return fmt.Sprintf("%s %s = %x", v.TypeName(), v.Name, v.Data)
}

// Key is a node of the registry namespace. Children and values keep the
// order they were created in, which is the order enumeration reports.
type Key struct {
	name     string
	path     string
	parent   *Key
	children []*Key
	values   []*Value
}

func newKey(parent *Key, name string) *Key {
	k := &Key{name: name, parent: parent}
	if parent == nil {
		k.path = name
	} else {
		k.path = parent.path + "\\" + name
	}
	return k
}

// Name is the last path segment
func (k *Key) Name() string { return k.name }

// Path is the canonical absolute path, root hive first
func (k *Key) Path() string { return k.path }

// Parent is nil for root hives
func (k *Key) Parent() *Key { return k.parent }

// Children returns the subkeys in creation order
func (k *Key) Children() []*Key { return append([]*Key(nil), k.children...) }

// Values returns the values in creation order
func (k *Key) Values() []*Value { return append([]*Value(nil), k.values...) }

func fold(s string) string { return strings.ToUpper(s) }

// Child finds a direct subkey, ignoring case
func (k *Key) Child(name string) *Key {
	f := fold(name)
	for _, c := range k.children {
		if fold(c.name) == f {
			return c
		}
	}
	return nil
}

func (k *Key) valueIndex(name string) int {
	f := fold(name)
	for i, v := range k.values {
		if fold(v.Name) == f {
			return i
		}
	}
	return -1
}

// GetValue looks a value up by name, ignoring case. The empty name is the
// key's default value.
func (k *Key) GetValue(name string) (*Value, bool) {
	if i := k.valueIndex(name); i >= 0 {
		return k.values[i], true
	}
	return nil, false
}

// SetValue creates or replaces a value. A replaced value keeps its position.
func (k *Key) SetValue(name string, typ uint32, data []byte) *Value {
	v := &Value{Name: name, Type: typ, Data: append([]byte(nil), data...)}
	if i := k.valueIndex(name); i >= 0 {
		v.Name = k.values[i].Name
		k.values[i] = v
		return v
	}
	k.values = append(k.values, v)
	return v
}

// DeleteValue removes a value
func (k *Key) DeleteValue(name string) error {
	i := k.valueIndex(name)
	if i < 0 {
		return newError(ErrFileNotFound, "value %q not found under %s", name, k.path)
	}
	k.values = append(k.values[:i], k.values[i+1:]...)
	return nil
}

// EnumKey returns the subkey at index i
func (k *Key) EnumKey(i uint32) (*Key, error) {
	if uint64(i) >= uint64(len(k.children)) {
		return nil, ErrNoMoreItems
	}
	return k.children[i], nil
}

// EnumValue returns the value at index i
func (k *Key) EnumValue(i uint32) (*Value, error) {
	if uint64(i) >= uint64(len(k.values)) {
		return nil, ErrNoMoreItems
	}
	return k.values[i], nil
}

// KeyInfo is what RegQueryInfoKey reports. Lengths are in characters
// without the terminator, except MaxValueLen which is in bytes.
type KeyInfo struct {
	SubKeys         uint32
	MaxSubKeyLen    uint32
	Values          uint32
	MaxValueNameLen uint32
	MaxValueLen     uint32
}

// Info summarizes the key for the given string width
func (k *Key) Info(width util.CharWidth) KeyInfo {
	info := KeyInfo{SubKeys: uint32(len(k.children)), Values: uint32(len(k.values))}
	for _, c := range k.children {
		if n := util.StringLength(c.name, width); n > info.MaxSubKeyLen {
			info.MaxSubKeyLen = n
		}
	}
	for _, v := range k.values {
		if n := util.StringLength(v.Name, width); n > info.MaxValueNameLen {
			info.MaxValueNameLen = n
		}
		if n := uint32(len(valueData(v, width))); n > info.MaxValueLen {
			info.MaxValueLen = n
		}
	}
	return info
}

// KeyHandle is what a registry handle resolves to. Two handles on the same
// path share the Key.
type KeyHandle struct {
	Key *Key
}

func (*KeyHandle) ObjectKind() core.ObjectKind { return core.KindRegKey }

// Registry is the virtual registry namespace of one session
type Registry struct {
	table *core.HandleTable
	roots map[string]*Key
	order []string
}

// NewRegistry creates the root hives and loads seed. Seed keys are full value
// paths (the last segment names the value, a trailing separator makes a bare
// key) and seed values use the .reg notation understood by ParseValue.
func NewRegistry(table *core.HandleTable, seed map[string]string) (*Registry, error) {
	r := &Registry{table: table}
	r.Reset()

	// sorted so that the resulting enumeration order does not depend on map
	// iteration
	paths := make([]string, 0, len(seed))
	for k := range seed {
		paths = append(paths, k)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := r.Seed(p, seed[p]); err != nil {
			return r, err
		}
	}
	return r, nil
}

// Reset drops every key below the root hives
func (r *Registry) Reset() {
	r.roots = make(map[string]*Key)
	r.order = r.order[:0]
	words := make([]uint64, 0, len(hkeyNames))
	for w := range hkeyNames {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool { return words[i] < words[j] })
	for _, w := range words {
		name := hkeyNames[w]
		r.roots[name] = newKey(nil, name)
		r.order = append(r.order, name)
	}
}

// Roots returns the root hives in constant order
func (r *Registry) Roots() []*Key {
	ret := make([]*Key, 0, len(r.order))
	for _, n := range r.order {
		ret = append(ret, r.roots[n])
	}
	return ret
}

// Seed stores one configuration entry
func (r *Registry) Seed(path, value string) error {
	i := strings.LastIndex(path, "\\")
	if i < 0 {
		return fmt.Errorf("registry seed %q has no value name", path)
	}
	key, err := r.CreatePath(path[:i])
	if err != nil {
		return fmt.Errorf("registry seed %q: %w", path, err)
	}
	name := path[i+1:]
	if name == "" {
		return nil
	}
	typ, data, err := ParseValue(value)
	if err != nil {
		return fmt.Errorf("registry seed %q: %w", path, err)
	}
	key.SetValue(name, typ, data)
	return nil
}

// ResolveRoot maps a root hive constant to its name. 64 bit guests pass the
// constants sign extended, both forms are accepted.
func ResolveRoot(word uint64) (string, bool) {
	if word>>32 == 0xffffffff {
		word &= 0xffffffff
	}
	name, ok := hkeyNames[word]
	return name, ok
}

// RootConstant is the inverse of ResolveRoot. Short aliases such as HKLM are
// accepted.
func RootConstant(name string) (uint64, bool) {
	name = fold(name)
	if full, ok := hkeyAliases[name]; ok {
		name = full
	}
	for w, n := range hkeyNames {
		if n == name {
			return w, true
		}
	}
	return 0, false
}

func splitPath(p string) []string {
	parts := strings.Split(p, "\\")
	ret := parts[:0]
	for _, s := range parts {
		if s != "" {
			ret = append(ret, s)
		}
	}
	return ret
}

func (r *Registry) root(name string) (*Key, bool) {
	name = fold(name)
	if full, ok := hkeyAliases[name]; ok {
		name = full
	}
	k, ok := r.roots[name]
	return k, ok
}

// CreatePath opens the absolute path, creating missing keys
func (r *Registry) CreatePath(path string) (*Key, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, newError(ErrPathNotFound, "empty registry path")
	}
	root, ok := r.root(parts[0])
	if !ok {
		return nil, newError(ErrPathNotFound, "unknown root hive %q", parts[0])
	}
	k, _ := walk(root, parts[1:], true)
	return k, nil
}

// KeyByPath finds an absolute path without creating anything
func (r *Registry) KeyByPath(path string) (*Key, bool) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, false
	}
	root, ok := r.root(parts[0])
	if !ok {
		return nil, false
	}
	k, _ := walk(root, parts[1:], false)
	return k, k != nil
}

// walk descends segs from k. With create set missing keys are added and the
// second result reports whether the final key was new.
func walk(k *Key, segs []string, create bool) (*Key, bool) {
	created := false
	for _, s := range segs {
		child := k.Child(s)
		if child == nil {
			if !create {
				return nil, false
			}
			child = newKey(k, s)
			k.children = append(k.children, child)
			created = true
		} else {
			created = false
		}
		k = child
	}
	return k, created
}

// KeyFromHandle resolves a root constant or an open key handle
func (r *Registry) KeyFromHandle(word uint64) (*Key, bool) {
	if name, ok := ResolveRoot(word); ok {
		return r.roots[name], true
	}
	obj, ok := r.table.Resolve(core.HandleFromArg(word))
	if !ok {
		return nil, false
	}
	kh, ok := obj.(*KeyHandle)
	if !ok {
		return nil, false
	}
	return kh.Key, true
}

// Open is open_or_create. A nil or empty subkey yields the parent's own
// handle. Otherwise every missing key along the path is created and a new
// handle is returned. The only failure is a parent that is neither a root
// hive nor an open key.
func (r *Registry) Open(parent uint64, subkey *string) (core.Handle, *Key, bool, error) {
	pk, ok := r.KeyFromHandle(parent)
	if !ok {
		return 0, nil, false, newError(ErrPathNotFound, "registry parent 0x%x is not open", parent)
	}
	var segs []string
	if subkey != nil {
		segs = splitPath(*subkey)
	}
	if len(segs) == 0 {
		return core.HandleFromArg(parent), pk, false, nil
	}
	k, created := walk(pk, segs, true)
	h := r.table.Insert(&KeyHandle{Key: k})
	return h, k, created, nil
}

// Lookup resolves parent plus subkey without creating anything
func (r *Registry) Lookup(parent uint64, subkey *string) (*Key, error) {
	pk, ok := r.KeyFromHandle(parent)
	if !ok {
		return nil, newError(ErrInvalidHandle, "registry handle 0x%x is not open", parent)
	}
	if subkey == nil {
		return pk, nil
	}
	k, _ := walk(pk, splitPath(*subkey), false)
	if k == nil {
		return nil, newError(ErrFileNotFound, "%s\\%s not found", pk.path, *subkey)
	}
	return k, nil
}

// Peek is Lookup for readers that synthesize missing data. A missing subkey
// comes back as an empty key that is not linked into the tree.
func (r *Registry) Peek(parent uint64, subkey *string) (*Key, error) {
	k, err := r.Lookup(parent, subkey)
	if !errors.Is(err, ErrFileNotFound) {
		return k, err
	}
	k, _ = r.KeyFromHandle(parent)
	for _, s := range splitPath(*subkey) {
		if c := k.Child(s); c != nil {
			k = c
		} else {
			k = newKey(k, s)
		}
	}
	return k, nil
}

// DeleteKey removes a key without subkeys. Root hives and keys with children
// are refused like the real API does.
func (r *Registry) DeleteKey(parent uint64, subkey string) (*Key, error) {
	k, err := r.Lookup(parent, &subkey)
	if err != nil {
		return nil, err
	}
	if k.parent == nil {
		return nil, newError(ErrAccessDenied, "cannot delete root hive %s", k.path)
	}
	if len(k.children) > 0 {
		return nil, newError(ErrAccessDenied, "%s has subkeys", k.path)
	}
	p := k.parent
	for i, c := range p.children {
		if c == k {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	return k, nil
}

// Close releases a key handle. Root constants always close.
func (r *Registry) Close(word uint64) error {
	if _, ok := ResolveRoot(word); ok {
		return nil
	}
	h := core.HandleFromArg(word)
	obj, ok := r.table.Resolve(h)
	if !ok {
		return newError(ErrInvalidHandle, "registry handle 0x%x is not open", word)
	}
	if _, ok := obj.(*KeyHandle); !ok {
		return newError(ErrInvalidHandle, "handle 0x%x is a %s, not a registry key", word, obj.ObjectKind())
	}
	r.table.Release(h)
	return nil
}

var (
	reHexType = regexp.MustCompile(`^hex\(([0-9a-fA-F]+)\):`)
	reHex     = regexp.MustCompile(`^hex:`)
	reDword   = regexp.MustCompile(`^dword:`)
	reQword   = regexp.MustCompile(`^qword:`)
)

func parseHexList(s string) ([]byte, error) {
	s = strings.NewReplacer(",", "", " ", "", "\\", "", "\n", "").Replace(s)
	return hex.DecodeString(s)
}

// ParseValue turns a .reg style value string into a type and the bytes the
// registry stores:
//
//	dword:0000002a           REG_DWORD
//	qword:000000000000002a   REG_QWORD
//	hex:01,02                REG_BINARY
//	hex(N):..                type N, raw bytes
//	anything else            REG_SZ
func ParseValue(s string) (uint32, []byte, error) {
	if m := reHexType.FindStringSubmatch(s); m != nil {
		typ, err := strconv.ParseUint(m[1], 16, 32)
		if err != nil {
			return 0, nil, fmt.Errorf("bad value type in %q: %w", s, err)
		}
		data, err := parseHexList(s[len(m[0]):])
		if err != nil {
			return 0, nil, fmt.Errorf("bad hex list in %q: %w", s, err)
		}
		return uint32(typ), data, nil
	}
	if reHex.MatchString(s) {
		data, err := parseHexList(s[len("hex:"):])
		if err != nil {
			return 0, nil, fmt.Errorf("bad hex list in %q: %w", s, err)
		}
		return REG_BINARY, data, nil
	}
	if reDword.MatchString(s) {
		v, err := strconv.ParseUint(s[len("dword:"):], 16, 32)
		if err != nil {
			return 0, nil, fmt.Errorf("bad dword in %q: %w", s, err)
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(v))
		return REG_DWORD, buf, nil
	}
	if reQword.MatchString(s) {
		v, err := strconv.ParseUint(s[len("qword:"):], 16, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("bad qword in %q: %w", s, err)
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, v)
		return REG_QWORD, buf, nil
	}
	return REG_SZ, util.EncodeString(s, util.Wide), nil
}

func isStringType(typ uint32) bool {
	return typ == REG_SZ || typ == REG_EXPAND_SZ || typ == REG_MULTI_SZ
}

// valueData is the value as an API of the given width returns it. Narrow
// callers get string types converted to the ANSI code page.
func valueData(v *Value, width util.CharWidth) []byte {
	if width == util.Wide || !isStringType(v.Type) {
		return v.Data
	}
	return convertString(v.Data, util.Wide, util.Narrow)
}

// storedData is the inverse of valueData, applied to what a caller writes
func storedData(typ uint32, data []byte, width util.CharWidth) []byte {
	if width == util.Wide || !isStringType(typ) {
		return data
	}
	return convertString(data, util.Narrow, util.Wide)
}

// convertString recodes raw string bytes, embedded terminators included
func convertString(data []byte, from, to util.CharWidth) []byte {
	s, err := util.DecodeString(data, from)
	if err != nil {
		return data
	}
	out := util.EncodeString(s, to)
	return out[:len(out)-int(to)]
}
