// Package script drives a session from a YAML scenario: named guest buffers,
// a list of calls with symbolic arguments and the results each call is
// expected to leave behind.
//
//	name: open run key
//	buffers:
//	  subkey: {string: "Software\\Microsoft\\Windows\\CurrentVersion\\Run"}
//	  hkey:   {size: 8}
//	calls:
//	  - fn: RegOpenKeyExA
//	    args: [HKLM, "@subkey", 0, 0x20019, "@hkey"]
//	    expect: 0
//
// Arguments are numbers, root hive names, @buf (address of a buffer), *buf
// (the pointer sized word stored in a buffer) or $name (the return value a
// previous call saved under name).
package script

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/carbonblack/apisurface/util"
	"github.com/carbonblack/apisurface/windows"
)

// CallFunc invokes an entry point with raw argument words. Both
// WinEmulator.Call and ucbridge.Bridge.Invoke have this shape.
type CallFunc func(name string, args ...uint64) (uint64, error)

// Buffer declares a block of guest memory. Exactly one initializer is
// expected; Size alone gives a zeroed block.
type Buffer struct {
	Size   uint64  `yaml:"size"`
	String *string `yaml:"string"`
	Wide   bool    `yaml:"wide"`
	Dword  *uint32 `yaml:"dword"`
	Hex    *string `yaml:"hex"`
}

// Expect is a check on the content of a buffer after a call
type Expect struct {
	Dword  *uint32 `yaml:"dword"`
	Ptr    *uint64 `yaml:"ptr"`
	String *string `yaml:"string"`
	Wide   bool    `yaml:"wide"`
	Hex    *string `yaml:"hex"`
}

// Step is one call
type Step struct {
	Fn        string            `yaml:"fn"`
	Args      []interface{}     `yaml:"args"`
	Expect    *uint64           `yaml:"expect"`
	LastError *uint32           `yaml:"last_error"`
	Check     map[string]Expect `yaml:"check"`
	Save      string            `yaml:"save"`
}

// Scenario is a whole script file
type Scenario struct {
	Name     string            `yaml:"name"`
	PtrSize  uint64            `yaml:"ptr_size"`
	Registry map[string]string `yaml:"registry"`
	Buffers  map[string]Buffer `yaml:"buffers"`
	Calls    []Step            `yaml:"calls"`
}

// StepResult is what happened on one call
type StepResult struct {
	Fn        string
	Args      []uint64
	Return    uint64
	LastError uint32
	Failures  []string
}

func (r *StepResult) String() string {
	s := fmt.Sprintf("%s%x = 0x%x (last error %d)", r.Fn, r.Args, r.Return, r.LastError)
	if len(r.Failures) > 0 {
		s += " FAIL: " + strings.Join(r.Failures, "; ")
	}
	return s
}

// Result collects every step of a run
type Result struct {
	Name  string
	Steps []*StepResult
}

// Passed reports whether every expectation held
func (r *Result) Passed() bool {
	for _, s := range r.Steps {
		if len(s.Failures) > 0 {
			return false
		}
	}
	return true
}

// Load reads a scenario file
func Load(path string) (*Scenario, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	sc, err := Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes a scenario
func Parse(buf []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.UnmarshalStrict(buf, &sc); err != nil {
		return nil, err
	}
	if sc.PtrSize != 0 && sc.PtrSize != 4 && sc.PtrSize != 8 {
		return nil, fmt.Errorf("ptr_size must be 4 or 8, got %d", sc.PtrSize)
	}
	for i, c := range sc.Calls {
		if c.Fn == "" {
			return nil, fmt.Errorf("call %d has no fn", i)
		}
	}
	return &sc, nil
}

// Session holds the named buffers and saved values of a run. The REPL keeps
// one open for its whole lifetime.
type Session struct {
	emu     *windows.WinEmulator
	call    CallFunc
	buffers map[string]uint64
	saved   map[string]uint64
}

// NewSession binds a session to emu. A nil call uses emu.Call.
func NewSession(emu *windows.WinEmulator, call CallFunc) *Session {
	if call == nil {
		call = emu.Call
	}
	return &Session{
		emu:     emu,
		call:    call,
		buffers: make(map[string]uint64),
		saved:   make(map[string]uint64),
	}
}

// Run seeds the registry, allocates the buffers and performs every call in
// order. The error result is reserved for scripts that cannot run at all;
// failed expectations are reported in the Result.
func Run(emu *windows.WinEmulator, call CallFunc, sc *Scenario) (*Result, error) {
	s := NewSession(emu, call)
	for _, path := range sortedKeys(sc.Registry) {
		if err := emu.Registry.Seed(path, sc.Registry[path]); err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, len(sc.Buffers))
	for name := range sc.Buffers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := s.Alloc(name, sc.Buffers[name]); err != nil {
			return nil, err
		}
	}

	res := &Result{Name: sc.Name}
	for i, step := range sc.Calls {
		sr, err := s.Exec(step)
		if err != nil {
			return res, fmt.Errorf("call %d: %w", i, err)
		}
		res.Steps = append(res.Steps, sr)
	}
	return res, nil
}

// Exec performs one call and checks its expectations
func (r *Session) Exec(step Step) (*StepResult, error) {
	args := make([]uint64, 0, len(step.Args))
	for j, a := range step.Args {
		v, err := r.Resolve(a)
		if err != nil {
			return nil, fmt.Errorf("%s arg %d: %w", step.Fn, j, err)
		}
		args = append(args, v)
	}
	ret, err := r.call(step.Fn, args...)
	if err != nil {
		return nil, err
	}
	sr := &StepResult{Fn: step.Fn, Args: args, Return: ret, LastError: r.emu.GetLastError()}
	r.verify(sr, step)
	if step.Save != "" {
		r.saved[step.Save] = ret
	}
	return sr, nil
}

// Buffer returns the guest address of a named buffer
func (r *Session) Buffer(name string) (uint64, bool) {
	addr, ok := r.buffers[name]
	return addr, ok
}

// Buffers lists the buffer names in order
func (r *Session) Buffers() []string {
	names := make([]string, 0, len(r.buffers))
	for k := range r.buffers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Alloc places a buffer in guest memory and returns its address. Reusing a
// name rebinds it to the new block.
func (r *Session) Alloc(name string, b Buffer) (uint64, error) {
	var data []byte
	width := util.Narrow
	if b.Wide {
		width = util.Wide
	}
	switch {
	case b.String != nil:
		data = util.EncodeString(*b.String, width)
	case b.Dword != nil:
		data = make([]byte, 4)
		binary.LittleEndian.PutUint32(data, *b.Dword)
	case b.Hex != nil:
		var err error
		if data, err = hex.DecodeString(*b.Hex); err != nil {
			return 0, fmt.Errorf("buffer %s: %w", name, err)
		}
	}
	size := b.Size
	if uint64(len(data)) > size {
		size = uint64(len(data))
	}
	if size == 0 {
		size = r.emu.PtrSize
	}
	if size > util.MaxBufferLength {
		return 0, fmt.Errorf("buffer %s: size %d too large", name, size)
	}
	addr := r.emu.Heap.Malloc(size, "script."+name)
	if addr == 0 {
		return 0, fmt.Errorf("buffer %s: heap exhausted", name)
	}
	buf := make([]byte, size)
	copy(buf, data)
	if err := util.PutBytes(r.emu.Mem, addr, buf); err != nil {
		return 0, fmt.Errorf("buffer %s: %w", name, err)
	}
	r.buffers[name] = addr
	return addr, nil
}

// Resolve turns a script argument into a raw word. Strings may be root hive
// names, NULL, @buf, *buf, $saved or numbers in any base strconv accepts.
func (r *Session) Resolve(a interface{}) (uint64, error) {
	switch v := a.(type) {
	case nil:
		return 0, nil
	case int:
		return uint64(int64(v)), nil
	case int64:
		return uint64(v), nil
	case uint64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		return r.symbol(v)
	}
	return 0, fmt.Errorf("unsupported argument %v (%T)", a, a)
}

func (r *Session) symbol(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty argument")
	}
	switch s[0] {
	case '@':
		addr, ok := r.buffers[s[1:]]
		if !ok {
			return 0, fmt.Errorf("no buffer named %s", s[1:])
		}
		return addr, nil
	case '*':
		addr, ok := r.buffers[s[1:]]
		if !ok {
			return 0, fmt.Errorf("no buffer named %s", s[1:])
		}
		return util.GetPointer(r.emu.Mem, r.emu.PtrSize, addr)
	case '$':
		v, ok := r.saved[s[1:]]
		if !ok {
			return 0, fmt.Errorf("no saved value %s", s[1:])
		}
		return v, nil
	}
	if v, ok := windows.RootConstant(s); ok {
		return v, nil
	}
	if strings.EqualFold(s, "NULL") {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse argument %q", s)
	}
	return v, nil
}

func (r *Session) verify(sr *StepResult, step Step) {
	if step.Expect != nil && *step.Expect != sr.Return {
		sr.Failures = append(sr.Failures, fmt.Sprintf("returned 0x%x, expected 0x%x", sr.Return, *step.Expect))
	}
	if step.LastError != nil && *step.LastError != sr.LastError {
		sr.Failures = append(sr.Failures, fmt.Sprintf("last error %d, expected %d", sr.LastError, *step.LastError))
	}
	for name, exp := range step.Check {
		if msg := r.check(name, exp); msg != "" {
			sr.Failures = append(sr.Failures, msg)
		}
	}
}

func (r *Session) check(name string, exp Expect) string {
	addr, ok := r.buffers[name]
	if !ok {
		return fmt.Sprintf("no buffer named %s", name)
	}
	mem := r.emu.Mem
	switch {
	case exp.Dword != nil:
		v, err := util.GetDword(mem, addr)
		if err != nil {
			return err.Error()
		}
		if v != *exp.Dword {
			return fmt.Sprintf("%s holds dword 0x%x, expected 0x%x", name, v, *exp.Dword)
		}
	case exp.Ptr != nil:
		v, err := util.GetPointer(mem, r.emu.PtrSize, addr)
		if err != nil {
			return err.Error()
		}
		if v != *exp.Ptr {
			return fmt.Sprintf("%s holds 0x%x, expected 0x%x", name, v, *exp.Ptr)
		}
	case exp.String != nil:
		width := util.Narrow
		if exp.Wide {
			width = util.Wide
		}
		s, err := util.ReadString(mem, addr, width)
		if err != nil {
			return err.Error()
		}
		if s != *exp.String {
			return fmt.Sprintf("%s holds %q, expected %q", name, s, *exp.String)
		}
	case exp.Hex != nil:
		want, err := hex.DecodeString(*exp.Hex)
		if err != nil {
			return fmt.Sprintf("check %s: %v", name, err)
		}
		got, err := util.ReadBytes(mem, addr, uint64(len(want)))
		if err != nil {
			return err.Error()
		}
		if hex.EncodeToString(got) != strings.ToLower(*exp.Hex) {
			return fmt.Sprintf("%s holds %x, expected %s", name, got, *exp.Hex)
		}
	}
	return ""
}
