package windows

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/carbonblack/apisurface/core"
	"github.com/carbonblack/apisurface/util"
)

// Convention is the calling convention of a hooked function. It decides who
// pops the arguments once the hook returns.
type Convention int

const (
	StdCall Convention = iota
	Cdecl
)

func (c Convention) String() string {
	if c == Cdecl {
		return "cdecl"
	}
	return "stdcall"
}

// ReturnKind is how an API reports failure. Status APIs return the error code
// itself, the rest return zero and leave the code in the last error slot.
type ReturnKind int

const (
	ReturnStatus ReturnKind = iota
	ReturnBool
	ReturnHandle
	ReturnPointer
)

// CallContext is fixed when the hook is registered and handed to every
// invocation. A and W variants of one API get separate contexts.
type CallContext struct {
	Name       string
	Width      util.CharWidth
	Convention Convention
}

// Hook describes one emulated entry point. Parameter names may carry a
// display prefix:
//
//	t: string in the width of the call
//	a: narrow string, w: wide string
//	d: 32 bit decimal
//	s: / v: value filled in by the handler (symbolic name, struct)
type Hook struct {
	Name       string
	Lib        string
	Parameters []string
	Convention Convention
	Returns    ReturnKind
	Width      util.CharWidth
	Fn         func(*WinEmulator, *Call) (uint64, error)
	NoLog      bool
}

// Context returns the immutable per call context of the hook
func (h *Hook) Context() CallContext {
	return CallContext{Name: h.Name, Width: h.Width, Convention: h.Convention}
}

// Call is one invocation of a hook
type Call struct {
	Ctx        CallContext
	Addr       uint64
	Args       []uint64
	Parameters []string
	Values     []interface{}
	Return     uint64
	Err        error
	emu        *WinEmulator
	hook       *Hook
}

// CallLog is the exported record of a single call. Useful for programmatic
// access to the emulated output.
type CallLog struct {
	Seq        uint64        `json:"seq"`
	Addr       uint64        `json:"addr,omitempty"`
	Lib        string        `json:"lib,omitempty"`
	Fn         string        `json:"fn"`
	Parameters []string      `json:"parameters,omitempty"`
	Values     []interface{} `json:"values,omitempty"`
	Return     uint64        `json:"return"`
	LastError  uint32        `json:"last_error"`
	Error      string        `json:"error,omitempty"`
}

// Arg returns the raw argument word
func (c *Call) Arg(i int) uint64 { return c.Args[i] }

// Dword returns the argument truncated to 32 bits
func (c *Call) Dword(i int) uint32 { return uint32(c.Args[i]) }

// Ptr returns the argument as an optional pointer
func (c *Call) Ptr(i int) util.Ptr { return util.Ptr(c.Args[i]) }

// Handle returns the argument as a handle
func (c *Call) Handle(i int) core.Handle { return core.HandleFromArg(c.Args[i]) }

// ParamName strips the display prefix from a parameter name
func (c *Call) ParamName(i int) string {
	p := c.Parameters[i]
	if len(p) > 2 && p[1] == ':' {
		return p[2:]
	}
	return p
}

// OptString reads a string argument in the width of the call, nil for NULL
func (c *Call) OptString(i int) (*string, error) {
	s, err := util.ReadOptionalString(c.emu.Mem, c.Ptr(i), c.Ctx.Width)
	if err != nil {
		return nil, memFault(err, "reading %s", c.ParamName(i))
	}
	return s, nil
}

// ReadString reads a mandatory string argument
func (c *Call) ReadString(i int) (string, error) {
	if c.Ptr(i).IsNull() {
		return "", newError(ErrInvalidParameter, "%s is NULL", c.ParamName(i))
	}
	s, err := c.OptString(i)
	if err != nil {
		return "", err
	}
	return *s, nil
}

// SetValue replaces the display value of a parameter
func (c *Call) SetValue(i int, v interface{}) {
	c.Values[i] = v
	c.Parameters[i] = "s:" + c.ParamName(i)
}

func (c *Call) parseValues() {
	for i := range c.Args {
		p := c.Parameters[i]
		if len(p) < 2 || p[1] != ':' {
			c.Values[i] = c.Args[i]
			continue
		}
		switch p[0:2] {
		case "t:":
			c.Values[i] = c.displayString(c.Args[i], c.Ctx.Width)
		case "a:":
			c.Values[i] = c.displayString(c.Args[i], util.Narrow)
		case "w:":
			c.Values[i] = c.displayString(c.Args[i], util.Wide)
		case "d:":
			c.Values[i] = uint64(uint32(c.Args[i]))
		case "s:", "v:":
			continue
		default:
			c.Values[i] = c.Args[i]
		}
	}
}

func (c *Call) displayString(addr uint64, width util.CharWidth) interface{} {
	if addr == 0 {
		return nil
	}
	if width == util.Wide {
		return util.ReadWideChar(c.emu.Mem, addr)
	}
	return util.ReadASCII(c.emu.Mem, addr)
}

// Log builds the exported record of the call
func (c *Call) Log(seq uint64, lastError uint32) *CallLog {
	l := &CallLog{
		Seq:        seq,
		Addr:       c.Addr,
		Lib:        c.hook.Lib,
		Fn:         c.Ctx.Name,
		Parameters: c.Parameters,
		Values:     c.Values,
		Return:     c.Return,
		LastError:  lastError,
	}
	if c.Err != nil {
		l.Error = c.Err.Error()
	}
	return l
}

// String renders the call the way the text log shows it
func (c *Call) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(", c.Ctx.Name)
	for j := range c.Args {
		p := c.Parameters[j]
		name := c.ParamName(j)
		prefix := ""
		if len(p) > 2 && p[1] == ':' {
			prefix = p[0:2]
		}
		switch prefix {
		case "t:", "a:", "w:", "s:":
			if c.Values[j] == nil {
				fmt.Fprintf(&b, "%s = NULL", name)
			} else {
				fmt.Fprintf(&b, "%s = '%v'", name, c.Values[j])
			}
		case "v:":
			fmt.Fprintf(&b, "%s = %+v", name, c.Values[j])
		case "d:":
			fmt.Fprintf(&b, "%s = %d", name, c.Values[j])
		default:
			fmt.Fprintf(&b, "%s = 0x%x", name, c.Args[j])
		}
		if j != len(c.Args)-1 {
			b.WriteString(", ")
		}
	}
	fmt.Fprintf(&b, ") = 0x%x", c.Return)
	return b.String()
}

// AddHook registers a hook under fname
func (emu *WinEmulator) AddHook(lib string, fname string, hook *Hook) {
	hook.Name = fname
	if hook.Lib == "" {
		hook.Lib = lib
	}
	if hook.Width == 0 {
		hook.Width = util.Narrow
	}
	emu.nameToHook[fname] = hook
}

// addHookAW registers the narrow (A) and wide (W) variants of an API. Both
// share the handler and differ only in their CallContext.
func (emu *WinEmulator) addHookAW(lib string, base string, hook *Hook) {
	for _, v := range []struct {
		suffix string
		width  util.CharWidth
	}{{"A", util.Narrow}, {"W", util.Wide}} {
		h := *hook
		h.Parameters = append([]string(nil), hook.Parameters...)
		h.Width = v.width
		emu.AddHook(lib, base+v.suffix, &h)
	}
}

// GetHook returns the hook registered under name
func (emu *WinEmulator) GetHook(name string) *Hook {
	return emu.nameToHook[name]
}

// Call invokes the named entry point with raw argument words, the way the
// CPU side would after capturing them
func (emu *WinEmulator) Call(name string, args ...uint64) (uint64, error) {
	return emu.Dispatch(0, name, args)
}

// Dispatch runs the hook registered under name. Engine errors are turned into
// the API's return convention here; the error result only reports problems
// with the dispatch itself (unknown function, wrong argument count).
func (emu *WinEmulator) Dispatch(addr uint64, name string, args []uint64) (uint64, error) {
	if emu.closed {
		return 0, fmt.Errorf("dispatch %s: session closed", name)
	}
	hook := emu.nameToHook[name]
	if hook == nil {
		return 0, fmt.Errorf("dispatch %s: no such function", name)
	}
	if len(args) != len(hook.Parameters) {
		return 0, fmt.Errorf("dispatch %s: expected %d arguments, got %d", name, len(hook.Parameters), len(args))
	}

	call := &Call{
		Ctx:        hook.Context(),
		Addr:       addr,
		Args:       make([]uint64, len(args)),
		Parameters: append([]string(nil), hook.Parameters...),
		Values:     make([]interface{}, len(args)),
		emu:        emu,
		hook:       hook,
	}
	for i, a := range args {
		if emu.PtrSize == 4 {
			a &= 0xffffffff
		}
		call.Args[i] = a
	}
	call.parseValues()

	ret, err := hook.Fn(emu, call)
	if err != nil {
		ret = emu.fail(hook, err)
		call.Err = err
		emu.Log.Debugf("%s failed: %v", name, err)
	}
	call.Return = ret

	emu.logCall(call)
	return ret, nil
}

func (emu *WinEmulator) fail(hook *Hook, err error) uint64 {
	code := ErrorCode(err)
	if hook.Returns == ReturnStatus {
		return uint64(code)
	}
	emu.SetLastError(code)
	return 0
}

func (emu *WinEmulator) logCall(call *Call) {
	emu.seq++
	if call.hook.NoLog {
		return
	}
	entry := call.Log(emu.seq, emu.lastError)
	switch emu.logType {
	case LogTypeJSON:
		if buf, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(emu.out, string(buf))
		} else {
			fmt.Fprintf(emu.out, "{\"error\":\"%s\"}\n", err)
		}
	case LogTypeSlice:
		emu.CallLog = append(emu.CallLog, entry)
	case LogTypeStdout:
		if emu.Verbosity > 0 && call.Err != nil {
			fmt.Fprintf(emu.out, "[%d] %s  ; %v\n", emu.seq, call, call.Err)
		} else {
			fmt.Fprintf(emu.out, "[%d] %s\n", emu.seq, call)
		}
	}
}
