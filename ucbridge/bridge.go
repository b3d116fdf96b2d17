// Package ucbridge plugs the API surface into a live unicorn CPU. Every
// emulated entry point gets a stub address; when the guest calls a stub the
// bridge captures the arguments for the calling convention, dispatches the
// call, places the result in eax/rax and returns to the caller.
package ucbridge

import (
	"fmt"
	"io"
	"os"
	"strings"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"golang.org/x/arch/x86/x86asm"

	"github.com/carbonblack/apisurface/util"
	"github.com/carbonblack/apisurface/windows"
)

// Regions is the part of the guest address space the bridge maps itself.
// The heap and the TIB come from the session's WinOptions.
type Regions struct {
	StackAddress uint64
	StackSize    uint64
	StubAddress  uint64
	StubSize     uint64
	ImageAddress uint64
	ImageSize    uint64
}

// DefaultRegions returns the stack, stub and image placement for a pointer
// width, the same addresses a loader would use for a small PE
func DefaultRegions(ptrSize uint64) Regions {
	if ptrSize == 8 {
		return Regions{
			StackAddress: 0xfee792a000,
			StackSize:    1024 * 1024,
			StubAddress:  0x7ff5ce4e0000,
			StubSize:     0x10000,
			ImageAddress: 0x140000000,
			ImageSize:    0x100000,
		}
	}
	return Regions{
		StackAddress: 0xb0000000,
		StackSize:    1024 * 1024,
		StubAddress:  0x20000000,
		StubSize:     0x10000,
		ImageAddress: 0x400000,
		ImageSize:    0x100000,
	}
}

const (
	stubStride = 0x10
	// bytes above the saved stack pointer Invoke leaves alone
	invokeRedZone = 0x1000
	// rcx, rdx, r8 and r9 carry the first four arguments on x64 and the
	// caller reserves this much home space for them above the return address
	shadowSpace = 0x20
)

// Bridge owns a unicorn instance and the session whose calls it serves
type Bridge struct {
	Uc      uc.Unicorn
	Emu     *windows.WinEmulator
	CPU     *CPU
	Regions Regions
	mode    int
	ptrSize uint64
	out     io.Writer
	stubs   map[uint64]string
	byName  map[string]uint64
	next    uint64
	// calling a stub at this address ends an Invoke
	sentinel uint64
	fault    error
}

// New creates a unicorn CPU of the requested width, builds a session whose
// guest memory is that CPU and maps every region the session touches
func New(options *windows.WinEmulatorOptions) (*Bridge, error) {
	if options == nil {
		options = windows.InitWinEmulatorOptions()
	}
	ptrSize := options.PtrSize
	if ptrSize == 0 {
		ptrSize = 4
	}
	mode := uc.MODE_32
	if ptrSize == 8 {
		mode = uc.MODE_64
	}
	mu, err := uc.NewUnicorn(uc.ARCH_X86, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to create unicorn: %w", err)
	}

	opts := *options
	opts.PtrSize = ptrSize
	opts.Mem = mu
	emu, err := windows.New(&opts)
	if err != nil {
		mu.Close()
		return nil, err
	}

	b := &Bridge{
		Uc:      mu,
		Emu:     emu,
		Regions: DefaultRegions(ptrSize),
		mode:    mode,
		ptrSize: ptrSize,
		out:     options.Output,
		stubs:   make(map[uint64]string),
		byName:  make(map[string]uint64),
	}
	if b.out == nil {
		b.out = os.Stdout
	}
	if err := b.mapRegions(); err != nil {
		b.Close()
		return nil, err
	}
	b.CPU = NewCPU(mu, mode, b.Regions.StackAddress, b.Regions.StackSize, emu.Opts.HeapAddress, emu.Opts.HeapSize)
	b.resetStack()

	tib := emu.Opts.TibAddress + emu.Opts.LastErrorOffset
	emu.SetLastErrorSink(func(code uint32) error {
		return util.PutDword(mu, tib, code)
	})

	b.sentinel = b.Regions.StubAddress
	b.next = b.sentinel + stubStride
	if err := b.setupHooks(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bridge) mapRegions() error {
	o := b.Emu.Opts
	for _, r := range []struct {
		name       string
		addr, size uint64
	}{
		{"heap", o.HeapAddress, o.HeapSize},
		{"tib", o.TibAddress, 0x1000},
		{"stack", b.Regions.StackAddress, b.Regions.StackSize},
		{"stubs", b.Regions.StubAddress, b.Regions.StubSize},
		{"image", b.Regions.ImageAddress, b.Regions.ImageSize},
	} {
		if err := b.Uc.MemMap(r.addr, r.size); err != nil {
			return fmt.Errorf("failed to map %s at 0x%x (0x%x bytes): %w", r.name, r.addr, r.size, err)
		}
	}
	// every stub is a lone ret so a call that slips past the hook still returns
	rets := make([]byte, b.Regions.StubSize)
	for i := range rets {
		rets[i] = 0xc3
	}
	return b.Uc.MemWrite(b.Regions.StubAddress, rets)
}

func (b *Bridge) resetStack() {
	b.CPU.SetSP(b.stackTop())
}

func (b *Bridge) stackTop() uint64 {
	return b.Regions.StackAddress + b.Regions.StackSize - invokeRedZone
}

func (b *Bridge) setupHooks() error {
	stubEnd := b.Regions.StubAddress + b.Regions.StubSize - 1
	if _, err := b.Uc.HookAdd(uc.HOOK_CODE, b.hookStub, b.Regions.StubAddress, stubEnd); err != nil {
		return fmt.Errorf("failed to hook stubs: %w", err)
	}
	if b.Emu.Verbosity >= 2 {
		imageEnd := b.Regions.ImageAddress + b.Regions.ImageSize - 1
		if _, err := b.Uc.HookAdd(uc.HOOK_CODE, b.hookTrace, b.Regions.ImageAddress, imageEnd); err != nil {
			return fmt.Errorf("failed to hook image: %w", err)
		}
	}
	_, err := b.Uc.HookAdd(uc.HOOK_MEM_READ_UNMAPPED|
		uc.HOOK_MEM_WRITE_UNMAPPED|
		uc.HOOK_MEM_FETCH_UNMAPPED|
		uc.HOOK_MEM_READ_PROT|
		uc.HOOK_MEM_WRITE_PROT|
		uc.HOOK_MEM_FETCH_PROT, b.hookInvalid, 1, 0)
	if err != nil {
		return fmt.Errorf("failed to hook invalid memory: %w", err)
	}
	return nil
}

// Attach gives the named entry point a stub address the guest can call
func (b *Bridge) Attach(name string) (uint64, error) {
	if addr, ok := b.byName[name]; ok {
		return addr, nil
	}
	if b.Emu.GetHook(name) == nil {
		return 0, fmt.Errorf("attach %s: no such function", name)
	}
	if b.next+stubStride > b.Regions.StubAddress+b.Regions.StubSize {
		return 0, fmt.Errorf("attach %s: stub region full", name)
	}
	addr := b.next
	b.next += stubStride
	b.stubs[addr] = name
	b.byName[name] = addr
	return addr, nil
}

// AttachAll attaches every registered entry point and returns the import
// table a loader would patch into the guest
func (b *Bridge) AttachAll() (map[string]uint64, error) {
	for _, name := range b.Emu.HookNames() {
		if _, err := b.Attach(name); err != nil {
			return nil, err
		}
	}
	ret := make(map[string]uint64, len(b.byName))
	for k, v := range b.byName {
		ret[k] = v
	}
	return ret, nil
}

// Symbol returns the entry point attached at addr
func (b *Bridge) Symbol(addr uint64) (string, bool) {
	name, ok := b.stubs[addr]
	return name, ok
}

// LoadImage copies code to the start of the image region and returns the
// address it was loaded at
func (b *Bridge) LoadImage(code []byte) (uint64, error) {
	if uint64(len(code)) > b.Regions.ImageSize {
		return 0, fmt.Errorf("image of %d bytes does not fit", len(code))
	}
	if err := b.Uc.MemWrite(b.Regions.ImageAddress, code); err != nil {
		return 0, err
	}
	return b.Regions.ImageAddress, nil
}

// Run emulates from begin until the CPU reaches until or a call fails to
// dispatch
func (b *Bridge) Run(begin, until uint64) error {
	b.fault = nil
	err := b.Uc.Start(begin, until)
	if b.fault != nil {
		return b.fault
	}
	if err != nil {
		return fmt.Errorf("emulation stopped at 0x%x: %w", b.CPU.IP(), err)
	}
	return nil
}

// Invoke calls an entry point through the CPU, exactly as guest code would:
// arguments go where the calling convention puts them, the return address is
// a sentinel that stops emulation. Registers are restored afterwards.
func (b *Bridge) Invoke(name string, args ...uint64) (uint64, error) {
	stub, err := b.Attach(name)
	if err != nil {
		return 0, err
	}
	saved := b.CPU.SaveContext()
	defer b.CPU.RestoreContext(saved)

	sp := b.stackTop() - b.ptrSize*uint64(len(args)+8)
	sp &^= 0xf
	if b.ptrSize == 8 {
		// rsp is 8 off 16 alignment right after a call
		sp -= 8
	}
	if err := b.placeArgs(sp, args); err != nil {
		return 0, err
	}
	if err := b.CPU.WriteWord(sp, b.sentinel); err != nil {
		return 0, err
	}
	b.CPU.SetSP(sp)
	if err := b.Run(stub, 0); err != nil {
		return 0, err
	}
	return b.CPU.Return(), nil
}

func (b *Bridge) placeArgs(sp uint64, args []uint64) error {
	if b.mode == uc.MODE_32 {
		for i, a := range args {
			if err := b.CPU.WriteWord(sp+4+4*uint64(i), a); err != nil {
				return err
			}
		}
		return nil
	}
	regs := []int{uc.X86_REG_RCX, uc.X86_REG_RDX, uc.X86_REG_R8, uc.X86_REG_R9}
	for i, a := range args {
		if i < len(regs) {
			if err := b.Uc.RegWrite(regs[i], a); err != nil {
				return err
			}
			continue
		}
		if err := b.CPU.WriteWord(b.stackArg(sp, i), a); err != nil {
			return err
		}
	}
	return nil
}

// stackArg is where the i'th (zero based) x64 argument lives when it does not
// fit in a register
func (b *Bridge) stackArg(sp uint64, i int) uint64 {
	return sp + 8 + shadowSpace + 8*uint64(i-4)
}

// CaptureParameters reads n argument words for a call that just landed on a
// stub. 32 bit arguments are all on the stack; x64 passes the first four in
// rcx, rdx, r8 and r9.
func (b *Bridge) CaptureParameters(n int) []uint64 {
	ret := make([]uint64, 0, n)
	sp := b.CPU.SP()
	if b.mode == uc.MODE_32 {
		for i := 0; i < n; i++ {
			val, _ := b.CPU.ReadWord(sp + 4 + 4*uint64(i))
			ret = append(ret, val)
		}
		return ret
	}
	regs := []int{uc.X86_REG_RCX, uc.X86_REG_RDX, uc.X86_REG_R8, uc.X86_REG_R9}
	for i := 0; i < n; i++ {
		var val uint64
		if i < len(regs) {
			val, _ = b.Uc.RegRead(regs[i])
		} else {
			val, _ = b.CPU.ReadWord(b.stackArg(sp, i))
		}
		ret = append(ret, val)
	}
	return ret
}

// skipFunction returns from a stub to its caller. stdcall callees pop their
// own arguments on 32 bit; on x64 the caller always cleans up.
func (b *Bridge) skipFunction(conv windows.Convention, nargs int) error {
	ret, err := b.CPU.Pop()
	if err != nil {
		return err
	}
	if b.mode == uc.MODE_32 && conv == windows.StdCall {
		if err := b.CPU.SetSP(b.CPU.SP() + 4*uint64(nargs)); err != nil {
			return err
		}
	}
	return b.CPU.SetIP(ret)
}

func (b *Bridge) hookStub(mu uc.Unicorn, addr uint64, size uint32) {
	if addr == b.sentinel {
		mu.Stop()
		return
	}
	name, ok := b.stubs[addr]
	if !ok {
		b.fault = fmt.Errorf("call into unattached stub 0x%x", addr)
		mu.Stop()
		return
	}
	hook := b.Emu.GetHook(name)
	caller, _ := b.CPU.ReadWord(b.CPU.SP())
	args := b.CaptureParameters(len(hook.Parameters))

	if b.Emu.Verbosity >= 2 {
		fmt.Fprintln(b.out, "---")
		fmt.Fprintln(b.out, b.CPU.ReadRegisters())
		b.CPU.PrintStack(b.out, 10)
	}

	ret, err := b.Emu.Dispatch(caller, name, args)
	if err != nil {
		b.fault = err
		mu.Stop()
		return
	}
	b.CPU.SetReturn(ret)
	if err := b.skipFunction(hook.Convention, len(args)); err != nil {
		b.fault = fmt.Errorf("returning from %s: %w", name, err)
		mu.Stop()
	}
}

func (b *Bridge) hookTrace(mu uc.Unicorn, addr uint64, size uint32) {
	b.Emu.Log.Debugf("%s: %s", b.address(addr), b.Disassemble(addr, size))
}

func (b *Bridge) hookInvalid(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
	kind := "access"
	switch access {
	case uc.MEM_READ_UNMAPPED, uc.MEM_READ_PROT:
		kind = "read"
	case uc.MEM_WRITE_UNMAPPED, uc.MEM_WRITE_PROT:
		kind = "write"
	case uc.MEM_FETCH_UNMAPPED, uc.MEM_FETCH_PROT:
		kind = "fetch"
	}
	b.fault = fmt.Errorf("invalid %s of %d bytes at 0x%x (ip %s)", kind, size, addr, b.address(b.CPU.IP()))
	b.Emu.Log.Errorf("%v", b.fault)
	return false
}

func (b *Bridge) address(addr uint64) string {
	if b.mode == uc.MODE_32 {
		return fmt.Sprintf("0x%08x", addr)
	}
	return fmt.Sprintf("0x%016x", addr)
}

// Disassemble decodes the instruction at addr
func (b *Bridge) Disassemble(addr uint64, size uint32) string {
	buf, err := b.Uc.MemRead(addr, uint64(size))
	if err != nil {
		return ""
	}
	inst, err := x86asm.Decode(buf, int(8*b.ptrSize))
	if err != nil {
		return ""
	}
	return strings.ToLower(inst.String())
}

// Close tears down the session and releases the CPU
func (b *Bridge) Close() error {
	b.Emu.Close()
	return b.Uc.Close()
}
