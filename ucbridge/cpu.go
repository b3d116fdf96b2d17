package ucbridge

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// CPU is a thin view over the unicorn register file, sized for the guest's
// pointer width
type CPU struct {
	mu           uc.Unicorn
	mode         int
	ptrSize      uint64
	stackAddress uint64
	stackSize    uint64
	heapAddress  uint64
	heapSize     uint64
}

func NewCPU(mu uc.Unicorn, mode int, stackAddress, stackSize, heapAddress, heapSize uint64) *CPU {
	ptrSize := uint64(4)
	if mode == uc.MODE_64 {
		ptrSize = 8
	}
	return &CPU{
		mu:           mu,
		mode:         mode,
		ptrSize:      ptrSize,
		stackAddress: stackAddress,
		stackSize:    stackSize,
		heapAddress:  heapAddress,
		heapSize:     heapSize,
	}
}

func (c *CPU) spReg() int {
	if c.mode == uc.MODE_32 {
		return uc.X86_REG_ESP
	}
	return uc.X86_REG_RSP
}

func (c *CPU) ipReg() int {
	if c.mode == uc.MODE_32 {
		return uc.X86_REG_EIP
	}
	return uc.X86_REG_RIP
}

func (c *CPU) retReg() int {
	if c.mode == uc.MODE_32 {
		return uc.X86_REG_EAX
	}
	return uc.X86_REG_RAX
}

// SP returns esp or rsp
func (c *CPU) SP() uint64 {
	sp, _ := c.mu.RegRead(c.spReg())
	return sp
}

func (c *CPU) SetSP(sp uint64) error { return c.mu.RegWrite(c.spReg(), sp) }

// IP returns eip or rip
func (c *CPU) IP() uint64 {
	ip, _ := c.mu.RegRead(c.ipReg())
	return ip
}

func (c *CPU) SetIP(ip uint64) error { return c.mu.RegWrite(c.ipReg(), ip) }

// Return reads eax or rax
func (c *CPU) Return() uint64 {
	v, _ := c.mu.RegRead(c.retReg())
	return v
}

// SetReturn writes the return value of a hooked call into eax or rax
func (c *CPU) SetReturn(v uint64) error { return c.mu.RegWrite(c.retReg(), v) }

// ReadWord reads one pointer sized word of guest memory
func (c *CPU) ReadWord(addr uint64) (uint64, error) {
	buf, err := c.mu.MemRead(addr, c.ptrSize)
	if err != nil {
		return 0, err
	}
	if c.ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// WriteWord writes one pointer sized word of guest memory
func (c *CPU) WriteWord(addr, val uint64) error {
	buf := make([]byte, c.ptrSize)
	if c.ptrSize == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(val))
	} else {
		binary.LittleEndian.PutUint64(buf, val)
	}
	return c.mu.MemWrite(addr, buf)
}

// Push moves the stack pointer down one word and stores val there
func (c *CPU) Push(val uint64) error {
	sp := c.SP() - c.ptrSize
	if err := c.SetSP(sp); err != nil {
		return err
	}
	return c.WriteWord(sp, val)
}

// Pop returns the word at the top of the stack and releases it
func (c *CPU) Pop() (uint64, error) {
	sp := c.SP()
	val, err := c.ReadWord(sp)
	if err != nil {
		return 0, err
	}
	return val, c.SetSP(sp + c.ptrSize)
}

// PrintStack dumps size words either side of the stack pointer
func (c *CPU) PrintStack(w io.Writer, size int) {
	if size <= 0 {
		size = 10
	}
	sp := c.SP()
	mark := "esp -->"
	if c.ptrSize == 8 {
		mark = "rsp -->"
	}
	for i := -size; i <= size; i++ {
		cur := sp - c.ptrSize*uint64(i)
		val, err := c.ReadWord(cur)
		if err != nil {
			break
		}
		m := ""
		if cur == sp {
			m = mark
		}
		fmt.Fprintf(w, "%-8s 0x%x = 0x%x\n", m, cur, val)
	}
}

// Registers32 is a snapshot of the 32 bit general purpose registers. The
// *Val fields hold what each register points at when it points into the
// stack or the heap.
type Registers32 struct {
	Eip    uint32
	Esp    uint32
	Eax    uint32
	Ebx    uint32
	Ecx    uint32
	Edx    uint32
	Esi    uint32
	Edi    uint32
	Ebp    uint32
	EspVal uint32
	EaxVal uint32
	EbxVal uint32
	EcxVal uint32
	EdxVal uint32
	EsiVal uint32
	EdiVal uint32
	EbpVal uint32
}

func (r *Registers32) String() string {
	var b strings.Builder
	for _, reg := range []struct {
		name     string
		val, ptr uint32
	}{
		{"eax", r.Eax, r.EaxVal},
		{"ebx", r.Ebx, r.EbxVal},
		{"ecx", r.Ecx, r.EcxVal},
		{"edx", r.Edx, r.EdxVal},
		{"edi", r.Edi, r.EdiVal},
		{"esi", r.Esi, r.EsiVal},
		{"ebp", r.Ebp, r.EbpVal},
		{"esp", r.Esp, r.EspVal},
	} {
		fmt.Fprintf(&b, "%s -->  0x%08x", reg.name, reg.val)
		if reg.val != reg.ptr {
			fmt.Fprintf(&b, " = 0x%x", reg.ptr)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "eip -->  0x%08x", r.Eip)
	return b.String()
}

// Registers64 is a snapshot of the 64 bit general purpose registers
type Registers64 struct {
	Rip uint64
	Rsp uint64
	Rax uint64
	Rbx uint64
	Rcx uint64
	Rdx uint64
	Rsi uint64
	Rdi uint64
	Rbp uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

func (r *Registers64) pairs() []struct {
	name string
	val  *uint64
} {
	return []struct {
		name string
		val  *uint64
	}{
		{"rip", &r.Rip}, {"rsp", &r.Rsp}, {"rax", &r.Rax}, {"rbx", &r.Rbx},
		{"rcx", &r.Rcx}, {"rdx", &r.Rdx}, {"rsi", &r.Rsi}, {"rdi", &r.Rdi},
		{"rbp", &r.Rbp}, {"r8", &r.R8}, {"r9", &r.R9}, {"r10", &r.R10},
		{"r11", &r.R11}, {"r12", &r.R12}, {"r13", &r.R13}, {"r14", &r.R14},
		{"r15", &r.R15},
	}
}

func (r *Registers64) String() string {
	var b strings.Builder
	for i, p := range r.pairs() {
		fmt.Fprintf(&b, "%-3s is 0x%016x", p.name, *p.val)
		if i%2 == 1 {
			b.WriteByte('\n')
		} else {
			b.WriteString("  ")
		}
	}
	return strings.TrimRight(b.String(), " \n")
}

var regs64 = map[string]int{
	"rip": uc.X86_REG_RIP, "rsp": uc.X86_REG_RSP, "rax": uc.X86_REG_RAX,
	"rbx": uc.X86_REG_RBX, "rcx": uc.X86_REG_RCX, "rdx": uc.X86_REG_RDX,
	"rsi": uc.X86_REG_RSI, "rdi": uc.X86_REG_RDI, "rbp": uc.X86_REG_RBP,
	"r8": uc.X86_REG_R8, "r9": uc.X86_REG_R9, "r10": uc.X86_REG_R10,
	"r11": uc.X86_REG_R11, "r12": uc.X86_REG_R12, "r13": uc.X86_REG_R13,
	"r14": uc.X86_REG_R14, "r15": uc.X86_REG_R15,
}

// ResolveRegisterByName maps a register name like 'eax' or 'r9' to its
// unicorn id
func ResolveRegisterByName(name string) (int, error) {
	name = strings.ToLower(name)
	if id, ok := regs64[name]; ok {
		return id, nil
	}
	switch name {
	case "eax":
		return uc.X86_REG_EAX, nil
	case "ebx":
		return uc.X86_REG_EBX, nil
	case "ecx":
		return uc.X86_REG_ECX, nil
	case "edx":
		return uc.X86_REG_EDX, nil
	case "esi":
		return uc.X86_REG_ESI, nil
	case "edi":
		return uc.X86_REG_EDI, nil
	case "ebp":
		return uc.X86_REG_EBP, nil
	case "esp":
		return uc.X86_REG_ESP, nil
	case "eip":
		return uc.X86_REG_EIP, nil
	}
	return 0, fmt.Errorf("invalid register name: %s", name)
}

// addressValue dereferences addr when it falls inside the stack or the heap
func (c *CPU) addressValue(addr uint64) uint64 {
	inStack := addr >= c.stackAddress && addr < c.stackAddress+c.stackSize
	inHeap := addr >= c.heapAddress && addr < c.heapAddress+c.heapSize
	if !inStack && !inHeap {
		return addr
	}
	if val, err := c.ReadWord(addr); err == nil {
		return val
	}
	return addr
}

// ReadRegisters snapshots the general purpose registers
func (c *CPU) ReadRegisters() fmt.Stringer {
	if c.mode == uc.MODE_32 {
		read := func(reg int) (uint32, uint32) {
			v, _ := c.mu.RegRead(reg)
			return uint32(v), uint32(c.addressValue(v))
		}
		r := &Registers32{}
		r.Eip, _ = read(uc.X86_REG_EIP)
		r.Esp, r.EspVal = read(uc.X86_REG_ESP)
		r.Eax, r.EaxVal = read(uc.X86_REG_EAX)
		r.Ebx, r.EbxVal = read(uc.X86_REG_EBX)
		r.Ecx, r.EcxVal = read(uc.X86_REG_ECX)
		r.Edx, r.EdxVal = read(uc.X86_REG_EDX)
		r.Esi, r.EsiVal = read(uc.X86_REG_ESI)
		r.Edi, r.EdiVal = read(uc.X86_REG_EDI)
		r.Ebp, r.EbpVal = read(uc.X86_REG_EBP)
		return r
	}
	r := &Registers64{}
	for _, p := range r.pairs() {
		*p.val, _ = c.mu.RegRead(regs64[p.name])
	}
	return r
}

// SaveContext snapshots the registers so a nested call can be undone with
// RestoreContext
func (c *CPU) SaveContext() fmt.Stringer {
	return c.ReadRegisters()
}

// RestoreContext writes a snapshot from SaveContext back into the CPU
func (c *CPU) RestoreContext(ctx fmt.Stringer) error {
	switch r := ctx.(type) {
	case *Registers32:
		for _, w := range []struct {
			reg int
			val uint32
		}{
			{uc.X86_REG_EIP, r.Eip}, {uc.X86_REG_ESP, r.Esp},
			{uc.X86_REG_EAX, r.Eax}, {uc.X86_REG_EBX, r.Ebx},
			{uc.X86_REG_ECX, r.Ecx}, {uc.X86_REG_EDX, r.Edx},
			{uc.X86_REG_ESI, r.Esi}, {uc.X86_REG_EDI, r.Edi},
			{uc.X86_REG_EBP, r.Ebp},
		} {
			if err := c.mu.RegWrite(w.reg, uint64(w.val)); err != nil {
				return err
			}
		}
	case *Registers64:
		for _, p := range r.pairs() {
			if err := c.mu.RegWrite(regs64[p.name], *p.val); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown register context %T", ctx)
	}
	return nil
}
