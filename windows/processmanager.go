package windows

import (
	"fmt"
	"sort"

	"github.com/carbonblack/apisurface/core"
)

// ProcessModel is the collaborator that knows about processes and threads.
// The stock ProcessManager keeps them in memory; a host embedding a real
// scheduler can supply its own.
type ProcessModel interface {
	CurrentProcess() *Process
	CurrentThread() *Thread
	CreateProcess(path, cmdline string, flags uint32) (*Process, error)
}

// Process is an emulated process. The primary token is bound in the handle
// table when the process is created and lives as long as the process.
type Process struct {
	PID         uint32
	ParentPID   uint32
	Path        string
	CommandLine string
	Flags       uint32
	Threads     []*Thread
	Token       *Token
	Handle      core.Handle
}

func (*Process) ObjectKind() core.ObjectKind { return core.KindProcess }

func (p *Process) String() string {
	return fmt.Sprintf("%d %s", p.PID, p.Path)
}

// Thread is an emulated thread. Token is nil unless it impersonates.
type Thread struct {
	TID       uint32
	Process   *Process
	Suspended bool
	Token     *Token
	Handle    core.Handle
}

func (*Thread) ObjectKind() core.ObjectKind { return core.KindThread }

// stub processes every session starts with, pid and name as on a stock
// Windows 10 install
var stubProcesses = []struct {
	pid  uint32
	path string
}{
	{0, "[System Process]"},
	{4, "System"},
	{0x1c8, "C:\\Windows\\System32\\smss.exe"},
	{0x2c4, "C:\\Windows\\System32\\csrss.exe"},
	{0x3a0, "C:\\Windows\\System32\\services.exe"},
	{0x3b0, "C:\\Windows\\System32\\lsass.exe"},
	{0x1208, "C:\\Windows\\explorer.exe"},
}

const (
	firstPid = 0x1000
	firstTid = 0x1004
	// Windows keeps process ids below this bound
	maxPid = 65000
)

// ProcessManager is the default ProcessModel
type ProcessManager struct {
	table      *core.HandleTable
	processMap map[uint32]*Process
	current    *Process
	currentPid uint32
	nextTid    uint32
	user       *Sid
	opts       WinOptions
}

// NewProcessManager creates the stub processes and the process being
// emulated, a child of explorer.exe
func NewProcessManager(table *core.HandleTable, opts WinOptions) (*ProcessManager, error) {
	user, err := ParseSid(opts.UserSid)
	if err != nil {
		return nil, fmt.Errorf("bad user_sid: %w", err)
	}
	p := &ProcessManager{
		table:      table,
		processMap: make(map[uint32]*Process),
		currentPid: firstPid,
		nextTid:    firstTid,
		user:       user,
		opts:       opts,
	}
	system := NewToken(&Sid{5, []uint32{18}}, 0, true, SECURITY_MANDATORY_SYSTEM_RID)
	for _, s := range stubProcesses {
		tok := system
		if s.path == "C:\\Windows\\explorer.exe" {
			tok = p.userToken()
		}
		proc := &Process{PID: s.pid, Path: s.path, Token: tok.Duplicate(TokenPrimary)}
		proc.Token.Owner = proc
		p.processMap[s.pid] = proc
	}

	cur, err := p.startProcess(opts.ImagePath, opts.CommandLine, 0, 0x1208)
	if err != nil {
		return nil, err
	}
	p.current = cur
	return p, nil
}

func (p *ProcessManager) userToken() *Token {
	return NewToken(p.user, p.opts.SessionID, p.opts.Elevated, p.opts.IntegrityLevel)
}

// CurrentProcess is the process being emulated
func (p *ProcessManager) CurrentProcess() *Process { return p.current }

// CurrentThread is its main thread
func (p *ProcessManager) CurrentThread() *Thread { return p.current.Threads[0] }

// CreateProcess starts a child of the current process. The caller gets
// handles to the process and its main thread through the Handle fields.
func (p *ProcessManager) CreateProcess(path, cmdline string, flags uint32) (*Process, error) {
	return p.startProcess(path, cmdline, flags, p.current.PID)
}

func (p *ProcessManager) startProcess(path, cmdline string, flags uint32, parent uint32) (*Process, error) {
	pid, err := p.allocPid()
	if err != nil {
		return nil, err
	}
	if cmdline == "" {
		cmdline = path
	}
	proc := &Process{
		PID:         pid,
		ParentPID:   parent,
		Path:        path,
		CommandLine: cmdline,
		Flags:       flags,
		Token:       p.userToken(),
	}
	proc.Token.Owner = proc
	proc.Token.Handle = p.table.Insert(proc.Token)
	proc.Handle = p.table.Insert(proc)

	thread := &Thread{TID: p.nextTid, Process: proc, Suspended: flags&CREATE_SUSPENDED != 0}
	p.nextTid += 4
	thread.Handle = p.table.Insert(thread)
	proc.Threads = append(proc.Threads, thread)

	p.processMap[pid] = proc
	return proc, nil
}

// allocPid walks forward from the last pid handed out until a free
// multiple of four turns up, wrapping at maxPid
func (p *ProcessManager) allocPid() (uint32, error) {
	start := p.currentPid
	for i := start; ; {
		if _, exists := p.processMap[i]; !exists {
			p.currentPid = i + 4
			return i, nil
		}
		i += 4
		if i >= maxPid {
			i = firstPid
		}
		if i == start {
			return 0, fmt.Errorf("no free process id")
		}
	}
}

// Process returns the process with pid
func (p *ProcessManager) Process(pid uint32) (*Process, bool) {
	proc, ok := p.processMap[pid]
	return proc, ok
}

// Processes lists every process ordered by pid
func (p *ProcessManager) Processes() []*Process {
	ret := make([]*Process, 0, len(p.processMap))
	for _, proc := range p.processMap {
		ret = append(ret, proc)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].PID < ret[j].PID })
	return ret
}
