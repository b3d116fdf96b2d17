package windows

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/carbonblack/apisurface/core"
	"github.com/carbonblack/apisurface/util"
)

// LogType selects where call records go
type LogType int

const (
	LogTypeStdout LogType = iota
	LogTypeJSON
	LogTypeSlice
	LogTypeNone
)

// default guest layout, the same regions a 32 bit and a 64 bit process get
// under the CPU bridge
const (
	heapAddress32 = 0xa0000000
	heapAddress64 = 0xffe792a000
	heapSize      = 16 * 1024 * 1024
	tibAddress32  = 0x7efdd000
	tibAddress64  = 0x7ff70000
)

// WinOptions struct contains all the yaml definitions for the supported
// configuration settings. These can be passed to emulation via the `-c` flag.
// Fields present in the yaml override the defaults, the rest keep them.
type WinOptions struct {
	User            string            `yaml:"user"`
	ComputerName    string            `yaml:"computer_name"`
	PtrSize         uint64            `yaml:"ptr_size"`
	ImagePath       string            `yaml:"image_path"`
	CommandLine     string            `yaml:"command_line"`
	UserSid         string            `yaml:"user_sid"`
	SessionID       uint32            `yaml:"session_id"`
	Elevated        bool              `yaml:"elevated"`
	IntegrityLevel  uint32            `yaml:"integrity_level"`
	HeapAddress     uint64            `yaml:"heap_address"`
	HeapSize        uint64            `yaml:"heap_size"`
	TibAddress      uint64            `yaml:"tib_address"`
	LastErrorOffset uint64            `yaml:"last_error_offset"`
	Verbosity       int               `yaml:"verbosity"`
	TempRegistry    map[string]string `yaml:"registry"`
}

// DefaultWinOptions returns the settings a session gets without a config file
func DefaultWinOptions(ptrSize uint64) WinOptions {
	opts := WinOptions{
		User:           "tbrady",
		ComputerName:   "patriots-12",
		PtrSize:        ptrSize,
		ImagePath:      "C:\\Users\\tbrady\\Desktop\\sample.exe",
		UserSid:        "S-1-5-21-3623811015-3361044348-30300820-1013",
		SessionID:      1,
		Elevated:       true,
		IntegrityLevel: SECURITY_MANDATORY_HIGH_RID,
		HeapSize:       heapSize,
	}
	opts.setLayout()
	opts.TempRegistry = defaultRegistry()
	return opts
}

func (o *WinOptions) setLayout() {
	if o.PtrSize == 8 {
		o.HeapAddress = heapAddress64
		o.TibAddress = tibAddress64
		o.LastErrorOffset = 0x68
	} else {
		o.HeapAddress = heapAddress32
		o.TibAddress = tibAddress32
		o.LastErrorOffset = 0x34
	}
}

func defaultRegistry() map[string]string {
	reg := make(map[string]string)
	reg["HKEY_LOCAL_MACHINE\\SOFTWARE\\DefaultUserEnvironment\\TEMP"] = "%USERPROFILE%\\AppData\\Local\\Temp"
	reg["HKEY_LOCAL_MACHINE\\SOFTWARE\\DefaultUserEnvironment\\TMP"] = "%USERPROFILE%\\AppData\\Local\\Temp"
	reg["HKEY_LOCAL_MACHINE\\SYSTEM\\ControlSet001\\Control\\Windows\\CSDBuildNumber"] = "dword:00000194"
	reg["HKEY_LOCAL_MACHINE\\SYSTEM\\ControlSet001\\Control\\Windows\\ErrorMode"] = "dword:00000000"
	reg["HKEY_LOCAL_MACHINE\\SYSTEM\\ControlSet001\\Control\\Windows\\FullProcessInformationSID"] = "hex:01,06,00,00,00,00,00,05,50,00,00,00,5e,f3,0f,b1,81,64,ae,04,b1,4c,a2,29,14,b1,4c,21,a6,56,86,56"
	reg["HKEY_LOCAL_MACHINE\\SYSTEM\\ControlSet001\\Control\\Windows\\SystemDirectory"] = "hex(2):25,00,53,00,79,00,73,00,74,00,65,00,6d,00,52,00,6f,00,6f,00,74,00,25,00,5c,00,73,00,79,00,73,00,74,00,65,00,6d,00,33,00,32,00,00,00"
	reg["HKEY_LOCAL_MACHINE\\SOFTWARE\\Microsoft\\Windows NT\\CurrentVersion\\ProductName"] = "Windows 10 Pro"
	reg["HKEY_LOCAL_MACHINE\\SOFTWARE\\Microsoft\\Windows NT\\CurrentVersion\\CurrentBuildNumber"] = "19045"
	reg["HKEY_LOCAL_MACHINE\\SOFTWARE\\Microsoft\\Cryptography\\MachineGuid"] = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	reg["HKEY_LOCAL_MACHINE\\SOFTWARE\\Microsoft\\PowerShell\\1\\Install"] = "dword:00000001"
	reg["HKEY_CURRENT_USER\\Control Panel\\Mouse\\SwapMouseButtons"] = "0"
	return reg
}

// LoadWinOptions overlays the yaml file at path onto base
func LoadWinOptions(path string, base WinOptions) (WinOptions, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	opts := base
	opts.TempRegistry = nil
	if err := yaml.Unmarshal(buf, &opts); err != nil {
		return base, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if opts.PtrSize != 4 && opts.PtrSize != 8 {
		return base, fmt.Errorf("config %s: ptr_size must be 4 or 8, got %d", path, opts.PtrSize)
	}
	if opts.PtrSize != base.PtrSize {
		// switching width moves the default regions unless the file placed them
		var raw map[string]interface{}
		_ = yaml.Unmarshal(buf, &raw)
		layout := opts
		layout.setLayout()
		if _, ok := raw["heap_address"]; !ok {
			opts.HeapAddress = layout.HeapAddress
		}
		if _, ok := raw["tib_address"]; !ok {
			opts.TibAddress = layout.TibAddress
		}
		if _, ok := raw["last_error_offset"]; !ok {
			opts.LastErrorOffset = layout.LastErrorOffset
		}
	}
	// seed entries from the file extend the defaults
	merged := make(map[string]string, len(base.TempRegistry)+len(opts.TempRegistry))
	for k, v := range base.TempRegistry {
		merged[k] = v
	}
	for k, v := range opts.TempRegistry {
		merged[k] = v
	}
	opts.TempRegistry = merged
	return opts, nil
}

// WinEmulatorOptions will get passed into the WinEmulator
type WinEmulatorOptions struct {
	ConfigPath   string
	PtrSize      uint64
	VerboseLevel int
	LogType      LogType
	Output       io.Writer
	Logger       util.Logger
	// collaborators, the defaults are used when left nil
	Mem       util.Memory
	Heap      util.Allocator
	Processes ProcessModel
}

// InitWinEmulatorOptions will build a default option struct to pass into WinEmulator
func InitWinEmulatorOptions() *WinEmulatorOptions {
	return &WinEmulatorOptions{
		PtrSize:      4,
		VerboseLevel: 0,
		LogType:      LogTypeStdout,
		Output:       os.Stdout,
	}
}

// WinEmulator is one emulation session. It owns every table the API surface
// keeps between calls; nothing is shared with other sessions.
type WinEmulator struct {
	ID         uuid.UUID
	PtrSize    uint64
	Mem        util.Memory
	Heap       util.Allocator
	Handles    *core.HandleTable
	Registry   *Registry
	Crypto     *CryptManager
	Processes  ProcessModel
	Services   *ServiceManager
	Events     *core.LogManager
	Opts       WinOptions
	Log        util.Logger
	Verbosity  int
	CallLog    []*CallLog
	nameToHook map[string]*Hook
	logType    LogType
	out        io.Writer
	seq        uint64
	lastError  uint32
	errorSink  func(code uint32) error
	sids       map[uint64]uint64
	luids      map[string]uint64
	nextLuid   uint64
	closed     bool
}

// New builds a session. Collaborators missing from options are replaced by
// the in-memory defaults: a FlatMemory with the heap region mapped, a core
// heap and the stock process model.
func New(options *WinEmulatorOptions) (*WinEmulator, error) {
	if options == nil {
		options = InitWinEmulatorOptions()
	}
	ptrSize := options.PtrSize
	if ptrSize == 0 {
		ptrSize = 4
	}
	if ptrSize != 4 && ptrSize != 8 {
		return nil, fmt.Errorf("pointer size must be 4 or 8, got %d", ptrSize)
	}

	opts := DefaultWinOptions(ptrSize)
	if options.ConfigPath != "" {
		var err error
		if opts, err = LoadWinOptions(options.ConfigPath, opts); err != nil {
			return nil, err
		}
		// an explicit pointer size on the options beats the file
		if options.PtrSize != 0 && options.PtrSize != opts.PtrSize {
			opts.PtrSize = options.PtrSize
			opts.setLayout()
		}
	}

	emu := &WinEmulator{
		PtrSize:    opts.PtrSize,
		Opts:       opts,
		Verbosity:  options.VerboseLevel,
		nameToHook: make(map[string]*Hook),
		logType:    options.LogType,
		out:        options.Output,
		Log:        options.Logger,
		sids:       make(map[uint64]uint64),
		luids:      make(map[string]uint64),
		nextLuid:   firstSyntheticLuid,
	}
	if emu.Verbosity == 0 {
		emu.Verbosity = opts.Verbosity
	}
	if emu.out == nil {
		emu.out = os.Stdout
	}
	if emu.Log == nil {
		level := util.LogLevelWarn
		if emu.Verbosity >= 2 {
			level = util.LogLevelDebug
		} else if emu.Verbosity == 1 {
			level = util.LogLevelInfo
		}
		emu.Log = util.NewDefaultLogger(level)
	}

	emu.Events = core.NewLogManager()
	emu.ID = emu.Events.Session()
	emu.Handles = core.NewHandleTable()

	emu.Mem = options.Mem
	emu.Heap = options.Heap
	if emu.Mem == nil {
		flat := core.NewFlatMemory()
		if err := flat.MemMap(opts.HeapAddress, opts.HeapSize); err != nil {
			return nil, fmt.Errorf("failed to map heap: %w", err)
		}
		if err := flat.MemMap(opts.TibAddress, 0x1000); err != nil {
			return nil, fmt.Errorf("failed to map TIB: %w", err)
		}
		emu.Mem = flat
		emu.errorSink = emu.writeTibLastError
	}
	if emu.Heap == nil {
		emu.Heap = core.NewHeap(opts.HeapAddress, opts.HeapSize)
	}

	var err error
	if emu.Registry, err = NewRegistry(emu.Handles, opts.TempRegistry); err != nil {
		return nil, err
	}
	emu.Opts.TempRegistry = nil

	emu.Crypto = NewCryptManager(emu.Handles)
	emu.Services = NewServiceManager(emu.Handles)

	emu.Processes = options.Processes
	if emu.Processes == nil {
		pm, err := NewProcessManager(emu.Handles, opts)
		if err != nil {
			return nil, err
		}
		emu.Processes = pm
	}

	emu.LoadHooks()
	emu.Log.Infof("session %s: %d bit guest, %d hooks", emu.ID, emu.PtrSize*8, len(emu.nameToHook))
	return emu, nil
}

// LoadHooks registers every emulated entry point
func (emu *WinEmulator) LoadHooks() {
	WinregHooks(emu)
	WinCryptHooks(emu)
	AdvApi32Hooks(emu)
	SecuritybaseHooks(emu)
	ProcessthreadsapiHooks(emu)
	HandleapiHooks(emu)
}

// HookNames lists the registered entry points in order
func (emu *WinEmulator) HookNames() []string {
	names := make([]string, 0, len(emu.nameToHook))
	for k := range emu.nameToHook {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SetLastErrorSink replaces where SetLastError writes the code. The CPU
// bridge points this at the thread information block.
func (emu *WinEmulator) SetLastErrorSink(sink func(code uint32) error) {
	emu.errorSink = sink
}

// SetLastError records code as the calling thread's last error
func (emu *WinEmulator) SetLastError(code uint32) error {
	emu.lastError = code
	if emu.errorSink == nil {
		return nil
	}
	return emu.errorSink(code)
}

// GetLastError returns the code of the most recent SetLastError
func (emu *WinEmulator) GetLastError() uint32 { return emu.lastError }

func (emu *WinEmulator) writeTibLastError(code uint32) error {
	return util.PutDword(emu.Mem, emu.Opts.TibAddress+emu.Opts.LastErrorOffset, code)
}

// Close tears the session down. Every handle is released and the registry
// dropped; calls made afterwards fail.
func (emu *WinEmulator) Close() error {
	if emu.closed {
		return nil
	}
	emu.closed = true
	for addr := range emu.sids {
		emu.Heap.Free(addr)
	}
	emu.sids = nil
	emu.Handles.Reset()
	emu.Registry.Reset()
	emu.Log.Infof("session %s closed after %d calls", emu.ID, emu.seq)
	return nil
}

// Calls is the number of calls dispatched so far
func (emu *WinEmulator) Calls() uint64 { return emu.seq }

func (emu *WinEmulator) putHandle(p util.Ptr, h core.Handle) error {
	if p.IsNull() {
		return nil
	}
	return memFault(util.PutPointer(emu.Mem, emu.PtrSize, p.Addr(), h.Word(emu.PtrSize)), "writing handle")
}
