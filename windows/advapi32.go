package windows

import (
	"fmt"
	"strings"

	"github.com/carbonblack/apisurface/core"
	"github.com/carbonblack/apisurface/util"
)

// ServiceTableEntry is one decoded SERVICE_TABLE_ENTRY
type ServiceTableEntry struct {
	ServiceName string
	ServiceProc uint64
}

// the dispatcher table is NULL terminated, stop somewhere sane if it isn't
const maxServiceTableEntries = 32

func startServiceCtrlDispatcher(emu *WinEmulator, addr uint64, width util.CharWidth) ([]ServiceTableEntry, error) {
	layout := util.ServiceTableEntryLayout(emu.PtrSize)
	var entries []ServiceTableEntry
	for i := uint64(0); i < maxServiceTableEntries; i++ {
		view := layout.View(emu.Mem, addr+i*layout.Size)
		nameAddr, err := view.Get("lpServiceName")
		if err != nil {
			return nil, err
		}
		if nameAddr == 0 {
			break
		}
		procAddr, err := view.Get("lpServiceProc")
		if err != nil {
			return nil, err
		}
		name, err := util.ReadString(emu.Mem, nameAddr, width)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ServiceTableEntry{name, procAddr})
	}
	return entries, nil
}

func (emu *WinEmulator) resolveProcess(h core.Handle) (*Process, error) {
	if h == core.PseudoHandle(emu.PtrSize) {
		return emu.Processes.CurrentProcess(), nil
	}
	obj, ok := emu.Handles.Resolve(h)
	if !ok {
		return nil, newError(ErrInvalidHandle, "process handle %s is not open", h)
	}
	proc, ok := obj.(*Process)
	if !ok {
		return nil, newError(ErrInvalidHandle, "handle %s is a %s, not a process", h, obj.ObjectKind())
	}
	return proc, nil
}

func (emu *WinEmulator) resolveThread(h core.Handle) (*Thread, error) {
	if h == core.CurrentThreadPseudoHandle(emu.PtrSize) {
		return emu.Processes.CurrentThread(), nil
	}
	obj, ok := emu.Handles.Resolve(h)
	if !ok {
		return nil, newError(ErrInvalidHandle, "thread handle %s is not open", h)
	}
	thread, ok := obj.(*Thread)
	if !ok {
		return nil, newError(ErrInvalidHandle, "handle %s is a %s, not a thread", h, obj.ObjectKind())
	}
	return thread, nil
}

// tokenHandle returns the handle a process or thread token is reachable
// through, binding it the first time
func (emu *WinEmulator) tokenHandle(tok *Token) core.Handle {
	if tok.Handle == 0 {
		tok.Handle = emu.Handles.Insert(tok)
	}
	return tok.Handle
}

// lookupPrivilege maps a privilege name to its LUID. Names Windows does not
// know get a fresh LUID, stable for the session.
func (emu *WinEmulator) lookupPrivilege(name string) uint64 {
	for k, v := range privilegeLuids {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	key := strings.ToLower(name)
	if luid, ok := emu.luids[key]; ok {
		return luid
	}
	luid := emu.nextLuid
	emu.nextLuid++
	emu.luids[key] = luid
	return luid
}

func openProcessToken(emu *WinEmulator, in *Call) (uint64, error) {
	proc, err := emu.resolveProcess(in.Handle(0))
	if err != nil {
		return 0, err
	}
	if in.Ptr(2).IsNull() {
		return 0, newError(ErrInvalidParameter, "TokenHandle is NULL")
	}
	if err := emu.putHandle(in.Ptr(2), emu.tokenHandle(proc.Token)); err != nil {
		return 0, err
	}
	emu.SetLastError(ERROR_SUCCESS)
	return 1, nil
}

func openThreadToken(emu *WinEmulator, in *Call) (uint64, error) {
	h := in.Handle(0)
	// some callers pass the process pseudo handle here
	if h == core.PseudoHandle(emu.PtrSize) {
		h = core.CurrentThreadPseudoHandle(emu.PtrSize)
	}
	thread, err := emu.resolveThread(h)
	if err != nil {
		return 0, err
	}
	if in.Ptr(3).IsNull() {
		return 0, newError(ErrInvalidParameter, "TokenHandle is NULL")
	}
	if thread.Token == nil {
		return 0, newError(ErrNoToken, "thread %d is not impersonating", thread.TID)
	}
	if err := emu.putHandle(in.Ptr(3), emu.tokenHandle(thread.Token)); err != nil {
		return 0, err
	}
	emu.SetLastError(ERROR_SUCCESS)
	return 1, nil
}

func getUserName(emu *WinEmulator, in *Call) (uint64, error) {
	capacity, err := readCount(emu, in.Ptr(1), "pcbBuffer")
	if err != nil {
		return 0, err
	}
	enc := util.EncodeString(emu.Opts.User, in.Ctx.Width)
	// counted in characters, terminator included
	required := uint32(len(enc) / int(in.Ctx.Width))
	if err := util.PutDword(emu.Mem, in.Arg(1), required); err != nil {
		return 0, memFault(err, "writing pcbBuffer")
	}
	if required > capacity || in.Ptr(0).IsNull() {
		return 0, newError(ErrInsufficientBuffer, "user name needs %d characters, have %d", required, capacity)
	}
	if err := util.PutBytes(emu.Mem, in.Arg(0), enc); err != nil {
		return 0, memFault(err, "writing lpBuffer")
	}
	return 1, nil
}

// applicationName is what CreateProcess runs when lpApplicationName is
// NULL: the first token of the command line, quotes honored
func applicationName(cmdline string) string {
	cmdline = strings.TrimLeft(cmdline, " \t")
	if strings.HasPrefix(cmdline, "\"") {
		if end := strings.Index(cmdline[1:], "\""); end >= 0 {
			return cmdline[1 : end+1]
		}
		return cmdline[1:]
	}
	if i := strings.IndexAny(cmdline, " \t"); i >= 0 {
		return cmdline[:i]
	}
	return cmdline
}

// createProcess serves the CreateProcess family. first is the index of
// lpApplicationName; the remaining arguments follow in the usual order.
func createProcess(emu *WinEmulator, in *Call, first int, token *Token) (uint64, error) {
	app, err := in.OptString(first)
	if err != nil {
		return 0, err
	}
	cmd, err := in.OptString(first + 1)
	if err != nil {
		return 0, err
	}
	if app == nil && cmd == nil {
		return 0, newError(ErrInvalidParameter, "neither lpApplicationName nor lpCommandLine given")
	}
	pi := in.Ptr(first + 9)
	if pi.IsNull() {
		return 0, newError(ErrInvalidParameter, "lpProcessInformation is NULL")
	}
	var path, cmdline string
	if cmd != nil {
		cmdline = *cmd
	}
	if app != nil && *app != "" {
		path = *app
	} else {
		path = applicationName(cmdline)
	}
	flags := in.Dword(first + 5)

	proc, err := emu.Processes.CreateProcess(path, cmdline, flags)
	if err != nil {
		return 0, wrapError(ErrInvalidParameter, err, "creating %s", path)
	}
	if len(proc.Threads) == 0 {
		return 0, newError(ErrInvalidParameter, "process %d has no thread", proc.PID)
	}
	if token != nil && proc.Token != nil {
		proc.Token.User = token.User
		proc.Token.SessionID = token.SessionID
		proc.Token.Elevated = token.Elevated
		proc.Token.Integrity = token.Integrity
	}
	thread := proc.Threads[0]
	if proc.Handle == 0 {
		proc.Handle = emu.Handles.Insert(proc)
	}
	if thread.Handle == 0 {
		thread.Handle = emu.Handles.Insert(thread)
	}

	data := util.ProcessInformationLayout(emu.PtrSize).Materialize(map[string]uint64{
		"hProcess":    proc.Handle.Word(emu.PtrSize),
		"hThread":     thread.Handle.Word(emu.PtrSize),
		"dwProcessId": uint64(proc.PID),
		"dwThreadId":  uint64(thread.TID),
	}, nil)
	if err := util.PutBytes(emu.Mem, pi.Addr(), data); err != nil {
		return 0, memFault(err, "writing lpProcessInformation")
	}

	detail := map[string]string{
		"pid":     fmt.Sprint(proc.PID),
		"cmdline": cmdline,
	}
	if token != nil && token.User != nil {
		detail["user"] = token.User.String()
	}
	emu.Events.Record(core.EventProcess, "create", path, detail)
	emu.Events.AddIoc("process", path)
	return 1, nil
}

func serviceName(in *Call, i int) string {
	s, err := in.OptString(i)
	if err != nil || s == nil {
		return ""
	}
	return *s
}

func AdvApi32Hooks(emu *WinEmulator) {
	const lib = "advapi32.dll"

	emu.AddHook(lib, "OpenProcessToken", &Hook{
		Parameters: []string{"ProcessHandle", "DesiredAccess", "TokenHandle"},
		Returns:    ReturnBool,
		Fn:         openProcessToken,
	})

	emu.AddHook(lib, "OpenThreadToken", &Hook{
		Parameters: []string{"ThreadHandle", "DesiredAccess", "OpenAsSelf", "TokenHandle"},
		Returns:    ReturnBool,
		Fn:         openThreadToken,
	})

	emu.addHookAW(lib, "LookupPrivilegeValue", &Hook{
		Parameters: []string{"t:lpSystemName", "t:lpName", "lpLuid"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			name, err := in.ReadString(1)
			if err != nil {
				return 0, err
			}
			if in.Ptr(2).IsNull() {
				return 0, newError(ErrInvalidParameter, "lpLuid is NULL")
			}
			luid := emu.lookupPrivilege(name)
			err = util.LuidLayout(emu.PtrSize).View(emu.Mem, in.Arg(2)).Store(map[string]uint64{
				"LowPart":  luid & 0xffffffff,
				"HighPart": luid >> 32,
			}, nil)
			if err != nil {
				return 0, memFault(err, "writing lpLuid")
			}
			return 1, nil
		},
	})

	emu.addHookAW(lib, "GetUserName", &Hook{
		Parameters: []string{"lpBuffer", "pcbBuffer"},
		Returns:    ReturnBool,
		Fn:         getUserName,
	})

	emu.addHookAW(lib, "CreateProcessAsUser", &Hook{
		Parameters: []string{"hToken", "t:lpApplicationName", "t:lpCommandLine", "lpProcessAttributes", "lpThreadAttributes", "bInheritHandles", "dwCreationFlags", "lpEnvironment", "t:lpCurrentDirectory", "lpStartupInfo", "lpProcessInformation"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			// a NULL or stale token runs the child as the caller
			tok, err := emu.resolveToken(in.Handle(0))
			if err != nil {
				tok = emu.Processes.CurrentProcess().Token
			}
			return createProcess(emu, in, 1, tok)
		},
	})

	emu.addHookAW(lib, "OpenSCManager", &Hook{
		Parameters: []string{"t:lpMachineName", "t:lpDatabaseName", "dwDesiredAccess"},
		Returns:    ReturnHandle,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			h := emu.Services.OpenManager(serviceName(in, 0))
			emu.SetLastError(ERROR_SUCCESS)
			return h.Word(emu.PtrSize), nil
		},
	})

	emu.addHookAW(lib, "CreateService", &Hook{
		Parameters: []string{"hSCManager", "t:lpServiceName", "t:lpDisplayName", "dwDesiredAccess", "dwServiceType", "dwStartType", "dwErrorControl", "t:lpBinaryPathName", "t:lpLoadOrderGroup", "lpdwTagId", "lpDependencies", "t:lpServiceStartName", "lpPassword"},
		Returns:    ReturnHandle,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			svc := &Service{
				Name:        serviceName(in, 1),
				DisplayName: serviceName(in, 2),
				BinaryPath:  serviceName(in, 7),
				Type:        in.Dword(4),
				StartType:   in.Dword(5),
			}
			h, svc := emu.Services.Create(svc)
			emu.Events.Record(core.EventService, "create", svc.Name, map[string]string{"binary": svc.BinaryPath})
			emu.Events.AddIoc("service", svc.Name)
			emu.SetLastError(ERROR_SUCCESS)
			return h.Word(emu.PtrSize), nil
		},
	})

	emu.addHookAW(lib, "OpenService", &Hook{
		Parameters: []string{"hSCManager", "t:lpServiceName", "dwDesiredAccess"},
		Returns:    ReturnHandle,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			h, svc := emu.Services.Open(serviceName(in, 1))
			emu.Events.Record(core.EventService, "open", svc.Name, nil)
			emu.SetLastError(ERROR_SUCCESS)
			return h.Word(emu.PtrSize), nil
		},
	})

	emu.addHookAW(lib, "StartService", &Hook{
		Parameters: []string{"hService", "d:dwNumServiceArgs", "lpServiceArgVectors"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			if svc := emu.Services.Resolve(in.Handle(0)); svc != nil {
				in.SetValue(0, svc.Name)
				svc.State = SERVICE_RUNNING
				emu.Events.Record(core.EventService, "start", svc.Name, nil)
			}
			emu.SetLastError(ERROR_SUCCESS)
			return 1, nil
		},
	})

	emu.AddHook(lib, "ControlService", &Hook{
		Parameters: []string{"hService", "dwControl", "lpServiceStatus"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			state := uint32(SERVICE_RUNNING)
			typ := uint32(SERVICE_WIN32_OWN)
			if svc := emu.Services.Resolve(in.Handle(0)); svc != nil {
				in.SetValue(0, svc.Name)
				state = emu.Services.Control(svc, in.Dword(1))
				if svc.Type != 0 {
					typ = svc.Type
				}
				emu.Events.Record(core.EventService, "control", svc.Name, map[string]string{"control": fmt.Sprint(in.Dword(1))})
			}
			if !in.Ptr(2).IsNull() {
				err := util.ServiceStatusLayout(emu.PtrSize).View(emu.Mem, in.Arg(2)).Store(map[string]uint64{
					"dwServiceType":  uint64(typ),
					"dwCurrentState": uint64(state),
				}, nil)
				if err != nil {
					return 0, memFault(err, "writing lpServiceStatus")
				}
			}
			emu.SetLastError(ERROR_SUCCESS)
			return 1, nil
		},
	})

	emu.AddHook(lib, "DeleteService", &Hook{
		Parameters: []string{"hService"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			if svc := emu.Services.Resolve(in.Handle(0)); svc != nil {
				in.SetValue(0, svc.Name)
				svc.Deleted = true
				emu.Events.Record(core.EventService, "delete", svc.Name, nil)
			}
			emu.SetLastError(ERROR_SUCCESS)
			return 1, nil
		},
	})

	emu.addHookAW(lib, "ChangeServiceConfig2", &Hook{
		Parameters: []string{"hService", "dwInfoLevel", "lpInfo"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			if svc := emu.Services.Resolve(in.Handle(0)); svc != nil {
				in.SetValue(0, svc.Name)
			}
			emu.SetLastError(ERROR_SUCCESS)
			return 1, nil
		},
	})

	emu.AddHook(lib, "CloseServiceHandle", &Hook{
		Parameters: []string{"hSCObject"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			emu.Services.Close(in.Handle(0))
			emu.SetLastError(ERROR_SUCCESS)
			return 1, nil
		},
	})

	emu.addHookAW(lib, "StartServiceCtrlDispatcher", &Hook{
		Parameters: []string{"v:lpServiceStartTable"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			if in.Ptr(0).IsNull() {
				return 0, newError(ErrInvalidParameter, "lpServiceStartTable is NULL")
			}
			entries, err := startServiceCtrlDispatcher(emu, in.Arg(0), in.Ctx.Width)
			if err != nil {
				return 0, memFault(err, "reading lpServiceStartTable")
			}
			in.Values[0] = entries
			for _, e := range entries {
				emu.Services.Dispatch(e.ServiceName, e.ServiceProc)
				emu.Events.Record(core.EventService, "dispatch", e.ServiceName, map[string]string{
					"proc": fmt.Sprintf("0x%x", e.ServiceProc),
				})
			}
			emu.SetLastError(ERROR_SUCCESS)
			return 1, nil
		},
	})
}
