package windows

import "github.com/carbonblack/apisurface/core"

func ProcessthreadsapiHooks(emu *WinEmulator) {
	const lib = "kernel32.dll"

	emu.addHookAW(lib, "CreateProcess", &Hook{
		Parameters: []string{"t:lpApplicationName", "t:lpCommandLine", "lpProcessAttributes", "lpThreadAttributes", "bInheritHandles", "dwCreationFlags", "lpEnvironment", "t:lpCurrentDirectory", "lpStartupInfo", "lpProcessInformation"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			return createProcess(emu, in, 0, nil)
		},
	})

	emu.AddHook(lib, "GetCurrentProcess", &Hook{
		Parameters: []string{},
		Returns:    ReturnHandle,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			return core.PseudoHandle(emu.PtrSize).Word(emu.PtrSize), nil
		},
	})

	emu.AddHook(lib, "GetCurrentThread", &Hook{
		Parameters: []string{},
		Returns:    ReturnHandle,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			return core.CurrentThreadPseudoHandle(emu.PtrSize).Word(emu.PtrSize), nil
		},
	})

	emu.AddHook(lib, "GetCurrentProcessId", &Hook{
		Parameters: []string{},
		Returns:    ReturnPointer,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			return uint64(emu.Processes.CurrentProcess().PID), nil
		},
	})

	emu.AddHook(lib, "GetCurrentThreadId", &Hook{
		Parameters: []string{},
		Returns:    ReturnPointer,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			return uint64(emu.Processes.CurrentThread().TID), nil
		},
	})

	emu.AddHook(lib, "GetProcessId", &Hook{
		Parameters: []string{"Process"},
		Returns:    ReturnPointer,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			proc, err := emu.resolveProcess(in.Handle(0))
			if err != nil {
				return 0, err
			}
			return uint64(proc.PID), nil
		},
	})
}
