package windows

import (
	"github.com/carbonblack/apisurface/core"
)

// closeHandle releases h. Pseudo handles and tokens that belong to a
// process or thread close without effect, like the real kernel does.
func closeHandle(emu *WinEmulator, h core.Handle) error {
	top := core.PseudoHandle(emu.PtrSize)
	if h >= top-currentThreadEffectiveTokOffset && h <= top {
		return nil
	}
	obj, ok := emu.Handles.Resolve(h)
	if !ok {
		return newError(ErrInvalidHandle, "handle %s is not open", h)
	}
	if tok, ok := obj.(*Token); ok && tok.Owned() {
		return nil
	}
	emu.Handles.Release(h)
	switch o := obj.(type) {
	case *Process:
		if o.Handle == h {
			o.Handle = 0
		}
	case *Thread:
		if o.Handle == h {
			o.Handle = 0
		}
	}
	return nil
}

func HandleapiHooks(emu *WinEmulator) {
	emu.AddHook("kernel32.dll", "CloseHandle", &Hook{
		Parameters: []string{"hObject"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			if err := closeHandle(emu, in.Handle(0)); err != nil {
				return 0, err
			}
			return 1, nil
		},
	})
}
