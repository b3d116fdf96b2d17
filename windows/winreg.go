package windows

import (
	"errors"
	"fmt"

	"github.com/carbonblack/apisurface/core"
	"github.com/carbonblack/apisurface/util"
)

// hkeyMap renders a key argument for the call log: the hive name for root
// constants, the key path for open handles
func hkeyMap(emu *WinEmulator, word uint64) string {
	if name, ok := ResolveRoot(word); ok {
		return name
	}
	if k, ok := emu.Registry.KeyFromHandle(word); ok {
		return k.Path()
	}
	return fmt.Sprintf("0x%x", word)
}

func (emu *WinEmulator) regEvent(action string, k *Key, detail map[string]string) {
	emu.Events.Record(core.EventRegistry, action, k.Path(), detail)
	switch action {
	case "create_key", "set_value", "delete_key", "delete_value":
		emu.Events.AddIoc("registry", k.Path())
	}
}

// openRegKey is shared by the Open and Create families, both create missing
// keys on the way down
func openRegKey(emu *WinEmulator, in *Call, out util.Ptr, disposition util.Ptr) (uint64, error) {
	in.SetValue(0, hkeyMap(emu, in.Arg(0)))
	if out.IsNull() {
		return 0, newError(ErrInvalidParameter, "phkResult is NULL")
	}
	subkey, err := in.OptString(1)
	if err != nil {
		return 0, err
	}
	// both outputs must be writable before anything is created
	if err := emu.putHandle(out, 0); err != nil {
		return 0, err
	}
	if err := putOptDword(emu, disposition, 0); err != nil {
		return 0, err
	}
	h, key, created, err := emu.Registry.Open(in.Arg(0), subkey)
	if err != nil {
		return 0, err
	}
	if err := emu.putHandle(out, h); err != nil {
		return 0, err
	}
	d := uint32(REG_OPENED_EXISTING_KEY)
	if created {
		d = REG_CREATED_NEW_KEY
	}
	if err := putOptDword(emu, disposition, d); err != nil {
		return 0, err
	}
	if created {
		emu.regEvent("create_key", key, nil)
	} else {
		emu.regEvent("open_key", key, nil)
	}
	return ERROR_SUCCESS, nil
}

func openHandleKey(emu *WinEmulator, in *Call) (*Key, error) {
	in.SetValue(0, hkeyMap(emu, in.Arg(0)))
	k, ok := emu.Registry.KeyFromHandle(in.Arg(0))
	if !ok {
		return nil, newError(ErrInvalidHandle, "registry handle 0x%x is not open", in.Arg(0))
	}
	return k, nil
}

// queryValue writes one value through the two phase size protocol. A value
// that does not exist reads as REG_BINARY zeros of whatever size the caller
// offered.
func queryValue(emu *WinEmulator, in *Call, key *Key, name string, pType, pData, pcbData util.Ptr) error {
	var capacity uint32
	if !pcbData.IsNull() {
		var err error
		if capacity, err = util.GetDword(emu.Mem, pcbData.Addr()); err != nil {
			return memFault(err, "reading lpcbData")
		}
	} else if !pData.IsNull() {
		return newError(ErrInvalidParameter, "lpData without lpcbData")
	}

	v, ok := key.GetValue(name)
	if !ok {
		if capacity > util.MaxBufferLength {
			return newError(ErrInvalidParameter, "buffer length 0x%x", capacity)
		}
		if !pType.IsNull() {
			if err := util.PutDword(emu.Mem, pType.Addr(), REG_BINARY); err != nil {
				return memFault(err, "writing lpType")
			}
		}
		placeholder := make([]byte, capacity)
		if err := util.Negotiate(emu.Mem, pData, uint64(capacity), pcbData, placeholder, capacity); err != nil {
			return memFault(err, "writing placeholder")
		}
		emu.regEvent("read_value", key, map[string]string{"value": name, "missing": "true"})
		return nil
	}

	data := valueData(v, in.Ctx.Width)
	if !pType.IsNull() {
		if err := util.PutDword(emu.Mem, pType.Addr(), v.Type); err != nil {
			return memFault(err, "writing lpType")
		}
	}
	limit := uint64(capacity)
	if pData.IsNull() {
		limit = uint64(len(data))
	}
	err := util.Negotiate(emu.Mem, pData, limit, pcbData, data, uint32(len(data)))
	if errors.Is(err, util.ErrBufferTooSmall) {
		return wrapError(ErrMoreData, err, "%s\\%s", key.Path(), name)
	} else if err != nil {
		return memFault(err, "writing value")
	}
	emu.regEvent("read_value", key, map[string]string{"value": name, "type": v.TypeName()})
	return nil
}

// writeName copies an enumerated name into a buffer of capacity characters,
// terminator included, and returns the name length in characters
func writeName(emu *WinEmulator, out util.Ptr, capacity uint32, name string, width util.CharWidth) (uint32, error) {
	enc := util.EncodeString(name, width)
	chars := uint32(len(enc)/int(width)) - 1
	if chars+1 > capacity {
		return chars, newError(ErrMoreData, "%q needs %d characters, have %d", name, chars+1, capacity)
	}
	if out.IsNull() {
		return chars, newError(ErrInvalidParameter, "name buffer is NULL")
	}
	if err := util.PutBytes(emu.Mem, out.Addr(), enc); err != nil {
		return chars, memFault(err, "writing name")
	}
	return chars, nil
}

func readCount(emu *WinEmulator, p util.Ptr, name string) (uint32, error) {
	if p.IsNull() {
		return 0, newError(ErrInvalidParameter, "%s is NULL", name)
	}
	n, err := util.GetDword(emu.Mem, p.Addr())
	if err != nil {
		return 0, memFault(err, "reading %s", name)
	}
	return n, nil
}

func putOptDword(emu *WinEmulator, p util.Ptr, v uint32) error {
	if p.IsNull() {
		return nil
	}
	return memFault(util.PutDword(emu.Mem, p.Addr(), v), "writing result")
}

func WinregHooks(emu *WinEmulator) {
	const lib = "advapi32.dll"

	emu.addHookAW(lib, "RegOpenKey", &Hook{
		Parameters: []string{"hKey", "t:lpSubKey", "phkResult"},
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			return openRegKey(emu, in, in.Ptr(2), 0)
		},
	})

	emu.addHookAW(lib, "RegOpenKeyEx", &Hook{
		Parameters: []string{"hKey", "t:lpSubKey", "ulOptions", "samDesired", "phkResult"},
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			return openRegKey(emu, in, in.Ptr(4), 0)
		},
	})

	emu.addHookAW(lib, "RegCreateKey", &Hook{
		Parameters: []string{"hKey", "t:lpSubKey", "phkResult"},
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			return openRegKey(emu, in, in.Ptr(2), 0)
		},
	})

	emu.addHookAW(lib, "RegCreateKeyEx", &Hook{
		Parameters: []string{"hKey", "t:lpSubKey", "Reserved", "t:lpClass", "dwOptions", "samDesired", "lpSecurityAttributes", "phkResult", "lpdwDisposition"},
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			return openRegKey(emu, in, in.Ptr(7), in.Ptr(8))
		},
	})

	emu.AddHook(lib, "RegCloseKey", &Hook{
		Parameters: []string{"hKey"},
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			in.SetValue(0, hkeyMap(emu, in.Arg(0)))
			if err := emu.Registry.Close(in.Arg(0)); err != nil {
				return 0, err
			}
			return ERROR_SUCCESS, nil
		},
	})

	emu.addHookAW(lib, "RegQueryValueEx", &Hook{
		Parameters: []string{"hKey", "t:lpValueName", "lpReserved", "lpType", "lpData", "lpcbData"},
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			key, err := openHandleKey(emu, in)
			if err != nil {
				return 0, err
			}
			name, err := in.OptString(1)
			if err != nil {
				return 0, err
			}
			if name == nil {
				name = new(string)
			}
			if err := queryValue(emu, in, key, *name, in.Ptr(3), in.Ptr(4), in.Ptr(5)); err != nil {
				return 0, err
			}
			return ERROR_SUCCESS, nil
		},
	})

	emu.addHookAW(lib, "RegGetValue", &Hook{
		Parameters: []string{"hKey", "t:lpSubKey", "t:lpValue", "dwFlags", "pdwType", "pvData", "pcbData"},
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			in.SetValue(0, hkeyMap(emu, in.Arg(0)))
			subkey, err := in.OptString(1)
			if err != nil {
				return 0, err
			}
			name, err := in.OptString(2)
			if err != nil {
				return 0, err
			}
			if name == nil {
				name = new(string)
			}
			key, err := emu.Registry.Peek(in.Arg(0), subkey)
			if err != nil {
				return 0, err
			}
			if err := queryValue(emu, in, key, *name, in.Ptr(4), in.Ptr(5), in.Ptr(6)); err != nil {
				return 0, err
			}
			return ERROR_SUCCESS, nil
		},
	})

	emu.addHookAW(lib, "RegSetValueEx", &Hook{
		Parameters: []string{"hKey", "t:lpValueName", "Reserved", "dwType", "lpData", "d:cbData"},
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			key, err := openHandleKey(emu, in)
			if err != nil {
				return 0, err
			}
			name, err := in.OptString(1)
			if err != nil {
				return 0, err
			}
			if name == nil {
				name = new(string)
			}
			typ, size := in.Dword(3), uint64(in.Dword(5))
			if size > util.MaxBufferLength {
				return 0, newError(ErrInvalidParameter, "cbData 0x%x", size)
			}
			var data []byte
			if size > 0 {
				if in.Ptr(4).IsNull() {
					return 0, newError(ErrInvalidParameter, "lpData is NULL")
				}
				if data, err = util.ReadBytes(emu.Mem, in.Arg(4), size); err != nil {
					return 0, memFault(err, "reading lpData")
				}
			}
			if t, ok := regTypeNames[typ]; ok {
				in.SetValue(3, t)
			}
			v := key.SetValue(*name, typ, storedData(typ, data, in.Ctx.Width))
			emu.regEvent("set_value", key, map[string]string{"value": v.Name, "type": v.TypeName()})
			return ERROR_SUCCESS, nil
		},
	})

	emu.addHookAW(lib, "RegDeleteValue", &Hook{
		Parameters: []string{"hKey", "t:lpValueName"},
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			key, err := openHandleKey(emu, in)
			if err != nil {
				return 0, err
			}
			name, err := in.OptString(1)
			if err != nil {
				return 0, err
			}
			if name == nil {
				name = new(string)
			}
			if err := key.DeleteValue(*name); err != nil {
				return 0, err
			}
			emu.regEvent("delete_value", key, map[string]string{"value": *name})
			return ERROR_SUCCESS, nil
		},
	})

	emu.addHookAW(lib, "RegDeleteKey", &Hook{
		Parameters: []string{"hKey", "t:lpSubKey"},
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			in.SetValue(0, hkeyMap(emu, in.Arg(0)))
			subkey, err := in.ReadString(1)
			if err != nil {
				return 0, err
			}
			key, err := emu.Registry.DeleteKey(in.Arg(0), subkey)
			if err != nil {
				return 0, err
			}
			emu.regEvent("delete_key", key, nil)
			return ERROR_SUCCESS, nil
		},
	})

	emu.addHookAW(lib, "RegEnumKey", &Hook{
		Parameters: []string{"hKey", "d:dwIndex", "lpName", "d:cchName"},
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			key, err := openHandleKey(emu, in)
			if err != nil {
				return 0, err
			}
			child, err := key.EnumKey(in.Dword(1))
			if err != nil {
				return 0, err
			}
			if _, err := writeName(emu, in.Ptr(2), in.Dword(3), child.Name(), in.Ctx.Width); err != nil {
				return 0, err
			}
			return ERROR_SUCCESS, nil
		},
	})

	emu.addHookAW(lib, "RegEnumKeyEx", &Hook{
		Parameters: []string{"hKey", "d:dwIndex", "lpName", "lpcchName", "lpReserved", "lpClass", "lpcchClass", "lpftLastWriteTime"},
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			key, err := openHandleKey(emu, in)
			if err != nil {
				return 0, err
			}
			child, err := key.EnumKey(in.Dword(1))
			if err != nil {
				return 0, err
			}
			capacity, err := readCount(emu, in.Ptr(3), "lpcchName")
			if err != nil {
				return 0, err
			}
			n, err := writeName(emu, in.Ptr(2), capacity, child.Name(), in.Ctx.Width)
			if err != nil {
				return 0, err
			}
			if err := putOptDword(emu, in.Ptr(3), n); err != nil {
				return 0, err
			}
			// keys carry no class
			if !in.Ptr(5).IsNull() && !in.Ptr(6).IsNull() {
				if err := util.PutBytes(emu.Mem, in.Arg(5), make([]byte, in.Ctx.Width)); err != nil {
					return 0, memFault(err, "writing lpClass")
				}
			}
			if err := putOptDword(emu, in.Ptr(6), 0); err != nil {
				return 0, err
			}
			if !in.Ptr(7).IsNull() {
				if err := util.PutBytes(emu.Mem, in.Arg(7), make([]byte, 8)); err != nil {
					return 0, memFault(err, "writing lpftLastWriteTime")
				}
			}
			return ERROR_SUCCESS, nil
		},
	})

	emu.addHookAW(lib, "RegEnumValue", &Hook{
		Parameters: []string{"hKey", "d:dwIndex", "lpValueName", "lpcchValueName", "lpReserved", "lpType", "lpData", "lpcbData"},
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			key, err := openHandleKey(emu, in)
			if err != nil {
				return 0, err
			}
			v, err := key.EnumValue(in.Dword(1))
			if err != nil {
				return 0, err
			}
			capacity, err := readCount(emu, in.Ptr(3), "lpcchValueName")
			if err != nil {
				return 0, err
			}
			n, err := writeName(emu, in.Ptr(2), capacity, v.Name, in.Ctx.Width)
			if err != nil {
				return 0, err
			}
			if err := putOptDword(emu, in.Ptr(3), n); err != nil {
				return 0, err
			}
			if err := putOptDword(emu, in.Ptr(5), v.Type); err != nil {
				return 0, err
			}
			data := valueData(v, in.Ctx.Width)
			if in.Ptr(7).IsNull() {
				if !in.Ptr(6).IsNull() {
					return 0, newError(ErrInvalidParameter, "lpData without lpcbData")
				}
				return ERROR_SUCCESS, nil
			}
			limit := uint64(len(data))
			if !in.Ptr(6).IsNull() {
				c, err := util.GetDword(emu.Mem, in.Arg(7))
				if err != nil {
					return 0, memFault(err, "reading lpcbData")
				}
				limit = uint64(c)
			}
			err = util.Negotiate(emu.Mem, in.Ptr(6), limit, in.Ptr(7), data, uint32(len(data)))
			if errors.Is(err, util.ErrBufferTooSmall) {
				return 0, wrapError(ErrMoreData, err, "%s\\%s", key.Path(), v.Name)
			} else if err != nil {
				return 0, memFault(err, "writing value")
			}
			return ERROR_SUCCESS, nil
		},
	})

	emu.addHookAW(lib, "RegQueryInfoKey", &Hook{
		Parameters: []string{"hKey", "lpClass", "lpcchClass", "lpReserved", "lpcSubKeys", "lpcbMaxSubKeyLen", "lpcbMaxClassLen", "lpcValues", "lpcbMaxValueNameLen", "lpcbMaxValueLen", "lpcbSecurityDescriptor", "lpftLastWriteTime"},
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			key, err := openHandleKey(emu, in)
			if err != nil {
				return 0, err
			}
			info := key.Info(in.Ctx.Width)
			if !in.Ptr(1).IsNull() {
				capacity, err := readCount(emu, in.Ptr(2), "lpcchClass")
				if err != nil {
					return 0, err
				}
				if _, err := writeName(emu, in.Ptr(1), capacity, "", in.Ctx.Width); err != nil {
					return 0, err
				}
			}
			for _, w := range []struct {
				arg int
				v   uint32
			}{
				{2, 0},
				{4, info.SubKeys},
				{5, info.MaxSubKeyLen},
				{6, 0},
				{7, info.Values},
				{8, info.MaxValueNameLen},
				{9, info.MaxValueLen},
				{10, 0},
			} {
				if err := putOptDword(emu, in.Ptr(w.arg), w.v); err != nil {
					return 0, err
				}
			}
			if !in.Ptr(11).IsNull() {
				if err := util.PutBytes(emu.Mem, in.Arg(11), make([]byte, 8)); err != nil {
					return 0, memFault(err, "writing lpftLastWriteTime")
				}
			}
			return ERROR_SUCCESS, nil
		},
	})
}
