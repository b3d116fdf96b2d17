package windows

import (
	"encoding/hex"

	"github.com/carbonblack/apisurface/core"
	"github.com/carbonblack/apisurface/util"
)

func cryptGenRandom(emu *WinEmulator, in *Call) (uint64, error) {
	length := uint64(in.Dword(1))
	if in.Ptr(2).IsNull() || length > util.MaxBufferLength {
		return 0, newError(ErrInvalidParameter, "pbBuffer 0x%x, dwLen 0x%x", in.Arg(2), length)
	}
	if err := util.PutBytes(emu.Mem, in.Arg(2), emu.Crypto.GenRandom(uint32(length))); err != nil {
		return 0, memFault(err, "writing pbBuffer")
	}
	return 1, nil
}

func cryptGetHashParam(emu *WinEmulator, in *Call) (uint64, error) {
	h, param := in.Handle(0), in.Dword(1)
	capacity, err := readCount(emu, in.Ptr(3), "pdwDataLen")
	if err != nil {
		return 0, err
	}
	// sized first so that a short buffer never finalizes the hash
	probe, err := emu.Crypto.HashParam(h, param, false)
	if err != nil {
		return 0, err
	}
	if err := util.PutDword(emu.Mem, in.Arg(3), uint32(len(probe))); err != nil {
		return 0, memFault(err, "writing pdwDataLen")
	}
	if in.Ptr(2).IsNull() {
		return 1, nil
	}
	if uint64(len(probe)) > uint64(capacity) {
		return 0, newError(ErrMoreData, "hash parameter 0x%x needs %d bytes, have %d", param, len(probe), capacity)
	}
	data, err := emu.Crypto.HashParam(h, param, true)
	if err != nil {
		return 0, err
	}
	if err := util.PutBytes(emu.Mem, in.Arg(2), data); err != nil {
		return 0, memFault(err, "writing pbData")
	}
	if param == HP_HASHVAL {
		if ctx, err := emu.Crypto.Hash(h); err == nil {
			emu.Events.Record(core.EventCrypto, "hash_final", ctx.Alg.Name, map[string]string{
				"digest": hex.EncodeToString(data),
			})
		}
	}
	return 1, nil
}

func WinCryptHooks(emu *WinEmulator) {
	const lib = "advapi32.dll"

	emu.addHookAW(lib, "CryptAcquireContext", &Hook{
		Parameters: []string{"phProv", "t:szContainer", "t:szProvider", "dwProvType", "dwFlags"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			if in.Ptr(0).IsNull() {
				return 0, newError(ErrInvalidParameter, "phProv is NULL")
			}
			var container, provider string
			if s, err := in.OptString(1); err != nil {
				return 0, err
			} else if s != nil {
				container = *s
			}
			if s, err := in.OptString(2); err != nil {
				return 0, err
			} else if s != nil {
				provider = *s
			}
			h, _ := emu.Crypto.AcquireContext(container, provider, in.Dword(3), in.Dword(4))
			if err := emu.putHandle(in.Ptr(0), h); err != nil {
				emu.Crypto.ReleaseContext(h)
				return 0, err
			}
			emu.Events.Record(core.EventCrypto, "acquire_context", provider, map[string]string{"container": container})
			emu.SetLastError(ERROR_SUCCESS)
			return 1, nil
		},
	})

	emu.AddHook(lib, "CryptReleaseContext", &Hook{
		Parameters: []string{"hProv", "dwFlags"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			emu.Crypto.ReleaseContext(in.Handle(0))
			return 1, nil
		},
	})

	emu.AddHook(lib, "CryptCreateHash", &Hook{
		Parameters: []string{"hProv", "Algid", "hKey", "dwFlags", "phHash"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			in.SetValue(1, AlgName(in.Dword(1)))
			if in.Ptr(4).IsNull() {
				return 0, newError(ErrInvalidParameter, "phHash is NULL")
			}
			h, ctx, err := emu.Crypto.CreateHash(in.Handle(0), in.Dword(1), in.Arg(2), in.Dword(3))
			if err != nil {
				return 0, err
			}
			if err := emu.putHandle(in.Ptr(4), h); err != nil {
				emu.Crypto.DestroyHash(h)
				return 0, err
			}
			emu.Events.Record(core.EventCrypto, "create_hash", ctx.Alg.Name, nil)
			return 1, nil
		},
	})

	emu.AddHook(lib, "CryptHashData", &Hook{
		Parameters: []string{"hHash", "pbData", "d:dwDataLen", "dwFlags"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			if _, err := emu.Crypto.Hash(in.Handle(0)); err != nil {
				return 0, err
			}
			length := uint64(in.Dword(2))
			if length == 0 {
				// fails without touching the last error
				return 0, nil
			}
			if length > util.MaxBufferLength {
				return 0, newError(ErrInvalidParameter, "dwDataLen 0x%x", length)
			}
			data, err := util.ReadBytes(emu.Mem, in.Arg(1), length)
			if err != nil {
				return 0, memFault(err, "reading pbData")
			}
			if err := emu.Crypto.HashData(in.Handle(0), data); err != nil {
				return 0, err
			}
			return 1, nil
		},
	})

	emu.AddHook(lib, "CryptGetHashParam", &Hook{
		Parameters: []string{"hHash", "dwParam", "pbData", "pdwDataLen", "dwFlags"},
		Returns:    ReturnBool,
		Fn:         cryptGetHashParam,
	})

	emu.AddHook(lib, "CryptDestroyHash", &Hook{
		Parameters: []string{"hHash"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			if err := emu.Crypto.DestroyHash(in.Handle(0)); err != nil {
				return 0, err
			}
			return 1, nil
		},
	})

	emu.AddHook(lib, "CryptGenRandom", &Hook{
		Parameters: []string{"hProv", "d:dwLen", "pbBuffer"},
		Returns:    ReturnBool,
		Fn:         cryptGenRandom,
	})
}
