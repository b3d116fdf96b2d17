package windows

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/carbonblack/apisurface/core"
	"github.com/carbonblack/apisurface/util"
)

const (
	sidRevision          = 1
	sidMaxSubAuthorities = 15
	sidHeaderSize        = 8
)

// Sid is a security identifier
type Sid struct {
	Authority      uint64
	SubAuthorities []uint32
}

// well known groups every token is checked against
var (
	SidEveryone           = &Sid{1, []uint32{0}}
	SidInteractive        = &Sid{5, []uint32{4}}
	SidAuthenticatedUsers = &Sid{5, []uint32{11}}
	SidLocalSystem        = &Sid{5, []uint32{18}}
	SidAdministrators     = &Sid{5, []uint32{32, 544}}
	SidUsers              = &Sid{5, []uint32{32, 545}}
)

// ParseSid reads the S-1-... string form
func ParseSid(s string) (*Sid, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 3 || !strings.EqualFold(parts[0], "S") || parts[1] != "1" {
		return nil, fmt.Errorf("malformed SID %q", s)
	}
	auth, err := strconv.ParseUint(parts[2], 0, 48)
	if err != nil {
		return nil, fmt.Errorf("malformed SID authority in %q: %w", s, err)
	}
	sid := &Sid{Authority: auth}
	for _, p := range parts[3:] {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed SID sub authority in %q: %w", s, err)
		}
		sid.SubAuthorities = append(sid.SubAuthorities, uint32(v))
	}
	if len(sid.SubAuthorities) > sidMaxSubAuthorities {
		return nil, fmt.Errorf("SID %q has too many sub authorities", s)
	}
	return sid, nil
}

func (s *Sid) String() string {
	var b strings.Builder
	if s.Authority >= 1<<32 {
		fmt.Fprintf(&b, "S-1-0x%x", s.Authority)
	} else {
		fmt.Fprintf(&b, "S-1-%d", s.Authority)
	}
	for _, sa := range s.SubAuthorities {
		fmt.Fprintf(&b, "-%d", sa)
	}
	return b.String()
}

// Size is the length of the binary form
func (s *Sid) Size() uint64 {
	return sidHeaderSize + 4*uint64(len(s.SubAuthorities))
}

// Bytes is the binary form as GetLengthSid measures it
func (s *Sid) Bytes() []byte {
	buf := make([]byte, s.Size())
	buf[0] = sidRevision
	buf[1] = byte(len(s.SubAuthorities))
	for i := 0; i < 6; i++ {
		buf[2+i] = byte(s.Authority >> (8 * uint(5-i)))
	}
	for i, sa := range s.SubAuthorities {
		binary.LittleEndian.PutUint32(buf[sidHeaderSize+4*i:], sa)
	}
	return buf
}

// Equal compares two SIDs by value
func (s *Sid) Equal(o *Sid) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Authority != o.Authority || len(s.SubAuthorities) != len(o.SubAuthorities) {
		return false
	}
	for i := range s.SubAuthorities {
		if s.SubAuthorities[i] != o.SubAuthorities[i] {
			return false
		}
	}
	return true
}

// ReadSid decodes a SID from guest memory
func ReadSid(mem util.Memory, addr uint64) (*Sid, error) {
	hdr, err := util.ReadBytes(mem, addr, sidHeaderSize)
	if err != nil {
		return nil, err
	}
	if hdr[0] != sidRevision || hdr[1] > sidMaxSubAuthorities {
		return nil, fmt.Errorf("no SID at 0x%x (revision %d, %d sub authorities)", addr, hdr[0], hdr[1])
	}
	sid := &Sid{}
	for _, b := range hdr[2:8] {
		sid.Authority = sid.Authority<<8 | uint64(b)
	}
	if hdr[1] == 0 {
		return sid, nil
	}
	body, err := util.ReadBytes(mem, addr+sidHeaderSize, 4*uint64(hdr[1]))
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(hdr[1]); i++ {
		sid.SubAuthorities = append(sid.SubAuthorities, binary.LittleEndian.Uint32(body[4*i:]))
	}
	return sid, nil
}

// Token is an access token. Tokens opened from a process or thread belong to
// it and CloseHandle leaves them alone; duplicates are owned by their handle.
type Token struct {
	Owner      core.Object
	User       *Sid
	Type       uint32
	SessionID  uint32
	Elevated   bool
	Integrity  uint32
	Privileges map[uint64]uint32
	Handle     core.Handle
}

func (*Token) ObjectKind() core.ObjectKind { return core.KindToken }

// NewToken builds a primary token for user
func NewToken(user *Sid, session uint32, elevated bool, integrity uint32) *Token {
	return &Token{
		User:       user,
		Type:       TokenPrimary,
		SessionID:  session,
		Elevated:   elevated,
		Integrity:  integrity,
		Privileges: make(map[uint64]uint32),
	}
}

// Duplicate copies the token. The copy has no owner.
func (t *Token) Duplicate(tokenType uint32) *Token {
	dup := *t
	dup.Owner = nil
	dup.Handle = 0
	dup.Type = tokenType
	dup.Privileges = make(map[uint64]uint32, len(t.Privileges))
	for k, v := range t.Privileges {
		dup.Privileges[k] = v
	}
	return &dup
}

// Owned reports whether the token belongs to a process or thread
func (t *Token) Owned() bool { return t.Owner != nil }

// IsMember checks sid against the user and the groups of the token. The
// administrators group is only present in elevated tokens.
func (t *Token) IsMember(sid *Sid) bool {
	if sid.Equal(t.User) {
		return true
	}
	for _, g := range []*Sid{SidEveryone, SidInteractive, SidAuthenticatedUsers, SidUsers} {
		if sid.Equal(g) {
			return true
		}
	}
	return t.Elevated && sid.Equal(SidAdministrators)
}

// Info builds the TokenInformation buffer for class, laid out as if written
// at base. Unsupported classes read as a zero dword.
func (t *Token) Info(class uint32, ptrSize, base uint64) []byte {
	dword := func(v uint32) []byte {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, v)
		return buf
	}
	sidAndAttributes := func(sid *Sid, attrs uint32) []byte {
		l := util.SidAndAttributesLayout(ptrSize)
		head := l.Materialize(map[string]uint64{"Sid": base + l.Size, "Attributes": uint64(attrs)}, nil)
		return append(head, sid.Bytes()...)
	}

	switch class {
	case TokenUser:
		return sidAndAttributes(t.User, 0)
	case TokenType:
		return dword(t.Type)
	case TokenSessionId:
		return dword(t.SessionID)
	case TokenElevationType:
		if t.Elevated {
			return dword(TokenElevationTypeFull)
		}
		return dword(TokenElevationTypeLimit)
	case TokenElevation:
		if t.Elevated {
			return dword(1)
		}
		return dword(0)
	case TokenIntegrityLevel:
		return sidAndAttributes(&Sid{16, []uint32{t.Integrity}}, SE_GROUP_INTEGRITY)
	}
	return dword(0)
}

var tokenClassNames = map[uint32]string{
	TokenUser:           "TokenUser",
	TokenGroups:         "TokenGroups",
	TokenPrivileges:     "TokenPrivileges",
	TokenOwner:          "TokenOwner",
	TokenType:           "TokenType",
	TokenSessionId:      "TokenSessionId",
	TokenElevationType:  "TokenElevationType",
	TokenLinkedToken:    "TokenLinkedToken",
	TokenElevation:      "TokenElevation",
	TokenIntegrityLevel: "TokenIntegrityLevel",
}

// resolveToken accepts token handles and the GetCurrent*Token pseudo handles
func (emu *WinEmulator) resolveToken(h core.Handle) (*Token, error) {
	top := core.PseudoHandle(emu.PtrSize)
	switch h {
	case top - currentProcessTokenOffset:
		return emu.Processes.CurrentProcess().Token, nil
	case top - currentThreadTokenOffset:
		if t := emu.Processes.CurrentThread().Token; t != nil {
			return t, nil
		}
		return nil, newError(ErrNoToken, "thread is not impersonating")
	case top - currentThreadEffectiveTokOffset:
		if t := emu.Processes.CurrentThread().Token; t != nil {
			return t, nil
		}
		return emu.Processes.CurrentProcess().Token, nil
	}
	obj, ok := emu.Handles.Resolve(h)
	if !ok {
		return nil, newError(ErrInvalidHandle, "token handle %s is not open", h)
	}
	tok, ok := obj.(*Token)
	if !ok {
		return nil, newError(ErrInvalidHandle, "handle %s is a %s, not a token", h, obj.ObjectKind())
	}
	return tok, nil
}

func SecuritybaseHooks(emu *WinEmulator) {
	const lib = "advapi32.dll"

	emu.AddHook(lib, "AllocateAndInitializeSid", &Hook{
		Parameters: []string{"pIdentifierAuthority", "d:nSubAuthorityCount", "d:nSubAuthority0", "d:nSubAuthority1", "d:nSubAuthority2", "d:nSubAuthority3", "d:nSubAuthority4", "d:nSubAuthority5", "d:nSubAuthority6", "d:nSubAuthority7", "pSid"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			count := in.Dword(1)
			if in.Ptr(0).IsNull() || in.Ptr(10).IsNull() || count > 8 {
				return 0, newError(ErrInvalidParameter, "bad SID request (count %d)", count)
			}
			raw, err := util.SidIdentifierAuthorityLayout(emu.PtrSize).View(emu.Mem, in.Arg(0)).Raw("Value")
			if err != nil {
				return 0, memFault(err, "reading pIdentifierAuthority")
			}
			sid := &Sid{}
			for _, b := range raw {
				sid.Authority = sid.Authority<<8 | uint64(b)
			}
			for i := 0; i < int(count); i++ {
				sid.SubAuthorities = append(sid.SubAuthorities, in.Dword(2+i))
			}
			addr := emu.Heap.Malloc(sid.Size(), "api.struct.SID")
			if addr == 0 {
				return 0, newError(ErrInvalidParameter, "out of guest heap for SID")
			}
			if err := util.PutBytes(emu.Mem, addr, sid.Bytes()); err != nil {
				emu.Heap.Free(addr)
				return 0, memFault(err, "writing SID")
			}
			if err := util.PutPointer(emu.Mem, emu.PtrSize, in.Arg(10), addr); err != nil {
				emu.Heap.Free(addr)
				return 0, memFault(err, "writing pSid")
			}
			emu.sids[addr] = sid.Size()
			in.SetValue(10, sid.String())
			return 1, nil
		},
	})

	emu.AddHook(lib, "FreeSid", &Hook{
		Parameters: []string{"pSid"},
		Returns:    ReturnPointer,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			addr := in.Arg(0)
			if addr == 0 {
				return 0, nil
			}
			if _, ok := emu.sids[addr]; !ok {
				// the real function hands back the pointer it could not free
				return addr, nil
			}
			delete(emu.sids, addr)
			emu.Heap.Free(addr)
			return 0, nil
		},
	})

	emu.AddHook(lib, "CheckTokenMembership", &Hook{
		Parameters: []string{"TokenHandle", "SidToCheck", "IsMember"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			if in.Ptr(1).IsNull() || in.Ptr(2).IsNull() {
				return 0, newError(ErrInvalidParameter, "SidToCheck and IsMember are mandatory")
			}
			h := in.Handle(0)
			if h == 0 {
				h = core.PseudoHandle(emu.PtrSize) - currentThreadEffectiveTokOffset
			}
			tok, err := emu.resolveToken(h)
			if err != nil {
				return 0, err
			}
			sid, err := ReadSid(emu.Mem, in.Arg(1))
			if err != nil {
				return 0, memFault(err, "reading SidToCheck")
			}
			in.SetValue(1, sid.String())
			var member uint32
			if tok.IsMember(sid) {
				member = 1
			}
			if err := util.PutDword(emu.Mem, in.Arg(2), member); err != nil {
				return 0, memFault(err, "writing IsMember")
			}
			return 1, nil
		},
	})

	emu.AddHook(lib, "GetTokenInformation", &Hook{
		Parameters: []string{"TokenHandle", "TokenInformationClass", "TokenInformation", "d:TokenInformationLength", "ReturnLength"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			if name, ok := tokenClassNames[in.Dword(1)]; ok {
				in.SetValue(1, name)
			}
			tok, err := emu.resolveToken(in.Handle(0))
			if err != nil {
				return 0, err
			}
			if in.Ptr(2).IsNull() && in.Dword(3) != 0 {
				return 0, newError(ErrNoAccess, "TokenInformation is NULL with length %d", in.Dword(3))
			}
			data := tok.Info(in.Dword(1), emu.PtrSize, in.Arg(2))
			err = util.Negotiate(emu.Mem, in.Ptr(2), uint64(in.Dword(3)), in.Ptr(4), data, uint32(len(data)))
			if err != nil {
				return 0, memFault(err, "writing TokenInformation")
			}
			return 1, nil
		},
	})

	emu.AddHook(lib, "SetTokenInformation", &Hook{
		Parameters: []string{"TokenHandle", "TokenInformationClass", "TokenInformation", "d:TokenInformationLength"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			if name, ok := tokenClassNames[in.Dword(1)]; ok {
				in.SetValue(1, name)
			}
			tok, err := emu.resolveToken(in.Handle(0))
			if err != nil {
				return 0, err
			}
			if in.Dword(1) == TokenSessionId && in.Dword(3) >= 4 && !in.Ptr(2).IsNull() {
				session, err := util.GetDword(emu.Mem, in.Arg(2))
				if err != nil {
					return 0, memFault(err, "reading TokenInformation")
				}
				tok.SessionID = session
			}
			return 1, nil
		},
	})

	emu.AddHook(lib, "AdjustTokenPrivileges", &Hook{
		Parameters: []string{"TokenHandle", "DisableAllPrivileges", "NewState", "BufferLength", "PreviousState", "ReturnLength"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			detail := map[string]string{}
			if !in.Ptr(2).IsNull() {
				if n, err := util.GetDword(emu.Mem, in.Arg(2)); err == nil {
					detail["count"] = strconv.FormatUint(uint64(n), 10)
				}
			}
			emu.Events.Record(core.EventToken, "adjust_privileges", in.Handle(0).String(), detail)
			emu.SetLastError(ERROR_SUCCESS)
			return 1, nil
		},
	})

	emu.AddHook(lib, "DuplicateTokenEx", &Hook{
		Parameters: []string{"hExistingToken", "dwDesiredAccess", "lpTokenAttributes", "ImpersonationLevel", "TokenType", "phNewToken"},
		Returns:    ReturnBool,
		Fn: func(emu *WinEmulator, in *Call) (uint64, error) {
			tok, err := emu.resolveToken(in.Handle(0))
			if err != nil {
				return 0, err
			}
			if in.Ptr(5).IsNull() {
				return 0, newError(ErrInvalidParameter, "phNewToken is NULL")
			}
			typ := in.Dword(4)
			if typ != TokenPrimary && typ != TokenImpersonation {
				return 0, newError(ErrInvalidParameter, "token type %d", typ)
			}
			dup := tok.Duplicate(typ)
			dup.Handle = emu.Handles.Insert(dup)
			if err := emu.putHandle(in.Ptr(5), dup.Handle); err != nil {
				emu.Handles.Release(dup.Handle)
				return 0, err
			}
			emu.Events.Record(core.EventToken, "duplicate", dup.User.String(), map[string]string{"handle": dup.Handle.String()})
			emu.SetLastError(ERROR_SUCCESS)
			return 1, nil
		},
	})
}
