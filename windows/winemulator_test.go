package windows_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonblack/apisurface/util"
	"github.com/carbonblack/apisurface/windows"
)

// guest wraps a session with helpers for staging arguments in guest memory
type guest struct {
	t   *testing.T
	emu *windows.WinEmulator
}

func newGuest(t *testing.T, ptrSize uint64) *guest {
	t.Helper()
	opts := windows.InitWinEmulatorOptions()
	opts.PtrSize = ptrSize
	opts.LogType = windows.LogTypeSlice
	opts.Logger = util.NopLogger()
	emu, err := windows.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { emu.Close() })
	return &guest{t, emu}
}

func (g *guest) alloc(n uint64) uint64 {
	g.t.Helper()
	addr := g.emu.Heap.Malloc(n, "test")
	require.NotZero(g.t, addr)
	return addr
}

func (g *guest) bytes(data []byte) uint64 {
	g.t.Helper()
	addr := g.alloc(uint64(len(data)))
	require.NoError(g.t, util.PutBytes(g.emu.Mem, addr, data))
	return addr
}

func (g *guest) str(s string) uint64 {
	return g.bytes(util.EncodeString(s, util.Narrow))
}

func (g *guest) wstr(s string) uint64 {
	return g.bytes(util.EncodeString(s, util.Wide))
}

func (g *guest) dword(v uint32) uint64 {
	g.t.Helper()
	addr := g.alloc(4)
	require.NoError(g.t, util.PutDword(g.emu.Mem, addr, v))
	return addr
}

func (g *guest) getDword(addr uint64) uint32 {
	g.t.Helper()
	v, err := util.GetDword(g.emu.Mem, addr)
	require.NoError(g.t, err)
	return v
}

func (g *guest) getPtr(addr uint64) uint64 {
	g.t.Helper()
	v, err := util.GetPointer(g.emu.Mem, g.emu.PtrSize, addr)
	require.NoError(g.t, err)
	return v
}

func (g *guest) read(addr, n uint64) []byte {
	g.t.Helper()
	buf, err := util.ReadBytes(g.emu.Mem, addr, n)
	require.NoError(g.t, err)
	return buf
}

// call dispatches and fails the test on dispatch errors only
func (g *guest) call(name string, args ...uint64) uint64 {
	g.t.Helper()
	ret, err := g.emu.Call(name, args...)
	require.NoError(g.t, err, name)
	return ret
}

func root(t *testing.T, name string) uint64 {
	t.Helper()
	h, ok := windows.RootConstant(name)
	require.True(t, ok, name)
	return h
}

func TestNewRejectsPointerSize(t *testing.T) {
	opts := windows.InitWinEmulatorOptions()
	opts.PtrSize = 2
	_, err := windows.New(opts)
	assert.Error(t, err)
}

func TestDispatchErrors(t *testing.T) {
	g := newGuest(t, 4)

	_, err := g.emu.Call("NoSuchFunction")
	assert.Error(t, err)

	_, err = g.emu.Call("CloseHandle")
	assert.Error(t, err, "wrong argument count")

	assert.Empty(t, g.emu.CallLog, "rejected dispatches are not logged")

	g.emu.Close()
	_, err = g.emu.Call("GetCurrentProcessId")
	assert.Error(t, err, "closed session")
}

func TestCallLog(t *testing.T) {
	g := newGuest(t, 4)
	g.call("CloseHandle", 0x1234)
	g.call("GetCurrentProcessId")

	require.Len(t, g.emu.CallLog, 2)
	first := g.emu.CallLog[0]
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, "kernel32.dll", first.Lib)
	assert.Equal(t, "CloseHandle", first.Fn)
	assert.Equal(t, []string{"hObject"}, first.Parameters)
	assert.Equal(t, uint32(windows.ERROR_INVALID_HANDLE), first.LastError)
	assert.Equal(t, uint64(2), g.emu.Calls())
}

func TestArgumentsTruncatedOn32Bit(t *testing.T) {
	g := newGuest(t, 4)
	// the high half of a 64 bit word is not visible to a 32 bit guest
	assert.Equal(t, uint64(1), g.call("CloseHandle", 0xdead0000ffffffff))
}

func TestMemoryFaultIsInvalidParameter(t *testing.T) {
	for _, ptrSize := range []uint64{4, 8} {
		g := newGuest(t, ptrSize)
		ret := g.call("CryptAcquireContextA", 0x10, 0, 0, windows.PROV_RSA_FULL, 0)
		assert.Equal(t, uint64(0), ret)
		assert.Equal(t, uint32(windows.ERROR_INVALID_PARAMETER), g.emu.GetLastError())

		// status returning APIs report it directly
		ret = g.call("RegOpenKeyExA", root(t, "HKLM"), 0x10, 0, 0, g.alloc(8))
		assert.Equal(t, uint64(windows.ERROR_INVALID_PARAMETER), ret)
	}
}

func TestLastErrorReachesTib(t *testing.T) {
	g := newGuest(t, 8)
	g.call("CloseHandle", 0x1234)
	assert.Equal(t, uint32(windows.ERROR_INVALID_HANDLE), g.getDword(g.emu.Opts.TibAddress+g.emu.Opts.LastErrorOffset))
}

func TestSessionsAreIndependent(t *testing.T) {
	a, b := newGuest(t, 4), newGuest(t, 4)
	phk := a.alloc(4)
	require.Equal(t, uint64(0), a.call("RegCreateKeyA", root(t, "HKCU"), a.str("Software\\OnlyA"), phk))

	_, ok := b.emu.Registry.KeyByPath("HKEY_CURRENT_USER\\Software\\OnlyA")
	assert.False(t, ok)
	assert.NotEqual(t, a.emu.ID, b.emu.ID)
}
