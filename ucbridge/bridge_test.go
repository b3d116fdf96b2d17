package ucbridge_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonblack/apisurface/ucbridge"
	"github.com/carbonblack/apisurface/util"
	"github.com/carbonblack/apisurface/windows"
)

func newBridge(t *testing.T, ptrSize uint64) *ucbridge.Bridge {
	t.Helper()
	opts := windows.InitWinEmulatorOptions()
	opts.PtrSize = ptrSize
	opts.LogType = windows.LogTypeSlice
	opts.Logger = util.NopLogger()
	b, err := ucbridge.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestInvokeNoArguments(t *testing.T) {
	for _, ptrSize := range []uint64{4, 8} {
		b := newBridge(t, ptrSize)
		sp := b.CPU.SP()
		pid, err := b.Invoke("GetCurrentProcessId")
		require.NoError(t, err)
		assert.Equal(t, uint64(b.Emu.Processes.CurrentProcess().PID), pid)
		assert.Equal(t, sp, b.CPU.SP(), "registers are restored after Invoke")
	}
}

func TestStdCallPopsArguments(t *testing.T) {
	b := newBridge(t, 4)
	stub, err := b.Attach("CloseHandle")
	require.NoError(t, err)

	code := []byte{0x68, 0xad, 0xde, 0x00, 0x00} // push 0xdead
	code = append(code, 0xb8, 0, 0, 0, 0)        // mov eax, stub
	binary.LittleEndian.PutUint32(code[6:], uint32(stub))
	code = append(code, 0xff, 0xd0) // call eax

	entry, err := b.LoadImage(code)
	require.NoError(t, err)
	sp := b.CPU.SP()
	require.NoError(t, b.Run(entry, entry+uint64(len(code))))

	assert.Equal(t, sp, b.CPU.SP())
	assert.Equal(t, uint64(0), b.CPU.Return())

	code32, err := util.GetDword(b.Uc, b.Emu.Opts.TibAddress+b.Emu.Opts.LastErrorOffset)
	require.NoError(t, err)
	assert.Equal(t, uint32(windows.ERROR_INVALID_HANDLE), code32)

	require.Len(t, b.Emu.CallLog, 1)
	assert.Equal(t, "CloseHandle", b.Emu.CallLog[0].Fn)
	assert.Equal(t, entry+uint64(len(code)), b.Emu.CallLog[0].Addr, "call site is the return address")
}

func TestInvokeStackArguments64(t *testing.T) {
	b := newBridge(t, 8)
	heap := b.Emu.Heap
	subkey := heap.Malloc(64, "test")
	phk := heap.Malloc(8, "test")
	disp := heap.Malloc(4, "test")
	require.NoError(t, util.PutBytes(b.Uc, subkey, util.EncodeString("Software\\Bridge", util.Wide)))

	hklm, ok := windows.RootConstant("HKLM")
	require.True(t, ok)
	ret, err := b.Invoke("RegCreateKeyExW", hklm, subkey, 0, 0, 0, windows.GENERIC_ALL, 0, phk, disp)
	require.NoError(t, err)
	require.Equal(t, uint64(windows.ERROR_SUCCESS), ret)

	d, err := util.GetDword(b.Uc, disp)
	require.NoError(t, err)
	assert.Equal(t, uint32(windows.REG_CREATED_NEW_KEY), d)

	h, err := util.GetPointer(b.Uc, 8, phk)
	require.NoError(t, err)
	key, ok := b.Emu.Registry.KeyFromHandle(h)
	require.True(t, ok)
	assert.Equal(t, "HKEY_LOCAL_MACHINE\\SOFTWARE\\Bridge", key.Path())
}

func TestAttach(t *testing.T) {
	b := newBridge(t, 4)
	_, err := b.Attach("NoSuchFunction")
	assert.Error(t, err)

	imports, err := b.AttachAll()
	require.NoError(t, err)
	addr := imports["RegOpenKeyExA"]
	require.NotZero(t, addr)
	name, ok := b.Symbol(addr)
	assert.True(t, ok)
	assert.Equal(t, "RegOpenKeyExA", name)

	again, err := b.Attach("RegOpenKeyExA")
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}

func TestDisassemble(t *testing.T) {
	b := newBridge(t, 4)
	entry, err := b.LoadImage([]byte{0xff, 0xd0})
	require.NoError(t, err)
	assert.Equal(t, "call eax", b.Disassemble(entry, 2))
}

func TestInvalidMemoryStopsRun(t *testing.T) {
	b := newBridge(t, 4)
	// mov eax, [0x10]
	entry, err := b.LoadImage([]byte{0xa1, 0x10, 0, 0, 0})
	require.NoError(t, err)
	assert.Error(t, b.Run(entry, entry+5))
}
