package script_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonblack/apisurface/script"
	"github.com/carbonblack/apisurface/util"
	"github.com/carbonblack/apisurface/windows"
)

func newEmu(t *testing.T, ptrSize uint64) *windows.WinEmulator {
	t.Helper()
	opts := windows.InitWinEmulatorOptions()
	opts.PtrSize = ptrSize
	opts.LogType = windows.LogTypeNone
	opts.Logger = util.NopLogger()
	emu, err := windows.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { emu.Close() })
	return emu
}

func runFile(t *testing.T, path string, ptrSize uint64) *script.Result {
	t.Helper()
	sc, err := script.Load(path)
	require.NoError(t, err)
	res, err := script.Run(newEmu(t, ptrSize), nil, sc)
	require.NoError(t, err)
	return res
}

func TestScripts(t *testing.T) {
	for _, path := range []string{"testdata/sha256.yaml", "testdata/registry.yaml"} {
		for _, ptrSize := range []uint64{4, 8} {
			res := runFile(t, path, ptrSize)
			for _, s := range res.Steps {
				assert.Empty(t, s.Failures, "%s (%d bit): %s", path, ptrSize*8, s)
			}
			assert.True(t, res.Passed())
		}
	}
}

func TestFailedExpectation(t *testing.T) {
	sc, err := script.Parse([]byte(`
calls:
  - fn: CloseHandle
    args: [0x1234]
    expect: 1
    last_error: 0
`))
	require.NoError(t, err)
	res, err := script.Run(newEmu(t, 4), nil, sc)
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.False(t, res.Passed())
	assert.Len(t, res.Steps[0].Failures, 2)
	assert.Equal(t, uint32(windows.ERROR_INVALID_HANDLE), res.Steps[0].LastError)
}

func TestSavedValues(t *testing.T) {
	sc, err := script.Parse([]byte(`
calls:
  - fn: GetCurrentProcess
    save: self
  - fn: GetProcessId
    args: [$self]
    save: pid
`))
	require.NoError(t, err)
	emu := newEmu(t, 8)
	res, err := script.Run(emu, nil, sc)
	require.NoError(t, err)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, uint64(emu.Processes.CurrentProcess().PID), res.Steps[1].Return)
}

func TestCustomCaller(t *testing.T) {
	sc, err := script.Parse([]byte(`
buffers:
  out: {size: 4}
calls:
  - fn: Anything
    args: [HKLM, "@out", NULL, "0x10", -1]
`))
	require.NoError(t, err)
	emu := newEmu(t, 4)
	var got []uint64
	call := func(name string, args ...uint64) (uint64, error) {
		assert.Equal(t, "Anything", name)
		got = args
		return 0, nil
	}
	_, err = script.Run(emu, call, sc)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, uint64(0x80000002), got[0])
	assert.NotZero(t, got[1])
	assert.Equal(t, uint64(0), got[2])
	assert.Equal(t, uint64(0x10), got[3])
	assert.Equal(t, ^uint64(0), got[4])
}

func TestBadScripts(t *testing.T) {
	_, err := script.Parse([]byte("calls:\n  - args: [1]\n"))
	assert.Error(t, err, "missing fn")

	_, err = script.Parse([]byte("ptr_size: 2\n"))
	assert.Error(t, err)

	_, err = script.Parse([]byte("bogus: 1\n"))
	assert.Error(t, err, "unknown fields are rejected")

	sc, err := script.Parse([]byte("calls:\n  - fn: CloseHandle\n    args: ['@nope']\n"))
	require.NoError(t, err)
	_, err = script.Run(newEmu(t, 4), nil, sc)
	assert.Error(t, err)

	sc, err = script.Parse([]byte("calls:\n  - fn: NoSuchApi\n"))
	require.NoError(t, err)
	_, err = script.Run(newEmu(t, 4), nil, sc)
	assert.Error(t, err)
}
