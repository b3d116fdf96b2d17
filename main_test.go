package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonblack/apisurface/core"
	"github.com/carbonblack/apisurface/util"
	"github.com/carbonblack/apisurface/windows"
)

type JsonOutput struct {
	Seq        int           `json:"seq"`
	Lib        string        `json:"lib"`
	Fn         string        `json:"fn"`
	Parameters []string      `json:"parameters"`
	Values     []interface{} `json:"values"`
	Return     uint64        `json:"return"`
	LastError  uint32        `json:"last_error"`
}

func (o *JsonOutput) CheckFn(fnName string, index int, compare func(v interface{}) bool) error {
	if o.Fn != fnName || len(o.Values) <= index {
		return nil
	}
	if !compare(o.Values[index]) {
		return fmt.Errorf("(%s) invalid: %v", fnName, o.Values[index])
	}
	return nil
}

func parseOutput(t *testing.T, buf []byte) []*JsonOutput {
	t.Helper()
	var ret []*JsonOutput
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "{") {
			continue
		}
		o := &JsonOutput{}
		require.NoError(t, json.Unmarshal([]byte(line), o), line)
		ret = append(ret, o)
	}
	return ret
}

func TestScriptJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	status := run([]string{"-j", "-s", "script/testdata/sha256.yaml"}, &stdout, &stderr)
	require.Equal(t, 0, status, stderr.String())
	assert.Contains(t, stderr.String(), "--- ok: sha-256 of abc")

	calls := parseOutput(t, stdout.Bytes())
	require.Len(t, calls, 5)
	for i, c := range calls {
		assert.Equal(t, i+1, c.Seq)
		assert.Equal(t, "advapi32.dll", c.Lib)
		assert.NoError(t, c.CheckFn("CryptCreateHash", 1, func(v interface{}) bool {
			return v == "CALG_SHA_256"
		}))
		assert.NoError(t, c.CheckFn("CryptHashData", 2, func(v interface{}) bool {
			return v == float64(3)
		}))
	}
	assert.Equal(t, "CryptGetHashParam", calls[3].Fn)
	assert.Equal(t, uint64(1), calls[3].Return)
}

func TestScriptFailureStatus(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fail.yaml")
	require.NoError(t, os.WriteFile(path, []byte("calls:\n  - fn: CloseHandle\n    args: [0x1234]\n    expect: 1\n"), 0644))

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run([]string{"-s", path}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "--- FAIL")
	assert.Contains(t, stdout.String(), "CloseHandle(hObject = 0x1234) = 0x0")
}

func TestEventsExport(t *testing.T) {
	out := filepath.Join(t.TempDir(), "events.cbor")
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"-s", "script/testdata/registry.yaml", "--events", out, "--ptr-size", "8"}, &stdout, &stderr), stderr.String())

	buf, err := os.ReadFile(out)
	require.NoError(t, err)
	report, err := core.DecodeReport(buf)
	require.NoError(t, err)
	assert.NotEmpty(t, report.Events)
}

func TestFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run(nil, &stdout, &stderr))
	assert.Equal(t, 2, run([]string{"-l", "--ptr-size", "3"}, &stdout, &stderr))

	stdout.Reset()
	require.Equal(t, 0, run([]string{"-l"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "advapi32.dll!RegOpenKeyExW(")
	assert.Contains(t, stdout.String(), "kernel32.dll!CloseHandle(hObject)")
}

func newTestConsole(t *testing.T) (*console, *bytes.Buffer) {
	t.Helper()
	opts := windows.InitWinEmulatorOptions()
	opts.LogType = windows.LogTypeNone
	opts.Logger = util.NopLogger()
	sess, err := open(opts, false)
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	out := &bytes.Buffer{}
	return newConsole(sess, out), out
}

func TestConsole(t *testing.T) {
	c, out := newTestConsole(t)

	assert.False(t, c.exec("str subkey Software\\Console"))
	assert.False(t, c.exec("alloc hkey 8"))
	assert.False(t, c.exec("call RegCreateKeyA HKCU @subkey @hkey"))
	assert.Contains(t, out.String(), "= 0x0 (last error 0)")

	out.Reset()
	c.exec("show registry HKEY_CURRENT_USER\\Software")
	assert.Contains(t, out.String(), "Console")

	out.Reset()
	c.exec("call CloseHandle 0x1234")
	c.exec("lasterror")
	assert.Contains(t, out.String(), "6 (0x6)")

	out.Reset()
	c.exec("show handles")
	assert.Contains(t, out.String(), "key HKEY_CURRENT_USER\\Software\\Console")

	out.Reset()
	c.exec("show registers")
	assert.Contains(t, out.String(), "no CPU")

	out.Reset()
	c.exec("bogus")
	assert.Contains(t, out.String(), "unknown command")

	assert.True(t, c.exec("quit"))
}

func TestConsoleRepeatsLastCommand(t *testing.T) {
	c, out := newTestConsole(t)
	c.exec("call GetCurrentProcessId")
	c.exec("")
	assert.Equal(t, 2, strings.Count(out.String(), "= 0x1000"))
}
