package windows_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonblack/apisurface/core"
	"github.com/carbonblack/apisurface/util"
	"github.com/carbonblack/apisurface/windows"
)

func makeRegistry(t *testing.T) *windows.Registry {
	temp := make(map[string]string)
	temp["HKEY_LOCAL_MACHINE\\SYSTEM\\ControlSet001\\Control\\Arbiters\\InaccessibleRange\\Psi"] = "PhysicalAddress"
	temp["HKEY_LOCAL_MACHINE\\SYSTEM\\ControlSet001\\Control\\Arbiters\\InaccessibleRange\\Root"] = "PhysicalAddress2"
	temp["HKEY_LOCAL_MACHINE\\SYSTEM\\ControlSet001\\Control\\Arbiters\\InaccessibleRange2\\"] = ""
	temp["HKLM\\Software\\Vendor\\Build"] = "dword:0000002a"

	mock, err := windows.NewRegistry(core.NewHandleTable(), temp)
	if err != nil {
		t.Fatal(err)
	}
	return mock
}

func TestRegistry(t *testing.T) {
	mock := makeRegistry(t)

	k, ok := mock.KeyByPath("HKEY_LOCAL_MACHINE\\SYSTEM\\ControlSet001\\Control\\Arbiters")
	if !ok {
		t.Fatal("seeded key is missing")
	}
	if len(k.Children()) != 2 {
		t.Errorf("Arbiters should have 2 subkeys, found %d", len(k.Children()))
	}
	if k.Child("InaccessibleRange2") == nil {
		t.Errorf("bare seed key InaccessibleRange2 was not created")
	}

	k, ok = mock.KeyByPath("hklm\\system\\controlset001\\control\\arbiters\\inaccessiblerange")
	if !ok {
		t.Fatal("lookup should not care about case or aliases")
	}
	v, ok := k.GetValue("psi")
	if !ok {
		t.Fatal("value Psi is missing")
	}
	if v.String() != "REG_SZ Psi = \"PhysicalAddress\"" {
		t.Errorf("unexpected value %s", v)
	}

	if _, ok := mock.KeyByPath("HKEY_LOCAL_MACHINE\\Software\\Vendor"); !ok {
		t.Errorf("HKLM alias was not resolved while seeding")
	}
}

func TestReg(t *testing.T) {
	typ, h, err := windows.ParseValue("AAAA")
	if err != nil {
		t.Fatal(err)
	}
	if typ != windows.REG_SZ {
		t.Errorf("plain text should be REG_SZ, got %d", typ)
	}
	if !bytes.Equal(h, []byte{0x41, 0, 0x41, 0, 0x41, 0, 0x41, 0, 0, 0}) {
		t.Errorf("error converting string to bytes, got %x", h)
	}
}

func TestRegHex(t *testing.T) {
	typ, hexStuff, err := windows.ParseValue("hex(a):41,41,41,41")
	if err != nil {
		t.Fatal(err)
	}
	if typ != 0xa {
		t.Errorf("expected type 0xa, got 0x%x", typ)
	}
	if !bytes.Equal(hexStuff, []byte("AAAA")) {
		t.Errorf("error converting string to bytes, got %x", hexStuff)
	}

	typ, hexStuff, err = windows.ParseValue("hex:de,ad,\\\n  be,ef")
	if err != nil {
		t.Fatal(err)
	}
	if typ != windows.REG_BINARY || !bytes.Equal(hexStuff, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("continued hex list parsed as %d %x", typ, hexStuff)
	}

	if _, _, err := windows.ParseValue("hex:zz"); err == nil {
		t.Errorf("bad hex should fail")
	}
}

func TestRegDword(t *testing.T) {
	typ, hexStuff, err := windows.ParseValue("dword:00000005")
	if err != nil {
		t.Fatal(err)
	}
	if typ != windows.REG_DWORD || !bytes.Equal(hexStuff, []byte{5, 0, 0, 0}) {
		t.Errorf("error converting dword, got %d %x", typ, hexStuff)
	}

	typ, hexStuff, err = windows.ParseValue("qword:0000000100000002")
	if err != nil {
		t.Fatal(err)
	}
	if typ != windows.REG_QWORD || !bytes.Equal(hexStuff, []byte{2, 0, 0, 0, 1, 0, 0, 0}) {
		t.Errorf("error converting qword, got %d %x", typ, hexStuff)
	}
}

func TestOpenCreatesPathOnce(t *testing.T) {
	for _, ptrSize := range []uint64{4, 8} {
		g := newGuest(t, ptrSize)
		hklm := root(t, "HKLM")

		phk, disp := g.alloc(8), g.alloc(4)
		ret := g.call("RegCreateKeyExW", hklm, g.wstr("Software\\A\\B"), 0, 0, 0, windows.GENERIC_ALL, 0, phk, disp)
		require.Equal(t, uint64(windows.ERROR_SUCCESS), ret)
		assert.Equal(t, uint32(windows.REG_CREATED_NEW_KEY), g.getDword(disp))
		direct, ok := g.emu.Registry.KeyFromHandle(g.getPtr(phk))
		require.True(t, ok)

		// the same path again, relative to an intermediate key and in
		// another case
		ret = g.call("RegOpenKeyExA", hklm, g.str("SOFTWARE"), 0, 0, phk)
		require.Equal(t, uint64(windows.ERROR_SUCCESS), ret)
		software := g.getPtr(phk)
		ret = g.call("RegCreateKeyExA", software, g.str("a\\\\b\\"), 0, 0, 0, 0, 0, phk, disp)
		require.Equal(t, uint64(windows.ERROR_SUCCESS), ret)
		assert.Equal(t, uint32(windows.REG_OPENED_EXISTING_KEY), g.getDword(disp))
		relative, ok := g.emu.Registry.KeyFromHandle(g.getPtr(phk))
		require.True(t, ok)

		assert.Same(t, direct, relative)
		// existing keys keep the case they were created with
		assert.Equal(t, "HKEY_LOCAL_MACHINE\\SOFTWARE\\A\\B", relative.Path())

		a, _ := g.emu.Registry.KeyByPath("HKLM\\Software\\A")
		assert.Len(t, a.Children(), 1)
	}
}

func TestOpenWithoutSubkeyReturnsParent(t *testing.T) {
	g := newGuest(t, 4)
	hkcu := root(t, "HKCU")
	phk := g.alloc(4)
	require.Equal(t, uint64(0), g.call("RegOpenKeyA", hkcu, 0, phk))
	assert.Equal(t, hkcu, g.getPtr(phk))

	require.Equal(t, uint64(0), g.call("RegOpenKeyA", hkcu, g.str(""), phk))
	assert.Equal(t, hkcu, g.getPtr(phk))
}

func TestCreateKeyUnwritableResult(t *testing.T) {
	g := newGuest(t, 4)
	hklm := root(t, "HKLM")
	before := g.emu.Handles.Count()

	ret := g.call("RegCreateKeyExA", hklm, g.str("Software\\Orphan"), 0, 0, 0, 0, 0, 0x10, 0)
	assert.Equal(t, uint64(windows.ERROR_INVALID_PARAMETER), ret)
	ret = g.call("RegCreateKeyExA", hklm, g.str("Software\\Orphan"), 0, 0, 0, 0, 0, g.alloc(4), 0x10)
	assert.Equal(t, uint64(windows.ERROR_INVALID_PARAMETER), ret)

	_, ok := g.emu.Registry.KeyByPath("HKLM\\Software\\Orphan")
	assert.False(t, ok)
	assert.Equal(t, before, g.emu.Handles.Count())
}

func TestOpenBadParent(t *testing.T) {
	g := newGuest(t, 4)
	ret := g.call("RegOpenKeyExA", 0x4242, g.str("Software"), 0, 0, g.alloc(4))
	assert.Equal(t, uint64(windows.ERROR_PATH_NOT_FOUND), ret)

	ret = g.call("RegOpenKeyExA", root(t, "HKLM"), g.str("Software"), 0, 0, 0)
	assert.Equal(t, uint64(windows.ERROR_INVALID_PARAMETER), ret)
}

func TestRootHivesSignExtended(t *testing.T) {
	g := newGuest(t, 8)
	// 64 bit callers see HKEY_LOCAL_MACHINE as 0xffffffff80000002
	phk := g.alloc(8)
	ret := g.call("RegOpenKeyExW", 0xffffffff80000002, g.wstr("Software"), 0, 0, phk)
	require.Equal(t, uint64(0), ret)
	k, ok := g.emu.Registry.KeyFromHandle(g.getPtr(phk))
	require.True(t, ok)
	assert.Equal(t, "HKEY_LOCAL_MACHINE\\SOFTWARE", k.Path())
}

func TestQueryMissingValue(t *testing.T) {
	for _, ptrSize := range []uint64{4, 8} {
		g := newGuest(t, ptrSize)
		phk := g.alloc(8)
		require.Equal(t, uint64(0), g.call("RegOpenKeyExA", root(t, "HKCU"), g.str("Software\\Vendor"), 0, 0, phk))
		h1 := g.getPtr(phk)
		key, _ := g.emu.Registry.KeyFromHandle(h1)
		children := len(key.Children())

		data := g.bytes(bytes.Repeat([]byte{0xff}, 8))
		cb, typ := g.dword(8), g.dword(0xdead)
		ret := g.call("RegQueryValueExA", h1, g.str("Missing"), 0, typ, data, cb)
		assert.Equal(t, uint64(windows.ERROR_SUCCESS), ret)
		assert.Equal(t, make([]byte, 8), g.read(data, 8))
		assert.Equal(t, uint32(windows.REG_BINARY), g.getDword(typ))
		assert.Equal(t, uint32(8), g.getDword(cb))
		assert.Len(t, key.Children(), children)
		_, ok := key.GetValue("Missing")
		assert.False(t, ok, "the placeholder is not stored")
	}
}

func TestGetValueMissingSubkey(t *testing.T) {
	for _, ptrSize := range []uint64{4, 8} {
		g := newGuest(t, ptrSize)
		hklm := root(t, "HKLM")
		data := g.bytes(bytes.Repeat([]byte{0xff}, 12))
		cb, typ := g.dword(12), g.dword(0xdead)

		ret := g.call("RegGetValueA", hklm, g.str("Software\\NotThere"), g.str("Missing"), 0, typ, data, cb)
		assert.Equal(t, uint64(windows.ERROR_SUCCESS), ret)
		assert.Equal(t, make([]byte, 12), g.read(data, 12))
		assert.Equal(t, uint32(12), g.getDword(cb))
		assert.Equal(t, uint32(windows.REG_BINARY), g.getDword(typ))

		_, ok := g.emu.Registry.KeyByPath("HKLM\\Software\\NotThere")
		assert.False(t, ok, "reading does not create the key")

		// an unknown parent handle still fails
		ret = g.call("RegGetValueA", 0x1234, g.str("Software"), g.str("Missing"), 0, 0, data, cb)
		assert.Equal(t, uint64(windows.ERROR_INVALID_HANDLE), ret)
	}
}

func TestQueryValueNegotiation(t *testing.T) {
	g := newGuest(t, 4)
	require.NoError(t, g.emu.Registry.Seed("HKLM\\Software\\Vendor\\Name", "hello"))
	phk := g.alloc(4)
	require.Equal(t, uint64(0), g.call("RegOpenKeyExW", root(t, "HKLM"), g.wstr("Software\\Vendor"), 0, 0, phk))
	hk := g.getPtr(phk)
	name := g.wstr("Name")
	want := util.EncodeString("hello", util.Wide)

	// size probe with a NULL buffer
	typ, cb := g.alloc(4), g.dword(0)
	require.Equal(t, uint64(0), g.call("RegQueryValueExW", hk, name, 0, typ, 0, cb))
	assert.Equal(t, uint32(len(want)), g.getDword(cb))
	assert.Equal(t, uint32(windows.REG_SZ), g.getDword(typ))

	// undersized twice: same answer both times
	data := g.alloc(64)
	for i := 0; i < 2; i++ {
		require.NoError(t, util.PutDword(g.emu.Mem, cb, 4))
		ret := g.call("RegQueryValueExW", hk, name, 0, 0, data, cb)
		assert.Equal(t, uint64(windows.ERROR_MORE_DATA), ret)
		assert.Equal(t, uint32(len(want)), g.getDword(cb))
	}

	require.NoError(t, util.PutDword(g.emu.Mem, cb, 64))
	require.Equal(t, uint64(0), g.call("RegQueryValueExW", hk, name, 0, 0, data, cb))
	assert.Equal(t, uint32(len(want)), g.getDword(cb))
	assert.Equal(t, want, g.read(data, uint64(len(want))))

	// the narrow entry point gets the ANSI form
	require.NoError(t, util.PutDword(g.emu.Mem, cb, 64))
	require.Equal(t, uint64(0), g.call("RegQueryValueExA", hk, g.str("name"), 0, 0, data, cb))
	assert.Equal(t, uint32(6), g.getDword(cb))
	assert.Equal(t, []byte("hello\x00"), g.read(data, 6))
}

func TestSetValueRoundTrip(t *testing.T) {
	g := newGuest(t, 8)
	phk := g.alloc(8)
	require.Equal(t, uint64(0), g.call("RegCreateKeyA", root(t, "HKCU"), g.str("Software\\Run"), phk))
	hk := g.getPtr(phk)

	payload := util.EncodeString("c:\\evil.exe", util.Narrow)
	ret := g.call("RegSetValueExA", hk, g.str("Updater"), 0, windows.REG_SZ, g.bytes(payload), uint64(len(payload)))
	require.Equal(t, uint64(0), ret)

	key, _ := g.emu.Registry.KeyByPath("HKCU\\Software\\Run")
	v, ok := key.GetValue("Updater")
	require.True(t, ok)
	assert.Equal(t, util.EncodeString("c:\\evil.exe", util.Wide), v.Data, "stored as UTF-16")

	// RegGetValue reaches it through a subkey
	cb, data := g.dword(64), g.alloc(64)
	ret = g.call("RegGetValueW", root(t, "HKCU"), g.wstr("Software\\Run"), g.wstr("Updater"), 0, 0, data, cb)
	require.Equal(t, uint64(0), ret)
	assert.Equal(t, v.Data, g.read(data, uint64(g.getDword(cb))))

	assert.Contains(t, g.emu.Events.Iocs("registry"), "HKEY_CURRENT_USER\\Software\\Run")

	require.Equal(t, uint64(0), g.call("RegDeleteValueA", hk, g.str("Updater")))
	_, ok = key.GetValue("Updater")
	assert.False(t, ok)
}

func TestDeleteKey(t *testing.T) {
	g := newGuest(t, 4)
	require.NoError(t, g.emu.Registry.Seed("HKLM\\Software\\Gone\\Child\\", ""))
	hklm := root(t, "HKLM")

	ret := g.call("RegDeleteKeyA", hklm, g.str("Software\\Gone"))
	assert.Equal(t, uint64(windows.ERROR_ACCESS_DENIED), ret, "keys with subkeys stay")

	require.Equal(t, uint64(0), g.call("RegDeleteKeyA", hklm, g.str("Software\\Gone\\Child")))
	require.Equal(t, uint64(0), g.call("RegDeleteKeyA", hklm, g.str("Software\\Gone")))
	_, ok := g.emu.Registry.KeyByPath("HKLM\\Software\\Gone")
	assert.False(t, ok)

	ret = g.call("RegDeleteKeyA", hklm, g.str("Software\\Gone"))
	assert.Equal(t, uint64(windows.ERROR_FILE_NOT_FOUND), ret)
}

func TestEnumerateEmptyKey(t *testing.T) {
	g := newGuest(t, 4)
	phk := g.alloc(4)
	require.Equal(t, uint64(0), g.call("RegCreateKeyA", root(t, "HKLM"), g.str("Software\\Empty"), phk))
	hk := g.getPtr(phk)

	name, cch := g.alloc(64), g.dword(32)
	ret := g.call("RegEnumKeyExA", hk, 0, name, cch, 0, 0, 0, 0)
	assert.Equal(t, uint64(windows.ERROR_NO_MORE_ITEMS), ret)
	ret = g.call("RegEnumKeyA", hk, 0, name, 32)
	assert.Equal(t, uint64(windows.ERROR_NO_MORE_ITEMS), ret)
	ret = g.call("RegEnumValueA", hk, 0, name, cch, 0, 0, 0, 0)
	assert.Equal(t, uint64(windows.ERROR_NO_MORE_ITEMS), ret)
}

func TestEnumerationIsStable(t *testing.T) {
	g := newGuest(t, 8)
	for _, p := range []string{"Zeta", "alpha", "Mid"} {
		require.NoError(t, g.emu.Registry.Seed("HKLM\\Software\\Enum\\"+p+"\\", ""))
	}
	phk := g.alloc(8)
	require.Equal(t, uint64(0), g.call("RegOpenKeyExW", root(t, "HKLM"), g.wstr("Software\\Enum"), 0, 0, phk))
	hk := g.getPtr(phk)

	list := func() []string {
		var names []string
		for i := uint64(0); ; i++ {
			buf, cch := g.alloc(64), g.dword(32)
			ret := g.call("RegEnumKeyExW", hk, i, buf, cch, 0, 0, 0, 0)
			if ret == windows.ERROR_NO_MORE_ITEMS {
				return names
			}
			require.Equal(t, uint64(0), ret)
			s, err := util.ReadString(g.emu.Mem, buf, util.Wide)
			require.NoError(t, err)
			assert.Equal(t, util.StringLength(s, util.Wide), g.getDword(cch))
			names = append(names, s)
		}
	}
	first := list()
	assert.Equal(t, []string{"Zeta", "alpha", "Mid"}, first)
	assert.Equal(t, first, list())

	for _, i := range []uint64{3, 4, 1000} {
		ret := g.call("RegEnumKeyExW", hk, i, g.alloc(64), g.dword(32), 0, 0, 0, 0)
		assert.Equal(t, uint64(windows.ERROR_NO_MORE_ITEMS), ret)
	}

	// too small a name buffer
	cch := g.dword(2)
	ret := g.call("RegEnumKeyExW", hk, 0, g.alloc(64), cch, 0, 0, 0, 0)
	assert.Equal(t, uint64(windows.ERROR_MORE_DATA), ret)
}

func TestEnumValues(t *testing.T) {
	g := newGuest(t, 4)
	require.NoError(t, g.emu.Registry.Seed("HKCU\\Env\\Count", "dword:00000003"))
	require.NoError(t, g.emu.Registry.Seed("HKCU\\Env\\Path", "c:\\bin"))
	phk := g.alloc(4)
	require.Equal(t, uint64(0), g.call("RegOpenKeyExA", root(t, "HKCU"), g.str("Env"), 0, 0, phk))
	hk := g.getPtr(phk)

	name, cch, typ, data, cb := g.alloc(32), g.dword(32), g.alloc(4), g.alloc(32), g.dword(32)
	require.Equal(t, uint64(0), g.call("RegEnumValueA", hk, 0, name, cch, 0, typ, data, cb))
	s, err := util.ReadString(g.emu.Mem, name, util.Narrow)
	require.NoError(t, err)
	assert.Equal(t, "Count", s)
	assert.Equal(t, uint32(5), g.getDword(cch))
	assert.Equal(t, uint32(windows.REG_DWORD), g.getDword(typ))
	assert.Equal(t, uint32(3), g.getDword(data))
	assert.Equal(t, uint32(4), g.getDword(cb))

	subkeys, values, maxValue := g.alloc(4), g.alloc(4), g.alloc(4)
	ret := g.call("RegQueryInfoKeyA", hk, 0, 0, 0, subkeys, 0, 0, values, 0, maxValue, 0, 0)
	require.Equal(t, uint64(0), ret)
	assert.Equal(t, uint32(0), g.getDword(subkeys))
	assert.Equal(t, uint32(2), g.getDword(values))
	assert.Equal(t, uint32(len("c:\\bin")+1), g.getDword(maxValue))
}

func TestCloseKey(t *testing.T) {
	g := newGuest(t, 4)
	phk := g.alloc(4)
	require.Equal(t, uint64(0), g.call("RegCreateKeyA", root(t, "HKLM"), g.str("Software\\Close"), phk))
	hk := g.getPtr(phk)

	assert.Equal(t, uint64(0), g.call("RegCloseKey", hk))
	assert.Equal(t, uint64(windows.ERROR_INVALID_HANDLE), g.call("RegCloseKey", hk))
	assert.Equal(t, uint64(0), g.call("RegCloseKey", root(t, "HKLM")), "root hives always close")

	ret := g.call("RegQueryValueExA", hk, 0, 0, 0, 0, g.dword(0))
	assert.Equal(t, uint64(windows.ERROR_INVALID_HANDLE), ret)
}
