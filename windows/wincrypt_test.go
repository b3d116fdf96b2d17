package windows_test

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonblack/apisurface/core"
	"github.com/carbonblack/apisurface/windows"
)

func (g *guest) acquire() uint64 {
	g.t.Helper()
	phProv := g.alloc(8)
	require.Equal(g.t, uint64(1), g.call("CryptAcquireContextA", phProv, 0, 0, windows.PROV_RSA_AES, windows.CRYPT_VERIFYCONTEXT))
	return g.getPtr(phProv)
}

func (g *guest) createHash(prov uint64, alg uint32) uint64 {
	g.t.Helper()
	phHash := g.alloc(8)
	require.Equal(g.t, uint64(1), g.call("CryptCreateHash", prov, uint64(alg), 0, 0, phHash))
	return g.getPtr(phHash)
}

func (g *guest) digest(hash uint64) []byte {
	g.t.Helper()
	size := g.dword(0)
	require.Equal(g.t, uint64(1), g.call("CryptGetHashParam", hash, windows.HP_HASHVAL, 0, size, 0))
	n := g.getDword(size)
	out := g.alloc(uint64(n))
	require.Equal(g.t, uint64(1), g.call("CryptGetHashParam", hash, windows.HP_HASHVAL, out, size, 0))
	return g.read(out, uint64(n))
}

func TestSha256OfAbc(t *testing.T) {
	for _, ptrSize := range []uint64{4, 8} {
		g := newGuest(t, ptrSize)
		h := g.createHash(g.acquire(), windows.CALG_SHA_256)
		require.Equal(t, uint64(1), g.call("CryptHashData", h, g.bytes([]byte("abc")), 3, 0))
		assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hex.EncodeToString(g.digest(h)))

		final := g.emu.Events.Filter(core.EventCrypto)
		require.NotEmpty(t, final)
		assert.Equal(t, "hash_final", final[len(final)-1].Action)
	}
}

func TestDigestVectors(t *testing.T) {
	tests := []struct {
		alg  uint32
		want string
	}{
		{windows.CALG_MD4, "a448017aaf21d8525fc10ae87aa6729d"},
		{windows.CALG_MD5, "900150983cd24fb0d6963f7d28e17f72"},
		{windows.CALG_SHA1, "a9993e364706816aba3e25717850c26c9cd0d89d"},
		{windows.CALG_SHA_256, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{windows.CALG_SHA_384, "cb00753f45a35e8bb5a03d699ac65007272c32ab0eded1631a8b605a43ff5bed8086072ba1e7cc2358baeca134c825a7"},
		{windows.CALG_SHA_512, "ddaf35a193617abacc417349ae20413112e6fa4e89a97ea20a9eeee64b55d39a2192992a274fc1a836ba3c23a3feebbd454d4423643ce80e2a9ac94fa54ca49f"},
	}
	g := newGuest(t, 4)
	prov := g.acquire()
	abc := g.bytes([]byte("abc"))
	for _, tt := range tests {
		h := g.createHash(prov, tt.alg)
		require.Equal(t, uint64(1), g.call("CryptHashData", h, abc, 3, 0))
		if got := hex.EncodeToString(g.digest(h)); got != tt.want {
			t.Errorf("%s(abc) = %s, want %s", windows.AlgName(tt.alg), got, tt.want)
		}
	}
}

func TestChunkedDigestMatchesOneShot(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	g := newGuest(t, 4)
	prov := g.acquire()
	buf := g.bytes(data)

	for _, alg := range []uint32{windows.CALG_MD4, windows.CALG_MD5, windows.CALG_SHA1, windows.CALG_SHA_256, windows.CALG_SHA_384, windows.CALG_SHA_512} {
		a, ok := windows.LookupAlgorithm(alg)
		require.True(t, ok)
		ref := a.New()
		ref.Write(data)
		want := ref.Sum(nil)

		oneShot := g.createHash(prov, alg)
		require.Equal(t, uint64(1), g.call("CryptHashData", oneShot, buf, uint64(len(data)), 0))
		assert.Equal(t, want, g.digest(oneShot), a.Name)

		for _, chunk := range []int{1, 63, 64, 65, 333} {
			h := g.createHash(prov, alg)
			for off := 0; off < len(data); off += chunk {
				n := chunk
				if off+n > len(data) {
					n = len(data) - off
				}
				require.Equal(t, uint64(1), g.call("CryptHashData", h, buf+uint64(off), uint64(n), 0))
			}
			assert.Equal(t, want, g.digest(h), "%s in chunks of %d", a.Name, chunk)
		}
	}
}

func TestKeyedHashRefused(t *testing.T) {
	g := newGuest(t, 8)
	prov := g.acquire()
	before := g.emu.Handles.CountKind(core.KindHash)
	total := g.emu.Handles.Count()

	phHash := g.alloc(8)
	assert.Equal(t, uint64(0), g.call("CryptCreateHash", prov, windows.CALG_SHA1, 0x1234, 0, phHash))
	assert.Equal(t, uint32(windows.ERROR_INVALID_PARAMETER), g.emu.GetLastError())
	assert.Equal(t, uint64(0), g.getPtr(phHash))
	assert.Equal(t, before, g.emu.Handles.CountKind(core.KindHash))
	assert.Equal(t, total, g.emu.Handles.Count())
}

func TestCreateHashFailures(t *testing.T) {
	g := newGuest(t, 4)
	prov := g.acquire()
	phHash := g.alloc(4)

	assert.Equal(t, uint64(0), g.call("CryptCreateHash", prov, 0x6610, 0, 0, phHash))
	assert.Equal(t, uint32(windows.NTE_BAD_ALGID), g.emu.GetLastError())

	assert.Equal(t, uint64(0), g.call("CryptCreateHash", 0x4444, windows.CALG_MD5, 0, 0, phHash))
	assert.Equal(t, uint32(windows.NTE_BAD_UID), g.emu.GetLastError())

	assert.Equal(t, uint64(0), g.call("CryptCreateHash", prov, windows.CALG_MD5, 0, 0, 0))
	assert.Equal(t, uint32(windows.ERROR_INVALID_PARAMETER), g.emu.GetLastError())
	assert.Zero(t, g.emu.Handles.CountKind(core.KindHash))
}

func TestHashDataEdgeCases(t *testing.T) {
	g := newGuest(t, 4)
	h := g.createHash(g.acquire(), windows.CALG_MD5)

	require.NoError(t, g.emu.SetLastError(0x1234))
	assert.Equal(t, uint64(0), g.call("CryptHashData", h, g.alloc(4), 0, 0), "zero length fails")
	assert.Equal(t, uint32(0x1234), g.emu.GetLastError(), "and leaves the last error alone")

	assert.Equal(t, uint64(0), g.call("CryptHashData", 0x9999, g.alloc(4), 4, 0))
	assert.Equal(t, uint32(windows.ERROR_INVALID_HANDLE), g.emu.GetLastError())

	g.digest(h)
	assert.Equal(t, uint64(0), g.call("CryptHashData", h, g.alloc(4), 4, 0))
	assert.Equal(t, uint32(windows.NTE_BAD_HASH_STATE), g.emu.GetLastError())
}

func TestGetHashParam(t *testing.T) {
	g := newGuest(t, 8)
	h := g.createHash(g.acquire(), windows.CALG_SHA_384)
	out, size := g.alloc(64), g.dword(4)

	require.Equal(t, uint64(1), g.call("CryptGetHashParam", h, windows.HP_ALGID, out, size, 0))
	assert.Equal(t, uint32(windows.CALG_SHA_384), g.getDword(out))
	require.Equal(t, uint64(1), g.call("CryptGetHashParam", h, windows.HP_HASHSIZE, out, size, 0))
	assert.Equal(t, uint32(48), g.getDword(out))

	// a short buffer reports the size and leaves the hash open
	for i := 0; i < 2; i++ {
		require.NoError(t, g.emu.SetLastError(0))
		require.Equal(t, uint64(0), g.call("CryptGetHashParam", h, windows.HP_HASHVAL, out, g.dword(16), 0))
		assert.Equal(t, uint32(windows.ERROR_MORE_DATA), g.emu.GetLastError())
	}
	require.Equal(t, uint64(1), g.call("CryptHashData", h, g.bytes([]byte("x")), 1, 0))

	first := g.digest(h)
	assert.Equal(t, first, g.digest(h), "reading the value twice is stable")

	assert.Equal(t, uint64(0), g.call("CryptGetHashParam", h, 0x77, out, size, 0))
	assert.Equal(t, uint32(windows.NTE_BAD_TYPE), g.emu.GetLastError())
}

func TestDestroyHashAndRelease(t *testing.T) {
	g := newGuest(t, 4)
	prov := g.acquire()
	h := g.createHash(prov, windows.CALG_SHA1)

	assert.Equal(t, uint64(1), g.call("CryptDestroyHash", h))
	assert.Equal(t, uint64(0), g.call("CryptDestroyHash", h))
	assert.Equal(t, uint32(windows.ERROR_INVALID_HANDLE), g.emu.GetLastError())
	assert.Equal(t, uint64(0), g.call("CryptDestroyHash", prov), "a provider is not a hash")

	assert.Equal(t, uint64(1), g.call("CryptReleaseContext", prov, 0))
	assert.Zero(t, g.emu.Handles.CountKind(core.KindCryptProvider))
}

func TestGenRandom(t *testing.T) {
	g := newGuest(t, 4)
	prov := g.acquire()
	out := g.alloc(40)
	require.Equal(t, uint64(1), g.call("CryptGenRandom", prov, 40, out))
	assert.Equal(t, g.emu.Crypto.GenRandom(40), g.read(out, 40))
	assert.True(t, bytes.HasPrefix(g.read(out, 40), []byte("THIS_IS_NOT_RANDOM")))

	assert.Equal(t, uint64(0), g.call("CryptGenRandom", prov, 40, 0))
	assert.Equal(t, uint32(windows.ERROR_INVALID_PARAMETER), g.emu.GetLastError())
}
