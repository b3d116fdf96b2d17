package windows

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"
	"strings"

	"github.com/carbonblack/apisurface/core"
	"golang.org/x/crypto/md4"
)

// HashAlgorithm is one supported ALG_ID
type HashAlgorithm struct {
	ID   uint32
	Name string
	Size int
	New  func() hash.Hash
}

var hashAlgorithms = map[uint32]*HashAlgorithm{
	CALG_MD4:     {CALG_MD4, "CALG_MD4", md4.Size, md4.New},
	CALG_MD5:     {CALG_MD5, "CALG_MD5", md5.Size, md5.New},
	CALG_SHA1:    {CALG_SHA1, "CALG_SHA1", sha1.Size, sha1.New},
	CALG_SHA_256: {CALG_SHA_256, "CALG_SHA_256", sha256.Size, sha256.New},
	CALG_SHA_384: {CALG_SHA_384, "CALG_SHA_384", sha512.Size384, sha512.New384},
	CALG_SHA_512: {CALG_SHA_512, "CALG_SHA_512", sha512.Size, sha512.New},
}

// AlgName returns the CALG_ name of id, or its hex value
func AlgName(id uint32) string {
	if a, ok := hashAlgorithms[id]; ok {
		return a.Name
	}
	return fmt.Sprintf("0x%x", id)
}

// LookupAlgorithm returns the algorithm registered for id
func LookupAlgorithm(id uint32) (*HashAlgorithm, bool) {
	a, ok := hashAlgorithms[id]
	return a, ok
}

// CryptContext is an acquired provider. Nothing about it affects hashing,
// the arguments are kept for the log.
type CryptContext struct {
	Container string
	Provider  string
	ProvType  uint32
	Flags     uint32
}

func (*CryptContext) ObjectKind() core.ObjectKind { return core.KindCryptProvider }

// HashState is where a hash context is in its lifecycle
type HashState int

const (
	HashCreated HashState = iota
	HashAccumulating
	HashFinalized
)

func (s HashState) String() string {
	switch s {
	case HashCreated:
		return "created"
	case HashAccumulating:
		return "accumulating"
	case HashFinalized:
		return "finalized"
	}
	return fmt.Sprintf("HashState(%d)", int(s))
}

// HashContext is a running digest. Reading HP_HASHVAL finalizes it and any
// later data is refused.
type HashContext struct {
	Alg      *HashAlgorithm
	Provider core.Handle
	State    HashState
	Length   uint64
	h        hash.Hash
	digest   []byte
}

func (*HashContext) ObjectKind() core.ObjectKind { return core.KindHash }

// Write feeds data to the digest
func (c *HashContext) Write(data []byte) error {
	if c.State == HashFinalized {
		return newError(ErrBadHashState, "%s hash is finalized", c.Alg.Name)
	}
	c.h.Write(data)
	c.Length += uint64(len(data))
	c.State = HashAccumulating
	return nil
}

// Sum finalizes the context and returns the digest. Repeated calls return
// the same value.
func (c *HashContext) Sum() []byte {
	if c.State != HashFinalized {
		c.digest = c.h.Sum(nil)
		c.State = HashFinalized
	}
	return append([]byte(nil), c.digest...)
}

// CryptManager owns the provider and hash contexts of a session
type CryptManager struct {
	table *core.HandleTable
}

func NewCryptManager(table *core.HandleTable) *CryptManager {
	return &CryptManager{table: table}
}

// AcquireContext always succeeds
func (m *CryptManager) AcquireContext(container, provider string, provType, flags uint32) (core.Handle, *CryptContext) {
	ctx := &CryptContext{container, provider, provType, flags}
	return m.table.Insert(ctx), ctx
}

// Context resolves a provider handle
func (m *CryptManager) Context(h core.Handle) (*CryptContext, bool) {
	obj, ok := m.table.Resolve(h)
	if !ok {
		return nil, false
	}
	ctx, ok := obj.(*CryptContext)
	return ctx, ok
}

// ReleaseContext closes a provider. Unknown handles are ignored.
func (m *CryptManager) ReleaseContext(h core.Handle) {
	if _, ok := m.Context(h); ok {
		m.table.Release(h)
	}
}

// CreateHash validates in a fixed order: keyed hashes are refused first,
// then the provider, then the algorithm. Nothing is allocated on failure.
func (m *CryptManager) CreateHash(prov core.Handle, algID uint32, key uint64, flags uint32) (core.Handle, *HashContext, error) {
	if key != 0 {
		return 0, nil, newError(ErrInvalidParameter, "keyed hashes are not supported (hKey 0x%x)", key)
	}
	if _, ok := m.Context(prov); !ok {
		return 0, nil, newError(ErrBadProvider, "provider %s is not open", prov)
	}
	alg, ok := hashAlgorithms[algID]
	if !ok {
		return 0, nil, newError(ErrBadAlgorithm, "algorithm 0x%x", algID)
	}
	ctx := &HashContext{Alg: alg, Provider: prov, h: alg.New()}
	return m.table.Insert(ctx), ctx, nil
}

// Hash resolves a hash handle
func (m *CryptManager) Hash(h core.Handle) (*HashContext, error) {
	obj, ok := m.table.Resolve(h)
	if !ok {
		return nil, newError(ErrInvalidHandle, "hash handle %s is not open", h)
	}
	ctx, ok := obj.(*HashContext)
	if !ok {
		return nil, newError(ErrInvalidHandle, "handle %s is a %s, not a hash", h, obj.ObjectKind())
	}
	return ctx, nil
}

// HashData feeds data to the context behind h
func (m *CryptManager) HashData(h core.Handle, data []byte) error {
	ctx, err := m.Hash(h)
	if err != nil {
		return err
	}
	return ctx.Write(data)
}

// HashParam returns the bytes of a hash parameter. HP_HASHVAL with final
// set finalizes the context; callers that only ask for the size pass false.
func (m *CryptManager) HashParam(h core.Handle, param uint32, final bool) ([]byte, error) {
	ctx, err := m.Hash(h)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4)
	switch param {
	case HP_ALGID:
		binary.LittleEndian.PutUint32(buf, ctx.Alg.ID)
		return buf, nil
	case HP_HASHSIZE:
		binary.LittleEndian.PutUint32(buf, uint32(ctx.Alg.Size))
		return buf, nil
	case HP_HASHVAL:
		if !final {
			return make([]byte, ctx.Alg.Size), nil
		}
		return ctx.Sum(), nil
	}
	return nil, &Error{Kind: ErrKindInvalidParameter, Code: NTE_BAD_TYPE, Msg: fmt.Sprintf("hash parameter 0x%x", param)}
}

// DestroyHash releases a hash context
func (m *CryptManager) DestroyHash(h core.Handle) error {
	if _, err := m.Hash(h); err != nil {
		return err
	}
	m.table.Release(h)
	return nil
}

// GenRandom returns n deterministic bytes
func (m *CryptManager) GenRandom(n uint32) []byte {
	notReallyRandom := "THIS_IS_NOT_RANDOM_AT_ALL"
	repeatN := int(n)/len(notReallyRandom) + 1
	return []byte(strings.Repeat(notReallyRandom, repeatN)[:n])
}
