package util

import (
	"fmt"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// CharWidth selects how a string argument is laid out in guest memory. The A
// entry points use Narrow, the W entry points use Wide.
type CharWidth int

const (
	Narrow CharWidth = 1
	Wide   CharWidth = 2
)

// MaxStringLength caps how many characters are read looking for a terminator
const MaxStringLength = 0x7fff

func (w CharWidth) String() string {
	if w == Wide {
		return "wide"
	}
	return "narrow"
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// DecodeString turns raw guest bytes (without terminator) into a Go string
func DecodeString(raw []byte, width CharWidth) (string, error) {
	if width == Wide {
		if len(raw)%2 != 0 {
			raw = raw[:len(raw)-1]
		}
		out, err := utf16le.NewDecoder().Bytes(raw)
		if err != nil {
			return "", fmt.Errorf("failed to decode UTF-16LE string: %w", err)
		}
		return string(out), nil
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("failed to decode Windows-1252 string: %w", err)
	}
	return string(out), nil
}

// EncodeString converts s to its guest representation and appends the null
// terminator. Characters with no Windows-1252 mapping become '?' for narrow
// strings, like the real A entry points do.
func EncodeString(s string, width CharWidth) []byte {
	if width == Wide {
		out, err := utf16le.NewEncoder().Bytes([]byte(s))
		if err != nil {
			// only reachable for invalid UTF-8 input, fall back to raw bytes
			out = []byte(s)
		}
		return append(out, 0, 0)
	}
	out := make([]byte, 0, len(s)+1)
	for _, r := range s {
		b, ok := charmap.Windows1252.EncodeRune(r)
		if !ok {
			b = '?'
		}
		out = append(out, b)
	}
	return append(out, 0)
}

// StringLength returns the number of characters s occupies in the guest,
// without the terminator
func StringLength(s string, width CharWidth) uint32 {
	return uint32((len(EncodeString(s, width)) - int(width)) / int(width))
}

// ReadString reads a null terminated string one character at a time so that
// nothing past the terminator is touched
func ReadString(mem Memory, addr uint64, width CharWidth) (string, error) {
	unit := uint64(width)
	raw := make([]byte, 0, 64)
	for i := uint64(0); i < MaxStringLength; i++ {
		b, err := mem.MemRead(addr+i*unit, unit)
		if err != nil {
			return "", memErr("read string", addr+i*unit, unit, err)
		}
		if isZero(b) {
			break
		}
		raw = append(raw, b...)
	}
	return DecodeString(raw, width)
}

// ReadStringN reads exactly n characters, stopping early at a terminator
func ReadStringN(mem Memory, addr uint64, width CharWidth, n uint64) (string, error) {
	if n > MaxStringLength {
		n = MaxStringLength
	}
	buf, err := ReadBytes(mem, addr, n*uint64(width))
	if err != nil {
		return "", err
	}
	for i := 0; i+int(width) <= len(buf); i += int(width) {
		if isZero(buf[i : i+int(width)]) {
			buf = buf[:i]
			break
		}
	}
	return DecodeString(buf, width)
}

// ReadOptionalString returns nil when p is NULL
func ReadOptionalString(mem Memory, p Ptr, width CharWidth) (*string, error) {
	if p.IsNull() {
		return nil, nil
	}
	s, err := ReadString(mem, p.Addr(), width)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ReadASCII reads a narrow string, returning "" on error. Used for log
// rendering only.
func ReadASCII(mem Memory, addr uint64) string {
	s, _ := ReadString(mem, addr, Narrow)
	return s
}

// ReadWideChar reads a wide string, returning "" on error. Used for log
// rendering only.
func ReadWideChar(mem Memory, addr uint64) string {
	s, _ := ReadString(mem, addr, Wide)
	return s
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
