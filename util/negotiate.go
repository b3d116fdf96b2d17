package util

import (
	"errors"
	"fmt"
)

// ErrBufferTooSmall is returned by Negotiate when the caller's capacity does
// not cover the data. The required size has already been written back.
var ErrBufferTooSmall = errors.New("buffer too small")

// Negotiate implements the "query size, then fetch" protocol shared by most
// of the API family.
//
// required is written to sizeOut (when supplied) before anything else, so the
// caller learns the size even when the call fails. data is written to out only
// when it fits in capacity. A NULL out with enough capacity is not an error.
func Negotiate(mem Memory, out Ptr, capacity uint64, sizeOut Ptr, data []byte, required uint32) error {
	if !sizeOut.IsNull() {
		if err := PutDword(mem, sizeOut.Addr(), required); err != nil {
			return err
		}
	}
	if uint64(len(data)) > capacity {
		return fmt.Errorf("need %d bytes, have %d: %w", len(data), capacity, ErrBufferTooSmall)
	}
	if out.IsNull() {
		return nil
	}
	return PutBytes(mem, out.Addr(), data)
}
