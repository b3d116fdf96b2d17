package windows

import (
	"errors"
	"fmt"

	"github.com/carbonblack/apisurface/util"
)

// ErrKind classifies engine failures so the dispatch layer can pick the
// numeric convention of each API without parsing messages.
type ErrKind int

const (
	ErrKindInvalidHandle ErrKind = iota
	ErrKindPathNotFound
	ErrKindFileNotFound
	ErrKindInsufficientBuffer
	ErrKindInvalidParameter
	ErrKindBadAlgorithm
	ErrKindBadProvider
	ErrKindBadHashState
	ErrKindInvalidMemoryAccess
	ErrKindNoMoreItems
	ErrKindAccessDenied
	ErrKindNoToken
)

var errKindNames = map[ErrKind]string{
	ErrKindInvalidHandle:       "invalid handle",
	ErrKindPathNotFound:        "path not found",
	ErrKindFileNotFound:        "file not found",
	ErrKindInsufficientBuffer:  "insufficient buffer",
	ErrKindInvalidParameter:    "invalid parameter",
	ErrKindBadAlgorithm:        "bad algorithm",
	ErrKindBadProvider:         "bad provider",
	ErrKindBadHashState:        "bad hash state",
	ErrKindInvalidMemoryAccess: "invalid memory access",
	ErrKindNoMoreItems:         "no more items",
	ErrKindAccessDenied:        "access denied",
	ErrKindNoToken:             "no token",
}

func (k ErrKind) String() string {
	if s, ok := errKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("errkind(%d)", int(k))
}

// Error is a typed engine error. Code is the Win32 or NTE value the API
// reports for it.
type Error struct {
	Kind ErrKind
	Code uint32
	Msg  string
	Err  error // optional underlying cause
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrInvalidHandle)
// holds for every invalid handle failure whatever its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels, one per kind. ErrMoreData and ErrInsufficientBuffer share a kind
// and differ in the code the API reports.
var (
	ErrInvalidHandle       = &Error{Kind: ErrKindInvalidHandle, Code: ERROR_INVALID_HANDLE, Msg: "invalid handle"}
	ErrPathNotFound        = &Error{Kind: ErrKindPathNotFound, Code: ERROR_PATH_NOT_FOUND, Msg: "path not found"}
	ErrFileNotFound        = &Error{Kind: ErrKindFileNotFound, Code: ERROR_FILE_NOT_FOUND, Msg: "file not found"}
	ErrInsufficientBuffer  = &Error{Kind: ErrKindInsufficientBuffer, Code: ERROR_INSUFFICIENT_BUFFER, Msg: "insufficient buffer"}
	ErrMoreData            = &Error{Kind: ErrKindInsufficientBuffer, Code: ERROR_MORE_DATA, Msg: "more data"}
	ErrInvalidParameter    = &Error{Kind: ErrKindInvalidParameter, Code: ERROR_INVALID_PARAMETER, Msg: "invalid parameter"}
	ErrBadAlgorithm        = &Error{Kind: ErrKindBadAlgorithm, Code: NTE_BAD_ALGID, Msg: "unsupported algorithm"}
	ErrBadProvider         = &Error{Kind: ErrKindBadProvider, Code: NTE_BAD_UID, Msg: "unknown provider"}
	ErrBadHashState        = &Error{Kind: ErrKindBadHashState, Code: NTE_BAD_HASH_STATE, Msg: "hash already finalized"}
	ErrInvalidMemoryAccess = &Error{Kind: ErrKindInvalidMemoryAccess, Code: ERROR_INVALID_PARAMETER, Msg: "invalid memory access"}
	ErrNoMoreItems         = &Error{Kind: ErrKindNoMoreItems, Code: ERROR_NO_MORE_ITEMS, Msg: "no more items"}
	ErrAccessDenied        = &Error{Kind: ErrKindAccessDenied, Code: ERROR_ACCESS_DENIED, Msg: "access denied"}
	ErrNoToken             = &Error{Kind: ErrKindNoToken, Code: ERROR_NO_TOKEN, Msg: "no token"}
	ErrNoAccess            = &Error{Kind: ErrKindInvalidMemoryAccess, Code: ERROR_NOACCESS, Msg: "invalid access to memory location"}
)

// newError derives an error from a sentinel with a specific message
func newError(sentinel *Error, format string, args ...interface{}) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Msg: fmt.Sprintf(format, args...)}
}

// wrapError derives an error from a sentinel keeping cause reachable
func wrapError(sentinel *Error, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// ErrorCode is the numeric status an API reports for err. Guest memory faults
// and anything unclassified degrade to ERROR_INVALID_PARAMETER, never a crash.
func ErrorCode(err error) uint32 {
	if err == nil {
		return ERROR_SUCCESS
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, util.ErrBufferTooSmall) {
		return ERROR_INSUFFICIENT_BUFFER
	}
	return ERROR_INVALID_PARAMETER
}

// memFault turns a marshaling failure into the engine's error taxonomy
func memFault(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, util.ErrInvalidMemoryAccess) {
		return wrapError(ErrInvalidMemoryAccess, err, format, args...)
	}
	if errors.Is(err, util.ErrBufferTooSmall) {
		return wrapError(ErrInsufficientBuffer, err, format, args...)
	}
	return wrapError(ErrInvalidParameter, err, format, args...)
}
