// Package errcode defines the closed set of result codes shared by every
// cyxwiz component and by the binding layer.
//
// A Code is itself an error, so operations return wrapped codes:
//
//	return fmt.Errorf("%w: hop count %d", errcode.InvalidArgument, n)
//
// Callers test with errors.Is(err, errcode.NoRoute) or recover the numeric
// value with errcode.Of(err).
package errcode

import "errors"

// Code is a stable numeric result code. OK is zero and every failure is
// negative, matching the values exposed over the binding surface.
type Code int32

const (
	OK                Code = 0
	InvalidArgument   Code = -1
	OutOfMemory       Code = -2
	CryptoUnavailable Code = -3
	CryptoError       Code = -4
	NoRoute           Code = -5
	NoCircuit         Code = -6
	PeerUnreachable   Code = -7
	BucketFull        Code = -8
	NotStarted        Code = -9
	Internal          Code = -10
)

var messages = map[Code]string{
	OK:                "success",
	InvalidArgument:   "invalid argument",
	OutOfMemory:       "out of memory",
	CryptoUnavailable: "cryptography unavailable",
	CryptoError:       "cryptographic operation failed",
	NoRoute:           "no route to destination",
	NoCircuit:         "no onion circuit available",
	PeerUnreachable:   "peer unreachable",
	BucketFull:        "routing bucket full",
	NotStarted:        "component not started",
	Internal:          "internal error",
}

// Strerror returns the human readable text for a code.
func Strerror(c Code) string {
	if msg, ok := messages[c]; ok {
		return msg
	}
	return "unknown error"
}

// Error implements the error interface.
func (c Code) Error() string {
	return Strerror(c)
}

// String returns the same text as Error.
func (c Code) String() string {
	return Strerror(c)
}

// Known reports whether c belongs to the closed enumeration.
func (c Code) Known() bool {
	_, ok := messages[c]
	return ok
}

// Of extracts the code carried by err. A nil error is OK and an error that
// carries no code maps to Internal.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Internal
}

// Int32 is a convenience for binding code that only deals in raw values.
func Int32(err error) int32 {
	return int32(Of(err))
}
