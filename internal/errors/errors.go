// Package errors defines the Valet error taxonomy. Every failure that can
// reach a client is classified by a Kind, which fixes both the HTTP status of
// gate-level responses and the JSON-RPC error code of tool-level responses.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable symbolic name of a failure class. Kinds appear in audit
// records and in the `data.kind` field of JSON-RPC error objects; they never
// carry secret material.
type Kind string

const (
	KindUnauthorized     Kind = "Unauthorized"
	KindOriginDenied     Kind = "OriginDenied"
	KindRequestTooLarge  Kind = "RequestTooLarge"
	KindResponseTooLarge Kind = "ResponseTooLarge"
	KindRateLimited      Kind = "RateLimited"
	KindToolNotFound     Kind = "ToolNotFound"
	KindInvalidParams    Kind = "InvalidParams"
	KindPathOutsideRoot  Kind = "PathOutsideRoot"
	KindNotFound         Kind = "NotFound"
	KindExecDenied       Kind = "ExecDenied"
	KindExecTimeout      Kind = "ExecTimeout"
	KindIo               Kind = "Io"
	KindParse            Kind = "Parse"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Error is a classified Valet error. Op names the operation that failed
// (e.g. "fs_read", "resolve_path") and Err carries the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind, so callers can
// match with errors.Is against sentinel-style values.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// E constructs a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef constructs a classified error from a formatted message.
func Ef(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, unwrapping as needed. Unclassified
// errors report KindIo: anything that escaped classification is an internal
// failure as far as the client is concerned.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIo
}

// Message returns a client-safe message for err. Classified errors render
// their cause; unclassified errors render only their kind so that stray
// wrapped detail (paths, env values) cannot leak.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return string(KindIo)
}

// HTTPStatus maps a Kind to the HTTP status used for gate-level responses.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindOriginDenied, KindPathOutsideRoot, KindExecDenied:
		return http.StatusForbidden
	case KindRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindToolNotFound, KindNotFound:
		return http.StatusNotFound
	case KindInvalidParams, KindParse:
		return http.StatusBadRequest
	case KindExecTimeout:
		return http.StatusGatewayTimeout
	case KindResponseTooLarge, KindIo:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// RPCCode maps a Kind to the JSON-RPC error code carried in tool-level
// error envelopes.
func (k Kind) RPCCode() int {
	switch k {
	case KindParse:
		return CodeParse
	case KindToolNotFound:
		return CodeMethodNotFound
	case KindInvalidParams:
		return CodeInvalidParams
	default:
		return CodeInternal
	}
}
