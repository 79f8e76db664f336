package dbi

import (
	"errors"
	"fmt"
)

// Kind is the machine-checkable class of a backend error
type Kind int

// Supported error kinds
const (
	KindNone              Kind = iota
	KindFileNotFound           // target file does not exist and create was not requested
	KindStoreExists            // target is populated and force was not requested
	KindBadURL                 // locator is missing, invalid or names an unusable dialect
	KindServer                 // catch-all driver or SQL failure
	KindConnLost               // connection dropped, retryable
	KindCantConnect            // server unreachable, retryable
	KindNoSuchDB               // database does not exist on the server
	KindLocked                 // another process holds the advisory lock
	KindDBTooOld               // schema requires a resave
	KindDBTooNew               // schema was written by a newer release
	KindNumericUntestable      // numeric self-test could not be set up
	KindNumericBroken          // numeric self-test values did not round-trip
	KindTypeMismatch           // typed cell access against a differently typed column
)

var kindNames = map[Kind]string{
	KindNone:              "none",
	KindFileNotFound:      "file not found",
	KindStoreExists:       "store already exists",
	KindBadURL:            "bad url",
	KindServer:            "server error",
	KindConnLost:          "connection lost",
	KindCantConnect:       "cannot connect",
	KindNoSuchDB:          "no such database",
	KindLocked:            "locked",
	KindDBTooOld:          "database too old",
	KindDBTooNew:          "database too new",
	KindNumericUntestable: "numeric test incomplete",
	KindNumericBroken:     "numeric test failed",
	KindTypeMismatch:      "type mismatch",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether errors of this kind are retried by the connection before surfacing
func (k Kind) Retryable() bool {
	return k == KindConnLost || k == KindCantConnect
}

// Error is a classified backend error
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var msg = e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("dbi: %s: %v", msg, e.Err)
	}
	return "dbi: " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the Err* values below work with errors.Is
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks
var (
	ErrFileNotFound      = &Error{Kind: KindFileNotFound}
	ErrStoreExists       = &Error{Kind: KindStoreExists}
	ErrBadURL            = &Error{Kind: KindBadURL}
	ErrServer            = &Error{Kind: KindServer}
	ErrConnLost          = &Error{Kind: KindConnLost}
	ErrCantConnect       = &Error{Kind: KindCantConnect}
	ErrNoSuchDB          = &Error{Kind: KindNoSuchDB}
	ErrLocked            = &Error{Kind: KindLocked}
	ErrDBTooOld          = &Error{Kind: KindDBTooOld, Msg: "migration required"}
	ErrDBTooNew          = &Error{Kind: KindDBTooNew, Msg: "downgrade not supported, use a different copy"}
	ErrNumericUntestable = &Error{Kind: KindNumericUntestable}
	ErrNumericBroken     = &Error{Kind: KindNumericBroken}
	ErrTypeMismatch      = &Error{Kind: KindTypeMismatch}
)

// NewError builds an *Error with a formatted message
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies err; a nil err yields nil
func WrapError(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, KindServer for foreign errors
// and KindNone for nil
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServer
}
