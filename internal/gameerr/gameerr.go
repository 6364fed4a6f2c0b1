// Package gameerr carries the failure taxonomy shared by the board, transport and session layers.
package gameerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the session recovers from it.
type Kind string

const (
	// KindNetwork: unreachable host, reset connection, heartbeat timeout.
	KindNetwork Kind = "network"
	// KindProtocol: peers diverged (bad version, malformed frame, replayed tx, illegal remote move).
	KindProtocol Kind = "protocol"
	// KindIllegalMove: a locally submitted move is not legal. Never leaves the process.
	KindIllegalMove Kind = "illegal_move"
	// KindUser: malformed input at the UI boundary.
	KindUser Kind = "user"
)

// Error is the single error type for the taxonomy. Code is a stable machine token
// (e.g. "invalid_join_code") that the message catalog maps to display text.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if msg == "" {
		msg = string(e.Kind) + " error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels (Code empty) by kind, and coded errors by kind+code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

var (
	ErrNetwork     = &Error{Kind: KindNetwork}
	ErrProtocol    = &Error{Kind: KindProtocol}
	ErrIllegalMove = &Error{Kind: KindIllegalMove}
	ErrUser        = &Error{Kind: KindUser}
)

func Network(code string, err error) *Error {
	return &Error{Kind: KindNetwork, Code: code, Err: err}
}

func Protocol(code, message string) *Error {
	return &Error{Kind: KindProtocol, Code: code, Message: message}
}

func ProtocolWrap(code string, err error) *Error {
	return &Error{Kind: KindProtocol, Code: code, Err: err}
}

func IllegalMove(message string) *Error {
	return &Error{Kind: KindIllegalMove, Code: "illegal_move", Message: message}
}

func User(code, message string) *Error {
	return &Error{Kind: KindUser, Code: code, Message: message}
}

// KindOf reports the taxonomy kind of err, or "" when err is outside it.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// CodeOf reports the code of err, or "" when err is outside the taxonomy.
func CodeOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}
