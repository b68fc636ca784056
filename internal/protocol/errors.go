package protocol

import (
	"errors"
	"fmt"
)

// InitErrorKind classifies a handshake failure.
type InitErrorKind int

const (
	InitCustom InitErrorKind = iota
	InitNotHandshake
	InitNotID
	InitWrongMagicNumber
	InitWrongVersion
)

func (k InitErrorKind) String() string {
	switch k {
	case InitNotHandshake:
		return "not_handshake"
	case InitNotID:
		return "not_id"
	case InitWrongMagicNumber:
		return "wrong_magic_number"
	case InitWrongVersion:
		return "wrong_version"
	default:
		return "custom"
	}
}

// InitProtocolError is returned while a channel is being handshaken. Every
// kind is terminal for that channel.
type InitProtocolError struct {
	Kind    InitErrorKind
	Magic   [7]byte // set for InitWrongMagicNumber
	Version Version // set for InitWrongVersion
	Err     error   // set for InitCustom
}

func (e *InitProtocolError) Error() string {
	switch e.Kind {
	case InitWrongMagicNumber:
		return fmt.Sprintf("handshake: wrong magic number %q", e.Magic[:])
	case InitWrongVersion:
		return fmt.Sprintf("handshake: wrong version %s, expected %s", e.Version, CurrentVersion)
	case InitNotHandshake:
		return "handshake: expected a handshake frame"
	case InitNotID:
		return "handshake: expected a configure or participant id frame"
	}
	if e.Err != nil {
		return "handshake: " + e.Err.Error()
	}
	return "handshake: failed"
}

func (e *InitProtocolError) Unwrap() error { return e.Err }

// Is matches another InitProtocolError of the same kind, so the sentinels
// below can be used with errors.Is.
func (e *InitProtocolError) Is(target error) bool {
	t, ok := target.(*InitProtocolError)
	return ok && t.Kind == e.Kind && (t.Kind != InitCustom || t.Err == nil)
}

var (
	ErrNotHandshake     = &InitProtocolError{Kind: InitNotHandshake}
	ErrNotID            = &InitProtocolError{Kind: InitNotID}
	ErrWrongMagicNumber = &InitProtocolError{Kind: InitWrongMagicNumber}
	ErrWrongVersion     = &InitProtocolError{Kind: InitWrongVersion}
	ErrInitCustom       = &InitProtocolError{Kind: InitCustom}
)

// InitCustomError wraps a transport failure that happened during the handshake.
func InitCustomError(err error) *InitProtocolError {
	return &InitProtocolError{Kind: InitCustom, Err: err}
}

// ProtocolErrorKind classifies a failure on an established channel.
type ProtocolErrorKind int

const (
	// Custom is an I/O failure: the transport is gone.
	Custom ProtocolErrorKind = iota
	// Violated means the remote broke the protocol's invariants.
	Violated
)

func (k ProtocolErrorKind) String() string {
	if k == Violated {
		return "violated"
	}
	return "custom"
}

// ProtocolError is returned after the handshake. Both kinds are terminal: a
// channel that returned one stays closed.
type ProtocolError struct {
	Kind ProtocolErrorKind
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol " + e.Kind.String()
	}
	return fmt.Sprintf("protocol %s: %v", e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Kind == e.Kind && t.Err == nil
}

var (
	ErrViolated = &ProtocolError{Kind: Violated}
	ErrCustom   = &ProtocolError{Kind: Custom}
)

// Violation builds a Violated error with a formatted reason.
func Violation(format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: Violated, Err: fmt.Errorf(format, args...)}
}

// Failure wraps an I/O error as a Custom protocol error. An error that already
// is a ProtocolError is returned unchanged.
func Failure(err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return &ProtocolError{Kind: Custom, Err: err}
}
