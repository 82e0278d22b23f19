// Package verrors defines the repository-wide error taxonomy.
//
// Every error a caller needs to branch on belongs to one of these kinds.
// Use errors.Is against the sentinel Kind values, or errors.As against the
// wrapping type when the message carries extra context.
package verrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for CLI exit-code and message purposes.
type Kind int

const (
	KindConfig Kind = iota
	KindRepository
	KindAuth
	KindIntegrity
	KindIO
	KindOverwrite
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindRepository:
		return "repository"
	case KindAuth:
		return "auth"
	case KindIntegrity:
		return "integrity"
	case KindIO:
		return "io"
	case KindOverwrite:
		return "overwrite"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and a short message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, verrors.Config) etc. work against the Kind.
func (e *Error) Is(target error) bool {
	var k *Error
	if errors.As(target, &k) {
		return e.Kind == k.Kind
	}
	return false
}

func newKind(kind Kind) *Error { return &Error{Kind: kind} }

// Sentinels usable with errors.Is to test an error's Kind, e.g.
// errors.Is(err, verrors.Auth).
var (
	Config     = newKind(KindConfig)
	Repository = newKind(KindRepository)
	Auth       = newKind(KindAuth)
	Integrity  = newKind(KindIntegrity)
	IO         = newKind(KindIO)
	Overwrite  = newKind(KindOverwrite)
	Terminal   = newKind(KindTerminal)
)

// Wrap builds a new *Error of the given kind, wrapping cause (which may be nil).
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Configf builds a KindConfig error with a formatted message.
func Configf(format string, args ...any) error {
	return &Error{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

// Repositoryf builds a KindRepository error with a formatted message.
func Repositoryf(format string, args ...any) error {
	return &Error{Kind: KindRepository, Message: fmt.Sprintf(format, args...)}
}

// Authf builds a KindAuth error with a formatted message.
func Authf(format string, args ...any) error {
	return &Error{Kind: KindAuth, Message: fmt.Sprintf(format, args...)}
}

// Integrityf builds a KindIntegrity error with a formatted message.
func Integrityf(format string, args ...any) error {
	return &Error{Kind: KindIntegrity, Message: fmt.Sprintf(format, args...)}
}

// IOf builds a KindIO error with a formatted message, wrapping cause.
func IOf(cause error, format string, args ...any) error {
	return &Error{Kind: KindIO, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Overwritef builds a KindOverwrite error with a formatted message.
func Overwritef(format string, args ...any) error {
	return &Error{Kind: KindOverwrite, Message: fmt.Sprintf(format, args...)}
}

// Terminalf builds a KindTerminal error with a formatted message.
func Terminalf(format string, args ...any) error {
	return &Error{Kind: KindTerminal, Message: fmt.Sprintf(format, args...)}
}
