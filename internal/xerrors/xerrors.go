// Package xerrors adds call-site information to errors without changing
// their message. Wrap and Wrapf record a single frame, New, Newf and
// EnsureTrace record a full stack for the logger to render.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries the program counters captured where the error was created.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// annotated prefixes a message and remembers the caller of Wrap/Wrapf.
type annotated struct {
	err error
	msg string
	pc  uintptr
}

func (a *annotated) Error() string     { return a.msg + ": " + a.err.Error() }
func (a *annotated) Unwrap() error     { return a.err }
func (a *annotated) PC() uintptr       { return a.pc }
func (a *annotated) IsXerrorsWrapper() {}

// skip 0 is the function calling stackAt
func stackAt(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pcs)
	return pcs[:n]
}

func pcAt(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip+2, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func attachStack(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: stackAt(skip + 1)}
}

// New returns an error with msg and the caller's stack.
func New(msg string) error { return attachStack(errors.New(msg), 1) }

// Newf formats like fmt.Errorf (including %w) and records the caller's stack.
func Newf(format string, args ...any) error {
	return attachStack(fmt.Errorf(format, args...), 1)
}

// WithStack records the caller's stack on err. nil stays nil.
func WithStack(err error) error { return attachStack(err, 1) }

// EnsureTrace records a stack only when no error in the chain has one yet.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	type hasStack interface{ StackPCs() []uintptr }
	var hs hasStack
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return attachStack(err, 1)
}

// Wrap prefixes err with msg. nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: msg, pc: pcAt(1)}
}

// Wrapf prefixes err with a formatted message. nil stays nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: fmt.Sprintf(format, args...), pc: pcAt(1)}
}
