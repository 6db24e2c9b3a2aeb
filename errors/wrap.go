// Package errors mirrors the github.com/pkg/errors API and adds coded BlockError values.
//
// Errors raised inside the partition scheduler are wrapped at every hop so that a logged fault always carries a
// stack. Wrapping repeatedly would print the same stack many times, so StackTrace drops a stack when it shares its
// callers with the stack of its cause.
package errors

import (
	stderrors "errors" //nolint: depguard
	"fmt"
	"io"
	"runtime"

	"github.com/pkg/errors" //nolint: depguard
)

// New returns an error with the supplied message and the stack at the point it was called.
func New(message string) error {
	return newStackErr(nil, message)
}

// Errorf formats according to a format specifier and records the stack at the point it was called.
func Errorf(format string, args ...interface{}) error {
	return newStackErr(nil, fmt.Sprintf(format, args...))
}

// Wrap annotates err with a message and a stack. Wrap(nil, ...) is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return newStackErr(err, message)
}

// Wrapf annotates err with a formatted message and a stack. Wrapf(nil, ...) is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return newStackErr(err, fmt.Sprintf(format, args...))
}

// WithStack annotates err with a stack. WithStack(nil) is nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return newStackErr(err, "")
}

// Cause returns the innermost error of a chain built with this package.
func Cause(err error) error {
	for err != nil {
		c, ok := err.(causer)
		if !ok || c.Cause() == nil {
			break
		}
		err = c.Cause()
	}
	return err
}

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

type stackErr struct {
	cause error
	stack errors.StackTrace
	msg   string
}

func newStackErr(cause error, msg string) error {
	// drop this function and the exported caller (Wrapf etc) from the trace
	stack := errors.New("").(stackTracer).StackTrace()[2:]
	return &stackErr{cause: cause, stack: stack, msg: msg}
}

func (e *stackErr) Error() string {
	if e.cause == nil {
		return e.msg
	}
	if e.msg == "" {
		return e.cause.Error()
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *stackErr) Cause() error { return e.cause }

func (e *stackErr) Unwrap() error { return e.cause }

// StackTrace returns nil when the stack is already contained in the stack of the cause.
func (e *stackErr) StackTrace() errors.StackTrace {
	var causeStack errors.StackTrace
	if se, ok := e.cause.(*stackErr); ok {
		causeStack = se.stack
	} else if st, ok := e.cause.(stackTracer); ok {
		causeStack = st.StackTrace()
	}
	if len(causeStack) < len(e.stack) {
		return e.stack
	}
	// compare from the outermost frame inwards, the innermost frame is compared by function only since the line
	// differs for the usual `return errors.WithStack(err)` idiom
	for i := 1; i < len(e.stack); i++ {
		if causeStack[len(causeStack)-i] != e.stack[len(e.stack)-i] {
			return e.stack
		}
	}
	if sameFunction(causeStack[len(causeStack)-len(e.stack)], e.stack[0]) {
		return nil
	}
	return e.stack
}

// nolint:errcheck
func (e *stackErr) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if !s.Flag('+') {
			io.WriteString(s, e.Error())
			return
		}
		if e.cause != nil {
			fmt.Fprintf(s, "%+v", e.cause)
			if e.msg != "" {
				io.WriteString(s, "\n")
			}
		}
		io.WriteString(s, e.msg)
		if stack := e.StackTrace(); stack != nil {
			fmt.Fprintf(s, "%+v", stack)
		}
	case 's':
		io.WriteString(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}

func sameFunction(f1 errors.Frame, f2 errors.Frame) bool {
	file1, name1 := frameInfo(f1)
	file2, name2 := frameInfo(f2)
	return file1 == file2 && name1 == name2
}

func frameInfo(f errors.Frame) (string, string) {
	pc := uintptr(f) - 1
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown", "unknown"
	}
	file, _ := fn.FileLine(pc)
	return file, fn.Name()
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

type causer interface {
	Cause() error
}
