package apperrors

import (
	"errors"
	"strings"
)

type appError struct {
	msg        string
	base       error
	causes     []error
	statuscode int
}

func (e *appError) Error() string {
	return e.msg
}

// ErrorAll returns the message with the messages of all attached causes
// appended, skipping causes whose text repeats the message.
func (e *appError) ErrorAll() string {
	var b strings.Builder
	b.WriteString(e.msg)
	for _, err := range e.causes {
		if err == nil || err.Error() == e.msg {
			continue
		}
		b.WriteString(": ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e *appError) Unwrap() error {
	return e.base
}

func (e *appError) UnwrapAll() []error {
	return e.causes
}

func (e *appError) New(msg string) Error {
	return &appError{
		msg:        msg,
		base:       e,
		statuscode: e.statuscode,
	}
}

func (e *appError) Msg(msg string) Error {
	return &appError{
		msg:        msg,
		base:       e,
		causes:     append([]error{}, e.causes...),
		statuscode: e.statuscode,
	}
}

func (e *appError) MsgErr(msg string, errs ...error) Error {
	return &appError{
		msg:        msg,
		base:       e,
		causes:     append(append([]error{}, e.causes...), errs...),
		statuscode: e.statuscode,
	}
}

func (e *appError) Err(errs ...error) Error {
	return e.MsgErr(e.msg, errs...)
}

// SetStatusCode returns a copy carrying code. The copy keeps the receiver's
// base, so it still matches the receiver's ancestors but not the receiver.
func (e *appError) SetStatusCode(code int) Error {
	cp := *e
	cp.statuscode = code
	return &cp
}

func (e *appError) StatusCode() int {
	return e.statuscode
}

// Is reports whether target is e itself, its base chain, or any attached cause.
func (e *appError) Is(target error) bool {
	if target == nil {
		return false
	}
	if t, ok := target.(*appError); ok && t == e {
		return true
	}
	if e.base != nil && errors.Is(e.base, target) {
		return true
	}
	for _, err := range e.causes {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// New creates a root-level Error with the given message.
func New(msg string) Error {
	return &appError{msg: msg}
}

// StatusCode returns the status code of the first Error found in err's chain.
func StatusCode(err error) int {
	var ae Error
	if errors.As(err, &ae) {
		return ae.StatusCode()
	}
	return 0
}
