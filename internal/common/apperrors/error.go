// Package apperrors provides the chained error type used across the console.
// An Error carries a message, an optional HTTP status code and a base error so
// that errors derived from a sentinel still satisfy errors.Is against it.
package apperrors

// Error defines the interface for application errors. All builder methods
// return a new Error and leave the receiver untouched, so sentinels can be
// shared between goroutines.
type Error interface {
	error
	Unwrap() error // support for errors.Is / errors.As

	New(msg string) Error                  // derives a new error using current as base
	Msg(msg string) Error                  // replaces the message, keeps current in the chain
	MsgErr(msg string, err ...error) Error // replaces the message and attaches causes
	Err(err ...error) Error                // attaches causes, keeps the message
	SetStatusCode(int) Error               // sets the HTTP status code
	StatusCode() int                       // returns the HTTP status code, 0 if unset
	ErrorAll() string                      // message followed by every attached cause
	UnwrapAll() []error                    // attached causes in order
}
