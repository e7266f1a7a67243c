// Package errs classifies pipeline failures so the worker can decide between
// retrying, degrading and failing a job.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindCapabilityTimeout Kind = "capability_timeout"
	KindCapability        Kind = "capability"
	KindTranscoding       Kind = "transcoding"
	KindStorage           Kind = "storage"
	KindSignature         Kind = "signature"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Validation(op, format string, args ...interface{}) error {
	return newf(KindValidation, op, format, args...)
}

func Timeout(op string, attempts int) error {
	return newf(KindCapabilityTimeout, op, "no result after %d attempts", attempts)
}

func Capability(op string, err error) error {
	return &Error{Kind: KindCapability, Op: op, Err: err}
}

func Transcoding(op string, err error) error {
	return &Error{Kind: KindTranscoding, Op: op, Err: err}
}

func Storage(op string, err error) error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

func Signature(op, format string, args ...interface{}) error {
	return newf(KindSignature, op, format, args...)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Retryable reports whether the queue should try the job again.
func Retryable(err error) bool {
	return err != nil && !Is(err, KindValidation) && !Is(err, KindSignature)
}

// StageError attributes a failure to the pipeline stage in which it happened.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func AtStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

var publicMessages = map[Kind]string{
	KindValidation:        "invalid input",
	KindCapabilityTimeout: "external service timed out",
	KindCapability:        "external service failed",
	KindTranscoding:       "video rendering failed",
	KindStorage:           "storage unavailable",
	KindSignature:         "invalid signature",
}

// Public renders the short message persisted on a failed job. Validation
// errors keep their detail since it is caller input; other kinds only expose
// the stage and category.
func Public(err error) string {
	if err == nil {
		return ""
	}
	msg := "internal error"
	if kind, ok := KindOf(err); ok {
		msg = publicMessages[kind]
		if kind == KindValidation {
			var e *Error
			errors.As(err, &e)
			if e.Err != nil {
				msg = e.Err.Error()
			}
		}
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage + ": " + msg
	}
	return msg
}
