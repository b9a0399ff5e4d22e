// Package errors contains the domain errors raised while submitting a model
// to the conversion service and tracking the resulting job. Transport and
// handler layers inspect them with errors.Is / errors.As to decide status
// codes and retry policies. This is implemented as a separate package in
// order to avoid cycle import errors.
package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/instill-ai/model-derivative-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// The following errors serve as domain errors that can be used by the
// different layers.
var (
	// ErrInvalidArgument is used when the provided argument is incorrect (e.g.
	// file extension, target format). It is the shared sentinel so the
	// transport layer maps it like any other invalid argument.
	ErrInvalidArgument = errorsx.ErrInvalidArgument
	// ErrNotFound is used when a resource doesn't exist.
	ErrNotFound = errorsx.ErrNotFound
	// ErrRunAlreadyStarted is returned when Start is called on a pipeline run
	// that has left the idle stage. It is a caller contract violation and
	// must not be retried.
	ErrRunAlreadyStarted = fmt.Errorf("pipeline run already started")
	// ErrSessionFinished is returned when an operation requires a conversion
	// session that is still running.
	ErrSessionFinished = fmt.Errorf("conversion session already finished")
)

// Kind classifies the failure of a remote operation.
type Kind string

const (
	// KindUnauthorized means the credential was rejected.
	KindUnauthorized Kind = "unauthorized"
	// KindConflict means the resource exists in a state that prevents the
	// operation.
	KindConflict Kind = "conflict"
	// KindTransport covers unreachable endpoints, timeouts and unexpected
	// responses.
	KindTransport Kind = "transport"
	// KindUnsupportedFormat means the model or the requested output can't
	// be converted.
	KindUnsupportedFormat Kind = "unsupported_format"
	// KindNotFound means the job manifest doesn't exist (yet).
	KindNotFound Kind = "not_found"
)

// AuthError is returned by the credential provider.
type AuthError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("authenticating: %s", e.cause())
	}
	return fmt.Sprintf("authenticating: status %d: %s", e.StatusCode, e.cause())
}

func (e *AuthError) cause() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown error"
}

func (e *AuthError) Unwrap() error { return e.Err }

// StoreError is returned by the object store client.
type StoreError struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *StoreError) Error() string {
	return formatRemote("object store", e.Kind, e.StatusCode, e.Message, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is matches another *StoreError with the same kind. A target without kind
// matches any store error.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	return ok && (t.Kind == "" || t.Kind == e.Kind)
}

// SubmitError is returned by the job submitter.
type SubmitError struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmitError) Error() string {
	return formatRemote("job submission", e.Kind, e.StatusCode, e.Message, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Is matches another *SubmitError with the same kind.
func (e *SubmitError) Is(target error) bool {
	t, ok := target.(*SubmitError)
	return ok && (t.Kind == "" || t.Kind == e.Kind)
}

// PollError is returned by the status poller. It reports a failed poll
// attempt, not a failed job.
type PollError struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *PollError) Error() string {
	return formatRemote("status poll", e.Kind, e.StatusCode, e.Message, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// Is matches another *PollError with the same kind.
func (e *PollError) Is(target error) bool {
	t, ok := target.(*PollError)
	return ok && (t.Kind == "" || t.Kind == e.Kind)
}

// ConversionFailed is reported when the conversion service marks the job as
// failed.
type ConversionFailed struct {
	URN      types.URNType
	Messages []types.DiagnosticMessage
}

func (e *ConversionFailed) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("conversion of %s failed", e.URN)
	}

	texts := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		texts = append(texts, m.Message)
	}
	return fmt.Sprintf("conversion of %s failed: %s", e.URN, strings.Join(texts, "; "))
}

func formatRemote(op string, kind Kind, status int, msg string, err error) string {
	var b strings.Builder
	b.WriteString(op)
	if kind != "" {
		b.WriteString(" ")
		b.WriteString(string(kind))
	}
	if status != 0 {
		fmt.Fprintf(&b, " (status %d)", status)
	}
	switch {
	case msg != "":
		b.WriteString(": ")
		b.WriteString(msg)
	case err != nil:
		b.WriteString(": ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// KindOf returns the kind of a remote error in the chain, or an empty kind.
func KindOf(err error) Kind {
	var (
		se *StoreError
		be *SubmitError
		pe *PollError
	)
	switch {
	case errors.As(err, &se):
		return se.Kind
	case errors.As(err, &be):
		return be.Kind
	case errors.As(err, &pe):
		return pe.Kind
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return KindUnauthorized
	}
	return ""
}

// UserMessage renders a human-readable message for err, suitable for the
// progress panels of a client.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		ae *AuthError
		cf *ConversionFailed
	)
	switch {
	case errors.As(err, &ae):
		return "Unable to authenticate with the conversion service. Please check the client credentials."
	case errors.As(err, &cf):
		if len(cf.Messages) > 0 {
			return "The conversion service could not convert the model: " + cf.Messages[0].Message
		}
		return "The conversion service could not convert the model."
	case errors.Is(err, ErrRunAlreadyStarted):
		return "The conversion has already been started."
	}

	switch KindOf(err) {
	case KindUnauthorized:
		return "The conversion service rejected the credentials. Please try again."
	case KindConflict:
		return "The storage bucket belongs to another application. Please use a different partition."
	case KindUnsupportedFormat:
		return "This file format can't be converted."
	case KindNotFound:
		return "The conversion job could not be found."
	case KindTransport:
		return "The conversion service is unreachable. Please try again later."
	}
	return err.Error()
}
