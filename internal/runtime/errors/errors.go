package errors

import (
	sterrors "errors"
	"fmt"
	"reflect"
)

var (
	// ErrSetup is matched by every *SetupError through errors.Is.
	ErrSetup = sterrors.New("streamflow: setup error")

	// ErrAck is the sentinel behind AckMessage.
	ErrAck = sterrors.New("streamflow: acknowledge message")
	// ErrNack is the sentinel behind NackMessage.
	ErrNack = sterrors.New("streamflow: reject message")

	ErrRPCTimeout   = sterrors.New("streamflow: rpc reply timed out")
	ErrNotStarted   = sterrors.New("streamflow: broker is not started")
	ErrBrokerClosed = sterrors.New("streamflow: broker is closed")

	ErrBrokerRequired = sterrors.New("streamflow: broker is required")
	ErrConfigRequired = sterrors.New("streamflow: configuration is required")
)

// Setup errors are raised synchronously at declaration or call time and are never retried.
var (
	ErrRPCWithReplyTo      = NewSetupError("rpc mode cannot be combined with an explicit reply-to")
	ErrDestinationRequired = NewSetupError("destination is required")
	ErrAlreadyStarted      = NewSetupError("broker already started")
	ErrHandlerRequired     = NewSetupError("handler function is required")
	ErrSourceRequired      = NewSetupError("subscriber source is required")
	ErrBrokerStarted       = NewSetupError("declarations cannot change after the broker started")
	ErrDetached            = NewSetupError("publisher is not attached to a broker")
	ErrRouterIncluded      = NewSetupError("router was already included")
)

// SetupError reports an invalid combination of options.
type SetupError struct {
	Reason string
}

// NewSetupError builds a SetupError with the supplied reason.
func NewSetupError(reason string) *SetupError {
	return &SetupError{Reason: reason}
}

func (e *SetupError) Error() string {
	return "streamflow: " + e.Reason
}

// Is matches ErrSetup so callers can test the category without knowing the reason.
func (e *SetupError) Is(target error) bool {
	return target == ErrSetup
}

// DecodeError reports a body that does not satisfy the declared contract.
type DecodeError struct {
	ContentType string
	Target      string
	Err         error
}

// NewDecodeError wraps err. target may be nil when decoding into a generic value.
func NewDecodeError(contentType string, target any, err error) *DecodeError {
	name := "any"
	if target != nil {
		name = reflect.TypeOf(target).String()
	}
	return &DecodeError{ContentType: contentType, Target: name, Err: err}
}

func (e *DecodeError) Error() string {
	ct := e.ContentType
	if ct == "" {
		ct = "unknown content type"
	}
	return fmt.Sprintf("streamflow: decode %s into %s: %v", ct, e.Target, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeError reports a value or header that has no encoding strategy.
type EncodeError struct {
	Value string
	Err   error
}

// NewEncodeError wraps err for the value v.
func NewEncodeError(v any, err error) *EncodeError {
	name := "nil"
	if v != nil {
		name = reflect.TypeOf(v).String()
	}
	return &EncodeError{Value: name, Err: err}
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("streamflow: encode %s: %v", e.Value, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// AckSignal is returned by handlers to force the acknowledge decision.
type AckSignal struct {
	Ack   bool
	Cause error
}

// AckMessage makes the subscriber acknowledge the message even though the handler returned an error.
func AckMessage(cause error) *AckSignal {
	return &AckSignal{Ack: true, Cause: cause}
}

// NackMessage makes the subscriber reject the message.
func NackMessage(cause error) *AckSignal {
	return &AckSignal{Ack: false, Cause: cause}
}

func (e *AckSignal) Error() string {
	verb := "nack"
	if e.Ack {
		verb = "ack"
	}
	if e.Cause != nil {
		return fmt.Sprintf("streamflow: %s message: %v", verb, e.Cause)
	}
	return "streamflow: " + verb + " message"
}

func (e *AckSignal) Unwrap() error {
	return e.Cause
}

func (e *AckSignal) Is(target error) bool {
	if e.Ack {
		return target == ErrAck
	}
	return target == ErrNack
}

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

func (e ConfigValidationError) Error() string {
	return "streamflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// IsControlSignal reports whether err carries an ack override.
func IsControlSignal(err error) bool {
	var sig *AckSignal
	return sterrors.As(err, &sig)
}

// IsPermanent reports errors that retrying cannot fix.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if IsControlSignal(err) || sterrors.Is(err, ErrSetup) {
		return true
	}
	var decodeErr *DecodeError
	if sterrors.As(err, &decodeErr) {
		return true
	}
	var encodeErr *EncodeError
	return sterrors.As(err, &encodeErr)
}
