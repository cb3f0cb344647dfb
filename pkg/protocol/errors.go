package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for decode failures.
var (
	ErrMalformed    = errors.New("malformed message")
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing required field")
	ErrInvalidField = errors.New("invalid field value")
	ErrWrongChannel = errors.New("message type not accepted on this channel")
)

// ProtocolError describes why an inbound message was rejected.
type ProtocolError struct {
	Type  MessageType
	Field string
	Err   error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Type != "" && e.Field != "":
		return fmt.Sprintf("protocol: %s.%s: %v", e.Type, e.Field, e.Err)
	case e.Type != "":
		return fmt.Sprintf("protocol: %s: %v", e.Type, e.Err)
	case e.Field != "":
		return fmt.Sprintf("protocol: %s: %v", e.Field, e.Err)
	default:
		return fmt.Sprintf("protocol: %v", e.Err)
	}
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsUnknownType reports whether err was caused by an unrecognized type.
func IsUnknownType(err error) bool {
	return errors.Is(err, ErrUnknownType)
}

func missing(t MessageType, field string) error {
	return &ProtocolError{Type: t, Field: field, Err: ErrMissingField}
}

func invalid(t MessageType, field string, format string, args ...any) error {
	return &ProtocolError{Type: t, Field: field, Err: fmt.Errorf("%w: %s", ErrInvalidField, fmt.Sprintf(format, args...))}
}
