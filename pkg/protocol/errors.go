package protocol

import (
	"errors"
	"fmt"
)

// Management error codes carried in failure responses.
const (
	ErrCodeOK                 uint16 = 0x0000 // Success / no error
	ErrCodeUnknown            uint16 = 0x0001 // Unspecified error
	ErrCodeTimeout            uint16 = 0x0002 // Request timed out
	ErrCodeInternal           uint16 = 0x0003 // Handler failed
	ErrCodeInvalidRequest     uint16 = 0x0004 // Malformed request envelope
	ErrCodeUnknownOperation   uint16 = 0x0005 // No handler for opcode
	ErrCodeNoBatchIDManager   uint16 = 0x0006 // Batch id operation without a manager
	ErrCodeUnknownBatchID     uint16 = 0x0007 // Batch id not outstanding
	ErrCodeProtocol           uint16 = 0x0008 // Header tag mismatch in a payload
	ErrCodeOverloaded         uint16 = 0x0009 // Receiver at its concurrency limit
	ErrCodeUnsupportedVersion uint16 = 0x000A // Protocol version not understood
	ErrCodeChannelClosed      uint16 = 0x000B // Receiver channel shutting down
)

// ErrCodeNames maps error codes to identifiers for logging.
var ErrCodeNames = map[uint16]string{
	ErrCodeOK:                 "OK",
	ErrCodeUnknown:            "UNKNOWN",
	ErrCodeTimeout:            "TIMEOUT",
	ErrCodeInternal:           "INTERNAL_ERROR",
	ErrCodeInvalidRequest:     "INVALID_REQUEST",
	ErrCodeUnknownOperation:   "UNKNOWN_OPERATION",
	ErrCodeNoBatchIDManager:   "NO_BATCH_ID_MANAGER",
	ErrCodeUnknownBatchID:     "UNKNOWN_BATCH_ID",
	ErrCodeProtocol:           "PROTOCOL_ERROR",
	ErrCodeOverloaded:         "OVERLOADED",
	ErrCodeUnsupportedVersion: "UNSUPPORTED_VERSION",
	ErrCodeChannelClosed:      "CHANNEL_CLOSED",
}

var (
	// ErrHeaderMismatch is returned by ExpectHeader when the tag read does not
	// match the tag expected.
	ErrHeaderMismatch = errors.New("mgmt protocol: unexpected header")
	// ErrUnknownOperation is returned when no handler exists for an opcode.
	ErrUnknownOperation = errors.New("mgmt protocol: unknown operation")
	// ErrUnsupportedVersion is returned for requests with a version this side
	// cannot serve.
	ErrUnsupportedVersion = errors.New("mgmt protocol: unsupported protocol version")
	// ErrOverloaded is returned when the receiver refused a request because
	// too many were already running.
	ErrOverloaded = errors.New("mgmt protocol: receiver overloaded")
)

// codeSentinels lets RemoteError match the local sentinels for the codes
// that have one. Batch id codes are matched by package batch.
var codeSentinels = map[uint16]error{
	ErrCodeProtocol:           ErrHeaderMismatch,
	ErrCodeUnknownOperation:   ErrUnknownOperation,
	ErrCodeUnsupportedVersion: ErrUnsupportedVersion,
	ErrCodeOverloaded:         ErrOverloaded,
}

// RemoteError is a failure reported by the peer for one request. It means the
// operation itself failed, not the channel.
type RemoteError struct {
	Code    uint16
	Message string
}

func (e *RemoteError) Error() string {
	name, ok := ErrCodeNames[e.Code]
	if !ok {
		name = fmt.Sprintf("0x%04x", e.Code)
	}
	if e.Message == "" {
		return "mgmt remote error: " + name
	}
	return fmt.Sprintf("mgmt remote error: %s: %s", name, e.Message)
}

// Is matches a RemoteError against another RemoteError with the same code, or
// against the local sentinel registered for its code.
func (e *RemoteError) Is(target error) bool {
	if t, ok := target.(*RemoteError); ok {
		return t.Code == e.Code
	}
	if s, ok := codeSentinels[e.Code]; ok {
		return s == target
	}
	return false
}

// CodedError lets handler errors choose the code of their failure response.
type CodedError interface {
	error
	ErrorCode() uint16
}

// ToRemoteError converts a handler-side error into the failure sent back to
// the requester.
func ToRemoteError(err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	var ce CodedError
	if errors.As(err, &ce) {
		return &RemoteError{Code: ce.ErrorCode(), Message: err.Error()}
	}
	code := ErrCodeInternal
	switch {
	case errors.Is(err, ErrHeaderMismatch):
		code = ErrCodeProtocol
	case errors.Is(err, ErrUnknownOperation):
		code = ErrCodeUnknownOperation
	case errors.Is(err, ErrUnsupportedVersion):
		code = ErrCodeUnsupportedVersion
	}
	return &RemoteError{Code: code, Message: err.Error()}
}
