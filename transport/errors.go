package transport

import "fmt"

// ErrorCode is a QUIC transport error code, carried by CONNECTION_CLOSE
// frames and by Error values raised inside the core.
//
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#name-error-codes
type ErrorCode uint64

// Transport error codes.
const (
	NoError                ErrorCode = 0x0
	InternalError          ErrorCode = 0x1
	ServerBusy             ErrorCode = 0x2
	FlowControlError       ErrorCode = 0x3
	StreamLimitError       ErrorCode = 0x4
	StreamStateError       ErrorCode = 0x5
	FinalSizeError         ErrorCode = 0x6
	FrameEncodingError     ErrorCode = 0x7
	TransportParameterError ErrorCode = 0x8
	ProtocolViolation      ErrorCode = 0xa
	InvalidMigration       ErrorCode = 0xc
	CryptoBufferExceeded   ErrorCode = 0xd
	// CryptoError is the base of the range [0x100, 0x1ff] reserved for
	// TLS alerts: CryptoError + alert_description.
	CryptoError ErrorCode = 0x100
)

func (c ErrorCode) String() string {
	switch {
	case c >= CryptoError && c < CryptoError+0x100:
		return fmt.Sprintf("crypto_error_%d", c-CryptoError)
	}
	switch c {
	case NoError:
		return "no_error"
	case InternalError:
		return "internal_error"
	case ServerBusy:
		return "server_busy"
	case FlowControlError:
		return "flow_control_error"
	case StreamLimitError:
		return "stream_limit_error"
	case StreamStateError:
		return "stream_state_error"
	case FinalSizeError:
		return "final_size_error"
	case FrameEncodingError:
		return "frame_encoding_error"
	case TransportParameterError:
		return "transport_parameter_error"
	case ProtocolViolation:
		return "protocol_violation"
	case InvalidMigration:
		return "invalid_migration"
	case CryptoBufferExceeded:
		return "crypto_buffer_exceeded"
	default:
		return fmt.Sprintf("error_0x%x", uint64(c))
	}
}

// errorCodeString renders an error code the way qlog/log lines expect it.
func errorCodeString(code uint64) string {
	return ErrorCode(code).String()
}

// Error is the single error type that crosses the core's public API. It
// always carries a transport error code so callers (and the connection's
// own close() path) can turn it directly into a CONNECTION_CLOSE frame.
type Error struct {
	Code    ErrorCode
	Message string
}

func newError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// cryptoAlertError maps a TLS alert to the CryptoError transport code per
// spec.md §7.
func cryptoAlertError(alert uint8) *Error {
	return newError(CryptoError+ErrorCode(alert), "tls alert")
}

// Buffer read/write sentinels (spec.md §4.1): distinct from protocol errors,
// these are always recoverable by the caller (drop the packet, stop
// encoding) and never on their own close a connection.
var (
	errBufferReadOverflow  = fmt.Errorf("quic: buffer: read past end")
	errBufferWriteOverflow = fmt.Errorf("quic: buffer: write past capacity")
)

func sprint(args ...interface{}) string {
	return fmt.Sprint(args...)
}
