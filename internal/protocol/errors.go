package protocol

import "errors"

var (
	// ErrTimeout means no data arrived before the deadline.
	ErrTimeout = errors.New("timeout")
	// ErrChecksumMismatch means a frame failed its checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrMalformedFrame means wrong length or bad HEAD/TAIL.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnexpectedCommand means a well-formed frame carried the wrong command number.
	ErrUnexpectedCommand = errors.New("unexpected command number")
	// ErrInvalidParameter means a command argument is out of range.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrDesyncExceeded means the reader gave up resynchronizing.
	ErrDesyncExceeded = errors.New("resync attempts exceeded")
	// ErrNotAcknowledged means the sensor did not reply to a command in time.
	ErrNotAcknowledged = errors.New("command not acknowledged")
)

// IsFrameError reports whether err is a validation failure the reader
// recovers from by resynchronizing.
func IsFrameError(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrUnexpectedCommand)
}

// Reason returns a short label for a frame error, for metrics and logs.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, ErrMalformedFrame):
		return "malformed"
	case errors.Is(err, ErrUnexpectedCommand):
		return "command"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "other"
	}
}
