// Package gwerrors declares the gateway's error taxonomy: sentinel
// categories wrapped with fmt.Errorf("...: %w", ...) so callers can
// classify failures with errors.Is without parsing message text.
//
// Propagation policy mirrors the reference gateway: ConfigError aborts
// startup; SpecError, TransientIO, ProtocolError and ValidationError are
// logged and the current cycle/frame/write is abandoned without killing
// the worker; Unrecoverable causes the worker (and ultimately the
// process) to exit non-zero so an external supervisor restarts it.
package gwerrors

import "errors"

// Category sentinels. Wrap with fmt.Errorf("%w: detail", CategoryX).
var (
	// ErrConfig marks a missing or malformed configuration file or section.
	ErrConfig = errors.New("config error")

	// ErrSpec marks a protocol specification file that is missing or
	// unparsable. The loader continues with whatever it managed to parse.
	ErrSpec = errors.New("protocol spec error")

	// ErrTransientIO marks a recoverable I/O failure: timeout, EAGAIN,
	// serial framing mismatch. Handled by adaptive delay + bounded retry.
	ErrTransientIO = errors.New("transient I/O error")

	// ErrProtocol marks a framing/checksum/illegal-return-code failure in
	// a non-Modbus wire protocol. The offending frame is discarded.
	ErrProtocol = errors.New("protocol error")

	// ErrValidation marks a write request rejected because the current or
	// requested value falls outside an entry's validation domain.
	ErrValidation = errors.New("validation error")

	// ErrUnrecoverable marks exhaustion of a reconnection budget or
	// watchdog expiry; the owning worker must exit non-zero.
	ErrUnrecoverable = errors.New("unrecoverable error")
)

// Is reports whether err belongs to category cat, following wrapped
// errors the same way errors.Is does.
func Is(err, cat error) bool {
	return errors.Is(err, cat)
}
