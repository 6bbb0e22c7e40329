// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"fmt"

	"github.com/cask-foundation/cask/lib/wire"
)

// RemoteError is a failure reported by the daemon over the event
// stream. The daemon itself is still healthy after sending one, so a
// connection that surfaced a RemoteError cleanly is returned to the
// pool; only an abort mid-operation (a framed upload cut short)
// poisons it.
type RemoteError struct {
	Record *wire.ErrorRecord
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Record.Message
}

// TransportError is a failure of the underlying byte stream. It
// always poisons the connection that produced it.
type TransportError struct {
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrProtocolMismatch is returned when the daemon's greeting or
// version word is unacceptable: wrong magic, different protocol
// major, or a minor below the supported minimum.
var ErrProtocolMismatch = errors.New("store: protocol mismatch")

// ErrUnsupported is returned when the negotiated daemon version lacks
// an operation or argument shape. It does not poison the connection.
var ErrUnsupported = errors.New("store: not supported by daemon version")

// unsupportedf wraps ErrUnsupported with detail.
func unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

// MissingRealisationError is returned by the compatibility path of
// BuildPathsWithResults when a built output has no realisation.
type MissingRealisationError struct {
	ID DrvOutput
}

func (e *MissingRealisationError) Error() string {
	return fmt.Sprintf("store: cannot operate on output %q of the unbuilt derivation with hash %q",
		e.ID.OutputName, e.ID.DrvHash)
}
