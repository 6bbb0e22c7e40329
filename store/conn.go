// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cask-foundation/cask/lib/wire"
)

// disconnectedMessage is surfaced when the daemon closes the stream
// where the protocol promised more bytes.
const disconnectedMessage = "daemon disconnected unexpectedly (maybe it crashed?)"

// Connection is one negotiated daemon connection. It is held by at
// most one caller at a time, or parked idle in the pool. The only
// field touched from two goroutines is the bad flag: during a framed
// upload the producer writes while a sibling goroutine reads events,
// and either side may poison the connection.
type Connection struct {
	transport Transport
	from      *bufio.Reader
	to        *bufio.Writer

	// version is the daemon's protocol version word; the effective
	// version of everything on this connection.
	version uint64

	// daemonVersion is the daemon's self-reported release string,
	// known for minor >= 33.
	daemonVersion string

	// remoteTrustsUs is nil when the daemon predates the trust
	// handshake (minor < 35).
	remoteTrustsUs *TrustedFlag

	// startTime anchors the pool's age-based liveness predicate.
	startTime time.Time

	bad atomic.Bool

	logger Logger
	log    *slog.Logger
}

func newConnection(transport Transport, logger Logger, log *slog.Logger, now time.Time) *Connection {
	return &Connection{
		transport: transport,
		from:      bufio.NewReader(&eofTranslator{r: transport}),
		to:        bufio.NewWriter(transport),
		startTime: now,
		logger:    logger,
		log:       log,
	}
}

// eofTranslator rewrites a clean end-of-file from the transport into
// a disconnect error: at this layer EOF is never a valid outcome,
// only the daemon going away.
type eofTranslator struct {
	r io.Reader
}

func (t *eofTranslator) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err == io.EOF {
		err = &TransportError{Reason: disconnectedMessage, Err: io.EOF}
	}
	return n, err
}

// handshake performs the greeting exchange and version negotiation
// (steps 1–7 of the connect sequence) and drains the daemon's startup
// events. Any failure is wrapped with the store URI and must make the
// facade permanently failed.
func (c *Connection) handshake(uri string) error {
	if err := c.exchangeGreeting(); err != nil {
		return fmt.Errorf("cannot open connection to remote store '%s': %w", uri, err)
	}
	record, err := c.drainEvents(nil, nil, true)
	if err != nil {
		return fmt.Errorf("cannot open connection to remote store '%s': %w", uri, err)
	}
	if record != nil {
		return fmt.Errorf("cannot open connection to remote store '%s': %w", uri, &RemoteError{Record: record})
	}
	return nil
}

func (c *Connection) exchangeGreeting() error {
	if err := wire.WriteUint64(c.to, workerMagic1); err != nil {
		return err
	}
	if err := c.flush(); err != nil {
		return err
	}

	magic, err := wire.ReadUint64(c.from)
	if err != nil {
		return err
	}
	if magic != workerMagic2 {
		return fmt.Errorf("%w: bad greeting %#x from daemon", ErrProtocolMismatch, magic)
	}

	if c.version, err = wire.ReadUint64(c.from); err != nil {
		return err
	}
	if protocolMajor(c.version) != protocolMajor(protocolVersion) {
		return fmt.Errorf("%w: daemon speaks protocol %d.%d, client requires major %d",
			ErrProtocolMismatch, protocolMajor(c.version)>>8, protocolMinor(c.version),
			protocolMajor(protocolVersion)>>8)
	}
	if protocolMinor(c.version) < minSupportedMinor {
		return fmt.Errorf("%w: daemon protocol minor %d is below the supported minimum %d",
			ErrProtocolMismatch, protocolMinor(c.version), uint64(minSupportedMinor))
	}

	if err := wire.WriteUint64(c.to, protocolVersion); err != nil {
		return err
	}
	// Obsolete CPU affinity and reserve-space fields.
	if err := wire.WriteUint64(c.to, 0); err != nil {
		return err
	}
	if err := wire.WriteBool(c.to, false); err != nil {
		return err
	}

	if protocolMinor(c.version) >= 33 {
		if err := c.flush(); err != nil {
			return err
		}
		if c.daemonVersion, err = wire.ReadString(c.from); err != nil {
			return err
		}
	}
	if protocolMinor(c.version) >= 35 {
		if c.remoteTrustsUs, err = readOptTrustedFlag(c.from); err != nil {
			return err
		}
	}
	return nil
}

// setOptions pushes the client settings and drains the resulting
// events. Runs once after the handshake; callers can also trigger it
// explicitly to re-push changed settings.
func (c *Connection) setOptions(settings *Settings) error {
	if err := settings.writeOptions(c.to); err != nil {
		return err
	}
	record, err := c.drainEvents(nil, nil, true)
	if err != nil {
		return err
	}
	if record != nil {
		return &RemoteError{Record: record}
	}
	return nil
}

func (c *Connection) flush() error {
	return c.to.Flush()
}

// markBad poisons the connection: the pool drops it on release
// instead of re-parking it.
func (c *Connection) markBad() {
	c.bad.Store(true)
}

// Good reports whether the connection can still be trusted with a
// request: never poisoned and both transport halves healthy.
func (c *Connection) Good() bool {
	return !c.bad.Load() && c.transport.Good()
}

// Close flushes any buffered request bytes best-effort and closes the
// transport.
func (c *Connection) Close() error {
	if err := c.to.Flush(); err != nil {
		c.log.Debug("flush on connection close failed", "error", err)
	}
	return c.transport.Close()
}
