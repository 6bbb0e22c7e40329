// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/cask-foundation/cask/lib/framed"
	"github.com/cask-foundation/cask/lib/wire"
)

// handle is one checkout of a pooled connection. The operation body
// runs between getHandle and the deferred release; release decides
// between re-pooling and poisoning based on how the body ended.
type handle struct {
	store *Store
	conn  *Connection

	// daemonErr records that a daemon-reported error was surfaced
	// cleanly: the event stream was consumed to its end and the
	// connection is still in a usable state, so the failure must not
	// poison it.
	daemonErr bool
}

func (s *Store) getHandle(ctx context.Context) (*handle, error) {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	return &handle{store: s, conn: conn}, nil
}

// release returns the connection to the pool. Call it deferred with a
// pointer to the operation's named error result:
//
//	h, err := s.getHandle(ctx)
//	if err != nil {
//	    return err
//	}
//	defer h.release(&err)
//
// An operation that failed for any reason other than a cleanly
// surfaced daemon error leaves the connection in an unknown protocol
// state, so it is poisoned before the pool sees it.
func (h *handle) release(errp *error) {
	if *errp != nil && !h.daemonErr {
		h.conn.markBad()
		h.conn.log.Debug("closing daemon connection because of an error",
			"error", *errp)
	}
	h.store.pool.Put(h.conn)
}

// processStderr drains the event stream and converts a daemon error
// into a *RemoteError, marking it as cleanly surfaced.
func (h *handle) processStderr(sink io.Writer, source io.Reader, flush bool) error {
	record, err := h.conn.drainEvents(sink, source, flush)
	if err != nil {
		return err
	}
	if record != nil {
		h.daemonErr = true
		return &RemoteError{Record: record}
	}
	return nil
}

// drainOutcome is what the sibling event drainer hands back.
type drainOutcome struct {
	record *wire.ErrorRecord
	err    error
}

// withFramedSink runs fn with a framed writer over the connection
// while a sibling goroutine drains the event stream. The request
// header is flushed before the sibling starts so the daemon sees it
// first. If the daemon reports an error mid-stream the writer aborts
// on the next frame boundary without sending the terminator, and the
// error is returned once, after the sibling is joined.
//
// A remote error during a framed upload always poisons the
// connection: daemonErr is deliberately left unset so release drops
// it.
func (h *handle) withFramedSink(fn func(sink io.Writer) error) (err error) {
	if err := h.conn.flush(); err != nil {
		h.conn.markBad()
		return err
	}

	var remoteRecord atomic.Pointer[wire.ErrorRecord]
	outcome := make(chan drainOutcome, 1)
	go func() {
		record, err := h.conn.drainEvents(nil, nil, false)
		if record != nil {
			remoteRecord.Store(record)
		}
		outcome <- drainOutcome{record: record, err: err}
	}()

	check := func() error {
		if record := remoteRecord.Load(); record != nil {
			return &RemoteError{Record: record}
		}
		return nil
	}

	writer := framed.NewWriter(h.conn.to, check)
	err = fn(writer)
	if err == nil {
		err = writer.Close()
		if err == nil {
			err = h.conn.flush()
		}
	} else {
		// Terminate the stream anyway so the daemon stops reading
		// frames and ends the event stream; the local failure still
		// decides the outcome.
		if writer.Close() == nil {
			_ = h.conn.flush()
		}
	}

	drained := <-outcome

	switch {
	case drained.record != nil:
		// The daemon's verdict wins over the local abort it caused.
		if err == nil || errors.Is(err, framed.ErrAborted) {
			return &RemoteError{Record: drained.record}
		}
		return err
	case err != nil:
		return err
	case drained.err != nil:
		return drained.err
	default:
		return nil
	}
}
