// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package framed implements the length-prefixed framing used for bulk
// payloads on the daemon connection. A framed stream is a sequence of
// frames, each a 64-bit little-endian length word followed by that
// many bytes, terminated by a zero-length frame. There is no padding
// between frames.
//
// The Writer supports out-of-band cancellation: a sibling goroutine
// draining the connection's event stream can record a remote error,
// and the producer observes it on the next frame boundary and stops
// without emitting the terminator. A stream that ends without its
// terminator tells the daemon the upload was aborted.
package framed

import (
	"errors"
	"io"

	"github.com/cask-foundation/cask/lib/wire"
)

// DefaultFrameSize is the target payload size of a full frame. Small
// enough to keep the sibling event reader responsive to mid-stream
// errors, large enough that the length words are noise.
const DefaultFrameSize = 64 * 1024

// ErrAborted is returned by Writer methods after the cancellation
// check reported an error. The original cause is wrapped.
var ErrAborted = errors.New("framed stream aborted")

// Writer frames a byte stream onto an underlying writer. Buffered
// bytes are emitted as a frame when the buffer fills, on Flush, and
// on Close. Close also writes the terminating zero-length frame;
// a Writer abandoned without Close leaves the stream unterminated.
//
// Writer is not safe for concurrent use.
type Writer struct {
	w      io.Writer
	check  func() error
	buf    []byte
	failed error
	closed bool
}

// NewWriter returns a Writer emitting frames to w. If check is
// non-nil it is consulted before every frame hits the wire; a non-nil
// result aborts the stream. This is how a remote error observed by
// the event-draining goroutine reaches the producer.
func NewWriter(w io.Writer, check func() error) *Writer {
	return &Writer{
		w:     w,
		check: check,
		buf:   make([]byte, 0, DefaultFrameSize),
	}
}

// Write buffers p, emitting full frames as the buffer fills.
func (fw *Writer) Write(p []byte) (int, error) {
	if fw.failed != nil {
		return 0, fw.failed
	}
	if fw.closed {
		return 0, errors.New("framed: write after close")
	}
	total := len(p)
	for len(p) > 0 {
		room := cap(fw.buf) - len(fw.buf)
		if room == 0 {
			if err := fw.emit(); err != nil {
				return 0, err
			}
			room = cap(fw.buf)
		}
		n := min(room, len(p))
		fw.buf = append(fw.buf, p[:n]...)
		p = p[n:]
	}
	return total, nil
}

// Flush emits any buffered bytes as a frame. Flushing between frames
// is permitted by the protocol but never required.
func (fw *Writer) Flush() error {
	if fw.failed != nil {
		return fw.failed
	}
	if len(fw.buf) == 0 {
		return nil
	}
	return fw.emit()
}

// Close flushes the buffer and writes the terminating zero-length
// frame. After a failed or aborted stream Close returns the recorded
// error and does NOT terminate the stream.
func (fw *Writer) Close() error {
	if fw.failed != nil {
		return fw.failed
	}
	if fw.closed {
		return nil
	}
	if len(fw.buf) > 0 {
		if err := fw.emit(); err != nil {
			return err
		}
	}
	if err := fw.checkAbort(); err != nil {
		return err
	}
	if err := wire.WriteUint64(fw.w, 0); err != nil {
		fw.failed = err
		return err
	}
	fw.closed = true
	return nil
}

func (fw *Writer) emit() error {
	if err := fw.checkAbort(); err != nil {
		return err
	}
	if err := wire.WriteUint64(fw.w, uint64(len(fw.buf))); err != nil {
		fw.failed = err
		return err
	}
	if _, err := fw.w.Write(fw.buf); err != nil {
		fw.failed = err
		return err
	}
	fw.buf = fw.buf[:0]
	return nil
}

func (fw *Writer) checkAbort() error {
	if fw.check == nil {
		return nil
	}
	if err := fw.check(); err != nil {
		fw.failed = errors.Join(ErrAborted, err)
		return fw.failed
	}
	return nil
}

// Reader consumes a framed stream from an underlying reader. Read
// returns io.EOF once the zero-length terminator has been consumed.
//
// Reader is not safe for concurrent use.
type Reader struct {
	r         io.Reader
	remaining uint64
	eof       bool
}

// NewReader returns a Reader over a framed stream on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (fr *Reader) Read(p []byte) (int, error) {
	if fr.eof {
		return 0, io.EOF
	}
	for fr.remaining == 0 {
		n, err := wire.ReadUint64(fr.r)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			fr.eof = true
			return 0, io.EOF
		}
		fr.remaining = n
	}
	if uint64(len(p)) > fr.remaining {
		p = p[:fr.remaining]
	}
	n, err := io.ReadFull(fr.r, p)
	fr.remaining -= uint64(n)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = wire.Errorf("framed stream truncated mid-frame")
	}
	return n, err
}
