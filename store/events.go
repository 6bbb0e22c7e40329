// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"io"
	"strings"

	"github.com/cask-foundation/cask/lib/wire"
)

// maxReadChunk caps one reply to a daemon READ request. The daemon
// asks for what its own parser needs next, which is always far below
// this; the cap only bounds the allocation against a corrupt length.
const maxReadChunk = 1 << 20

// drainEvents consumes the interleaved event stream until the daemon
// signals the end (LAST) or reports an error. Log and progress events
// are forwarded to the connection's Logger; WRITE events stream into
// sink; READ events pull from source.
//
// A daemon-reported error is returned as the first value, NOT as an
// error: the caller decides when to surface it, after its own cleanup
// (joining a framed-upload sibling, releasing the handle). The error
// return is reserved for protocol violations and transport failures,
// both of which poison the connection before returning.
func (c *Connection) drainEvents(sink io.Writer, source io.Reader, flush bool) (*wire.ErrorRecord, error) {
	if flush {
		if err := c.flush(); err != nil {
			c.markBad()
			return nil, err
		}
	}

	for {
		tag, err := wire.ReadUint64(c.from)
		if err != nil {
			c.markBad()
			return nil, err
		}

		switch tag {
		case stderrWrite:
			data, err := wire.ReadBytes(c.from)
			if err != nil {
				c.markBad()
				return nil, err
			}
			if sink == nil {
				c.markBad()
				return nil, wire.Errorf("daemon sent data but the operation supplies no sink")
			}
			if _, err := sink.Write(data); err != nil {
				c.markBad()
				return nil, err
			}

		case stderrRead:
			if source == nil {
				c.markBad()
				return nil, wire.Errorf("daemon requested data but the operation supplies no source")
			}
			if err := c.serveRead(source); err != nil {
				c.markBad()
				return nil, err
			}

		case stderrError:
			record, err := c.readErrorEvent()
			if err != nil {
				c.markBad()
				return nil, err
			}
			return record, nil

		case stderrNext:
			line, err := wire.ReadString(c.from)
			if err != nil {
				c.markBad()
				return nil, err
			}
			c.logger.PrintError(strings.TrimRight(line, "\n"))

		case stderrStartActivity:
			if err := c.readStartActivity(); err != nil {
				c.markBad()
				return nil, err
			}

		case stderrStopActivity:
			id, err := wire.ReadUint64(c.from)
			if err != nil {
				c.markBad()
				return nil, err
			}
			c.logger.StopActivity(ActivityID(id))

		case stderrResult:
			if err := c.readActivityResult(); err != nil {
				c.markBad()
				return nil, err
			}

		case stderrLast:
			return nil, nil

		default:
			c.markBad()
			return nil, wire.Errorf("unknown event tag %#x from daemon", tag)
		}
	}
}

// serveRead answers one READ event: the daemon names how many bytes
// it wants and the client replies with a single length-prefixed chunk
// of at most that many bytes from the operation's source.
func (c *Connection) serveRead(source io.Reader) error {
	want, err := wire.ReadUint64(c.from)
	if err != nil {
		return err
	}
	if want > maxReadChunk {
		want = maxReadChunk
	}
	buf := make([]byte, want)
	n, readErr := source.Read(buf)
	if n == 0 && readErr != nil {
		if readErr == io.EOF {
			return &TransportError{Reason: "upload source exhausted before the daemon finished reading"}
		}
		return readErr
	}
	if err := wire.WriteBytes(c.to, buf[:n]); err != nil {
		return err
	}
	return c.flush()
}

func (c *Connection) readErrorEvent() (*wire.ErrorRecord, error) {
	if protocolMinor(c.version) >= 26 {
		return wire.ReadErrorRecord(c.from)
	}
	return wire.ReadLegacyError(c.from)
}

func (c *Connection) readStartActivity() error {
	id, err := wire.ReadUint64(c.from)
	if err != nil {
		return err
	}
	level, err := wire.ReadUint64(c.from)
	if err != nil {
		return err
	}
	activityType, err := wire.ReadUint64(c.from)
	if err != nil {
		return err
	}
	text, err := wire.ReadString(c.from)
	if err != nil {
		return err
	}
	fields, err := readFields(c.from)
	if err != nil {
		return err
	}
	parent, err := wire.ReadUint64(c.from)
	if err != nil {
		return err
	}
	c.logger.StartActivity(ActivityID(id), level, activityType, text, fields, ActivityID(parent))
	return nil
}

func (c *Connection) readActivityResult() error {
	id, err := wire.ReadUint64(c.from)
	if err != nil {
		return err
	}
	resultType, err := wire.ReadUint64(c.from)
	if err != nil {
		return err
	}
	fields, err := readFields(c.from)
	if err != nil {
		return err
	}
	c.logger.Result(ActivityID(id), resultType, fields)
	return nil
}

// Field type tags on the wire.
const (
	fieldInt    = 0
	fieldString = 1
)

func readFields(r io.Reader) ([]Field, error) {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if count > wire.MaxCollectionLength {
		return nil, wire.Errorf("field list length %d exceeds maximum", count)
	}
	fields := make([]Field, 0, count)
	for i := uint64(0); i < count; i++ {
		kind, err := wire.ReadUint64(r)
		if err != nil {
			return nil, err
		}
		switch kind {
		case fieldInt:
			num, err := wire.ReadUint64(r)
			if err != nil {
				return nil, err
			}
			fields = append(fields, Field{Num: num})
		case fieldString:
			text, err := wire.ReadString(r)
			if err != nil {
				return nil, err
			}
			fields = append(fields, Field{Text: text, IsText: true})
		default:
			return nil, wire.Errorf("unsupported field type %#x from daemon", kind)
		}
	}
	return fields, nil
}
