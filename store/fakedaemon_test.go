// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cask-foundation/cask/lib/wire"
)

// fakeDaemon speaks the server side of the worker protocol over an
// in-memory pipe. Each Dial spawns one serving goroutine running the
// handshake, the set-options exchange, and then the test-provided
// operation handler.
type fakeDaemon struct {
	t *testing.T

	// version is the protocol version word the daemon announces.
	version uint64

	// nixVersion is sent for minor >= 33.
	nixVersion string

	// trust is the optional trust word sent for minor >= 35:
	// 0 unknown, 1 trusted, 2 not trusted.
	trust uint64

	// greeting overrides the magic word sent back to the client.
	// Zero means the correct one.
	greeting uint64

	// handle serves one operation per call. Returning io.EOF stops
	// the serving loop silently; any other error is reported.
	handle func(d *daemonConn, op uint64) error

	// connections counts completed handshakes.
	connections atomic.Int64

	mu    sync.Mutex
	conns []net.Conn
}

func (d *fakeDaemon) dial(ctx context.Context) (Transport, error) {
	client, server := net.Pipe()
	d.mu.Lock()
	d.conns = append(d.conns, server)
	d.mu.Unlock()
	go d.serve(server)
	return &streamTransport{stream: client}, nil
}

func (d *fakeDaemon) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, conn := range d.conns {
		conn.Close()
	}
}

func (d *fakeDaemon) serve(conn net.Conn) {
	defer conn.Close()
	dc := &daemonConn{daemon: d, raw: conn}

	if !d.serveHandshake(dc) {
		return
	}
	d.connections.Add(1)

	for {
		op, err := wire.ReadUint64(dc.raw)
		if err != nil {
			return // client went away
		}
		if op == opSetOptions {
			if !d.serveSetOptions(dc) {
				return
			}
			continue
		}
		if d.handle == nil {
			d.t.Errorf("fake daemon: unexpected operation %d", op)
			return
		}
		if err := d.handle(dc, op); err != nil {
			if err != io.EOF {
				d.t.Errorf("fake daemon: operation %d: %v", op, err)
			}
			return
		}
		if dc.err != nil {
			d.t.Errorf("fake daemon: operation %d: %v", op, dc.err)
			return
		}
	}
}

func (d *fakeDaemon) serveHandshake(dc *daemonConn) bool {
	if magic := dc.word(); magic != workerMagic1 {
		if dc.err == nil {
			d.t.Errorf("fake daemon: bad client magic %#x", magic)
		}
		return false
	}

	greeting := d.greeting
	if greeting == 0 {
		greeting = workerMagic2
	}
	dc.writeWord(greeting)
	dc.writeWord(d.version)
	if dc.err != nil || greeting != workerMagic2 {
		return false
	}

	clientVersion := dc.word()
	if dc.err != nil {
		return false // client rejected the version and hung up
	}
	if clientVersion != protocolVersion {
		d.t.Errorf("fake daemon: client announced version %#x", clientVersion)
	}
	dc.word() // obsolete CPU affinity
	dc.word() // obsolete reserve-space

	if protocolMinor(d.version) >= 33 {
		dc.writeString(d.nixVersion)
	}
	if protocolMinor(d.version) >= 35 {
		dc.writeWord(d.trust)
	}
	dc.writeWord(stderrLast)
	return dc.err == nil
}

func (d *fakeDaemon) serveSetOptions(dc *daemonConn) bool {
	for range 12 {
		dc.word() // preamble fields
	}
	dc.stringMap() // overrides
	dc.writeWord(stderrLast)
	return dc.err == nil
}

// daemonConn wraps the server end of the pipe with sticky-error
// helpers so handlers read as scripts.
type daemonConn struct {
	daemon *fakeDaemon
	raw    net.Conn
	err    error
}

func (dc *daemonConn) word() uint64 {
	if dc.err != nil {
		return 0
	}
	v, err := wire.ReadUint64(dc.raw)
	dc.err = err
	return v
}

func (dc *daemonConn) str() string {
	if dc.err != nil {
		return ""
	}
	s, err := wire.ReadString(dc.raw)
	dc.err = err
	return s
}

func (dc *daemonConn) strs() []string {
	if dc.err != nil {
		return nil
	}
	elems, err := wire.ReadStrings(dc.raw)
	dc.err = err
	return elems
}

func (dc *daemonConn) stringMap() map[string]string {
	if dc.err != nil {
		return nil
	}
	m, err := wire.ReadStringMap(dc.raw)
	dc.err = err
	return m
}

func (dc *daemonConn) writeWord(v uint64) {
	if dc.err != nil {
		return
	}
	dc.err = wire.WriteUint64(dc.raw, v)
}

func (dc *daemonConn) writeString(s string) {
	if dc.err != nil {
		return
	}
	dc.err = wire.WriteString(dc.raw, s)
}

func (dc *daemonConn) writeStrings(elems []string) {
	if dc.err != nil {
		return
	}
	dc.err = wire.WriteStrings(dc.raw, elems)
}

func (dc *daemonConn) sendLast() {
	dc.writeWord(stderrLast)
}

func (dc *daemonConn) sendError(message string) {
	if protocolMinor(dc.daemon.version) >= 26 {
		dc.writeWord(stderrError)
		if dc.err != nil {
			return
		}
		dc.err = wire.WriteErrorRecord(dc.raw, &wire.ErrorRecord{Level: lvlError, Message: message})
		return
	}
	dc.writeWord(stderrError)
	dc.writeString(message)
	dc.writeWord(1)
}

func (dc *daemonConn) sendNext(line string) {
	dc.writeWord(stderrNext)
	dc.writeString(line)
}

func (dc *daemonConn) sendStartActivity(id uint64, text string) {
	dc.writeWord(stderrStartActivity)
	dc.writeWord(id)
	dc.writeWord(lvlInfo)
	dc.writeWord(0) // activity type
	dc.writeString(text)
	dc.writeWord(0) // no fields
	dc.writeWord(0) // no parent
}

func (dc *daemonConn) sendStopActivity(id uint64) {
	dc.writeWord(stderrStopActivity)
	dc.writeWord(id)
}

// readFramed consumes a framed stream, returning the payload and
// whether the zero-length terminator was seen.
func (dc *daemonConn) readFramed() ([]byte, bool) {
	var payload []byte
	for {
		n := dc.word()
		if dc.err != nil {
			return payload, false
		}
		if n == 0 {
			return payload, true
		}
		chunk := make([]byte, n)
		if _, err := io.ReadFull(dc.raw, chunk); err != nil {
			dc.err = err
			return payload, false
		}
		payload = append(payload, chunk...)
	}
}

func (dc *daemonConn) writePathInfo(info *ValidPathInfo) {
	if dc.err != nil {
		return
	}
	dc.err = writeValidPathInfo(dc.raw, info)
}

// recordingLogger captures forwarded progress events in order.
type recordingLogger struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingLogger) StartActivity(id ActivityID, level, activityType uint64, text string, fields []Field, parent ActivityID) {
	l.record("start:" + text)
}

func (l *recordingLogger) StopActivity(id ActivityID) {
	l.record("stop")
}

func (l *recordingLogger) Result(id ActivityID, resultType uint64, fields []Field) {
	l.record("result")
}

func (l *recordingLogger) PrintError(message string) {
	l.record("error:" + message)
}

func (l *recordingLogger) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// protocol137 is the modern daemon version used by most tests.
const protocol137 = 1<<8 | 37

// newTestStore wires a Store to a fakeDaemon. Closing is registered
// on the test cleanup list.
func newTestStore(t *testing.T, daemon *fakeDaemon, adjust func(*Config)) *Store {
	t.Helper()
	daemon.t = t
	if daemon.version == 0 {
		daemon.version = protocol137
	}
	if daemon.nixVersion == "" {
		daemon.nixVersion = "2.18.1"
	}
	cfg := Config{
		URI:  "unix://test",
		Dial: daemon.dial,
	}
	if adjust != nil {
		adjust(&cfg)
	}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		daemon.close()
	})
	return s
}
