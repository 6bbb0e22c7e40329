// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/cask-foundation/cask/lib/wire"
)

func TestEventInterleaveForwardsProgressInOrder(t *testing.T) {
	t.Parallel()
	daemon := &fakeDaemon{
		handle: func(dc *daemonConn, op uint64) error {
			if op != opQueryAllValidPaths {
				t.Errorf("unexpected op %d", op)
			}
			dc.sendStartActivity(1, "scanning")
			dc.sendNext("scanning\n")
			dc.sendStopActivity(1)
			dc.sendLast()
			dc.writeStrings([]string{"/nix/store/aaaa-p1", "/nix/store/bbbb-p2"})
			return nil
		},
	}
	logger := &recordingLogger{}
	s := newTestStore(t, daemon, func(cfg *Config) { cfg.Logger = logger })

	paths, err := s.QueryAllValidPaths(context.Background())
	if err != nil {
		t.Fatalf("QueryAllValidPaths: %v", err)
	}
	want := []StorePath{"/nix/store/aaaa-p1", "/nix/store/bbbb-p2"}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("paths: got %v, want %v", paths, want)
	}

	wantEvents := []string{"start:scanning", "error:scanning", "stop"}
	if got := logger.snapshot(); !reflect.DeepEqual(got, wantEvents) {
		t.Errorf("logger events: got %v, want %v", got, wantEvents)
	}
}

func TestUnknownEventTagPoisonsConnection(t *testing.T) {
	t.Parallel()
	first := true
	daemon := &fakeDaemon{
		handle: func(dc *daemonConn, op uint64) error {
			dc.str() // path argument
			if first {
				first = false
				dc.writeWord(0x99)
				return io.EOF
			}
			dc.sendLast()
			dc.writeWord(1)
			return nil
		},
	}
	s := newTestStore(t, daemon, nil)
	ctx := context.Background()

	_, err := s.IsValidPath(ctx, "/nix/store/aaaa-p1")
	var protocolErr *wire.ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("IsValidPath: got %v, want *wire.ProtocolError", err)
	}

	// The poisoned connection was dropped, not re-pooled.
	if idle := s.pool.IdleCount(); idle != 0 {
		t.Errorf("idle connections after poisoning: got %d, want 0", idle)
	}
	if inFlight := s.pool.InFlight(); inFlight != 0 {
		t.Errorf("in-flight connections after poisoning: got %d, want 0", inFlight)
	}

	// The next operation constructs a fresh connection.
	valid, err := s.IsValidPath(ctx, "/nix/store/aaaa-p1")
	if err != nil {
		t.Fatalf("IsValidPath after poisoning: %v", err)
	}
	if !valid {
		t.Error("IsValidPath: got false, want true")
	}
	if got := daemon.connections.Load(); got != 2 {
		t.Errorf("connections: got %d, want 2", got)
	}
}

func TestWriteEventWithoutSinkIsViolation(t *testing.T) {
	t.Parallel()
	daemon := &fakeDaemon{
		handle: func(dc *daemonConn, op uint64) error {
			dc.str() // path argument
			dc.writeWord(stderrWrite)
			dc.writeString("unsolicited data")
			return io.EOF
		},
	}
	s := newTestStore(t, daemon, nil)

	_, err := s.IsValidPath(context.Background(), "/nix/store/aaaa-p1")
	var protocolErr *wire.ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("IsValidPath: got %v, want *wire.ProtocolError", err)
	}
	if idle := s.pool.IdleCount(); idle != 0 {
		t.Errorf("idle connections: got %d, want 0", idle)
	}
}

func TestRemoteErrorKeepsConnectionUsable(t *testing.T) {
	t.Parallel()
	daemon := &fakeDaemon{
		handle: func(dc *daemonConn, op uint64) error {
			switch op {
			case opEnsurePath:
				dc.str() // path argument
				dc.sendError("builder failed")
			case opIsValidPath:
				dc.str()
				dc.sendLast()
				dc.writeWord(1)
			}
			return nil
		},
	}
	s := newTestStore(t, daemon, nil)
	ctx := context.Background()

	err := s.EnsurePath(ctx, "/nix/store/aaaa-p1")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("EnsurePath: got %v, want *RemoteError", err)
	}
	if remote.Record.Message != "builder failed" {
		t.Errorf("remote message: got %q", remote.Record.Message)
	}

	// A cleanly surfaced daemon error does not poison the connection.
	if _, err := s.IsValidPath(ctx, "/nix/store/aaaa-p1"); err != nil {
		t.Fatalf("IsValidPath after remote error: %v", err)
	}
	if got := daemon.connections.Load(); got != 1 {
		t.Errorf("connections: got %d, want 1 (connection should be reused)", got)
	}
}
