// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"reflect"
	"sync/atomic"
	"testing"
)

func TestIsValidPathRoundTrip(t *testing.T) {
	t.Parallel()
	daemon := &fakeDaemon{
		handle: func(dc *daemonConn, op uint64) error {
			if op != opIsValidPath {
				t.Errorf("unexpected op %d", op)
			}
			path := dc.str()
			dc.sendLast()
			if path == "/nix/store/aaaa-present" {
				dc.writeWord(1)
			} else {
				dc.writeWord(0)
			}
			return nil
		},
	}
	s := newTestStore(t, daemon, nil)
	ctx := context.Background()

	valid, err := s.IsValidPath(ctx, "/nix/store/aaaa-present")
	if err != nil {
		t.Fatalf("IsValidPath: %v", err)
	}
	if !valid {
		t.Error("IsValidPath(present): got false")
	}

	valid, err = s.IsValidPath(ctx, "/nix/store/bbbb-absent")
	if err != nil {
		t.Fatalf("IsValidPath: %v", err)
	}
	if valid {
		t.Error("IsValidPath(absent): got true")
	}
}

func TestQueryValidPathsSendsSubstituteFlag(t *testing.T) {
	t.Parallel()
	var sawFlag atomic.Bool
	daemon := &fakeDaemon{
		handle: func(dc *daemonConn, op uint64) error {
			dc.strs() // the query set
			sawFlag.Store(dc.word() == 1)
			dc.sendLast()
			dc.writeStrings([]string{"/nix/store/aaaa-p1"})
			return nil
		},
	}
	s := newTestStore(t, daemon, nil)

	paths, err := s.QueryValidPaths(context.Background(),
		[]StorePath{"/nix/store/aaaa-p1", "/nix/store/bbbb-p2"}, true)
	if err != nil {
		t.Fatalf("QueryValidPaths: %v", err)
	}
	if !reflect.DeepEqual(paths, []StorePath{"/nix/store/aaaa-p1"}) {
		t.Errorf("paths: got %v", paths)
	}
	if !sawFlag.Load() {
		t.Error("daemon did not receive the substitute flag on minor 37")
	}
}

func TestQueryPathInfoReturnsNilForInvalid(t *testing.T) {
	t.Parallel()
	daemon := &fakeDaemon{
		handle: func(dc *daemonConn, op uint64) error {
			dc.str()
			dc.sendLast()
			dc.writeWord(0) // valid = false
			return nil
		},
	}
	s := newTestStore(t, daemon, nil)

	info, err := s.QueryPathInfo(context.Background(), "/nix/store/cccc-gone")
	if err != nil {
		t.Fatalf("QueryPathInfo: %v", err)
	}
	if info != nil {
		t.Errorf("QueryPathInfo: got %+v, want nil", info)
	}
}

func TestQueryPathInfoIsNotValidShim(t *testing.T) {
	t.Parallel()
	daemon := &fakeDaemon{
		handle: func(dc *daemonConn, op uint64) error {
			switch op {
			case opQueryPathInfo:
				path := dc.str()
				dc.sendError("path '" + path + "' is not valid")
			case opIsValidPath:
				dc.str()
				dc.sendLast()
				dc.writeWord(0)
			}
			return nil
		},
	}
	s := newTestStore(t, daemon, nil)
	ctx := context.Background()

	info, err := s.QueryPathInfo(ctx, "/nix/store/cccc-gone")
	if err != nil {
		t.Fatalf("QueryPathInfo: %v (the is-not-valid error must map to nil)", err)
	}
	if info != nil {
		t.Errorf("QueryPathInfo: got %+v, want nil", info)
	}

	// The connection survives the shimmed error.
	if _, err := s.IsValidPath(ctx, "/nix/store/cccc-gone"); err != nil {
		t.Fatalf("IsValidPath after shim: %v", err)
	}
	if got := daemon.connections.Load(); got != 1 {
		t.Errorf("connections: got %d, want 1", got)
	}
}

func TestQueryPathInfoParsesFullRecord(t *testing.T) {
	t.Parallel()
	want := &ValidPathInfo{
		Path:             "/nix/store/aaaa-hello",
		Deriver:          "/nix/store/dddd-hello.drv",
		NarHash:          "1b8b8951d02ebfdd25b6e1bf48e8e10602c9f6a9d2e9425efe8131b1a5be1e26",
		References:       []StorePath{"/nix/store/aaaa-hello", "/nix/store/eeee-glibc"},
		RegistrationTime: 1700000000,
		NarSize:          226560,
		Ultimate:         true,
		Sigs:             []string{"cache.example.org-1:sig"},
		CA:               "",
	}
	daemon := &fakeDaemon{
		handle: func(dc *daemonConn, op uint64) error {
			dc.str()
			dc.sendLast()
			dc.writeWord(1) // valid
			dc.writeString(string(want.Deriver))
			dc.writeString(want.NarHash)
			dc.writeStrings([]string{string(want.References[0]), string(want.References[1])})
			dc.writeWord(want.RegistrationTime)
			dc.writeWord(want.NarSize)
			dc.writeWord(1) // ultimate
			dc.writeStrings(want.Sigs)
			dc.writeString(want.CA)
			return nil
		},
	}
	s := newTestStore(t, daemon, nil)

	info, err := s.QueryPathInfo(context.Background(), want.Path)
	if err != nil {
		t.Fatalf("QueryPathInfo: %v", err)
	}
	if !reflect.DeepEqual(info, want) {
		t.Errorf("info:\n got %+v\nwant %+v", info, want)
	}
}

func TestQueryPathInfoCacheAndGCInvalidation(t *testing.T) {
	t.Parallel()
	var infoQueries atomic.Int64
	daemon := &fakeDaemon{
		handle: func(dc *daemonConn, op uint64) error {
			switch op {
			case opQueryPathInfo:
				infoQueries.Add(1)
				dc.str()
				dc.sendLast()
				dc.writeWord(1)
				dc.writeString("")
				dc.writeString("abcd")
				dc.writeStrings(nil)
				dc.writeWord(0)
				dc.writeWord(123)
				dc.writeWord(0)
				dc.writeStrings(nil)
				dc.writeString("")
			case opCollectGarbage:
				dc.word()       // action
				dc.strs()       // paths to delete
				dc.word()       // ignore liveness
				dc.word()       // max freed
				dc.word()       // removed
				dc.word()       // removed
				dc.word()       // removed
				dc.sendLast()
				dc.writeStrings([]string{"/nix/store/ffff-dead"})
				dc.writeWord(4096)
				dc.writeWord(0)
			}
			return nil
		},
	}
	s := newTestStore(t, daemon, nil)
	ctx := context.Background()
	path := StorePath("/nix/store/aaaa-cached")

	for range 2 {
		if _, err := s.QueryPathInfo(ctx, path); err != nil {
			t.Fatalf("QueryPathInfo: %v", err)
		}
	}
	if got := infoQueries.Load(); got != 1 {
		t.Fatalf("daemon queries before GC: got %d, want 1 (second hit must come from cache)", got)
	}

	results, err := s.CollectGarbage(ctx, GCOptions{Action: GCDeleteDead})
	if err != nil {
		t.Fatalf("CollectGarbage: %v", err)
	}
	if results.BytesFreed != 4096 || len(results.Paths) != 1 {
		t.Errorf("gc results: got %+v", results)
	}

	if _, err := s.QueryPathInfo(ctx, path); err != nil {
		t.Fatalf("QueryPathInfo after GC: %v", err)
	}
	if got := infoQueries.Load(); got != 2 {
		t.Errorf("daemon queries after GC: got %d, want 2 (cache must have been emptied)", got)
	}
}

func TestQueryPathFromHashPart(t *testing.T) {
	t.Parallel()
	daemon := &fakeDaemon{
		handle: func(dc *daemonConn, op uint64) error {
			part := dc.str()
			dc.sendLast()
			if part == "aaaa" {
				dc.writeString("/nix/store/aaaa-hello")
			} else {
				dc.writeString("")
			}
			return nil
		},
	}
	s := newTestStore(t, daemon, nil)
	ctx := context.Background()

	path, err := s.QueryPathFromHashPart(ctx, "aaaa")
	if err != nil {
		t.Fatalf("QueryPathFromHashPart: %v", err)
	}
	if path == nil || *path != "/nix/store/aaaa-hello" {
		t.Errorf("path: got %v", path)
	}

	path, err = s.QueryPathFromHashPart(ctx, "zzzz")
	if err != nil {
		t.Fatalf("QueryPathFromHashPart: %v", err)
	}
	if path != nil {
		t.Errorf("path for unknown hash part: got %v, want nil", path)
	}
}
