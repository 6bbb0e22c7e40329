// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"math"

	"github.com/cask-foundation/cask/lib/wire"
)

// AddTempRoot registers path as a temporary GC root tied to this
// client's connection lifetime.
func (s *Store) AddTempRoot(ctx context.Context, path StorePath) (err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return err
	}
	defer h.release(&err)

	if err = request(h.conn.to, opAddTempRoot).path(path).err(); err != nil {
		return err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return err
	}
	_, err = wire.ReadUint64(h.conn.from)
	return err
}

// FindRoots returns the daemon's GC roots: a map from root link to
// the store path it protects.
func (s *Store) FindRoots(ctx context.Context) (roots map[string]StorePath, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}
	defer h.release(&err)

	if err = request(h.conn.to, opFindRoots).err(); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}

	count, err := wire.ReadUint64(h.conn.from)
	if err != nil {
		return nil, err
	}
	if count > wire.MaxCollectionLength {
		return nil, wire.Errorf("root count %d exceeds maximum", count)
	}
	roots = make(map[string]StorePath, count)
	for i := uint64(0); i < count; i++ {
		link, err := wire.ReadString(h.conn.from)
		if err != nil {
			return nil, err
		}
		target, err := wire.ReadString(h.conn.from)
		if err != nil {
			return nil, err
		}
		roots[link] = StorePath(target)
	}
	return roots, nil
}

// CollectGarbage runs the daemon's garbage collector and empties the
// path info cache, since anything cached may now be gone.
func (s *Store) CollectGarbage(ctx context.Context, options GCOptions) (results *GCResults, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}
	defer h.release(&err)

	maxFreed := options.MaxFreed
	if maxFreed == 0 {
		maxFreed = math.MaxUint64
	}
	err = request(h.conn.to, opCollectGarbage).
		word(uint64(options.Action)).
		paths(options.PathsToDelete).
		boolean(options.IgnoreLiveness).
		word(maxFreed).
		// Removed options.
		word(0).
		word(0).
		word(0).
		err()
	if err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}

	results = &GCResults{}
	if results.Paths, err = wire.ReadStrings(h.conn.from); err != nil {
		return nil, err
	}
	if results.BytesFreed, err = wire.ReadUint64(h.conn.from); err != nil {
		return nil, err
	}
	if _, err = wire.ReadUint64(h.conn.from); err != nil { // obsolete
		return nil, err
	}

	s.invalidatePathInfoCache()
	return results, nil
}

// OptimiseStore deduplicates identical store files via hard links.
func (s *Store) OptimiseStore(ctx context.Context) (err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return err
	}
	defer h.release(&err)

	if err = request(h.conn.to, opOptimiseStore).err(); err != nil {
		return err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return err
	}
	_, err = wire.ReadUint64(h.conn.from)
	return err
}

// VerifyStore checks store integrity, optionally reading every
// object's contents, optionally repairing. Reports whether errors
// remain.
func (s *Store) VerifyStore(ctx context.Context, checkContents, repair bool) (errorsFound bool, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return false, err
	}
	defer h.release(&err)

	err = request(h.conn.to, opVerifyStore).
		boolean(checkContents).
		boolean(repair).
		err()
	if err != nil {
		return false, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return false, err
	}
	return wire.ReadBool(h.conn.from)
}

// AddSignatures attaches detached signatures to a store path.
func (s *Store) AddSignatures(ctx context.Context, path StorePath, sigs []string) (err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return err
	}
	defer h.release(&err)

	err = request(h.conn.to, opAddSignatures).
		path(path).
		strs(sigs).
		err()
	if err != nil {
		return err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return err
	}
	_, err = wire.ReadUint64(h.conn.from)
	return err
}
