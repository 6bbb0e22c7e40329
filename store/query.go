// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"strings"

	"github.com/cask-foundation/cask/lib/wire"
)

// IsValidPath reports whether the daemon's store contains path.
func (s *Store) IsValidPath(ctx context.Context, path StorePath) (valid bool, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return false, err
	}
	defer h.release(&err)

	if err = request(h.conn.to, opIsValidPath).path(path).err(); err != nil {
		return false, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return false, err
	}
	return wire.ReadBool(h.conn.from)
}

// QueryValidPaths filters paths down to the subset the daemon's store
// contains. When maybeSubstitute is set and the daemon is new enough
// (minor >= 27), the daemon also counts paths it could substitute.
func (s *Store) QueryValidPaths(ctx context.Context, paths []StorePath, maybeSubstitute bool) (valid []StorePath, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}
	defer h.release(&err)

	req := request(h.conn.to, opQueryValidPaths).paths(paths)
	if protocolMinor(h.conn.version) >= 27 {
		req.boolean(maybeSubstitute)
	}
	if err = req.err(); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	return readStorePaths(h.conn.from)
}

// QueryAllValidPaths returns every path in the daemon's store.
func (s *Store) QueryAllValidPaths(ctx context.Context) (paths []StorePath, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}
	defer h.release(&err)

	if err = request(h.conn.to, opQueryAllValidPaths).err(); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	return readStorePaths(h.conn.from)
}

// QuerySubstitutablePaths filters paths down to those a substituter
// could produce.
func (s *Store) QuerySubstitutablePaths(ctx context.Context, paths []StorePath) (substitutable []StorePath, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}
	defer h.release(&err)

	if err = request(h.conn.to, opQuerySubstitutablePaths).paths(paths).err(); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	return readStorePaths(h.conn.from)
}

// QuerySubstitutablePathInfos returns substituter metadata for the
// given paths. The map value is each path's rendered content address,
// empty for input-addressed paths; daemons before minor 22 receive
// only the path set.
func (s *Store) QuerySubstitutablePathInfos(ctx context.Context, paths map[StorePath]string) (infos []SubstitutablePathInfo, err error) {
	if len(paths) == 0 {
		return nil, nil
	}
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}
	defer h.release(&err)

	req := request(h.conn.to, opQuerySubstitutablePathInfos)
	if protocolMinor(h.conn.version) < 22 {
		bare := make([]StorePath, 0, len(paths))
		for p := range paths {
			bare = append(bare, p)
		}
		req.paths(bare)
	} else {
		byName := make(map[string]string, len(paths))
		for p, ca := range paths {
			byName[string(p)] = ca
		}
		req.stringMap(byName)
	}
	if err = req.err(); err != nil {
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
		return nil, wire.Errorf("substitutable path info count %d exceeds maximum", count)
	}
	infos = make([]SubstitutablePathInfo, 0, count)
	for i := uint64(0); i < count; i++ {
		var info SubstitutablePathInfo
		path, err := wire.ReadString(h.conn.from)
		if err != nil {
			return nil, err
		}
		info.Path = StorePath(path)
		deriver, err := wire.ReadString(h.conn.from)
		if err != nil {
			return nil, err
		}
		info.Deriver = StorePath(deriver)
		if info.References, err = readStorePaths(h.conn.from); err != nil {
			return nil, err
		}
		if info.DownloadSize, err = wire.ReadUint64(h.conn.from); err != nil {
			return nil, err
		}
		if info.NarSize, err = wire.ReadUint64(h.conn.from); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// QueryPathInfo returns the daemon's metadata for path, or nil if the
// path is not in the store. Results are served from and stored into
// the in-process cache; CollectGarbage empties it.
func (s *Store) QueryPathInfo(ctx context.Context, path StorePath) (*ValidPathInfo, error) {
	if info, ok := s.cachedPathInfo(path); ok {
		return info, nil
	}
	info, err := s.queryPathInfoUncached(ctx, path)
	if err != nil {
		return nil, err
	}
	if info != nil {
		s.storePathInfo(path, info)
	}
	return info, nil
}

func (s *Store) queryPathInfoUncached(ctx context.Context, path StorePath) (info *ValidPathInfo, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}
	defer h.release(&err)

	if err = request(h.conn.to, opQueryPathInfo).path(path).err(); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		// Compatibility shim: daemons without a distinct invalid-path
		// reply raise an error whose text contains "is not valid".
		// Fragile across daemon locales, but the installed base
		// leaves no better signal.
		var remote *RemoteError
		if errors.As(err, &remote) && strings.Contains(remote.Record.Message, "is not valid") {
			return nil, nil
		}
		return nil, err
	}

	valid, err := wire.ReadBool(h.conn.from)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, nil
	}
	info, err = readUnkeyedPathInfo(h.conn.from)
	if err != nil {
		return nil, err
	}
	info.Path = path
	return info, nil
}

// QueryReferrers returns the paths that reference path.
func (s *Store) QueryReferrers(ctx context.Context, path StorePath) (referrers []StorePath, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}
	defer h.release(&err)

	if err = request(h.conn.to, opQueryReferrers).path(path).err(); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	return readStorePaths(h.conn.from)
}

// QueryValidDerivers returns the valid derivations that produce path.
func (s *Store) QueryValidDerivers(ctx context.Context, path StorePath) (derivers []StorePath, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}
	defer h.release(&err)

	if err = request(h.conn.to, opQueryValidDerivers).path(path).err(); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	return readStorePaths(h.conn.from)
}

// QueryDerivationOutputs returns the output paths of a derivation.
// Daemons with minor >= 22 answer through the output map; the
// dedicated operation survives for older daemons.
func (s *Store) QueryDerivationOutputs(ctx context.Context, drv StorePath) (outputs []StorePath, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}
	if protocolMinor(h.conn.version) >= 22 {
		h.release(&err)
		outputMap, err := s.QueryDerivationOutputMap(ctx, drv)
		if err != nil {
			return nil, err
		}
		for _, path := range outputMap {
			if path != nil {
				outputs = append(outputs, *path)
			}
		}
		return outputs, nil
	}
	defer h.release(&err)

	if err = request(h.conn.to, opQueryDerivationOutputs).path(drv).err(); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	return readStorePaths(h.conn.from)
}

// QueryDerivationOutputMap maps a derivation's output names to their
// paths; outputs whose paths are not yet known map to nil.
func (s *Store) QueryDerivationOutputMap(ctx context.Context, drv StorePath) (outputs map[string]*StorePath, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}

	if protocolMinor(h.conn.version) < 22 {
		h.release(&err)
		if s.evalStore == nil {
			return nil, unsupportedf("derivation output maps need daemon minor 22 or an eval store")
		}
		// Old daemons cannot answer at all; the statically-known map
		// is the best available approximation.
		return s.evalStore.StaticDerivationOutputs(ctx, drv)
	}
	defer h.release(&err)

	if err = request(h.conn.to, opQueryDerivationOutputMap).path(drv).err(); err != nil {
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
		return nil, wire.Errorf("output map length %d exceeds maximum", count)
	}
	outputs = make(map[string]*StorePath, count)
	for i := uint64(0); i < count; i++ {
		name, err := wire.ReadString(h.conn.from)
		if err != nil {
			return nil, err
		}
		pathText, err := wire.ReadString(h.conn.from)
		if err != nil {
			return nil, err
		}
		if pathText == "" {
			outputs[name] = nil
		} else {
			path := StorePath(pathText)
			outputs[name] = &path
		}
	}
	return outputs, nil
}

// QueryPathFromHashPart resolves the hash prefix of a store path to
// the full path, or nil if nothing matches.
func (s *Store) QueryPathFromHashPart(ctx context.Context, hashPart string) (path *StorePath, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}
	defer h.release(&err)

	if err = request(h.conn.to, opQueryPathFromHashPart).str(hashPart).err(); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	text, err := wire.ReadString(h.conn.from)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}
	found := StorePath(text)
	return &found, nil
}
