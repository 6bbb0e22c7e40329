// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"io"

	"github.com/cask-foundation/cask/lib/wire"
)

// BuildMode selects how the daemon treats already-valid outputs.
type BuildMode uint64

const (
	// BuildModeNormal builds what is missing.
	BuildModeNormal BuildMode = 0
	// BuildModeRepair rebuilds even valid outputs, replacing
	// corrupt ones.
	BuildModeRepair BuildMode = 1
	// BuildModeCheck rebuilds and compares against the existing
	// outputs without replacing them.
	BuildModeCheck BuildMode = 2
)

// BuildPaths asks the daemon to realise the given derived paths. It
// reports only overall success; per-path outcomes need
// BuildPathsWithResults.
func (s *Store) BuildPaths(ctx context.Context, paths []DerivedPath, mode BuildMode) (err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return err
	}
	defer h.release(&err)

	err = request(h.conn.to, opBuildPaths).
		derivedPaths(paths).
		word(uint64(mode)).
		err()
	if err != nil {
		return err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return err
	}
	// The reply word carries no information.
	_, err = wire.ReadUint64(h.conn.from)
	return err
}

// BuildPathsWithResults realises the given derived paths and returns
// one result per path. Daemons with minor >= 34 answer natively; for
// older daemons the build runs through BuildPaths and the results are
// synthesised afterwards, resolving derivation outputs against the
// daemon and the configured eval store.
func (s *Store) BuildPathsWithResults(ctx context.Context, paths []DerivedPath, mode BuildMode) (results []KeyedBuildResult, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}

	if protocolMinor(h.conn.version) >= 34 {
		defer h.release(&err)

		err = request(h.conn.to, opBuildPathsWithResults).
			derivedPaths(paths).
			word(uint64(mode)).
			err()
		if err != nil {
			return nil, err
		}
		if err = h.processStderr(nil, nil, true); err != nil {
			return nil, err
		}
		return readKeyedBuildResults(h.conn.from, protocolMinor(h.conn.version))
	}

	// Release before recursing into BuildPaths: holding the handle
	// across the nested acquisition deadlocks a single-connection
	// pool.
	h.release(&err)

	if err := s.BuildPaths(ctx, paths, mode); err != nil {
		return nil, err
	}

	results = make([]KeyedBuildResult, 0, len(paths))
	for _, path := range paths {
		switch p := path.(type) {
		case OpaquePath:
			results = append(results, KeyedBuildResult{
				Path:        p,
				BuildResult: BuildResult{Status: BuildStatusSubstituted},
			})
		case BuiltPath:
			result, err := s.synthesiseBuildResult(ctx, p)
			if err != nil {
				return nil, err
			}
			results = append(results, *result)
		default:
			return nil, fmt.Errorf("store: unknown derived path type %T", path)
		}
	}
	return results, nil
}

// synthesiseBuildResult reconstructs what a modern daemon would have
// reported for one successfully built derivation.
func (s *Store) synthesiseBuildResult(ctx context.Context, built BuiltPath) (*KeyedBuildResult, error) {
	if s.evalStore == nil {
		return nil, unsupportedf("per-path build results for derivations need daemon minor 34 or an eval store")
	}

	outputHashes, err := s.evalStore.OutputHashes(ctx, built.Drv)
	if err != nil {
		return nil, err
	}
	outputPaths, err := s.resolveOutputs(ctx, built)
	if err != nil {
		return nil, err
	}

	result := &KeyedBuildResult{
		Path: built,
		BuildResult: BuildResult{
			Status:       BuildStatusBuilt,
			BuiltOutputs: make(map[string]Realisation, len(outputPaths)),
		},
	}
	for output, outputPath := range outputPaths {
		hash, ok := outputHashes[output]
		if !ok {
			return nil, fmt.Errorf("store: the derivation '%s' doesn't have an output named '%s'", built.Drv, output)
		}
		id := DrvOutput{DrvHash: hash, OutputName: output}
		if outputPath == nil {
			return nil, &MissingRealisationError{ID: id}
		}
		result.BuiltOutputs[output] = Realisation{ID: id, OutPath: *outputPath}
	}
	return result, nil
}

// resolveOutputs maps the requested outputs of a built path to their
// store paths: the statically-known map from the eval store, with the
// daemon's (possibly newer) knowledge layered on top.
func (s *Store) resolveOutputs(ctx context.Context, built BuiltPath) (map[string]*StorePath, error) {
	outputs, err := s.evalStore.StaticDerivationOutputs(ctx, built.Drv)
	if err != nil {
		return nil, err
	}
	remote, err := s.QueryDerivationOutputMap(ctx, built.Drv)
	if err != nil {
		return nil, err
	}
	for name, path := range remote {
		if path != nil {
			outputs[name] = path
		} else if _, known := outputs[name]; !known {
			outputs[name] = nil
		}
	}
	if len(built.Outputs) == 0 {
		return outputs, nil
	}
	selected := make(map[string]*StorePath, len(built.Outputs))
	for _, name := range built.Outputs {
		path, ok := outputs[name]
		if !ok {
			return nil, fmt.Errorf("store: the derivation '%s' doesn't have an output named '%s'", built.Drv, name)
		}
		selected[name] = path
	}
	return selected, nil
}

func readKeyedBuildResults(r io.Reader, minor uint64) ([]KeyedBuildResult, error) {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if count > wire.MaxCollectionLength {
		return nil, wire.Errorf("build result count %d exceeds maximum", count)
	}
	results := make([]KeyedBuildResult, 0, count)
	for i := uint64(0); i < count; i++ {
		rendered, err := wire.ReadString(r)
		if err != nil {
			return nil, err
		}
		result, err := readBuildResult(r, minor)
		if err != nil {
			return nil, err
		}
		results = append(results, KeyedBuildResult{
			Path:        parseDerivedPath(rendered),
			BuildResult: *result,
		})
	}
	return results, nil
}

// BuildDerivation builds one derivation whose inputs are already
// valid, sending the recipe inline.
func (s *Store) BuildDerivation(ctx context.Context, drvPath StorePath, drv *BasicDerivation, mode BuildMode) (result *BuildResult, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}
	defer h.release(&err)

	if err = request(h.conn.to, opBuildDerivation).path(drvPath).err(); err != nil {
		return nil, err
	}
	if err = writeBasicDerivation(h.conn.to, drv); err != nil {
		return nil, err
	}
	if err = wire.WriteUint64(h.conn.to, uint64(mode)); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}
	return readBuildResult(h.conn.from, protocolMinor(h.conn.version))
}

// EnsurePath makes the daemon realise a single store path, building
// or substituting as needed.
func (s *Store) EnsurePath(ctx context.Context, path StorePath) (err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return err
	}
	defer h.release(&err)

	if err = request(h.conn.to, opEnsurePath).path(path).err(); err != nil {
		return err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return err
	}
	_, err = wire.ReadUint64(h.conn.from)
	return err
}

// QueryMissing asks the daemon what realising the targets would take.
func (s *Store) QueryMissing(ctx context.Context, targets []DerivedPath) (missing *MissingInfo, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}
	defer h.release(&err)

	if err = request(h.conn.to, opQueryMissing).derivedPaths(targets).err(); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}

	missing = &MissingInfo{}
	if missing.WillBuild, err = readStorePaths(h.conn.from); err != nil {
		return nil, err
	}
	if missing.WillSubstitute, err = readStorePaths(h.conn.from); err != nil {
		return nil, err
	}
	if missing.Unknown, err = readStorePaths(h.conn.from); err != nil {
		return nil, err
	}
	if missing.DownloadSize, err = wire.ReadUint64(h.conn.from); err != nil {
		return nil, err
	}
	if missing.NarSize, err = wire.ReadUint64(h.conn.from); err != nil {
		return nil, err
	}
	return missing, nil
}
