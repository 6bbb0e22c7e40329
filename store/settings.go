// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"io"
	"maps"

	"github.com/cask-foundation/cask/lib/wire"
)

// Settings are the client-side options pushed to the daemon right
// after the handshake. The named fields populate the fixed preamble
// of the set-options request; Overrides carries everything else as a
// name/value map.
type Settings struct {
	// KeepFailed keeps the build directory of failed builds around.
	KeepFailed bool

	// KeepGoing continues building other targets after a failure.
	KeepGoing bool

	// TryFallback falls back to building from source when a
	// substituter fails.
	TryFallback bool

	// Verbosity is the daemon-side log level (lvlError..lvlVomit).
	Verbosity uint64

	// MaxBuildJobs caps concurrent builds on the daemon.
	MaxBuildJobs uint64

	// MaxSilentTime kills a build that produces no output for this
	// many seconds. Zero disables the limit.
	MaxSilentTime uint64

	// VerboseBuild relays full build output instead of the quiet
	// per-build log level.
	VerboseBuild bool

	// BuildCores is the cores hint passed to builders.
	BuildCores uint64

	// UseSubstitutes enables binary caches.
	UseSubstitutes bool

	// Overrides carries additional daemon settings by name. Names
	// owned by the preamble fields above and client-only names are
	// stripped before sending.
	Overrides map[string]string
}

// DefaultSettings returns the settings a fresh client pushes.
func DefaultSettings() *Settings {
	return &Settings{
		Verbosity:      lvlError,
		MaxBuildJobs:   1,
		UseSubstitutes: true,
	}
}

// preambleSettings are the override names already covered by the
// fixed preamble; sending them twice would make the daemon apply an
// unspecified winner.
var preambleSettings = []string{
	"keep-failed",
	"keep-going",
	"fallback",
	"max-jobs",
	"max-silent-time",
	"cores",
	"substitute",
}

// clientOnlySettings are meaningful only inside this process and
// must never reach the daemon.
var clientOnlySettings = []string{
	"show-trace",
	"experimental-features",
	"plugin-files",
}

// writeOptions encodes the set-options request body: the fixed
// preamble followed by the sanitized override map.
func (s *Settings) writeOptions(w io.Writer) error {
	if err := wire.WriteUint64(w, opSetOptions); err != nil {
		return err
	}
	if err := wire.WriteBool(w, s.KeepFailed); err != nil {
		return err
	}
	if err := wire.WriteBool(w, s.KeepGoing); err != nil {
		return err
	}
	if err := wire.WriteBool(w, s.TryFallback); err != nil {
		return err
	}
	if err := wire.WriteUint64(w, s.Verbosity); err != nil {
		return err
	}
	if err := wire.WriteUint64(w, s.MaxBuildJobs); err != nil {
		return err
	}
	if err := wire.WriteUint64(w, s.MaxSilentTime); err != nil {
		return err
	}
	// Obsolete useBuildHook flag, always true.
	if err := wire.WriteBool(w, true); err != nil {
		return err
	}
	// Verbose builds relay output at error level so it is always
	// shown; otherwise build output is demoted below any threshold.
	buildLevel := uint64(lvlVomit)
	if s.VerboseBuild {
		buildLevel = lvlError
	}
	if err := wire.WriteUint64(w, buildLevel); err != nil {
		return err
	}
	// Obsolete log type and print-build-trace words.
	if err := wire.WriteUint64(w, 0); err != nil {
		return err
	}
	if err := wire.WriteUint64(w, 0); err != nil {
		return err
	}
	if err := wire.WriteUint64(w, s.BuildCores); err != nil {
		return err
	}
	if err := wire.WriteBool(w, s.UseSubstitutes); err != nil {
		return err
	}
	return wire.WriteStringMap(w, s.sanitizedOverrides())
}

func (s *Settings) sanitizedOverrides() map[string]string {
	overrides := maps.Clone(s.Overrides)
	if overrides == nil {
		return map[string]string{}
	}
	for _, name := range preambleSettings {
		delete(overrides, name)
	}
	for _, name := range clientOnlySettings {
		delete(overrides, name)
	}
	return overrides
}
