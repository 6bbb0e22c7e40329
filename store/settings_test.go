// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"testing"

	"github.com/cask-foundation/cask/lib/wire"
)

func TestWriteOptionsPreambleShape(t *testing.T) {
	t.Parallel()
	settings := &Settings{
		KeepFailed:     true,
		Verbosity:      lvlInfo,
		MaxBuildJobs:   8,
		MaxSilentTime:  3600,
		BuildCores:     4,
		UseSubstitutes: true,
	}

	var buffer bytes.Buffer
	if err := settings.writeOptions(&buffer); err != nil {
		t.Fatalf("writeOptions: %v", err)
	}

	want := []uint64{
		opSetOptions,
		1,       // keep failed
		0,       // keep going
		0,       // try fallback
		lvlInfo, // verbosity
		8,       // max build jobs
		3600,    // max silent time
		1,       // obsolete use-build-hook, always true
		lvlVomit, // quiet build output
		0,       // obsolete log type
		0,       // obsolete print build trace
		4,       // build cores
		1,       // use substitutes
		0,       // empty override map
	}
	for i, wantWord := range want {
		got, err := wire.ReadUint64(&buffer)
		if err != nil {
			t.Fatalf("word %d: %v", i, err)
		}
		if got != wantWord {
			t.Errorf("word %d: got %d, want %d", i, got, wantWord)
		}
	}
	if buffer.Len() != 0 {
		t.Errorf("%d unexpected trailing bytes", buffer.Len())
	}
}

func TestWriteOptionsStripsReservedOverrides(t *testing.T) {
	t.Parallel()
	settings := DefaultSettings()
	settings.Overrides = map[string]string{
		"keep-failed":           "true",  // owned by the preamble
		"cores":                 "16",    // owned by the preamble
		"show-trace":            "true",  // client-only
		"experimental-features": "all",   // client-only
		"plugin-files":          "x.so",  // client-only
		"narinfo-cache-ttl":     "3600",  // legitimate override
	}

	var buffer bytes.Buffer
	if err := settings.writeOptions(&buffer); err != nil {
		t.Fatalf("writeOptions: %v", err)
	}
	for range 13 {
		if _, err := wire.ReadUint64(&buffer); err != nil {
			t.Fatal(err)
		}
	}
	overrides, err := wire.ReadStringMap(&buffer)
	if err != nil {
		t.Fatalf("ReadStringMap: %v", err)
	}
	if len(overrides) != 1 || overrides["narinfo-cache-ttl"] != "3600" {
		t.Errorf("overrides: got %v, want only narinfo-cache-ttl", overrides)
	}

	// Sanitization must not mutate the caller's map.
	if len(settings.Overrides) != 6 {
		t.Errorf("caller's override map was mutated: %v", settings.Overrides)
	}
}

func TestVerboseBuildLevels(t *testing.T) {
	t.Parallel()
	for _, test := range []struct {
		verbose bool
		want    uint64
	}{
		{verbose: true, want: lvlError},
		{verbose: false, want: lvlVomit},
	} {
		settings := DefaultSettings()
		settings.VerboseBuild = test.verbose

		var buffer bytes.Buffer
		if err := settings.writeOptions(&buffer); err != nil {
			t.Fatal(err)
		}
		words := make([]uint64, 9)
		for i := range words {
			w, err := wire.ReadUint64(&buffer)
			if err != nil {
				t.Fatal(err)
			}
			words[i] = w
		}
		// The build output level is the ninth word (index 8).
		if words[8] != test.want {
			t.Errorf("verbose=%v: build level got %d, want %d", test.verbose, words[8], test.want)
		}
	}
}
