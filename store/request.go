// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"io"

	"github.com/cask-foundation/cask/lib/wire"
)

// reqWriter accumulates the first write error across a request body,
// so operation code reads as a linear script of the wire layout
// instead of a ladder of error checks. Call err() once after the last
// field.
type reqWriter struct {
	w   io.Writer
	rwe error
}

func request(w io.Writer, op uint64) *reqWriter {
	rw := &reqWriter{w: w}
	return rw.word(op)
}

func (rw *reqWriter) word(v uint64) *reqWriter {
	if rw.rwe == nil {
		rw.rwe = wire.WriteUint64(rw.w, v)
	}
	return rw
}

func (rw *reqWriter) boolean(v bool) *reqWriter {
	if rw.rwe == nil {
		rw.rwe = wire.WriteBool(rw.w, v)
	}
	return rw
}

func (rw *reqWriter) str(s string) *reqWriter {
	if rw.rwe == nil {
		rw.rwe = wire.WriteString(rw.w, s)
	}
	return rw
}

func (rw *reqWriter) path(p StorePath) *reqWriter {
	return rw.str(string(p))
}

func (rw *reqWriter) paths(paths []StorePath) *reqWriter {
	if rw.rwe == nil {
		rw.rwe = writeStorePaths(rw.w, paths)
	}
	return rw
}

func (rw *reqWriter) strs(elems []string) *reqWriter {
	if rw.rwe == nil {
		rw.rwe = wire.WriteStrings(rw.w, elems)
	}
	return rw
}

func (rw *reqWriter) stringMap(m map[string]string) *reqWriter {
	if rw.rwe == nil {
		rw.rwe = wire.WriteStringMap(rw.w, m)
	}
	return rw
}

func (rw *reqWriter) derivedPaths(paths []DerivedPath) *reqWriter {
	if rw.rwe == nil {
		rw.rwe = writeDerivedPaths(rw.w, paths)
	}
	return rw
}

func (rw *reqWriter) err() error {
	return rw.rwe
}
