// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the primitive encoding layer of the daemon
// worker protocol. Every value on the wire is built from 64-bit
// little-endian words: integers are a single word, booleans are 0 or 1,
// and byte strings are a length word followed by the payload padded
// with zeros to the next 8-byte boundary. Sets and maps are a count
// word followed by their elements.
//
// Decoders validate as they read: a short read, an over-long string,
// or an over-long collection yields a *ProtocolError. Transport
// failures pass through unwrapped so callers can distinguish a broken
// socket from a malformed stream.
package wire
