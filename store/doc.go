// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package store implements the client side of the binary worker
// protocol spoken by a content-addressed build daemon over a Unix
// socket or a socketpair to a forked daemon process.
//
// The package is organized around the request lifecycle:
//
//   - protocol.go: wire-visible constants (magic words, operation
//     codes, event tags) and version arithmetic
//   - types.go: the record types transported by operations, with
//     their version-gated wire layouts
//   - transport.go: the byte transport (Unix socket, forked daemon)
//   - conn.go: one negotiated connection — greeting handshake,
//     option push, liveness
//   - events.go: the interleaved event stream every request drains
//     before reading its reply
//   - handle.go: checkout/return of pooled connections and framed
//     uploads with a sibling event drainer
//   - store.go and the operation files: the public facade
//
// A request flows facade → pool checkout → request bytes → event
// drain (log and progress events are forwarded to a Logger; a remote
// error is captured and rethrown after cleanup) → reply bytes → pool
// return. A connection that saw a transport error or a protocol
// violation is poisoned and dropped instead of re-pooled.
package store
