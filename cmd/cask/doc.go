// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Cask is a command-line client for a content-addressed build daemon.
// It speaks the binary worker protocol over the daemon's Unix socket
// (or a forked daemon process) and exposes the common store
// operations: reachability checks, path queries, garbage collection,
// and build-log upload.
//
// Configuration comes from a YAML file named by --config or the
// CASK_CONFIG environment variable; flags override the file.
package main
