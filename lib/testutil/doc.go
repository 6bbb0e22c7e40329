// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared by tests across the
// repository. Nothing here is imported by production code.
package testutil
