// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package pool provides a bounded pool of reusable resources built
// around a factory and a liveness validator. It exists for daemon
// connections but knows nothing about them: items are created on
// demand up to a capacity, parked while idle, revalidated on every
// checkout, and disposed when the validator rejects them.
//
// The capacity can be raised transiently with IncCapacity/DecCapacity.
// A borrower that needs to make a nested acquisition while it still
// holds an item (a streaming upload whose data source calls back into
// the store) raises the capacity for the duration of the stream so the
// nested Get cannot deadlock against the limit.
package pool
