// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject Fake() and advance time explicitly.
//
// The connection pool uses a Clock to age out idle connections, so
// aging behaviour over a multi-second lifetime is testable without
// sleeping.
package clock
