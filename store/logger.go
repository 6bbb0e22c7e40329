// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "log/slog"

// ActivityID identifies a daemon-side activity across its start,
// result, and stop events.
type ActivityID uint64

// Field is one datum attached to an activity event: either an
// integer or a string, as tagged on the wire.
type Field struct {
	// Text holds the value when IsText is set; Num otherwise.
	Text   string
	Num    uint64
	IsText bool
}

// Logger receives the progress half of the event stream. It is a
// pure sink: implementations must not call back into the store, or a
// single-connection drain could deadlock against itself.
type Logger interface {
	// StartActivity announces a new daemon activity. parent is zero
	// for top-level activities.
	StartActivity(id ActivityID, level uint64, activityType uint64, text string, fields []Field, parent ActivityID)

	// StopActivity ends an activity started earlier.
	StopActivity(id ActivityID)

	// Result reports intermediate progress for an activity.
	Result(id ActivityID, resultType uint64, fields []Field)

	// PrintError renders an error-level log line from the daemon.
	PrintError(message string)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) StartActivity(ActivityID, uint64, uint64, string, []Field, ActivityID) {}
func (NopLogger) StopActivity(ActivityID)                                               {}
func (NopLogger) Result(ActivityID, uint64, []Field)                                    {}
func (NopLogger) PrintError(string)                                                     {}

// SlogLogger forwards daemon progress to a structured logger.
type SlogLogger struct {
	Log *slog.Logger
}

func (l SlogLogger) StartActivity(id ActivityID, level uint64, activityType uint64, text string, fields []Field, parent ActivityID) {
	l.Log.Debug("daemon activity started",
		"activity", uint64(id),
		"level", level,
		"type", activityType,
		"text", text,
		"parent", uint64(parent),
	)
}

func (l SlogLogger) StopActivity(id ActivityID) {
	l.Log.Debug("daemon activity stopped", "activity", uint64(id))
}

func (l SlogLogger) Result(id ActivityID, resultType uint64, fields []Field) {
	l.Log.Debug("daemon activity result",
		"activity", uint64(id),
		"type", resultType,
		"fields", fieldValues(fields),
	)
}

func (l SlogLogger) PrintError(message string) {
	l.Log.Error(message)
}

func fieldValues(fields []Field) []any {
	values := make([]any, len(fields))
	for i, f := range fields {
		if f.IsText {
			values[i] = f.Text
		} else {
			values[i] = f.Num
		}
	}
	return values
}
