// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/muesli/termenv"

	"github.com/cask-foundation/cask/store"
)

// consoleLogger renders the daemon's event stream for a terminal:
// error lines in red, activity text dimmed. Progress detail beyond
// the activity text is dropped; this is a CLI, not a dashboard.
type consoleLogger struct {
	mu     sync.Mutex
	output *termenv.Output
}

func newConsoleLogger() *consoleLogger {
	return &consoleLogger{output: termenv.NewOutput(os.Stderr)}
}

func (l *consoleLogger) StartActivity(id store.ActivityID, level, activityType uint64, text string, fields []store.Field, parent store.ActivityID) {
	if text == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(os.Stderr, l.output.String(text).Faint())
}

func (l *consoleLogger) StopActivity(id store.ActivityID) {}

func (l *consoleLogger) Result(id store.ActivityID, resultType uint64, fields []store.Field) {}

func (l *consoleLogger) PrintError(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(os.Stderr, l.output.String(message).Foreground(l.output.Color("1")))
}
