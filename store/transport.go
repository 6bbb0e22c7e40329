// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Transport is one bidirectional byte stream to a daemon. Good
// reports whether the stream is still believed healthy; a transport
// that returned an error from Read or Write stays bad forever.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
	Good() bool
}

// DialFunc opens a fresh Transport. The pool's connection factory
// calls it once per connection.
type DialFunc func(ctx context.Context) (Transport, error)

// DialUnix returns a DialFunc connecting to the daemon's Unix domain
// socket.
func DialUnix(socketPath string) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "unix", socketPath)
		if err != nil {
			return nil, fmt.Errorf("store: connecting to %s: %w", socketPath, err)
		}
		return &streamTransport{stream: conn}, nil
	}
}

// DialCommand returns a DialFunc that forks the given command (e.g.
// "nix-daemon" "--stdio") with one end of a socketpair as its stdin
// and stdout. Closing the transport closes our end of the pair and
// reaps the child.
func DialCommand(argv ...string) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		if len(argv) == 0 {
			return nil, fmt.Errorf("store: empty daemon command")
		}
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return nil, fmt.Errorf("store: socketpair: %w", err)
		}
		ours := os.NewFile(uintptr(fds[0]), "daemon-socket")
		theirs := os.NewFile(uintptr(fds[1]), "daemon-socket-child")
		defer theirs.Close()

		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Stdin = theirs
		cmd.Stdout = theirs
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			ours.Close()
			return nil, fmt.Errorf("store: starting %s: %w", argv[0], err)
		}
		return &streamTransport{stream: ours, child: cmd}, nil
	}
}

// streamTransport adapts an io.ReadWriteCloser into a Transport with
// sticky failure tracking, optionally owning a forked daemon child.
type streamTransport struct {
	stream io.ReadWriteCloser
	child  *exec.Cmd
	failed atomic.Bool
}

func (t *streamTransport) Read(p []byte) (int, error) {
	n, err := t.stream.Read(p)
	if err != nil {
		t.failed.Store(true)
	}
	return n, err
}

func (t *streamTransport) Write(p []byte) (int, error) {
	n, err := t.stream.Write(p)
	if err != nil {
		t.failed.Store(true)
	}
	return n, err
}

func (t *streamTransport) Close() error {
	err := t.stream.Close()
	if t.child != nil {
		waitErr := t.child.Wait()
		if err == nil {
			err = waitErr
		}
	}
	return err
}

func (t *streamTransport) Good() bool {
	return !t.failed.Load()
}
