// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cask-foundation/cask/lib/clock"
	"github.com/cask-foundation/cask/lib/pool"
)

// EvalStore reads derivations on behalf of the compatibility path of
// BuildPathsWithResults against daemons that predate the native
// operation. It is a separate, usually local, store.
type EvalStore interface {
	// StaticDerivationOutputs returns the statically-known output
	// map of a derivation. Outputs whose paths are not known in
	// advance map to nil.
	StaticDerivationOutputs(ctx context.Context, drv StorePath) (map[string]*StorePath, error)

	// OutputHashes returns the per-output derivation hashes that
	// identify the derivation's outputs.
	OutputHashes(ctx context.Context, drv StorePath) (map[string]string, error)
}

// Config holds the parameters for opening a remote store. Dial is
// required; all other fields have usable defaults.
type Config struct {
	// URI names the store in error messages, e.g. "daemon" or the
	// socket path.
	URI string

	// Dial opens a fresh transport to the daemon. See DialUnix and
	// DialCommand.
	Dial DialFunc

	// MaxConnections bounds the connection pool. Values below 1 are
	// treated as 1.
	MaxConnections int

	// MaxConnectionAge retires idle connections older than this.
	// Zero means no age limit.
	MaxConnectionAge time.Duration

	// Settings are pushed to the daemon on every new connection.
	// Nil means DefaultSettings.
	Settings *Settings

	// Logger receives the daemon's log and progress events. Nil
	// means discard.
	Logger Logger

	// Log receives the client's own operational messages. Nil means
	// discard.
	Log *slog.Logger

	// Clock drives connection aging. Nil means the real clock.
	Clock clock.Clock

	// CopyNAR copies one NAR archive from src to dst, consuming
	// exactly the archive's bytes from src. The archive grammar
	// lives outside this package. NarFromPath needs a copier and
	// fails without one; the framed uploads of AddToStore and
	// AddMultipleToStore use it when set and copy the reader through
	// unchanged when nil.
	CopyNAR func(dst io.Writer, src io.Reader) error

	// EvalStore backs the BuildPathsWithResults compatibility path
	// for derivation targets. Nil restricts that path to opaque
	// targets.
	EvalStore EvalStore
}

// Store is a client for a remote build daemon: a connection pool, the
// operations of the worker protocol, and a sticky failure latch that
// keeps a store whose handshake failed from retrying forever.
//
// Store is safe for concurrent use. Each operation borrows one
// connection; the content-addressed ingestion uploads
// (AddToStoreFromDump, AddTextToStore) transiently raise the pool
// capacity so their data sources may call back into the store. The
// other uploads (AddToStore, AddMultipleToStore, AddBuildLog) do not
// raise it.
type Store struct {
	uri       string
	settings  *Settings
	logger    Logger
	log       *slog.Logger
	clk       clock.Clock
	copyNAR   func(dst io.Writer, src io.Reader) error
	evalStore EvalStore

	pool *pool.Pool[*Connection]

	// failed latches on the first connect/handshake failure; all
	// later acquisitions fail fast.
	failed atomic.Bool

	cacheMu       sync.Mutex
	pathInfoCache map[StorePath]*ValidPathInfo
}

// Open validates cfg and builds the store. No connection is made
// until the first operation (or Connect).
func Open(cfg Config) (*Store, error) {
	if cfg.Dial == nil {
		return nil, fmt.Errorf("store: Dial is required")
	}
	uri := cfg.URI
	if uri == "" {
		uri = "daemon"
	}
	settings := cfg.Settings
	if settings == nil {
		settings = DefaultSettings()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NopLogger{}
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	s := &Store{
		uri:           uri,
		settings:      settings,
		logger:        logger,
		log:           log,
		clk:           clk,
		copyNAR:       cfg.CopyNAR,
		evalStore:     cfg.EvalStore,
		pathInfoCache: make(map[StorePath]*ValidPathInfo),
	}

	connections, err := pool.New(pool.Config[*Connection]{
		Capacity: cfg.MaxConnections,
		Factory:  func(ctx context.Context) (*Connection, error) { return s.openConnection(ctx, cfg.Dial) },
		Validate: func(c *Connection) bool {
			if !c.Good() {
				return false
			}
			return cfg.MaxConnectionAge <= 0 || s.clk.Since(c.startTime) < cfg.MaxConnectionAge
		},
		Dispose: func(c *Connection) {
			if err := c.Close(); err != nil {
				log.Debug("closing daemon connection", "error", err)
			}
		},
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	s.pool = connections
	return s, nil
}

// openConnection is the pool factory: dial, handshake, push options.
// Any failure latches the store as failed.
func (s *Store) openConnection(ctx context.Context, dial DialFunc) (*Connection, error) {
	if s.failed.Load() {
		return nil, fmt.Errorf("opening a connection to remote store '%s' previously failed", s.uri)
	}
	transport, err := dial(ctx)
	if err != nil {
		s.failed.Store(true)
		return nil, err
	}
	conn := newConnection(transport, s.logger, s.log, s.clk.Now())
	if err := conn.handshake(s.uri); err != nil {
		s.failed.Store(true)
		conn.Close()
		return nil, err
	}
	if err := conn.setOptions(s.settings); err != nil {
		s.failed.Store(true)
		conn.Close()
		return nil, err
	}
	s.log.Debug("daemon connection established",
		"store", s.uri,
		"protocol", fmt.Sprintf("%d.%d", protocolMajor(conn.version)>>8, protocolMinor(conn.version)),
		"daemon_version", conn.daemonVersion,
	)
	return conn, nil
}

// Close shuts the pool down. Outstanding operations finish on their
// borrowed connections, which are closed on release.
func (s *Store) Close() {
	s.pool.Close()
}

// Connect forces a handshake by acquiring and immediately releasing
// a connection. Useful to verify reachability up front.
func (s *Store) Connect(ctx context.Context) (err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return err
	}
	defer h.release(&err)
	return nil
}

// GetProtocol returns the negotiated daemon protocol version word.
func (s *Store) GetProtocol(ctx context.Context) (version uint64, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return 0, err
	}
	defer h.release(&err)
	return h.conn.version, nil
}

// Version returns the daemon's self-reported release string, or ""
// when the daemon predates the field (minor < 33).
func (s *Store) Version(ctx context.Context) (version string, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return "", err
	}
	defer h.release(&err)
	return h.conn.daemonVersion, nil
}

// IsTrustedClient reports whether the daemon trusts us, or nil when
// the daemon predates the trust handshake (minor < 35).
func (s *Store) IsTrustedClient(ctx context.Context) (flag *TrustedFlag, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}
	defer h.release(&err)
	return h.conn.remoteTrustsUs, nil
}

// SetOptions re-pushes the client settings on one connection. New
// connections always receive them at handshake time.
func (s *Store) SetOptions(ctx context.Context) (err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return err
	}
	defer h.release(&err)
	return h.conn.setOptions(s.settings)
}

// cachedPathInfo consults the in-process path info cache.
func (s *Store) cachedPathInfo(path StorePath) (*ValidPathInfo, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	info, ok := s.pathInfoCache[path]
	return info, ok
}

func (s *Store) storePathInfo(path StorePath, info *ValidPathInfo) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.pathInfoCache[path] = info
}

// invalidatePathInfoCache empties the cache; garbage collection may
// have deleted anything it knew about.
func (s *Store) invalidatePathInfoCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	clear(s.pathInfoCache)
}
