// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"

	"github.com/cask-foundation/cask/lib/wire"
)

// RegisterDrvOutput records a realisation with the daemon. Daemons
// before minor 31 take the bare (id, path) pair; newer ones take the
// full realisation record.
func (s *Store) RegisterDrvOutput(ctx context.Context, realisation *Realisation) (err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return err
	}
	defer h.release(&err)

	req := request(h.conn.to, opRegisterDrvOutput)
	if protocolMinor(h.conn.version) < 31 {
		req.str(realisation.ID.String()).path(realisation.OutPath)
		err = req.err()
	} else {
		if err = req.err(); err == nil {
			err = writeRealisation(h.conn.to, realisation)
		}
	}
	if err != nil {
		return err
	}
	return h.processStderr(nil, nil, true)
}

// QueryRealisation looks up the realisation for one derivation
// output, or nil when the daemon knows none. Daemons before minor 27
// cannot answer at all; they are reported as knowing none.
func (s *Store) QueryRealisation(ctx context.Context, id DrvOutput) (realisation *Realisation, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}
	if protocolMinor(h.conn.version) < 27 {
		// No bytes were sent; the connection is still clean.
		h.conn.log.Warn("the daemon is too old to support content-addressed derivations, please upgrade it")
		h.release(&err)
		return nil, nil
	}
	defer h.release(&err)

	if err = request(h.conn.to, opQueryRealisation).str(id.String()).err(); err != nil {
		return nil, err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return nil, err
	}

	if protocolMinor(h.conn.version) < 31 {
		// Old daemons reply with bare output paths.
		paths, err := readStorePaths(h.conn.from)
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			return nil, nil
		}
		return &Realisation{ID: id, OutPath: paths[0]}, nil
	}

	count, err := wire.ReadUint64(h.conn.from)
	if err != nil {
		return nil, err
	}
	if count > wire.MaxCollectionLength {
		return nil, wire.Errorf("realisation count %d exceeds maximum", count)
	}
	for i := uint64(0); i < count; i++ {
		r, err := readRealisation(h.conn.from)
		if err != nil {
			return nil, err
		}
		if realisation == nil {
			realisation = r
		}
	}
	return realisation, nil
}
