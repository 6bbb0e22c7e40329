// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cask-foundation/cask/lib/wire"
)

// AddToStoreFromDump ingests the serialisation read from dump as a
// new store object and returns its path. The interpretation of the
// bytes follows method: a NAR for RecursiveIngestion, a flat file
// otherwise.
//
// On daemons with framed uploads (minor >= 25) the dump is streamed;
// the pool capacity is raised for the duration, so dump's Read method
// MAY call back into this store. Callbacks outside that window
// deadlock a fully-loaded pool.
func (s *Store) AddToStoreFromDump(ctx context.Context, dump io.Reader, name string, method IngestionMethod, algo HashAlgo, references []StorePath, repair bool) (StorePath, error) {
	info, err := s.addCAToStore(ctx, dump, name, method, algo, references, repair)
	if err != nil {
		return "", err
	}
	return info.Path, nil
}

// AddTextToStore ingests contents as a text object and returns its
// path. Text objects are always SHA-256.
func (s *Store) AddTextToStore(ctx context.Context, name string, contents []byte, references []StorePath) (StorePath, error) {
	info, err := s.addCAToStore(ctx, bytes.NewReader(contents), name, TextIngestion, HashSHA256, references, false)
	if err != nil {
		return "", err
	}
	return info.Path, nil
}

// addCAToStore is the shared implementation behind the
// content-addressed ingestion operations, covering both the framed
// protocol and the pre-framing fallbacks.
func (s *Store) addCAToStore(ctx context.Context, dump io.Reader, name string, method IngestionMethod, algo HashAlgo, references []StorePath, repair bool) (info *ValidPathInfo, err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return nil, err
	}

	if protocolMinor(h.conn.version) >= 25 {
		defer h.release(&err)

		err = request(h.conn.to, opAddToStore).
			str(name).
			str(method.render(algo)).
			paths(references).
			boolean(repair).
			err()
		if err != nil {
			return nil, err
		}

		// The dump source may invoke the store, so make room for the
		// nested acquisition.
		s.pool.IncCapacity()
		defer s.pool.DecCapacity()

		if err = h.withFramedSink(func(sink io.Writer) error {
			_, copyErr := io.Copy(sink, dump)
			return copyErr
		}); err != nil {
			return nil, err
		}
		return readValidPathInfo(h.conn.from)
	}

	if repair {
		h.release(&err)
		return nil, unsupportedf("repairing needs daemon protocol minor 25")
	}
	if method == TextIngestion && algo != HashSHA256 {
		h.release(&err)
		return nil, unsupportedf("adding text-hashed data %q: only %s is supported, not %s", name, HashSHA256, algo)
	}

	var path StorePath
	switch method {
	case TextIngestion:
		path, err = h.addTextFallback(dump, name, references)
	case FlatIngestion, RecursiveIngestion:
		path, err = h.addDumpFallback(s, dump, name, method, algo)
	default:
		err = fmt.Errorf("store: unknown ingestion method %d", method)
	}
	// Release before querying the path info to prevent a deadlock on
	// a single-connection pool.
	h.release(&err)
	if err != nil {
		return nil, err
	}
	return s.QueryPathInfo(ctx, path)
}

// addTextFallback speaks the dedicated text-ingestion operation of
// pre-framing daemons. The caller has already checked the SHA-256
// requirement.
func (h *handle) addTextFallback(dump io.Reader, name string, references []StorePath) (StorePath, error) {
	contents, err := io.ReadAll(dump)
	if err != nil {
		return "", err
	}
	err = request(h.conn.to, opAddTextToStore).
		str(name).
		str(string(contents)).
		paths(references).
		err()
	if err != nil {
		return "", err
	}
	if err := h.processStderr(nil, nil, true); err != nil {
		return "", err
	}
	path, err := wire.ReadString(h.conn.from)
	return StorePath(path), err
}

// addDumpFallback speaks the pre-framing file ingestion: recursive
// dumps stream straight onto the connection, flat files travel as a
// single length-prefixed blob.
func (h *handle) addDumpFallback(s *Store, dump io.Reader, name string, method IngestionMethod, algo HashAlgo) (StorePath, error) {
	recursive := method == RecursiveIngestion
	// The leading flag word is a compatibility artifact: zero only
	// for the SHA-256 recursive case the original protocol assumed.
	fixed := uint64(1)
	if algo == HashSHA256 && recursive {
		fixed = 0
	}
	recursiveWord := uint64(0)
	if recursive {
		recursiveWord = 1
	}
	err := request(h.conn.to, opAddToStore).
		str(name).
		word(fixed).
		word(recursiveWord).
		str(string(algo)).
		err()
	if err != nil {
		return "", err
	}

	s.pool.IncCapacity()
	sendErr := func() error {
		defer s.pool.DecCapacity()
		if recursive {
			_, err := io.Copy(h.conn.to, dump)
			return err
		}
		contents, err := io.ReadAll(dump)
		if err != nil {
			return err
		}
		return wire.WriteBytes(h.conn.to, contents)
	}()

	if sendErr != nil {
		// The daemon probably died mid-upload; try one final drain to
		// surface its error, which beats a bare broken pipe. A drain
		// that itself fails (the usual end-of-file) is discarded.
		if record, drainErr := h.conn.drainEvents(nil, nil, false); record != nil {
			h.daemonErr = true
			return "", &RemoteError{Record: record}
		} else if drainErr != nil {
			h.conn.log.Debug("discarding event drain failure after broken upload",
				"error", drainErr)
		}
		return "", sendErr
	}

	if err := h.processStderr(nil, nil, true); err != nil {
		return "", err
	}
	path, err := wire.ReadString(h.conn.from)
	return StorePath(path), err
}

// AddToStore uploads a store object whose metadata is already known:
// info describes it, nar carries its serialisation. Daemons with
// minor >= 23 take a framed upload; older ones pull the archive
// through read requests on the event stream.
func (s *Store) AddToStore(ctx context.Context, info *ValidPathInfo, nar io.Reader, repair, checkSigs bool) (err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return err
	}
	defer h.release(&err)

	err = request(h.conn.to, opAddToStoreNar).
		path(info.Path).
		path(info.Deriver).
		str(info.NarHash).
		paths(info.References).
		word(info.RegistrationTime).
		word(info.NarSize).
		boolean(info.Ultimate).
		strs(info.Sigs).
		str(info.CA).
		boolean(repair).
		boolean(!checkSigs).
		err()
	if err != nil {
		return err
	}

	if protocolMinor(h.conn.version) >= 23 {
		return h.withFramedSink(func(sink io.Writer) error {
			return s.copyNARStream(sink, nar)
		})
	}
	return h.processStderr(nil, nar, true)
}

// copyNARStream copies one NAR archive, delegating to the configured
// archive-aware copier when there is one.
func (s *Store) copyNARStream(dst io.Writer, src io.Reader) error {
	if s.copyNAR != nil {
		return s.copyNAR(dst, src)
	}
	_, err := io.Copy(dst, src)
	return err
}

// PathObject pairs a store object's metadata with its serialisation
// for a bulk upload.
type PathObject struct {
	Info *ValidPathInfo
	NAR  io.Reader
}

// AddMultipleToStore uploads several store objects in one exchange on
// daemons that support it (minor >= 32); older daemons get one
// AddToStore per object.
func (s *Store) AddMultipleToStore(ctx context.Context, objects []PathObject, repair, checkSigs bool) (err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return err
	}

	if protocolMinor(h.conn.version) < 32 {
		h.release(&err)
		for _, object := range objects {
			if err := s.AddToStore(ctx, object.Info, object.NAR, repair, checkSigs); err != nil {
				return err
			}
		}
		return nil
	}
	defer h.release(&err)

	err = request(h.conn.to, opAddMultipleToStore).
		boolean(repair).
		boolean(!checkSigs).
		err()
	if err != nil {
		return err
	}
	return h.withFramedSink(func(sink io.Writer) error {
		if err := wire.WriteUint64(sink, uint64(len(objects))); err != nil {
			return err
		}
		for _, object := range objects {
			if err := writeValidPathInfo(sink, object.Info); err != nil {
				return err
			}
			if err := s.copyNARStream(sink, object.NAR); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddBuildLog uploads the build log for a derivation as a framed
// stream of plain text.
func (s *Store) AddBuildLog(ctx context.Context, drvPath StorePath, log io.Reader) (err error) {
	h, err := s.getHandle(ctx)
	if err != nil {
		return err
	}
	defer h.release(&err)

	if err = request(h.conn.to, opAddBuildLog).str(drvPath.baseName()).err(); err != nil {
		return err
	}
	if err = h.withFramedSink(func(sink io.Writer) error {
		_, copyErr := io.Copy(sink, log)
		return copyErr
	}); err != nil {
		return err
	}
	_, err = wire.ReadUint64(h.conn.from)
	return err
}

// NarFromPath downloads the serialisation of a store object into
// sink. Requires a configured CopyNAR, which knows where the archive
// ends on the otherwise undelimited connection.
func (s *Store) NarFromPath(ctx context.Context, path StorePath, sink io.Writer) (err error) {
	if s.copyNAR == nil {
		return errors.New("store: NarFromPath needs a CopyNAR collaborator")
	}
	h, err := s.getHandle(ctx)
	if err != nil {
		return err
	}
	defer h.release(&err)

	if err = request(h.conn.to, opNarFromPath).path(path).err(); err != nil {
		return err
	}
	if err = h.processStderr(nil, nil, true); err != nil {
		return err
	}
	return s.copyNAR(sink, h.conn.from)
}
