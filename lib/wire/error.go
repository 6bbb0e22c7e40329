// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "io"

// ErrorRecord is the structured error a modern daemon sends on the
// event stream: a severity level, a message, and a list of trace
// lines. Older daemons send a bare (message, status) pair instead;
// those decode into an ErrorRecord with the status preserved.
type ErrorRecord struct {
	// Level is the daemon-side verbosity level of the error
	// (0 = error ... 7 = vomit).
	Level uint64

	// Message is the rendered error text.
	Message string

	// Status is the exit status carried by the legacy encoding.
	// Zero for structured records.
	Status uint64

	// Trace holds the rendered trace lines, outermost first.
	Trace []string
}

// ReadErrorRecord decodes the structured error format. The layout is:
// kind string ("Error"), level word, name string, message string, a
// have-position word (always zero from the daemon), then a trace
// count followed by (have-position, text) pairs.
func ReadErrorRecord(r io.Reader) (*ErrorRecord, error) {
	kind, err := ReadString(r)
	if err != nil {
		return nil, err
	}
	if kind != "Error" {
		return nil, Errorf("unexpected error record kind %q", kind)
	}
	record := &ErrorRecord{}
	if record.Level, err = ReadUint64(r); err != nil {
		return nil, err
	}
	// The name field duplicates the kind; present for historical
	// reasons and ignored.
	if _, err = ReadString(r); err != nil {
		return nil, err
	}
	if record.Message, err = ReadString(r); err != nil {
		return nil, err
	}
	if _, err = ReadUint64(r); err != nil { // have-position
		return nil, err
	}
	count, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if count > MaxCollectionLength {
		return nil, Errorf("error trace length %d exceeds maximum %d", count, uint64(MaxCollectionLength))
	}
	for i := uint64(0); i < count; i++ {
		if _, err = ReadUint64(r); err != nil { // have-position
			return nil, err
		}
		text, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		record.Trace = append(record.Trace, text)
	}
	return record, nil
}

// ReadLegacyError decodes the pre-structured error format: a message
// string followed by an exit status word.
func ReadLegacyError(r io.Reader) (*ErrorRecord, error) {
	message, err := ReadString(r)
	if err != nil {
		return nil, err
	}
	status, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	return &ErrorRecord{Message: message, Status: status}, nil
}

// WriteErrorRecord encodes the structured error format. Only the
// daemon sends error records in production; the client-side encoder
// exists for the in-process daemon used in tests.
func WriteErrorRecord(w io.Writer, record *ErrorRecord) error {
	if err := WriteString(w, "Error"); err != nil {
		return err
	}
	if err := WriteUint64(w, record.Level); err != nil {
		return err
	}
	if err := WriteString(w, "Error"); err != nil {
		return err
	}
	if err := WriteString(w, record.Message); err != nil {
		return err
	}
	if err := WriteUint64(w, 0); err != nil {
		return err
	}
	if err := WriteUint64(w, uint64(len(record.Trace))); err != nil {
		return err
	}
	for _, text := range record.Trace {
		if err := WriteUint64(w, 0); err != nil {
			return err
		}
		if err := WriteString(w, text); err != nil {
			return err
		}
	}
	return nil
}
