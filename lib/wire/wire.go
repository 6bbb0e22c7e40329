// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

// MaxStringLength caps the length word of a string read from the
// daemon. The largest legitimate strings on the connection are whole
// store objects sent by pre-framing daemons; 1 GiB is far above any
// of those while still rejecting corrupt length words before they
// turn into huge allocations.
const MaxStringLength = 1 << 30

// MaxCollectionLength caps the element count of sets and maps. No
// reply carries more than a few hundred thousand entries in practice.
const MaxCollectionLength = 1 << 24

// ProtocolError reports malformed bytes on the daemon connection: a
// truncated word, an implausible length, or a value outside the
// protocol's domain. A ProtocolError poisons the connection that
// produced it.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// Errorf constructs a *ProtocolError from a format string.
func Errorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// WriteUint64 writes a single little-endian word.
func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadUint64 reads a single little-endian word.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, truncated(err, "integer")
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteBool writes a boolean as the word 0 or 1.
func WriteBool(w io.Writer, v bool) error {
	var word uint64
	if v {
		word = 1
	}
	return WriteUint64(w, word)
}

// ReadBool reads a boolean word. Any non-zero word is true, matching
// the daemon's own decoder.
func ReadBool(r io.Reader) (bool, error) {
	v, err := ReadUint64(r)
	return v != 0, err
}

// WriteBytes writes a length-prefixed byte string padded to the next
// 8-byte boundary.
func WriteBytes(w io.Writer, b []byte) error {
	if err := WriteUint64(w, uint64(len(b))); err != nil {
		return err
	}
	if len(b) > 0 {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return writePadding(w, len(b))
}

// WriteString writes a length-prefixed string padded to the next
// 8-byte boundary.
func WriteString(w io.Writer, s string) error {
	return WriteBytes(w, []byte(s))
}

// ReadBytes reads a length-prefixed byte string and its padding.
func ReadBytes(r io.Reader) ([]byte, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if n > MaxStringLength {
		return nil, Errorf("string length %d exceeds maximum %d", n, uint64(MaxStringLength))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, truncated(err, "string payload")
	}
	if err := readPadding(r, int(n)); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadString reads a length-prefixed string and its padding.
func ReadString(r io.Reader) (string, error) {
	b, err := ReadBytes(r)
	return string(b), err
}

// WriteStrings writes a count word followed by each string. The
// elements are written in sorted order so that identical sets encode
// identically; decoders must not rely on this.
func WriteStrings(w io.Writer, elems []string) error {
	sorted := make([]string, len(elems))
	copy(sorted, elems)
	sort.Strings(sorted)
	if err := WriteUint64(w, uint64(len(sorted))); err != nil {
		return err
	}
	for _, s := range sorted {
		if err := WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

// ReadStrings reads a count word followed by that many strings, in
// whatever order the sender chose.
func ReadStrings(r io.Reader) ([]string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if n > MaxCollectionLength {
		return nil, Errorf("collection length %d exceeds maximum %d", n, uint64(MaxCollectionLength))
	}
	elems := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		elems = append(elems, s)
	}
	return elems, nil
}

// WriteStringMap writes a count word followed by key/value string
// pairs in sorted key order.
func WriteStringMap(w io.Writer, m map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := WriteUint64(w, uint64(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := WriteString(w, k); err != nil {
			return err
		}
		if err := WriteString(w, m[k]); err != nil {
			return err
		}
	}
	return nil
}

// ReadStringMap reads a count word followed by key/value string pairs.
// Duplicate keys are resolved last-writer-wins, matching the daemon.
func ReadStringMap(r io.Reader) (map[string]string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if n > MaxCollectionLength {
		return nil, Errorf("map length %d exceeds maximum %d", n, uint64(MaxCollectionLength))
	}
	m := make(map[string]string, n)
	for i := uint64(0); i < n; i++ {
		k, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		v, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// Pad returns the number of zero bytes that follow a payload of the
// given length on the wire.
func Pad(n int) int {
	return (8 - n%8) % 8
}

var zeroPadding [8]byte

func writePadding(w io.Writer, payloadLen int) error {
	if pad := Pad(payloadLen); pad > 0 {
		if _, err := w.Write(zeroPadding[:pad]); err != nil {
			return err
		}
	}
	return nil
}

func readPadding(r io.Reader, payloadLen int) error {
	pad := Pad(payloadLen)
	if pad == 0 {
		return nil
	}
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:pad]); err != nil {
		return truncated(err, "string padding")
	}
	for _, b := range buf[:pad] {
		if b != 0 {
			return Errorf("non-zero string padding byte 0x%02x", b)
		}
	}
	return nil
}

// truncated maps end-of-stream conditions to a ProtocolError and
// passes every other transport failure through untouched.
func truncated(err error, what string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Errorf("unexpected end of stream reading %s", what)
	}
	return err
}
