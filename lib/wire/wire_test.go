// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"testing"
)

func TestUint64RoundTrip(t *testing.T) {
	t.Parallel()
	values := []uint64{0, 1, 255, 0x6e697863, 1<<64 - 1}
	for _, v := range values {
		var buffer bytes.Buffer
		if err := WriteUint64(&buffer, v); err != nil {
			t.Fatalf("WriteUint64(%d): %v", v, err)
		}
		if buffer.Len() != 8 {
			t.Fatalf("WriteUint64(%d) wrote %d bytes, want 8", v, buffer.Len())
		}
		got, err := ReadUint64(&buffer)
		if err != nil {
			t.Fatalf("ReadUint64: %v", err)
		}
		if got != v {
			t.Errorf("round trip: got %d, want %d", got, v)
		}
	}
}

func TestUint64LittleEndian(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	if err := WriteUint64(&buffer, 0x0125); err != nil {
		t.Fatalf("WriteUint64: %v", err)
	}
	want := []byte{0x25, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(buffer.Bytes(), want) {
		t.Errorf("encoding: got %x, want %x", buffer.Bytes(), want)
	}
}

func TestStringPadding(t *testing.T) {
	t.Parallel()
	tests := []struct {
		value     string
		wantBytes int
	}{
		{"", 8},           // length word only
		{"a", 16},         // 1 payload byte + 7 padding
		{"12345678", 16},  // exact boundary, no padding
		{"123456789", 24}, // 9 payload bytes + 7 padding
	}
	for _, test := range tests {
		var buffer bytes.Buffer
		if err := WriteString(&buffer, test.value); err != nil {
			t.Fatalf("WriteString(%q): %v", test.value, err)
		}
		if buffer.Len() != test.wantBytes {
			t.Errorf("WriteString(%q) wrote %d bytes, want %d", test.value, buffer.Len(), test.wantBytes)
		}
		got, err := ReadString(&buffer)
		if err != nil {
			t.Fatalf("ReadString(%q): %v", test.value, err)
		}
		if got != test.value {
			t.Errorf("round trip: got %q, want %q", got, test.value)
		}
		if buffer.Len() != 0 {
			t.Errorf("ReadString(%q) left %d bytes unconsumed", test.value, buffer.Len())
		}
	}
}

func TestReadStringRejectsOverlongLength(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	if err := WriteUint64(&buffer, MaxStringLength+1); err != nil {
		t.Fatalf("WriteUint64: %v", err)
	}
	_, err := ReadString(&buffer)
	var protocolErr *ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("ReadString: got %v, want *ProtocolError", err)
	}
}

func TestReadStringRejectsNonZeroPadding(t *testing.T) {
	t.Parallel()
	raw := make([]byte, 16)
	binary.LittleEndian.PutUint64(raw, 1)
	raw[8] = 'x'
	raw[9] = 0xff // corrupt padding byte
	_, err := ReadString(bytes.NewReader(raw))
	var protocolErr *ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("ReadString: got %v, want *ProtocolError", err)
	}
}

func TestReadUint64ShortRead(t *testing.T) {
	t.Parallel()
	_, err := ReadUint64(bytes.NewReader([]byte{1, 2, 3}))
	var protocolErr *ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("ReadUint64: got %v, want *ProtocolError", err)
	}
}

func TestReadUint64PassesThroughTransportError(t *testing.T) {
	t.Parallel()
	transportFailure := errors.New("connection reset")
	_, err := ReadUint64(&failingReader{err: transportFailure})
	if !errors.Is(err, transportFailure) {
		t.Fatalf("ReadUint64: got %v, want the transport error", err)
	}
	var protocolErr *ProtocolError
	if errors.As(err, &protocolErr) {
		t.Fatalf("ReadUint64 wrapped a transport error as *ProtocolError")
	}
}

type failingReader struct {
	err error
}

func (r *failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestStringsRoundTripSorted(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	if err := WriteStrings(&buffer, []string{"zeta", "alpha", "mid"}); err != nil {
		t.Fatalf("WriteStrings: %v", err)
	}
	got, err := ReadStrings(&buffer)
	if err != nil {
		t.Fatalf("ReadStrings: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip: got %v, want %v", got, want)
	}
}

func TestReadStringsToleratesAnyOrder(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	if err := WriteUint64(&buffer, 2); err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"zzz", "aaa"} {
		if err := WriteString(&buffer, s); err != nil {
			t.Fatal(err)
		}
	}
	got, err := ReadStrings(&buffer)
	if err != nil {
		t.Fatalf("ReadStrings: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"zzz", "aaa"}) {
		t.Errorf("ReadStrings reordered elements: %v", got)
	}
}

func TestStringMapRoundTrip(t *testing.T) {
	t.Parallel()
	input := map[string]string{
		"substitute":      "true",
		"max-silent-time": "3600",
	}
	var buffer bytes.Buffer
	if err := WriteStringMap(&buffer, input); err != nil {
		t.Fatalf("WriteStringMap: %v", err)
	}
	got, err := ReadStringMap(&buffer)
	if err != nil {
		t.Fatalf("ReadStringMap: %v", err)
	}
	if !reflect.DeepEqual(got, input) {
		t.Errorf("round trip: got %v, want %v", got, input)
	}
}

func TestBoolEncoding(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	if err := WriteBool(&buffer, true); err != nil {
		t.Fatal(err)
	}
	if err := WriteBool(&buffer, false); err != nil {
		t.Fatal(err)
	}
	if got := buffer.Len(); got != 16 {
		t.Fatalf("two booleans encoded as %d bytes, want 16", got)
	}
	v, err := ReadBool(&buffer)
	if err != nil || !v {
		t.Errorf("ReadBool: got (%v, %v), want (true, nil)", v, err)
	}
	v, err = ReadBool(&buffer)
	if err != nil || v {
		t.Errorf("ReadBool: got (%v, %v), want (false, nil)", v, err)
	}
}

func TestErrorRecordRoundTrip(t *testing.T) {
	t.Parallel()
	record := &ErrorRecord{
		Level:   0,
		Message: "builder for '/nix/store/abc-hello.drv' failed",
		Trace:   []string{"while building hello", "while evaluating the attribute"},
	}
	var buffer bytes.Buffer
	if err := WriteErrorRecord(&buffer, record); err != nil {
		t.Fatalf("WriteErrorRecord: %v", err)
	}
	got, err := ReadErrorRecord(&buffer)
	if err != nil {
		t.Fatalf("ReadErrorRecord: %v", err)
	}
	if !reflect.DeepEqual(got, record) {
		t.Errorf("round trip: got %+v, want %+v", got, record)
	}
}

func TestReadErrorRecordRejectsUnknownKind(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	if err := WriteString(&buffer, "Warning"); err != nil {
		t.Fatal(err)
	}
	_, err := ReadErrorRecord(&buffer)
	var protocolErr *ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("ReadErrorRecord: got %v, want *ProtocolError", err)
	}
}

func TestReadLegacyError(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	if err := WriteString(&buffer, "disk full"); err != nil {
		t.Fatal(err)
	}
	if err := WriteUint64(&buffer, 1); err != nil {
		t.Fatal(err)
	}
	got, err := ReadLegacyError(&buffer)
	if err != nil {
		t.Fatalf("ReadLegacyError: %v", err)
	}
	if got.Message != "disk full" || got.Status != 1 {
		t.Errorf("ReadLegacyError: got %+v", got)
	}
}

func TestReadBytesDoesNotOverread(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	if err := WriteBytes(&buffer, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := WriteUint64(&buffer, 42); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadBytes(&buffer); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	next, err := ReadUint64(&buffer)
	if err != nil {
		t.Fatalf("ReadUint64 after ReadBytes: %v", err)
	}
	if next != 42 {
		t.Errorf("trailing word: got %d, want 42", next)
	}
	if _, err := io.ReadAll(&buffer); err != nil {
		t.Fatal(err)
	}
}
