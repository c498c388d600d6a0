// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Protocol constants. Magic and Version are validated by the collector
// before it trusts anything else in a chunk; a mismatch means the chunk
// was written by a different build (or is not a chunk at all) and is
// skipped wholesale.
const (
	// Magic is the 64-bit sentinel at the start of every chunk header.
	Magic uint64 = 0xDEADBEEFBAAD

	// Version is the protocol version carried in every chunk header.
	Version uint16 = 256

	// ChunkSize is the exact byte size of every shared-memory chunk,
	// header included.
	ChunkSize = 10240

	// MaxChunks bounds the chunk-name counter. Names are
	// "tracechunk-<N>" with N in [0, MaxChunks).
	MaxChunks = 99999

	// chunkNamePrefix prefixes every shared-memory chunk name.
	chunkNamePrefix = "tracechunk-"
)

// MessageType tags each record in a chunk. The values are part of the
// wire ABI and must not be reordered.
type MessageType uint8

const (
	// NoMessage terminates a chunk: the first zero tag byte marks the
	// end of the record sequence.
	NoMessage MessageType = 0

	// RegisterString binds a 64-bit id to a string. Emitted once per
	// (tracer, string); every later record references the id only.
	RegisterString MessageType = 1

	// Begin opens a duration event on the writing thread.
	Begin MessageType = 2

	// End closes the innermost matching duration event.
	End MessageType = 3

	// AsyncBegin opens an asynchronous event identified by a cookie.
	AsyncBegin MessageType = 4

	// AsyncEnd closes the asynchronous event with the same cookie.
	AsyncEnd MessageType = 5

	// Counter records an instantaneous counter value.
	Counter MessageType = 6

	// CounterWithID is Counter plus a caller-supplied series id.
	CounterWithID MessageType = 7
)

// String returns the human-readable name of a message type.
func (t MessageType) String() string {
	switch t {
	case NoMessage:
		return "NoMessage"
	case RegisterString:
		return "RegisterString"
	case Begin:
		return "Begin"
	case End:
		return "End"
	case AsyncBegin:
		return "AsyncBegin"
	case AsyncEnd:
		return "AsyncEnd"
	case Counter:
		return "Counter"
	case CounterWithID:
		return "CounterWithID"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// HeaderSize is the encoded size of a ChunkHeader: magic (8) +
// version (2) + pid (8) + tid (8) + epoch (8).
const HeaderSize = 34

// ChunkHeader prefixes every chunk. Epoch is the wall-clock origin of
// the traced process in microseconds; record timestamps are relative
// microseconds since it, so the collector rebases per-process times
// onto a common axis by adding the two.
type ChunkHeader struct {
	Magic   uint64
	Version uint16
	PID     uint64
	TID     uint64
	Epoch   uint64
}

// Encode writes the header into the first HeaderSize bytes of dst.
// Panics if dst is shorter — chunk buffers are always ChunkSize.
func (h *ChunkHeader) Encode(dst []byte) {
	_ = dst[:HeaderSize]
	binary.LittleEndian.PutUint64(dst[0:8], h.Magic)
	binary.LittleEndian.PutUint16(dst[8:10], h.Version)
	binary.LittleEndian.PutUint64(dst[10:18], h.PID)
	binary.LittleEndian.PutUint64(dst[18:26], h.TID)
	binary.LittleEndian.PutUint64(dst[26:34], h.Epoch)
}

// DecodeChunkHeader reads a header from the start of src.
func DecodeChunkHeader(src []byte) (ChunkHeader, error) {
	if len(src) < HeaderSize {
		return ChunkHeader{}, fmt.Errorf("chunk header: %d bytes, need %d: %w", len(src), HeaderSize, ErrTruncated)
	}
	return ChunkHeader{
		Magic:   binary.LittleEndian.Uint64(src[0:8]),
		Version: binary.LittleEndian.Uint16(src[8:10]),
		PID:     binary.LittleEndian.Uint64(src[10:18]),
		TID:     binary.LittleEndian.Uint64(src[18:26]),
		Epoch:   binary.LittleEndian.Uint64(src[26:34]),
	}, nil
}

// Validate checks the magic number and protocol version.
func (h *ChunkHeader) Validate() error {
	if h.Magic != Magic {
		return fmt.Errorf("magic 0x%x, want 0x%x: %w", h.Magic, Magic, ErrBadMagic)
	}
	if h.Version != Version {
		return fmt.Errorf("version %d, want %d: %w", h.Version, Version, ErrBadVersion)
	}
	return nil
}

// ChunkName returns the shared-memory object name for chunk index n.
func ChunkName(n uint64) string {
	return chunkNamePrefix + strconv.FormatUint(n, 10)
}

// ParseChunkName parses a chunk name of the form "tracechunk-<N>" with
// N in [0, MaxChunks). The collector accepts nothing else from the
// control channel — an announced name reaches the filesystem only
// after passing this check.
func ParseChunkName(name string) (uint64, bool) {
	digits, ok := strings.CutPrefix(name, chunkNamePrefix)
	if !ok || digits == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || n >= MaxChunks {
		return 0, false
	}
	return n, true
}

// Fixed record sizes, tag byte included.
const (
	// DurationSize is the encoded size of a Begin or End record:
	// tag (1) + timestamp (8) + category id (2) + tracepoint id (8).
	DurationSize = 19

	// AsyncSize is DurationSize plus the 8-byte cookie.
	AsyncSize = 27

	// CounterSize is DurationSize plus the 8-byte value.
	CounterSize = 27

	// CounterWithIDSize is CounterSize plus the 8-byte series id.
	CounterWithIDSize = 35

	// registerStringBase is the fixed prefix of a RegisterString
	// record: tag (1) + id (8) + length (1). The string bytes follow.
	registerStringBase = 10
)

// MaxStringLength is the longest string a RegisterString record can
// carry; the length field is a single byte.
const MaxStringLength = 255

// RegisterStringSize returns the encoded size of a RegisterString
// record for s. Strings longer than MaxStringLength are truncated by
// PutRegisterString and size accordingly.
func RegisterStringSize(s string) int {
	if len(s) > MaxStringLength {
		return registerStringBase + MaxStringLength
	}
	return registerStringBase + len(s)
}

// PutRegisterString encodes a RegisterString record at the start of
// dst and returns the encoded size. Strings longer than
// MaxStringLength are truncated.
func PutRegisterString(dst []byte, id uint64, s string) int {
	if len(s) > MaxStringLength {
		s = s[:MaxStringLength]
	}
	dst[0] = byte(RegisterString)
	binary.LittleEndian.PutUint64(dst[1:9], id)
	dst[9] = byte(len(s))
	copy(dst[registerStringBase:], s)
	return registerStringBase + len(s)
}

// PutDuration encodes a Begin or End record at the start of dst and
// returns DurationSize. typ must be Begin or End.
func PutDuration(dst []byte, typ MessageType, timestamp uint64, categoryID uint16, tracepointID uint64) int {
	dst[0] = byte(typ)
	binary.LittleEndian.PutUint64(dst[1:9], timestamp)
	binary.LittleEndian.PutUint16(dst[9:11], categoryID)
	binary.LittleEndian.PutUint64(dst[11:19], tracepointID)
	return DurationSize
}

// PutAsync encodes an AsyncBegin or AsyncEnd record at the start of
// dst and returns AsyncSize. typ must be AsyncBegin or AsyncEnd.
func PutAsync(dst []byte, typ MessageType, timestamp uint64, categoryID uint16, tracepointID uint64, cookie uint64) int {
	PutDuration(dst, typ, timestamp, categoryID, tracepointID)
	binary.LittleEndian.PutUint64(dst[19:27], cookie)
	return AsyncSize
}

// PutCounter encodes a Counter record at the start of dst and returns
// CounterSize.
func PutCounter(dst []byte, timestamp uint64, categoryID uint16, tracepointID uint64, value uint64) int {
	PutDuration(dst, Counter, timestamp, categoryID, tracepointID)
	binary.LittleEndian.PutUint64(dst[19:27], value)
	return CounterSize
}

// PutCounterWithID encodes a CounterWithID record at the start of dst
// and returns CounterWithIDSize.
func PutCounterWithID(dst []byte, timestamp uint64, categoryID uint16, tracepointID uint64, value uint64, counterID uint64) int {
	PutCounter(dst, timestamp, categoryID, tracepointID, value)
	dst[0] = byte(CounterWithID)
	binary.LittleEndian.PutUint64(dst[27:35], counterID)
	return CounterWithIDSize
}
