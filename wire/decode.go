// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Sentinel errors for chunk validation and record decoding. Callers
// match with errors.Is; the wrapped messages carry the offending
// values.
var (
	// ErrBadMagic means the chunk header magic did not match Magic.
	ErrBadMagic = errors.New("bad chunk magic")

	// ErrBadVersion means the chunk header carried a different
	// protocol version.
	ErrBadVersion = errors.New("unsupported protocol version")

	// ErrTruncated means the buffer ended inside a record (or inside
	// the chunk header).
	ErrTruncated = errors.New("truncated record")

	// ErrUnknownTag means a record tag outside the MessageType
	// enumeration was encountered. The rest of the chunk cannot be
	// framed and must be abandoned.
	ErrUnknownTag = errors.New("unknown message tag")
)

// Record is one decoded message. Type determines which of the other
// fields are meaningful:
//
//	RegisterString           StringID, StringData
//	Begin, End               Timestamp, CategoryID, TracepointID
//	AsyncBegin, AsyncEnd     ... plus Cookie
//	Counter                  ... plus Value
//	CounterWithID            ... plus Value and CounterID
type Record struct {
	Type         MessageType
	Timestamp    uint64
	CategoryID   uint16
	TracepointID uint64
	Cookie       uint64
	Value        uint64
	CounterID    uint64
	StringID     uint64
	StringData   string
}

// DecodeRecord decodes the record at the start of src and returns it
// with the number of bytes consumed. A NoMessage tag decodes as a
// one-byte record of that type; the caller stops there. DecodeRecord
// never reads past len(src): a record whose fixed payload (or string
// data) extends beyond the buffer returns ErrTruncated.
func DecodeRecord(src []byte) (Record, int, error) {
	if len(src) == 0 {
		return Record{}, 0, fmt.Errorf("empty buffer: %w", ErrTruncated)
	}

	typ := MessageType(src[0])
	switch typ {
	case NoMessage:
		return Record{Type: NoMessage}, 1, nil

	case RegisterString:
		if len(src) < registerStringBase {
			return Record{}, 0, fmt.Errorf("%v: %d of %d header bytes: %w", typ, len(src), registerStringBase, ErrTruncated)
		}
		length := int(src[9])
		if len(src) < registerStringBase+length {
			return Record{}, 0, fmt.Errorf("%v: %d string bytes, buffer has %d: %w", typ, length, len(src)-registerStringBase, ErrTruncated)
		}
		return Record{
			Type:       typ,
			StringID:   binary.LittleEndian.Uint64(src[1:9]),
			StringData: string(src[registerStringBase : registerStringBase+length]),
		}, registerStringBase + length, nil

	case Begin, End:
		if len(src) < DurationSize {
			return Record{}, 0, truncated(typ, len(src), DurationSize)
		}
		rec := decodeCommon(typ, src)
		return rec, DurationSize, nil

	case AsyncBegin, AsyncEnd:
		if len(src) < AsyncSize {
			return Record{}, 0, truncated(typ, len(src), AsyncSize)
		}
		rec := decodeCommon(typ, src)
		rec.Cookie = binary.LittleEndian.Uint64(src[19:27])
		return rec, AsyncSize, nil

	case Counter:
		if len(src) < CounterSize {
			return Record{}, 0, truncated(typ, len(src), CounterSize)
		}
		rec := decodeCommon(typ, src)
		rec.Value = binary.LittleEndian.Uint64(src[19:27])
		return rec, CounterSize, nil

	case CounterWithID:
		if len(src) < CounterWithIDSize {
			return Record{}, 0, truncated(typ, len(src), CounterWithIDSize)
		}
		rec := decodeCommon(typ, src)
		rec.Value = binary.LittleEndian.Uint64(src[19:27])
		rec.CounterID = binary.LittleEndian.Uint64(src[27:35])
		return rec, CounterWithIDSize, nil

	default:
		return Record{}, 0, fmt.Errorf("tag %d: %w", src[0], ErrUnknownTag)
	}
}

// decodeCommon decodes the timestamp/category/tracepoint triple shared
// by every event record.
func decodeCommon(typ MessageType, src []byte) Record {
	return Record{
		Type:         typ,
		Timestamp:    binary.LittleEndian.Uint64(src[1:9]),
		CategoryID:   binary.LittleEndian.Uint16(src[9:11]),
		TracepointID: binary.LittleEndian.Uint64(src[11:19]),
	}
}

func truncated(typ MessageType, have, want int) error {
	return fmt.Errorf("%v: %d of %d bytes: %w", typ, have, want, ErrTruncated)
}
