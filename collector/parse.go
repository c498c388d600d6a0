// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"

	"github.com/traced-foundation/traced/wire"
)

// clientState is the per-connection decode state: the id → string
// table populated by RegisterString records. It lives exactly as long
// as the connection.
type clientState struct {
	strings    map[uint64]string
	chunksSeen int
}

func newClientState() *clientState {
	return &clientState{strings: make(map[uint64]string)}
}

// lookup resolves a string id. A missing id is not fatal — the record
// still renders, with "?" where the name would be. This happens when a
// chunk carrying a registration was lost (dropped on a control-channel
// write error, or the client crashed before submitting it).
func (s *clientState) lookup(id uint64) string {
	if str, ok := s.strings[id]; ok {
		return str
	}
	return "?"
}

// parseChunk validates the chunk header and decodes records until the
// chunk terminates. Decoded events go to the sink; RegisterString
// records go to the client's table. The returned error describes why
// parsing stopped early; the caller logs it and moves on — a bad chunk
// never kills the client, let alone the daemon.
//
// The record loop indexes only within data, which OpenReadOnly sized
// to exactly wire.ChunkSize: the parser cannot read outside the chunk.
func (c *Collector) parseChunk(client *clientState, data []byte) error {
	header, err := wire.DecodeChunkHeader(data)
	if err != nil {
		return err
	}
	if err := header.Validate(); err != nil {
		return err
	}

	rest := data[wire.HeaderSize:]
	for len(rest) > 0 {
		record, n, err := wire.DecodeRecord(rest)
		if err != nil {
			return fmt.Errorf("at offset %d: %w", wire.ChunkSize-len(rest), err)
		}

		switch record.Type {
		case wire.NoMessage:
			return nil

		case wire.RegisterString:
			client.strings[record.StringID] = record.StringData

		default:
			if err := c.emitEvent(client, header, record); err != nil {
				return fmt.Errorf("emitting %v event: %w", record.Type, err)
			}
		}
		rest = rest[n:]
	}
	// Capacity exhausted exactly at a record boundary; a full chunk
	// has no room for a terminator.
	return nil
}

// emitEvent converts a decoded record to its Chrome Trace Event form
// and writes it to the sink. Timestamps are rebased onto the common
// axis: the process epoch from the chunk header plus the record's
// relative microseconds.
func (c *Collector) emitEvent(client *clientState, header wire.ChunkHeader, record wire.Record) error {
	timestamp := header.Epoch + record.Timestamp
	category := client.lookup(uint64(record.CategoryID))
	name := client.lookup(record.TracepointID)

	switch record.Type {
	case wire.Begin:
		return c.sink.Duration(header.PID, header.TID, timestamp, PhaseBegin, category, name)
	case wire.End:
		return c.sink.Duration(header.PID, header.TID, timestamp, PhaseEnd, category, name)
	case wire.AsyncBegin:
		return c.sink.Async(header.PID, timestamp, PhaseAsyncBegin, category, name, record.Cookie)
	case wire.AsyncEnd:
		return c.sink.Async(header.PID, timestamp, PhaseAsyncEnd, category, name, record.Cookie)
	case wire.Counter:
		return c.sink.Counter(header.PID, timestamp, category, name, record.Value)
	case wire.CounterWithID:
		return c.sink.CounterWithID(header.PID, timestamp, category, name, record.Value, record.CounterID)
	default:
		return fmt.Errorf("record type %v is not an event", record.Type)
	}
}
