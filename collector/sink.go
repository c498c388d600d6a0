// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the output sink's compression layer.
type Compression uint8

const (
	// CompressionNone writes plain JSON.
	CompressionNone Compression = iota

	// CompressionGzip wraps the output in a gzip stream. Chrome-style
	// trace viewers load gzipped trace documents directly.
	CompressionGzip

	// CompressionZstd wraps the output in a zstd stream, for traces
	// kept around: better ratio on the highly repetitive event JSON.
	CompressionZstd
)

// String returns the name used on the command line and in config
// files.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name. The empty string means
// none.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q (want none, gzip, or zstd)", name)
	}
}

// Event phases in the Chrome Trace Event format.
const (
	PhaseBegin      = "B"
	PhaseEnd        = "E"
	PhaseCounter    = "C"
	PhaseAsyncBegin = "b"
	PhaseAsyncEnd   = "e"
)

// Sink streams a Chrome Trace Event document:
//
//	{"traceEvents": [
//	  <event>,
//	  <event>
//	]}
//
// The separator is written before every event after the first, so the
// document never carries a trailing comma and the underlying writer
// never needs to seek — stdout may be a pipe.
//
// Safe for concurrent use: client goroutines interleave whole events,
// never partial ones.
type Sink struct {
	mu         sync.Mutex
	w          *bufio.Writer
	compressor io.Closer
	started    bool
	events     int
}

// NewSink wraps out in the requested compression layer and buffering.
// out itself is not closed by the Sink; the caller owns it.
func NewSink(out io.Writer, compression Compression) (*Sink, error) {
	sink := &Sink{}
	switch compression {
	case CompressionNone:
		sink.w = bufio.NewWriter(out)
	case CompressionGzip:
		gz := gzip.NewWriter(out)
		sink.w = bufio.NewWriter(gz)
		sink.compressor = gz
	case CompressionZstd:
		zw, err := zstd.NewWriter(out)
		if err != nil {
			return nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		sink.w = bufio.NewWriter(zw)
		sink.compressor = zw
	default:
		return nil, fmt.Errorf("unknown compression %v", compression)
	}
	return sink, nil
}

// Begin writes the document prologue. Must be called once before any
// event.
func (s *Sink) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	if _, err := s.w.WriteString("{\"traceEvents\": [\n"); err != nil {
		return fmt.Errorf("writing prologue: %w", err)
	}
	return nil
}

// Close writes the document epilogue and flushes everything through
// the compression layer. The sink is unusable afterwards.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.WriteString("\n]}\n"); err != nil {
		return fmt.Errorf("writing epilogue: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flushing sink: %w", err)
	}
	if s.compressor != nil {
		if err := s.compressor.Close(); err != nil {
			return fmt.Errorf("closing compressor: %w", err)
		}
	}
	return nil
}

// Events returns the number of events written so far.
func (s *Sink) Events() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

// durationEvent is a "B" or "E" phase event. Durations are the only
// events that carry a tid: begin/end pairs nest per thread.
type durationEvent struct {
	PID      uint64 `json:"pid"`
	TID      uint64 `json:"tid"`
	TS       uint64 `json:"ts"`
	Phase    string `json:"ph"`
	Category string `json:"cat"`
	Name     string `json:"name"`
}

// counterEvent is a "C" phase event. The args object maps the counter
// name to its value.
type counterEvent struct {
	PID      uint64            `json:"pid"`
	TS       uint64            `json:"ts"`
	Phase    string            `json:"ph"`
	Category string            `json:"cat"`
	Name     string            `json:"name"`
	Args     map[string]uint64 `json:"args"`
}

// counterIDEvent is a counter on a caller-identified series.
type counterIDEvent struct {
	PID      uint64            `json:"pid"`
	TS       uint64            `json:"ts"`
	Phase    string            `json:"ph"`
	Category string            `json:"cat"`
	Name     string            `json:"name"`
	ID       uint64            `json:"id"`
	Args     map[string]uint64 `json:"args"`
}

// asyncEvent is a "b" or "e" phase event. The id is the cookie in hex;
// the viewer matches begin/end pairs on it.
type asyncEvent struct {
	PID      uint64   `json:"pid"`
	TS       uint64   `json:"ts"`
	Phase    string   `json:"ph"`
	Category string   `json:"cat"`
	Name     string   `json:"name"`
	ID       string   `json:"id"`
	Args     struct{} `json:"args"`
}

// Duration writes a duration begin or end event.
func (s *Sink) Duration(pid, tid, ts uint64, phase, category, name string) error {
	return s.writeEvent(durationEvent{
		PID: pid, TID: tid, TS: ts,
		Phase: phase, Category: category, Name: name,
	})
}

// Counter writes a counter event.
func (s *Sink) Counter(pid, ts uint64, category, name string, value uint64) error {
	return s.writeEvent(counterEvent{
		PID: pid, TS: ts,
		Phase: PhaseCounter, Category: category, Name: name,
		Args: map[string]uint64{name: value},
	})
}

// CounterWithID writes a counter event on an identified series.
func (s *Sink) CounterWithID(pid, ts uint64, category, name string, value, id uint64) error {
	return s.writeEvent(counterIDEvent{
		PID: pid, TS: ts,
		Phase: PhaseCounter, Category: category, Name: name,
		ID:   id,
		Args: map[string]uint64{name: value},
	})
}

// Async writes an async begin or end event.
func (s *Sink) Async(pid, ts uint64, phase, category, name string, cookie uint64) error {
	return s.writeEvent(asyncEvent{
		PID: pid, TS: ts,
		Phase: phase, Category: category, Name: name,
		ID: fmt.Sprintf("0x%x", cookie),
	})
}

// writeEvent appends one JSON event object to the document.
func (s *Sink) writeEvent(event any) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return fmt.Errorf("sink not started (missing Begin)")
	}
	if s.events > 0 {
		if _, err := s.w.WriteString(",\n"); err != nil {
			return fmt.Errorf("writing separator: %w", err)
		}
	}
	if _, err := s.w.Write(encoded); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	s.events++
	return nil
}
