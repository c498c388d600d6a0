// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

// Package trace is the client side of the traced pipeline: applications
// link it to emit duration, counter, and async trace events with
// minimal overhead. Events are written into fixed-size shared-memory
// chunks and handed to the traced collector out-of-band, so the emit
// path never blocks on the consumer.
//
// Call Init once at startup and Deinit before exit. Each goroutine
// that emits events owns a Tracer:
//
//	trace.Init()
//	defer trace.Deinit()
//
//	tracer := trace.NewTracer()
//	defer tracer.Close()
//
//	defer tracer.Scope("app", "main")()
//	tracer.Counter("app", "freeBuffers", 5)
//
// A Tracer is not safe for concurrent use; it owns its current chunk
// exclusively, which is what keeps the emit path free of locks. When
// the collector daemon is not running (or TRACED=1 is set in the
// environment) the library is disabled and every operation is a no-op;
// ShouldTrace reports this so callers can skip expensive preparation.
//
// Module and tracepoint strings are interned: each distinct string is
// written once per Tracer as a RegisterString record, and every event
// record carries only the ids (the tracepoint id as 64 bits, the
// category id narrowed to 16 bits). This keeps event records
// constant-size.
package trace
