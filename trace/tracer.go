// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

package trace

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/traced-foundation/traced/shm"
	"github.com/traced-foundation/traced/wire"
)

// Tracer writes trace events for a single goroutine. It owns its
// current shared-memory chunk exclusively — there is no inter-tracer
// synchronization on the emit path — so a Tracer must not be shared
// between goroutines. Create one per goroutine and Close it when the
// goroutine is done emitting.
type Tracer struct {
	chunk     *shm.Chunk
	offset    int
	remaining int
	tid       uint64

	// strings caches interned ids per tracer. Ids come from the
	// process-global counter, so two tracers interning the same
	// string emit two RegisterString records with different ids; the
	// collector resolves both. This duplication buys a lock-free
	// intern fast path.
	strings map[string]uint64

	// inSelfTrace breaks the recursion when self-tracing counters
	// are themselves being emitted.
	inSelfTrace bool

	closed bool
}

// NewTracer returns a Tracer for the calling goroutine. The chunk
// headers it writes carry the OS thread id observed here; goroutines
// migrate between threads, but the id still partitions events by
// their emitting context, which is what the trace viewer's per-tid
// lanes need.
func NewTracer() *Tracer {
	t := &Tracer{
		tid:     uint64(unix.Gettid()),
		strings: make(map[string]uint64),
	}
	global.mu.Lock()
	if global.tracers == nil {
		global.tracers = make(map[*Tracer]struct{})
	}
	global.tracers[t] = struct{}{}
	global.mu.Unlock()
	return t
}

// DurationBegin records the start of a duration event. Every
// DurationBegin must be matched by a DurationEnd with the same module
// and tracepoint on the same Tracer; pairs nest.
func (t *Tracer) DurationBegin(module, tracepoint string) {
	if !global.enabled.Load() {
		return
	}
	t.emitDuration(wire.Begin, module, tracepoint)
	t.selfTrace()
}

// DurationEnd records the end of the innermost matching duration
// event.
func (t *Tracer) DurationEnd(module, tracepoint string) {
	if !global.enabled.Load() {
		return
	}
	t.emitDuration(wire.End, module, tracepoint)
	t.selfTrace()
}

// Counter records an instantaneous counter value.
func (t *Tracer) Counter(module, tracepoint string, value uint64) {
	if !global.enabled.Load() {
		return
	}
	category, point := t.intern(module), t.intern(tracepoint)
	t.ensure(wire.CounterSize)
	t.advance(wire.PutCounter(t.cursor(), nowMicros(), uint16(category), point, value))
	t.selfTrace()
}

// CounterWithID records a counter value on a caller-identified series,
// for tracking several instances of the same variable side by side.
func (t *Tracer) CounterWithID(module, tracepoint string, value, id uint64) {
	if !global.enabled.Load() {
		return
	}
	category, point := t.intern(module), t.intern(tracepoint)
	t.ensure(wire.CounterWithIDSize)
	t.advance(wire.PutCounterWithID(t.cursor(), nowMicros(), uint16(category), point, value, id))
	t.selfTrace()
}

// AsyncBegin records the start of an asynchronous event. The cookie is
// an opaque 64-bit identifier linking it to the matching AsyncEnd,
// which may happen on a different Tracer.
func (t *Tracer) AsyncBegin(module, tracepoint string, cookie uint64) {
	if !global.enabled.Load() {
		return
	}
	t.emitAsync(wire.AsyncBegin, module, tracepoint, cookie)
	t.selfTrace()
}

// AsyncEnd records the end of the asynchronous event with the same
// cookie.
func (t *Tracer) AsyncEnd(module, tracepoint string, cookie uint64) {
	if !global.enabled.Load() {
		return
	}
	t.emitAsync(wire.AsyncEnd, module, tracepoint, cookie)
	t.selfTrace()
}

// Remaining returns the free capacity of the current chunk in bytes,
// zero when no chunk is open. Exposed for instrumentation; the
// self-tracing counters record the same value.
func (t *Tracer) Remaining() int {
	if t.chunk == nil {
		return 0
	}
	return t.remaining
}

// Flush submits the current chunk (if any) to the collector without
// waiting for it to fill. The next emit starts a fresh chunk.
func (t *Tracer) Flush() {
	global.mu.Lock()
	defer global.mu.Unlock()
	t.flushLocked()
}

// Close flushes the current chunk and unregisters the Tracer. The
// Tracer must not be used afterwards.
func (t *Tracer) Close() {
	global.mu.Lock()
	defer global.mu.Unlock()
	if t.closed {
		return
	}
	t.flushLocked()
	t.closed = true
	delete(global.tracers, t)
}

// emitDuration interns both strings, then reserves and writes the
// record. Interning runs first so a RegisterString and the event that
// needs it are ordered correctly even when the reservation rotates to
// a fresh chunk.
func (t *Tracer) emitDuration(typ wire.MessageType, module, tracepoint string) {
	category, point := t.intern(module), t.intern(tracepoint)
	t.ensure(wire.DurationSize)
	t.advance(wire.PutDuration(t.cursor(), typ, nowMicros(), uint16(category), point))
}

func (t *Tracer) emitAsync(typ wire.MessageType, module, tracepoint string, cookie uint64) {
	category, point := t.intern(module), t.intern(tracepoint)
	t.ensure(wire.AsyncSize)
	t.advance(wire.PutAsync(t.cursor(), typ, nowMicros(), uint16(category), point, cookie))
}

// intern resolves s to its id, allocating a fresh id and emitting a
// RegisterString record on first use by this Tracer. The fast path is
// a single map lookup.
func (t *Tracer) intern(s string) uint64 {
	if id, ok := t.strings[s]; ok {
		return id
	}
	id := global.stringCounter.Add(1)
	t.strings[s] = id
	t.ensure(wire.RegisterStringSize(s))
	t.advance(wire.PutRegisterString(t.cursor(), id, s))
	return id
}

// ensure guarantees the current chunk has at least needed bytes free,
// submitting the full chunk and allocating a fresh one if not.
//
// Chunk allocation failure is fatal: tracing was compiled in
// deliberately, and shm exhaustion is a resource problem the operator
// must see rather than silent event loss.
func (t *Tracer) ensure(needed int) {
	if t.chunk != nil && t.remaining >= needed {
		return
	}
	if t.chunk != nil {
		t.submit()
	}

	name := wire.ChunkName(global.chunkCounter.Add(1) - 1)
	chunk, err := shm.Create(global.shmDir, name, wire.ChunkSize)
	if err != nil {
		panic(fmt.Sprintf("trace: allocating chunk: %v", err))
	}
	t.chunk = chunk

	header := wire.ChunkHeader{
		Magic:   wire.Magic,
		Version: wire.Version,
		PID:     uint64(os.Getpid()),
		TID:     t.tid,
		Epoch:   global.epoch,
	}
	header.Encode(chunk.Data)
	t.offset = wire.HeaderSize
	t.remaining = wire.ChunkSize - wire.HeaderSize
}

// cursor returns the write position in the current chunk.
func (t *Tracer) cursor() []byte {
	return t.chunk.Data[t.offset:]
}

// advance moves the write cursor. The remaining capacity is an
// invariant: ensure reserved the space, so it can never go negative.
func (t *Tracer) advance(n int) {
	t.offset += n
	t.remaining -= n
	if t.remaining < 0 {
		panic(fmt.Sprintf("trace: chunk overrun by %d bytes", -t.remaining))
	}
}

// submit hands the current chunk to the collector: release the
// mapping, then publish the name. After this the chunk belongs to the
// daemon.
func (t *Tracer) submit() {
	name := t.chunk.Name
	if err := t.chunk.CloseWriter(); err != nil {
		global.logger.Warn("releasing chunk", "chunk", name, "error", err)
	}
	t.chunk = nil
	t.remaining = 0
	submitName(name)
}

// flushLocked submits the current chunk if any. Caller holds
// global.mu.
func (t *Tracer) flushLocked() {
	if t.chunk == nil {
		return
	}
	t.submit()
}

// selfTrace records the tracer's own bookkeeping as counters, guarded
// against recursing into itself.
func (t *Tracer) selfTrace() {
	if !global.selfTracing || t.inSelfTrace {
		return
	}
	t.inSelfTrace = true
	t.Counter("systrace", "remainingChunkSize", uint64(t.Remaining()))
	t.Counter("systrace", "chunkCount", global.chunkCounter.Load())
	t.inSelfTrace = false
}
