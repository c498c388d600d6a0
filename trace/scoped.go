// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

package trace

// Scope records a duration begin and returns the matching end, for use
// with defer:
//
//	defer tracer.Scope("app", "main")()
//
// The pair is guaranteed on every exit path, panics included.
func (t *Tracer) Scope(module, tracepoint string) func() {
	t.DurationBegin(module, tracepoint)
	return func() { t.DurationEnd(module, tracepoint) }
}

// AsyncScope records an async begin and returns the matching end:
//
//	defer tracer.AsyncScope("app", "request", cookie)()
func (t *Tracer) AsyncScope(module, tracepoint string, cookie uint64) func() {
	t.AsyncBegin(module, tracepoint, cookie)
	return func() { t.AsyncEnd(module, tracepoint, cookie) }
}

// Span is an open duration event that can be ended explicitly or
// re-pointed at a new tracepoint mid-flight. It exists for tracing a
// function's phases under a single handle:
//
//	span := tracer.StartSpan("app", "loading")
//	defer span.End()
//	load()
//	span.Reset("app", "processing")
//	process()
//
// This records "loading" and then "processing" back to back, with End
// closing whichever is current.
type Span struct {
	tracer     *Tracer
	module     string
	tracepoint string
	ended      bool
}

// StartSpan opens a duration event and returns its handle.
func (t *Tracer) StartSpan(module, tracepoint string) *Span {
	t.DurationBegin(module, tracepoint)
	return &Span{tracer: t, module: module, tracepoint: tracepoint}
}

// End closes the span's current duration event. Calling End again is
// a no-op.
func (s *Span) End() {
	if s.ended {
		return
	}
	s.ended = true
	s.tracer.DurationEnd(s.module, s.tracepoint)
}

// Reset ends the current duration event and begins a new one in its
// place.
func (s *Span) Reset(module, tracepoint string) {
	s.End()
	s.module = module
	s.tracepoint = tracepoint
	s.ended = false
	s.tracer.DurationBegin(module, tracepoint)
}
