// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

// Traced-mock generates a synthetic tracing workload against a running
// traced daemon: a configurable number of goroutines each emit nested
// durations, counters, and async pairs through the client library.
// Use it to exercise the full pipeline end to end:
//
//	traced -o /tmp/trace.json &
//	traced-mock --workers 4 --iterations 1000
package main

import (
	"fmt"
	"sync"

	"github.com/spf13/pflag"

	"github.com/traced-foundation/traced/lib/process"
	"github.com/traced-foundation/traced/lib/version"
	"github.com/traced-foundation/traced/trace"
)

func main() {
	if err := runMock(); err != nil {
		process.Fatal(err)
	}
}

func runMock() error {
	var (
		socketPath  string
		workers     int
		iterations  int
		selfTracing bool
		showVersion bool
	)

	pflag.StringVar(&socketPath, "socket", trace.DefaultSocketPath, "control socket of the traced daemon")
	pflag.IntVar(&workers, "workers", 4, "number of emitting goroutines")
	pflag.IntVar(&iterations, "iterations", 100, "event batches per worker")
	pflag.BoolVar(&selfTracing, "self-trace", false, "record the library's own bookkeeping counters")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		version.Print("traced-mock")
		return nil
	}

	options := []trace.Option{trace.WithSocketPath(socketPath)}
	if selfTracing {
		options = append(options, trace.WithSelfTracing())
	}
	trace.Init(options...)
	defer trace.Deinit()

	if !trace.ShouldTrace("mock") {
		return fmt.Errorf("traced daemon not reachable at %s", socketPath)
	}

	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			emitWorkload(worker, iterations)
		}(worker)
	}
	wg.Wait()
	return nil
}

// emitWorkload drives one worker's Tracer through every event kind:
// nested durations via Scope and Span, counters with and without ids,
// and async pairs linked by a per-iteration cookie.
func emitWorkload(worker, iterations int) {
	tracer := trace.NewTracer()
	defer tracer.Close()

	module := fmt.Sprintf("worker%d", worker)
	for i := 0; i < iterations; i++ {
		func() {
			defer tracer.Scope(module, "iteration")()

			cookie := uint64(worker)<<32 | uint64(i)
			tracer.AsyncBegin(module, "request", cookie)

			span := tracer.StartSpan(module, "loading")
			tracer.Counter(module, "queueDepth", uint64(i%17))
			span.Reset(module, "processing")
			tracer.CounterWithID(module, "bytesProcessed", uint64(i)*64, uint64(worker))
			span.End()

			tracer.AsyncEnd(module, "request", cookie)
		}()
	}
}
