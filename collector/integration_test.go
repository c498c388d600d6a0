// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

package collector_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/traced-foundation/traced/collector"
	"github.com/traced-foundation/traced/lib/testutil"
	"github.com/traced-foundation/traced/shm"
	"github.com/traced-foundation/traced/trace"
	"github.com/traced-foundation/traced/wire"
)

// These tests run the real pipeline: client library → control socket →
// shared-memory chunks → collector → JSON document. The trace package
// holds process-global state, so the tests that use it run
// sequentially.

type pipeline struct {
	socketPath string
	shmDir     string
	sink       *collector.Sink
	buf        *bytes.Buffer
	cancel     context.CancelFunc
	served     chan error
}

// startPipeline runs a collector on fresh socket and chunk
// directories and waits until it accepts connections.
func startPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{
		socketPath: filepath.Join(testutil.SocketDir(t), "traced"),
		shmDir:     testutil.ShmDir(t),
		buf:        &bytes.Buffer{},
		served:     make(chan error, 1),
	}

	sink, err := collector.NewSink(p.buf, collector.CompressionNone)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	p.sink = sink
	if err := sink.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	coll, err := collector.New(collector.Config{
		SocketPath: p.socketPath,
		ShmDir:     p.shmDir,
		Sink:       sink,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() { p.served <- coll.Serve(ctx) }()

	testutil.Eventually(t, 5*time.Second, "collector accepting connections", func() bool {
		conn, err := net.Dial("unix", p.socketPath)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	})
	t.Cleanup(func() { cancel() })
	return p
}

// finish waits for the sink to reach wantEvents, stops the collector,
// and returns the parsed document.
func (p *pipeline) finish(t *testing.T, wantEvents int) []map[string]any {
	t.Helper()
	testutil.Eventually(t, 5*time.Second,
		fmt.Sprintf("sink draining to %d events (have %d)", wantEvents, p.sink.Events()),
		func() bool { return p.sink.Events() >= wantEvents },
	)

	p.cancel()
	if err := testutil.RequireReceive(t, p.served, 5*time.Second, "collector shutdown"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if err := p.sink.Close(); err != nil {
		t.Fatalf("closing sink: %v", err)
	}

	var document struct {
		TraceEvents []map[string]any `json:"traceEvents"`
	}
	if err := json.Unmarshal(p.buf.Bytes(), &document); err != nil {
		t.Fatalf("parsing document %q: %v", p.buf.String(), err)
	}
	if len(document.TraceEvents) != wantEvents {
		t.Fatalf("document has %d events, want %d", len(document.TraceEvents), wantEvents)
	}
	return document.TraceEvents
}

// initClient points the client library at the pipeline and tears it
// down with the test.
func (p *pipeline) initClient(t *testing.T, opts ...trace.Option) {
	t.Helper()
	options := append([]trace.Option{
		trace.WithSocketPath(p.socketPath),
		trace.WithShmDir(p.shmDir),
	}, opts...)
	trace.Init(options...)
	t.Cleanup(trace.Deinit)
	if !trace.ShouldTrace("app") {
		t.Fatal("client failed to reach the collector")
	}
}

func TestEndToEndDuration(t *testing.T) {
	p := startPipeline(t)
	p.initClient(t)

	tracer := trace.NewTracer()
	tracer.DurationBegin("app", "main")
	tracer.DurationEnd("app", "main")
	tracer.Close()

	events := p.finish(t, 2)
	for i, phase := range []string{"B", "E"} {
		if events[i]["ph"] != phase || events[i]["cat"] != "app" || events[i]["name"] != "main" {
			t.Errorf("event %d: %v, want ph=%s cat=app name=main", i, events[i], phase)
		}
	}
	if events[0]["pid"] != events[1]["pid"] || events[0]["tid"] != events[1]["tid"] {
		t.Errorf("pid/tid mismatch between begin and end: %v vs %v", events[0], events[1])
	}
}

func TestEndToEndNestedDurations(t *testing.T) {
	p := startPipeline(t)
	p.initClient(t)

	tracer := trace.NewTracer()
	func() {
		defer tracer.Scope("app", "outer")()
		defer tracer.Scope("app", "inner")()
	}()
	tracer.Close()

	events := p.finish(t, 4)
	var sequence []string
	for _, event := range events {
		sequence = append(sequence, fmt.Sprintf("%s:%s", event["ph"], event["name"]))
	}
	want := []string{"B:outer", "B:inner", "E:inner", "E:outer"}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("event order %v, want %v", sequence, want)
		}
	}
}

func TestEndToEndCounter(t *testing.T) {
	p := startPipeline(t)
	p.initClient(t)

	tracer := trace.NewTracer()
	tracer.Counter("app", "freeBuffers", 5)
	tracer.Close()

	events := p.finish(t, 1)
	event := events[0]
	if event["ph"] != "C" || event["name"] != "freeBuffers" {
		t.Fatalf("counter event: %v", event)
	}
	args, ok := event["args"].(map[string]any)
	if !ok || args["freeBuffers"] != 5.0 {
		t.Errorf("counter args: %v", event["args"])
	}
}

func TestEndToEndAsyncPair(t *testing.T) {
	p := startPipeline(t)
	p.initClient(t)

	tracer := trace.NewTracer()
	tracer.AsyncBegin("app", "req", 0x1234)
	tracer.AsyncEnd("app", "req", 0x1234)
	tracer.Close()

	events := p.finish(t, 2)
	for i, phase := range []string{"b", "e"} {
		if events[i]["ph"] != phase || events[i]["id"] != "0x1234" {
			t.Errorf("async event %d: %v, want ph=%s id=0x1234", i, events[i], phase)
		}
	}
}

// Scenario: 200 distinct tracepoints force at least one chunk
// rotation; every event must survive the rotation with its name
// intact.
func TestEndToEndChunkRotation(t *testing.T) {
	p := startPipeline(t)
	p.initClient(t)

	tracer := trace.NewTracer()
	for i := 0; i < 200; i++ {
		name := fmt.Sprintf("tp-%03d", i)
		tracer.DurationBegin("app", name)
		tracer.DurationEnd("app", name)
	}
	tracer.Close()

	events := p.finish(t, 400)

	begins := map[string]int{}
	ends := map[string]int{}
	for _, event := range events {
		name, _ := event["name"].(string)
		switch event["ph"] {
		case "B":
			begins[name]++
		case "E":
			ends[name]++
		}
	}
	for i := 0; i < 200; i++ {
		name := fmt.Sprintf("tp-%03d", i)
		if begins[name] != 1 || ends[name] != 1 {
			t.Errorf("tracepoint %s: %d begins, %d ends", name, begins[name], ends[name])
		}
	}
}

// Scenario: one client announces a valid chunk, then a header-only
// chunk, then a malformed one — and must stay connected, with a final
// valid chunk parsed normally. Also exercises partial-line buffering
// on the control channel.
func TestEndToEndMalformedChunksKeepClientAlive(t *testing.T) {
	p := startPipeline(t)

	conn, err := net.Dial("unix", p.socketPath)
	if err != nil {
		t.Fatalf("dialing collector: %v", err)
	}
	defer conn.Close()

	writeChunk := func(index uint64, fill func(data []byte)) string {
		name := wire.ChunkName(index)
		chunk, err := shm.Create(p.shmDir, name, wire.ChunkSize)
		if err != nil {
			t.Fatalf("creating %s: %v", name, err)
		}
		fill(chunk.Data)
		if err := chunk.CloseWriter(); err != nil {
			t.Fatalf("closing %s: %v", name, err)
		}
		return name
	}
	header := wire.ChunkHeader{Magic: wire.Magic, Version: wire.Version, PID: 1, TID: 1, Epoch: 0}

	// Valid chunk with one event.
	valid := writeChunk(0, func(data []byte) {
		header.Encode(data)
		offset := wire.HeaderSize
		offset += wire.PutRegisterString(data[offset:], 1, "app")
		offset += wire.PutRegisterString(data[offset:], 2, "first")
		wire.PutDuration(data[offset:], wire.Begin, 1, 1, 2)
	})
	// Announce it split across two writes: the collector must join
	// the fragments.
	if _, err := conn.Write([]byte(valid[:5])); err != nil {
		t.Fatalf("writing fragment: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := conn.Write([]byte(valid[5:] + "\n")); err != nil {
		t.Fatalf("writing fragment: %v", err)
	}

	// Header-only chunk: terminates immediately, no events, no error.
	empty := writeChunk(1, func(data []byte) {
		header.Encode(data)
	})
	// Bad magic: skipped with a log.
	bad := writeChunk(2, func(data []byte) {
		badHeader := header
		badHeader.Magic = 0x1111
		badHeader.Encode(data)
	})
	// A name that validates but names no object, and one that does
	// not validate at all.
	announcements := empty + "\n" + bad + "\n\n" + "tracechunk-42\n" + "../escape\n"
	if _, err := conn.Write([]byte(announcements)); err != nil {
		t.Fatalf("writing announcements: %v", err)
	}

	// The same client then delivers another valid chunk.
	second := writeChunk(3, func(data []byte) {
		header.Encode(data)
		offset := wire.HeaderSize
		offset += wire.PutRegisterString(data[offset:], 3, "app")
		offset += wire.PutRegisterString(data[offset:], 4, "second")
		wire.PutDuration(data[offset:], wire.End, 2, 3, 4)
	})
	if _, err := conn.Write([]byte(second + "\n")); err != nil {
		t.Fatalf("writing announcement: %v", err)
	}

	events := p.finish(t, 2)
	if events[0]["name"] != "first" || events[1]["name"] != "second" {
		t.Errorf("surviving events: %v", events)
	}
}

// Two client processes (simulated by two control connections) keep
// separate string tables: the same ids mean different strings per
// client.
func TestEndToEndStringTablesArePerClient(t *testing.T) {
	p := startPipeline(t)

	announce := func(index uint64, category, name string) {
		conn, err := net.Dial("unix", p.socketPath)
		if err != nil {
			t.Fatalf("dialing collector: %v", err)
		}
		defer conn.Close()

		chunkName := wire.ChunkName(index)
		chunk, err := shm.Create(p.shmDir, chunkName, wire.ChunkSize)
		if err != nil {
			t.Fatalf("creating %s: %v", chunkName, err)
		}
		header := wire.ChunkHeader{Magic: wire.Magic, Version: wire.Version, PID: index, TID: 1, Epoch: 0}
		header.Encode(chunk.Data)
		offset := wire.HeaderSize
		offset += wire.PutRegisterString(chunk.Data[offset:], 1, category)
		offset += wire.PutRegisterString(chunk.Data[offset:], 2, name)
		wire.PutDuration(chunk.Data[offset:], wire.Begin, 1, 1, 2)
		if err := chunk.CloseWriter(); err != nil {
			t.Fatalf("closing %s: %v", chunkName, err)
		}

		if _, err := conn.Write([]byte(chunkName + "\n")); err != nil {
			t.Fatalf("announcing %s: %v", chunkName, err)
		}
		// Hold the connection until the chunk is drained so the
		// client state stays alive.
		testutil.Eventually(t, 5*time.Second, "chunk drained", func() bool {
			return p.sink.Events() >= int(index)+1
		})
	}

	announce(0, "alpha", "one")
	announce(1, "beta", "two")

	events := p.finish(t, 2)
	seen := map[string]bool{}
	for _, event := range events {
		seen[fmt.Sprintf("%s/%s", event["cat"], event["name"])] = true
	}
	if !seen["alpha/one"] || !seen["beta/two"] {
		t.Errorf("per-client string tables leaked: %v", events)
	}
}
