// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

package trace

import (
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/traced-foundation/traced/lib/clock"
	"github.com/traced-foundation/traced/shm"
)

// DefaultSocketPath is where Init dials the collector's control
// channel unless WithSocketPath or TRACED_SOCKET says otherwise.
const DefaultSocketPath = "/tmp/traced"

// global holds the process-wide tracing state. Everything here is set
// under mu by Init/Deinit; the emit path reads only enabled (atomic),
// the two counters (atomic), and fields that are immutable between
// Init and Deinit.
var global struct {
	mu          sync.Mutex
	initialized bool

	enabled atomic.Bool

	// conn is the control channel. Chunk-name writes are small enough
	// to be atomic on a unix stream socket, so tracers write to it
	// concurrently without coordination.
	conn net.Conn

	// epoch is the wall-clock origin in microseconds, stamped into
	// every chunk header. epochBase is the same instant with its
	// monotonic reading; record timestamps are Now minus epochBase.
	epoch     uint64
	epochBase time.Time

	clk         clock.Clock
	logger      *slog.Logger
	shmDir      string
	socketPath  string
	selfTracing bool

	// chunkCounter and stringCounter are process-global so chunk
	// names and string ids stay unique across tracers.
	chunkCounter  atomic.Uint64
	stringCounter atomic.Uint64

	// tracers registers live Tracers so Deinit can flush their
	// current chunks.
	tracers map[*Tracer]struct{}
}

// Option adjusts Init behavior. Options exist for embedding and tests;
// plain Init() is the production configuration.
type Option func(*initOptions)

type initOptions struct {
	socketPath  string
	shmDir      string
	clk         clock.Clock
	logger      *slog.Logger
	selfTracing bool
}

// WithSocketPath overrides the control-channel socket path.
func WithSocketPath(path string) Option {
	return func(o *initOptions) { o.socketPath = path }
}

// WithShmDir overrides the shared-memory chunk directory.
func WithShmDir(dir string) Option {
	return func(o *initOptions) { o.shmDir = dir }
}

// WithClock overrides the clock used for the epoch and for record
// timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *initOptions) { o.clk = c }
}

// WithLogger sets the logger for the library's degraded paths
// (disabled-mode entry, control-channel write failures). The default
// discards everything: a tracing library must not pollute the traced
// application's output.
func WithLogger(logger *slog.Logger) Option {
	return func(o *initOptions) { o.logger = logger }
}

// WithSelfTracing makes every Tracer record its own bookkeeping
// (remaining chunk capacity, chunks allocated) as counters under the
// "systrace" category after each emit.
func WithSelfTracing() Option {
	return func(o *initOptions) { o.selfTracing = true }
}

// Init performs first-time setup: it records the clock epoch, sweeps
// stale chunk objects left by a crashed prior run, and dials the
// collector's control channel. Idempotent — calls after the first are
// no-ops.
//
// If the control channel cannot be dialed (the daemon is not running),
// or TRACED=1 is set in the environment, the library enters disabled
// mode: ShouldTrace returns false and every emit is a no-op. This is
// not an error — an application with tracing compiled in runs
// untraced.
func Init(opts ...Option) {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.initialized {
		return
	}

	options := initOptions{
		socketPath: DefaultSocketPath,
		shmDir:     shm.Dir(),
		clk:        clock.Real(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if env := os.Getenv("TRACED_SOCKET"); env != "" {
		options.socketPath = env
	}
	for _, opt := range opts {
		opt(&options)
	}

	global.clk = options.clk
	global.logger = options.logger
	global.shmDir = options.shmDir
	global.socketPath = options.socketPath
	global.selfTracing = options.selfTracing
	if global.tracers == nil {
		global.tracers = make(map[*Tracer]struct{})
	}
	global.chunkCounter.Store(0)
	global.stringCounter.Store(0)

	start := global.clk.Now()
	global.epoch = uint64(start.UnixMicro())
	global.epochBase = start

	global.initialized = true

	// TRACED is set when this process runs inside the daemon itself
	// or a helper that must not be traced: stay disabled and leave
	// the chunk directory alone.
	if os.Getenv("TRACED") != "" {
		return
	}

	// Clear leftovers from a prior crash. Live chunks of this run
	// cannot exist yet — the counter starts at zero.
	if removed, err := shm.Sweep(global.shmDir); err != nil {
		global.logger.Warn("sweeping stale chunks", "dir", global.shmDir, "error", err)
	} else if removed > 0 {
		global.logger.Debug("swept stale chunks", "dir", global.shmDir, "count", removed)
	}

	conn, err := net.Dial("unix", global.socketPath)
	if err != nil {
		global.logger.Debug("collector not reachable, tracing disabled",
			"socket", global.socketPath, "error", err)
		return
	}
	global.conn = conn
	global.enabled.Store(true)
}

// Deinit flushes the current chunk of every live Tracer, publishing
// their names on the control channel, then closes the channel. Safe
// to call multiple times, and safe to call Init again afterwards.
//
// Deinit must not race in-flight emits: the caller is responsible for
// quiescing tracing goroutines first, the same contract the underlying
// transport has always had at process exit.
func Deinit() {
	global.mu.Lock()
	defer global.mu.Unlock()
	if !global.initialized {
		return
	}

	// Stop new emits before touching tracer state.
	global.enabled.Store(false)

	for tracer := range global.tracers {
		tracer.flushLocked()
	}

	if global.conn != nil {
		global.conn.Close()
		global.conn = nil
	}
	global.initialized = false
}

// ShouldTrace reports whether events for module would be recorded.
// Callers use it to skip preparation work (formatting names, computing
// counter values) when tracing is disabled. It returns false whenever
// the control channel is not open.
func ShouldTrace(module string) bool {
	return global.enabled.Load()
}

// nowMicros returns the current record timestamp: microseconds since
// the init epoch, measured on the monotonic clock.
func nowMicros() uint64 {
	return uint64(global.clk.Now().Sub(global.epochBase) / time.Microsecond)
}

// submitName publishes a finished chunk's name on the control channel.
// A write error is logged and the chunk is lost; the next chunk will
// try again. The write is a single short message, atomic on the
// stream socket, so concurrent tracers need no lock here.
func submitName(name string) {
	conn := global.conn
	if conn == nil {
		return
	}
	if _, err := conn.Write([]byte(name + "\n")); err != nil {
		global.logger.Warn("submitting chunk to collector", "chunk", name, "error", err)
	}
}
