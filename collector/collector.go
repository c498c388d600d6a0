// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/traced-foundation/traced/shm"
	"github.com/traced-foundation/traced/wire"
)

// Config configures a Collector. Zero values get defaults.
type Config struct {
	// SocketPath is the control socket to listen on.
	// Default /tmp/traced.
	SocketPath string

	// ShmDir is the chunk directory. Default shm.Dir().
	ShmDir string

	// Sink receives decoded events. Required.
	Sink *Sink

	// Logger receives operational logging. Default discards.
	Logger *slog.Logger
}

// Collector accepts client connections on the control socket and
// turns announced chunks into trace events.
type Collector struct {
	socketPath string
	shmDir     string
	sink       *Sink
	logger     *slog.Logger

	// conns tracks open client connections so shutdown can unblock
	// their readers.
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates a Collector from cfg.
func New(cfg Config) (*Collector, error) {
	if cfg.Sink == nil {
		return nil, errors.New("collector: Config.Sink is required")
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = "/tmp/traced"
	}
	if cfg.ShmDir == "" {
		cfg.ShmDir = shm.Dir()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Collector{
		socketPath: cfg.SocketPath,
		shmDir:     cfg.ShmDir,
		sink:       cfg.Sink,
		logger:     cfg.Logger,
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// Serve sweeps stale chunks, binds the control socket, and accepts
// clients until ctx is cancelled. Each client runs on its own
// goroutine; Serve waits for all of them before returning. Startup
// failures (stale-socket removal, bind) are returned; everything after
// startup is per-client and only logged.
func (c *Collector) Serve(ctx context.Context) error {
	swept, err := shm.Sweep(c.shmDir)
	if err != nil {
		return fmt.Errorf("startup sweep: %w", err)
	}
	if swept > 0 {
		c.logger.Info("swept stale chunks", "dir", c.shmDir, "count", swept)
	}

	if err := os.Remove(c.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", c.socketPath, err)
	}
	listener, err := net.Listen("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", c.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(c.socketPath)
	}()

	// Unblock Accept and all client readers when the context is
	// cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
		c.mu.Lock()
		for conn := range c.conns {
			conn.Close()
		}
		c.mu.Unlock()
	}()

	c.logger.Info("collector listening", "socket", c.socketPath, "shm_dir", c.shmDir)

	var clients sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			c.logger.Error("accept failed", "error", err)
			continue
		}

		c.mu.Lock()
		c.conns[conn] = struct{}{}
		c.mu.Unlock()

		clients.Add(1)
		go func() {
			defer clients.Done()
			defer func() {
				c.mu.Lock()
				delete(c.conns, conn)
				c.mu.Unlock()
				conn.Close()
			}()
			c.handleClient(conn)
		}()
	}

	clients.Wait()
	return nil
}

// handleClient reads newline-delimited chunk announcements until the
// client disconnects. The scanner buffers partial lines across reads;
// empty lines are ignored. When the client goes away its string table
// goes with it — chunks it announced but never delivered resolve to
// nothing.
func (c *Collector) handleClient(conn net.Conn) {
	client := newClientState()
	logger := c.logger.With("client", conn.RemoteAddr().String())
	logger.Debug("client connected")

	scanner := bufio.NewScanner(conn)
	// A line is one chunk name; allow slack but nothing pathological.
	scanner.Buffer(make([]byte, 0, 256), 4096)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		c.processChunk(client, line, logger)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Warn("client read failed", "error", err)
	}
	logger.Debug("client disconnected", "chunks", client.chunksSeen)
}

// processChunk opens, parses, and discards one announced chunk. The
// name is validated before it touches the filesystem — the control
// channel must not be able to make the daemon open arbitrary paths.
func (c *Collector) processChunk(client *clientState, name string, logger *slog.Logger) {
	if _, ok := wire.ParseChunkName(name); !ok {
		logger.Warn("ignoring invalid chunk name", "name", name)
		return
	}

	data, err := shm.OpenReadOnly(c.shmDir, name, wire.ChunkSize)
	if err != nil {
		logger.Warn("opening chunk", "chunk", name, "error", err)
		return
	}
	defer func() {
		if err := shm.Unmap(data); err != nil {
			logger.Warn("unmapping chunk", "chunk", name, "error", err)
		}
	}()

	client.chunksSeen++
	if err := c.parseChunk(client, data); err != nil {
		logger.Warn("parsing chunk", "chunk", name, "error", err)
	}
}
