// Copyright 2026 The Traced Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/oklog/run"
	"github.com/spf13/pflag"

	"github.com/traced-foundation/traced/collector"
	"github.com/traced-foundation/traced/lib/config"
	"github.com/traced-foundation/traced/lib/process"
	"github.com/traced-foundation/traced/lib/version"
)

func main() {
	if err := runDaemon(); err != nil {
		process.Fatal(err)
	}
}

func runDaemon() error {
	var (
		configPath  string
		socketPath  string
		shmDir      string
		output      string
		compress    string
		logLevel    string
		showVersion bool
	)

	pflag.StringVar(&configPath, "config", "", "YAML configuration file (or TRACED_CONFIG)")
	pflag.StringVar(&socketPath, "socket", "", "control socket path (default /tmp/traced)")
	pflag.StringVar(&shmDir, "shm-dir", "", "shared-memory chunk directory (default /dev/shm)")
	pflag.StringVarP(&output, "output", "o", "", "trace document destination, \"-\" for stdout (default -)")
	pflag.StringVar(&compress, "compress", "", "output compression: none, gzip, or zstd (default from output suffix)")
	pflag.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, or error (default info)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		version.Print("traced")
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Flags override the config file.
	if pflag.CommandLine.Changed("socket") {
		cfg.SocketPath = socketPath
	}
	if pflag.CommandLine.Changed("shm-dir") {
		cfg.ShmDir = shmDir
	}
	if pflag.CommandLine.Changed("output") {
		cfg.Output = output
	}
	if pflag.CommandLine.Changed("compress") {
		cfg.Compress = compress
	}
	if pflag.CommandLine.Changed("log-level") {
		cfg.LogLevel = logLevel
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	compression, err := outputCompression(cfg)
	if err != nil {
		return err
	}

	// Nothing is written to the output path until the prologue goes
	// out below; a daemon that fails startup leaves no partial file
	// behind it.
	out, closeOut, err := openOutput(cfg.Output)
	if err != nil {
		return err
	}
	defer closeOut()

	sink, err := collector.NewSink(out, compression)
	if err != nil {
		return err
	}

	coll, err := collector.New(collector.Config{
		SocketPath: cfg.SocketPath,
		ShmDir:     cfg.ShmDir,
		Sink:       sink,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	if err := sink.Begin(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var group run.Group
	group.Add(func() error {
		return coll.Serve(ctx)
	}, func(error) {
		cancel()
	})
	group.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = group.Run()

	// The epilogue completes the document regardless of how the group
	// ended; a signal is the normal way to stop.
	if closeErr := sink.Close(); closeErr != nil {
		logger.Error("closing sink", "error", closeErr)
	}
	logger.Info("collector stopped", "events", sink.Events())

	var signalErr run.SignalError
	if errors.As(err, &signalErr) {
		logger.Info("shut down", "signal", signalErr.Signal)
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// outputCompression resolves the compression mode: an explicit config
// value wins, otherwise the output suffix decides.
func outputCompression(cfg config.Config) (collector.Compression, error) {
	if cfg.Compress != "" {
		return collector.ParseCompression(cfg.Compress)
	}
	switch {
	case strings.HasSuffix(cfg.Output, ".gz"):
		return collector.CompressionGzip, nil
	case strings.HasSuffix(cfg.Output, ".zst"):
		return collector.CompressionZstd, nil
	default:
		return collector.CompressionNone, nil
	}
}

// openOutput opens the trace document destination. "-" (or empty)
// means stdout, which is left open on shutdown.
func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output %s: %w", path, err)
	}
	return file, func() { file.Close() }, nil
}
