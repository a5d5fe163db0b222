// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// ringboard-server is the single privileged writer of a clipboard
// history data directory: it owns the ring files, the bucket
// allocator, and the advisory lock, and it is the only process that
// may mutate on-disk state (SPEC_FULL.md §4, §5). It exposes two
// Unix stream sockets — the core binary protocol (internal/reactor +
// internal/server) and a CBOR control-plane socket (internal/adminsock)
// for gc/reload-settings — and nothing else talks to the data
// directory's internal formats directly.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ringboard/ringboard/internal/adminsock"
	"github.com/ringboard/ringboard/internal/entry"
	"github.com/ringboard/ringboard/internal/layout"
	"github.com/ringboard/ringboard/internal/reactor"
	"github.com/ringboard/ringboard/internal/ringlog"
	"github.com/ringboard/ringboard/internal/server"
	"github.com/ringboard/ringboard/internal/settings"
	"github.com/ringboard/ringboard/lib/process"
	"github.com/ringboard/ringboard/lib/ringreader"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var dataDir string
	var logLevel string
	var logJSON bool

	flagSet := pflag.NewFlagSet("ringboard-server", pflag.ContinueOnError)
	flagSet.StringVar(&dataDir, "data-dir", "", "clipboard history data directory (default: $RINGBOARD_DIR or $XDG_DATA_HOME/ringboard)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&logJSON, "log-json", true, "write structured JSON logs to stderr")
	help := flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println("ringboard-server " + version)
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if *help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}

	var log *slog.Logger
	if logJSON {
		log = ringlog.New(os.Stderr, level, "server")
	} else {
		log = ringlog.NewText(os.Stderr, level, "server")
	}

	if dataDir != "" {
		os.Setenv("RINGBOARD_DIR", dataDir)
	}

	return serve(log)
}

// serve opens the data directory, starts both sockets, and blocks
// until SIGINT/SIGTERM or a fatal reactor error.
func serve(log *slog.Logger) error {
	dirs, err := layout.Resolve()
	if err != nil {
		return fmt.Errorf("resolving data directory: %w", err)
	}
	if err := dirs.Ensure(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := dirs.CheckVersion(); err != nil {
		return fmt.Errorf("checking on-disk version: %w", err)
	}
	if err := dirs.WriteVersion(); err != nil {
		return fmt.Errorf("writing on-disk version: %w", err)
	}

	lock, err := layout.AcquireLock(dirs)
	if err != nil {
		return fmt.Errorf("acquiring data directory lock: %w", err)
	}
	defer lock.Release()

	store, err := entry.Open(dirs)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	cfg, err := settings.Load(dirs.SettingsFile())
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	handler := server.New(store, cfg, ringlog.New(os.Stderr, slog.LevelInfo, "dispatch"))

	core, err := reactor.New(dirs.SocketFile(), handler, ringlog.New(os.Stderr, slog.LevelInfo, "reactor"))
	if err != nil {
		return fmt.Errorf("starting core socket: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	coreDone := make(chan error, 1)
	go func() { coreDone <- core.Run() }()

	adminClient := ringreader.Dial(dirs.SocketFile())

	admin := adminsock.New(dirs.AdminSocketFile(), adminClient, ringlog.New(os.Stderr, slog.LevelInfo, "adminsock"))
	adminDone := make(chan error, 1)
	go func() { adminDone <- admin.Serve(ctx) }()

	notifyReady(log)
	log.Info("ringboard-server listening", "socket", dirs.SocketFile(), "admin_socket", dirs.AdminSocketFile())

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-coreDone:
		cancel()
		<-adminDone
		if err != nil {
			return fmt.Errorf("core socket: %w", err)
		}
		return nil
	}

	if err := core.Shutdown(); err != nil {
		log.Warn("reactor shutdown", "error", err)
	}
	if err := <-coreDone; err != nil {
		log.Warn("reactor run", "error", err)
	}
	if err := core.Close(); err != nil {
		log.Warn("reactor close", "error", err)
	}
	<-adminDone

	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// notifyReady tells a supervising service manager the server is ready,
// per SPEC_FULL.md §6: once the core socket is listening and the data
// directory has passed its version check, write a single "READY=1\n"
// datagram to $NOTIFY_SOCKET if the environment set one. The admin
// socket is bound inside its own Serve goroutine and may not be
// listening yet when the datagram is sent. This is the
// entire sd_notify wire protocol; no client library is needed for a
// one-shot unsupervised datagram, and systemd itself never replies.
func notifyReady(log *slog.Logger) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}

	addr := &net.UnixAddr{Name: socketPath, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		log.Warn("notifying service manager", "error", err)
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("READY=1\n")); err != nil {
		log.Warn("writing readiness notification", "error", err)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprint(os.Stderr, `ringboard-server — persistent clipboard history daemon.

Owns a data directory's ring files, bucket allocator, and advisory
lock, and is the only process that may mutate on-disk state. Exposes
the core binary protocol on a Unix stream socket and a CBOR
control-plane socket (gc/reload-settings) alongside it. Readers
interact with history by mmap'ing the data directory's files directly;
the server is never a read proxy.

Usage:
  ringboard-server [flags]

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
