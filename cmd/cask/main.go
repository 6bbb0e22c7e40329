// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/pflag"

	"github.com/cask-foundation/cask/lib/nixbin"
	"github.com/cask-foundation/cask/store"
)

// defaultSocket is where the daemon conventionally listens.
const defaultSocket = "/nix/var/nix/daemon-socket/socket"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() string {
	return strings.TrimSpace(`
usage: cask [flags] <command> [args]

commands:
  ping                  connect and print the daemon's protocol version
  info <path>           print metadata for a store path
  valid <path>...       print which of the given paths are valid
  roots                 list garbage collector roots
  gc [--dry-run]        collect garbage
  missing <path>...     show what realising the paths would take
  upload-log <drv> <file>
                        upload a build log (.zst files are decompressed)

flags:
  --config FILE         YAML config file (default $CASK_CONFIG)
  --socket PATH         daemon socket path
  --fork-daemon         fork "nix-daemon --stdio" instead of dialing
  --verbose             log client activity to stderr
`)
}

func run(args []string) error {
	flags := pflag.NewFlagSet("cask", pflag.ContinueOnError)
	configPath := flags.String("config", "", "YAML config file")
	socketPath := flags.String("socket", "", "daemon socket path")
	forkDaemon := flags.Bool("fork-daemon", false, "fork a daemon process instead of dialing the socket")
	verbose := flags.Bool("verbose", false, "log client activity to stderr")
	dryRun := flags.Bool("dry-run", false, "for gc: report dead paths without deleting")
	flags.SetInterspersed(true)
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			fmt.Println(usage())
			return nil
		}
		return err
	}
	rest := flags.Args()
	if len(rest) == 0 {
		fmt.Println(usage())
		return fmt.Errorf("command required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *socketPath != "" {
		cfg.Socket = *socketPath
	}
	if cfg.Socket == "" {
		cfg.Socket = defaultSocket
	}

	log := slog.New(slog.DiscardHandler)
	if *verbose {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	s, uri, err := openStore(cfg, *forkDaemon, log)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command, commandArgs := rest[0], rest[1:]
	switch command {
	case "ping":
		return cmdPing(ctx, s, uri)
	case "info":
		return cmdInfo(ctx, s, commandArgs)
	case "valid":
		return cmdValid(ctx, s, commandArgs)
	case "roots":
		return cmdRoots(ctx, s)
	case "gc":
		return cmdGC(ctx, s, *dryRun)
	case "missing":
		return cmdMissing(ctx, s, commandArgs)
	case "upload-log":
		return cmdUploadLog(ctx, s, commandArgs)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func openStore(cfg *fileConfig, forkDaemon bool, log *slog.Logger) (*store.Store, string, error) {
	var dial store.DialFunc
	uri := cfg.Socket
	switch {
	case forkDaemon || len(cfg.DaemonCommand) > 0:
		argv := cfg.DaemonCommand
		if len(argv) == 0 {
			binary, err := nixbin.Find("nix-daemon")
			if err != nil {
				return nil, "", err
			}
			argv = []string{binary, "--stdio"}
		} else {
			binary, err := nixbin.Find(argv[0])
			if err != nil {
				return nil, "", err
			}
			argv = append([]string{binary}, argv[1:]...)
		}
		dial = store.DialCommand(argv...)
		uri = "exec://" + argv[0]
	default:
		dial = store.DialUnix(cfg.Socket)
		uri = "unix://" + cfg.Socket
	}

	settings := store.DefaultSettings()
	settings.Overrides = cfg.Settings

	s, err := store.Open(store.Config{
		URI:              uri,
		Dial:             dial,
		MaxConnections:   cfg.MaxConnections,
		MaxConnectionAge: time.Duration(cfg.MaxConnectionAge),
		Settings:         settings,
		Logger:           newConsoleLogger(),
		Log:              log,
	})
	if err != nil {
		return nil, "", err
	}
	return s, uri, nil
}

func cmdPing(ctx context.Context, s *store.Store, uri string) error {
	version, err := s.GetProtocol(ctx)
	if err != nil {
		return err
	}
	daemonVersion, err := s.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s: protocol %d.%d", uri, version>>8, version&0xff)
	if daemonVersion != "" {
		fmt.Printf(", daemon %s", daemonVersion)
	}
	if trust, err := s.IsTrustedClient(ctx); err == nil && trust != nil {
		fmt.Printf(", %s", trust)
	}
	fmt.Println()
	return nil
}

func cmdInfo(ctx context.Context, s *store.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cask info <path>")
	}
	info, err := s.QueryPathInfo(ctx, store.StorePath(args[0]))
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("path %s is not valid", args[0])
	}
	fmt.Printf("path: %s\n", info.Path)
	if info.Deriver != "" {
		fmt.Printf("deriver: %s\n", info.Deriver)
	}
	fmt.Printf("nar-hash: %s\n", info.NarHash)
	fmt.Printf("nar-size: %d\n", info.NarSize)
	if info.RegistrationTime != 0 {
		fmt.Printf("registered: %s\n", time.Unix(int64(info.RegistrationTime), 0).Format(time.RFC3339))
	}
	for _, reference := range info.References {
		fmt.Printf("reference: %s\n", reference)
	}
	for _, sig := range info.Sigs {
		fmt.Printf("signature: %s\n", sig)
	}
	if info.CA != "" {
		fmt.Printf("content-address: %s\n", info.CA)
	}
	return nil
}

func cmdValid(ctx context.Context, s *store.Store, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: cask valid <path>...")
	}
	paths := make([]store.StorePath, len(args))
	for i, arg := range args {
		paths[i] = store.StorePath(arg)
	}
	valid, err := s.QueryValidPaths(ctx, paths, false)
	if err != nil {
		return err
	}
	for _, path := range valid {
		fmt.Println(path)
	}
	return nil
}

func cmdRoots(ctx context.Context, s *store.Store) error {
	roots, err := s.FindRoots(ctx)
	if err != nil {
		return err
	}
	for link, target := range roots {
		fmt.Printf("%s -> %s\n", link, target)
	}
	return nil
}

func cmdGC(ctx context.Context, s *store.Store, dryRun bool) error {
	action := store.GCDeleteDead
	if dryRun {
		action = store.GCReturnDead
	}
	results, err := s.CollectGarbage(ctx, store.GCOptions{Action: action})
	if err != nil {
		return err
	}
	for _, path := range results.Paths {
		fmt.Println(path)
	}
	if !dryRun {
		fmt.Printf("%d bytes freed\n", results.BytesFreed)
	}
	return nil
}

func cmdMissing(ctx context.Context, s *store.Store, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: cask missing <path>...")
	}
	targets := make([]store.DerivedPath, len(args))
	for i, arg := range args {
		targets[i] = store.OpaquePath{Path: store.StorePath(arg)}
	}
	missing, err := s.QueryMissing(ctx, targets)
	if err != nil {
		return err
	}
	for _, path := range missing.WillBuild {
		fmt.Printf("will build: %s\n", path)
	}
	for _, path := range missing.WillSubstitute {
		fmt.Printf("will substitute: %s\n", path)
	}
	for _, path := range missing.Unknown {
		fmt.Printf("unknown: %s\n", path)
	}
	fmt.Printf("download: %d bytes, unpacked: %d bytes\n", missing.DownloadSize, missing.NarSize)
	return nil
}

func cmdUploadLog(ctx context.Context, s *store.Store, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: cask upload-log <drv-path> <log-file>")
	}
	drvPath, logFile := store.StorePath(args[0]), args[1]

	file, err := os.Open(logFile)
	if err != nil {
		return err
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(logFile, ".zst") {
		// The daemon stores logs itself; it wants plain text.
		decoder, err := zstd.NewReader(file)
		if err != nil {
			return fmt.Errorf("opening zstd log %s: %w", logFile, err)
		}
		defer decoder.Close()
		reader = decoder
	}
	return s.AddBuildLog(ctx, drvPath, reader)
}
