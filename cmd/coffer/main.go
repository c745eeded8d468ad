// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

// coffer is a command-line front end for the Coffer secure storage
// library: store, retrieve, and manage encrypted records in a storage
// root, watch the root for external modifications, and move records
// between devices via encrypted-at-rest export bundles (records are
// re-encrypted under the destination device's key on import).
//
// Configuration comes from a YAML file (COFFER_CONFIG or --config);
// --root and --identity override it for ad-hoc use.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/coffer-project/coffer/lib/coffer"
	"github.com/coffer-project/coffer/lib/config"
	"github.com/coffer-project/coffer/lib/deviceid"
	"github.com/coffer-project/coffer/lib/dirwatch"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var root string
	var identityOverride string
	var logLevel string

	flagSet := pflag.NewFlagSet("coffer", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to coffer.yaml (default: $COFFER_CONFIG)")
	flagSet.StringVar(&root, "root", "", "storage root directory (overrides config)")
	flagSet.StringVar(&identityOverride, "identity", "", "fixed device identity (default: system machine ID)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn, or error (overrides config)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	cfg, err := resolveConfig(configPath, root, logLevel)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	arguments := flagSet.Args()
	if len(arguments) == 0 {
		printHelp(flagSet)
		return fmt.Errorf("no command given")
	}
	command, commandArgs := arguments[0], arguments[1:]

	var identity deviceid.Provider
	if identityOverride != "" {
		identity = deviceid.Static([]byte(identityOverride))
	} else {
		identity = deviceid.NewSystemProvider()
	}

	return dispatch(command, commandArgs, cfg, identity, logger)
}

// resolveConfig merges the config file (explicit path, then
// COFFER_CONFIG, then defaults) with command-line overrides.
func resolveConfig(configPath, root, logLevel string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case configPath != "":
		cfg, err = config.LoadFile(configPath)
	case os.Getenv("COFFER_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if root != "" {
		cfg.Root = root
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}

func dispatch(command string, args []string, cfg *config.Config, identity deviceid.Provider, logger *slog.Logger) error {
	openManager := func(sink dirwatch.Sink) (*coffer.Manager, error) {
		return coffer.New(coffer.Config{
			Root:     cfg.Root,
			Identity: identity,
			Salt:     optionalBytes(cfg.Salt),
			Info:     optionalBytes(cfg.Info),
			Sink:     sink,
			Logger:   logger,
		})
	}

	switch command {
	case "store":
		return commandStore(openManager, args)
	case "retrieve":
		return commandRetrieve(openManager, args)
	case "delete":
		return commandDelete(openManager, args)
	case "exists":
		return commandExists(openManager, args)
	case "list":
		return commandList(openManager)
	case "watch":
		return commandWatch(openManager, logger)
	case "export":
		return commandExport(openManager, args)
	case "import":
		return commandImport(openManager, args)
	case "doctor":
		return commandDoctor(openManager, identity)
	default:
		return fmt.Errorf("unknown command %q (run with --help)", command)
	}
}

type managerOpener func(dirwatch.Sink) (*coffer.Manager, error)

func commandStore(open managerOpener, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: coffer store <id> [file] (stdin when no file)")
	}

	var payload []byte
	var err error
	if len(args) == 2 {
		payload, err = os.ReadFile(args[1])
	} else {
		payload, err = readAllStdin()
	}
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}

	manager, err := open(nil)
	if err != nil {
		return err
	}
	defer manager.Close()

	if err := manager.Store(args[0], payload); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "stored %q (%d bytes)\n", args[0], len(payload))
	return nil
}

func commandRetrieve(open managerOpener, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: coffer retrieve <id>")
	}

	manager, err := open(nil)
	if err != nil {
		return err
	}
	defer manager.Close()

	payload, err := manager.Retrieve(args[0])
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(payload)
	return err
}

func commandDelete(open managerOpener, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: coffer delete <id>")
	}

	manager, err := open(nil)
	if err != nil {
		return err
	}
	defer manager.Close()

	return manager.Delete(args[0])
}

func commandExists(open managerOpener, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: coffer exists <id>")
	}

	manager, err := open(nil)
	if err != nil {
		return err
	}

	exists, err := manager.Exists(args[0])
	manager.Close()
	if err != nil {
		return err
	}
	fmt.Println(exists)
	if !exists {
		os.Exit(1)
	}
	return nil
}

func commandList(open managerOpener) error {
	manager, err := open(nil)
	if err != nil {
		return err
	}
	defer manager.Close()

	ids, err := manager.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

// commandWatch keeps the manager open and prints every filesystem
// event on the storage root until interrupted.
func commandWatch(open managerOpener, logger *slog.Logger) error {
	manager, err := open(func(event dirwatch.Event) {
		fmt.Printf("%s\t%s\t%s\n", event.WatchedPath, event.EntryName, event.Name)
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	if !manager.WatcherActive() {
		return fmt.Errorf("directory watcher could not be started on %s", manager.Root())
	}
	logger.Info("watching storage root; interrupt to stop", "root", manager.Root())

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	<-interrupted
	return nil
}

func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

func optionalBytes(value string) []byte {
	if value == "" {
		return nil
	}
	return []byte(value)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `coffer — encrypted at-rest storage for device-bound records

usage: coffer [flags] <command> [args]

commands:
  store <id> [file]    encrypt and store a record (stdin when no file)
  retrieve <id>        decrypt a record to stdout
  delete <id>          remove a record (idempotent)
  exists <id>          report whether a record exists (exit 1 if not)
  list                 list record ids
  watch                print filesystem events on the storage root
  export <bundle>      write all records to an encrypted export bundle
  import <bundle>      import records from a bundle, re-encrypting locally
  doctor               report storage health and device fingerprint

flags:
%s`, flagSet.FlagUsages())
}
