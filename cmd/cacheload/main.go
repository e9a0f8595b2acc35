// Package main is the entry point for cacheload.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"cacheload/internal/api"
	"cacheload/internal/cycleclock"
	"cacheload/internal/events"
	"cacheload/internal/logger"
	"cacheload/internal/scenario"

	"github.com/spf13/pflag"
)

var (
	version = "dev"
)

const usageHeader = `cacheload - memcached binary protocol load generator

Usage:
  cacheload [options]

Options:
`

const usageExamples = `
Examples:
  # 4 workers, 10k rps with exponential arrivals for 30s
  cacheload -s servers.txt -w 4 -r 10000 -e -t 30

  # latency test with batched writes
  cacheload -s servers.txt -r 0 -b 50 -t 10

  # self-test against in-process mock servers
  cacheload --preset selftest

  # from a configuration file, exposing a monitor
  cacheload --config load.yaml --monitor :8080
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run はCLIを実行し、終了コードを返す
func run(args []string, stdout, stderr io.Writer) int {
	var f cliFlags
	fs := newFlagSet(&f)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usageHeader)
		fs.PrintDefaults()
		fmt.Fprint(stderr, usageExamples)
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "cacheload: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "cacheload: unexpected arguments: %v\n", fs.Args())
		return 1
	}

	level, err := logger.ParseLevel(f.logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "cacheload: %v\n", err)
		return 1
	}
	logger.SetDefault(logger.New(stderr, level))
	defer func() { _ = logger.Default.Sync() }()

	switch {
	case f.showVersion:
		fmt.Fprintf(stdout, "cacheload version %s\n", version)
		return 0
	case f.listPresets:
		printPresets(stdout)
		return 0
	case f.timingTests:
		if err := timingTests(stdout, f.clock); err != nil {
			fmt.Fprintf(stderr, "cacheload: %v\n", err)
			return 1
		}
		return 0
	}

	cfg, file, err := buildConfig(fs, &f)
	if err != nil {
		fmt.Fprintf(stderr, "cacheload: %v\n", err)
		return 1
	}
	if file != nil {
		if file.Monitor.Addr != "" && !fs.Changed("monitor") {
			f.monitor = file.Monitor.Addr
		}
		if file.Log.Level != "" && !fs.Changed("log-level") {
			if lvl, err := logger.ParseLevel(file.Log.Level); err == nil {
				logger.Default.SetLevel(lvl)
			}
		}
	}
	if fs.Changed("server-memory") || fs.Changed("zynga") {
		logger.Warn("", "-D and -z are accepted for compatibility and ignored")
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "cacheload: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, cfg.Dump())

	if err := runScenario(cfg, f.monitor, f.jsonReport, stdout); err != nil {
		fmt.Fprintf(stderr, "cacheload: %v\n", err)
		return 1
	}
	return 0
}

// runScenario はシナリオを実行し、レポートを出力する
func runScenario(cfg scenario.Config, monitor string, asJSON bool, stdout io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	defer bus.Close()

	engine := scenario.New(cfg)
	engine.SetEventBus(bus)

	if monitor != "" {
		server := api.NewServer(monitor, engine, bus)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("", "Monitor error: %v", err)
			}
		}()
	}

	result, err := engine.Run(ctx)
	if result != nil {
		if asJSON {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(result); encErr != nil {
				return encErr
			}
		} else {
			fmt.Fprintln(stdout, result.Report())
		}
	}
	return err
}

// printPresets は利用可能なプリセットを表示する
func printPresets(w io.Writer) {
	fmt.Fprintln(w, "Available presets:")
	fmt.Fprintln(w)
	for _, name := range scenario.ListPresets() {
		cfg, _ := scenario.GetPreset(name)
		fmt.Fprintf(w, "  %-12s %s\n", name, cfg.Description)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Example: cacheload --preset selftest")
}

// timingTests はクロックの分解能とロックのコストを測定する
func timingTests(w io.Writer, source string) error {
	opts := cycleclock.DefaultOptions()
	src, err := cycleclock.ParseSource(source)
	if err != nil {
		return err
	}
	opts.Source = src

	clock, err := cycleclock.Calibrate(opts)
	if err != nil {
		return err
	}
	res := clock.SelfTest(1_000_000)

	fmt.Fprintf(w, "TSC supported:       %v\n", cycleclock.TSCSupported())
	fmt.Fprintf(w, "Clock source:        %s\n", res.Source)
	fmt.Fprintf(w, "Cycles per second:   %.0f\n", clock.CyclesPerSecond())
	fmt.Fprintf(w, "Timestamp resolution: %v\n", res.Resolution)
	fmt.Fprintf(w, "Timestamp read cost: %v\n", res.ReadCost)
	fmt.Fprintf(w, "Lock/unlock cost:    %v\n", res.LockCost)
	return nil
}
