// Command snowflake-fetch is a minimal demonstration of the fetch()
// library surface: one HTTP request over a Tor circuit tunneled through a
// Snowflake bridge, printed to stdout.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cvsouth/snowflake-tor/config"
	"github.com/cvsouth/snowflake-tor/gateway"
	"github.com/cvsouth/snowflake-tor/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	snowflakeURL := flag.String("snowflake-url", "", "Snowflake bridge WebSocket URL (wss://...)")
	target := flag.String("url", "https://check.torproject.org/", "URL to fetch over the circuit")
	timeout := flag.Duration("timeout", 60*time.Second, "overall fetch timeout")
	flag.Parse()

	if *snowflakeURL == "" {
		fmt.Fprintln(os.Stderr, "snowflake-fetch: -snowflake-url is required")
		os.Exit(1)
	}

	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== snowflake-fetch %s ===\n", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	client, err := gateway.New(ctx, config.Options{
		SnowflakeURL: *snowflakeURL,
		Logger:       logger,
	})
	if err != nil {
		fmt.Printf("failed to start client: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()

	fmt.Println("Waiting for a circuit...")
	waitCtx, waitCancel := context.WithTimeout(ctx, *timeout)
	defer waitCancel()
	if err := client.WaitForCircuit(waitCtx); err != nil {
		fmt.Printf("  Failed: %v\n", err)
		os.Exit(1)
	}
	state := client.GetCircuitState()
	fmt.Printf("  Ready (buffered=%d building=%d bound=%d)\n", state.Buffered, state.Building, state.Bound)

	fmt.Printf("Fetching %s...\n", *target)
	fetchCtx, fetchCancel := context.WithTimeout(ctx, *timeout)
	defer fetchCancel()
	resp, err := client.Fetch(fetchCtx, *target, gateway.FetchOptions{})
	if err != nil {
		fmt.Printf("  Failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("  Status: %d\n", resp.StatusCode)
	fmt.Printf("  Body: %d bytes\n\n", len(resp.Body))
	_, _ = io.Copy(os.Stdout, io.LimitReader(bytes.NewReader(resp.Body), 2048))
	fmt.Println()
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("snowflake-fetch.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(logging.NewMultiHandler(fileHandler, stdoutHandler)), logFile
}
