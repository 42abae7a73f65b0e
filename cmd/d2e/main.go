// Command d2e is a terminal client for a conversational engine.
//
//	d2e chat [-subscribe] [-resume last|<id>] [-transport auto|rest|server-sent-events]
//	d2e history [-n 20] [last|<id>]
//
// Settings come from d2e.toml (or $D2E_CONFIG), then D2E_* environment
// variables, then flags. A .env file in the working directory is loaded
// first.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nevindra/d2e/internal/config"
)

const usage = `usage:
  d2e chat [flags]      talk to the engine
  d2e history [flags]   list conversations, or print one

run "d2e <command> -h" for flags`

func main() {
	log.SetFlags(0)
	log.SetPrefix("d2e: ")

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("warning: failed to load .env file: %v", err)
	}
	cfg := config.Load(os.Getenv("D2E_CONFIG"))

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "chat":
		err = runChat(ctx, cfg, os.Args[2:], os.Stdin, os.Stdout)
	case "history":
		err = runHistory(ctx, cfg, os.Args[2:], os.Stdout)
	case "-h", "-help", "--help", "help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		stop()
		log.Fatal(err)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
