package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env is fine; flags and the environment still apply
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading .env: %v\n", err)
		os.Exit(1)
	}

	cfg := newConfig()
	root := newRootCommand(cfg)

	if err := root.Parse(os.Args[1:], ff.WithEnvVarPrefix("RECEIPTS")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(root.GetSelected()))
		if errors.Is(err, ff.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg.setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.Run(ctx); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(root.GetSelected()))
			os.Exit(0)
		}
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(cfg *config) *ff.Command {
	root := &ff.Command{
		Name:      "receipt-forwarder",
		Usage:     "receipt-forwarder [FLAGS] <SUBCOMMAND>",
		ShortHelp: "find AI vendor receipts in a mailbox and forward them once",
		Flags:     cfg.flags,
		Exec: func(ctx context.Context, args []string) error {
			return ff.ErrHelp
		},
	}

	root.Subcommands = []*ff.Command{
		newScanCommand(cfg),
		newServeCommand(cfg),
		newProcessCommand(cfg),
		newReportCommand(cfg),
		newExportCommand(cfg),
		newRegistryCommand(cfg),
		newProvidersCommand(cfg),
	}
	return root
}
