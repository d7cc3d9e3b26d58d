package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/peterbourgon/ff/v4"

	"github.com/zombor/ai-receipts/internal/classify"
	"github.com/zombor/ai-receipts/internal/forwarder"
	"github.com/zombor/ai-receipts/internal/mailsource"
	"github.com/zombor/ai-receipts/internal/receipt"
	"github.com/zombor/ai-receipts/internal/registry"
)

func newScanCommand(cfg *config) *ff.Command {
	fs := ff.NewFlagSet("scan").SetParent(cfg.flags)
	days := fs.IntLong("days", 1, "Scan mail received in the last N days")
	maxResults := fs.IntLong("max", 0, "Maximum number of emails to fetch (0 is unlimited)")

	return &ff.Command{
		Name:      "scan",
		Usage:     "receipt-forwarder scan [FLAGS]",
		ShortHelp: "fetch recent mail and forward new receipts",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if *days < 1 {
				return fmt.Errorf("--days must be positive, got %d", *days)
			}
			a, err := cfg.openApp(ctx, requireSource)
			if err != nil {
				return err
			}
			defer a.Close()

			mode, _ := cfg.classifyMode()
			report, err := a.service.Scan(ctx, mailsource.Query{
				Since:      mailsource.DaysAgo(time.Now(), *days),
				Loose:      mode == classify.Loose,
				MaxResults: *maxResults,
			})
			if report != nil {
				fmt.Fprintln(os.Stdout, renderScanReport(report))
			}
			return err
		},
	}
}

func newServeCommand(cfg *config) *ff.Command {
	fs := ff.NewFlagSet("serve").SetParent(cfg.flags)
	port := fs.IntLong("port", 8080, "HTTP server port")
	authUser := fs.StringLong("auth-user", "", "Basic auth username (optional)")
	authPass := fs.StringLong("auth-pass", "", "Basic auth password (optional)")

	return &ff.Command{
		Name:      "serve",
		Usage:     "receipt-forwarder serve [FLAGS]",
		ShortHelp: "serve the scan and reporting API over HTTP",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			a, err := cfg.openApp(ctx, optionalSource)
			if err != nil {
				return err
			}
			defer a.Close()

			server := forwarder.NewServer(a.service, forwarder.BasicAuth{
				Username: *authUser,
				Password: *authPass,
			})

			addr := fmt.Sprintf(":%d", *port)
			errc := make(chan error, 1)
			go func() {
				errc <- server.Start(addr)
			}()

			slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
			if *authUser != "" || *authPass != "" {
				slog.Info("Basic auth enabled", "user", *authUser)
			}

			select {
			case err := <-errc:
				return fmt.Errorf("serving: %w", err)
			case <-ctx.Done():
				slog.Info("Shutting down...")
				return nil
			}
		},
	}
}

func newProcessCommand(cfg *config) *ff.Command {
	fs := ff.NewFlagSet("process").SetParent(cfg.flags)

	return &ff.Command{
		Name:      "process",
		Usage:     "receipt-forwarder process [FLAGS] <file.eml|-> ...",
		ShortHelp: "process raw emails from files or stdin",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return errors.New("process requires at least one .eml file or -")
			}

			emails := make([]receipt.RawEmail, 0, len(args))
			for _, path := range args {
				email, err := readEmail(path)
				if err != nil {
					return err
				}
				emails = append(emails, email)
			}

			a, err := cfg.openApp(ctx, noSource)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.service.ProcessEmails(ctx, emails)
			if report != nil {
				fmt.Fprintln(os.Stdout, renderScanReport(report))
			}
			return err
		},
	}
}

func readEmail(path string) (receipt.RawEmail, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return receipt.RawEmail{}, fmt.Errorf("reading %s: %w", path, err)
	}
	email, err := mailsource.Parse(raw)
	if err != nil {
		return receipt.RawEmail{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return email, nil
}

func newReportCommand(cfg *config) *ff.Command {
	fs := ff.NewFlagSet("report").SetParent(cfg.flags)
	month := fs.StringLong("month", "", "Month to total as YYYY-MM (default current month)")

	return &ff.Command{
		Name:      "report",
		Usage:     "receipt-forwarder report [FLAGS]",
		ShortHelp: "total forwarded receipts per provider for a month",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			t := time.Now()
			if *month != "" {
				var err error
				t, err = time.Parse("2006-01", *month)
				if err != nil {
					return fmt.Errorf("--month must be YYYY-MM: %w", err)
				}
			}

			a, err := cfg.openApp(ctx, noSource)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.service.MonthlyReport(ctx, t)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, renderMonthlyReport(report))
			return nil
		},
	}
}

func newExportCommand(cfg *config) *ff.Command {
	fs := ff.NewFlagSet("export").SetParent(cfg.flags)
	from := fs.StringLong("from", "", "First day to export as YYYY-MM-DD (default unbounded)")
	to := fs.StringLong("to", "", "Last day to export as YYYY-MM-DD (default unbounded)")
	out := fs.StringLong("out", "receipts.xlsx", "Output workbook path")

	return &ff.Command{
		Name:      "export",
		Usage:     "receipt-forwarder export [FLAGS]",
		ShortHelp: "export the ledger to an Excel workbook",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			fromDay, err := parseDayFlag("from", *from)
			if err != nil {
				return err
			}
			toDay, err := parseDayFlag("to", *to)
			if err != nil {
				return err
			}

			a, err := cfg.openApp(ctx, noSource)
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := a.service.Export(ctx, fromDay, toDay)
			if err != nil {
				return err
			}
			if err := os.WriteFile(*out, data, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", *out, err)
			}
			fmt.Fprintln(os.Stdout, successStyle.Render("Exported to "+*out))
			return nil
		},
	}
}

// parseDayFlag parses an optional YYYY-MM-DD flag value
func parseDayFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD: %w", name, err)
	}
	return t, nil
}

func newRegistryCommand(cfg *config) *ff.Command {
	statsFlags := ff.NewFlagSet("stats").SetParent(cfg.flags)
	clearFlags := ff.NewFlagSet("clear").SetParent(cfg.flags)
	importFlags := ff.NewFlagSet("import").SetParent(cfg.flags)

	withRegistry := func(fn func(reg registry.Registry) error) error {
		reg, err := cfg.openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()
		return fn(reg)
	}

	stats := &ff.Command{
		Name:      "stats",
		Usage:     "receipt-forwarder registry stats",
		ShortHelp: "count registered receipts",
		Flags:     statsFlags,
		Exec: func(ctx context.Context, args []string) error {
			return withRegistry(func(reg registry.Registry) error {
				s, err := reg.Stats()
				if err != nil {
					return fmt.Errorf("reading registry: %w", err)
				}
				fmt.Fprintln(os.Stdout, renderRegistryStats(s))
				return nil
			})
		},
	}

	clearCmd := &ff.Command{
		Name:      "clear",
		Usage:     "receipt-forwarder registry clear",
		ShortHelp: "forget every registered receipt",
		Flags:     clearFlags,
		Exec: func(ctx context.Context, args []string) error {
			return withRegistry(func(reg registry.Registry) error {
				if err := reg.Clear(); err != nil {
					return fmt.Errorf("clearing registry: %w", err)
				}
				fmt.Fprintln(os.Stdout, successStyle.Render("Registry cleared"))
				return nil
			})
		},
	}

	importCmd := &ff.Command{
		Name:      "import",
		Usage:     "receipt-forwarder registry import <registry.json>",
		ShortHelp: "merge a JSON registry into the configured one",
		Flags:     importFlags,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return errors.New("import requires exactly one registry file")
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			doc := registry.NewDocument()
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}
			return withRegistry(func(reg registry.Registry) error {
				added, err := registry.Import(reg, doc)
				if err != nil {
					return fmt.Errorf("importing registry: %w", err)
				}
				fmt.Fprintln(os.Stdout, successStyle.Render(fmt.Sprintf("Imported %d keys", added)))
				return nil
			})
		},
	}

	return &ff.Command{
		Name:        "registry",
		Usage:       "receipt-forwarder registry <SUBCOMMAND>",
		ShortHelp:   "inspect or reset the duplicate registry",
		Flags:       ff.NewFlagSet("registry").SetParent(cfg.flags),
		Subcommands: []*ff.Command{stats, clearCmd, importCmd},
		Exec: func(ctx context.Context, args []string) error {
			return ff.ErrHelp
		},
	}
}

func newProvidersCommand(cfg *config) *ff.Command {
	fs := ff.NewFlagSet("providers").SetParent(cfg.flags)

	return &ff.Command{
		Name:      "providers",
		Usage:     "receipt-forwarder providers",
		ShortHelp: "list the tracked providers and their sender addresses",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			identifier, err := cfg.identifier()
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, renderProviders(identifier.Providers()))
			return nil
		},
	}
}
