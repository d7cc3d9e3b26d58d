package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/peterbourgon/ff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/zombor/ai-receipts/internal/classify"
	"github.com/zombor/ai-receipts/internal/extract"
	"github.com/zombor/ai-receipts/internal/forward"
	"github.com/zombor/ai-receipts/internal/forwarder"
	"github.com/zombor/ai-receipts/internal/ledger"
	"github.com/zombor/ai-receipts/internal/mailsource"
	"github.com/zombor/ai-receipts/internal/pipeline"
	"github.com/zombor/ai-receipts/internal/provider"
	"github.com/zombor/ai-receipts/internal/registry"
	"github.com/zombor/ai-receipts/internal/scanning"
)

// config holds the flags shared by every subcommand
type config struct {
	flags *ff.FlagSet

	registryPath    *string
	registryBackend *string
	ledgerPath      *string
	mode            *string
	workers         *int
	providersPath   *string
	receivedDate    *bool
	logLevel        *string

	redisAddr *string
	queue     *string
	forwardTo *string
	dryRun    *bool

	scannerType *string
	geminiKey   *string
	geminiModel *string
	ollamaURL   *string
	ollamaModel *string
	scanRetries *int
	attachments *string

	source           *string
	emlDir           *string
	imapAddr         *string
	imapUser         *string
	imapPass         *string
	imapMailbox      *string
	imapTLS          *bool
	gmailCredentials *string
	gmailToken       *string
}

func newConfig() *config {
	fs := ff.NewFlagSet("receipt-forwarder")
	return &config{
		flags: fs,

		registryPath:    fs.StringLong("registry", "processed_receipts.db", "Duplicate registry file path"),
		registryBackend: fs.StringLong("registry-backend", registry.BackendBolt, "Registry backend: 'bolt', 'json' or 'memory'"),
		ledgerPath:      fs.StringLong("ledger", "receipts.sqlite", "SQLite ledger of forwarded receipts"),
		mode:            fs.StringLong("mode", "strict", "Classification mode: 'strict' or 'loose'"),
		workers:         fs.IntLong("workers", 0, "Concurrent emails per batch (0 uses every CPU)"),
		providersPath:   fs.StringLong("providers", "", "YAML provider table replacing the built-in one"),
		receivedDate:    fs.BoolLong("received-date-fallback", "Use the received date when a receipt has no issue date"),
		logLevel:        fs.StringLong("log-level", "info", "Log level: debug, info, warn or error"),

		redisAddr: fs.StringLong("redis-addr", "", "Redis address for the forward queue (empty logs forwards instead)"),
		queue:     fs.StringLong("queue", "receipts:forward", "Redis list forwards are pushed to"),
		forwardTo: fs.StringLong("forward-to", "", "Recipient of forwarded receipts"),
		dryRun:    fs.BoolLong("dry-run", "Log forwards instead of publishing them"),

		scannerType: fs.StringLong("scanner", "none", "Fallback scanner for unidentified emails: 'none', 'gemini' or 'ollama'"),
		geminiKey:   fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)"),
		geminiModel: fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name"),
		ollamaURL:   fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL"),
		ollamaModel: fs.StringLong("ollama-model", "llava", "Ollama model name"),
		scanRetries: fs.IntLong("scan-retries", 3, "Attempts per fallback scan"),
		attachments: fs.StringLong("attachments", "", "Directory to archive forwarded attachments in (empty disables)"),

		source:           fs.StringLong("source", "eml", "Mail source: 'eml', 'imap' or 'gmail'"),
		emlDir:           fs.StringLong("eml-dir", "./inbox", "Directory of .eml files for the eml source"),
		imapAddr:         fs.StringLong("imap-addr", "", "IMAP server host:port"),
		imapUser:         fs.StringLong("imap-user", "", "IMAP username"),
		imapPass:         fs.StringLong("imap-pass", "", "IMAP password"),
		imapMailbox:      fs.StringLong("imap-mailbox", "INBOX", "IMAP mailbox to search"),
		imapTLS:          fs.BoolLong("imap-tls", "Connect to IMAP over TLS"),
		gmailCredentials: fs.StringLong("gmail-credentials", "credentials.json", "Gmail OAuth client credentials file"),
		gmailToken:       fs.StringLong("gmail-token", "token.json", "Gmail OAuth token file"),
	}
}

func (c *config) setupLogging() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(*c.logLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func (c *config) classifyMode() (classify.Mode, error) {
	mode, ok := classify.ParseMode(*c.mode)
	if !ok {
		return 0, fmt.Errorf("invalid mode %q (valid: strict, loose)", *c.mode)
	}
	return mode, nil
}

func (c *config) identifier() (*provider.Identifier, error) {
	if *c.providersPath == "" {
		return provider.NewDefaultIdentifier(), nil
	}
	identifier, err := provider.LoadFile(*c.providersPath)
	if err != nil {
		return nil, fmt.Errorf("loading providers: %w", err)
	}
	return identifier, nil
}

func (c *config) openRegistry() (registry.Registry, error) {
	reg, err := registry.Open(*c.registryBackend, *c.registryPath)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	return reg, nil
}

func (c *config) newScanner() (scanning.Scanner, error) {
	var (
		scanner scanning.Scanner
		err     error
	)
	switch strings.ToLower(*c.scannerType) {
	case "none", "":
		return nil, nil
	case "gemini":
		apiKey := *c.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini scanner...", "model", *c.geminiModel)
		scanner, err = scanning.NewGemini(apiKey, *c.geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *c.ollamaURL, "model", *c.ollamaModel)
		scanner, err = scanning.NewOllama(*c.ollamaURL, *c.ollamaModel)
	default:
		return nil, fmt.Errorf("invalid scanner %q (valid: none, gemini, ollama)", *c.scannerType)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s scanner: %w", *c.scannerType, err)
	}
	return scanning.WithRetries(scanner, *c.scanRetries), nil
}

func (c *config) newSource(ctx context.Context) (mailsource.Source, error) {
	switch strings.ToLower(*c.source) {
	case "eml", "":
		return mailsource.NewEMLDir(*c.emlDir)
	case "imap":
		return mailsource.NewIMAP(mailsource.IMAPConfig{
			Addr:     *c.imapAddr,
			Username: *c.imapUser,
			Password: *c.imapPass,
			Mailbox:  *c.imapMailbox,
			TLS:      *c.imapTLS,
		})
	case "gmail":
		return mailsource.NewGmail(ctx, *c.gmailCredentials, *c.gmailToken)
	default:
		return nil, fmt.Errorf("invalid source %q (valid: eml, imap, gmail)", *c.source)
	}
}

func (c *config) newPublisher(ctx context.Context) (forward.Publisher, func() error, error) {
	if *c.dryRun || *c.redisAddr == "" {
		slog.Info("Forwards will be logged only")
		return forward.LogPublisher{}, func() error { return nil }, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: *c.redisAddr})
	publisher := forward.NewRedisPublisher(rdb, *c.queue, *c.forwardTo)
	if err := publisher.Ping(ctx); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	slog.Info("Publishing forwards to redis", "addr", *c.redisAddr, "queue", *c.queue)
	return publisher, rdb.Close, nil
}

// app is a fully wired Service plus everything that must be closed with it
type app struct {
	service *forwarder.Service
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("Error closing resource", "error", err)
		}
	}
}

// sourceUse says whether a command needs the mail source
type sourceUse int

const (
	// noSource leaves the service offline, so commands run without mailbox
	// credentials
	noSource sourceUse = iota
	requireSource
	// optionalSource keeps serving reports when the mailbox is unreachable;
	// scans then answer ErrNoSource
	optionalSource
)

// openApp wires the service
func (c *config) openApp(ctx context.Context, use sourceUse) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	mode, err := c.classifyMode()
	if err != nil {
		return nil, err
	}
	identifier, err := c.identifier()
	if err != nil {
		return nil, err
	}

	reg, err := c.openRegistry()
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, reg.Close)

	store, err := ledger.Open(*c.ledgerPath)
	if err != nil {
		return fail(fmt.Errorf("opening ledger: %w", err))
	}
	a.closers = append(a.closers, store.Close)

	scanner, err := c.newScanner()
	if err != nil {
		return fail(err)
	}
	if scanner != nil {
		a.closers = append(a.closers, scanner.Close)
	}

	publisher, closePublisher, err := c.newPublisher(ctx)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, closePublisher)

	deps := forwarder.Deps{
		Registry:  reg,
		Ledger:    store,
		Scanner:   scanner,
		Publisher: publisher,
		Providers: identifier,
		ForwardTo: *c.forwardTo,
		Pipeline: pipeline.New(classify.NewWithSenders(identifier.AllSenders()), extract.New(identifier), reg, pipeline.Options{
			Mode:                 mode,
			ReceivedDateFallback: *c.receivedDate,
			Workers:              *c.workers,
		}),
	}

	if *c.attachments != "" {
		storage, err := forwarder.NewLocalStorage(*c.attachments)
		if err != nil {
			return fail(fmt.Errorf("initializing attachment storage: %w", err))
		}
		deps.Storage = storage
	}

	if use != noSource {
		source, err := c.newSource(ctx)
		switch {
		case err == nil:
			a.closers = append(a.closers, source.Close)
			deps.Source = source
		case use == optionalSource:
			slog.Warn("Mail source unavailable, scans are disabled", "source", *c.source, "error", err)
		default:
			return fail(fmt.Errorf("opening mail source: %w", err))
		}
	}

	a.service = forwarder.NewService(deps)
	return a, nil
}
