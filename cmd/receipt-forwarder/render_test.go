package main

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/ai-receipts/internal/forwarder"
	"github.com/zombor/ai-receipts/internal/ledger"
	"github.com/zombor/ai-receipts/internal/mailsource"
	"github.com/zombor/ai-receipts/internal/pipeline"
	"github.com/zombor/ai-receipts/internal/provider"
	"github.com/zombor/ai-receipts/internal/registry"
)

var _ = Describe("rendering", func() {
	Describe("renderScanReport", func() {
		It("should list counts and the interesting items", func() {
			amount := 25.0
			out := renderScanReport(&forwarder.ScanReport{
				Summary:   pipeline.Summary{Processed: 3, Accepted: 1, Rejected: 1, Duplicates: 1},
				Forwarded: 1,
				Items: []forwarder.ReportItem{
					{Subject: "Your receipt from OpenAI", Outcome: "accepted", Amount: &amount, Currency: "USD"},
					{Subject: "Newsletter", Outcome: "rejected"},
					{Subject: "Seu recibo de n8n", Outcome: "duplicate"},
				},
			})

			Expect(out).To(ContainSubstring("Scan summary"))
			Expect(out).To(ContainSubstring("Your receipt from OpenAI (USD 25.00)"))
			Expect(out).To(ContainSubstring("Seu recibo de n8n"))
			Expect(out).NotTo(ContainSubstring("Newsletter"))
		})
	})

	Describe("renderMonthlyReport", func() {
		It("should print one line per total", func() {
			out := renderMonthlyReport(&forwarder.MonthlyReport{
				Month: "2025-09",
				Totals: []ledger.Total{
					{Provider: "OpenAI", Currency: "USD", Count: 2, Amount: decimal.RequireFromString("30.5")},
				},
			})
			Expect(out).To(ContainSubstring("Receipts for 2025-09"))
			Expect(out).To(ContainSubstring("OpenAI"))
			Expect(out).To(ContainSubstring("30.50"))
		})

		It("should say when the month is empty", func() {
			out := renderMonthlyReport(&forwarder.MonthlyReport{Month: "2025-01"})
			Expect(out).To(ContainSubstring("no receipts"))
		})
	})

	It("should render registry stats", func() {
		out := renderRegistryStats(registry.Stats{Invoices: 4, Triplets: 2})
		Expect(out).To(ContainSubstring("invoices  4"))
		Expect(out).To(ContainSubstring("triplets  2"))
	})

	It("should render every provider sender", func() {
		out := renderProviders(provider.Defaults)
		Expect(out).To(ContainSubstring("help@paddle.com"))
		Expect(out).To(ContainSubstring("Anthropic"))
	})
})

var _ = Describe("parseDayFlag", func() {
	It("should leave an empty value unbounded", func() {
		t, err := parseDayFlag("from", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(t.IsZero()).To(BeTrue())
	})

	It("should parse a day", func() {
		t, err := parseDayFlag("from", "2025-09-01")
		Expect(err).NotTo(HaveOccurred())
		Expect(t).To(Equal(time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)))
	})

	It("should name the flag on error", func() {
		_, err := parseDayFlag("to", "09/01/2025")
		Expect(err).To(MatchError(ContainSubstring("--to must be YYYY-MM-DD")))
	})
})

var _ = Describe("readEmail", func() {
	It("should parse an eml file", func() {
		email, err := readEmail(filepath.Join("..", "..", "internal", "mailsource", "testdata", "inbox", "01-openai.eml"))
		Expect(err).NotTo(HaveOccurred())
		Expect(email.Sender).To(ContainSubstring("billing@openai.com"))
		Expect(email.Subject).To(Equal("Your receipt from OpenAI #2024-001"))
	})

	It("should fail for a missing file", func() {
		_, err := readEmail("missing.eml")
		Expect(err).To(MatchError(ContainSubstring("reading missing.eml")))
	})
})

var _ = Describe("command tree", func() {
	It("should parse subcommand flags with the shared ones", func() {
		cfg := newConfig()
		root := newRootCommand(cfg)
		Expect(root.Parse([]string{"--mode", "loose", "report", "--month", "2025-09"})).To(Succeed())
		Expect(root.GetSelected().Name).To(Equal("report"))
		Expect(*cfg.mode).To(Equal("loose"))
	})

	It("should reject an unknown mode when wiring", func() {
		cfg := newConfig()
		*cfg.mode = "fuzzy"
		_, err := cfg.classifyMode()
		Expect(err).To(MatchError(ContainSubstring("invalid mode")))
	})

	It("should default to the built-in providers", func() {
		cfg := newConfig()
		identifier, err := cfg.identifier()
		Expect(err).NotTo(HaveOccurred())
		Expect(identifier.Providers()).To(HaveLen(len(provider.Defaults)))
	})
})

var _ = Describe("openApp", func() {
	var cfg *config

	BeforeEach(func() {
		dir := GinkgoT().TempDir()
		cfg = newConfig()
		*cfg.registryBackend = registry.BackendMemory
		*cfg.ledgerPath = filepath.Join(dir, "ledger.sqlite")
		*cfg.emlDir = filepath.Join(dir, "missing")
	})

	It("should wire an offline service", func() {
		a, err := cfg.openApp(context.Background(), noSource)
		Expect(err).NotTo(HaveOccurred())
		defer a.Close()

		_, err = a.service.Scan(context.Background(), mailsource.Query{})
		Expect(err).To(MatchError(forwarder.ErrNoSource))
	})

	It("should fail when a required source cannot be opened", func() {
		_, err := cfg.openApp(context.Background(), requireSource)
		Expect(err).To(MatchError(ContainSubstring("opening mail source")))
	})

	It("should keep serving when an optional source cannot be opened", func() {
		a, err := cfg.openApp(context.Background(), optionalSource)
		Expect(err).NotTo(HaveOccurred())
		defer a.Close()

		report, err := a.service.MonthlyReport(context.Background(), time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC))
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Totals).To(BeEmpty())
	})

	It("should reject an unknown scanner", func() {
		*cfg.scannerType = "magic"
		_, err := cfg.openApp(context.Background(), noSource)
		Expect(err).To(MatchError(ContainSubstring("invalid scanner")))
	})
})
