package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/ai-receipts/internal/classify"
	"github.com/zombor/ai-receipts/internal/extract"
	"github.com/zombor/ai-receipts/internal/provider"
	"github.com/zombor/ai-receipts/internal/receipt"
	"github.com/zombor/ai-receipts/internal/registry"
)

func TestPipeline(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Pipeline Suite")
}

type panickyExtractor struct {
	next Extractor
}

func (e panickyExtractor) Extract(email receipt.RawEmail) receipt.Receipt {
	if email.MessageID == "boom" {
		panic("extractor blew up")
	}
	return e.next.Extract(email)
}

type failingRegistry struct {
	registry.Registry
}

func (failingRegistry) Admit(registry.Claim) (*registry.Match, error) {
	return nil, errors.New("disk full")
}

func openaiEmail() receipt.RawEmail {
	return receipt.RawEmail{
		Sender:    "billing@openai.com",
		Subject:   "Your receipt from OpenAI #2024-001",
		Body:      "Total $25.00 ... Date: 2025-09-29",
		MessageID: "msg-1",
	}
}

var _ = Describe("Pipeline", func() {
	var (
		reg       *registry.Memory
		extractor Extractor
		opts      Options
		p         *Pipeline
	)

	BeforeEach(func() {
		reg = registry.NewMemory()
		extractor = extract.New(provider.NewDefaultIdentifier())
		opts = Options{Mode: classify.Strict}
	})

	JustBeforeEach(func() {
		p = New(classify.New(), extractor, reg, opts)
	})

	Describe("Process", func() {
		It("should accept a new receipt and register it", func() {
			res, err := p.Process(openaiEmail())
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(Accepted))
			Expect(res.Trace).To(Equal([]State{Discovered, Classified, Extracted, DedupChecked, StateDone}))
			Expect(res.Receipt.ProviderName()).To(Equal("OpenAI"))
			Expect(res.Receipt.Confidence).To(Equal(100))

			stats, err := reg.Stats()
			Expect(err).NotTo(HaveOccurred())
			Expect(stats).To(Equal(registry.Stats{Invoices: 1, Triplets: 1}))
		})

		When("the same email is submitted twice", func() {
			It("should signal a duplicate without writing again", func() {
				_, err := p.Process(openaiEmail())
				Expect(err).NotTo(HaveOccurred())

				res, err := p.Process(openaiEmail())
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Outcome).To(Equal(Duplicate))
				Expect(res.Match).NotTo(BeNil())
				Expect(res.Match.Index).To(Equal(registry.ByInvoice))
				Expect(res.Match.Invoice.MessageID).To(Equal("msg-1"))

				stats, err := reg.Stats()
				Expect(err).NotTo(HaveOccurred())
				Expect(stats).To(Equal(registry.Stats{Invoices: 1, Triplets: 1}))
			})
		})

		When("the email is not a receipt", func() {
			It("should reject it", func() {
				email := openaiEmail()
				email.Subject = "Welcome to the team"
				email.Body = "Glad to have you on board"

				res, err := p.Process(email)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Outcome).To(Equal(Rejected))
				Expect(res.Receipt).To(BeNil())
				Expect(res.Trace).To(Equal([]State{Discovered, Classified, StateDone}))
			})
		})

		When("the email is malformed", func() {
			It("should reject it", func() {
				email := openaiEmail()
				email.Body = ""

				res, err := p.Process(email)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Outcome).To(Equal(Rejected))
			})
		})

		When("in loose mode with an unknown sender", func() {
			BeforeEach(func() {
				opts.Mode = classify.Loose
			})

			It("should classify it as a candidate but leave it unidentified", func() {
				email := receipt.RawEmail{
					Sender:    "random@unknown.com",
					Subject:   "Your AI invoice",
					Body:      "Total $25.00",
					MessageID: "msg-2",
				}

				res, err := p.Process(email)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Outcome).To(Equal(Unidentified))
				Expect(res.Receipt.Success).To(BeFalse())
				Expect(res.Trace).To(Equal([]State{Discovered, Classified, Extracted, StateDone}))

				stats, err := reg.Stats()
				Expect(err).NotTo(HaveOccurred())
				Expect(stats).To(Equal(registry.Stats{}))
			})
		})

		When("no date is found", func() {
			var email receipt.RawEmail

			BeforeEach(func() {
				email = openaiEmail()
				email.Body = "Total $25.00"
				email.ReceivedAt = time.Date(2025, 10, 2, 23, 0, 0, 0, time.UTC)
			})

			It("should leave the date empty", func() {
				res, err := p.Process(email)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Receipt.IssuedDate).To(BeNil())
				Expect(res.Receipt.Confidence).To(Equal(80))
			})

			When("the received date fallback is enabled", func() {
				BeforeEach(func() {
					opts.ReceivedDateFallback = true
				})

				It("should use the received date", func() {
					res, err := p.Process(email)
					Expect(err).NotTo(HaveOccurred())
					Expect(res.Receipt.Date()).To(Equal("2025-10-02"))
					Expect(res.DateFromReceived).To(BeTrue())
					Expect(res.Receipt.Confidence).To(Equal(100))
				})
			})
		})

		When("the registry cannot persist", func() {
			It("should return the error", func() {
				p = New(classify.New(), extractor, failingRegistry{Registry: reg}, opts)
				_, err := p.Process(openaiEmail())
				Expect(err).To(MatchError(ContainSubstring("disk full")))
			})
		})
	})

	Describe("ProcessBatch", func() {
		var emails []receipt.RawEmail

		BeforeEach(func() {
			opts.Workers = 4
			emails = nil
			for i := 0; i < 10; i++ {
				emails = append(emails, receipt.RawEmail{
					Sender:    "receipts@anthropic.com",
					Subject:   fmt.Sprintf("Your receipt from Anthropic #%04d-77", i+1000),
					Body:      fmt.Sprintf("Amount paid $%d.00", i+10),
					MessageID: fmt.Sprintf("msg-%d", i),
				})
			}
		})

		It("should return results in input order", func() {
			results, err := p.ProcessBatch(context.Background(), emails)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(10))
			for i, r := range results {
				Expect(r.Email.MessageID).To(Equal(fmt.Sprintf("msg-%d", i)))
				Expect(r.Outcome).To(Equal(Accepted))
			}
			Expect(Summarize(results)).To(Equal(Summary{Processed: 10, Accepted: 10}))
		})

		It("should admit only one of a batch of identical emails", func() {
			same := make([]receipt.RawEmail, 8)
			for i := range same {
				same[i] = openaiEmail()
			}

			results, err := p.ProcessBatch(context.Background(), same)
			Expect(err).NotTo(HaveOccurred())
			Expect(Summarize(results)).To(Equal(Summary{Processed: 8, Accepted: 1, Duplicates: 7}))
		})

		When("one email panics", func() {
			BeforeEach(func() {
				extractor = panickyExtractor{next: extractor}
				emails[3].MessageID = "boom"
			})

			It("should keep processing the others", func() {
				results, err := p.ProcessBatch(context.Background(), emails)
				Expect(err).NotTo(HaveOccurred())
				Expect(results[3].Err).To(MatchError(ContainSubstring("extractor blew up")))
				Expect(Summarize(results)).To(Equal(Summary{Processed: 10, Accepted: 9, Errors: 1}))
			})
		})

		When("the context is already cancelled", func() {
			It("should mark every email with the context error", func() {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()

				results, err := p.ProcessBatch(ctx, emails)
				Expect(err).NotTo(HaveOccurred())
				for _, r := range results {
					Expect(r.Err).To(MatchError(context.Canceled))
				}
			})
		})

		When("the registry fails", func() {
			It("should return the error and record it on the email", func() {
				p = New(classify.New(), extractor, failingRegistry{Registry: reg}, Options{Mode: classify.Strict, Workers: 1})
				results, err := p.ProcessBatch(context.Background(), emails)
				Expect(err).To(MatchError(ContainSubstring("disk full")))
				Expect(results[0].Err).To(HaveOccurred())
				Expect(Summarize(results).Errors).To(Equal(10))
			})
		})
	})
})
