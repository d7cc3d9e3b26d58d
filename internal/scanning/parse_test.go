package scanning

import (
	"io"
	"log/slog"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestScanning(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Scanning Suite")
}

var _ = Describe("parseReceiptJSON", func() {
	var (
		jsonInput string
		data      *ReceiptData
		err       error
	)

	JustBeforeEach(func() {
		data, err = parseReceiptJSON(jsonInput)
	})

	When("parsing valid JSON", func() {
		BeforeEach(func() {
			jsonInput = `{"provider": "OpenAI", "service": "API Usage", "amount": 25.5, "currency": "USD", "issued_date": "2025-09-29", "invoice_number": "INV-2024-001"}`
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should parse every field", func() {
			Expect(*data.Provider).To(Equal("OpenAI"))
			Expect(*data.Service).To(Equal("API Usage"))
			Expect(*data.Amount).To(Equal(25.5))
			Expect(*data.Currency).To(Equal("USD"))
			Expect(*data.IssuedDate).To(Equal("2025-09-29"))
			Expect(*data.InvoiceNumber).To(Equal("INV-2024-001"))
		})
	})

	When("parsing JSON with markdown code blocks and chatter", func() {
		BeforeEach(func() {
			jsonInput = "```json\nHere you go: {\"provider\": \"Anthropic\", \"amount\": 10.5, \"currency\": \"USD\", \"issued_date\": null, \"invoice_number\": null}\n```"
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should parse the provider", func() {
			Expect(*data.Provider).To(Equal("Anthropic"))
		})

		It("should leave missing fields nil", func() {
			Expect(data.IssuedDate).To(BeNil())
			Expect(data.InvoiceNumber).To(BeNil())
			Expect(data.Service).To(BeNil())
		})
	})

	When("the date is not ISO", func() {
		BeforeEach(func() {
			jsonInput = `{"provider": "N8N", "amount": 99.9, "currency": "BRL", "issued_date": "30 de setembro de 2025", "invoice_number": null}`
		})

		It("should normalize it", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(*data.IssuedDate).To(Equal("2025-09-30"))
		})
	})

	When("the date cannot be parsed", func() {
		BeforeEach(func() {
			jsonInput = `{"provider": "N8N", "amount": 99.9, "currency": "BRL", "issued_date": "sometime last week", "invoice_number": null}`
		})

		It("should drop it instead of guessing", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(data.IssuedDate).To(BeNil())
		})
	})

	When("the amount is zero and strings are blank", func() {
		BeforeEach(func() {
			jsonInput = `{"provider": "  ", "amount": 0, "currency": null, "issued_date": "", "invoice_number": " inv_9 "}`
		})

		It("should drop empty values", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(data.Provider).To(BeNil())
			Expect(data.Amount).To(BeNil())
			Expect(data.IssuedDate).To(BeNil())
			Expect(*data.InvoiceNumber).To(Equal("inv_9"))
		})
	})

	DescribeTable("rejecting answers that do not match the schema",
		func(input string) {
			_, err := parseReceiptJSON(input)
			Expect(err).To(MatchError(ErrInvalidResponse))
		},
		Entry("no JSON", "I could not find a receipt"),
		Entry("broken JSON", `{"provider": "OpenAI", `),
		Entry("amount as string", `{"provider": "OpenAI", "amount": "25.00", "currency": "USD", "issued_date": null, "invoice_number": null}`),
		Entry("negative amount", `{"provider": "OpenAI", "amount": -25, "currency": "USD", "issued_date": null, "invoice_number": null}`),
		Entry("amount out of range", `{"provider": "OpenAI", "amount": 1000000, "currency": "USD", "issued_date": null, "invoice_number": null}`),
		Entry("unknown currency", `{"provider": "OpenAI", "amount": 25, "currency": "GBP", "issued_date": null, "invoice_number": null}`),
		Entry("missing field", `{"provider": "OpenAI", "amount": 25, "currency": "USD"}`),
	)
})
