package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/ai-receipts/internal/receipt"
)

type scriptedScanner struct {
	answers []error
	calls   int
	seen    []Document
}

func (s *scriptedScanner) ScanReceipt(ctx context.Context, doc Document) (*ReceiptData, error) {
	s.seen = append(s.seen, doc)
	err := s.answers[s.calls]
	s.calls++
	if err != nil {
		return nil, err
	}
	return &ReceiptData{Provider: receipt.Ptr("OpenAI")}, nil
}

func (s *scriptedScanner) Close() error {
	return nil
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	return img
}

var _ = Describe("ReceiptData.Apply", func() {
	var (
		r      receipt.Receipt
		data   ReceiptData
		filled []string
	)

	BeforeEach(func() {
		r = receipt.Receipt{
			Amount:   receipt.Ptr(25.0),
			Currency: receipt.Ptr("USD"),
		}
		data = ReceiptData{
			Provider:      receipt.Ptr("OpenAI"),
			Amount:        receipt.Ptr(99.0),
			Currency:      receipt.Ptr("BRL"),
			InvoiceNumber: receipt.Ptr("INV-1"),
		}
	})

	JustBeforeEach(func() {
		filled = data.Apply(&r)
	})

	It("should fill only the missing fields", func() {
		Expect(filled).To(ConsistOf("provider", "invoice_number"))
		Expect(*r.Amount).To(Equal(25.0))
		Expect(*r.Currency).To(Equal("USD"))
		Expect(*r.InvoiceNumber).To(Equal("INV-1"))
	})

	It("should mark the receipt identified and rescore it", func() {
		Expect(r.Success).To(BeTrue())
		Expect(r.Confidence).To(Equal(80))
	})

	When("the answer has no provider", func() {
		BeforeEach(func() {
			data.Provider = nil
		})

		It("should leave the receipt unidentified", func() {
			Expect(r.Success).To(BeFalse())
		})
	})
})

var _ = Describe("Retrying", func() {
	var (
		inner *scriptedScanner
		data  *ReceiptData
		err   error
	)

	JustBeforeEach(func() {
		data, err = WithRetries(inner, 3).ScanReceipt(context.Background(), Document{Subject: "receipt"})
	})

	When("the first answer is invalid", func() {
		BeforeEach(func() {
			inner = &scriptedScanner{answers: []error{
				fmt.Errorf("%w: amount must be a number", ErrInvalidResponse),
				nil,
			}}
		})

		It("should retry with feedback", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(*data.Provider).To(Equal("OpenAI"))
			Expect(inner.calls).To(Equal(2))
			Expect(inner.seen[1].Feedback).To(ConsistOf(ContainSubstring("amount must be a number")))
		})
	})

	When("every answer is invalid", func() {
		BeforeEach(func() {
			invalid := fmt.Errorf("%w: nope", ErrInvalidResponse)
			inner = &scriptedScanner{answers: []error{invalid, invalid, invalid}}
		})

		It("should give up after the configured attempts", func() {
			Expect(err).To(MatchError(ErrInvalidResponse))
			Expect(inner.calls).To(Equal(3))
		})
	})

	When("the scanner fails for another reason", func() {
		BeforeEach(func() {
			inner = &scriptedScanner{answers: []error{errors.New("connection refused")}}
		})

		It("should not retry", func() {
			Expect(err).To(MatchError("connection refused"))
			Expect(inner.calls).To(Equal(1))
		})
	})
})

var _ = Describe("Ollama", func() {
	var (
		server  *httptest.Server
		request ollamaChatRequest
		status  int
		content string
		scanner *Ollama
		doc     Document
		data    *ReceiptData
		scanErr error
	)

	BeforeEach(func() {
		status = http.StatusOK
		content = `{"provider": "Cursor", "service": "Cursor Pro", "amount": 20, "currency": "USD", "issued_date": "2025-10-01", "invoice_number": "ABCD-0001"}`
		doc = Document{
			Sender:  "billing@cursor.com",
			Subject: "Your Cursor receipt",
			Body:    "Thanks for your payment",
		}

		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			Expect(r.URL.Path).To(Equal("/api/chat"))
			Expect(json.NewDecoder(r.Body).Decode(&request)).To(Succeed())
			w.WriteHeader(status)
			if status == http.StatusOK {
				json.NewEncoder(w).Encode(ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: content},
					Done:    true,
				})
				return
			}
			w.Write([]byte("model not found"))
		}))

		var err error
		scanner, err = NewOllama(server.URL+"/", "llama3")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		data, scanErr = scanner.ScanReceipt(context.Background(), doc)
	})

	It("should send the email in the prompt", func() {
		Expect(scanErr).NotTo(HaveOccurred())
		Expect(request.Model).To(Equal("llama3"))
		Expect(request.Format).To(Equal("json"))
		Expect(request.Messages).To(HaveLen(2))
		Expect(request.Messages[1].Content).To(ContainSubstring("From: billing@cursor.com"))
		Expect(request.Messages[1].Images).To(BeEmpty())
	})

	It("should parse the answer", func() {
		Expect(*data.Provider).To(Equal("Cursor"))
		Expect(*data.Amount).To(Equal(20.0))
		Expect(*data.InvoiceNumber).To(Equal("ABCD-0001"))
	})

	When("the email has an image attachment", func() {
		BeforeEach(func() {
			var buf bytes.Buffer
			Expect(jpeg.Encode(&buf, testImage(), nil)).To(Succeed())
			doc.Attachments = []receipt.Attachment{
				{Filename: "receipt.jpg", ContentType: "image/jpeg", Data: buf.Bytes()},
				{Filename: "terms.txt", ContentType: "text/plain", Data: []byte("terms")},
			}
		})

		It("should send it as a PNG image", func() {
			Expect(scanErr).NotTo(HaveOccurred())
			Expect(request.Messages[1].Images).To(HaveLen(1))
		})
	})

	When("the answer is not valid", func() {
		BeforeEach(func() {
			content = "I am not sure"
		})

		It("should return an invalid response error", func() {
			Expect(scanErr).To(MatchError(ErrInvalidResponse))
		})
	})

	When("the server returns an error", func() {
		BeforeEach(func() {
			status = http.StatusNotFound
		})

		It("should include the status and body", func() {
			Expect(scanErr).To(MatchError(ContainSubstring("status 404")))
			Expect(scanErr).To(MatchError(ContainSubstring("model not found")))
		})
	})
})

var _ = Describe("prepareImageData", func() {
	It("should pass PNG data through unchanged", func() {
		var buf bytes.Buffer
		Expect(png.Encode(&buf, testImage())).To(Succeed())

		data, mimeType, converted, err := prepareImageData(buf.Bytes(), "IMAGE/PNG ")
		Expect(err).NotTo(HaveOccurred())
		Expect(mimeType).To(Equal("image/png"))
		Expect(converted).To(BeFalse())
		Expect(data).To(Equal(buf.Bytes()))
	})

	It("should convert JPEG data to PNG", func() {
		var buf bytes.Buffer
		Expect(jpeg.Encode(&buf, testImage(), nil)).To(Succeed())

		data, _, converted, err := prepareImageData(buf.Bytes(), "")
		Expect(err).NotTo(HaveOccurred())
		Expect(converted).To(BeTrue())
		_, format, err := image.Decode(bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		Expect(format).To(Equal("png"))
	})

	It("should reject data that is not an image", func() {
		_, _, _, err := prepareImageData([]byte("not an image"), "image/gif")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("buildPrompt", func() {
	It("should include attachment text and feedback", func() {
		prompt := buildPrompt(Document{
			Sender:   "help@paddle.com",
			Subject:  "Recibo",
			Body:     "Valor R$ 10,00",
			Feedback: []string{"currency missing"},
		}, []string{"NF-e 123"})

		Expect(prompt).To(ContainSubstring("Subject: Recibo"))
		Expect(prompt).To(ContainSubstring("--- ATTACHMENT ---\nNF-e 123"))
		Expect(prompt).To(ContainSubstring("- currency missing"))
	})
})
