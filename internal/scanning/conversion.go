package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"log/slog"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"

	"github.com/zombor/ai-receipts/internal/receipt"
)

// maxPDFTextPages bounds how much text is pulled out of a PDF attachment
const maxPDFTextPages = 3

// receiptScanPrompt is the shared prompt used by all LLM providers
const receiptScanPrompt = `You are analyzing a billing email from an AI service vendor (OpenAI, Anthropic, Cursor, Manus, N8N or similar). The email may be in English or Portuguese. Read the email text and any attached invoice or receipt and extract:

1. **provider**: the AI vendor that charged, e.g. "OpenAI", "Anthropic".
2. **service**: the product billed, e.g. "API Usage", "Claude API", "Cursor Pro".
3. **amount**: the total charged as a positive number (42.75 for "$42.75" or "R$ 42,75").
4. **currency**: one of "BRL", "USD" or "EUR".
5. **issued_date**: the invoice or payment date as YYYY-MM-DD.
6. **invoice_number**: the invoice, receipt, nota fiscal or transaction identifier exactly as printed.

Return ONLY valid JSON in this exact format:
{
  "provider": "OpenAI",
  "service": "API Usage",
  "amount": 0.00,
  "currency": "USD",
  "issued_date": "YYYY-MM-DD",
  "invoice_number": "INV-0000"
}

Important:
- Use null for any field you cannot find; never invent a value
- The amount must be a number, not a string
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// buildPrompt renders the instructions followed by the email, the text of any
// PDF attachments and feedback on earlier attempts
func buildPrompt(doc Document, attachmentText []string) string {
	var b strings.Builder
	b.WriteString(receiptScanPrompt)
	b.WriteString("\n\n--- EMAIL ---\n")
	fmt.Fprintf(&b, "From: %s\nSubject: %s\n\n%s\n", doc.Sender, doc.Subject, doc.Body)
	for _, text := range attachmentText {
		b.WriteString("\n--- ATTACHMENT ---\n")
		b.WriteString(text)
		b.WriteString("\n")
	}
	if len(doc.Feedback) > 0 {
		b.WriteString("\nYour previous answers were rejected:\n")
		for _, f := range doc.Feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}

// preparedAttachments holds the PNG renderings and extracted text of a
// document's attachments
type preparedAttachments struct {
	images [][]byte
	texts  []string
}

// prepareAttachments converts attachments into something an LLM can read.
// Attachments that cannot be converted are skipped with a warning.
func prepareAttachments(attachments []receipt.Attachment) preparedAttachments {
	var out preparedAttachments
	for _, a := range attachments {
		mimeType := strings.ToLower(strings.TrimSpace(a.ContentType))
		switch {
		case mimeType == "application/pdf":
			if text, err := pdfText(a.Data); err != nil {
				slog.Warn("Could not read PDF text", "filename", a.Filename, "error", err)
			} else if text != "" {
				out.texts = append(out.texts, text)
			}
			fallthrough
		case strings.HasPrefix(mimeType, "image/"):
			img, _, _, err := prepareImageData(a.Data, mimeType)
			if err != nil {
				slog.Warn("Could not convert attachment", "filename", a.Filename, "error", err)
				continue
			}
			out.images = append(out.images, img)
		default:
			slog.Debug("Skipping attachment", "filename", a.Filename, "content_type", mimeType)
		}
	}
	return out
}

// pdfText returns the text of the first pages of a PDF
func pdfText(pdfData []byte) (string, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	var b strings.Builder
	for i := 0; i < doc.NumPage() && i < maxPDFTextPages; i++ {
		text, err := doc.Text(i)
		if err != nil {
			return "", fmt.Errorf("reading PDF page %d: %w", i, err)
		}
		b.WriteString(text)
	}
	return strings.TrimSpace(b.String()), nil
}

// pdfToImage converts the first page of a PDF to a PNG image
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// imageToPNG converts any supported image format to PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	// Go's standard image package doesn't support HEIC
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks for an ftyp box with a HEIC-related brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// prepareImageData converts PDFs and non-PNG images to PNG. It returns the PNG
// data, its MIME type and whether a conversion happened.
func prepareImageData(imageData []byte, contentType string) ([]byte, string, bool, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	switch {
	case mimeType == "application/pdf":
		data, err := pdfToImage(imageData)
		if err != nil {
			return nil, "", false, fmt.Errorf("converting PDF to image: %w", err)
		}
		return data, "image/png", true, nil
	case mimeType != "image/png" || isHEICFormat(imageData):
		data, err := imageToPNG(imageData, mimeType)
		if err != nil {
			return nil, "", false, fmt.Errorf("converting image to PNG: %w", err)
		}
		return data, "image/png", true, nil
	}
	return imageData, "image/png", false, nil
}
