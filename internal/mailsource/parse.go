package mailsource

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // Register legacy charsets
	"github.com/emersion/go-message/mail"

	"github.com/zombor/ai-receipts/internal/receipt"
)

// maxAttachmentSize skips attachments the fallback scanner would not read anyway
const maxAttachmentSize = 10 << 20

var (
	scriptOrStyle = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	blockTags     = regexp.MustCompile(`(?i)<(br|/p|/div|/tr|/li|/h[1-6])[^>]*>`)
	tags          = regexp.MustCompile(`<[^>]*>`)
	blankLines    = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)
)

// Parse reads an RFC 5322 message. The body is the first text/plain part, or
// the first text/html part reduced to text when there is no plain part.
func Parse(raw []byte) (receipt.RawEmail, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return receipt.RawEmail{}, fmt.Errorf("reading message: %w", err)
	}
	defer mr.Close()

	var email receipt.RawEmail
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		email.Sender = from[0].Address
	} else {
		email.Sender = strings.TrimSpace(mr.Header.Get("From"))
	}
	if subject, err := mr.Header.Subject(); err == nil {
		email.Subject = strings.TrimSpace(subject)
	}
	if date, err := mr.Header.Date(); err == nil {
		email.ReceivedAt = date
	}
	if id, err := mr.Header.MessageID(); err == nil && id != "" {
		email.MessageID = id
	} else {
		sum := sha256.Sum256(raw)
		email.MessageID = "sha256:" + hex.EncodeToString(sum[:])
	}

	var plain, htmlBody string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return email, fmt.Errorf("reading part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return email, fmt.Errorf("reading body: %w", err)
			}
			switch {
			case mediaType == "text/html" && htmlBody == "":
				htmlBody = string(body)
			case (mediaType == "text/plain" || mediaType == "") && plain == "":
				plain = string(body)
			}
		case *mail.AttachmentHeader:
			attachment, ok := readAttachment(h, part.Body)
			if ok {
				email.Attachments = append(email.Attachments, attachment)
			}
		}
	}

	email.Body = strings.TrimSpace(plain)
	if email.Body == "" && htmlBody != "" {
		email.Body = HTMLToText(htmlBody)
	}
	return email, nil
}

func readAttachment(h *mail.AttachmentHeader, body io.Reader) (receipt.Attachment, bool) {
	filename, _ := h.Filename()
	mediaType, _, _ := h.ContentType()

	data, err := io.ReadAll(io.LimitReader(body, maxAttachmentSize+1))
	if err != nil {
		slog.Warn("Could not read attachment", "filename", filename, "error", err)
		return receipt.Attachment{}, false
	}
	if len(data) > maxAttachmentSize {
		slog.Debug("Skipping large attachment", "filename", filename, "content_type", mediaType)
		return receipt.Attachment{}, false
	}
	if filename == "" {
		filename = "attachment"
	}
	return receipt.Attachment{Filename: filename, ContentType: mediaType, Data: data}, true
}

// HTMLToText strips markup from an HTML body, keeping line structure
func HTMLToText(s string) string {
	s = scriptOrStyle.ReplaceAllString(s, "")
	s = blockTags.ReplaceAllString(s, "\n")
	s = tags.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
