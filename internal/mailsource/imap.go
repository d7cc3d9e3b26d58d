package mailsource

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/zombor/ai-receipts/internal/receipt"
)

const imapBatchSize = 50

// IMAPConfig holds the connection settings for an IMAP mailbox
type IMAPConfig struct {
	Addr     string // host:port
	Username string
	Password string
	Mailbox  string
	TLS      bool
}

// IMAP fetches messages from an IMAP mailbox. Each Fetch opens its own
// connection.
type IMAP struct {
	cfg IMAPConfig
}

// NewIMAP creates an IMAP Source
func NewIMAP(cfg IMAPConfig) (*IMAP, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("imap address is required")
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &IMAP{cfg: cfg}, nil
}

func (m *IMAP) connect() (*client.Client, error) {
	var (
		c   *client.Client
		err error
	)
	if m.cfg.TLS {
		c, err = client.DialTLS(m.cfg.Addr, &tls.Config{})
	} else {
		c, err = client.Dial(m.cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", m.cfg.Addr, err)
	}
	c.Timeout = 5 * time.Minute

	if err := c.Login(m.cfg.Username, m.cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("logging in: %w", err)
	}
	return c, nil
}

// Fetch searches the mailbox for messages received since q.Since and parses
// them. The mailbox is opened read-only and bodies are fetched with PEEK so
// flags are left alone.
func (m *IMAP) Fetch(ctx context.Context, q Query) ([]receipt.RawEmail, error) {
	c, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	if _, err := c.Select(m.cfg.Mailbox, true); err != nil {
		return nil, fmt.Errorf("selecting %s: %w", m.cfg.Mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	if !q.Since.IsZero() {
		criteria.Since = q.Since
	}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", m.cfg.Mailbox, err)
	}
	slog.Debug("IMAP search completed", "mailbox", m.cfg.Mailbox, "matches", len(uids))

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	var emails []receipt.RawEmail
	for start := 0; start < len(uids); start += imapBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := min(start+imapBatchSize, len(uids))
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uids[start:end]...)

		messages := make(chan *imap.Message, imapBatchSize)
		done := make(chan error, 1)
		go func() {
			done <- c.UidFetch(seqSet, items, messages)
		}()

		for msg := range messages {
			email, ok := parseIMAPMessage(msg, section)
			if ok {
				emails = append(emails, email)
			}
		}
		if err := <-done; err != nil {
			return nil, fmt.Errorf("fetching messages: %w", err)
		}
	}

	return limit(emails, q), nil
}

func parseIMAPMessage(msg *imap.Message, section *imap.BodySectionName) (receipt.RawEmail, bool) {
	literal := msg.GetBody(section)
	if literal == nil {
		slog.Warn("IMAP message has no body", "uid", msg.Uid)
		return receipt.RawEmail{}, false
	}
	raw, err := io.ReadAll(literal)
	if err != nil {
		slog.Warn("Could not read IMAP message", "uid", msg.Uid, "error", err)
		return receipt.RawEmail{}, false
	}

	email, err := Parse(raw)
	if err != nil {
		slog.Warn("Skipping unreadable email", "uid", msg.Uid, "error", err)
		return receipt.RawEmail{}, false
	}
	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = msg.InternalDate
	}
	return email, true
}

// Close is a no-op; connections are closed after each Fetch
func (m *IMAP) Close() error {
	return nil
}
