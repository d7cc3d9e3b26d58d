package mailsource

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/zombor/ai-receipts/internal/receipt"
)

const gmailPageSize = 100

// storedToken is the token.json layout written by google-auth, which is also
// what existing deployments of this tool have on disk
type storedToken struct {
	Token        string `json:"token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Expiry       string `json:"expiry"`
}

// Gmail fetches messages through the Gmail API
type Gmail struct {
	svc  *gm.Service
	user string
}

// NewGmail authenticates with a client credentials file and a previously
// stored token file. A missing or unusable token is an error; run the consent
// flow elsewhere.
func NewGmail(ctx context.Context, credentialsPath, tokenPath string) (*Gmail, error) {
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("reading credentials from %s: %w", credentialsPath, err)
	}
	config, err := google.ConfigFromJSON(data, gm.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}

	token, err := loadToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("loading token from %s: %w", tokenPath, err)
	}

	svc, err := gm.NewService(ctx, option.WithTokenSource(config.TokenSource(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return NewGmailWithService(svc), nil
}

// NewGmailWithService wraps an existing Gmail service
func NewGmailWithService(svc *gm.Service) *Gmail {
	return &Gmail{svc: svc, user: "me"}
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}

	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  st.Token,
		RefreshToken: st.RefreshToken,
		TokenType:    "Bearer",
	}
	if token.AccessToken == "" {
		token.AccessToken = st.AccessToken
	}
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, fmt.Errorf("token file has neither an access nor a refresh token")
	}

	// google-auth writes ISO 8601 with microseconds
	for _, layout := range []string{"2006-01-02T15:04:05.999999Z", time.RFC3339Nano} {
		if t, err := time.Parse(layout, st.Expiry); err == nil {
			token.Expiry = t
			break
		}
	}
	return token, nil
}

// Fetch lists messages matching GmailQuery(q) and downloads each one in raw
// form. Messages that fail to download are skipped with a warning.
func (g *Gmail) Fetch(ctx context.Context, q Query) ([]receipt.RawEmail, error) {
	query := GmailQuery(q)
	slog.Debug("Searching Gmail", "query", query)

	var ids []string
	call := g.svc.Users.Messages.List(g.user).Q(query).MaxResults(gmailPageSize)
	err := call.Pages(ctx, func(resp *gm.ListMessagesResponse) error {
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if q.MaxResults > 0 && len(ids) >= q.MaxResults {
			return errEnoughMessages
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnoughMessages) {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	var emails []receipt.RawEmail
	for _, id := range ids {
		email, err := g.get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("Skipping Gmail message", "id", id, "error", err)
			continue
		}
		emails = append(emails, email)
	}
	return limit(emails, q), nil
}

var errEnoughMessages = errors.New("enough messages")

func (g *Gmail) get(ctx context.Context, id string) (receipt.RawEmail, error) {
	msg, err := g.svc.Users.Messages.Get(g.user, id).Format("raw").Context(ctx).Do()
	if err != nil {
		return receipt.RawEmail{}, fmt.Errorf("getting message: %w", err)
	}

	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(msg.Raw)
		if err != nil {
			return receipt.RawEmail{}, fmt.Errorf("decoding message: %w", err)
		}
	}

	email, err := Parse(raw)
	if err != nil {
		return receipt.RawEmail{}, err
	}
	// Gmail ids are stable across re-scans
	email.MessageID = msg.Id
	if msg.InternalDate > 0 {
		email.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}
	return email, nil
}

// Close is a no-op
func (g *Gmail) Close() error {
	return nil
}
