package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/model"
)

const (
	GoogleAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	GoogleTokenURL = "https://oauth2.googleapis.com/token"
	GmailSendScope = "https://www.googleapis.com/auth/gmail.send"
)

// CredentialStore persists refreshed OAuth credentials.
type CredentialStore interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	CompareAndSwapConfig(ctx context.Context, id, version int64, cfg model.ProviderConfig) (bool, error)
}

// GmailAdapter sends through the Gmail API as the account owner. An
// expired access token is refreshed and stored before the message goes out.
type GmailAdapter struct {
	OAuth    *oauth2.Config
	Accounts CredentialStore
	// Endpoint overrides the Gmail API base URL.
	Endpoint string
}

func NewGoogleOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  GoogleAuthURL,
			TokenURL: GoogleTokenURL,
		},
		Scopes: []string{GmailSendScope},
	}
}

func (a *GmailAdapter) Send(ctx context.Context, task *model.Task, account *model.Account) (Outcome, error) {
	token, err := a.accessToken(ctx, account)
	if err != nil {
		return Outcome{}, err
	}

	raw, err := buildMIMEMessage(task, account)
	if err != nil {
		return Outcome{}, appErrors.Permanent(err)
	}

	opts := []option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(token))}
	if a.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.Endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return Outcome{}, appErrors.Transient(fmt.Errorf("gmail client: %w", err))
	}

	msg, err := svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			return Outcome{}, classifyStatus(gerr.Code, fmt.Errorf("gmail send: %w", err))
		}
		return Outcome{}, appErrors.Transient(fmt.Errorf("gmail send: %w", err))
	}
	return Outcome{ProviderMessageID: msg.Id}, nil
}

// accessToken returns a usable token for the account, refreshing and
// persisting it with compare-and-set when it has expired. When a concurrent
// sender stored a fresh token first, that token is used instead.
func (a *GmailAdapter) accessToken(ctx context.Context, account *model.Account) (*oauth2.Token, error) {
	cfg, ok := account.Config.(model.OAuthConfig)
	if !ok {
		return nil, appErrors.Permanent(fmt.Errorf("account %d has no oauth credentials", account.ID))
	}
	token := oauthToken(cfg)
	if token.Valid() {
		return token, nil
	}
	if cfg.RefreshToken == "" {
		return nil, appErrors.Permanent(fmt.Errorf("account %d access token expired and no refresh token is stored", account.ID))
	}
	if a.OAuth == nil {
		return nil, appErrors.Permanent(errors.New("google oauth client is not configured"))
	}

	fresh, err := a.OAuth.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode < 500 {
			return nil, appErrors.Permanent(fmt.Errorf("refresh token for account %d: %w", account.ID, err))
		}
		return nil, appErrors.Transient(fmt.Errorf("refresh token for account %d: %w", account.ID, err))
	}

	next := model.OAuthConfig{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		ExpiresAt:    fresh.Expiry.UTC(),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cfg.RefreshToken
	}

	swapped, err := a.Accounts.CompareAndSwapConfig(ctx, account.ID, account.ConfigVersion, next)
	if err != nil {
		return nil, appErrors.Transient(fmt.Errorf("store refreshed token: %w", err))
	}
	if swapped {
		account.Config = next
		account.ConfigVersion++
		return oauthToken(next), nil
	}

	current, err := a.Accounts.GetByID(ctx, account.ID)
	if err != nil {
		return nil, appErrors.Transient(fmt.Errorf("reload account %d: %w", account.ID, err))
	}
	if stored, ok := current.Config.(model.OAuthConfig); ok {
		if t := oauthToken(stored); t.Valid() {
			*account = *current
			return t, nil
		}
	}
	return nil, appErrors.Transient(fmt.Errorf("account %d credentials changed during refresh", account.ID))
}

func oauthToken(cfg model.OAuthConfig) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  cfg.AccessToken,
		RefreshToken: cfg.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       cfg.ExpiresAt,
	}
}

// buildMIMEMessage renders a plain text message in the base64url form the
// Gmail API expects.
func buildMIMEMessage(task *model.Task, account *model.Account) (string, error) {
	to, err := mail.ParseAddress(task.RecipientEmail)
	if err != nil {
		return "", fmt.Errorf("recipient %q: %w", task.RecipientEmail, err)
	}
	from := mail.Address{Name: account.Name, Address: account.EmailAddress}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from.String())
	fmt.Fprintf(&buf, "To: %s\r\n", to.String())
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", task.RenderedSubject))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(task.RenderedBody)); err != nil {
		return "", err
	}
	if err := qp.Close(); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

var _ Adapter = (*GmailAdapter)(nil)
