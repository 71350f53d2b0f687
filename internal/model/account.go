// internal/model/account.go
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type Provider string

const (
	ProviderSendGrid Provider = "sendgrid"
	ProviderGmail    Provider = "gmail"
)

type Account struct {
	ID            int64          `db:"id" json:"id"`
	UserID        int64          `db:"user_id" json:"user_id"`
	Provider      Provider       `db:"provider" json:"provider"`
	EmailAddress  string         `db:"email_address" json:"email_address"`
	Name          string         `db:"name" json:"name"`
	Config        ProviderConfig `db:"config" json:"-"`
	ConfigVersion int64          `db:"config_version" json:"-"`
	IsActive      bool           `db:"is_active" json:"is_active"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// ProviderConfig is the secret bundle of an account. The concrete type is
// selected by the account's provider tag.
type ProviderConfig interface {
	Provider() Provider
}

type APIKeyConfig struct {
	APIKey string `json:"api_key"`
}

func (APIKeyConfig) Provider() Provider { return ProviderSendGrid }

type OAuthConfig struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (OAuthConfig) Provider() Provider { return ProviderGmail }

// DecodeProviderConfig parses a stored config blob for the given provider.
func DecodeProviderConfig(p Provider, raw []byte) (ProviderConfig, error) {
	switch p {
	case ProviderSendGrid:
		var c APIKeyConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s config: %w", p, err)
		}
		return c, nil
	case ProviderGmail:
		var c OAuthConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode %s config: %w", p, err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", p)
	}
}

// EncodeProviderConfig serializes a config for storage.
func EncodeProviderConfig(c ProviderConfig) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("nil provider config")
	}
	return json.Marshal(c)
}
