package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/model"
)

type AccountRepositoryInterface interface {
	Create(ctx context.Context, a *model.Account) error
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	CompareAndSwapConfig(ctx context.Context, id, version int64, cfg model.ProviderConfig) (bool, error)
}

type AccountRepository struct {
	DB *DB
}

func (r *AccountRepository) Create(ctx context.Context, a *model.Account) error {
	raw, err := model.EncodeProviderConfig(a.Config)
	if err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.ConfigVersion == 0 {
		a.ConfigVersion = 1
	}
	query := `
        INSERT INTO email_accounts (user_id, provider, email_address, name, config, config_version, is_active, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        RETURNING id
    `
	return r.DB.queryRow(ctx, query, a.UserID, string(a.Provider), a.EmailAddress, a.Name, string(raw),
		a.ConfigVersion, a.IsActive, a.CreatedAt.UTC()).Scan(&a.ID)
}

// GetByID loads an account with its decoded provider config.
func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	query := `
        SELECT id, user_id, provider, email_address, name, config, config_version, is_active, created_at
        FROM email_accounts
        WHERE id = ?
    `
	var a model.Account
	var raw string
	err := r.DB.queryRow(ctx, query, id).Scan(&a.ID, &a.UserID, &a.Provider, &a.EmailAddress, &a.Name,
		&raw, &a.ConfigVersion, &a.IsActive, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewAccountNotFound(id)
		}
		return nil, err
	}
	if a.Config, err = model.DecodeProviderConfig(a.Provider, []byte(raw)); err != nil {
		return nil, err
	}
	return &a, nil
}

// CompareAndSwapConfig stores cfg only if the account is still at version,
// bumping the version. It reports false when a concurrent writer won.
func (r *AccountRepository) CompareAndSwapConfig(ctx context.Context, id, version int64, cfg model.ProviderConfig) (bool, error) {
	raw, err := model.EncodeProviderConfig(cfg)
	if err != nil {
		return false, err
	}
	res, err := r.DB.exec(ctx, `
        UPDATE email_accounts SET config = ?, config_version = config_version + 1
        WHERE id = ? AND config_version = ?
    `, string(raw), id, version)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

var _ AccountRepositoryInterface = (*AccountRepository)(nil)
