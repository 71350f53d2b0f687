// internal/provider/provider.go
package provider

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/model"
)

type Outcome struct {
	ProviderMessageID string
}

// Adapter delivers one rendered task through an account. Errors should be
// classified with appErrors.Transient or appErrors.Permanent.
type Adapter interface {
	Send(ctx context.Context, task *model.Task, account *model.Account) (Outcome, error)
}

type AdapterFunc func(ctx context.Context, task *model.Task, account *model.Account) (Outcome, error)

func (f AdapterFunc) Send(ctx context.Context, task *model.Task, account *model.Account) (Outcome, error) {
	return f(ctx, task, account)
}

// Registry picks the adapter for an account's provider and paces calls per
// account.
type Registry struct {
	mu       sync.Mutex
	adapters map[model.Provider]Adapter
	limiters map[int64]*rate.Limiter
	perSec   float64
}

// NewRegistry paces each account to ratePerSec calls; zero disables pacing.
func NewRegistry(ratePerSec float64) *Registry {
	return &Registry{
		adapters: make(map[model.Provider]Adapter),
		limiters: make(map[int64]*rate.Limiter),
		perSec:   ratePerSec,
	}
}

func (r *Registry) Register(p model.Provider, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[p] = a
}

func (r *Registry) Resolve(p model.Provider) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[p]
	if !ok {
		return nil, appErrors.Permanent(fmt.Errorf("unsupported provider %q", p))
	}
	return a, nil
}

func (r *Registry) Send(ctx context.Context, task *model.Task, account *model.Account) (Outcome, error) {
	a, err := r.Resolve(account.Provider)
	if err != nil {
		return Outcome{}, err
	}
	if lim := r.limiter(account.ID); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Outcome{}, appErrors.Transient(fmt.Errorf("wait for provider slot: %w", err))
		}
	}
	return a.Send(ctx, task, account)
}

func (r *Registry) limiter(accountID int64) *rate.Limiter {
	if r.perSec <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[accountID]
	if !ok {
		burst := int(r.perSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(r.perSec), burst)
		r.limiters[accountID] = lim
	}
	return lim
}

// classifyStatus maps an HTTP status from a provider to a delivery error.
func classifyStatus(code int, err error) error {
	if code == 429 || code >= 500 {
		return appErrors.Transient(err)
	}
	return appErrors.Permanent(err)
}

var _ Adapter = (*Registry)(nil)
