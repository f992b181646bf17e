package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNoAvailableAccounts is returned when no account satisfies the
	// availability and quota constraints.
	ErrNoAvailableAccounts = errors.New("no available accounts")
	// ErrBindingInvalid is returned when a pinned account fails
	// re-validation; callers should drop the binding and select freely.
	ErrBindingInvalid = errors.New("bound account no longer available")
	// ErrUnknownAccount is returned for lookups of ids not in the pool.
	ErrUnknownAccount = errors.New("unknown account")
)

// Pool owns all accounts and implements the selection policy. All
// mutation goes through its methods; there are no ambient singletons.
type Pool struct {
	logger *slog.Logger

	mu       sync.RWMutex
	accounts []*Account
	byID     map[string]*Account

	// cursor rotates the free-selection starting point. The increment is
	// atomic but selection over the snapshot may race with pool reloads;
	// slightly unfair rotation is accepted in exchange for not holding a
	// global lock across selection.
	cursor atomic.Uint64

	policy atomic.Pointer[RetryPolicy]
	tokens atomic.Pointer[TokenSource]
}

// Options configures a pool.
type Options struct {
	Accounts []*Account
	Policy   *RetryPolicy
	Logger   *slog.Logger
}

// New creates a pool over the given accounts.
func New(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Policy
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	p := &Pool{logger: logger}
	p.policy.Store(policy)
	p.setAccounts(opts.Accounts)
	return p
}

func (p *Pool) setAccounts(accounts []*Account) {
	ts := p.tokens.Load()
	byID := make(map[string]*Account, len(accounts))
	for _, a := range accounts {
		a.ApplyRetryPolicy(p.policy.Load())
		if ts != nil {
			a.SetTokenSource(*ts)
		}
		byID[a.ID] = a
	}
	p.mu.Lock()
	p.accounts = accounts
	p.byID = byID
	p.mu.Unlock()
}

// Policy returns the current retry policy.
func (p *Pool) Policy() *RetryPolicy {
	return p.policy.Load()
}

// SetRetryPolicy hot-swaps the retry policy for the pool and every
// account. In-flight selections observe either the old or the new
// policy, never a mix.
func (p *Pool) SetRetryPolicy(policy *RetryPolicy) {
	if policy == nil {
		return
	}
	p.policy.Store(policy)

	p.mu.RLock()
	accounts := p.accounts
	p.mu.RUnlock()
	for _, a := range accounts {
		a.ApplyRetryPolicy(policy)
	}
	p.logger.Info("retry policy updated",
		"failure_threshold", policy.FailureThreshold,
		"text_cooldown", policy.TextCooldown.String(),
		"images_cooldown", policy.ImagesCooldown.String(),
		"videos_cooldown", policy.VideosCooldown.String(),
	)
}

// SetTokenSource swaps the JWT minting collaborator on every account.
// The source is remembered so accounts introduced later by a reload get
// it too.
func (p *Pool) SetTokenSource(ts TokenSource) {
	p.tokens.Store(&ts)
	p.mu.RLock()
	accounts := p.accounts
	p.mu.RUnlock()
	for _, a := range accounts {
		a.SetTokenSource(ts)
	}
}

// ReplaceAccounts atomically swaps the account list on a config reload.
// Runtime health of accounts whose id survives the reload carries over;
// brand-new ids start fresh.
func (p *Pool) ReplaceAccounts(accounts []*Account) {
	p.mu.RLock()
	old := p.byID
	p.mu.RUnlock()

	kept := 0
	merged := make([]*Account, 0, len(accounts))
	for _, next := range accounts {
		if prev, ok := old[next.ID]; ok && prev.ConfigID == next.ConfigID {
			// Same upstream identity: keep the live object so health
			// state and in-flight references stay coherent.
			if next.Disabled() != prev.Disabled() {
				if next.Disabled() {
					prev.Disable()
				} else {
					prev.Reenable()
				}
			}
			merged = append(merged, prev)
			kept++
			continue
		}
		merged = append(merged, next)
	}
	p.setAccounts(merged)
	p.logger.Info("account pool reloaded", "total", len(merged), "kept", kept)
}

// Account returns the account with the given id.
func (p *Pool) Account(id string) (*Account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return a, nil
}

// Len returns the number of accounts in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}

// GetAccount selects an account for a request. With a pinned id the
// bound account is re-validated and returned, or ErrBindingInvalid if it
// no longer qualifies. Without one, free selection walks the pool from a
// rotating starting point and returns the first qualifying account.
func (p *Pool) GetAccount(pinnedID, requestID string, required []QuotaType) (*Account, error) {
	if pinnedID != "" {
		a, err := p.Account(pinnedID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBindingInvalid, pinnedID)
		}
		if !a.ShouldRetry() || !a.QuotasAvailable(required) {
			return nil, fmt.Errorf("%w: %s", ErrBindingInvalid, pinnedID)
		}
		return a, nil
	}
	return p.GetAccountExcluding(requestID, required, nil)
}

// GetAccountExcluding performs free selection, skipping the excluded id
// set. Used for failover so an already-failed account is not retried
// within the same request.
func (p *Pool) GetAccountExcluding(requestID string, required []QuotaType, excluded map[string]bool) (*Account, error) {
	p.mu.RLock()
	accounts := p.accounts
	p.mu.RUnlock()

	if len(accounts) == 0 {
		return nil, ErrNoAvailableAccounts
	}

	start := p.cursor.Add(1)
	for i := 0; i < len(accounts); i++ {
		a := accounts[(int(start)+i)%len(accounts)]
		if excluded[a.ID] {
			continue
		}
		if !a.ShouldRetry() {
			continue
		}
		if !a.QuotasAvailable(required) {
			continue
		}
		p.logger.Debug("selected account",
			"account_id", a.ID,
			"request_id", requestID,
			"pool_size", len(accounts),
		)
		return a, nil
	}
	return nil, ErrNoAvailableAccounts
}

// AccountStatus is the admin view of one account.
type AccountStatus struct {
	ID                string      `json:"id"`
	IsAvailable       bool        `json:"is_available"`
	Disabled          bool        `json:"disabled"`
	ErrorCount        int         `json:"error_count"`
	FailureCount      int64       `json:"failure_count"`
	ConversationCount int64       `json:"conversation_count"`
	ExpiresAt         string      `json:"expires_at,omitempty"`
	RemainingHours    float64     `json:"remaining_hours"`
	CooldownSeconds   float64     `json:"cooldown_seconds"`
	CooldownReason    string      `json:"cooldown_reason,omitempty"`
	QuotaStatus       QuotaReport `json:"quota_status"`
}

// Snapshot returns the status of every account for display.
func (p *Pool) Snapshot() []AccountStatus {
	p.mu.RLock()
	accounts := p.accounts
	p.mu.RUnlock()

	out := make([]AccountStatus, 0, len(accounts))
	for _, a := range accounts {
		counters := a.Counters()
		cooldown, reason := a.CooldownInfo()
		status := AccountStatus{
			ID:                a.ID,
			IsAvailable:       a.IsAvailable(),
			Disabled:          a.Disabled(),
			ErrorCount:        a.ErrorCount(),
			FailureCount:      counters.FailureCount,
			ConversationCount: counters.ConversationCount,
			RemainingHours:    a.RemainingHours(),
			CooldownSeconds:   cooldown.Seconds(),
			CooldownReason:    reason,
			QuotaStatus:       a.QuotaStatus(),
		}
		if a.ExpiresAt != nil {
			status.ExpiresAt = a.ExpiresAt.Format(time.RFC3339)
		}
		out = append(out, status)
	}
	return out
}
