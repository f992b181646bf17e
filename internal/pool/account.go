package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// jwtSafetyMargin is subtracted from the token expiry before the cached
	// JWT is considered stale.
	jwtSafetyMargin = 2 * time.Minute
)

// Credentials are the cookie-derived secrets of one upstream account.
type Credentials struct {
	SecureCSes string
	CSesIdx    string
	HostCOSes  string
}

// Counters are the persisted usage counters restored at startup.
type Counters struct {
	ConversationCount int64 `json:"conversationCount"`
	FailureCount      int64 `json:"failureCount"`
}

// TokenSource mints a short-lived bearer JWT for an account.
// Implemented by the upstream client; injected so the pool never dials
// the network itself.
type TokenSource interface {
	FetchJWT(ctx context.Context, creds Credentials, requestID string) (token string, expiresAt time.Time, err error)
}

// Account is one upstream credential set together with its runtime
// health state. Configuration fields are set at construction and never
// mutated; everything behind mu is shared across concurrent requests.
type Account struct {
	ID       string
	ConfigID string
	Creds    Credentials

	// ExpiresAt is nil for accounts that never expire.
	ExpiresAt *time.Time

	policy atomic.Pointer[RetryPolicy]

	mu            sync.Mutex
	disabled      bool
	available     bool
	errorCount    int
	failureCount  int64
	lastErrorTime time.Time
	lastRateLimit [quotaTypeCount]time.Time

	conversationCount int64
	sessionUsageCount int64

	jwt          string
	jwtExpiresAt time.Time
	tokens       TokenSource
	jwtGroup     singleflight.Group
}

// AccountOptions configures a new account.
type AccountOptions struct {
	ID        string
	ConfigID  string
	Creds     Credentials
	ExpiresAt *time.Time
	Disabled  bool
	Policy    *RetryPolicy
	Tokens    TokenSource
}

// NewAccount creates an account in the available state.
func NewAccount(opts AccountOptions) *Account {
	policy := opts.Policy
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	a := &Account{
		ID:        opts.ID,
		ConfigID:  opts.ConfigID,
		Creds:     opts.Creds,
		ExpiresAt: opts.ExpiresAt,
		disabled:  opts.Disabled,
		available: true,
		tokens:    opts.Tokens,
	}
	a.policy.Store(policy)
	return a
}

// ApplyRetryPolicy swaps the retry policy. Safe against concurrent
// health checks; readers see either the old or the new policy, whole.
func (a *Account) ApplyRetryPolicy(p *RetryPolicy) {
	if p != nil {
		a.policy.Store(p)
	}
}

// RestoreCounters applies persisted counters to a freshly built account.
// Called once at startup, before the account serves traffic.
func (a *Account) RestoreCounters(c Counters) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversationCount = c.ConversationCount
	a.failureCount = c.FailureCount
}

// IsExpired reports whether the account's configured expiry has passed.
func (a *Account) IsExpired() bool {
	if a.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*a.ExpiresAt)
}

// RemainingHours returns hours until expiry, or -1 for accounts that
// never expire.
func (a *Account) RemainingHours() float64 {
	if a.ExpiresAt == nil {
		return -1
	}
	return time.Until(*a.ExpiresAt).Hours()
}

// HandleHTTPError records an upstream HTTP failure against this account.
// A 429 stamps a cooldown for the given quota type only. Parameter
// errors (400-class except auth) are the caller's fault and never count.
// Everything else counts toward the consecutive-failure circuit.
func (a *Account) HandleHTTPError(status int, detail string, qt QuotaType) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.lastErrorTime = now

	switch {
	case status == 429:
		a.lastRateLimit[qt] = now
		a.failureCount++
	case status == 400 || status == 404 || status == 413 || status == 422:
		// Caller or parameter error; the account is not at fault.
	default:
		a.recordFailureLocked(now)
	}
}

// HandleTransportError records a non-HTTP failure (connect, TLS,
// timeout) the same way as a generic HTTP error.
func (a *Account) HandleTransportError(context string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recordFailureLocked(time.Now())
}

func (a *Account) recordFailureLocked(now time.Time) {
	a.lastErrorTime = now
	a.errorCount++
	a.failureCount++
	if a.errorCount >= a.policy.Load().FailureThreshold {
		a.available = false
	}
}

// MarkSuccess fully resets the non-quota circuit after a successful turn.
func (a *Account) MarkSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errorCount = 0
	a.available = true
	a.conversationCount++
}

// MarkSessionOpened bumps the session usage counter.
func (a *Account) MarkSessionOpened() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionUsageCount++
}

// ShouldRetry reports whether the account may serve requests at all:
// not operator-disabled, not expired, circuit not open. Quota cooldowns
// are checked separately via QuotasAvailable, so an account cooling down
// on images can still serve text.
func (a *Account) ShouldRetry() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.disabled && a.available && !a.IsExpired()
}

// QuotasAvailable reports whether none of the required quota types are
// inside their cooldown window.
func (a *Account) QuotasAvailable(required []QuotaType) bool {
	policy := a.policy.Load()
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, q := range required {
		stamp := a.lastRateLimit[q]
		if !stamp.IsZero() && now.Sub(stamp) < policy.Cooldown(q) {
			return false
		}
	}
	return true
}

// IsAvailable is the composite availability predicate: false whenever
// the account is disabled, expired, circuit-open, or any quota type is
// cooling down.
func (a *Account) IsAvailable() bool {
	return a.ShouldRetry() && a.QuotasAvailable(AllQuotaTypes())
}

// CooldownInfo returns the longest remaining cooldown across quota types
// and a short reason, both computed from the stamps at read time.
func (a *Account) CooldownInfo() (time.Duration, string) {
	policy := a.policy.Load()
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	var remaining time.Duration
	reason := ""
	for _, q := range AllQuotaTypes() {
		stamp := a.lastRateLimit[q]
		if stamp.IsZero() {
			continue
		}
		left := policy.Cooldown(q) - now.Sub(stamp)
		if left > remaining {
			remaining = left
			reason = "rate limited: " + q.String()
		}
	}
	if remaining <= 0 {
		return 0, ""
	}
	return remaining, reason
}

// QuotaStatus describes one quota type's availability.
type QuotaStatus struct {
	Available        bool    `json:"available"`
	RemainingSeconds float64 `json:"remaining_seconds,omitempty"`
}

// QuotaReport is the per-account quota view used by the admin surface.
type QuotaReport struct {
	Quotas       map[string]QuotaStatus `json:"quotas"`
	LimitedCount int                    `json:"limited_count"`
	TotalCount   int                    `json:"total_count"`
	IsExpired    bool                   `json:"is_expired"`
}

// QuotaStatus reports the cooldown state of every quota type.
func (a *Account) QuotaStatus() QuotaReport {
	policy := a.policy.Load()
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	report := QuotaReport{
		Quotas:     make(map[string]QuotaStatus, quotaTypeCount),
		TotalCount: int(quotaTypeCount),
		IsExpired:  a.IsExpired(),
	}
	for _, q := range AllQuotaTypes() {
		status := QuotaStatus{Available: true}
		if stamp := a.lastRateLimit[q]; !stamp.IsZero() {
			if left := policy.Cooldown(q) - now.Sub(stamp); left > 0 {
				status.Available = false
				status.RemainingSeconds = left.Seconds()
				report.LimitedCount++
			}
		}
		report.Quotas[q.String()] = status
	}
	return report
}

// Disable takes the account out of rotation until Reenable.
func (a *Account) Disable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disabled = true
}

// Reenable clears the disabled flag, the circuit and all rate-limit
// stamps. This is the only way out of the sticky circuit-open state.
func (a *Account) Reenable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disabled = false
	a.available = true
	a.errorCount = 0
	a.lastRateLimit = [quotaTypeCount]time.Time{}
}

// Disabled reports the operator-set disabled flag.
func (a *Account) Disabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disabled
}

// ErrorCount returns the consecutive non-quota failure count.
func (a *Account) ErrorCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errorCount
}

// Counters returns the persisted-counter view of this account.
func (a *Account) Counters() Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Counters{
		ConversationCount: a.conversationCount,
		FailureCount:      a.failureCount,
	}
}

// SetTokenSource swaps the JWT minting collaborator.
func (a *Account) SetTokenSource(ts TokenSource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = ts
}

// JWT returns the cached bearer token, refreshing it through the token
// source when it is within the safety margin of expiry. Concurrent calls
// for the same account are deduplicated with singleflight; duplicate
// refreshes would be wasteful but not unsafe.
func (a *Account) JWT(ctx context.Context, requestID string) (string, error) {
	a.mu.Lock()
	if a.jwt != "" && time.Now().Before(a.jwtExpiresAt.Add(-jwtSafetyMargin)) {
		token := a.jwt
		a.mu.Unlock()
		return token, nil
	}
	ts := a.tokens
	creds := a.Creds
	a.mu.Unlock()

	if ts == nil {
		return "", fmt.Errorf("account %s has no token source", a.ID)
	}

	v, err, _ := a.jwtGroup.Do("jwt", func() (interface{}, error) {
		token, expiresAt, err := ts.FetchJWT(ctx, creds, requestID)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.jwt = token
		a.jwtExpiresAt = expiresAt
		a.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// InvalidateJWT drops the cached token, forcing a refresh on next use.
func (a *Account) InvalidateJWT() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jwt = ""
	a.jwtExpiresAt = time.Time{}
}
