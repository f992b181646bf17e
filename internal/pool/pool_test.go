package pool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gembiz/gateway/internal/pool"
)

func newTestPool(ids ...string) *pool.Pool {
	accounts := make([]*pool.Account, 0, len(ids))
	for _, id := range ids {
		accounts = append(accounts, newTestAccount(id))
	}
	return pool.New(pool.Options{Accounts: accounts})
}

func textOnly() []pool.QuotaType {
	return []pool.QuotaType{pool.QuotaText}
}

func TestGetAccountExcluding_RotatesAcrossAccounts(t *testing.T) {
	p := newTestPool("a1", "a2", "a3")

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		acct, err := p.GetAccountExcluding("req", textOnly(), nil)
		require.NoError(t, err)
		seen[acct.ID] = true
	}

	assert.Len(t, seen, 3, "consecutive selections rotate through the pool")
}

func TestGetAccountExcluding_SkipsExcluded(t *testing.T) {
	p := newTestPool("a1", "a2")

	excluded := map[string]bool{"a1": true}
	for i := 0; i < 5; i++ {
		acct, err := p.GetAccountExcluding("req", textOnly(), excluded)
		require.NoError(t, err)
		assert.Equal(t, "a2", acct.ID)
	}
}

func TestGetAccountExcluding_SkipsTrippedCircuit(t *testing.T) {
	p := newTestPool("a1", "a2")
	a1, err := p.Account("a1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		a1.HandleHTTPError(500, "", pool.QuotaText)
	}

	for i := 0; i < 5; i++ {
		acct, err := p.GetAccountExcluding("req", textOnly(), nil)
		require.NoError(t, err)
		assert.Equal(t, "a2", acct.ID)
	}
}

func TestGetAccountExcluding_ExhaustionReturnsSentinel(t *testing.T) {
	p := newTestPool("a1")
	a1, err := p.Account("a1")
	require.NoError(t, err)
	a1.Disable()

	_, err = p.GetAccountExcluding("req", textOnly(), nil)
	assert.ErrorIs(t, err, pool.ErrNoAvailableAccounts)
}

func TestGetAccountExcluding_AllExcludedReturnsSentinel(t *testing.T) {
	p := newTestPool("a1", "a2")

	_, err := p.GetAccountExcluding("req", textOnly(), map[string]bool{"a1": true, "a2": true})
	assert.ErrorIs(t, err, pool.ErrNoAvailableAccounts)
}

func TestGetAccountExcluding_QuotaCooldownIsPerType(t *testing.T) {
	p := newTestPool("a1")
	a1, err := p.Account("a1")
	require.NoError(t, err)
	a1.HandleHTTPError(429, "image quota", pool.QuotaImages)

	// Text traffic still lands on the account.
	acct, err := p.GetAccountExcluding("req", textOnly(), nil)
	require.NoError(t, err)
	assert.Equal(t, "a1", acct.ID)

	// Image traffic does not.
	_, err = p.GetAccountExcluding("req", []pool.QuotaType{pool.QuotaText, pool.QuotaImages}, nil)
	assert.ErrorIs(t, err, pool.ErrNoAvailableAccounts)
}

func TestGetAccount_PinnedRevalidation(t *testing.T) {
	p := newTestPool("a1", "a2")

	acct, err := p.GetAccount("a1", "req", textOnly())
	require.NoError(t, err)
	assert.Equal(t, "a1", acct.ID)

	// Pinned account goes down, the binding is reported invalid rather
	// than silently rerouted.
	a1, err := p.Account("a1")
	require.NoError(t, err)
	a1.Disable()

	_, err = p.GetAccount("a1", "req", textOnly())
	assert.ErrorIs(t, err, pool.ErrBindingInvalid)
}

func TestGetAccount_UnknownPinnedAccount(t *testing.T) {
	p := newTestPool("a1")

	_, err := p.GetAccount("missing", "req", textOnly())
	assert.ErrorIs(t, err, pool.ErrBindingInvalid)
}

func TestGetAccount_EmptyPinFallsBackToSelection(t *testing.T) {
	p := newTestPool("a1")

	acct, err := p.GetAccount("", "req", textOnly())
	require.NoError(t, err)
	assert.Equal(t, "a1", acct.ID)
}

func TestReplaceAccounts_PreservesHealthOfSurvivors(t *testing.T) {
	p := newTestPool("a1", "a2")
	a1, err := p.Account("a1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		a1.HandleHTTPError(500, "", pool.QuotaText)
	}

	replacement := []*pool.Account{newTestAccount("a1"), newTestAccount("a3")}
	p.ReplaceAccounts(replacement)

	assert.Equal(t, 2, p.Len())

	// a1 survived the reload, its open circuit must survive too.
	a1After, err := p.Account("a1")
	require.NoError(t, err)
	assert.False(t, a1After.ShouldRetry())

	_, err = p.Account("a2")
	assert.Error(t, err)

	a3, err := p.Account("a3")
	require.NoError(t, err)
	assert.True(t, a3.ShouldRetry())
}

func TestReplaceAccounts_NewAccountsGetTokenSource(t *testing.T) {
	p := newTestPool("a1")
	source := &fakeTokenSource{token: "jwt-1", ttl: time.Hour}
	p.SetTokenSource(source)

	p.ReplaceAccounts([]*pool.Account{newTestAccount("a1"), newTestAccount("a2")})

	// a2 joined after the token source was installed; minting a JWT
	// for it must go through the pool's source, not fail.
	a2, err := p.Account("a2")
	require.NoError(t, err)
	jwt, err := a2.JWT(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, "jwt-1", jwt)
}

func TestJWT_WithoutTokenSourceReturnsError(t *testing.T) {
	acct := newTestAccount("a1")

	_, err := acct.JWT(context.Background(), "req")
	assert.Error(t, err)
}

func TestSetRetryPolicy_PropagatesToAccounts(t *testing.T) {
	p := newTestPool("a1")

	p.SetRetryPolicy(&pool.RetryPolicy{
		FailureThreshold:      1,
		TextCooldown:          time.Hour,
		ImagesCooldown:        time.Hour,
		VideosCooldown:        time.Hour,
		MaxNewSessionTries:    1,
		MaxRequestRetries:     1,
		MaxAccountSwitchTries: 1,
	})

	a1, err := p.Account("a1")
	require.NoError(t, err)
	a1.HandleHTTPError(500, "", pool.QuotaText)
	assert.False(t, a1.ShouldRetry(), "new threshold of one applies immediately")
}

func TestSnapshot(t *testing.T) {
	p := newTestPool("a1", "a2")
	a2, err := p.Account("a2")
	require.NoError(t, err)
	a2.Disable()

	snapshot := p.Snapshot()
	require.Len(t, snapshot, 2)

	byID := map[string]pool.AccountStatus{}
	for _, s := range snapshot {
		byID[s.ID] = s
	}
	assert.True(t, byID["a1"].IsAvailable)
	assert.False(t, byID["a2"].IsAvailable)
	assert.True(t, byID["a2"].Disabled)
}
