package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gembiz/gateway/internal/handler"
	"github.com/gembiz/gateway/internal/pool"
	"github.com/gembiz/gateway/internal/store"
)

func newAdminMux(t *testing.T, accountsFile string, ids ...string) (*http.ServeMux, *pool.Pool) {
	t.Helper()
	accounts := make([]*pool.Account, 0, len(ids))
	for _, id := range ids {
		accounts = append(accounts, pool.NewAccount(pool.AccountOptions{ID: id, ConfigID: "cfg-" + id}))
	}
	p := pool.New(pool.Options{Accounts: accounts})
	st, err := store.New(store.Options{})
	require.NoError(t, err)

	mux := http.NewServeMux()
	admin := handler.NewAdminHandler(p, pool.NewSessionCache(time.Hour, nil), st, accountsFile, nil)
	admin.Register(mux)
	return mux, p
}

func TestAdmin_ListAccounts(t *testing.T) {
	mux, p := newAdminMux(t, "", "a1", "a2")
	a2, err := p.Account("a2")
	require.NoError(t, err)
	a2.HandleHTTPError(429, "", pool.QuotaImages)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/accounts", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Accounts  []pool.AccountStatus `json:"accounts"`
		Total     int                  `json:"total"`
		Available int                  `json:"available"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Available)

	for _, acct := range resp.Accounts {
		if acct.ID == "a2" {
			assert.False(t, acct.IsAvailable)
			assert.Contains(t, acct.CooldownReason, "images")
			assert.False(t, acct.QuotaStatus.Quotas["images"].Available)
			assert.True(t, acct.QuotaStatus.Quotas["text"].Available)
		}
	}
}

func TestAdmin_DisableEnableAccount(t *testing.T) {
	mux, p := newAdminMux(t, "", "a1")

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/accounts/a1/disable", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	a1, err := p.Account("a1")
	require.NoError(t, err)
	assert.True(t, a1.Disabled())

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/accounts/a1/enable", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, a1.Disabled())
}

func TestAdmin_EnableClearsCircuit(t *testing.T) {
	mux, p := newAdminMux(t, "", "a1")
	a1, err := p.Account("a1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		a1.HandleHTTPError(500, "", pool.QuotaText)
	}
	require.False(t, a1.ShouldRetry())

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/accounts/a1/enable", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	assert.True(t, a1.ShouldRetry(), "operator re-enable is the way out of an open circuit")
}

func TestAdmin_UnknownAccount(t *testing.T) {
	mux, _ := newAdminMux(t, "", "a1")

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/accounts/nope/disable", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdmin_ReloadAccounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
accounts:
  - id: a1
    secure_c_ses: ses
    csesidx: idx
    config_id: cfg-a1
  - id: a3
    secure_c_ses: ses
    csesidx: idx
    config_id: cfg-a3
`), 0o600))

	mux, p := newAdminMux(t, path, "a1", "a2")

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/accounts/reload", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	assert.Equal(t, 2, p.Len())
	_, err := p.Account("a3")
	assert.NoError(t, err)
	_, err = p.Account("a2")
	assert.Error(t, err, "accounts dropped from the file leave the pool")
}

func TestAdmin_ReloadBadFileLeavesPoolIntact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("accounts: []\n"), 0o600))

	mux, p := newAdminMux(t, path, "a1")

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/accounts/reload", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 1, p.Len())
}

func TestAdmin_RetryPolicyRoundTrip(t *testing.T) {
	mux, p := newAdminMux(t, "", "a1")

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/retry-policy", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"failure_threshold":3`)

	update := `{
		"failure_threshold": 5,
		"text_cooldown_seconds": 600,
		"images_cooldown_seconds": 1200,
		"videos_cooldown_seconds": 1800,
		"max_new_session_tries": 4,
		"max_request_retries": 2,
		"max_account_switch_tries": 3
	}`
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/admin/retry-policy", strings.NewReader(update)))
	require.Equal(t, http.StatusOK, rr.Code)

	policy := p.Policy()
	assert.Equal(t, 5, policy.FailureThreshold)
	assert.Equal(t, 10*time.Minute, policy.TextCooldown)
	assert.Equal(t, 2, policy.MaxRequestRetries)
}

func TestAdmin_RetryPolicyRejectsNonPositiveBounds(t *testing.T) {
	mux, _ := newAdminMux(t, "", "a1")

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/admin/retry-policy",
		strings.NewReader(`{"failure_threshold":0}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealth(t *testing.T) {
	accounts := []*pool.Account{pool.NewAccount(pool.AccountOptions{ID: "a1", ConfigID: "cfg"})}
	p := pool.New(pool.Options{Accounts: accounts})
	st, err := store.New(store.Options{})
	require.NoError(t, err)
	h := handler.NewHealthHandler(p, st)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"healthy"`)
	assert.Contains(t, rr.Body.String(), `"redis":"disconnected"`)

	acct, err := p.Account("a1")
	require.NoError(t, err)
	acct.Disable()

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"degraded"`)
}
