package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gembiz/gateway/internal/config"
	"github.com/gembiz/gateway/internal/openai"
	"github.com/gembiz/gateway/internal/pool"
	"github.com/gembiz/gateway/internal/store"
	"github.com/gembiz/gateway/pkg/middleware"
)

// AdminHandler exposes the operator endpoints: account status and
// control, pool reload and retry policy updates.
type AdminHandler struct {
	pool         *pool.Pool
	sessions     *pool.SessionCache
	store        *store.Store
	accountsFile string
	logger       *slog.Logger
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(p *pool.Pool, sessions *pool.SessionCache, st *store.Store, accountsFile string, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		pool:         p,
		sessions:     sessions,
		store:        st,
		accountsFile: accountsFile,
		logger:       logger,
	}
}

// Register attaches the admin routes to the mux.
func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/accounts", h.listAccounts)
	mux.HandleFunc("POST /admin/accounts/{id}/enable", h.enableAccount)
	mux.HandleFunc("POST /admin/accounts/{id}/disable", h.disableAccount)
	mux.HandleFunc("POST /admin/accounts/reload", h.reloadAccounts)
	mux.HandleFunc("GET /admin/retry-policy", h.getRetryPolicy)
	mux.HandleFunc("PUT /admin/retry-policy", h.putRetryPolicy)
}

// accountsResponse is the admin accounts listing.
type accountsResponse struct {
	Accounts      []pool.AccountStatus `json:"accounts"`
	Total         int                  `json:"total"`
	Available     int                  `json:"available"`
	Sessions      int                  `json:"sessions"`
	TotalRequests int64                `json:"total_requests"`
}

func (h *AdminHandler) listAccounts(w http.ResponseWriter, r *http.Request) {
	snapshot := h.pool.Snapshot()
	available := 0
	for i := range snapshot {
		if snapshot[i].IsAvailable {
			available++
		}
	}
	writeJSON(w, http.StatusOK, accountsResponse{
		Accounts:      snapshot,
		Total:         len(snapshot),
		Available:     available,
		Sessions:      h.sessions.Len(),
		TotalRequests: h.store.TotalRequests(r.Context()),
	})
}

func (h *AdminHandler) enableAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.pool.Account(r.PathValue("id"))
	if err != nil {
		openai.WriteError(w, openai.NewInvalidRequestError("unknown account id"))
		return
	}
	acct.Reenable()
	h.logger.Info("account reenabled",
		"account_id", acct.ID,
		"request_id", middleware.GetRequestID(r.Context()),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled", "id": acct.ID})
}

func (h *AdminHandler) disableAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.pool.Account(r.PathValue("id"))
	if err != nil {
		openai.WriteError(w, openai.NewInvalidRequestError("unknown account id"))
		return
	}
	acct.Disable()
	h.logger.Info("account disabled",
		"account_id", acct.ID,
		"request_id", middleware.GetRequestID(r.Context()),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled", "id": acct.ID})
}

// reloadAccounts re-reads the accounts file and swaps the pool in one
// step. Health state of accounts that survive the reload is preserved.
func (h *AdminHandler) reloadAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := config.LoadAccounts(h.accountsFile, h.pool.Policy())
	if err != nil {
		h.logger.Error("account reload failed", "error", err)
		openai.WriteError(w, openai.NewInvalidRequestError("reload failed: "+err.Error()))
		return
	}

	h.pool.ReplaceAccounts(accounts)
	h.logger.Info("account pool reloaded",
		"accounts", len(accounts),
		"request_id", middleware.GetRequestID(r.Context()),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "reloaded", "total": len(accounts)})
}

// retryPolicyView is the wire form of the retry policy, durations in
// seconds.
type retryPolicyView struct {
	FailureThreshold      int `json:"failure_threshold"`
	TextCooldownSecs      int `json:"text_cooldown_seconds"`
	ImagesCooldownSecs    int `json:"images_cooldown_seconds"`
	VideosCooldownSecs    int `json:"videos_cooldown_seconds"`
	MaxNewSessionTries    int `json:"max_new_session_tries"`
	MaxRequestRetries     int `json:"max_request_retries"`
	MaxAccountSwitchTries int `json:"max_account_switch_tries"`
}

func (h *AdminHandler) getRetryPolicy(w http.ResponseWriter, r *http.Request) {
	p := h.pool.Policy()
	writeJSON(w, http.StatusOK, retryPolicyView{
		FailureThreshold:      p.FailureThreshold,
		TextCooldownSecs:      int(p.TextCooldown.Seconds()),
		ImagesCooldownSecs:    int(p.ImagesCooldown.Seconds()),
		VideosCooldownSecs:    int(p.VideosCooldown.Seconds()),
		MaxNewSessionTries:    p.MaxNewSessionTries,
		MaxRequestRetries:     p.MaxRequestRetries,
		MaxAccountSwitchTries: p.MaxAccountSwitchTries,
	})
}

// putRetryPolicy swaps the retry policy at runtime. In-flight requests
// keep the policy they started with.
func (h *AdminHandler) putRetryPolicy(w http.ResponseWriter, r *http.Request) {
	var view retryPolicyView
	if err := json.NewDecoder(r.Body).Decode(&view); err != nil {
		openai.WriteError(w, openai.NewInvalidRequestError("invalid JSON body: "+err.Error()))
		return
	}
	if view.FailureThreshold <= 0 || view.MaxNewSessionTries <= 0 ||
		view.MaxRequestRetries <= 0 || view.MaxAccountSwitchTries <= 0 {
		openai.WriteError(w, openai.NewInvalidRequestError("thresholds and retry bounds must be positive"))
		return
	}

	h.pool.SetRetryPolicy(&pool.RetryPolicy{
		FailureThreshold:      view.FailureThreshold,
		TextCooldown:          time.Duration(view.TextCooldownSecs) * time.Second,
		ImagesCooldown:        time.Duration(view.ImagesCooldownSecs) * time.Second,
		VideosCooldown:        time.Duration(view.VideosCooldownSecs) * time.Second,
		MaxNewSessionTries:    view.MaxNewSessionTries,
		MaxRequestRetries:     view.MaxRequestRetries,
		MaxAccountSwitchTries: view.MaxAccountSwitchTries,
	})
	h.logger.Info("retry policy updated",
		"failure_threshold", view.FailureThreshold,
		"request_id", middleware.GetRequestID(r.Context()),
	)
	h.getRetryPolicy(w, r)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
