// Package relay coordinates session acquisition and turn dispatch across
// the account pool, including retry and account failover.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gembiz/gateway/internal/pool"
	"github.com/gembiz/gateway/internal/upstream"
)

// AbortError marks a turn failure that must not be retried even though
// it counts against the account, such as an error after response bytes
// already reached the client.
type AbortError struct {
	Err error
}

// Error implements the error interface.
func (e *AbortError) Error() string { return e.Err.Error() }

// Unwrap exposes the underlying error for errors.As classification.
func (e *AbortError) Unwrap() error { return e.Err }

// Abort wraps an error so the dispatch loop records it but does not
// retry.
func Abort(err error) error {
	return &AbortError{Err: err}
}

// SessionOpener opens upstream sessions. Satisfied by *upstream.Client.
type SessionOpener interface {
	CreateSession(ctx context.Context, acct *pool.Account, requestID string) (string, error)
}

// TurnFn dispatches one turn on the given account and session. When
// fullContext is true the session is fresh mid-conversation and the turn
// must carry the entire history instead of only the latest message.
type TurnFn func(ctx context.Context, acct *pool.Account, sessionID string, fullContext bool) error

// Orchestrator routes each conversation turn to an account, reusing
// cached bindings where possible and failing over when upstream errors
// indicate the account rather than the request.
type Orchestrator struct {
	pool     *pool.Pool
	sessions *pool.SessionCache
	locks    *pool.LockRegistry
	opener   SessionOpener
	logger   *slog.Logger
}

// Options configures an Orchestrator.
type Options struct {
	Pool     *pool.Pool
	Sessions *pool.SessionCache
	Locks    *pool.LockRegistry
	Opener   SessionOpener
	Logger   *slog.Logger
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		pool:     opts.Pool,
		sessions: opts.Sessions,
		locks:    opts.Locks,
		opener:   opts.Opener,
		logger:   logger,
	}
}

// session pairs an account with an open upstream session.
type session struct {
	acct      *pool.Account
	sessionID string
	fromCache bool
}

// Do runs one conversation turn end to end. Session acquisition for a
// conversation key is serialized so concurrent requests in the same
// conversation share one binding; dispatch itself runs outside the lock.
func (o *Orchestrator) Do(ctx context.Context, convKey, requestID string, required []pool.QuotaType, turn TurnFn) error {
	sess, err := o.acquireSession(ctx, convKey, requestID, required)
	if err != nil {
		return err
	}
	return o.dispatch(ctx, convKey, requestID, required, sess, turn)
}

// acquireSession resolves the conversation to an account and session,
// holding the conversation lock for the full lookup-or-create sequence.
func (o *Orchestrator) acquireSession(ctx context.Context, convKey, requestID string, required []pool.QuotaType) (session, error) {
	release := o.locks.Acquire(convKey)
	defer release()

	if binding := o.sessions.Get(convKey); binding != nil {
		acct, err := o.pool.GetAccount(binding.AccountID, requestID, required)
		if err == nil {
			o.sessions.UpdateLastUsed(convKey)
			o.logger.Debug("reusing session binding",
				"account_id", acct.ID,
				"request_id", requestID,
			)
			return session{acct: acct, sessionID: binding.SessionID, fromCache: true}, nil
		}
		// Binding points at an account that is gone, disabled, tripped
		// or cooling for a required quota. Discard and rebuild.
		o.sessions.Pop(convKey)
		o.logger.Info("session binding invalidated",
			"account_id", binding.AccountID,
			"request_id", requestID,
			"reason", err,
		)
	}

	sess, err := o.openSession(ctx, requestID, required, nil)
	if err != nil {
		return session{}, err
	}
	o.sessions.Set(convKey, sess.acct.ID, sess.sessionID)
	return sess, nil
}

// openSession selects an account and opens a session on it, moving to
// the next candidate when session creation itself fails. Accounts in
// excluded are never considered.
func (o *Orchestrator) openSession(ctx context.Context, requestID string, required []pool.QuotaType, excluded map[string]bool) (session, error) {
	policy := o.pool.Policy()
	tried := make(map[string]bool, len(excluded))
	for id := range excluded {
		tried[id] = true
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxNewSessionTries; attempt++ {
		acct, err := o.pool.GetAccountExcluding(requestID, required, tried)
		if err != nil {
			if lastErr != nil {
				return session{}, fmt.Errorf("%w: last session error: %w", pool.ErrNoAvailableAccounts, lastErr)
			}
			return session{}, err
		}

		sessionID, err := o.opener.CreateSession(ctx, acct, requestID)
		if err == nil {
			return session{acct: acct, sessionID: sessionID}, nil
		}
		if ctx.Err() != nil {
			return session{}, ctx.Err()
		}

		tried[acct.ID] = true
		lastErr = err
		if terminal := o.noteFailure(acct, err, required); terminal {
			return session{}, err
		}
		o.logger.Warn("session creation failed, trying next account",
			"account_id", acct.ID,
			"request_id", requestID,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return session{}, fmt.Errorf("%w: session creation failed after %d attempts: %w",
		pool.ErrNoAvailableAccounts, policy.MaxNewSessionTries, lastErr)
}

// dispatch runs the turn, retrying on the same session and failing over
// to other accounts within the retry budget.
func (o *Orchestrator) dispatch(ctx context.Context, convKey, requestID string, required []pool.QuotaType, sess session, turn TurnFn) error {
	policy := o.pool.Policy()
	tried := map[string]bool{sess.acct.ID: true}

	// A session opened fresh for this request has no upstream history,
	// so the first turn on it already needs full context when the
	// conversation is not new; the caller decides that via fromCache.
	fullContext := !sess.fromCache

	var lastErr error
	for attempt := 0; attempt < policy.MaxRequestRetries; attempt++ {
		err := turn(ctx, sess.acct, sess.sessionID, fullContext)
		if err == nil {
			sess.acct.MarkSuccess()
			o.sessions.UpdateLastUsed(convKey)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		if terminal := o.noteFailure(sess.acct, err, required); terminal {
			return err
		}
		var abort *AbortError
		if errors.As(err, &abort) {
			return err
		}
		o.logger.Warn("turn failed",
			"account_id", sess.acct.ID,
			"request_id", requestID,
			"attempt", attempt+1,
			"error", err,
		)

		if attempt == policy.MaxRequestRetries-1 {
			break
		}

		next, switchErr := o.switchAccount(ctx, convKey, requestID, required, tried)
		if switchErr != nil {
			return fmt.Errorf("%w: after %d attempts: %w", pool.ErrNoAvailableAccounts, attempt+1, lastErr)
		}
		tried[next.acct.ID] = true
		sess = next
		// The replacement session has none of the conversation, resend
		// everything.
		fullContext = true
	}

	return fmt.Errorf("request failed after %d attempts: %w", policy.MaxRequestRetries, lastErr)
}

// switchAccount opens a session on an account not yet tried and rebinds
// the conversation to it.
func (o *Orchestrator) switchAccount(ctx context.Context, convKey, requestID string, required []pool.QuotaType, tried map[string]bool) (session, error) {
	policy := o.pool.Policy()

	var lastErr error
	for attempt := 0; attempt < policy.MaxAccountSwitchTries; attempt++ {
		acct, err := o.pool.GetAccountExcluding(requestID, required, tried)
		if err != nil {
			return session{}, err
		}

		sessionID, err := o.opener.CreateSession(ctx, acct, requestID)
		if err == nil {
			o.sessions.Set(convKey, acct.ID, sessionID)
			o.logger.Info("failed over to another account",
				"account_id", acct.ID,
				"request_id", requestID,
			)
			return session{acct: acct, sessionID: sessionID}, nil
		}
		if ctx.Err() != nil {
			return session{}, ctx.Err()
		}

		tried[acct.ID] = true
		lastErr = err
		if terminal := o.noteFailure(acct, err, required); terminal {
			return session{}, err
		}
	}

	if lastErr == nil {
		lastErr = pool.ErrNoAvailableAccounts
	}
	return session{}, fmt.Errorf("account switch exhausted: %w", lastErr)
}

// noteFailure records the failure against the account per its class and
// reports whether the error is terminal for the request. Caller errors
// (400-class) never count against the account and are not retried.
func (o *Orchestrator) noteFailure(acct *pool.Account, err error, required []pool.QuotaType) (terminal bool) {
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		if apiErr.IsClientError() {
			return true
		}
		if apiErr.IsAuthError() {
			acct.InvalidateJWT()
		}
		acct.HandleHTTPError(apiErr.StatusCode, string(apiErr.Body), primaryQuota(required))
		return false
	}
	acct.HandleTransportError(err.Error())
	return false
}

// primaryQuota picks the quota type a 429 should stamp: the most
// specific one the request needs. Text underlies every request, so a
// media quota in the set takes precedence.
func primaryQuota(required []pool.QuotaType) pool.QuotaType {
	q := pool.QuotaText
	for _, r := range required {
		if r > q {
			q = r
		}
	}
	return q
}
