package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gembiz/gateway/internal/pool"
)

// fakeTokenSource counts fetches and hands out configurable tokens.
type fakeTokenSource struct {
	calls   atomic.Int64
	token   string
	ttl     time.Duration
	err     error
	blockMu sync.Mutex
}

func (f *fakeTokenSource) FetchJWT(ctx context.Context, creds pool.Credentials, requestID string) (string, time.Time, error) {
	f.blockMu.Lock()
	defer f.blockMu.Unlock()
	f.calls.Add(1)
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return f.token, time.Now().Add(f.ttl), nil
}

func TestJWT_CachedUntilExpiry(t *testing.T) {
	source := &fakeTokenSource{token: "jwt-1", ttl: time.Hour}
	acct := newTestAccount("a1")
	acct.SetTokenSource(source)

	tok, err := acct.JWT(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "jwt-1", tok)

	tok, err = acct.JWT(context.Background(), "req-2")
	require.NoError(t, err)
	assert.Equal(t, "jwt-1", tok)
	assert.Equal(t, int64(1), source.calls.Load(), "second call must hit the cache")
}

func TestJWT_RefetchedInsideSafetyMargin(t *testing.T) {
	// Expiry under the two minute margin forces a refetch.
	source := &fakeTokenSource{token: "jwt-1", ttl: time.Minute}
	acct := newTestAccount("a1")
	acct.SetTokenSource(source)

	_, err := acct.JWT(context.Background(), "req-1")
	require.NoError(t, err)
	_, err = acct.JWT(context.Background(), "req-2")
	require.NoError(t, err)

	assert.Equal(t, int64(2), source.calls.Load())
}

// gatedTokenSource blocks the first fetch until released so concurrent
// callers can pile up on it.
type gatedTokenSource struct {
	calls   atomic.Int64
	release chan struct{}
}

func (g *gatedTokenSource) FetchJWT(ctx context.Context, creds pool.Credentials, requestID string) (string, time.Time, error) {
	g.calls.Add(1)
	<-g.release
	return "jwt-1", time.Now().Add(time.Hour), nil
}

func TestJWT_ConcurrentCallsDeduplicated(t *testing.T) {
	source := &gatedTokenSource{release: make(chan struct{})}
	acct := newTestAccount("a1")
	acct.SetTokenSource(source)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := acct.JWT(context.Background(), "req")
			assert.NoError(t, err)
			assert.Equal(t, "jwt-1", tok)
		}()
	}

	// Give every goroutine time to miss the cache and join the flight.
	time.Sleep(50 * time.Millisecond)
	close(source.release)
	wg.Wait()

	assert.Equal(t, int64(1), source.calls.Load(), "concurrent misses must coalesce into one fetch")
}

func TestJWT_InvalidateForcesRefetch(t *testing.T) {
	source := &fakeTokenSource{token: "jwt-1", ttl: time.Hour}
	acct := newTestAccount("a1")
	acct.SetTokenSource(source)

	_, err := acct.JWT(context.Background(), "req-1")
	require.NoError(t, err)

	acct.InvalidateJWT()
	_, err = acct.JWT(context.Background(), "req-2")
	require.NoError(t, err)

	assert.Equal(t, int64(2), source.calls.Load())
}

func TestJWT_FetchErrorPropagates(t *testing.T) {
	source := &fakeTokenSource{err: errors.New("cookies rejected")}
	acct := newTestAccount("a1")
	acct.SetTokenSource(source)

	_, err := acct.JWT(context.Background(), "req-1")
	assert.Error(t, err)
}
