package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]bool
	ttls map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: map[string]bool{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if f.keys[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = true
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if f.keys[k] {
			delete(f.keys, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestSeen(t *testing.T) {
	s := NewStore(newFakeRedis(), time.Minute)
	ctx := context.Background()
	key := s.Key("requests", "buyer-1", "abc")
	assert.Equal(t, "idem:requests:buyer-1:abc", key)

	seen, err := s.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = s.Seen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestClaimAndRelease(t *testing.T) {
	s := NewStore(newFakeRedis(), time.Minute)
	ctx := context.Background()

	ok, err := s.Claim(ctx, "request:r-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, "request:r-1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	require.NoError(t, s.Release(ctx, "request:r-1"))
	ok, err = s.Claim(ctx, "request:r-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimsExpireSoonerThanKeys(t *testing.T) {
	rdb := newFakeRedis()
	s := NewStore(rdb, 24*time.Hour)
	ctx := context.Background()

	_, err := s.Seen(ctx, "idem:requests:b:k")
	require.NoError(t, err)
	_, err = s.Claim(ctx, "request:r-1")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, rdb.ttls["idem:requests:b:k"])
	assert.Equal(t, 30*time.Second, rdb.ttls["claim:request:r-1"])

	s.WithClaimTTL(5 * time.Second)
	_, err = s.Claim(ctx, "request:r-2")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, rdb.ttls["claim:request:r-2"])
}

func TestMiddleware(t *testing.T) {
	rdb := newFakeRedis()
	s := NewStore(rdb, time.Minute)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	calls := 0
	h := Middleware(log, s, "requests", func(r *http.Request) string { return r.Header.Get("X-User") })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusCreated)
		}))

	send := func(token, user string) int {
		req := httptest.NewRequest(http.MethodPost, "/requests", nil)
		if token != "" {
			req.Header.Set(Header, token)
		}
		req.Header.Set("X-User", user)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusCreated, send("k1", "alice"))
	assert.Equal(t, http.StatusConflict, send("k1", "alice"))
	assert.Equal(t, http.StatusCreated, send("k1", "bob"), "keys are scoped per caller")
	assert.Equal(t, http.StatusCreated, send("", "alice"))
	assert.Equal(t, http.StatusCreated, send("", "alice"))
	assert.Equal(t, 4, calls)

	rdb.err = errors.New("redis down")
	assert.Equal(t, http.StatusCreated, send("k2", "alice"), "fails open when redis is unavailable")
}

func TestMiddlewareForgetsFailedSubmissions(t *testing.T) {
	s := NewStore(newFakeRedis(), time.Minute)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	outcomes := []int{http.StatusConflict, http.StatusInternalServerError, http.StatusCreated}
	calls := 0
	h := Middleware(log, s, "requests", func(*http.Request) string { return "alice" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(outcomes[calls])
			calls++
		}))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/requests", nil)
		req.Header.Set(Header, "k1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusConflict, send(), "the business rejection reaches the caller")
	assert.Equal(t, http.StatusInternalServerError, send(), "a rejected submission does not use up the key")
	assert.Equal(t, http.StatusCreated, send())
	assert.Equal(t, http.StatusConflict, send(), "a successful submission does")
	assert.Equal(t, 3, calls)
}

func TestLocalClaims(t *testing.T) {
	c := NewLocalClaims()
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.Claim(ctx, "request:r-1")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	require.NoError(t, c.Release(ctx, "request:r-1"))
	ok, err := c.Claim(ctx, "request:r-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
