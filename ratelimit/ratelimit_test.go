package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absfs/sharecrypt/logging"
	"github.com/absfs/sharecrypt/store"
)

func TestClassify(t *testing.T) {
	cases := map[string]Class{
		"/api/auth/login/":              ClassAuth,
		"/API/Auth/mfa/verify/":         ClassAuth,
		"/api/files/upload/":            ClassFileUpload,
		"/api/files/download/abc/":      ClassFileDownload,
		"/api/files/":                   ClassDefault,
		"/api/share/123/":               ClassDefault,
		"/healthz":                      ClassDefault,
		"/v2/api/files/upload/x":        ClassFileUpload,
		"/api/auth/api/files/download/": ClassFileDownload,
	}
	for path, want := range cases {
		assert.Equal(t, want, Classify(path), path)
	}
}

func TestIdentify(t *testing.T) {
	assert.Equal(t, "user:42", Identify("42", "10.0.0.1:5555"))
	assert.Equal(t, "ip:10.0.0.1", Identify("", "10.0.0.1:5555"))
	assert.Equal(t, "ip:2001:db8::1", Identify("", "[2001:db8::1]:443"))
	assert.Equal(t, "ip:unix", Identify("", "unix"))
}

func TestIsLimited(t *testing.T) {
	assert.True(t, IsLimited("/api/auth/mfa/enable/"))
	assert.True(t, IsLimited("/api/files/"))
	assert.True(t, IsLimited("/api/share/abc/"))
	assert.False(t, IsLimited("/healthz"))
	assert.False(t, IsLimited("/api/users/"))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func counterStores(t *testing.T) map[string]CounterStore {
	t.Helper()
	mem, err := NewMemoryCounters()
	require.NoError(t, err)
	st, err := store.Open(store.Options{InMemory: true, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return map[string]CounterStore{"memory": mem, "badger": st}
}

func TestFixedWindow(t *testing.T) {
	for name, counters := range counterStores(t) {
		t.Run(name, func(t *testing.T) {
			c := &clock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
			l, err := New(counters, Options{Now: c.Now, Logger: logging.Discard()})
			require.NoError(t, err)
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				d, err := l.CheckAndIncrement(ctx, ClassAuth, "ip:1.2.3.4")
				require.NoError(t, err)
				assert.True(t, d.Allowed, "request %d", i+1)
				assert.Equal(t, 4-i, d.Remaining)
			}

			c.Advance(20 * time.Second)
			d, err := l.CheckAndIncrement(ctx, ClassAuth, "ip:1.2.3.4")
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, 40*time.Second, d.RetryAfter)

			// other identities and classes are independent
			d, err = l.CheckAndIncrement(ctx, ClassAuth, "ip:5.6.7.8")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			d, err = l.CheckAndIncrement(ctx, ClassFileDownload, "ip:1.2.3.4")
			require.NoError(t, err)
			assert.True(t, d.Allowed)

			c.Advance(40 * time.Second)
			for i := 0; i < 5; i++ {
				require.NoError(t, l.Allow(ctx, ClassAuth, "ip:1.2.3.4"), "request %d after reset", i+1)
			}
			err = l.Allow(ctx, ClassAuth, "ip:1.2.3.4")
			var exceeded *ExceededError
			require.ErrorAs(t, err, &exceeded)
			assert.Equal(t, ClassAuth, exceeded.Class)
			assert.Equal(t, DefaultWindow, exceeded.RetryAfter)
		})
	}
}

func TestConcurrentIncrements(t *testing.T) {
	for name, counters := range counterStores(t) {
		t.Run(name, func(t *testing.T) {
			l, err := New(counters, Options{Logger: logging.Discard()})
			require.NoError(t, err)

			var (
				wg      sync.WaitGroup
				allowed atomic.Int32
			)
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := l.CheckAndIncrement(context.Background(), ClassFileUpload, "user:7")
					if err == nil && d.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(10), allowed.Load())
		})
	}
}

func TestLimitOverrides(t *testing.T) {
	mem, err := NewMemoryCounters()
	require.NoError(t, err)

	l, err := New(mem, Options{Limits: map[Class]int{ClassAuth: 2}})
	require.NoError(t, err)
	assert.Equal(t, 2, l.Limit(ClassAuth))
	assert.Equal(t, 60, l.Limit(ClassDefault))
	assert.Equal(t, 60, l.Limit(Class("unknown")))

	_, err = New(mem, Options{Limits: map[Class]int{ClassAuth: 0}})
	assert.Error(t, err)
	_, err = New(nil, Options{})
	assert.Error(t, err)
}

func TestMemorySweep(t *testing.T) {
	mem, err := NewMemoryCounters()
	require.NoError(t, err)
	c := &clock{now: time.Unix(1000, 0)}
	mem.now = c.Now
	ctx := context.Background()

	_, _, err = mem.IncrementWindow(ctx, "auth", "a", 5, time.Minute, c.Now())
	require.NoError(t, err)
	c.Advance(30 * time.Second)
	_, _, err = mem.IncrementWindow(ctx, "auth", "b", 5, time.Minute, c.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, mem.Len())

	c.Advance(30 * time.Second)
	mem.sweep()
	assert.Equal(t, 1, mem.Len())

	mem.StartGC(time.Millisecond)
	mem.Stop()
	mem.Stop()
}

func TestMiddleware(t *testing.T) {
	mem, err := NewMemoryCounters()
	require.NoError(t, err)
	l, err := New(mem, Options{Logger: logging.Discard()})
	require.NoError(t, err)

	var served atomic.Int32
	h := Middleware(l, nil, logging.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(path, addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusNoContent, do("/api/auth/mfa/verify/", "192.0.2.1:1000").Code)
	}
	rec := do("/api/auth/mfa/verify/", "192.0.2.1:2000")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())

	assert.Equal(t, http.StatusNoContent, do("/api/auth/mfa/verify/", "192.0.2.2:1000").Code)

	// unguarded paths are never counted
	for i := 0; i < 100; i++ {
		require.Equal(t, http.StatusNoContent, do("/healthz", "192.0.2.1:1000").Code)
	}
	assert.Equal(t, int32(106), served.Load())
}
