package edge

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GordenArcher/idempotent-proxy/cache"
	"github.com/GordenArcher/idempotent-proxy/config"
	"github.com/GordenArcher/idempotent-proxy/dispatch"
	"github.com/GordenArcher/idempotent-proxy/state"
)

func newTestServer(t *testing.T, urlVars map[string]string) *Server {
	t.Helper()
	cfg := &config.Config{
		RequestTimeout:       time.Second,
		MaxRequestBodyBytes:  1 << 20,
		MaxResponseBodyBytes: 1 << 16,
		CacheTTL:             time.Second,
		PollInterval:         5 * time.Millisecond,
	}
	st := state.New(urlVars, nil, nil)
	engine := dispatch.New(cache.NewMemory())
	return New(cfg, st, engine, http.DefaultClient, nil, nil)
}

func TestServeProxy_ConcurrentSameKey_UpstreamCalledOnce(t *testing.T) {
	var calls int32
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"a":1,"b":2}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, map[string]string{"FOO": upstream.URL})
	s.client = upstream.Client()
	router := s.Router()

	const n = 5
	results := make(chan *httptest.ResponseRecorder, n)
	for i := 0; i < n; i++ {
		go func() {
			req := httptest.NewRequest(http.MethodPost, "/URL_FOO", nil)
			req.Header.Set(headerIdempotencyKey, "k1")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			results <- rec
		}()
	}

	for i := 0; i < n; i++ {
		rec := <-results
		require.Equal(t, http.StatusOK, rec.Code, "caller %d: body %s", i, rec.Body.String())
		require.Equal(t, `{"a":1,"b":2}`, rec.Body.String(), "caller %d", i)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "expected upstream called exactly once")
}

func TestServeProxy_JSONMaskProjectsBody(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"a":1,"b":2}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, map[string]string{"FOO": upstream.URL})
	s.client = upstream.Client()
	req := httptest.NewRequest(http.MethodPost, "/URL_FOO", nil)
	req.Header.Set(headerIdempotencyKey, "k2")
	req.Header.Set(headerJSONMask, "a")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"a":1}`, rec.Body.String())
}

func TestServeProxy_MissingIdempotencyKeyIs400(t *testing.T) {
	s := newTestServer(t, map[string]string{"FOO": "https://example.com"})
	req := httptest.NewRequest(http.MethodPost, "/URL_FOO", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "missing header: idempotency-key\n", rec.Body.String())
}

func TestServeProxy_UnknownURLVarIs400(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/URL_MISSING", nil)
	req.Header.Set(headerIdempotencyKey, "k3")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeProxy_WinnerFailureAllowsRetryToSucceed(t *testing.T) {
	var attempt int32
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempt, 1) == 1 {
			panic("simulate transport failure")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("recovered"))
	}))
	defer upstream.Close()

	s := newTestServer(t, map[string]string{"FOO": upstream.URL})
	s.client = upstream.Client()
	router := s.Router()

	req1 := httptest.NewRequest(http.MethodPost, "/URL_FOO", nil)
	req1.Header.Set(headerIdempotencyKey, "k4")
	rec1 := httptest.NewRecorder()
	func() {
		defer func() { _ = recover() }()
		router.ServeHTTP(rec1, req1)
	}()

	req2 := httptest.NewRequest(http.MethodPost, "/URL_FOO", nil)
	req2.Header.Set(headerIdempotencyKey, "k4")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)

	require.Equal(t, http.StatusOK, rec2.Code)
	require.Equal(t, "recovered", rec2.Body.String())
}

func TestServeProxy_NonSymbolicPathRequiresForwardedHost(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/some/path", nil)
	req.Header.Set(headerIdempotencyKey, "k5")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code, "expected 400 without x-forwarded-host")
}
