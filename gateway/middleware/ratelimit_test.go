package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"options": {RatePerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("options")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/options/spy/specs", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"options": {RatePerSecond: 1, Burst: 1},
		"oracles": {RatePerSecond: 1, Burst: 1},
	}, nil)
	optionsHandler := limiter.Middleware("options")(okHandler())
	oraclesHandler := limiter.Middleware("oracles")(okHandler())

	res := httptest.NewRecorder()
	optionsHandler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/options/spy/specs", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected options request to succeed, got %d", res.Code)
	}

	oracleReq := httptest.NewRequest(http.MethodGet, "/v1/oracles/spy/quote", nil)
	res = httptest.NewRecorder()
	oraclesHandler.ServeHTTP(res, oracleReq)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first oracle request to succeed, got %d", res.Code)
	}
	res = httptest.NewRecorder()
	oraclesHandler.ServeHTTP(res, oracleReq)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second oracle request to hit limit, got %d", res.Code)
	}
}

func TestRateLimiterAppliesRouteTokens(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"options": {
			RatePerSecond: 5,
			Burst:         5,
			DefaultTokens: 1,
			Tokens: map[string]int{
				"POST /v1/options/spy/settle": 3,
			},
		},
	}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("options")(okHandler())

	settle := httptest.NewRequest(http.MethodPost, "/v1/options/spy/settle", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, settle)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first settle request to succeed, got %d", res.Code)
	}
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, settle)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second settle request to be rate limited, got %d", res.Code)
	}

	specs := httptest.NewRequest(http.MethodGet, "/v1/options/spy/specs", nil)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, specs)
	if res.Code != http.StatusOK {
		t.Fatalf("expected specs route to succeed with default token cost, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"options": {RatePerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("options")(okHandler())

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/options/spy/specs", nil)
		req.Header.Set("X-Forwarded-For", ip+", 192.168.0.1")
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected client %s to succeed, got %d", ip, res.Code)
		}
	}
}

func TestRateLimiterSweepsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"options": {RatePerSecond: 1, Burst: 1},
	}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	limiter.obtainLimiter("options|a", RateLimit{RatePerSecond: 1, Burst: 1})
	now = now.Add(10 * time.Minute)
	limiter.obtainLimiter("options|b", RateLimit{RatePerSecond: 1, Burst: 1})
	if _, ok := limiter.visitors["options|a"]; ok {
		t.Fatalf("expected idle limiter to be swept")
	}
	if len(limiter.visitors) != 1 {
		t.Fatalf("unexpected visitor count %d", len(limiter.visitors))
	}
}
