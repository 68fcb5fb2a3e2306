package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"optionchain/crypto"
	"optionchain/gateway/auth"
	nativecommon "optionchain/native/common"
)

func TestSignaturesAttachSigner(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	authn := auth.NewAuthenticator(time.Minute, time.Minute, 16, func() time.Time { return now }, nil)

	var (
		signers []crypto.Address
		seen    string
	)
	handler := Signatures(authn, 1024, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signers = nativecommon.Signers(r.Context())
		raw, _ := io.ReadAll(r.Body)
		seen = string(raw)
		w.WriteHeader(http.StatusOK)
	}))

	body := []byte(`{"side":"seller"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/options/spy/fund", bytes.NewReader(body))
	if err := auth.SignRequest(req, key, body, now, "n-1"); err != nil {
		t.Fatalf("sign: %v", err)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected signed request to pass, got %d: %s", res.Code, res.Body.String())
	}
	if len(signers) != 1 || !signers[0].Equal(key.PubKey().Address()) {
		t.Fatalf("unexpected signers %v", signers)
	}
	if seen != string(body) {
		t.Fatalf("body not restored: %q", seen)
	}

	replay := httptest.NewRequest(http.MethodPost, "/v1/options/spy/fund", bytes.NewReader(body))
	if err := auth.SignRequest(replay, key, body, now, "n-1"); err != nil {
		t.Fatalf("sign: %v", err)
	}
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, replay)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected replay to be rejected with 409, got %d", res.Code)
	}

	unsigned := httptest.NewRequest(http.MethodPost, "/v1/options/spy/refresh", nil)
	signers = nil
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, unsigned)
	if res.Code != http.StatusOK || len(signers) != 0 {
		t.Fatalf("expected unsigned request to pass without signers, got %d %v", res.Code, signers)
	}

	bad := httptest.NewRequest(http.MethodPost, "/v1/options/spy/fund", bytes.NewReader(body))
	bad.Header.Set(auth.HeaderSignature, "abcd")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, bad)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected malformed signature to be rejected, got %d", res.Code)
	}
}

func TestSignaturesRejectOversizedBody(t *testing.T) {
	handler := Signatures(nil, 8, nil)(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/v1/options/spy/fund", strings.NewReader(strings.Repeat("x", 64)))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", res.Code)
	}
}

func TestOperatorTokenScopes(t *testing.T) {
	now := time.Now()
	authn := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "s3cret", Issuer: "optiond"}, nil)
	handler := authn.Middleware(ScopeAdmin)(okHandler())

	call := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/options/spy/list", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res.Code
	}

	admin, err := IssueToken("s3cret", "optiond", "", "ops", []string{ScopeAdmin}, time.Hour, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if code := call(admin); code != http.StatusOK {
		t.Fatalf("expected admin token to pass, got %d", code)
	}
	pump, err := IssueToken("s3cret", "optiond", "", "pump", []string{ScopePump}, time.Hour, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if code := call(pump); code != http.StatusForbidden {
		t.Fatalf("expected missing scope to be forbidden, got %d", code)
	}
	forged, err := IssueToken("other", "optiond", "", "ops", []string{ScopeAdmin}, time.Hour, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if code := call(forged); code != http.StatusUnauthorized {
		t.Fatalf("expected forged token to be rejected, got %d", code)
	}
	if code := call(""); code != http.StatusUnauthorized {
		t.Fatalf("expected missing token to be rejected, got %d", code)
	}

	disabled := NewAuthenticator(AuthConfig{}, nil).Middleware(ScopeAdmin)(okHandler())
	res := httptest.NewRecorder()
	disabled.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/options/spy/list", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected disabled auth to pass, got %d", res.Code)
	}
}

func TestOperatorTokenClaimsValidation(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0).UTC()
	now := issued
	authn := NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: "s3cret",
		Issuer:     "optiond",
		Audience:   "ops",
		Leeway:     time.Second,
		Now:        func() time.Time { return now },
	}, nil)

	var seen *OperatorClaims
	handler := authn.Middleware(ScopePump)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = Operator(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	call := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/oracles/px/update", nil)
		req.Header.Set("Authorization", "bearer "+token)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res.Code
	}

	token, err := IssueToken("s3cret", "optiond", "ops", "pxpump", []string{ScopePump, ScopeAdmin}, time.Hour, issued)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if code := call(token); code != http.StatusOK {
		t.Fatalf("expected valid token to pass, got %d", code)
	}
	if seen == nil || seen.Subject != "pxpump" || !seen.Grants(ScopeAdmin, ScopePump) {
		t.Fatalf("unexpected claims on context: %+v", seen)
	}

	otherAudience, err := IssueToken("s3cret", "optiond", "partners", "pxpump", []string{ScopePump}, time.Hour, issued)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if code := call(otherAudience); code != http.StatusUnauthorized {
		t.Fatalf("expected audience mismatch to be rejected, got %d", code)
	}
	otherIssuer, err := IssueToken("s3cret", "elsewhere", "ops", "pxpump", []string{ScopePump}, time.Hour, issued)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if code := call(otherIssuer); code != http.StatusUnauthorized {
		t.Fatalf("expected issuer mismatch to be rejected, got %d", code)
	}

	now = issued.Add(2 * time.Hour)
	if code := call(token); code != http.StatusUnauthorized {
		t.Fatalf("expected expired token to be rejected, got %d", code)
	}
	if _, err := IssueToken(" ", "optiond", "", "ops", nil, 0, issued); err == nil {
		t.Fatalf("expected empty secret to be refused")
	}
}

func TestObservabilityAssignsRequestID(t *testing.T) {
	obs := NewObservability(ObservabilityConfig{Enabled: true}, nil)
	var seen string
	handler := obs.Middleware("options")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/options/spy/specs", nil))
	if seen == "" || res.Header().Get(HeaderRequestID) != seen {
		t.Fatalf("request id not propagated: ctx=%q header=%q", seen, res.Header().Get(HeaderRequestID))
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/options/spy/specs", nil)
	req.Header.Set(HeaderRequestID, "client-supplied")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if seen != "client-supplied" {
		t.Fatalf("expected client request id to be kept, got %q", seen)
	}
}
