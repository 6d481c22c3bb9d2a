package account

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testRedirect = "https://lockbox.example/fxa/redirect.html"

// fakeOAuthServer issues tokens for code "good-code" and refresh token "rt".
type fakeOAuthServer struct {
	ts        *httptest.Server
	exchanges atomic.Int32
	refreshes atomic.Int32
	lastForm  atomic.Value

	// key, when set, is returned as the token's scoped key.
	key string
}

func newFakeOAuthServer(t *testing.T) *fakeOAuthServer {
	t.Helper()
	f := &fakeOAuthServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.lastForm.Store(r.PostForm)

		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code") != "good-code" || r.PostForm.Get("code_verifier") == "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			f.exchanges.Add(1)
		case "refresh_token":
			if r.PostForm.Get("refresh_token") != "rt" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			f.refreshes.Add(1)
		}

		body := map[string]any{
			"access_token":  "at-" + r.PostForm.Get("grant_type"),
			"token_type":    "bearer",
			"expires_in":    3600,
			"refresh_token": "rt",
			"scope":         ScopeOldSync + " " + ScopeProfile,
		}
		if f.key != "" {
			body["key"] = f.key
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})
	f.ts = httptest.NewServer(mux)
	t.Cleanup(f.ts.Close)
	return f
}

func newTestSession(t *testing.T, oauthURL string) *Session {
	t.Helper()
	s, err := New(Config{
		ContentURL:  "https://accounts.example",
		OAuthURL:    oauthURL,
		ClientID:    "client-123",
		RedirectURI: testRedirect,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func stateFrom(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	return u.Query().Get("state")
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(Config{ContentURL: "https://a.example"}); err == nil {
		t.Error("New with partial config succeeded")
	}
}

func TestBeginOAuthFlowURL(t *testing.T) {
	s := newTestSession(t, "https://oauth.example")

	raw, err := s.BeginOAuthFlow(ScopeOldSync, ScopeProfile)
	if err != nil {
		t.Fatalf("BeginOAuthFlow: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if u.Scheme != "https" || u.Host != "accounts.example" || u.Path != "/authorization" {
		t.Errorf("url = %s, want https://accounts.example/authorization", raw)
	}
	q := u.Query()
	checks := map[string]string{
		"client_id":             "client-123",
		"redirect_uri":          testRedirect,
		"response_type":         "code",
		"scope":                 ScopeOldSync + " " + ScopeProfile,
		"access_type":           "offline",
		"code_challenge_method": "S256",
		"action":                "email",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if q.Get("state") == "" || q.Get("code_challenge") == "" {
		t.Errorf("missing state or code_challenge in %s", raw)
	}
}

func TestBeginOAuthFlowRequiresScopes(t *testing.T) {
	s := newTestSession(t, "https://oauth.example")
	if _, err := s.BeginOAuthFlow(); !errors.Is(err, ErrNoScopes) {
		t.Errorf("error = %v, want ErrNoScopes", err)
	}
}

func TestBeginOAuthFlowFreshState(t *testing.T) {
	s := newTestSession(t, "https://oauth.example")
	a, _ := s.BeginOAuthFlow(ScopeProfile)
	b, _ := s.BeginOAuthFlow(ScopeProfile)
	if stateFrom(t, a) == stateFrom(t, b) {
		t.Error("two flows share a state value")
	}
}

func TestCompleteOAuthFlowUnknownState(t *testing.T) {
	f := newFakeOAuthServer(t)
	s := newTestSession(t, f.ts.URL)
	if _, err := s.BeginOAuthFlow(ScopeProfile); err != nil {
		t.Fatalf("BeginOAuthFlow: %v", err)
	}

	err := s.CompleteOAuthFlow(context.Background(), "garbage-code", "garbage-state")
	if !errors.Is(err, ErrUnknownOAuthState) {
		t.Errorf("error = %v, want ErrUnknownOAuthState", err)
	}
	if f.exchanges.Load() != 0 {
		t.Error("unknown state reached the token endpoint")
	}
}

func TestCompleteOAuthFlowBadCode(t *testing.T) {
	f := newFakeOAuthServer(t)
	s := newTestSession(t, f.ts.URL)
	raw, _ := s.BeginOAuthFlow(ScopeProfile)

	if err := s.CompleteOAuthFlow(context.Background(), "bad-code", stateFrom(t, raw)); err == nil {
		t.Fatal("CompleteOAuthFlow with a rejected code succeeded")
	}
	if _, err := s.GetAccessToken(context.Background(), ScopeProfile); !errors.Is(err, ErrNoCachedToken) {
		t.Errorf("GetAccessToken after rejected code error = %v, want ErrNoCachedToken", err)
	}

	// The flow is still pending, so a good code completes it.
	if err := s.CompleteOAuthFlow(context.Background(), "good-code", stateFrom(t, raw)); err != nil {
		t.Errorf("CompleteOAuthFlow after rejected code: %v", err)
	}
}

func TestCompleteOAuthFlowEmptyCode(t *testing.T) {
	f := newFakeOAuthServer(t)
	s := newTestSession(t, f.ts.URL)
	raw, _ := s.BeginOAuthFlow(ScopeProfile)

	if err := s.CompleteOAuthFlow(context.Background(), "", stateFrom(t, raw)); !errors.Is(err, ErrMissingCode) {
		t.Errorf("error = %v, want ErrMissingCode", err)
	}
	if err := s.CompleteOAuthFlow(context.Background(), "good-code", ""); !errors.Is(err, ErrUnknownOAuthState) {
		t.Errorf("empty state error = %v, want ErrUnknownOAuthState", err)
	}
	if f.exchanges.Load() != 0 {
		t.Error("empty code or state reached the token endpoint")
	}
}

func TestFullFlowAndAccessToken(t *testing.T) {
	f := newFakeOAuthServer(t)
	s := newTestSession(t, f.ts.URL)
	ctx := context.Background()

	if _, err := s.GetAccessToken(ctx, ScopeProfile); !errors.Is(err, ErrNoCachedToken) {
		t.Fatalf("GetAccessToken before flow error = %v, want ErrNoCachedToken", err)
	}

	raw, err := s.BeginOAuthFlow(ScopeOldSync, ScopeProfile)
	if err != nil {
		t.Fatalf("BeginOAuthFlow: %v", err)
	}
	if err := s.CompleteOAuthFlow(ctx, "good-code", stateFrom(t, raw)); err != nil {
		t.Fatalf("CompleteOAuthFlow: %v", err)
	}
	form := f.lastForm.Load().(url.Values)
	if form.Get("client_id") != "client-123" || form.Get("redirect_uri") != testRedirect {
		t.Errorf("token request form = %v", form)
	}

	info, err := s.GetAccessToken(ctx, ScopeOldSync+" "+ScopeProfile)
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if info.Token != "at-authorization_code" {
		t.Errorf("Token = %q", info.Token)
	}
	if !strings.Contains(info.Scope, ScopeOldSync) {
		t.Errorf("Scope = %q", info.Scope)
	}
	if info.ExpiresAt <= time.Now().Unix() {
		t.Errorf("ExpiresAt = %d, want in the future", info.ExpiresAt)
	}
	if info.Key != nil {
		t.Errorf("Key = %q, want nil when the server sends none", *info.Key)
	}
	if f.refreshes.Load() != 0 {
		t.Error("valid token was refreshed")
	}

	// The state is single-use.
	if err := s.CompleteOAuthFlow(ctx, "good-code", stateFrom(t, raw)); !errors.Is(err, ErrUnknownOAuthState) {
		t.Errorf("reused state error = %v, want ErrUnknownOAuthState", err)
	}
}

func TestAccessTokenRefreshesWhenExpired(t *testing.T) {
	f := newFakeOAuthServer(t)
	s := newTestSession(t, f.ts.URL)
	ctx := context.Background()

	raw, _ := s.BeginOAuthFlow(ScopeProfile)
	if err := s.CompleteOAuthFlow(ctx, "good-code", stateFrom(t, raw)); err != nil {
		t.Fatalf("CompleteOAuthFlow: %v", err)
	}
	s.token.Expiry = time.Now().Add(-time.Hour)

	info, err := s.GetAccessToken(ctx, ScopeProfile)
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if info.Token != "at-refresh_token" {
		t.Errorf("Token = %q, want refreshed token", info.Token)
	}
	if f.refreshes.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", f.refreshes.Load())
	}
}

func TestAccessTokenCarriesScopedKey(t *testing.T) {
	f := newFakeOAuthServer(t)
	f.key = `{"kid":"1234-abcd","k":"secret"}`
	s := newTestSession(t, f.ts.URL)
	ctx := context.Background()

	raw, _ := s.BeginOAuthFlow(ScopeOldSync)
	if err := s.CompleteOAuthFlow(ctx, "good-code", stateFrom(t, raw)); err != nil {
		t.Fatalf("CompleteOAuthFlow: %v", err)
	}
	info, err := s.GetAccessToken(ctx, ScopeOldSync)
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if info.Key == nil || *info.Key != f.key {
		t.Errorf("Key = %v, want %q", info.Key, f.key)
	}
}

func TestAccessTokenJSONShape(t *testing.T) {
	b, err := json.Marshal(AccessTokenInfo{Scope: "profile", Token: "t", ExpiresAt: 10})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"scope":"profile","token":"t","key":null,"expires_at":10}`
	if string(b) != want {
		t.Errorf("json = %s, want %s", b, want)
	}
}
