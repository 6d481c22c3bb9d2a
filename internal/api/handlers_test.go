package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eoger/lockbox-bridge/internal/config"
	"github.com/eoger/lockbox-bridge/internal/model"
)

func doRequest(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func decodeInto(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func createHandle(t *testing.T, ts *httptest.Server, path, body string) string {
	t.Helper()
	status, data := doRequest(t, http.MethodPost, ts.URL+path, body)
	if status != http.StatusCreated {
		t.Fatalf("POST %s status = %d, body %s", path, status, data)
	}
	var resp handleResponse
	decodeInto(t, data, &resp)
	if resp.Handle == "" {
		t.Fatalf("POST %s returned empty handle", path)
	}
	return resp.Handle
}

func createStore(t *testing.T, srv *Server, ts *httptest.Server) string {
	t.Helper()
	body, _ := json.Marshal(createStoreRequest{Path: filepath.Join(t.TempDir(), "logins.db")})
	h := createHandle(t, ts, "/v1/stores", string(body))
	t.Cleanup(func() { srv.bridge.ReleaseStore(context.Background(), h) })
	return h
}

func TestAccountFlowEndpoints(t *testing.T) {
	cfg := config.Default()
	cfg.RedirectURI = "https://lockbox.example/redirect"
	srv := newTestServerWithConfig(t, cfg)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	h := createHandle(t, ts, "/v1/accounts", "")

	status, data := doRequest(t, http.MethodPost, ts.URL+"/v1/accounts/"+h+"/oauth/begin", "")
	if status != http.StatusOK {
		t.Fatalf("begin status = %d, body %s", status, data)
	}
	var begin beginAuthResponse
	decodeInto(t, data, &begin)
	u, err := url.Parse(begin.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if got := u.Query().Get("redirect_uri"); got != cfg.RedirectURI {
		t.Errorf("redirect_uri = %q, want %q", got, cfg.RedirectURI)
	}

	status, data = doRequest(t, http.MethodPost, ts.URL+"/v1/accounts/"+h+"/oauth/complete",
		`{"code":"garbage","state":"garbage"}`)
	if status != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", status, data)
	}
	var complete completeAuthResponse
	decodeInto(t, data, &complete)
	if complete.Completed {
		t.Error("garbage complete reported success")
	}

	status, data = doRequest(t, http.MethodPost, ts.URL+"/v1/accounts/"+h+"/oauth/complete", `{"state":"garbage"}`)
	if status != http.StatusOK {
		t.Fatalf("complete without code status = %d, body %s", status, data)
	}
	decodeInto(t, data, &complete)
	if complete.Completed {
		t.Error("complete without code reported success")
	}

	status, data = doRequest(t, http.MethodGet, ts.URL+"/v1/accounts/"+h+"/token", "")
	if status != http.StatusUnprocessableEntity {
		t.Errorf("token before auth status = %d, want 422, body %s", status, data)
	}

	status, _ = doRequest(t, http.MethodDelete, ts.URL+"/v1/accounts/"+h, "")
	if status != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", status)
	}
	status, _ = doRequest(t, http.MethodPost, ts.URL+"/v1/accounts/"+h+"/oauth/begin", "")
	if status != http.StatusNotFound {
		t.Errorf("begin after delete status = %d, want 404", status)
	}
}

func TestStoreEndpoints(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	h := createStore(t, srv, ts)
	entries := ts.URL + "/v1/stores/" + h + "/entries"

	status, data := doRequest(t, http.MethodGet, entries, "")
	if status != http.StatusOK || string(data) != "[]" {
		t.Fatalf("fresh list = %d %s, want 200 []", status, data)
	}

	status, data = doRequest(t, http.MethodPost, entries,
		`{"hostname":"https://example.com","username":"alice","password":"hunter2"}`)
	if status != http.StatusCreated {
		t.Fatalf("add status = %d, body %s", status, data)
	}
	var added model.Login
	decodeInto(t, data, &added)

	status, data = doRequest(t, http.MethodGet, entries, "")
	if status != http.StatusOK {
		t.Fatalf("list status = %d, body %s", status, data)
	}
	var list []model.Login
	decodeInto(t, data, &list)
	if len(list) != 1 || list[0] != added {
		t.Errorf("list = %+v, want [%+v]", list, added)
	}
}

func TestSyncEndpointInvalidKey(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	h := createStore(t, srv, ts)

	status, data := doRequest(t, http.MethodPost, ts.URL+"/v1/stores/"+h+"/sync",
		`{"key_id":"kid","access_token":"tok","sync_key":"nope"}`)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("sync status = %d, want 422, body %s", status, data)
	}
	var e errorResponse
	decodeInto(t, data, &e)
	if e.Kind != "engine_error" {
		t.Errorf("kind = %q, want engine_error", e.Kind)
	}

	status, _ = doRequest(t, http.MethodGet, ts.URL+"/v1/stores/"+h+"/entries", "")
	if status != http.StatusOK {
		t.Errorf("list after failed sync status = %d, want 200", status)
	}
}

func TestErrorStatuses(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantKind   string
	}{
		{"malformed handle", http.MethodGet, "/v1/stores/abc/entries", "", http.StatusBadRequest, "malformed_handle"},
		{"leading zero handle", http.MethodGet, "/v1/stores/01/entries", "", http.StatusBadRequest, "malformed_handle"},
		{"unknown handle", http.MethodGet, "/v1/stores/42/entries", "", http.StatusNotFound, "invalid_handle"},
		{"unknown account", http.MethodDelete, "/v1/accounts/42", "", http.StatusNotFound, "invalid_handle"},
		{"bad json", http.MethodPost, "/v1/stores", "{", http.StatusBadRequest, "malformed_argument"},
		{"empty path", http.MethodPost, "/v1/stores", `{"path":""}`, http.StatusBadRequest, "malformed_argument"},
		{"complete on unknown handle", http.MethodPost, "/v1/accounts/42/oauth/complete", `{"state":"s"}`, http.StatusNotFound, "invalid_handle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, data := doRequest(t, tt.method, ts.URL+tt.path, tt.body)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d, body %s", status, tt.wantStatus, data)
			}
			var e errorResponse
			decodeInto(t, data, &e)
			if e.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", e.Kind, tt.wantKind)
			}
			if e.Error == "" {
				t.Error("empty error message")
			}
		})
	}
}
