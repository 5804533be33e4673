package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func fakeGitHub(t *testing.T, userJSON string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "good-code" {
			http.Error(w, `{"error":"bad_verification_code"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"gho_test","token_type":"bearer"}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gho_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(userJSON))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestProvider(srv *httptest.Server) *GitHubProvider {
	return newGitHubProvider("client-id", "client-secret", "http://localhost/auth/github/callback",
		oauth2.Endpoint{
			AuthURL:   srv.URL + "/login/oauth/authorize",
			TokenURL:  srv.URL + "/login/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		srv.URL+"/user",
	)
}

func TestAuthURL(t *testing.T) {
	p := NewGitHubProvider("client-id", "secret", "http://localhost/cb")

	u, err := url.Parse(p.AuthURL("state-123"))
	if err != nil {
		t.Fatalf("AuthURL() is not a URL: %v", err)
	}
	if u.Host != "github.com" {
		t.Errorf("host = %q, want github.com", u.Host)
	}
	q := u.Query()
	if q.Get("state") != "state-123" || q.Get("client_id") != "client-id" {
		t.Errorf("query = %v, want state and client_id", q)
	}
	if !strings.Contains(q.Get("scope"), "read:user") {
		t.Errorf("scope = %q, want read:user", q.Get("scope"))
	}
}

func TestExchange(t *testing.T) {
	srv := fakeGitHub(t, `{"id":42,"login":"octocat","email":"octo@example.com","avatar_url":"https://a/1"}`)
	p := newTestProvider(srv)

	user, err := p.Exchange(context.Background(), "good-code")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if user.ID != 42 || user.Login != "octocat" || user.AvatarURL != "https://a/1" {
		t.Errorf("Exchange() = %+v", user)
	}
}

func TestExchange_Errors(t *testing.T) {
	srv := fakeGitHub(t, `{"id":0,"login":"ghost"}`)
	p := newTestProvider(srv)

	if _, err := p.Exchange(context.Background(), "bad-code"); err == nil {
		t.Error("Exchange() accepted a rejected code")
	}
	if _, err := p.Exchange(context.Background(), "good-code"); err == nil {
		t.Error("Exchange() accepted a user with ID 0")
	}
}
