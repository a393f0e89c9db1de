package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/guard/internal/testutil"
)

type errSource struct{ err error }

func (s errSource) Token() (*oauth2.Token, error) { return nil, s.err }

func TestTokenSourceProvider_CurrentSession(t *testing.T) {
	expiry := testutil.Epoch.Add(time.Hour)
	p := NewTokenSourceProvider(testutil.GenerateTestTokenWithExpiry(expiry), nil)

	sess, err := p.CurrentSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !sess.ExpiresAt.Equal(expiry) {
		t.Errorf("ExpiresAt = %v, want %v", sess.ExpiresAt, expiry)
	}

	p.SetToken(nil)
	if _, err := p.CurrentSession(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("err = %v, want ErrNoSession", err)
	}
}

func TestTokenSourceProvider_Refresh(t *testing.T) {
	newExpiry := testutil.Epoch.Add(2 * time.Hour)

	tests := []struct {
		name    string
		token   *oauth2.Token
		source  oauth2.TokenSource
		wantErr error
		wantRT  string
	}{
		{
			name:   "keeps refresh token when not rotated",
			token:  testutil.GenerateTestTokenWithExpiry(testutil.Epoch),
			source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "new", Expiry: newExpiry}),
			wantRT: "test-refresh-token",
		},
		{
			name:   "takes rotated refresh token",
			token:  testutil.GenerateTestTokenWithExpiry(testutil.Epoch),
			source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "new", RefreshToken: "rotated", Expiry: newExpiry}),
			wantRT: "rotated",
		},
		{
			name:    "no session",
			token:   nil,
			wantErr: ErrNoSession,
		},
		{
			name:   "source error",
			token:  testutil.GenerateTestTokenWithExpiry(testutil.Epoch),
			source: errSource{err: errors.New("invalid_grant")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var persisted *oauth2.Token
			p := NewTokenSourceProvider(tt.token, func(context.Context, *oauth2.Token) oauth2.TokenSource {
				return tt.source
			})
			p.OnToken(func(tok *oauth2.Token) { persisted = tok })

			err := p.Refresh(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if tt.wantRT == "" {
				if err == nil {
					t.Error("expected error")
				}
				if p.Token() != tt.token {
					t.Error("token must be unchanged after a failed refresh")
				}
				return
			}
			if err != nil {
				t.Fatalf("Refresh() error = %v", err)
			}

			got := p.Token()
			if got.AccessToken != "new" || got.RefreshToken != tt.wantRT || !got.Expiry.Equal(newExpiry) {
				t.Errorf("token = %+v", got)
			}
			if persisted != got {
				t.Error("OnToken should receive the new token")
			}
		})
	}
}

func TestTokenSourceProvider_RequiresRefreshToken(t *testing.T) {
	p := NewTokenSourceProvider(&oauth2.Token{AccessToken: "a"}, nil)
	if err := p.Refresh(context.Background()); err == nil {
		t.Error("expected error without refresh token")
	}
}

func TestOAuth2Provider_TokenEndpoint(t *testing.T) {
	var mu sync.Mutex
	var gotGrant, gotRT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		gotGrant = r.PostForm.Get("grant_type")
		gotRT = r.PostForm.Get("refresh_token")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600,"refresh_token":"rt-2"}`)
	}))
	defer srv.Close()

	cfg := &oauth2.Config{
		ClientID: "client",
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
	}
	p := NewOAuth2Provider(cfg, testutil.GenerateTestTokenWithExpiry(time.Now().Add(-time.Minute)))

	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	mu.Lock()
	if gotGrant != "refresh_token" || gotRT != "test-refresh-token" {
		t.Errorf("token request grant=%q refresh_token=%q", gotGrant, gotRT)
	}
	mu.Unlock()

	tok := p.Token()
	if tok.AccessToken != "fresh" || tok.RefreshToken != "rt-2" {
		t.Errorf("token = %+v", tok)
	}
	if time.Until(tok.Expiry) < 50*time.Minute {
		t.Errorf("Expiry = %v, want about an hour from now", tok.Expiry)
	}
}

func TestCoordinator_WithOAuth2Provider(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	cfg := &oauth2.Config{ClientID: "client", Endpoint: oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams}}
	provider := NewOAuth2Provider(cfg, testutil.GenerateTestTokenWithExpiry(time.Now().Add(2*time.Minute)))

	logger, _ := testutil.NewCaptureLogger()
	c, err := NewCoordinator(provider, DefaultConfig(), logger)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.Check(context.Background())

	if got := calls.Load(); got != 1 {
		t.Errorf("token endpoint calls = %d, want 1", got)
	}
	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status.NeedsRefresh {
		t.Error("session should no longer need a refresh")
	}
}
