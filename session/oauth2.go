package session

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// SourceFactory builds a token source that refreshes from t. For an
// oauth2.Config this is cfg.TokenSource.
type SourceFactory func(ctx context.Context, t *oauth2.Token) oauth2.TokenSource

// TokenSourceProvider is a Provider over an OAuth2 token held by the client.
// Refresh forces a token refresh through the factory's token source.
type TokenSourceProvider struct {
	mu      sync.Mutex
	token   *oauth2.Token
	factory SourceFactory
	onToken func(*oauth2.Token)
}

// NewTokenSourceProvider creates a provider starting from token.
func NewTokenSourceProvider(token *oauth2.Token, factory SourceFactory) *TokenSourceProvider {
	return &TokenSourceProvider{token: token, factory: factory}
}

// NewOAuth2Provider creates a provider refreshing through cfg's token endpoint.
func NewOAuth2Provider(cfg *oauth2.Config, token *oauth2.Token) *TokenSourceProvider {
	return NewTokenSourceProvider(token, cfg.TokenSource)
}

// OnToken registers fn to receive every refreshed token, for persistence.
func (p *TokenSourceProvider) OnToken(fn func(*oauth2.Token)) {
	p.mu.Lock()
	p.onToken = fn
	p.mu.Unlock()
}

// Token returns the current token, or nil.
func (p *TokenSourceProvider) Token() *oauth2.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// SetToken replaces the current token, for example after an interactive login.
// A nil token ends the session.
func (p *TokenSourceProvider) SetToken(t *oauth2.Token) {
	p.mu.Lock()
	p.token = t
	p.mu.Unlock()
}

// CurrentSession implements Provider.
func (p *TokenSourceProvider) CurrentSession(_ context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == nil {
		return nil, ErrNoSession
	}
	return &Session{ExpiresAt: p.token.Expiry}, nil
}

// Refresh implements Provider.
func (p *TokenSourceProvider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	current := p.token
	p.mu.Unlock()

	if current == nil {
		return ErrNoSession
	}
	if current.RefreshToken == "" {
		return fmt.Errorf("token has no refresh token")
	}

	// A token without an access token is never valid, which forces the
	// source to hit the token endpoint.
	src := p.factory(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return fmt.Errorf("failed to refresh token: %w", err)
	}
	next := *fresh
	if next.RefreshToken == "" {
		// Servers may omit the refresh token when it is not rotated.
		next.RefreshToken = current.RefreshToken
	}

	p.mu.Lock()
	p.token = &next
	onToken := p.onToken
	p.mu.Unlock()

	if onToken != nil {
		onToken(&next)
	}
	return nil
}
