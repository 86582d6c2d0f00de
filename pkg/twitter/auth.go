package twitter

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Endpoint is the Twitter OAuth 2.0 endpoint pair
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://twitter.com/i/oauth2/authorize",
	TokenURL:  "https://api.twitter.com/2/oauth2/token",
	AuthStyle: oauth2.AuthStyleInHeader,
}

// OAuthConfig builds the oauth2 config for the Twitter authorization-code
// flow with the given application credentials.
func OAuthConfig(clientID, clientSecret, callbackURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  callbackURL,
		Scopes:       scopes,
		Endpoint:     Endpoint,
	}
}

// AuthCodeURL returns the authorization URL carrying a S256 PKCE challenge
// for the given verifier.
func AuthCodeURL(cfg *oauth2.Config, state, verifier string) string {
	return cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Exchange trades the authorization code for a token, presenting the PKCE
// verifier.
func Exchange(ctx context.Context, cfg *oauth2.Config, code, verifier string) (*oauth2.Token, error) {
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	return tok, nil
}

// NewVerifier generates a PKCE code verifier
func NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// ProfileForToken fetches the profile of the user a freshly exchanged token
// belongs to. The auth callback uses it before any token row exists.
func ProfileForToken(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token, baseURL string) (*Profile, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	httpClient := oauth2.NewClient(ctx, cfg.TokenSource(ctx, tok))
	httpClient.Timeout = 30 * time.Second

	c := &apiClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		logger:     zerolog.Nop(),
	}
	return c.Me(ctx)
}
