package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// expirySkew is subtracted from the token lifetime when deciding whether a
// cached token is still usable: a token within 60s of expiry is refreshed
// rather than handed out.
const expirySkew = 60 * time.Second

// Credentials identify the OAuth client and the long-lived refresh token.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Token is a bearer token with its absolute expiry.
type Token struct {
	AccessToken string
	Expiry      time.Time
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// TokenCache holds at most one bearer token and refreshes it through the
// configured token endpoint when it is absent or about to expire. Refreshing
// replaces the token atomically under the lock.
type TokenCache struct {
	tokenURL string
	http     *http.Client
	logger   logrus.FieldLogger

	mu    sync.Mutex
	token *Token
	now   func() time.Time
}

// NewTokenCache creates an empty token cache talking to tokenURL.
func NewTokenCache(tokenURL string, client *http.Client, logger logrus.FieldLogger) *TokenCache {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenCache{
		tokenURL: tokenURL,
		http:     client,
		logger:   logger,
		now:      time.Now,
	}
}

// ValidToken returns the cached token if it is good for at least another
// minute, refreshing it otherwise. Safe for concurrent use.
func (tc *TokenCache) ValidToken(ctx context.Context, creds Credentials) (Token, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.token != nil && tc.token.Expiry.After(tc.now().Add(expirySkew)) {
		return *tc.token, nil
	}

	token, err := tc.refresh(ctx, creds)
	if err != nil {
		return Token{}, err
	}
	tc.token = &token
	return token, nil
}

// Invalidate drops the cached token so the next ValidToken call refreshes.
func (tc *TokenCache) Invalidate() {
	tc.mu.Lock()
	tc.token = nil
	tc.mu.Unlock()
}

func (tc *TokenCache) refresh(ctx context.Context, creds Credentials) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", creds.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.SetBasicAuth(creds.ClientID, creds.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tc.http.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	if resp.StatusCode != http.StatusOK {
		return Token{}, &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrDecoding, err)
	}

	token := Token{
		AccessToken: tr.AccessToken,
		Expiry:      tc.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}

	tc.logger.WithFields(logrus.Fields{
		"expires_in": tr.ExpiresIn,
	}).Debug("Refreshed access token")

	return token, nil
}
