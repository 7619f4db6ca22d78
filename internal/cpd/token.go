package cpd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const authorizePath = "/icp4d-api/v1/authorize"

// refreshBefore is how long before expiry a cached token is replaced.
const refreshBefore = time.Minute

// TokenSource hands out bearer tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed, pre-issued token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Credentials authenticate a platform user with an api key.
type Credentials struct {
	Username string `json:"username"`
	APIKey   string `json:"api_key"`
}

// GetAccessToken exchanges credentials for a platform access token.
func GetAccessToken(ctx context.Context, client *Client, creds Credentials) (string, error) {
	var out struct {
		Token string `json:"token"`
	}

	if err := client.DoJSON(ctx, http.MethodPost, authorizePath, &out, JSONBody(creds)); err != nil {
		return "", fmt.Errorf("failed to authorize %s: %w", creds.Username, err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("authorize response for %s has no token", creds.Username)
	}

	return out.Token, nil
}

// CredentialsTokenSource logs in with an api key and caches the token
// until it is about to expire.
type CredentialsTokenSource struct {
	client *Client
	creds  Credentials
	now    func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewCredentialsTokenSource creates a new token source. The client must not
// carry a token source of its own.
func NewCredentialsTokenSource(client *Client, creds Credentials) *CredentialsTokenSource {
	return &CredentialsTokenSource{client: client, creds: creds, now: time.Now}
}

func (s *CredentialsTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && (s.expiry.IsZero() || s.now().Add(refreshBefore).Before(s.expiry)) {
		return s.token, nil
	}

	token, err := GetAccessToken(ctx, s.client, s.creds)
	if err != nil {
		return "", err
	}

	s.token = token
	s.expiry = TokenExpiry(token)
	return token, nil
}

// TokenExpiry reads the exp claim without verifying the signature. It
// returns the zero time when the token carries none.
func TokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
