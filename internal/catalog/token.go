package catalog

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"pimsync/internal/config"
)

// defaultTokenTTL is the assumed lifetime when neither the token response
// nor the configuration gives one.
const defaultTokenTTL = time.Hour

// TokenBroker obtains the catalog bearer token with the password grant and
// caches it until shortly before it expires.
type TokenBroker struct {
	oauth       oauth2.Config
	username    string
	password    string
	httpClient  *http.Client
	margin      time.Duration
	fallbackTTL time.Duration
	now         func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

func NewTokenBroker(cfg config.Config, httpClient *http.Client) *TokenBroker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.CatalogTimeoutMs) * time.Millisecond}
	}
	tokenURL := strings.TrimRight(cfg.CatalogBaseURL, "/") + "/" + strings.TrimLeft(cfg.CatalogTokenPath, "/")
	fallbackTTL := time.Duration(cfg.CatalogTokenTTLSec) * time.Second
	if fallbackTTL <= 0 {
		fallbackTTL = defaultTokenTTL
	}
	return &TokenBroker{
		oauth: oauth2.Config{
			ClientID:     cfg.CatalogClientID,
			ClientSecret: cfg.CatalogClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		username:    cfg.CatalogUsername,
		password:    cfg.CatalogPassword,
		httpClient:  httpClient,
		margin:      time.Duration(cfg.CatalogTokenMargin) * time.Second,
		fallbackTTL: fallbackTTL,
		now:         time.Now,
	}
}

// GetToken returns the cached token or fetches a new one. Concurrent callers
// that miss the cache share a single token request.
func (b *TokenBroker) GetToken(ctx context.Context) (string, error) {
	if tok, ok := b.cached(); ok {
		return tok, nil
	}

	v, err, _ := b.group.Do("token", func() (any, error) {
		if tok, ok := b.cached(); ok {
			return tok, nil
		}
		// The shared fetch must not fail for every waiter because the first
		// caller's context was cancelled.
		return b.fetch(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (b *TokenBroker) Invalidate() {
	b.mu.Lock()
	b.token = ""
	b.expiresAt = time.Time{}
	b.mu.Unlock()
}

func (b *TokenBroker) cached() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token == "" || !b.now().Before(b.expiresAt) {
		return "", false
	}
	return b.token, true
}

func (b *TokenBroker) fetch(ctx context.Context) (string, error) {
	if b.missingCredentials() {
		return "", &AuthError{Err: errors.New("catalog credentials are not configured")}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
	tok, err := b.oauth.PasswordCredentialsToken(ctx, b.username, b.password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return "", &AuthError{Status: re.Response.StatusCode, Err: err}
		}
		return "", &AuthError{Err: err}
	}

	now := b.now()
	lifetime := b.fallbackTTL
	if !tok.Expiry.IsZero() {
		lifetime = tok.Expiry.Sub(now)
	}
	ttl := lifetime - b.margin
	if ttl <= 0 {
		ttl = lifetime / 2
	}

	b.mu.Lock()
	b.token = tok.AccessToken
	b.expiresAt = now.Add(ttl)
	b.mu.Unlock()

	return tok.AccessToken, nil
}

func (b *TokenBroker) missingCredentials() bool {
	for _, v := range []string{b.oauth.ClientID, b.oauth.ClientSecret, b.username, b.password, b.oauth.Endpoint.TokenURL} {
		if strings.TrimSpace(v) == "" {
			return true
		}
	}
	return false
}
