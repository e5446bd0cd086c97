package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pimsync/internal/config"
)

func testConfig(baseURL string) config.Config {
	return config.Config{
		CatalogBaseURL:      baseURL,
		CatalogTokenPath:    "/api/oauth/v1/token",
		CatalogAPIPrefix:    "/api/rest/v1",
		CatalogClientID:     "client",
		CatalogClientSecret: "secret",
		CatalogUsername:     "sync",
		CatalogPassword:     "pw",
		CatalogRateLimitRPS: 1000,
		CatalogTimeoutMs:    5000,
		CatalogTokenTTLSec:  3600,
		CatalogTokenMargin:  300,
		Channel:             "ecommerce",
		Locale:              "en_US",
		TitleField:          "name",
		DescriptionField:    "description",
		SEOFlagField:        "seo_reviewed",
		TechnicalFields:     []string{"author", "pages"},
	}
}

func tokenHandler(t *testing.T, calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		id, secret, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client", id)
		assert.Equal(t, "secret", secret)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "password", r.PostForm.Get("grant_type"))
		assert.Equal(t, "sync", r.PostForm.Get("username"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"bearer","expires_in":3600}`, n)
	}
}

func TestGetTokenCachesUntilMargin(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(tokenHandler(t, &calls))
	defer srv.Close()

	b := NewTokenBroker(testConfig(srv.URL), srv.Client())

	tok, err := b.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	tok, err = b.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	start := time.Now()
	b.now = func() time.Time { return start.Add(3400 * time.Second) }
	tok, err = b.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestGetTokenConcurrentMissSharesOneRequest(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	h := tokenHandler(t, &calls)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		h(w, r)
	}))
	defer srv.Close()

	b := NewTokenBroker(testConfig(srv.URL), srv.Client())

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := b.GetToken(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for _, tok := range tokens {
		assert.Equal(t, "tok-1", tok)
	}
}

func TestGetTokenRejectedIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	b := NewTokenBroker(testConfig(srv.URL), srv.Client())
	_, err := b.GetToken(context.Background())
	require.Error(t, err)

	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusUnauthorized, ae.Status)
}

func TestGetTokenMissingCredentials(t *testing.T) {
	cfg := testConfig("https://pim.test")
	cfg.CatalogPassword = ""
	b := NewTokenBroker(cfg, nil)

	_, err := b.GetToken(context.Background())
	assert.True(t, IsAuth(err))
}

func TestInvalidateForcesRefresh(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(tokenHandler(t, &calls))
	defer srv.Close()

	b := NewTokenBroker(testConfig(srv.URL), srv.Client())
	_, err := b.GetToken(context.Background())
	require.NoError(t, err)
	b.Invalidate()
	tok, err := b.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestGetTokenWithoutLifetimeIsStillCached(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"bearer"}`, n)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.CatalogTokenTTLSec = 0
	b := NewTokenBroker(cfg, srv.Client())

	for range 3 {
		tok, err := b.GetToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok-1", tok)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}
