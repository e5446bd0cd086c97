package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"pimsync/internal"
	"pimsync/internal/config"
	"pimsync/internal/logger"
)

const (
	maxAttempts        = 5
	maxSearchLimit     = 100
	defaultSearchLimit = 10
)

type Client struct {
	cfg         config.Config
	apiBase     string
	httpClient  *http.Client
	limiter     *RateLimiter
	tokens      *TokenBroker
	resolver    Resolver
	log         *logger.Logger
	backoffUnit time.Duration
}

// Enrichment is an optional extra field written alongside the description.
// Failing to resolve its metadata only produces a warning.
type Enrichment struct {
	Field string
	Data  any
}

type UpdateOutcome struct {
	Warnings []string
}

type productPayload struct {
	Identifier string          `json:"identifier"`
	Enabled    bool            `json:"enabled"`
	Family     string          `json:"family"`
	Values     internal.Values `json:"values"`
}

type listPayload struct {
	Embedded struct {
		Items []productPayload `json:"items"`
	} `json:"_embedded"`
}

type searchFilter struct {
	Operator string `json:"operator"`
	Value    string `json:"value"`
	Locale   string `json:"locale,omitempty"`
}

func NewClient(cfg config.Config, tokens *TokenBroker, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		cfg:         cfg,
		apiBase:     strings.TrimRight(cfg.CatalogBaseURL, "/") + "/" + strings.Trim(cfg.CatalogAPIPrefix, "/"),
		httpClient:  &http.Client{Timeout: time.Duration(cfg.CatalogTimeoutMs) * time.Millisecond},
		limiter:     NewRateLimiter(cfg.CatalogRateLimitRPS),
		tokens:      tokens,
		resolver:    Resolver{Strict: cfg.CatalogStrict},
		log:         log,
		backoffUnit: 250 * time.Millisecond,
	}
}

func (c *Client) Tokens() *TokenBroker { return c.tokens }

func (c *Client) Exists(ctx context.Context, key internal.ItemKey) (bool, error) {
	status, body, err := c.do(ctx, "exists", http.MethodGet, productPath(key), nil, nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &CatalogError{Op: "exists", Status: status, Body: string(body)}
	}
}

// Search merges an identifier match and a title match into one list sorted by
// key and capped at limit. The catalog search has no OR across fields, so two
// requests are made.
func (c *Client) Search(ctx context.Context, query string, limit int, locale string) ([]internal.ProductRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []internal.ProductRecord{}, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	pageSize := limit
	if pageSize > maxSearchLimit {
		pageSize = maxSearchLimit
	}

	filters := []map[string][]searchFilter{
		{"identifier": {{Operator: "CONTAINS", Value: query}}},
		{c.cfg.TitleField: {{Operator: "CONTAINS", Value: query, Locale: locale}}},
	}

	seen := mapset.NewThreadUnsafeSet[internal.ItemKey]()
	out := make([]internal.ProductRecord, 0, limit)
	for _, f := range filters {
		items, err := c.searchOnce(ctx, f, pageSize, locale)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			rec := c.summary(item, locale)
			if rec.Key == "" || !seen.Add(rec.Key) {
				continue
			}
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Client) searchOnce(ctx context.Context, filter map[string][]searchFilter, limit int, locale string) ([]productPayload, error) {
	blob, err := json.Marshal(filter)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("search", string(blob))
	q.Set("limit", strconv.Itoa(limit))
	if locale != "" {
		q.Set("search_locale", locale)
	}

	status, body, err := c.do(ctx, "search", http.MethodGet, "/products", q, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &CatalogError{Op: "search", Status: status, Body: string(body)}
	}
	var payload listPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &CatalogError{Op: "search", Err: err}
	}
	return payload.Embedded.Items, nil
}

func (c *Client) summary(p productPayload, locale string) internal.ProductRecord {
	return internal.ProductRecord{
		Key:     internal.ItemKey(strings.TrimSpace(p.Identifier)),
		Title:   c.resolver.Get(p.Values, c.cfg.TitleField, c.cfg.Channel, locale),
		Enabled: p.Enabled,
		Family:  p.Family,
	}
}

// FetchDetail returns nil without error when the item does not exist.
func (c *Client) FetchDetail(ctx context.Context, key internal.ItemKey, channel, locale string) (*internal.ProductRecord, error) {
	status, body, err := c.do(ctx, "fetch", http.MethodGet, productPath(key), nil, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, &CatalogError{Op: "fetch", Status: status, Body: string(body)}
	}

	var p productPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &CatalogError{Op: "fetch", Err: err}
	}

	title, err := c.resolver.Lookup(p.Values, c.cfg.TitleField, channel, locale)
	if err != nil {
		return nil, &CatalogError{Op: "fetch", Err: err}
	}
	desc, err := c.resolver.Lookup(p.Values, c.cfg.DescriptionField, channel, locale)
	if err != nil {
		return nil, &CatalogError{Op: "fetch", Err: err}
	}

	tech := map[string]string{}
	for _, field := range c.cfg.TechnicalFields {
		v, err := c.resolver.Lookup(p.Values, field, channel, locale)
		if err != nil {
			c.log.Debug("technical field skipped", "key", key, "field", field, "error", err)
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			tech[field] = v
		}
	}

	recKey := internal.ItemKey(strings.TrimSpace(p.Identifier))
	if recKey == "" {
		recKey = key
	}
	return &internal.ProductRecord{
		Key:               recKey,
		Title:             title,
		Enabled:           p.Enabled,
		Family:            p.Family,
		SourceDescription: desc,
		TechnicalFields:   tech,
	}, nil
}

func (c *Client) AttributeMeta(ctx context.Context, code string) (internal.AttributeMeta, error) {
	status, body, err := c.do(ctx, "attribute", http.MethodGet, "/attributes/"+url.PathEscape(code), nil, nil)
	if err != nil {
		return internal.AttributeMeta{}, err
	}
	if status != http.StatusOK {
		return internal.AttributeMeta{}, &CatalogError{Op: "attribute " + code, Status: status, Body: string(body)}
	}
	var meta internal.AttributeMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		return internal.AttributeMeta{}, &CatalogError{Op: "attribute " + code, Err: err}
	}
	if meta.Code == "" {
		meta.Code = code
	}
	return meta, nil
}

// UpdateDescription writes html into the description field of an existing
// item. It never creates an item: a missing key fails with NotFoundError
// before any write. The SEO flag and extra enrichments are best effort.
func (c *Client) UpdateDescription(ctx context.Context, key internal.ItemKey, html, channel, locale string, extra ...Enrichment) (UpdateOutcome, error) {
	var outcome UpdateOutcome

	exists, err := c.Exists(ctx, key)
	if err != nil {
		return outcome, err
	}
	if !exists {
		return outcome, &NotFoundError{Key: string(key)}
	}

	meta, err := c.AttributeMeta(ctx, c.cfg.DescriptionField)
	if err != nil {
		return outcome, err
	}
	values := internal.Values{
		c.cfg.DescriptionField: {c.resolver.BuildWriteValue(meta, html, channel, locale)},
	}

	enrichments := extra
	if c.cfg.SEOFlagField != "" {
		enrichments = append([]Enrichment{{Field: c.cfg.SEOFlagField, Data: true}}, extra...)
	}
	for _, e := range enrichments {
		if e.Field == "" || e.Data == nil || e.Data == "" {
			continue
		}
		m, err := c.AttributeMeta(ctx, e.Field)
		if err != nil {
			if IsAuth(err) {
				return outcome, err
			}
			msg := fmt.Sprintf("optional field %s skipped: %v", e.Field, err)
			outcome.Warnings = append(outcome.Warnings, msg)
			c.log.Warn("optional field skipped", "key", key, "field", e.Field, "error", err)
			continue
		}
		values[e.Field] = []internal.AttributeValue{c.resolver.BuildWriteValue(m, e.Data, channel, locale)}
	}

	blob, err := json.Marshal(map[string]any{"values": values})
	if err != nil {
		return outcome, err
	}
	status, body, err := c.do(ctx, "update", http.MethodPatch, productPath(key), nil, blob)
	if err != nil {
		return outcome, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return outcome, &CatalogError{Op: "update", Status: status, Body: string(body)}
	}
	return outcome, nil
}

// do performs one catalog call with rate limiting, bearer auth and retries.
// The returned status is final: retryable statuses have been exhausted and a
// 401 has been retried once with a fresh token.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload []byte) (int, []byte, error) {
	u := c.apiBase + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var lastErr error
	reauthed := false
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.WaitTurn(ctx); err != nil {
			return 0, nil, &CatalogError{Op: op, Err: err}
		}

		token, err := c.tokens.GetToken(ctx)
		if err != nil {
			return 0, nil, err
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
		if err != nil {
			return 0, nil, &CatalogError{Op: op, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			c.sleepBackoff(ctx, attempt)
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized {
			if reauthed {
				return 0, nil, &AuthError{Status: resp.StatusCode, Err: errors.New("token rejected by catalog")}
			}
			c.log.Debug("catalog token rejected, refreshing", "op", op)
			c.tokens.Invalidate()
			reauthed = true
			// The refresh retry does not use up an attempt.
			attempt--
			continue
		}

		if isRetryableStatus(resp.StatusCode) && attempt < maxAttempts {
			c.log.Debug("catalog retry", "op", op, "status", resp.StatusCode, "attempt", attempt)
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			c.sleepBackoff(ctx, attempt)
			continue
		}
		return resp.StatusCode, body, nil
	}

	if lastErr == nil {
		lastErr = errors.New("request failed")
	}
	return 0, nil, &CatalogError{Op: op, Err: lastErr}
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) {
	backoff := c.backoffUnit*time.Duration(1<<(attempt-1)) + time.Duration(rand.Int63n(int64(c.backoffUnit)/2+1))
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func productPath(key internal.ItemKey) string {
	return "/products/" + url.PathEscape(string(key))
}

func isRetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
