package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/api/googleapi"

	"pimsync/internal/logger"
)

const (
	geminiName        = "gemini"
	geminiDefaultBase = "https://generativelanguage.googleapis.com"
)

// Gemini calls the generateContent method of the Generative Language REST API.
type Gemini struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	log        *logger.Logger
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      *geminiContent `json:"content"`
		FinishReason string         `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func NewGemini(apiKey, baseURL string, httpClient *http.Client, log *logger.Logger) *Gemini {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = geminiDefaultBase
	}
	return &Gemini{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		maxRetries: 2,
		backoff:    time.Second,
		log:        log,
	}
}

func (g *Gemini) Name() string { return geminiName }

func (g *Gemini) Complete(ctx context.Context, p Prompt) (string, error) {
	req := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: p.User}}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     p.Temperature,
			MaxOutputTokens: p.MaxTokens,
		},
	}
	if strings.TrimSpace(p.System) != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: p.System}}}
	}

	raw, err := g.doWithRetry(ctx, strings.TrimPrefix(p.Model, "models/"), req)
	if err != nil {
		return "", err
	}

	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("gemini decode error: %w", err)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("gemini blocked prompt: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini returned no candidates")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("gemini returned empty content (finish reason %s)", resp.Candidates[0].FinishReason)
	}
	return b.String(), nil
}

func (g *Gemini) doWithRetry(ctx context.Context, model string, body geminiRequest) ([]byte, error) {
	backoff := g.backoff
	for attempt := 0; ; attempt++ {
		raw, err := g.doOnce(ctx, model, body)
		if err == nil {
			return raw, nil
		}

		var ge *googleapi.Error
		if !errors.As(err, &ge) || !isRetryableGenerationStatus(ge.Code) || attempt == g.maxRetries {
			return nil, err
		}

		sleepFor := backoff
		if d := parseRetryAfter(ge.Header.Get("Retry-After")); d > 0 && d <= 10*time.Second {
			sleepFor = d
		}
		g.log.Warn("Gemini request retrying", "attempt", attempt+1, "status", ge.Code, "sleep", sleepFor.String())

		timer := time.NewTimer(sleepFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (g *Gemini) doOnce(ctx context.Context, model string, body geminiRequest) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	endpoint := g.baseURL + "/v1beta/models/" + url.PathEscape(model) + ":generateContent"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("x-goog-api-key", g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Google error envelopes decode into *googleapi.Error with Code set.
	if err := googleapi.CheckResponse(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}
