// Package gemini implements the AIDecoder port against the Gemini
// generateContent REST API.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

const (
	defaultMaxOutputTokens = 8048
	defaultTemperature     = 0.5

	// maxRetryAfterWait caps how long a Retry-After hint can hold a worker.
	maxRetryAfterWait = 30 * time.Second
)

// retryAfterHint parses the delay-seconds form of a Retry-After header.
// HTTP-date form and garbage yield zero.
func retryAfterHint(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfterWait)
}

// Limiter gates outbound AI calls; nil disables gating. Implementations
// fail open on their own errors.
type Limiter interface {
	Allow(ctx domain.Context, key string) (bool, error)
}

// Client implements domain.AIDecoder on the Gemini REST API with transport
// retries, a circuit breaker and optional distributed rate limiting.
type Client struct {
	cfg     config.Config
	hc      *http.Client
	breaker *Breaker
	limiter Limiter
	counter *tokencount.Counter
}

// New constructs a Client. limiter may be nil.
func New(cfg config.Config, limiter Limiter) *Client {
	return &Client{
		cfg: cfg,
		hc: &http.Client{
			Timeout:   cfg.GeminiTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: NewBreaker("gemini"),
		limiter: limiter,
		counter: tokencount.NewCounter(),
	}
}

func (c *Client) getBackoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsedTime, initialInterval, maxInterval, multiplier := c.cfg.GetAIBackoffConfig()
	expo.MaxElapsedTime = maxElapsedTime
	expo.InitialInterval = initialInterval
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return expo
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (r generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// Extract sends the image and prompt to the model and parses the candidate
// readings out of its reply. An empty Results slice is a valid outcome.
func (c *Client) Extract(ctx domain.Context, image []byte, prompt string) (domain.AIExtraction, error) {
	if c.cfg.GeminiAPIKey == "" {
		slog.Error("gemini api key missing", slog.String("provider", "gemini"))
		return domain.AIExtraction{}, fmt.Errorf("op=ai.extract: GEMINI_API_KEY missing: %w", domain.ErrInvalidArgument)
	}
	if len(image) == 0 {
		return domain.AIExtraction{}, fmt.Errorf("op=ai.extract: empty image: %w", domain.ErrInvalidArgument)
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}

	if c.limiter != nil {
		allowed, err := c.limiter.Allow(ctx, "gemini")
		if err != nil {
			slog.Warn("ai rate limiter unavailable, failing open", slog.Any("error", err))
		} else if !allowed {
			return domain.AIExtraction{}, fmt.Errorf("op=ai.extract: %w", domain.ErrRateLimited)
		}
	}
	if !c.breaker.Allow() {
		slog.Warn("gemini circuit open, refusing call", slog.String("provider", "gemini"))
		return domain.AIExtraction{}, fmt.Errorf("op=ai.extract: circuit open: %w", domain.ErrRateLimited)
	}

	reqBody := generateRequest{
		Contents: []content{{
			Parts: []part{
				{Text: prompt},
				{InlineData: &inlineData{
					MimeType: "image/jpeg",
					Data:     base64.StdEncoding.EncodeToString(image),
				}},
			},
		}},
		GenerationConfig: generationConfig{
			MaxOutputTokens: defaultMaxOutputTokens,
			Temperature:     defaultTemperature,
		},
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return domain.AIExtraction{}, fmt.Errorf("op=ai.extract: %w", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent",
		strings.TrimSuffix(c.cfg.GeminiBaseURL, "/"), c.cfg.GeminiModel)

	var out generateResponse
	var lastStatus int
	op := func() error {
		start := time.Now()
		// Recreate the request each attempt to avoid reusing consumed bodies.
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("x-goog-api-key", c.cfg.GeminiAPIKey)
		resp, err := c.hc.Do(r)
		observability.AIRequestsTotal.WithLabelValues("gemini", "generate").Inc()
		observability.AIRequestDuration.WithLabelValues("gemini", "generate").Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			slog.Error("failed to read response body", slog.String("provider", "gemini"), slog.Any("error", err))
			return err
		}
		lastStatus = resp.StatusCode

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfterHint(resp.Header.Get("Retry-After"))
			slog.Warn("ai provider rate limited",
				slog.String("provider", "gemini"),
				slog.Int("status", resp.StatusCode),
				slog.Duration("retry_after", wait))
			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			snippet := string(bodyBytes)
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Warn("ai provider 4xx",
				slog.String("provider", "gemini"),
				slog.Int("status", resp.StatusCode),
				slog.String("model", c.cfg.GeminiModel),
				slog.String("body", snippet))
			return backoff.Permanent(fmt.Errorf("generate status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet := string(bodyBytes)
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Error("ai provider non-2xx",
				slog.String("provider", "gemini"),
				slog.Int("status", resp.StatusCode),
				slog.String("model", c.cfg.GeminiModel),
				slog.String("body", snippet))
			return fmt.Errorf("generate status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			slog.Error("ai provider decode error",
				slog.String("provider", "gemini"),
				slog.String("model", c.cfg.GeminiModel),
				slog.Any("error", err))
			return err
		}
		return nil
	}

	bo := backoff.WithContext(c.getBackoffConfig(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		c.breaker.RecordFailure()
		slog.Error("gemini call failed after retries",
			slog.String("provider", "gemini"),
			slog.Int("last_status", lastStatus),
			slog.Any("error", err))
		var nerr net.Error
		switch {
		case lastStatus == http.StatusTooManyRequests:
			return domain.AIExtraction{}, fmt.Errorf("op=ai.extract: %w", domain.ErrUpstreamRateLimit)
		case errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()):
			return domain.AIExtraction{}, fmt.Errorf("op=ai.extract: %w", domain.ErrUpstreamTimeout)
		}
		return domain.AIExtraction{}, fmt.Errorf("op=ai.extract: %w", err)
	}
	c.breaker.RecordSuccess()

	raw := out.text()
	results := ParseCandidates(raw)
	tokens := 0
	if out.UsageMetadata != nil && out.UsageMetadata.TotalTokenCount > 0 {
		tokens = out.UsageMetadata.TotalTokenCount
	} else {
		tokens = c.counter.EstimateTotal(prompt, raw, c.cfg.GeminiModel)
	}
	observability.AddAITokens(tokens)

	slog.Info("gemini call successful",
		slog.String("provider", "gemini"),
		slog.String("model", c.cfg.GeminiModel),
		slog.Int("candidates", len(results)),
		slog.Int("tokens_used", tokens))
	return domain.AIExtraction{Results: results, RawText: raw, TokensUsed: tokens}, nil
}
