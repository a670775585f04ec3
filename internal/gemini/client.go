package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL      = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel        = "gemini-2.0-flash"
	defaultEmbedModel   = "text-embedding-004"
	defaultMaxRetries   = 3
	initialBackoff      = 500 * time.Millisecond
	maxBackoff          = 8 * time.Second
	defaultTimeout      = 60 * time.Second
	maxEmbedBatchSize   = 100
	tlsHandshakeTimeout = 10 * time.Second
)

// Client is a Gemini API client with bounded retries and a smooth
// request rate limit. If apiKey is empty it falls back to Application
// Default Credentials (gcloud auth).
type Client struct {
	httpClient *http.Client
	apiKey     string
	limiter    *rate.Limiter
	useADC     bool

	// BaseURL overrides the API endpoint (tests point it at a local
	// server). Model and EmbedModel select the generation and
	// embedding models; MaxRetries bounds retry attempts past the
	// first try.
	BaseURL    string
	Model      string
	EmbedModel string
	MaxRetries int

	accessToken string
	tokenExpiry time.Time
	tokenMu     sync.Mutex

	// Usage tracking
	usageMu           sync.Mutex
	totalPromptTokens int64
	totalOutputTokens int64
	totalEmbedChars   int64
	generateCalls     int64
	embedCalls        int64
}

// NewClient creates a Gemini client with default model, timeout, and
// retry settings.
func NewClient(apiKey string) *Client {
	transport := &http.Transport{
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   defaultTimeout,
		},
		apiKey:     apiKey,
		useADC:     apiKey == "",
		BaseURL:    defaultBaseURL,
		Model:      defaultModel,
		EmbedModel: defaultEmbedModel,
		MaxRetries: defaultMaxRetries,
	}
}

// SetTimeout bounds each HTTP request.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.httpClient.Timeout = d
	}
}

// SetRequestsPerMinute sets a smooth rate limit across all requests.
// rpm<=0 disables rate limiting.
func (c *Client) SetRequestsPerMinute(rpm int) {
	if rpm <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
}

func (c *Client) getAccessToken() (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && time.Now().Add(60*time.Second).Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	cmd := exec.Command("gcloud", "auth", "application-default", "print-access-token")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("gcloud auth failed: %w (run 'gcloud auth application-default login')", err)
	}

	c.accessToken = strings.TrimSpace(string(output))
	c.tokenExpiry = time.Now().Add(55 * time.Minute)
	return c.accessToken, nil
}

func (c *Client) buildRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Request, error) {
	var url string
	if c.useADC {
		url = fmt.Sprintf("%s/%s", c.BaseURL, endpoint)
	} else {
		url = fmt.Sprintf("%s/%s?key=%s", c.BaseURL, endpoint, c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	if c.useADC {
		token, err := c.getAccessToken()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req, nil
}

// GenerateContentRequest for the generateContent API
type GenerateContentRequest struct {
	Contents         []Content         `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
}

type GenerationConfig struct {
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text string `json:"text,omitempty"`
}

type GenerateContentResponse struct {
	Candidates     []Candidate     `json:"candidates,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *UsageMetadata  `json:"usageMetadata,omitempty"`
	Error          *APIError       `json:"error,omitempty"`
}

// UsageMetadata contains token usage information from the API
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type PromptFeedback struct {
	BlockReason        string `json:"blockReason,omitempty"`
	BlockReasonMessage string `json:"blockReasonMessage,omitempty"`
}

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini API error %d (%s): %s", e.Code, e.Status, e.Message)
}

// EmbedContentRequest for the embedding API
type EmbedContentRequest struct {
	Model   string  `json:"model"`
	Content Content `json:"content"`
}

// BatchEmbedContentsRequest for the batch embedding API
type BatchEmbedContentsRequest struct {
	Requests []EmbedContentRequest `json:"requests"`
}

// BatchEmbedContentsResponse for the batch embedding API
type BatchEmbedContentsResponse struct {
	Embeddings []Embedding `json:"embeddings,omitempty"`
	Error      *APIError   `json:"error,omitempty"`
}

type Embedding struct {
	Values []float64 `json:"values"`
}

// GenerateContent calls the Gemini generateContent API
func (c *Client) GenerateContent(ctx context.Context, model string, req *GenerateContentRequest) (*GenerateContentResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("models/%s:generateContent", model)

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		if attempt > 0 {
			backoff := calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		httpReq, err := c.buildRequest(ctx, "POST", endpoint, body)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		}

		var result GenerateContentResponse
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}

		if result.Error != nil {
			if isRetryableStatus(result.Error.Code) {
				lastErr = result.Error
				continue
			}
			return nil, result.Error
		}

		c.recordGenerateUsage(result.UsageMetadata)

		return &result, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// BatchEmbedContents calls the Gemini batchEmbedContents API
func (c *Client) BatchEmbedContents(ctx context.Context, model string, requests []EmbedContentRequest) (*BatchEmbedContentsResponse, error) {
	charCount := 0
	for _, req := range requests {
		for _, part := range req.Content.Parts {
			charCount += len(part.Text)
		}
	}

	// Model must be fully qualified in each request.
	fullModel := "models/" + model
	for i := range requests {
		requests[i].Model = fullModel
	}

	body, err := json.Marshal(BatchEmbedContentsRequest{Requests: requests})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("models/%s:batchEmbedContents", model)

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		if attempt > 0 {
			backoff := calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		httpReq, err := c.buildRequest(ctx, "POST", endpoint, body)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		}

		var result BatchEmbedContentsResponse
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}

		if result.Error != nil {
			if isRetryableStatus(result.Error.Code) {
				lastErr = result.Error
				continue
			}
			return nil, result.Error
		}

		c.recordEmbedUsage(charCount)

		return &result, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// GenerateJSON prompts the model for a JSON reply and unmarshals it
// into out, stripping any markdown code fence the model wraps around
// the payload.
func (c *Client) GenerateJSON(ctx context.Context, prompt string, out any) error {
	req := &GenerateContentRequest{
		Contents: []Content{
			{Role: "user", Parts: []Part{{Text: prompt}}},
		},
		GenerationConfig: &GenerationConfig{ResponseMimeType: "application/json"},
	}

	resp, err := c.GenerateContent(ctx, c.Model, req)
	if err != nil {
		return err
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return fmt.Errorf("empty response from model")
	}

	text := stripCodeFence(resp.Candidates[0].Content.Parts[0].Text)
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("malformed JSON from model: %w", err)
	}
	return nil
}

// Embed returns one embedding vector per input text, batching
// requests under the API's batch size limit.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += maxEmbedBatchSize {
		end := start + maxEmbedBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		requests := make([]EmbedContentRequest, 0, end-start)
		for _, text := range texts[start:end] {
			requests = append(requests, EmbedContentRequest{
				Content: Content{Parts: []Part{{Text: text}}},
			})
		}

		resp, err := c.BatchEmbedContents(ctx, c.EmbedModel, requests)
		if err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != end-start {
			return nil, fmt.Errorf("embed returned %d vectors for %d texts", len(resp.Embeddings), end-start)
		}
		for _, e := range resp.Embeddings {
			out = append(out, e.Values)
		}
	}
	return out, nil
}

var codeFenceRe = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\s*```$")

func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	return trimmed
}

func isRetryableStatus(code int) bool {
	return code == 429 || code >= 500
}

func calculateBackoff(attempt int) time.Duration {
	backoff := float64(initialBackoff) * math.Pow(2, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(backoff + jitter)
}

// UsageStats contains accumulated usage statistics
type UsageStats struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	EmbedChars       int64   `json:"embed_chars"`
	GenerateCalls    int64   `json:"generate_calls"`
	EmbedCalls       int64   `json:"embed_calls"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// GetUsageStats returns accumulated usage statistics and estimated cost
// Pricing (Gemini 2.0 Flash as of Jan 2026):
//   - Input: $0.075 per 1M tokens
//   - Output: $0.30 per 1M tokens
//   - Embeddings: $0.00001 per 1K characters
func (c *Client) GetUsageStats() UsageStats {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()

	stats := UsageStats{
		PromptTokens:  c.totalPromptTokens,
		OutputTokens:  c.totalOutputTokens,
		EmbedChars:    c.totalEmbedChars,
		GenerateCalls: c.generateCalls,
		EmbedCalls:    c.embedCalls,
	}

	inputCost := float64(c.totalPromptTokens) * 0.075 / 1_000_000
	outputCost := float64(c.totalOutputTokens) * 0.30 / 1_000_000
	embedCost := float64(c.totalEmbedChars) * 0.00001 / 1_000
	stats.EstimatedCostUSD = inputCost + outputCost + embedCost

	return stats
}

func (c *Client) recordGenerateUsage(usage *UsageMetadata) {
	if usage == nil {
		return
	}
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	c.totalPromptTokens += int64(usage.PromptTokenCount)
	c.totalOutputTokens += int64(usage.CandidatesTokenCount)
	c.generateCalls++
}

func (c *Client) recordEmbedUsage(charCount int) {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	c.totalEmbedChars += int64(charCount)
	c.embedCalls++
}
