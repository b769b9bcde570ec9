package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Classifier is the external content-classification signal. Scores are
// normalized to [0,1] per category.
type Classifier interface {
	Classify(ctx context.Context, text string) (map[string]float64, error)
}

// HTTPClassifier posts text to a moderation endpoint and reads back
// category scores.
type HTTPClassifier struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPClassifier(url, apiKey string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClassifier{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		client: &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	Input string `json:"input"`
}

type classifyResponse struct {
	Scores map[string]float64 `json:"scores"`
}

func (c *HTTPClassifier) Classify(ctx context.Context, text string) (map[string]float64, error) {
	payload, err := json.Marshal(classifyRequest{Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classify call: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 2<<10))
		return nil, fmt.Errorf("classify status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded classifyResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode classify response: %w", err)
	}
	return decoded.Scores, nil
}

// NopClassifier approves everything. Used when no endpoint is configured.
type NopClassifier struct{}

func (NopClassifier) Classify(context.Context, string) (map[string]float64, error) {
	return nil, nil
}
