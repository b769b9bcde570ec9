package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPProvider talks to an OpenAI-style chat-completions endpoint.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		// No client-level timeout: the caller's context carries the deadline,
		// and streaming calls legitimately outlive any fixed budget.
		client: &http.Client{},
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type wireChoice struct {
	Message wireMessage `json:"message"`
	Delta   wireMessage `json:"delta"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
	Usage   TokenUsage   `json:"usage"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *HTTPProvider) Chat(ctx context.Context, req Request) (Response, error) {
	res, err := p.do(ctx, req, false)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()

	var decoded wireResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return Response{}, &ProviderError{Kind: KindServer, Err: fmt.Errorf("decode response: %w", err)}
	}
	if decoded.Error != nil {
		return Response{}, &ProviderError{Kind: KindServer, Err: errors.New(decoded.Error.Message)}
	}
	if len(decoded.Choices) == 0 {
		return Response{}, &ProviderError{Kind: KindServer, Err: errors.New("empty choices")}
	}
	return Response{Text: decoded.Choices[0].Message.Content, Usage: decoded.Usage}, nil
}

func (p *HTTPProvider) StreamChat(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	res, err := p.do(ctx, req, true)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	var usage TokenUsage
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		var decoded wireResponse
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			continue
		}
		if decoded.Error != nil {
			return Response{}, &ProviderError{Kind: KindServer, Err: errors.New(decoded.Error.Message)}
		}
		if decoded.Usage.Prompt > 0 || decoded.Usage.Completion > 0 {
			usage = decoded.Usage
		}
		if len(decoded.Choices) == 0 {
			continue
		}
		delta := decoded.Choices[0].Delta.Content
		if delta == "" {
			delta = decoded.Choices[0].Message.Content
		}
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{Text: out.String(), Usage: usage},
			&ProviderError{Kind: KindConnectivity, Err: fmt.Errorf("stream read: %w", err)}
	}

	return Response{Text: out.String(), Usage: usage}, nil
}

func (p *HTTPProvider) do(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	msgs := make([]wireMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		msgs = append(msgs, wireMessage{Role: RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Content})
	}

	payload, err := json.Marshal(wireRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, &ProviderError{Kind: KindBadRequest, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &ProviderError{Kind: KindBadRequest, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	res, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &ProviderError{Kind: KindConnectivity, Err: err}
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return res, nil
	}

	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	res.Body.Close()
	pe := &ProviderError{
		Kind:       classifyStatus(res.StatusCode),
		StatusCode: res.StatusCode,
		Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
	}
	if pe.Kind == KindRateLimit {
		pe.RetryAfter = parseRetryAfter(res.Header.Get("Retry-After"))
	}
	return nil, pe
}

func classifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code >= 400 && code < 500:
		return KindBadRequest
	default:
		return KindServer
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
