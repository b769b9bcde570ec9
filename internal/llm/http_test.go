package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPProviderChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k123" {
			t.Errorf("auth header = %q", got)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hi there"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "k123")
	resp, err := p.Chat(context.Background(), Request{
		Model:    "critter-1",
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Text != "hi there" {
		t.Fatalf("Text = %q, want %q", resp.Text, "hi there")
	}
	if resp.Usage.Prompt != 12 {
		t.Fatalf("Usage.Prompt = %d, want 12", resp.Usage.Prompt)
	}
}

func TestHTTPProviderRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	_, err := p.Chat(context.Background(), Request{Model: "critter-1"})
	if !Throttled(err) {
		t.Fatalf("Throttled(err) = false, err = %v", err)
	}
	hint, ok := RetryAfterHint(err)
	if !ok || hint != 7*time.Second {
		t.Fatalf("RetryAfterHint = (%v, %v), want (7s, true)", hint, ok)
	}
}

func TestHTTPProviderAuthNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "bad")
	_, err := p.Chat(context.Background(), Request{Model: "critter-1"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindAuth {
		t.Fatalf("error = %v, want auth kind", err)
	}
	if Retryable(err) {
		t.Fatalf("Retryable(auth) = true, want false")
	}
}

func TestHTTPProviderStreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"Hel", "lo ", "friend"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	var deltas []string
	resp, err := p.StreamChat(context.Background(), Request{Model: "critter-1"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamChat() error = %v", err)
	}
	if resp.Text != "Hello friend" {
		t.Fatalf("Text = %q, want %q", resp.Text, "Hello friend")
	}
	if len(deltas) != 3 {
		t.Fatalf("deltas = %d, want 3", len(deltas))
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]ErrorKind{
		429: KindRateLimit,
		401: KindAuth,
		403: KindAuth,
		400: KindBadRequest,
		500: KindServer,
		503: KindServer,
	}
	for code, want := range cases {
		if got := classifyStatus(code); got != want {
			t.Fatalf("classifyStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestMockProviderStreamsWordChunks(t *testing.T) {
	p := NewMockProvider()
	var got strings.Builder
	resp, err := p.StreamChat(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "why is the sky blue?"}},
	}, func(d string) error {
		got.WriteString(d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamChat() error = %v", err)
	}
	if got.String() != resp.Text {
		t.Fatalf("streamed %q, buffered %q", got.String(), resp.Text)
	}
}
