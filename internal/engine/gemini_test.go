package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"kalowrite/internal/config"
)

func testClient(baseURL string) *Client {
	return NewClient(config.Config{
		GeminiAPIKey:         "test-key",
		GeminiModel:          "gemini-1.5-flash",
		EngineBaseURL:        baseURL,
		EngineTimeoutSeconds: 5,
	})
}

func TestHumanizeSuccess(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path

		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Contents) != 1 || len(req.Contents[0].Parts) != 1 {
			t.Fatalf("unexpected request shape: %+v", req)
		}
		if !strings.Contains(req.Contents[0].Parts[0].Text, "robotic input text") {
			t.Fatalf("prompt does not carry the input text")
		}

		resp := map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": "  natural output  "}}}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	out, err := testClient(srv.URL).Humanize(context.Background(), "robotic input text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "natural output" {
		t.Fatalf("unexpected output: %q", out)
	}
	if gotPath != "/v1beta/models/gemini-1.5-flash:generateContent" {
		t.Fatalf("unexpected request path: %s", gotPath)
	}
}

func TestHumanizeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Humanize(context.Background(), "some text")
	if !errors.Is(err, ErrEngineFailed) {
		t.Fatalf("expected ErrEngineFailed, got %v", err)
	}
}

func TestHumanizeEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Humanize(context.Background(), "some text")
	if !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("expected ErrEmptyOutput, got %v", err)
	}
}

func TestHumanizeNotConfigured(t *testing.T) {
	c := NewClient(config.Config{})
	if c.IsConfigured() {
		t.Fatalf("empty config must not count as configured")
	}
	if _, err := c.Humanize(context.Background(), "some text"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
