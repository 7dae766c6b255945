package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"kalowrite/internal/config"
)

var (
	ErrNotConfigured = errors.New("rewriting engine not configured")
	ErrEngineFailed  = errors.New("rewriting engine request failed")
	ErrEmptyOutput   = errors.New("rewriting engine returned no output")
)

const promptTemplate = `Rewrite the following text so it reads like natural, human-written prose.
Vary sentence length, use plain wording, and avoid formulaic transitions.
Preserve the meaning, facts, language and approximate length of the original.
Return only the rewritten text with no preamble.

Text:
%s`

// Client calls a Gemini-style generateContent endpoint. The base URL is
// configurable so tests can point it at a local server.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		apiKey:  cfg.GeminiAPIKey,
		model:   cfg.GeminiModel,
		baseURL: strings.TrimRight(cfg.EngineBaseURL, "/"),
		http:    &http.Client{Timeout: cfg.EngineTimeout()},
	}
}

func (c *Client) IsConfigured() bool {
	return c.apiKey != "" && c.model != "" && c.baseURL != ""
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Humanize sends the text through the fixed instruction template and returns
// the rewritten output. Any transport, status or decode failure maps to
// ErrEngineFailed so callers can treat the engine as a single failure domain.
func (c *Client) Humanize(ctx context.Context, text string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	reqBody := generateRequest{
		Contents: []content{{Parts: []part{{Text: fmt.Sprintf(promptTemplate, text)}}}},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status code %d", ErrEngineFailed, resp.StatusCode)
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineFailed, err)
	}

	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyOutput
	}
	output := strings.TrimSpace(parsed.Candidates[0].Content.Parts[0].Text)
	if output == "" {
		return "", ErrEmptyOutput
	}
	return output, nil
}
