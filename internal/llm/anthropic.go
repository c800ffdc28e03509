package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const anthropicVersion = "2023-06-01"

// AnthropicBackend calls the Anthropic Messages API.
// See: https://docs.anthropic.com/en/api/messages
type AnthropicBackend struct {
	http    *http.Client
	apiKey  string
	model   string
	baseURL string
}

// NewAnthropicBackend creates a backend. If apiKey is empty, it falls back to ANTHROPIC_API_KEY.
func NewAnthropicBackend(apiKey, model, baseURL string) *AnthropicBackend {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.anthropic.com/v1/messages"
	}
	return &AnthropicBackend{
		http:    &http.Client{Timeout: 5 * time.Minute},
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
	}
}

func (a *AnthropicBackend) Name() string  { return "Anthropic:" + a.model }
func (a *AnthropicBackend) Model() string { return a.model }

type anthropicReq struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResp struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *AnthropicBackend) Complete(ctx context.Context, prompt, system string, opts Options) (Completion, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	reqBody := anthropicReq{
		Model:     a.model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	}
	if opts.Temperature > 0 {
		t := opts.Temperature
		reqBody.Temperature = &t
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return Completion{}, NewPermanentError(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(b))
	if err != nil {
		return Completion{}, NewPermanentError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)
	if a.apiKey != "" {
		req.Header.Set("x-api-key", a.apiKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Completion{}, statusError("anthropic", resp)
	}
	var out anthropicResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Completion{}, err
	}
	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return Completion{Text: sb.String(), Tokens: out.Usage.OutputTokens}, nil
}

// statusError turns a non-2xx response into an error. Client errors other
// than 408/429 are permanent.
func statusError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	err := fmt.Errorf("%s: unexpected status %s: %s", provider, resp.Status, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return NewPermanentError(err)
	}
	return err
}
