package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"
)

// OpenAIBackend calls an OpenAI-compatible Chat Completions endpoint
// (OpenAI, Groq, local gateways).
type OpenAIBackend struct {
	http    *http.Client
	apiKey  string
	model   string
	baseURL string
	label   string
}

// NewOpenAIBackend creates a backend. label prefixes Name() (e.g. "Groq").
// If apiKey is empty, it falls back to OPENAI_API_KEY.
func NewOpenAIBackend(label, apiKey, model, baseURL string) *OpenAIBackend {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.openai.com/v1/chat/completions"
	}
	if strings.TrimSpace(label) == "" {
		label = "OpenAI"
	}
	return &OpenAIBackend{
		http:    &http.Client{Timeout: 5 * time.Minute},
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		label:   label,
	}
}

func (o *OpenAIBackend) Name() string  { return o.label + ":" + o.model }
func (o *OpenAIBackend) Model() string { return o.model }

type chatReq struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (o *OpenAIBackend) Complete(ctx context.Context, prompt, system string, opts Options) (Completion, error) {
	msgs := make([]chatMessage, 0, 2)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})
	b, err := json.Marshal(chatReq{
		Model:       o.model,
		Messages:    msgs,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return Completion{}, NewPermanentError(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewReader(b))
	if err != nil {
		return Completion{}, NewPermanentError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Completion{}, statusError(strings.ToLower(o.label), resp)
	}
	var out chatResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Completion{}, err
	}
	if len(out.Choices) == 0 {
		return Completion{}, ErrEmptyCompletion
	}
	return Completion{Text: out.Choices[0].Message.Content, Tokens: out.Usage.CompletionTokens}, nil
}
