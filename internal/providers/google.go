package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// GoogleConfig configures a direct Gemini client.
type GoogleConfig struct {
	Name      string
	APIKey    KeyFunc
	Model     string
	MaxTokens int
}

// GoogleClient calls the Gemini API. The SDK binds the key at construction,
// so the underlying client is rebuilt whenever the key changes.
type GoogleClient struct {
	name  string
	key   KeyFunc
	model string
	max   int

	mu      sync.Mutex
	client  *genai.Client
	boundTo string
}

// NewGoogle builds a client.
func NewGoogle(cfg GoogleConfig) (*GoogleClient, error) {
	if cfg.APIKey == nil {
		return nil, fmt.Errorf("google: api key source is required")
	}
	if cfg.Name == "" {
		cfg.Name = "google"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	return &GoogleClient{name: cfg.Name, key: cfg.APIKey, model: cfg.Model, max: cfg.MaxTokens}, nil
}

func (c *GoogleClient) Name() string { return c.name }

func (c *GoogleClient) sdk(ctx context.Context, key string) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.boundTo == key {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	c.client = client
	c.boundTo = key
	return client, nil
}

func (c *GoogleClient) Complete(ctx context.Context, prompt Prompt) (string, error) {
	model := modelOr(prompt, c.model)
	key := c.key()
	if key == "" {
		return "", &ProviderError{Reason: ReasonAuth, Provider: c.name, Model: model, Message: "no api key available"}
	}
	client, err := c.sdk(ctx, key)
	if err != nil {
		return "", NewProviderError(c.name, model, err)
	}

	contents := make([]*genai.Content, 0, len(prompt.Messages))
	for _, m := range prompt.Messages {
		if m.Text == "" {
			continue
		}
		content := &genai.Content{Role: genai.RoleUser}
		if m.Role == RoleAssistant {
			content.Role = genai.RoleModel
		}
		content.Parts = append(content.Parts, &genai.Part{Text: m.Text})
		contents = append(contents, content)
	}

	config := &genai.GenerateContentConfig{}
	if prompt.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{
				{Text: prompt.System},
			},
		}
	}
	// #nosec G115 -- bounded by min
	config.MaxOutputTokens = int32(min(maxTokens(prompt, c.max), math.MaxInt32))

	resp, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", c.wrapError(err, model)
	}

	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" {
				sb.WriteString(part.Text)
			}
		}
		break
	}
	return sb.String(), nil
}

func (c *GoogleClient) wrapError(err error, model string) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		pe := &ProviderError{Provider: c.name, Model: model, Cause: err, Reason: classifyCause(err), Message: apiErr.Message}
		return pe.WithStatus(apiErr.Code)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		pe := &ProviderError{Provider: c.name, Model: model, Cause: err, Reason: classifyCause(err), Message: apiErrPtr.Message}
		return pe.WithStatus(apiErrPtr.Code)
	}
	return NewProviderError(c.name, model, err)
}
