package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures a chat-completions client. The same wire shape
// serves the direct OpenAI provider and the proxied backend.
type OpenAIConfig struct {
	Name       string
	APIKey     KeyFunc
	BaseURL    string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

// OpenAIClient calls an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	name   string
	client *openai.Client
	model  string
	max    int
	key    KeyFunc
}

// NewOpenAI builds a client. The bearer token is resolved per request.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == nil {
		return nil, fmt.Errorf("openai: api key source is required")
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}

	base := http.DefaultTransport
	if cfg.HTTPClient != nil && cfg.HTTPClient.Transport != nil {
		base = cfg.HTTPClient.Transport
	}
	httpClient := &http.Client{Transport: &bearerTransport{key: cfg.APIKey, base: base}}
	if cfg.HTTPClient != nil {
		httpClient.Timeout = cfg.HTTPClient.Timeout
	}

	clientConfig := openai.DefaultConfig("")
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientConfig.HTTPClient = httpClient

	return &OpenAIClient{
		name:   cfg.Name,
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
		max:    cfg.MaxTokens,
		key:    cfg.APIKey,
	}, nil
}

func (c *OpenAIClient) Name() string { return c.name }

func (c *OpenAIClient) Complete(ctx context.Context, prompt Prompt) (string, error) {
	model := modelOr(prompt, c.model)
	if c.key() == "" {
		return "", &ProviderError{Reason: ReasonAuth, Provider: c.name, Model: model, Message: "no credential available"}
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(prompt.Messages)+1)
	if prompt.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: prompt.System,
		})
	}
	for _, m := range prompt.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens(prompt, c.max),
	})
	if err != nil {
		return "", c.wrapError(err, model)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) wrapError(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := &ProviderError{
			Provider: c.name,
			Model:    model,
			Cause:    err,
			Reason:   classifyCause(err),
			Message:  apiErr.Message,
		}
		pe = pe.WithStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			pe = pe.WithCode(code)
		} else if apiErr.Type != "" {
			pe = pe.WithCode(apiErr.Type)
		}
		return pe
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		pe := NewProviderError(c.name, model, err)
		if reqErr.HTTPStatusCode != 0 {
			pe = pe.WithStatus(reqErr.HTTPStatusCode)
		}
		return pe
	}

	return NewProviderError(c.name, model, err)
}

// bearerTransport sets the Authorization header from the current credential.
type bearerTransport struct {
	key  KeyFunc
	base http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.key())
	return t.base.RoundTrip(clone)
}
