package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures a direct Anthropic client.
type AnthropicConfig struct {
	Name       string
	APIKey     KeyFunc
	BaseURL    string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

// AnthropicClient calls the Messages API directly.
type AnthropicClient struct {
	name   string
	client anthropic.Client
	key    KeyFunc
	model  string
	max    int
}

// NewAnthropic builds a client. The API key is resolved per request.
func NewAnthropic(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == nil {
		return nil, fmt.Errorf("anthropic: api key source is required")
	}
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithMaxRetries(0)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		options = append(options, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &AnthropicClient{
		name:   cfg.Name,
		client: anthropic.NewClient(options...),
		key:    cfg.APIKey,
		model:  cfg.Model,
		max:    cfg.MaxTokens,
	}, nil
}

func (c *AnthropicClient) Name() string { return c.name }

func (c *AnthropicClient) Complete(ctx context.Context, prompt Prompt) (string, error) {
	model := modelOr(prompt, c.model)
	key := c.key()
	if key == "" {
		return "", &ProviderError{Reason: ReasonAuth, Provider: c.name, Model: model, Message: "no api key available"}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages(prompt.Messages),
		MaxTokens: int64(maxTokens(prompt, c.max)),
	}
	if prompt.System != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: prompt.System,
			},
		}
	}

	msg, err := c.client.Messages.New(ctx, params, option.WithAPIKey(key))
	if err != nil {
		return "", c.wrapError(err, model)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func anthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		if m.Text == "" {
			continue
		}
		block := anthropic.NewTextBlock(m.Text)
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (c *AnthropicClient) wrapError(err error, model string) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError(c.name, model, err)
	}

	pe := &ProviderError{
		Provider: c.name,
		Model:    model,
		Cause:    err,
		Reason:   classifyCause(err),
		Message:  "anthropic request failed",
	}
	pe = pe.WithStatus(apiErr.StatusCode)
	pe.RequestID = apiErr.RequestID

	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				pe.Message = payload.Error.Message
			}
			if payload.Error.Type != "" {
				pe = pe.WithCode(payload.Error.Type)
			}
			if payload.RequestID != "" {
				pe.RequestID = payload.RequestID
			}
		}
	}
	return pe
}
