package providers

import (
	"fmt"
	"net/http"
	"strings"
)

// BackendConfig configures the proxied backend. The backend speaks the
// chat-completions wire format and authenticates with the session token.
type BackendConfig struct {
	BaseURL    string
	Token      KeyFunc
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

// NewBackend builds the client used in proxied mode.
func NewBackend(cfg BackendConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("backend: base url is required")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("backend: token source is required")
	}
	return NewOpenAI(OpenAIConfig{
		Name:       BackendID,
		APIKey:     cfg.Token,
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		MaxTokens:  cfg.MaxTokens,
		HTTPClient: cfg.HTTPClient,
	})
}
