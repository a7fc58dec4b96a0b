package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino/components/model"

	"crew/internal/config"
)

const defaultOllamaURL = "http://127.0.0.1:11434"

// ollamaTransport surfaces an unreachable daemon as ErrModelUnavailable so
// callers can distinguish "not running" from a failed request.
type ollamaTransport struct {
	base    http.RoundTripper
	baseURL string
}

func (t *ollamaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		var netErr *net.OpError
		if errors.As(err, &netErr) {
			return nil, &ErrModelUnavailable{
				Provider: "ollama",
				Cause:    fmt.Errorf("daemon not reachable at %s: %w", t.baseURL, err),
			}
		}
		return nil, err
	}
	return resp, nil
}

// NewOllama creates a new Ollama ChatModel against a local daemon.
func NewOllama(ctx context.Context, cfg config.ProviderConfig, _ ResolvedAuth) (model.ToolCallingChatModel, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}

	timeout := cfg.Timeout.Duration()
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	modelConfig := &einoollama.ChatModelConfig{
		BaseURL: baseURL,
		Model:   cfg.Model,
		Timeout: timeout,
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: &ollamaTransport{base: http.DefaultTransport, baseURL: baseURL},
		},
	}

	return einoollama.NewChatModel(ctx, modelConfig)
}
