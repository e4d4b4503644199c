// Package llm invokes chat models for task attempts. Providers are described
// in the config and selected per model through their api kind.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"herald-main/src/internal/config"
	"herald-main/src/internal/directory"
)

const (
	APIOpenAICompletions = "openai-completions"
	APIEino              = "eino"

	defaultTimeout = 300 * time.Second
	maxImageBytes  = 8 << 20
)

var ErrEmptyResponse = errors.New("model returned no content")

// Attachment is an optional file sent along with the prompt.
type Attachment struct {
	Name     string
	MimeType string
	Path     string
}

// Client turns one prompt into the model's text answer.
type Client interface {
	Invoke(ctx context.Context, model directory.Model, prompt string, att *Attachment) (string, error)
}

// Router dispatches each call to the backend configured for the model's
// provider.
type Router struct {
	providers map[string]config.ProviderConfig
	timeout   time.Duration
}

func NewRouter(cfg config.ModelsConfig) *Router {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Router{providers: cfg.Providers, timeout: timeout}
}

// endpoint is the resolved connection data for one call.
type endpoint struct {
	provider string
	baseURL  string
	apiKey   string
	model    string
}

func (r *Router) resolve(model directory.Model) (config.ProviderConfig, endpoint, error) {
	prov, ok := r.providers[model.Provider]
	if !ok {
		return config.ProviderConfig{}, endpoint{}, fmt.Errorf("provider %q not configured for model %s", model.Provider, model.Name)
	}
	ep := endpoint{
		provider: model.Provider,
		baseURL:  strings.TrimRight(firstNonEmpty(model.BaseURL, prov.BaseURL), "/"),
		apiKey:   prov.APIKey,
		model:    firstNonEmpty(model.ModelID, model.Name),
	}
	if model.EnvKey != "" {
		if v := os.Getenv(model.EnvKey); v != "" {
			ep.apiKey = v
		}
	}
	if ep.model == "" {
		return prov, ep, fmt.Errorf("model %s has no upstream model id", model.ID)
	}
	return prov, ep, nil
}

func (r *Router) Invoke(ctx context.Context, model directory.Model, prompt string, att *Attachment) (string, error) {
	prov, ep, err := r.resolve(model)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	var out string
	switch prov.API {
	case "", APIOpenAICompletions:
		out, err = invokeOpenAI(ctx, ep, prompt, att)
	case APIEino:
		out, err = invokeEino(ctx, ep, r.timeout, prompt, att)
	default:
		return "", fmt.Errorf("unsupported provider API %q", prov.API)
	}
	if err != nil {
		return "", fmt.Errorf("%s API error: %w", ep.provider, err)
	}
	slog.Debug("model call finished", "provider", ep.provider, "model", ep.model, "elapsed", time.Since(start), "chars", len(out))
	if strings.TrimSpace(out) == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

// readImage loads an image attachment as base64. Non-image files are
// skipped.
func readImage(att *Attachment) (mimeType, data string, ok bool) {
	if att == nil || !strings.HasPrefix(att.MimeType, "image/") {
		return "", "", false
	}
	raw, err := os.ReadFile(att.Path)
	if err != nil {
		slog.Warn("attachment not readable", "path", att.Path, "error", err)
		return "", "", false
	}
	if len(raw) > maxImageBytes {
		slog.Warn("attachment too large, skipped", "path", att.Path, "bytes", len(raw))
		return "", "", false
	}
	return att.MimeType, base64.StdEncoding.EncodeToString(raw), true
}

// imageDataURL inlines an image attachment as a data URL.
func imageDataURL(att *Attachment) (string, bool) {
	mimeType, data, ok := readImage(att)
	if !ok {
		return "", false
	}
	return "data:" + mimeType + ";base64," + data, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
