package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald-main/src/internal/config"
	"herald-main/src/internal/directory"
)

func fakeCompletions(t *testing.T, content string, seen *map[string]any, auth *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		if auth != nil {
			*auth = r.Header.Get("Authorization")
		}
		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": content}}},
		})
	}))
}

func TestRouterOpenAI(t *testing.T) {
	var body map[string]any
	var auth string
	srv := fakeCompletions(t, `{"result_summary":"ok","actions":[]}`, &body, &auth)
	defer srv.Close()

	t.Setenv("HERALD_TEST_KEY", "from-env")
	r := NewRouter(config.ModelsConfig{Providers: map[string]config.ProviderConfig{
		"local": {BaseURL: srv.URL, APIKey: "from-config", API: APIOpenAICompletions},
	}})

	out, err := r.Invoke(context.Background(), directory.Model{ID: "m1", Provider: "local", ModelID: "gpt-test", EnvKey: "HERALD_TEST_KEY"}, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, `{"result_summary":"ok","actions":[]}`, out)
	assert.Equal(t, "gpt-test", body["model"])
	assert.Equal(t, "Bearer from-env", auth)
}

func TestRouterImageAttachment(t *testing.T) {
	var body map[string]any
	srv := fakeCompletions(t, "done", &body, nil)
	defer srv.Close()

	img := filepath.Join(t.TempDir(), "chart.png")
	require.NoError(t, os.WriteFile(img, []byte{0x89, 'P', 'N', 'G'}, 0644))

	r := NewRouter(config.ModelsConfig{Providers: map[string]config.ProviderConfig{
		"local": {BaseURL: srv.URL, API: APIOpenAICompletions},
	}})
	_, err := r.Invoke(context.Background(), directory.Model{Provider: "local", ModelID: "vision"}, "describe",
		&Attachment{Name: "chart.png", MimeType: "image/png", Path: img})
	require.NoError(t, err)

	msgs := body["messages"].([]any)
	parts := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "image_url", parts[1].(map[string]any)["type"])
}

func TestRouterErrors(t *testing.T) {
	ctx := context.Background()
	r := NewRouter(config.ModelsConfig{Providers: map[string]config.ProviderConfig{
		"odd": {BaseURL: "http://127.0.0.1:1", API: "soap"},
	}})

	_, err := r.Invoke(ctx, directory.Model{Provider: "missing", ModelID: "x"}, "p", nil)
	assert.ErrorContains(t, err, "not configured")

	_, err = r.Invoke(ctx, directory.Model{Provider: "odd", ModelID: "x"}, "p", nil)
	assert.ErrorContains(t, err, "unsupported provider API")

	_, err = r.Invoke(ctx, directory.Model{ID: "m", Provider: "odd"}, "p", nil)
	assert.ErrorContains(t, err, "no upstream model id")
}

func TestRouterEmptyOutput(t *testing.T) {
	srv := fakeCompletions(t, "   ", nil, nil)
	defer srv.Close()
	r := NewRouter(config.ModelsConfig{Providers: map[string]config.ProviderConfig{
		"local": {BaseURL: srv.URL},
	}})
	_, err := r.Invoke(context.Background(), directory.Model{Provider: "local", ModelID: "x"}, "p", nil)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestEinoMessagesCarryImage(t *testing.T) {
	img := filepath.Join(t.TempDir(), "chart.png")
	require.NoError(t, os.WriteFile(img, []byte{0x89, 'P', 'N', 'G'}, 0644))

	plain := einoMessages("describe", nil)
	require.Len(t, plain, 1)
	assert.Equal(t, "describe", plain[0].Content)
	assert.Empty(t, plain[0].UserInputMultiContent)

	msgs := einoMessages("describe", &Attachment{Name: "chart.png", MimeType: "image/png", Path: img})
	require.Len(t, msgs, 1)
	parts := msgs[0].UserInputMultiContent
	require.Len(t, parts, 2)
	assert.Equal(t, "describe", parts[0].Text)
	require.NotNil(t, parts[1].Image)
	assert.Equal(t, "image/png", parts[1].Image.MIMEType)
	require.NotNil(t, parts[1].Image.Base64Data)
	assert.Equal(t, "iVBORw==", *parts[1].Image.Base64Data)

	pdf := einoMessages("describe", &Attachment{Name: "r.pdf", MimeType: "application/pdf", Path: img})
	assert.Empty(t, pdf[0].UserInputMultiContent)
}
