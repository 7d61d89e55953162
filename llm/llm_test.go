package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/smallnest/chatgraph/config"
)

func chatServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"pong"}}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_MissingVariable(t *testing.T) {
	_, err := New(config.LLM{Provider: config.ProviderLangchain, APIKey: "k", Model: "m"})
	var missing *config.MissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "LLM_BASE_URL", missing.Var)
}

func TestNew_Providers(t *testing.T) {
	for _, provider := range []string{config.ProviderLangchain, config.ProviderOpenAI} {
		t.Run(provider, func(t *testing.T) {
			srv := chatServer(t)
			model, err := New(config.LLM{Provider: provider, APIKey: "k", BaseURL: srv.URL, Model: "m"})
			require.NoError(t, err)

			resp, err := model.GenerateContent(context.Background(),
				[]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, "ping")})
			require.NoError(t, err)
			require.NotEmpty(t, resp.Choices)
			assert.Equal(t, "pong", resp.Choices[0].Content)
		})
	}
}

func TestCallOptions(t *testing.T) {
	var opts llms.CallOptions
	for _, o := range CallOptions(config.LLM{Temperature: 0.3}) {
		o(&opts)
	}
	assert.InDelta(t, 0.3, opts.Temperature, 1e-9)
}
