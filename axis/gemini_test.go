package axis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGeminiConfig(baseURL string) *GeminiConfig {
	return &GeminiConfig{
		APIKey:            "test-key",
		Model:             DefaultGeminiModel,
		BaseURL:           baseURL,
		GenerateTimeout:   DefaultGenerateTimeout,
		ClassifyTimeout:   DefaultClassifyTimeout,
		MaxOutputTokens:   DefaultGeminiMaxOutputTokens,
		Temperature:       DefaultGeminiTemperature,
		TopK:              DefaultGeminiTopK,
		TopP:              DefaultGeminiTopP,
		RequestsPerSecond: 100,
	}
}

func geminiTextResponse(text string) string {
	payload := geminiResponse{
		Candidates: []geminiCandidate{
			{
				Content: geminiContent{
					Parts: []geminiPart{{Text: text}},
				},
			},
		},
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

func TestGeminiGenerate(t *testing.T) {
	t.Parallel()
	var gotPath string
	var gotBody geminiRequest
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path + "?" + r.URL.RawQuery
				body, _ := io.ReadAll(r.Body)
				require.NoError(t, json.Unmarshal(body, &gotBody))
				_, _ = w.Write([]byte(geminiTextResponse("use a RemoteEvent")))
			},
		),
	)
	t.Cleanup(server.Close)

	g := newGemini(testGeminiConfig(server.URL), server.Client())
	text, err := g.Generate(
		context.Background(),
		"how do I talk to the server from a local script?",
		UserContext{ID: "user-1", Username: "someone"},
	)
	require.NoError(t, err)
	assert.Equal(t, "use a RemoteEvent", text)

	assert.Contains(t, gotPath, DefaultGeminiModel+":generateContent")
	assert.Contains(t, gotPath, "key=test-key")

	require.Len(t, gotBody.Contents, 1)
	prompt := gotBody.Contents[0].Parts[0].Text
	assert.Contains(t, prompt, "You are Axis")
	assert.Contains(t, prompt, "Username: someone")
	assert.Contains(
		t,
		prompt,
		"User message: how do I talk to the server from a local script?",
	)
	assert.Equal(t, DefaultGeminiMaxOutputTokens, gotBody.GenerationConfig.MaxOutputTokens)
	assert.Len(t, gotBody.SafetySettings, 4)
}

func TestGeminiGenerateAPIError(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "internal error", http.StatusInternalServerError)
			},
		),
	)
	t.Cleanup(server.Close)

	g := newGemini(testGeminiConfig(server.URL), server.Client())
	_, err := g.Generate(context.Background(), "anything", UserContext{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGeminiStatus))
	assert.Equal(t, ErrorCategoryAPI, categorizeError(err))
}

func TestGeminiGenerateMalformedPayload(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "not json at all"},
		{name: "no candidates", body: `{"candidates": []}`},
		{name: "empty parts", body: `{"candidates": [{"content": {"parts": []}}]}`},
		{
			name: "blank text",
			body: `{"candidates": [{"content": {"parts": [{"text": "  "}]}}]}`,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(
				http.HandlerFunc(
					func(w http.ResponseWriter, _ *http.Request) {
						_, _ = w.Write([]byte(tt.body))
					},
				),
			)
			t.Cleanup(server.Close)

			g := newGemini(testGeminiConfig(server.URL), server.Client())
			_, err := g.Generate(context.Background(), "anything", UserContext{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrGeminiEmptyResponse))
			assert.Equal(t, ErrorCategoryAPI, categorizeError(err))
		})
	}
}

func TestGeminiGenerateTimeout(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(5 * time.Second):
				}
			},
		),
	)
	t.Cleanup(server.Close)

	g := newGemini(testGeminiConfig(server.URL), server.Client())
	ctx, cancel := context.WithTimeout(
		context.Background(),
		50*time.Millisecond,
	)
	defer cancel()

	_, err := g.Generate(ctx, "anything", UserContext{})
	require.Error(t, err)
	assert.Equal(t, ErrorCategoryTimeout, categorizeError(err))
}

func TestGeminiClassifyStop(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		answer string
		want   bool
	}{
		{name: "yes", answer: "YES", want: true},
		{name: "yes with trailing text", answer: "yes, it does", want: true},
		{name: "no", answer: "NO", want: false},
		{name: "unrecognized", answer: "maybe", want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(
				http.HandlerFunc(
					func(w http.ResponseWriter, _ *http.Request) {
						_, _ = w.Write([]byte(geminiTextResponse(tt.answer)))
					},
				),
			)
			t.Cleanup(server.Close)

			g := newGemini(testGeminiConfig(server.URL), server.Client())
			stop, err := g.ClassifyStop(context.Background(), "bye now")
			require.NoError(t, err)
			assert.Equal(t, tt.want, stop)
		})
	}
}

func TestCategorizeError(t *testing.T) {
	t.Parallel()
	assert.Equal(
		t,
		ErrorCategoryTimeout,
		categorizeError(context.DeadlineExceeded),
	)
	assert.Equal(t, ErrorCategoryAPI, categorizeError(ErrGeminiStatus))
	assert.Equal(t, ErrorCategoryAPI, categorizeError(ErrGeminiEmptyResponse))
	assert.Equal(
		t,
		ErrorCategoryUnknown,
		categorizeError(errors.New("something else")),
	)
}

func TestErrorCategoryFallbackMessages(t *testing.T) {
	t.Parallel()
	assert.Equal(
		t,
		fallbackTimeoutMessage,
		ErrorCategoryTimeout.FallbackMessage(),
	)
	assert.Equal(t, fallbackAPIMessage, ErrorCategoryAPI.FallbackMessage())
	assert.Equal(
		t,
		fallbackUnknownMessage,
		ErrorCategoryUnknown.FallbackMessage(),
	)
}

func TestSystemPromptUserInfo(t *testing.T) {
	t.Parallel()
	prompt := systemPrompt(
		"my question",
		UserContext{
			ID:         "123",
			Username:   "builder",
			GlobalName: "The Builder",
			Nickname:   "nick",
			AvatarURL:  "https://cdn.example/avatar.png",
		},
	)
	assert.Contains(t, prompt, "Username: builder")
	assert.Contains(t, prompt, "User ID: 123")
	assert.Contains(t, prompt, "Display Name: The Builder")
	assert.Contains(t, prompt, "Nickname: nick")
	assert.Contains(t, prompt, "Avatar: https://cdn.example/avatar.png")
	assert.True(t, strings.HasSuffix(prompt, "User message: my question"))
}
