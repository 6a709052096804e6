package axis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrorCategory buckets generation failures so the lifecycle manager can
// pick the right user-facing fallback message.
type ErrorCategory int

const (
	// ErrorCategoryUnknown covers anything not otherwise classified
	ErrorCategoryUnknown ErrorCategory = iota

	// ErrorCategoryTimeout means the request deadline elapsed
	ErrorCategoryTimeout

	// ErrorCategoryAPI means the upstream API returned a non-success
	// status or an unusable payload
	ErrorCategoryAPI
)

var (
	// ErrGeminiStatus wraps non-2xx responses from the API
	ErrGeminiStatus = errors.New("gemini API returned an error status")

	// ErrGeminiEmptyResponse indicates a 2xx response with no usable
	// candidate text
	ErrGeminiEmptyResponse = errors.New("gemini API returned no candidates")
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryTimeout:
		return "timeout"
	case ErrorCategoryAPI:
		return "api"
	default:
		return "unknown"
	}
}

// FallbackMessage returns the user-facing reply for a failed generation.
func (c ErrorCategory) FallbackMessage() string {
	switch c {
	case ErrorCategoryTimeout:
		return fallbackTimeoutMessage
	case ErrorCategoryAPI:
		return fallbackAPIMessage
	default:
		return fallbackUnknownMessage
	}
}

// categorizeError maps an error from a generation call to an ErrorCategory.
func categorizeError(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, ErrGeminiStatus),
		errors.Is(err, ErrGeminiEmptyResponse):
		return ErrorCategoryAPI
	default:
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryUnknown
	}
}

// UserContext is the Discord user information embedded in the system
// prompt so the model can address the user appropriately.
type UserContext struct {
	ID         string
	Username   string
	GlobalName string
	Nickname   string
	AvatarURL  string
}

// DisplayName returns the name the model should use for the user.
func (u UserContext) DisplayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     float32 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float32 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
	SafetySettings   []geminiSafetySetting  `json:"safetySettings"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

var defaultSafetySettings = []geminiSafetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
}

// Gemini is a client for the generative-language REST API. Outbound
// requests pass through a rate limiter so a burst of channel activity
// can't exhaust the API quota.
type Gemini struct {
	config         *GeminiConfig
	httpClient     *http.Client
	requestLimiter *rate.Limiter
	logger         *slog.Logger
}

func newGemini(config *GeminiConfig, httpClient *http.Client) *Gemini {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logLevel := config.LogLevel
	if logLevel == nil {
		logLevel = &slog.LevelVar{}
		logLevel.Set(DefaultGeminiLogLevel)
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultGeminiRequestsPerSec
	}
	return &Gemini{
		config:         config,
		httpClient:     httpClient,
		requestLimiter: rate.NewLimiter(rate.Limit(rps), rps),
		logger:         componentLogger("gemini", logLevel),
	}
}

func (g *Gemini) endpoint() string {
	return fmt.Sprintf(
		"%s/models/%s:generateContent?key=%s",
		strings.TrimSuffix(g.config.BaseURL, "/"),
		g.config.Model,
		url.QueryEscape(g.config.APIKey),
	)
}

// Generate sends a single-turn prompt to the model and returns the
// generated text. The caller is expected to bound ctx with a deadline.
func (g *Gemini) Generate(
	ctx context.Context,
	prompt string,
	user UserContext,
) (string, error) {
	request := geminiRequest{
		Contents: []geminiContent{
			{Parts: []geminiPart{{Text: systemPrompt(prompt, user)}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     g.config.Temperature,
			TopK:            g.config.TopK,
			TopP:            g.config.TopP,
			MaxOutputTokens: g.config.MaxOutputTokens,
		},
		SafetySettings: defaultSafetySettings,
	}
	return g.send(ctx, request)
}

// ClassifyStop asks the model whether a message signals the end of a
// conversation. Used only when the remote classifier is enabled.
func (g *Gemini) ClassifyStop(
	ctx context.Context,
	content string,
) (bool, error) {
	request := geminiRequest{
		Contents: []geminiContent{
			{
				Parts: []geminiPart{
					{
						Text: "Does the following Discord message signal " +
							"that the user wants to end the conversation? " +
							"Answer with exactly YES or NO.\n\nMessage: " +
							content,
					},
				},
			},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     0,
			TopK:            1,
			TopP:            0,
			MaxOutputTokens: 5,
		},
		SafetySettings: defaultSafetySettings,
	}
	answer, err := g.send(ctx, request)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(
		strings.ToUpper(strings.TrimSpace(answer)),
		"YES",
	), nil
}

func (g *Gemini) send(ctx context.Context, request geminiRequest) (
	string,
	error,
) {
	if err := g.requestLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait: %w", err)
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		g.endpoint(),
		bytes.NewReader(payload),
	)
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("error reading response body: %w", err)
	}

	g.logger.DebugContext(
		ctx,
		"gemini request finished",
		"status", resp.StatusCode,
		"duration", time.Since(started),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.logger.ErrorContext(
			ctx,
			"gemini API error",
			"status", resp.StatusCode,
			"body", truncateMessage(string(body), 500),
		)
		return "", fmt.Errorf(
			"%w: %d %s",
			ErrGeminiStatus,
			resp.StatusCode,
			http.StatusText(resp.StatusCode),
		)
	}

	var response geminiResponse
	if err = json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf(
			"%w: error unmarshaling response: %s",
			ErrGeminiEmptyResponse,
			err.Error(),
		)
	}

	if len(response.Candidates) == 0 ||
		len(response.Candidates[0].Content.Parts) == 0 {
		return "", ErrGeminiEmptyResponse
	}
	text := response.Candidates[0].Content.Parts[0].Text
	if strings.TrimSpace(text) == "" {
		return "", ErrGeminiEmptyResponse
	}
	return text, nil
}

// systemPrompt wraps the user's message with the assistant persona and
// the user's Discord details.
func systemPrompt(prompt string, user UserContext) string {
	var userInfo strings.Builder
	fmt.Fprintf(&userInfo, "Username: %s\n", user.Username)
	fmt.Fprintf(&userInfo, "User ID: %s\n", user.ID)
	fmt.Fprintf(&userInfo, "Display Name: %s", user.DisplayName())
	if user.AvatarURL != "" {
		fmt.Fprintf(&userInfo, "\nAvatar: %s", user.AvatarURL)
	}
	if user.Nickname != "" {
		fmt.Fprintf(&userInfo, "\nNickname: %s", user.Nickname)
	}

	return fmt.Sprintf(
		"You are Axis, a professional Discord bot designed specifically "+
			"for Roblox development assistance. Your role is to provide "+
			"expert guidance on Roblox Studio, Luau scripting, game "+
			"development patterns, optimization techniques, and development "+
			"best practices.\n\n"+
			"IMPORTANT GUIDELINES:\n"+
			"- Maintain a professional, serious tone at all times\n"+
			"- Never use emojis, especially happy or cheerful ones\n"+
			"- Be direct, clear, and technical in your responses\n"+
			"- Focus on providing accurate, actionable information\n"+
			"- Keep responses under 2000 characters due to Discord limits\n"+
			"- When providing code examples, use proper Luau syntax\n"+
			"- If you don't know something, state it directly rather than "+
			"guessing\n"+
			"- Address the user by their username when appropriate\n"+
			"- You can reference user information like their avatar, "+
			"nickname, and user ID when relevant\n\n"+
			"Current user information:\n%s\n\n"+
			"User message: %s",
		userInfo.String(),
		prompt,
	)
}
