package axis

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSession implements DiscordSessionHandler, recording replies.
type mockSession struct {
	mu          sync.Mutex
	replies     []string
	typingCalls int
	failSend    bool
}

func (m *mockSession) Open() error  { return nil }
func (m *mockSession) Close() error { return nil }

func (m *mockSession) ChannelMessageSend(
	_ string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return m.record(message)
}

func (m *mockSession) ChannelMessageSendReply(
	_ string,
	content string,
	_ *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return m.record(content)
}

func (m *mockSession) record(content string) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend {
		return nil, errors.New("send failed")
	}
	m.replies = append(m.replies, content)
	return &discordgo.Message{Content: content}, nil
}

func (m *mockSession) ChannelTyping(
	_ string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typingCalls++
	return nil
}

func (m *mockSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (m *mockSession) InteractionRespond(
	_ *discordgo.Interaction,
	_ *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	return nil
}

func (m *mockSession) Guild(
	_ string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	return nil, errors.New("not implemented")
}

func (m *mockSession) UpdateCustomStatus(_ string) error { return nil }

func (m *mockSession) AddHandler(_ any) func() { return func() {} }

func (m *mockSession) HeartbeatLatency() float64 { return 0.05 }

func (m *mockSession) SetHTTPClient(_ *http.Client) {}

func (m *mockSession) SetLogLevel(_ slog.Level) error { return nil }

func (m *mockSession) sentReplies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.replies))
	copy(out, m.replies)
	return out
}

// stubGenerator implements ResponseGenerator.
type stubGenerator struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
}

func (s *stubGenerator) Generate(
	_ context.Context,
	_ string,
	_ UserContext,
) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.response, s.err
}

func (s *stubGenerator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestHandler(
	t *testing.T,
	generator ResponseGenerator,
) (*MessageHandler, *ConversationRegistry, *GuildSettingsStore) {
	t.Helper()
	registry := NewConversationRegistry(time.Minute)
	store := NewGuildSettingsStore(nil, nil)
	handler := NewMessageHandler(
		registry,
		NewKeywordClassifier(),
		generator,
		store,
		&AIConfig{
			BotName:             DefaultBotName,
			ConversationTimeout: time.Minute,
			SweepInterval:       time.Minute,
		},
		time.Second,
		slog.Default(),
	)
	return handler, registry, store
}

func newTestMessage(channelID, userID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "message-id",
			ChannelID: channelID,
			Content:   content,
			Author: &discordgo.User{
				ID:       userID,
				Username: "someone",
			},
		},
	}
}

func TestMessageHandlerConversationFlow(t *testing.T) {
	t.Parallel()
	generator := &stubGenerator{response: "use DataStoreService"}
	handler, registry, _ := newTestHandler(t, generator)
	session := &mockSession{}
	ctx := context.Background()

	// first message triggers via keywords and starts a conversation
	handler.handleMessage(
		ctx,
		session,
		newTestMessage("channel-1", "user-u", "hey axis, how do I use datastores?"),
	)
	require.True(t, registry.HasActive("channel-1", "user-u"))
	require.Equal(t, 1, generator.callCount())

	// follow-up doesn't need any trigger while the conversation is active
	handler.handleMessage(
		ctx,
		session,
		newTestMessage("channel-1", "user-u", "and how do I save tables?"),
	)
	assert.Equal(t, 2, generator.callCount())
	assert.Len(t, session.sentReplies(), 2)

	// an unrelated message from another user evicts the conversation
	// without a response
	handler.handleMessage(
		ctx,
		session,
		newTestMessage("channel-1", "user-v", "nice weather today"),
	)
	assert.Equal(t, 2, generator.callCount())
	assert.Len(t, session.sentReplies(), 2)
	assert.False(t, registry.HasActive("channel-1", "user-u"))
	assert.False(t, registry.HasActive("channel-1", "user-v"))
	assert.Equal(t, 0, registry.Len())
}

func TestMessageHandlerStopMessage(t *testing.T) {
	t.Parallel()
	generator := &stubGenerator{response: "sure"}
	handler, registry, _ := newTestHandler(t, generator)
	session := &mockSession{}
	ctx := context.Background()

	registry.Start("channel-1", "user-u")
	handler.handleMessage(
		ctx,
		session,
		newTestMessage("channel-1", "user-u", "ok thanks"),
	)

	assert.False(t, registry.HasActive("channel-1", "user-u"))
	assert.Zero(t, generator.callCount())
	replies := session.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, conversationEndedMessage, replies[0])
}

func TestMessageHandlerStopOnlyAppliesToActiveConversation(t *testing.T) {
	t.Parallel()
	generator := &stubGenerator{response: "sure"}
	handler, registry, _ := newTestHandler(t, generator)
	session := &mockSession{}

	// "bye" from a user with no conversation is just an ordinary
	// non-triggering message
	handler.handleMessage(
		context.Background(),
		session,
		newTestMessage("channel-1", "user-u", "bye"),
	)
	assert.Empty(t, session.sentReplies())
	assert.Equal(t, 0, registry.Len())
}

func TestMessageHandlerGenerationFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "timeout",
			err:      context.DeadlineExceeded,
			expected: fallbackTimeoutMessage,
		},
		{
			name:     "api error",
			err:      ErrGeminiStatus,
			expected: fallbackAPIMessage,
		},
		{
			name:     "unknown",
			err:      errors.New("boom"),
			expected: fallbackUnknownMessage,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			generator := &stubGenerator{err: tt.err}
			handler, registry, _ := newTestHandler(t, generator)
			session := &mockSession{}

			handler.handleMessage(
				context.Background(),
				session,
				newTestMessage("channel-1", "user-u", "hey axis, explain datastores"),
			)

			replies := session.sentReplies()
			require.Len(t, replies, 1)
			assert.Equal(t, tt.expected, replies[0])
			// failed generations evict the conversation so the user
			// isn't stuck talking to a broken backend
			assert.False(t, registry.HasActive("channel-1", "user-u"))
		})
	}
}

func TestMessageHandlerDeliveryFailureEvicts(t *testing.T) {
	t.Parallel()
	generator := &stubGenerator{response: "a reply"}
	handler, registry, _ := newTestHandler(t, generator)
	session := &mockSession{failSend: true}

	handler.handleMessage(
		context.Background(),
		session,
		newTestMessage("channel-1", "user-u", "hey axis, explain datastores"),
	)
	assert.False(t, registry.HasActive("channel-1", "user-u"))
}

func TestMessageHandlerTruncatesLongResponses(t *testing.T) {
	t.Parallel()
	generator := &stubGenerator{
		response: strings.Repeat("a", discordMaxMessageLength+500),
	}
	handler, _, _ := newTestHandler(t, generator)
	session := &mockSession{}

	handler.handleMessage(
		context.Background(),
		session,
		newTestMessage("channel-1", "user-u", "hey axis, explain datastores"),
	)

	replies := session.sentReplies()
	require.Len(t, replies, 1)
	assert.Len(t, replies[0], discordMaxMessageLength)
	assert.True(t, strings.HasSuffix(replies[0], truncationMarker))
}

func TestMessageHandlerBareGreeting(t *testing.T) {
	t.Parallel()
	generator := &stubGenerator{response: "a reply"}
	handler, registry, _ := newTestHandler(t, generator)
	session := &mockSession{}

	handler.handleMessage(
		context.Background(),
		session,
		newTestMessage("channel-1", "user-u", "hey axis"),
	)

	replies := session.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, emptyQueryGreeting, replies[0])
	assert.Zero(t, generator.callCount())
	// the conversation still starts, so a follow-up gets answered
	assert.True(t, registry.HasActive("channel-1", "user-u"))
}

func TestMessageHandlerIgnoresBots(t *testing.T) {
	t.Parallel()
	generator := &stubGenerator{response: "a reply"}
	handler, registry, _ := newTestHandler(t, generator)
	session := &mockSession{}

	m := newTestMessage("channel-1", "bot-user", "hey axis help")
	m.Author.Bot = true
	handler.handleMessage(context.Background(), session, m)

	assert.Empty(t, session.sentReplies())
	assert.Equal(t, 0, registry.Len())
}

func TestMessageHandlerGuildModeOff(t *testing.T) {
	t.Parallel()
	generator := &stubGenerator{response: "a reply"}
	handler, registry, store := newTestHandler(t, generator)
	session := &mockSession{}

	store.settings["guild-1"] = GuildAISettings{
		GuildID: "guild-1",
		Mode:    AIModeOff,
	}

	m := newTestMessage("channel-1", "user-u", "hey axis help with a script")
	m.GuildID = "guild-1"
	handler.handleMessage(context.Background(), session, m)

	assert.Empty(t, session.sentReplies())
	assert.Equal(t, 0, registry.Len())
}

func TestMessageHandlerGuildModeSpecific(t *testing.T) {
	t.Parallel()
	generator := &stubGenerator{response: "a reply"}
	handler, registry, store := newTestHandler(t, generator)
	session := &mockSession{}

	settings := GuildAISettings{GuildID: "guild-1", Mode: AIModeSpecific}
	settings.SetAllowedChannelIDs([]string{"channel-allowed"})
	store.settings["guild-1"] = settings

	blocked := newTestMessage("channel-other", "user-u", "hey axis help")
	blocked.GuildID = "guild-1"
	handler.handleMessage(context.Background(), session, blocked)
	assert.Empty(t, session.sentReplies())

	allowed := newTestMessage(
		"channel-allowed",
		"user-u",
		"hey axis, explain datastores",
	)
	allowed.GuildID = "guild-1"
	handler.handleMessage(context.Background(), session, allowed)
	assert.Len(t, session.sentReplies(), 1)
	assert.True(t, registry.HasActive("channel-allowed", "user-u"))
}
