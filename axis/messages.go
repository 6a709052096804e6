package axis

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// ResponseGenerator produces a reply for a user's message. Implemented by
// Gemini, and by stubs in tests.
type ResponseGenerator interface {
	Generate(ctx context.Context, prompt string, user UserContext) (
		string,
		error,
	)
}

// MessageHandler runs the conversation lifecycle for incoming channel
// messages: deciding whether to respond, tracking the active conversation
// per channel, and delivering generated replies.
type MessageHandler struct {
	registry        *ConversationRegistry
	classifier      IntentClassifier
	generator       ResponseGenerator
	guildSettings   *GuildSettingsStore
	botName         string
	generateTimeout time.Duration
	sweepInterval   time.Duration
	logger          *slog.Logger

	// lastSweep is the UnixNano of the last opportunistic sweep, used to
	// rate-limit sweeps triggered by message traffic
	lastSweep atomic.Int64

	// botUserID is set once the gateway session is ready, so the bot
	// never answers itself
	botUserID atomic.Value
}

// NewMessageHandler wires the lifecycle manager together.
func NewMessageHandler(
	registry *ConversationRegistry,
	classifier IntentClassifier,
	generator ResponseGenerator,
	guildSettings *GuildSettingsStore,
	config *AIConfig,
	generateTimeout time.Duration,
	logger *slog.Logger,
) *MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if generateTimeout <= 0 {
		generateTimeout = DefaultGenerateTimeout
	}
	sweepInterval := config.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &MessageHandler{
		registry:        registry,
		classifier:      classifier,
		generator:       generator,
		guildSettings:   guildSettings,
		botName:         config.BotName,
		generateTimeout: generateTimeout,
		sweepInterval:   sweepInterval,
		logger:          logger.With(loggerNameKey, "messages"),
	}
}

func (h *MessageHandler) setBotUserID(id string) {
	h.botUserID.Store(id)
}

func (h *MessageHandler) isSelf(userID string) bool {
	botID, _ := h.botUserID.Load().(string)
	return botID != "" && botID == userID
}

// handlerFunc returns the discordgo MessageCreate handler. Each message is
// processed in its own goroutine so a slow generation call never blocks
// the gateway event loop.
func (h *MessageHandler) handlerFunc(
	ctx context.Context,
	session DiscordSessionHandler,
) func(*discordgo.Session, *discordgo.MessageCreate) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		go h.handleMessage(ctx, session, m)
	}
}

func (h *MessageHandler) handleMessage(
	ctx context.Context,
	session DiscordSessionHandler,
	m *discordgo.MessageCreate,
) {
	if m.Author == nil || m.Author.Bot || h.isSelf(m.Author.ID) {
		return
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}
	if !h.guildSettings.MessageEligible(m.GuildID, m.ChannelID) {
		return
	}

	h.maybeSweep(ctx)

	logger := h.logger.With(messageLogAttrs(m)...)
	ctx = WithLogger(ctx, logger)

	channelID := m.ChannelID
	userID := m.Author.ID
	active := h.registry.HasActive(channelID, userID)

	if active && h.classifier.ShouldStop(ctx, content) {
		h.registry.End(channelID, userID)
		h.reply(ctx, session, m, conversationEndedMessage)
		logger.InfoContext(ctx, "conversation ended by user")
		return
	}

	// Refresh the conversation if this user holds it, or evict it if a
	// different user is now speaking in the channel.
	h.registry.Touch(channelID, userID)

	if !active && !h.classifier.ShouldStart(content, h.botName) {
		return
	}

	if !active {
		h.registry.Start(channelID, userID)
		logger.InfoContext(ctx, "conversation started")
	}

	if !active && h.isBareGreeting(content) {
		h.reply(ctx, session, m, emptyQueryGreeting)
		return
	}

	if err := session.ChannelTyping(channelID); err != nil {
		logger.DebugContext(ctx, "typing indicator failed", tint.Err(err))
	}

	genCtx, cancel := context.WithTimeout(ctx, h.generateTimeout)
	defer cancel()

	response, err := h.generator.Generate(genCtx, content, userContextFor(m))
	if err != nil {
		category := categorizeError(err)
		logger.ErrorContext(
			ctx,
			"generation failed",
			"category", category,
			tint.Err(err),
		)
		h.reply(ctx, session, m, category.FallbackMessage())
		h.registry.End(channelID, userID)
		return
	}

	if !h.reply(
		ctx,
		session,
		m,
		truncateMessage(response, discordMaxMessageLength),
	) {
		h.registry.End(channelID, userID)
		return
	}
	h.registry.Touch(channelID, userID)
}

// reply sends a message as a reply to m, reporting success.
func (h *MessageHandler) reply(
	ctx context.Context,
	session DiscordSessionHandler,
	m *discordgo.MessageCreate,
	content string,
) bool {
	_, err := session.ChannelMessageSendReply(
		m.ChannelID,
		content,
		m.Reference(),
	)
	if err != nil {
		logger, ok := ContextLogger(ctx)
		if !ok {
			logger = h.logger
		}
		logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
		return false
	}
	return true
}

// isBareGreeting reports whether the message is only a greeting directed
// at the bot, with no actual question. Those get a canned greeting rather
// than a generation call.
func (h *MessageHandler) isBareGreeting(content string) bool {
	remainder := strings.ToLower(content)
	remainder = strings.ReplaceAll(
		remainder,
		strings.ToLower(h.botName),
		" ",
	)
	remainder = strings.Map(
		func(r rune) rune {
			switch r {
			case '!', '?', '.', ',':
				return ' '
			}
			return r
		},
		remainder,
	)
	for _, word := range strings.Fields(remainder) {
		switch word {
		case "hey", "hi", "hello", "yo", "sup":
		default:
			return false
		}
	}
	return true
}

// maybeSweep runs an expiry sweep in the background if one hasn't run
// within the sweep interval. CAS on the timestamp keeps concurrent
// messages from stacking sweeps.
func (h *MessageHandler) maybeSweep(ctx context.Context) {
	now := time.Now().UnixNano()
	last := h.lastSweep.Load()
	if now-last < h.sweepInterval.Nanoseconds() {
		return
	}
	if !h.lastSweep.CompareAndSwap(last, now) {
		return
	}
	go func() {
		if removed := h.registry.Sweep(); removed > 0 {
			h.logger.InfoContext(
				ctx,
				"swept expired conversations",
				"removed", removed,
			)
		}
	}()
}

// runSweeper periodically sweeps expired conversations until ctx is
// cancelled, independent of message traffic.
func (h *MessageHandler) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.lastSweep.Store(time.Now().UnixNano())
			if removed := h.registry.Sweep(); removed > 0 {
				h.logger.InfoContext(
					ctx,
					"swept expired conversations",
					"removed", removed,
				)
			}
		}
	}
}

func userContextFor(m *discordgo.MessageCreate) UserContext {
	user := UserContext{
		ID:         m.Author.ID,
		Username:   m.Author.Username,
		GlobalName: m.Author.GlobalName,
		AvatarURL:  m.Author.AvatarURL(""),
	}
	if m.Member != nil {
		user.Nickname = m.Member.Nick
	}
	return user
}
