package axis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// IntentClassifier decides when a message should open a conversation and
// when a message inside a conversation should close it.
type IntentClassifier interface {
	// ShouldStart reports whether a message from a user with no active
	// conversation warrants a response.
	ShouldStart(content string, botName string) bool

	// ShouldStop reports whether a message inside an active conversation
	// signals the user is finished.
	ShouldStop(ctx context.Context, content string) bool
}

// directMentionFormats are filled in with the lowercased bot name. A bare
// name match is also checked separately.
var directMentionFormats = []string{
	"hey %s",
	"hi %s",
	"hello %s",
	"%s help",
	"help %s",
}

// devKeywords mark a message as Roblox/game-development related.
var devKeywords = []string{
	"roblox", "luau", "script", "scripting", "studio", "rbx", "remote event",
	"remote function", "datastore", "leaderstats", "gui", "screengu",
	"local script", "server script", "game development", "rbxasset",
}

// helpPhrases mark a message as a request for assistance.
var helpPhrases = []string{
	"help me", "can you help", "i need help", "how do i", "how to",
	"what is", "explain", "show me", "teach me", "can you",
	"do you know", "question about",
}

// stopPhrases end a conversation when matched exactly, as a prefix
// followed by a space, or as a suffix preceded by a space.
var stopPhrases = []string{
	"bye", "goodbye", "see ya", "see you", "cya", "later",
	"that's all", "thats all", "i'm done", "im done", "done",
	"thanks that's all", "thanks thats all", "thank you that's all",
	"no more questions", "stop", "quit", "exit", "leave me alone",
	"end conversation", "nevermind", "never mind", "forget it",
}

// shortThanksLimit bounds the "final thanks" closure heuristic: longer
// messages containing thanks usually carry a follow-up question.
const shortThanksLimit = 50

// keywordClassifier implements IntentClassifier with local substring
// heuristics. It needs no network and never fails, so it also serves as
// the fallback for remoteClassifier.
type keywordClassifier struct{}

// NewKeywordClassifier returns the default, purely local classifier.
func NewKeywordClassifier() IntentClassifier {
	return keywordClassifier{}
}

func (keywordClassifier) ShouldStart(content string, botName string) bool {
	contentLower := strings.TrimSpace(strings.ToLower(content))
	botNameLower := strings.ToLower(botName)

	hasDirectMention := strings.Contains(contentLower, botNameLower)
	if !hasDirectMention {
		for _, format := range directMentionFormats {
			if strings.Contains(
				contentLower,
				fmt.Sprintf(format, botNameLower),
			) {
				hasDirectMention = true
				break
			}
		}
	}

	hasDevKeyword := containsAny(contentLower, devKeywords)
	hasHelpRequest := containsAny(contentLower, helpPhrases)

	return hasDirectMention ||
		(hasHelpRequest && hasDevKeyword) ||
		(len(contentLower) > 10 && hasDevKeyword &&
			strings.Contains(contentLower, "?"))
}

func (keywordClassifier) ShouldStop(_ context.Context, content string) bool {
	contentLower := strings.TrimSpace(strings.ToLower(content))

	for _, phrase := range stopPhrases {
		if contentLower == phrase ||
			strings.HasPrefix(contentLower, phrase+" ") ||
			strings.HasSuffix(contentLower, " "+phrase) {
			return true
		}
	}

	// A short thank-you with no follow-up question also closes the
	// conversation.
	hasThanks := strings.Contains(contentLower, "thank") ||
		strings.Contains(contentLower, "thx") ||
		strings.Contains(contentLower, " ty ")
	return hasThanks &&
		!strings.Contains(contentLower, "?") &&
		!strings.Contains(contentLower, "how") &&
		!strings.Contains(contentLower, "what") &&
		!strings.Contains(contentLower, "can you") &&
		!strings.Contains(contentLower, "help") &&
		len(contentLower) < shortThanksLimit
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// StopClassifier is the narrow interface remoteClassifier needs from the
// generation backend.
type StopClassifier interface {
	ClassifyStop(ctx context.Context, content string) (bool, error)
}

// remoteClassifier delegates stop detection to the generation backend,
// with a bounded timeout, and falls back to local heuristics on any
// error. Start detection stays local: it runs on every channel message,
// which is far too hot a path for a network call.
type remoteClassifier struct {
	local      IntentClassifier
	classifier StopClassifier
	timeout    time.Duration
	logger     *slog.Logger
}

// NewRemoteClassifier wraps the local classifier with backend-assisted
// stop detection.
func NewRemoteClassifier(
	classifier StopClassifier,
	timeout time.Duration,
	logger *slog.Logger,
) IntentClassifier {
	if timeout <= 0 {
		timeout = DefaultClassifyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &remoteClassifier{
		local:      NewKeywordClassifier(),
		classifier: classifier,
		timeout:    timeout,
		logger:     logger,
	}
}

func (r *remoteClassifier) ShouldStart(content string, botName string) bool {
	return r.local.ShouldStart(content, botName)
}

func (r *remoteClassifier) ShouldStop(
	ctx context.Context,
	content string,
) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	stop, err := r.classifier.ClassifyStop(ctx, content)
	if err != nil {
		r.logger.WarnContext(
			ctx,
			"remote stop classification failed, using local heuristics",
			"error", err,
		)
		return r.local.ShouldStop(ctx, content)
	}
	return stop
}
