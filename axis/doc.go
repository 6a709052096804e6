// Package axis implements a Discord bot that bridges the Discord gateway to
// Google's Gemini generative-language API, providing Roblox development
// assistance in text channels.
//
// Rather than requiring a slash command for every prompt, Axis watches
// regular channel messages and decides when to engage: a message that
// mentions the bot, or that looks like a Roblox/Luau help request, starts a
// conversation. While a conversation is active, every message from that user
// in that channel is answered, until the user says goodbye, the conversation
// idles out, or another user takes over the channel.
//
// Key components:
//
//   - Axis: the main struct tying together Discord, Gemini, the database,
//     and the admin API.
//   - ConversationRegistry: per-channel active-conversation tracking with
//     time-based expiry and eviction on user mismatch.
//   - IntentClassifier: heuristics deciding whether a message should start
//     or end a conversation.
//   - Gemini: the generative-language REST client.
//   - API: a small gin backend for health checks and guild settings.
//
// The bot supports slash commands:
//
//   - /ping: connection latency
//   - /serverinfo: guild details
//   - /membercount: guild member count
//   - /ai-status: the caller's conversation status in the current channel
//   - /ai-clear: end the caller's conversation in the current channel
//   - /ai-config: per-guild AI enablement (off/global/specific channels)
//
// Conversation state is in-memory only and does not survive restarts.
// Per-guild settings persist to SQLite or PostgreSQL.
package axis
