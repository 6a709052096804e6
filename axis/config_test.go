package axis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	config := DefaultConfig()
	config.Discord.Token = "discord-token"
	config.Discord.ApplicationID = "1234567890"
	config.Gemini.APIKey = "gemini-key"
	return config
}

func TestDefaultConfigRequiresCredentials(t *testing.T) {
	t.Parallel()
	err := structValidator.Struct(DefaultConfig())
	assert.Error(t, err)
}

func TestValidConfigPasses(t *testing.T) {
	t.Parallel()
	assert.NoError(t, structValidator.Struct(validTestConfig()))
}

func TestConfigValidationCatchesBadValues(t *testing.T) {
	t.Parallel()

	config := validTestConfig()
	config.DatabaseType = "mongodb"
	assert.Error(t, structValidator.Struct(config))

	config = validTestConfig()
	config.AI.ConversationTimeout = 0
	assert.Error(t, structValidator.Struct(config))

	config = validTestConfig()
	config.Gemini.BaseURL = "not a url"
	assert.Error(t, structValidator.Struct(config))

	config = validTestConfig()
	config.API.ListenNetwork = "carrier-pigeon"
	assert.Error(t, structValidator.Struct(config))
}

func TestDefaultConfigValues(t *testing.T) {
	t.Parallel()
	config := DefaultConfig()
	require.NotNil(t, config.AI)
	require.NotNil(t, config.Gemini)
	require.NotNil(t, config.Discord)
	require.NotNil(t, config.API)

	assert.Equal(t, DefaultBotName, config.AI.BotName)
	assert.Equal(t, DefaultConversationTimeout, config.AI.ConversationTimeout)
	assert.Equal(t, DefaultSweepInterval, config.AI.SweepInterval)
	assert.False(t, config.AI.UseRemoteClassifier)
	assert.Equal(t, DefaultGeminiModel, config.Gemini.Model)
	assert.Equal(t, DefaultAPIListen, config.API.Listen)
	assert.Equal(t, DefaultLogLevel, config.LogLevel.Level())
}
