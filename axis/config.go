package axis

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "AXIS_ENV_PREFIX"
	DefaultEnvPrefix   = "AXIS"

	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "axis.sqlite3"

	DefaultLogLevel          = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultGeminiLogLevel    = slog.LevelInfo
	DefaultDatabaseLogLevel  = slog.LevelInfo
	DefaultAPILogLevel       = slog.LevelInfo

	DefaultStartupTimeout        = 30 * time.Second
	DefaultShutdownTimeout       = 60 * time.Second
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultBotName = "Axis"

	// DefaultConversationTimeout is how long a conversation may idle before
	// the sweeper removes it.
	DefaultConversationTimeout = 30 * time.Minute

	// DefaultSweepInterval is how often the background sweeper checks for
	// expired conversations.
	DefaultSweepInterval = time.Minute

	DefaultGeminiModel           = "gemini-1.5-flash-latest"
	DefaultGeminiBaseURL         = "https://generativelanguage.googleapis.com/v1beta"
	DefaultGenerateTimeout       = 15 * time.Second
	DefaultClassifyTimeout       = 8 * time.Second
	DefaultGeminiMaxOutputTokens = 1000
	DefaultGeminiTemperature     = 0.3
	DefaultGeminiTopK            = 20
	DefaultGeminiTopP            = 0.8
	DefaultGeminiRequestsPerSec  = 1

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentMessageContent

	DefaultDiscordCustomStatus   = "over everything."
	DefaultDiscordStartupMessage = "I'm here!"

	// discordMaxMessageLength is the Discord message size limit. Replies
	// longer than this are truncated with truncationMarker appended.
	discordMaxMessageLength = 2000
	truncationMarker        = "..."

	DefaultAPIListen               = "127.0.0.1:5000"
	defaultListenNetwork           = "tcp"
	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPICORSAllowCredentials = true
)

// User-facing reply strings. The lifecycle manager picks a fallback by
// error category, and always evicts the conversation alongside it.
const (
	conversationEndedMessage = "Conversation ended. Feel free to reach out " +
		"again if you need assistance with Roblox development."
	fallbackTimeoutMessage = "Request timed out. Please try again."
	fallbackAPIMessage     = "I'm experiencing technical difficulties. " +
		"Please try again later."
	fallbackUnknownMessage = "I'm having trouble processing your request right now."
	emptyQueryGreeting     = "Hey there! How can I help you today?"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPut,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"Cache-Control",
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// structValidator validates Config and update payloads via binding tags.
var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.SetTagName("binding")
	return v
}

// Config is the static (start-time) configuration for the bot.
type Config struct {
	// Database connection string (sqlite path or postgres DSN)
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot has to initialize before
	// startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After
	// this elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// AI configures conversation tracking and intent heuristics
	AI *AIConfig `yaml:"ai" mapstructure:"ai" json:"ai"`

	// Gemini configures the generative-language API client
	Gemini *GeminiConfig `yaml:"gemini" mapstructure:"gemini" json:"gemini"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// API configures the backend admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// AIConfig configures the conversation lifecycle manager and the
// intent classifier.
type AIConfig struct {
	// BotName is the display name the classifier matches for direct
	// mentions ("hey axis", "axis help", ...)
	BotName string `yaml:"bot_name" mapstructure:"bot_name" json:"bot_name" binding:"required"`

	// ConversationTimeout is the idle duration after which an active
	// conversation expires
	ConversationTimeout time.Duration `yaml:"conversation_timeout" mapstructure:"conversation_timeout" json:"conversation_timeout" binding:"min=1s"`

	// SweepInterval is the interval of the background expiry sweeper
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval" binding:"min=1s"`

	// UseRemoteClassifier delegates stop-intent detection to the Gemini
	// classify call, falling back to local heuristics on failure. Local
	// heuristics alone are the default: lower latency, no extra network
	// dependency.
	UseRemoteClassifier bool `yaml:"use_remote_classifier" mapstructure:"use_remote_classifier" json:"use_remote_classifier"`
}

// GeminiConfig configures Gemini API integration and generation parameters
type GeminiConfig struct {
	// Gemini API key
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]" binding:"required"`

	// Model name (e.g. "gemini-1.5-flash-latest")
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// BaseURL for the generative-language API
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	// GenerateTimeout bounds a single generateContent call
	GenerateTimeout time.Duration `yaml:"generate_timeout" mapstructure:"generate_timeout" json:"generate_timeout" binding:"min=1s"`

	// ClassifyTimeout bounds a single classification call
	ClassifyTimeout time.Duration `yaml:"classify_timeout" mapstructure:"classify_timeout" json:"classify_timeout" binding:"min=1s"`

	// MaxOutputTokens caps the generated response size
	MaxOutputTokens int `yaml:"max_output_tokens" mapstructure:"max_output_tokens" json:"max_output_tokens" binding:"min=1"`

	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`
	TopK        int     `yaml:"top_k" mapstructure:"top_k" json:"top_k"`
	TopP        float32 `yaml:"top_p" mapstructure:"top_p" json:"top_p"`

	// RequestsPerSecond is the outbound API rate limit
	RequestsPerSecond int `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"min=1"`

	// Gemini base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// NotificationChannelID, if set, receives StartupMessage whenever the
	// bot connects to the discord gateway.
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// StartupMessage is sent to NotificationChannelID on connect
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus is the bot's custom status ('Watching ...')
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// APIConfig configures the backend admin API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	geminiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	geminiLogLevel.Set(DefaultGeminiLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		AI: &AIConfig{
			BotName:             DefaultBotName,
			ConversationTimeout: DefaultConversationTimeout,
			SweepInterval:       DefaultSweepInterval,
		},
		Gemini: &GeminiConfig{
			Model:             DefaultGeminiModel,
			BaseURL:           DefaultGeminiBaseURL,
			GenerateTimeout:   DefaultGenerateTimeout,
			ClassifyTimeout:   DefaultClassifyTimeout,
			MaxOutputTokens:   DefaultGeminiMaxOutputTokens,
			Temperature:       DefaultGeminiTemperature,
			TopK:              DefaultGeminiTopK,
			TopP:              DefaultGeminiTopP,
			RequestsPerSecond: DefaultGeminiRequestsPerSec,
			LogLevel:          geminiLogLevel,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
