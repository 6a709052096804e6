package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/LainPM/AxisDiscordBot/axis"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = axis.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "axis [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes log level strings into *slog.LevelVar
// fields during viper unmarshaling.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", axis.DefaultDatabase)
	viper.SetDefault("database_type", axis.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		axis.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		axis.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", axis.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", axis.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", axis.DefaultShutdownTimeout)

	// AI / conversation config
	viper.SetDefault("ai.bot_name", axis.DefaultBotName)
	viper.SetDefault(
		"ai.conversation_timeout",
		axis.DefaultConversationTimeout,
	)
	viper.SetDefault("ai.sweep_interval", axis.DefaultSweepInterval)
	viper.SetDefault("ai.use_remote_classifier", false)

	// Gemini config
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.model", axis.DefaultGeminiModel)
	viper.SetDefault("gemini.base_url", axis.DefaultGeminiBaseURL)
	viper.SetDefault("gemini.generate_timeout", axis.DefaultGenerateTimeout)
	viper.SetDefault("gemini.classify_timeout", axis.DefaultClassifyTimeout)
	viper.SetDefault(
		"gemini.max_output_tokens",
		axis.DefaultGeminiMaxOutputTokens,
	)
	viper.SetDefault("gemini.temperature", axis.DefaultGeminiTemperature)
	viper.SetDefault("gemini.top_k", axis.DefaultGeminiTopK)
	viper.SetDefault("gemini.top_p", axis.DefaultGeminiTopP)
	viper.SetDefault(
		"gemini.requests_per_second",
		axis.DefaultGeminiRequestsPerSec,
	)
	viper.SetDefault("gemini.log_level", axis.DefaultGeminiLogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.startup_message",
		axis.DefaultDiscordStartupMessage,
	)
	viper.SetDefault(
		"discord.custom_status",
		axis.DefaultDiscordCustomStatus,
	)
	viper.SetDefault(
		"discord.log_level",
		axis.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		axis.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		axis.DefaultDiscordGatewayIntent,
	)

	// API config
	viper.SetDefault("api.listen", axis.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", axis.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", axis.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		axis.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", axis.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", axis.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", axis.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", axis.DefaultCORSAllowMethods)
	viper.SetDefault(
		"api.cors.expose_headers",
		axis.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", axis.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		axis.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(axis.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = axis.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"gemini.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
