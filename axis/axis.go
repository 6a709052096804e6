package axis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Set via ldflags at build time.
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

var defaultLogWriter io.Writer = os.Stdout

// Axis ties together the Discord gateway, the Gemini client, the
// conversation registry, guild settings persistence, and the admin API.
type Axis struct {
	config *Config

	logHandler slog.Handler
	logger     *slog.Logger

	db      *gorm.DB
	writeDB DBI

	discord *Discord
	session DiscordSessionHandler

	gemini *Gemini

	registry       *ConversationRegistry
	classifier     IntentClassifier
	messageHandler *MessageHandler
	guildSettings  *GuildSettingsStore

	api *apiServer

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once startup has finished
	signalReady chan struct{}

	// eventShutdown has a value sent on it when shutdown has finished
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time
}

// New assembles an Axis instance from the given config. Nothing touches
// the network or the filesystem until Run is called.
func New(config *Config) (*Axis, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	a := &Axis{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	a.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	a.logger = slog.New(a.logHandler)
	slog.SetDefault(a.logger)

	a.gemini = newGemini(config.Gemini, config.HTTPClient)

	config.Discord.httpClient = config.HTTPClient
	a.discord = newDiscord(config.Discord)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	a.registry = NewConversationRegistry(config.AI.ConversationTimeout)

	if config.AI.UseRemoteClassifier {
		a.classifier = NewRemoteClassifier(
			a.gemini,
			config.Gemini.ClassifyTimeout,
			a.logger,
		)
	} else {
		a.classifier = NewKeywordClassifier()
	}

	a.api = newAPIServer(a, config.API)

	if len(errs) > 0 {
		return a, errors.Join(errs...)
	}
	return a, nil
}

// ValidateConfig validates the static configuration.
func (a *Axis) ValidateConfig() error {
	err := structValidator.Struct(a.config)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		errs := make([]error, 0, len(validationErrors))
		for _, fieldErr := range validationErrors {
			errs = append(
				errs,
				fmt.Errorf(
					"invalid config field %q (rule: %s)",
					fieldErr.Namespace(),
					fieldErr.Tag(),
				),
			)
		}
		return errors.Join(errs...)
	}
	return err
}

// Run starts the bot and blocks until ctx is canceled or Stop is called.
func (a *Axis) Run(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	a.signalStop = make(chan struct{}, 1)
	a.startedAt = time.Now()
	logger := a.logger
	ctx = WithLogger(ctx, logger)

	if err := a.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.String("version", Version),
		slog.Any("config", a.config),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startupCtx, startupCancel := context.WithTimeout(
		ctx,
		a.config.StartupTimeout,
	)
	defer startupCancel()

	if err := a.init(startupCtx); err != nil {
		logger.Error("error initializing", tint.Err(err))
		return err
	}

	runtimeWG := &sync.WaitGroup{}

	apiListener, err := net.Listen(
		a.config.API.ListenNetwork,
		a.config.API.Listen,
	)
	if err != nil {
		return fmt.Errorf("error creating API listener: %w", err)
	}
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		a.api.Serve(ctx, apiListener)
	}()

	if err = a.startDiscord(ctx); err != nil {
		logger.Error("error starting discord session", tint.Err(err))
		return err
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		a.messageHandler.runSweeper(ctx)
	}()

	logger.InfoContext(ctx, "startup complete")
	a.signalReady <- struct{}{}

	select {
	case <-ctx.Done():
		logger.Warn("context canceled, shutting down")
	case <-a.signalStop:
		logger.Warn("received stop signal, shutting down")
	}

	cancel()
	a.shutdown()
	runtimeWG.Wait()
	a.eventShutdown <- struct{}{}
	return nil
}

// Stop signals a running bot to shut down gracefully.
func (a *Axis) Stop() {
	select {
	case a.signalStop <- struct{}{}:
	default:
	}
}

// init opens the database, runs migrations, and loads the guild settings
// cache.
func (a *Axis) init(ctx context.Context) error {
	db, err := CreateDB(ctx, a.config)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	a.db = db
	a.writeDB = NewDatabase(
		db,
		a.logger,
		a.config.DatabaseType == dbTypePostgres,
	)

	a.guildSettings = NewGuildSettingsStore(a.writeDB, a.logger)
	if err = a.guildSettings.Load(ctx); err != nil {
		return err
	}

	a.messageHandler = NewMessageHandler(
		a.registry,
		a.classifier,
		a.gemini,
		a.guildSettings,
		a.config.AI,
		a.config.Gemini.GenerateTimeout,
		a.logger,
	)
	return nil
}

// startDiscord opens the gateway session, attaches event handlers, and
// registers slash commands.
func (a *Axis) startDiscord(ctx context.Context) error {
	a.discord.messageHandler = a.messageHandler

	session, err := a.discord.newSession()
	if err != nil {
		return err
	}
	a.session = session
	a.discord.session = session

	a.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(a.discord.handlerReady(ctx)),
		session.AddHandler(a.discord.handlerConnect(ctx)),
		session.AddHandler(a.discord.handlerDisconnect(ctx)),
		session.AddHandler(a.messageHandler.handlerFunc(ctx, session)),
		session.AddHandler(a.handlerInteractionCreate(ctx)),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if _, err = a.registerCommands(session); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	return nil
}

// shutdown closes the discord session and stops the API server.
func (a *Axis) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		a.config.ShutdownTimeout,
	)
	defer cancel()

	if a.session != nil {
		for _, removeHandler := range a.discord.discordgoRemoveHandlerFuncs {
			removeHandler()
		}
		if err := a.session.Close(); err != nil {
			a.logger.Error("error closing discord session", tint.Err(err))
		}
	}

	if a.api != nil {
		if err := a.api.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down API server", tint.Err(err))
		}
	}

	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	a.logger.Info("shutdown complete")
}
