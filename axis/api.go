package axis

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// apiServer is a small backend for health checks, inspecting live
// conversations, and managing per-guild AI settings. It listens on
// loopback by default.
type apiServer struct {
	axis       *Axis
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
}

func newAPIServer(a *Axis, config *APIConfig) *apiServer {
	logLevel := config.LogLevel
	if logLevel == nil {
		logLevel = &slog.LevelVar{}
		logLevel.Set(DefaultAPILogLevel)
	}
	logger := componentLogger("api", logLevel)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(apiRequestLogger(logger))
	if len(config.CORS.AllowOrigins) > 0 {
		engine.Use(cors.New(config.CORS.GINConfig()))
	}

	server := &apiServer{
		axis:   a,
		config: config,
		engine: engine,
		logger: logger,
	}
	server.registerRoutes()

	server.httpServer = &http.Server{
		Handler:           engine,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return server
}

func apiRequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Info(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(started),
			"client_ip", c.ClientIP(),
		)
	}
}

func (s *apiServer) registerRoutes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.getHealth)
	api.GET("/conversations", s.getConversations)
	api.GET("/guilds/:guild_id/ai", s.getGuildAISettings)
	api.PUT("/guilds/:guild_id/ai", s.updateGuildAISettings)
}

// Serve runs the HTTP server on the given listener until ctx is canceled.
func (s *apiServer) Serve(ctx context.Context, listener net.Listener) {
	s.logger.InfoContext(
		ctx,
		"API server listening",
		"address", listener.Addr().String(),
	)
	err := s.httpServer.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.ErrorContext(ctx, "API server error", tint.Err(err))
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *apiServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status              string `json:"status"`
	Version             string `json:"version"`
	DiscordConnected    bool   `json:"discord_connected"`
	ActiveConversations int    `json:"active_conversations"`
	UptimeSeconds       int64  `json:"uptime_seconds"`
}

func (s *apiServer) getHealth(c *gin.Context) {
	c.JSON(
		http.StatusOK,
		healthResponse{
			Status:              "ok",
			Version:             Version,
			DiscordConnected:    s.axis.discord.connected.Load(),
			ActiveConversations: s.axis.registry.Len(),
			UptimeSeconds:       int64(time.Since(s.axis.startedAt).Seconds()),
		},
	)
}

func (s *apiServer) getConversations(c *gin.Context) {
	c.JSON(
		http.StatusOK,
		gin.H{"conversations": s.axis.registry.Snapshot()},
	)
}

func (s *apiServer) getGuildAISettings(c *gin.Context) {
	guildID := c.Param("guild_id")
	if !isSnowflake(guildID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid guild ID"})
		return
	}
	settings := s.axis.guildSettings.Get(guildID)
	c.JSON(
		http.StatusOK,
		gin.H{
			"guild_id":         settings.GuildID,
			"mode":             settings.Mode,
			"allowed_channels": settings.AllowedChannelIDs(),
		},
	)
}

type guildAISettingsUpdate struct {
	Mode            AIMode   `json:"mode" binding:"required"`
	AllowedChannels []string `json:"allowed_channels"`
}

func (s *apiServer) updateGuildAISettings(c *gin.Context) {
	guildID := c.Param("guild_id")
	if !isSnowflake(guildID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid guild ID"})
		return
	}

	var update guildAISettingsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if update.Mode == AIModeSpecific && len(update.AllowedChannels) == 0 {
		c.JSON(
			http.StatusBadRequest,
			gin.H{"error": "specific mode requires allowed_channels"},
		)
		return
	}

	settings := GuildAISettings{GuildID: guildID, Mode: update.Mode}
	if update.Mode == AIModeSpecific {
		settings.SetAllowedChannelIDs(update.AllowedChannels)
	}
	if err := s.axis.guildSettings.Set(c.Request.Context(), settings); err != nil {
		s.logger.Error("error updating guild settings", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error saving settings"},
		)
		return
	}
	c.JSON(
		http.StatusOK,
		gin.H{
			"guild_id":         settings.GuildID,
			"mode":             settings.Mode,
			"allowed_channels": settings.AllowedChannelIDs(),
		},
	)
}
