package axis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandPing        = "ping"
	DiscordSlashCommandServerInfo  = "serverinfo"
	DiscordSlashCommandMemberCount = "membercount"
	DiscordSlashCommandAIStatus    = "ai-status"
	DiscordSlashCommandAIClear     = "ai-clear"
	DiscordSlashCommandAIConfig    = "ai-config"
)

const (
	embedColorPing        = 0x00FF00
	embedColorServerInfo  = 0x5865F2
	embedColorMemberCount = 0x57F287
	embedFooterText       = "Axis Bot"
)

var manageGuildPermission int64 = discordgo.PermissionManageServer

// applicationCommands returns the bot's slash command definitions, sent to
// Discord via bulk overwrite on startup.
func applicationCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandPing,
			Description: "Check the bot's connection latency and status",
		},
		{
			Name:        DiscordSlashCommandServerInfo,
			Description: "Display detailed information about the current server",
		},
		{
			Name:        DiscordSlashCommandMemberCount,
			Description: "Display the current member count of the server",
		},
		{
			Name:        DiscordSlashCommandAIStatus,
			Description: "Show your conversation status in this channel",
		},
		{
			Name:        DiscordSlashCommandAIClear,
			Description: "End your conversation in this channel",
		},
		{
			Name:                     DiscordSlashCommandAIConfig,
			Description:              "Configure AI channel access for this server",
			DefaultMemberPermissions: &manageGuildPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "mode",
					Description: "Set AI interaction mode",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{
							Name:  "AI completely off",
							Value: string(AIModeOff),
						},
						{
							Name:  "AI active in all channels (global)",
							Value: string(AIModeGlobal),
						},
						{
							Name:  "AI active only in specific channels",
							Value: string(AIModeSpecific),
						},
					},
				},
				{
					Type: discordgo.ApplicationCommandOptionString,
					Name: "targets",
					Description: "Space-separated channel IDs or #mentions " +
						"(for 'specific' mode)",
					Required: false,
				},
			},
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (a *Axis) registerCommands(
	session DiscordSessionHandler,
) ([]*discordgo.ApplicationCommand, error) {
	return session.ApplicationCommandBulkOverwrite(
		a.config.Discord.ApplicationID,
		a.config.Discord.GuildID,
		applicationCommands(),
	)
}

// handlerInteractionCreate dispatches slash commands to their handlers.
func (a *Axis) handlerInteractionCreate(ctx context.Context) func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		logger := a.logger.With(interactionLogAttrs(*i)...)
		ctx := WithLogger(ctx, logger)
		commandName := i.ApplicationCommandData().Name
		logger.InfoContext(ctx, "interaction received", "command", commandName)

		var err error
		switch commandName {
		case DiscordSlashCommandPing:
			err = a.handlePing(ctx, i)
		case DiscordSlashCommandServerInfo:
			err = a.handleServerInfo(ctx, i)
		case DiscordSlashCommandMemberCount:
			err = a.handleMemberCount(ctx, i)
		case DiscordSlashCommandAIStatus:
			err = a.handleAIStatus(ctx, i)
		case DiscordSlashCommandAIClear:
			err = a.handleAIClear(ctx, i)
		case DiscordSlashCommandAIConfig:
			err = a.handleAIConfig(ctx, i)
		default:
			logger.WarnContext(ctx, "unknown command", "command", commandName)
			return
		}
		if err != nil {
			logger.ErrorContext(
				ctx,
				"error handling interaction",
				"command", commandName,
				tint.Err(err),
			)
		}
	}
}

func (a *Axis) respond(
	i *discordgo.InteractionCreate,
	data *discordgo.InteractionResponseData,
) error {
	return a.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
	)
}

func (a *Axis) respondEphemeral(
	i *discordgo.InteractionCreate,
	content string,
) error {
	return a.respond(
		i,
		&discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	)
}

func embedFooter() *discordgo.MessageEmbedFooter {
	return &discordgo.MessageEmbedFooter{Text: embedFooterText}
}

func (a *Axis) handlePing(
	_ context.Context,
	i *discordgo.InteractionCreate,
) error {
	wsLatency := time.Duration(
		a.session.HeartbeatLatency() * float64(time.Second),
	).Round(time.Millisecond)

	status := "Excellent"
	switch {
	case wsLatency >= 300*time.Millisecond:
		status = "High"
	case wsLatency >= 100*time.Millisecond:
		status = "Good"
	}

	embed := &discordgo.MessageEmbed{
		Title: "Connection Status",
		Color: embedColorPing,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "WebSocket Latency",
				Value:  fmt.Sprintf("%dms", wsLatency.Milliseconds()),
				Inline: true,
			},
			{Name: "Status", Value: status, Inline: true},
		},
		Footer:    embedFooter(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	return a.respond(
		i,
		&discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
		},
	)
}

func (a *Axis) handleServerInfo(
	_ context.Context,
	i *discordgo.InteractionCreate,
) error {
	if i.GuildID == "" {
		return a.respondEphemeral(
			i,
			"This command can only be used in a server.",
		)
	}
	guild, err := a.session.Guild(i.GuildID)
	if err != nil {
		if respondErr := a.respondEphemeral(
			i,
			"Could not retrieve server information.",
		); respondErr != nil {
			return respondErr
		}
		return err
	}

	createdAt, _ := discordgo.SnowflakeTimestamp(guild.ID)
	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Server Information: %s", guild.Name),
		Color: embedColorServerInfo,
		Thumbnail: &discordgo.MessageEmbedThumbnail{
			URL: guild.IconURL(""),
		},
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Owner",
				Value:  fmt.Sprintf("<@%s>", guild.OwnerID),
				Inline: true,
			},
			{
				Name:   "Members",
				Value:  fmt.Sprintf("%d", guild.MemberCount),
				Inline: true,
			},
			{
				Name:   "Created",
				Value:  createdAt.Format("January 2, 2006"),
				Inline: true,
			},
			{
				Name:   "Roles",
				Value:  fmt.Sprintf("%d", len(guild.Roles)),
				Inline: true,
			},
			{
				Name:   "Channels",
				Value:  fmt.Sprintf("%d", len(guild.Channels)),
				Inline: true,
			},
			{
				Name:   "Boost Level",
				Value:  fmt.Sprintf("Level %d", guild.PremiumTier),
				Inline: true,
			},
			{
				Name:   "Boosters",
				Value:  fmt.Sprintf("%d", guild.PremiumSubscriptionCount),
				Inline: true,
			},
			{
				Name: "Verification Level",
				Value: fmt.Sprintf(
					"%d",
					guild.VerificationLevel,
				),
				Inline: true,
			},
			{
				Name:   "Server ID",
				Value:  fmt.Sprintf("`%s`", guild.ID),
				Inline: false,
			},
		},
		Footer:    embedFooter(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	return a.respond(
		i,
		&discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
		},
	)
}

func (a *Axis) handleMemberCount(
	_ context.Context,
	i *discordgo.InteractionCreate,
) error {
	if i.GuildID == "" {
		return a.respondEphemeral(
			i,
			"This command can only be used in a server.",
		)
	}
	guild, err := a.session.Guild(i.GuildID)
	if err != nil {
		if respondErr := a.respondEphemeral(
			i,
			"Could not retrieve server information.",
		); respondErr != nil {
			return respondErr
		}
		return err
	}

	embed := &discordgo.MessageEmbed{
		Title: "Member Count",
		Color: embedColorMemberCount,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Server", Value: guild.Name},
			{
				Name:  "Total Members",
				Value: fmt.Sprintf("%d members", guild.MemberCount),
			},
		},
		Footer:    embedFooter(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	return a.respond(
		i,
		&discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
		},
	)
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func (a *Axis) handleAIStatus(
	_ context.Context,
	i *discordgo.InteractionCreate,
) error {
	userID := interactionUserID(i)
	state, ok := a.registry.Get(i.ChannelID)
	switch {
	case !ok:
		return a.respondEphemeral(
			i,
			"There is no active conversation in this channel.",
		)
	case state.UserID != userID:
		return a.respondEphemeral(
			i,
			"Another user has an active conversation in this channel.",
		)
	default:
		idle := time.Since(state.LastActivity).Round(time.Second)
		return a.respondEphemeral(
			i,
			fmt.Sprintf(
				"You have an active conversation in this channel "+
					"(last activity %s ago).",
				idle,
			),
		)
	}
}

func (a *Axis) handleAIClear(
	_ context.Context,
	i *discordgo.InteractionCreate,
) error {
	userID := interactionUserID(i)
	if a.registry.End(i.ChannelID, userID) {
		return a.respondEphemeral(
			i,
			"Your conversation in this channel has been cleared.",
		)
	}
	return a.respondEphemeral(
		i,
		"You have no active conversation in this channel.",
	)
}

func (a *Axis) handleAIConfig(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) error {
	if i.GuildID == "" {
		return a.respondEphemeral(
			i,
			"This command can only be used in a server.",
		)
	}
	if i.Member == nil ||
		i.Member.Permissions&discordgo.PermissionManageServer == 0 {
		return a.respondEphemeral(
			i,
			"You must have the Manage Server permission to use this command.",
		)
	}

	options := discordInteractionOptions(i)

	var mode AIMode
	modeOption, ok := options["mode"]
	if !ok || mode.parse(modeOption.StringValue()) != nil {
		return a.respondEphemeral(i, "Invalid mode selected.")
	}

	var targets []string
	if targetsOption, hasTargets := options["targets"]; hasTargets {
		targets = parseChannelTargets(targetsOption.StringValue())
	}
	if mode == AIModeSpecific && len(targets) == 0 {
		return a.respondEphemeral(
			i,
			"For 'specific' mode, you must provide target channels.",
		)
	}
	if mode != AIModeSpecific {
		targets = nil
	}

	settings := GuildAISettings{GuildID: i.GuildID, Mode: mode}
	settings.SetAllowedChannelIDs(targets)
	if err := a.guildSettings.Set(ctx, settings); err != nil {
		if respondErr := a.respondEphemeral(
			i,
			"Error saving AI configuration.",
		); respondErr != nil {
			return respondErr
		}
		return err
	}

	confirmation := fmt.Sprintf("AI configuration updated.\nMode: `%s`", mode)
	if mode == AIModeSpecific {
		mentions := make([]string, len(targets))
		for idx, id := range targets {
			mentions[idx] = fmt.Sprintf("<#%s>", id)
		}
		confirmation = fmt.Sprintf(
			"%s\nChannels: %s",
			confirmation,
			strings.Join(mentions, " "),
		)
	}
	return a.respondEphemeral(i, confirmation)
}

// parseChannelTargets extracts channel IDs from a space-separated list of
// raw IDs or <#id> mentions.
func parseChannelTargets(input string) []string {
	var targets []string
	for _, field := range strings.Fields(input) {
		id := field
		if strings.HasPrefix(field, "<#") && strings.HasSuffix(field, ">") {
			id = field[2 : len(field)-1]
		}
		if id == "" || !isSnowflake(id) {
			continue
		}
		targets = append(targets, id)
	}
	return targets
}

func isSnowflake(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
