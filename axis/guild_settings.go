package axis

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"gorm.io/gorm"
)

// AIMode controls where in a guild the bot responds to channel messages.
type AIMode string

const (
	// AIModeOff disables channel-message responses in the guild entirely
	AIModeOff AIMode = "off"

	// AIModeGlobal enables responses in every channel
	AIModeGlobal AIMode = "global"

	// AIModeSpecific enables responses only in the allowed channel list
	AIModeSpecific AIMode = "specific"
)

// Scan implements the sql.Scanner interface.
func (m *AIMode) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return m.parse(string(v))
	case string:
		return m.parse(v)
	default:
		return errors.New("invalid type for AIMode")
	}
}

// Value implements the driver.Valuer interface.
func (m AIMode) Value() (driver.Value, error) {
	return string(m), nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (AIMode) GormDataType() string {
	return "string"
}

// MarshalJSON implements the json.Marshaller interface.
func (m AIMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (m *AIMode) UnmarshalJSON(data []byte) error {
	var modeString string
	if err := json.Unmarshal(data, &modeString); err != nil {
		return err
	}
	return m.parse(modeString)
}

func (m *AIMode) parse(s string) error {
	switch AIMode(strings.ToLower(s)) {
	case AIModeOff:
		*m = AIModeOff
	case AIModeGlobal:
		*m = AIModeGlobal
	case AIModeSpecific:
		*m = AIModeSpecific
	default:
		return fmt.Errorf("unknown AI mode: %s", s)
	}
	return nil
}

// channelListSeparator joins allowed channel IDs into a single TEXT
// column. Channel IDs are numeric snowflakes, so a comma never collides.
const channelListSeparator = ","

// GuildAISettings persists per-guild enablement of channel-message
// responses. Guilds without a record behave as AIModeGlobal.
type GuildAISettings struct {
	GuildID string `gorm:"primaryKey" json:"guild_id"`
	Mode    AIMode `gorm:"type:string;default:global" json:"mode" binding:"omitempty,oneof=off global specific"`

	// AllowedChannels holds the channel IDs enabled under AIModeSpecific,
	// serialized with channelListSeparator
	AllowedChannels string `json:"-"`

	ModelUnixTime
}

// AllowedChannelIDs returns the deserialized allowed channel list.
func (g GuildAISettings) AllowedChannelIDs() []string {
	if g.AllowedChannels == "" {
		return nil
	}
	return strings.Split(g.AllowedChannels, channelListSeparator)
}

// SetAllowedChannelIDs serializes the allowed channel list.
func (g *GuildAISettings) SetAllowedChannelIDs(channelIDs []string) {
	g.AllowedChannels = strings.Join(channelIDs, channelListSeparator)
}

// ChannelEnabled reports whether channel messages in the given channel
// should be considered for a response.
func (g GuildAISettings) ChannelEnabled(channelID string) bool {
	switch g.Mode {
	case AIModeOff:
		return false
	case AIModeSpecific:
		for _, id := range g.AllowedChannelIDs() {
			if id == channelID {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// GuildSettingsStore caches GuildAISettings so the per-message hot path
// never touches the database. Writes go through the store so the cache
// and the database stay consistent.
type GuildSettingsStore struct {
	db       DBI
	mu       sync.RWMutex
	settings map[string]GuildAISettings
	logger   *slog.Logger
}

// NewGuildSettingsStore creates an empty store. Call Load before serving
// traffic.
func NewGuildSettingsStore(db DBI, logger *slog.Logger) *GuildSettingsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuildSettingsStore{
		db:       db,
		settings: map[string]GuildAISettings{},
		logger:   logger.With(loggerNameKey, "guild_settings"),
	}
}

// Load replaces the cache with all persisted guild settings.
func (s *GuildSettingsStore) Load(ctx context.Context) error {
	var records []GuildAISettings
	err := s.db.DB().WithContext(ctx).Find(&records).Error
	if err != nil {
		return fmt.Errorf("error loading guild settings: %w", err)
	}
	settings := make(map[string]GuildAISettings, len(records))
	for _, record := range records {
		settings[record.GuildID] = record
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "loaded guild settings", "count", len(records))
	return nil
}

// Get returns the settings for a guild, defaulting to AIModeGlobal when
// no record exists.
func (s *GuildSettingsStore) Get(guildID string) GuildAISettings {
	s.mu.RLock()
	settings, ok := s.settings[guildID]
	s.mu.RUnlock()
	if !ok {
		return GuildAISettings{GuildID: guildID, Mode: AIModeGlobal}
	}
	return settings
}

// Set persists the settings and updates the cache.
func (s *GuildSettingsStore) Set(
	ctx context.Context,
	settings GuildAISettings,
) error {
	if settings.GuildID == "" {
		return errors.New("guild ID required")
	}
	if settings.Mode == "" {
		settings.Mode = AIModeGlobal
	}

	var existing GuildAISettings
	err := s.db.DB().WithContext(ctx).Where(
		"guild_id = ?",
		settings.GuildID,
	).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if _, err = s.db.Create(ctx, &settings); err != nil {
			return fmt.Errorf("error creating guild settings: %w", err)
		}
	case err != nil:
		return fmt.Errorf("error loading guild settings: %w", err)
	default:
		settings.CreatedAt = existing.CreatedAt
		if _, err = s.db.Save(ctx, &settings); err != nil {
			return fmt.Errorf("error updating guild settings: %w", err)
		}
	}

	s.mu.Lock()
	s.settings[settings.GuildID] = settings
	s.mu.Unlock()
	return nil
}

// MessageEligible reports whether a channel message may be answered.
// Direct messages carry no guild ID and are always eligible.
func (s *GuildSettingsStore) MessageEligible(guildID, channelID string) bool {
	if guildID == "" {
		return true
	}
	return s.Get(guildID).ChannelEnabled(channelID)
}
