package axis

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) DBI {
	t.Helper()
	db, err := gorm.Open(
		sqlite.Open(filepath.Join(t.TempDir(), "test.sqlite3")),
		&gorm.Config{Logger: logger.Discard},
	)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&GuildAISettings{}))
	return NewDatabase(db, nil, false)
}

func TestAIModeParse(t *testing.T) {
	t.Parallel()
	var mode AIMode
	require.NoError(t, mode.parse("GLOBAL"))
	assert.Equal(t, AIModeGlobal, mode)
	require.NoError(t, mode.parse("off"))
	assert.Equal(t, AIModeOff, mode)
	require.NoError(t, mode.parse("specific"))
	assert.Equal(t, AIModeSpecific, mode)
	assert.Error(t, mode.parse("sometimes"))
}

func TestGuildAISettingsChannelEnabled(t *testing.T) {
	t.Parallel()
	off := GuildAISettings{Mode: AIModeOff}
	assert.False(t, off.ChannelEnabled("channel-1"))

	global := GuildAISettings{Mode: AIModeGlobal}
	assert.True(t, global.ChannelEnabled("channel-1"))

	specific := GuildAISettings{Mode: AIModeSpecific}
	specific.SetAllowedChannelIDs([]string{"channel-1", "channel-2"})
	assert.True(t, specific.ChannelEnabled("channel-1"))
	assert.True(t, specific.ChannelEnabled("channel-2"))
	assert.False(t, specific.ChannelEnabled("channel-3"))

	emptySpecific := GuildAISettings{Mode: AIModeSpecific}
	assert.False(t, emptySpecific.ChannelEnabled("channel-1"))
}

func TestGuildSettingsStoreDefaultsToGlobal(t *testing.T) {
	t.Parallel()
	store := NewGuildSettingsStore(newTestDB(t), nil)
	require.NoError(t, store.Load(context.Background()))

	settings := store.Get("guild-without-record")
	assert.Equal(t, AIModeGlobal, settings.Mode)
	assert.True(t, store.MessageEligible("guild-without-record", "channel-1"))
}

func TestGuildSettingsStoreDirectMessagesAlwaysEligible(t *testing.T) {
	t.Parallel()
	store := NewGuildSettingsStore(newTestDB(t), nil)
	require.NoError(t, store.Load(context.Background()))
	assert.True(t, store.MessageEligible("", "dm-channel"))
}

func TestGuildSettingsStoreSetAndReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	store := NewGuildSettingsStore(db, nil)
	require.NoError(t, store.Load(ctx))

	settings := GuildAISettings{GuildID: "guild-1", Mode: AIModeSpecific}
	settings.SetAllowedChannelIDs([]string{"channel-1"})
	require.NoError(t, store.Set(ctx, settings))

	assert.True(t, store.MessageEligible("guild-1", "channel-1"))
	assert.False(t, store.MessageEligible("guild-1", "channel-2"))

	// update the existing record
	require.NoError(
		t,
		store.Set(ctx, GuildAISettings{GuildID: "guild-1", Mode: AIModeOff}),
	)
	assert.False(t, store.MessageEligible("guild-1", "channel-1"))

	// a fresh store sees the persisted record
	reloaded := NewGuildSettingsStore(db, nil)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, AIModeOff, reloaded.Get("guild-1").Mode)
}

func TestGuildSettingsStoreSetRequiresGuildID(t *testing.T) {
	t.Parallel()
	store := NewGuildSettingsStore(newTestDB(t), nil)
	assert.Error(t, store.Set(context.Background(), GuildAISettings{}))
}
