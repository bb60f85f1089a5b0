package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmooki/royal-mail-ship/channel"
	"github.com/shmooki/royal-mail-ship/cipher"
	"github.com/shmooki/royal-mail-ship/config"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		DataDir:         dir,
		CredentialsFile: filepath.Join(dir, "users"),
		ChannelDir:      filepath.Join(dir, "channels"),
		MaxChannels:     4,
		MaxSessions:     4,
		MaxParticipants: 4,
		HistorySize:     8,
	}
}

func TestRestartRestoresState(t *testing.T) {
	cfg := testConfig(t)
	key := cipher.PublicKey{N: 33389, E: 5}

	sessions, err := openSessions(cfg)
	require.NoError(t, err)
	alice, err := sessions.Register("alice", "secret", key, nil)
	require.NoError(t, err)

	channels, err := openChannels(cfg, nil)
	require.NoError(t, err)
	id, err := channels.Create("general", alice.ID)
	require.NoError(t, err)
	require.NoError(t, channels.AddMessage(id, alice.ID, "hello", channel.MessageText))

	sessions, err = openSessions(cfg)
	require.NoError(t, err)
	_, err = sessions.Authenticate("alice", "secret", key, nil)
	assert.NoError(t, err)

	channels, err = openChannels(cfg, nil)
	require.NoError(t, err)
	c, ok := channels.FindByName("general")
	require.True(t, ok)
	assert.Equal(t, id, c.ID)
	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Content)
}

func TestHashedPasswords(t *testing.T) {
	cfg := testConfig(t)
	cfg.HashPasswords = true

	sessions, err := openSessions(cfg)
	require.NoError(t, err)
	u, err := sessions.Register("bob", "pw", cipher.PublicKey{N: 33389, E: 5}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, "pw", u.Password)
}
