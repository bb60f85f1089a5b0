// Package config loads broker settings from defaults, an optional TOML file
// and RMS_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

const appName = "royal-mail-ship"

type Config struct {
	Host             string
	Port             int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	ControlSocket    string

	DataDir         string
	DBPath          string
	CredentialsFile string
	ChannelDir      string
	FileDir         string

	MaxChannels     int
	MaxSessions     int
	MaxParticipants int
	HistorySize     int
	OutboundQueue   int

	HashPasswords bool
}

// DefaultConfigFile is where Load looks when no file is given.
func DefaultConfigFile() string {
	return filepath.Join(xdg.ConfigHome, appName, appName+".toml")
}

func setDefaults(v *viper.Viper) {
	dataDir := filepath.Join(xdg.DataHome, appName)

	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "0s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.handshake_timeout", "30s")
	v.SetDefault("server.control_socket", filepath.Join(os.TempDir(), appName+".sock"))

	v.SetDefault("storage.data_dir", dataDir)
	v.SetDefault("storage.db_path", "")
	v.SetDefault("storage.credentials_file", "")

	v.SetDefault("limits.max_channels", 64)
	v.SetDefault("limits.max_sessions", 128)
	v.SetDefault("limits.max_participants", 25)
	v.SetDefault("limits.history_size", 32)
	v.SetDefault("limits.outbound_queue", 64)

	v.SetDefault("auth.hash_passwords", false)
}

// Load reads file if it exists. An empty file means DefaultConfigFile; a
// missing default file is not an error, a missing explicit one is.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	v.SetEnvPrefix("rms")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file == "" {
		file = DefaultConfigFile()
		if _, err := os.Stat(file); err != nil {
			return fromViper(v)
		}
	}
	v.SetConfigFile(file)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", file, err)
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Host:             v.GetString("server.host"),
		Port:             v.GetInt("server.port"),
		ReadTimeout:      v.GetDuration("server.read_timeout"),
		WriteTimeout:     v.GetDuration("server.write_timeout"),
		HandshakeTimeout: v.GetDuration("server.handshake_timeout"),
		ControlSocket:    v.GetString("server.control_socket"),

		DataDir:         v.GetString("storage.data_dir"),
		DBPath:          v.GetString("storage.db_path"),
		CredentialsFile: v.GetString("storage.credentials_file"),

		MaxChannels:     v.GetInt("limits.max_channels"),
		MaxSessions:     v.GetInt("limits.max_sessions"),
		MaxParticipants: v.GetInt("limits.max_participants"),
		HistorySize:     v.GetInt("limits.history_size"),
		OutboundQueue:   v.GetInt("limits.outbound_queue"),

		HashPasswords: v.GetBool("auth.hash_passwords"),
	}

	// everything under storage.data_dir unless set explicitly
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "audit.db")
	}
	if cfg.CredentialsFile == "" {
		cfg.CredentialsFile = filepath.Join(cfg.DataDir, "users")
	}
	cfg.ChannelDir = filepath.Join(cfg.DataDir, "channels")
	cfg.FileDir = filepath.Join(cfg.DataDir, "files")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Port)
	}
	if c.DataDir == "" {
		return errors.New("storage.data_dir must be set")
	}
	for key, n := range map[string]int{
		"limits.max_channels":     c.MaxChannels,
		"limits.max_sessions":     c.MaxSessions,
		"limits.max_participants": c.MaxParticipants,
		"limits.history_size":     c.HistorySize,
		"limits.outbound_queue":   c.OutboundQueue,
	} {
		if n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, n)
		}
	}
	return nil
}
