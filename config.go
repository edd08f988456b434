package groupsync

import (
	"fmt"
	"strings"
	"time"

	"groupsync/model"
	"groupsync/replace"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix read by LoadConfig.
const EnvPrefix = "GROUPSYNC"

// DefaultHeartbeat is the keep-alive interval requested from change feeds.
const DefaultHeartbeat = 60 * time.Second

// Config holds the connection parameters of one client.
type Config struct {
	// ServerURI selects the store backend by scheme: mongodb://, mongodb+srv://,
	// redis://, http(s):// (CouchDB) or mem://.
	ServerURI string `mapstructure:"server_uri"`
	// Database is the database name (CouchDB, MongoDB) or key prefix (Redis).
	Database string `mapstructure:"database"`

	ClientName      string         `mapstructure:"client_name"`
	Design          string         `mapstructure:"design"`
	GroupSize       int            `mapstructure:"group_size"`
	GroupingsNeeded int            `mapstructure:"groupings_needed"`
	Roles           []string       `mapstructure:"roles"`
	Ghosts          bool           `mapstructure:"ghosts"`
	Replacements    bool           `mapstructure:"replacements"`
	Group           string         `mapstructure:"group"`
	InitialData     map[string]any `mapstructure:"initial_data"`
	Offline         bool           `mapstructure:"offline"`

	Heartbeat          time.Duration `mapstructure:"heartbeat"`
	MaxReplacementHops int           `mapstructure:"max_replacement_hops"`
	ReconnectAttempts  int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay"`
	SeedConcurrency    int           `mapstructure:"seed_concurrency"`
}

// DefaultConfig returns the defaults for a stranger design in pairs.
func DefaultConfig() Config {
	return Config{
		Database:           "psynteract",
		Design:             model.DesignStranger,
		GroupSize:          2,
		GroupingsNeeded:    1,
		Replacements:       true,
		Group:              model.DefaultGroup,
		Heartbeat:          DefaultHeartbeat,
		MaxReplacementHops: replace.DefaultMaxHops,
		ReconnectDelay:     200 * time.Millisecond,
		SeedConcurrency:    8,
	}
}

// Validate checks the configuration for values the protocol cannot work with.
func (c Config) Validate() error {
	if c.GroupSize < 1 {
		return fmt.Errorf("group size must be at least 1, got %d", c.GroupSize)
	}
	if c.GroupingsNeeded < 1 {
		return fmt.Errorf("groupings needed must be at least 1, got %d", c.GroupingsNeeded)
	}
	if c.MaxReplacementHops < 1 {
		return fmt.Errorf("max replacement hops must be at least 1, got %d", c.MaxReplacementHops)
	}
	return nil
}

// DesignRecord returns the design record stored on the client document.
func (c Config) DesignRecord() model.Design {
	return model.Design{
		Type:            c.Design,
		GroupSize:       c.GroupSize,
		GroupingsNeeded: c.GroupingsNeeded,
		Roles:           c.Roles,
		Ghosts:          c.Ghosts,
		Replacements:    c.Replacements,
	}
}

// LoadConfig reads the configuration from v on top of DefaultConfig. An
// optional config file is read when v has one set; GROUPSYNC_* environment
// variables override both.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_uri", cfg.ServerURI)
	v.SetDefault("database", cfg.Database)
	v.SetDefault("design", cfg.Design)
	v.SetDefault("group_size", cfg.GroupSize)
	v.SetDefault("groupings_needed", cfg.GroupingsNeeded)
	v.SetDefault("replacements", cfg.Replacements)
	v.SetDefault("group", cfg.Group)
	v.SetDefault("offline", cfg.Offline)
	v.SetDefault("heartbeat", cfg.Heartbeat)
	v.SetDefault("max_replacement_hops", cfg.MaxReplacementHops)
	v.SetDefault("reconnect_attempts", cfg.ReconnectAttempts)
	v.SetDefault("reconnect_delay", cfg.ReconnectDelay)
	v.SetDefault("seed_concurrency", cfg.SeedConcurrency)

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
