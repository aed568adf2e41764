// Package config provides Viper-based configuration loading for lobby peers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// MaxRoomLimit is the largest lobby size any directory backend accepts.
const MaxRoomLimit = 64

// PeerConfig identifies the local peer.
type PeerConfig struct {
	// ID is the stable peer identity. A random UUID is generated when empty.
	ID string `mapstructure:"id"`
	// DisplayName is published as the HostName attribute of hosted lobbies.
	DisplayName string `mapstructure:"display_name"`
}

// TransportConfig holds peer transport settings.
type TransportConfig struct {
	// Kind selects the transport implementation: "grpc" or "loopback".
	Kind string `mapstructure:"kind"`
	// Host is the bind address used when this peer hosts.
	Host string `mapstructure:"host"`
	// Port is the TCP port used when this peer hosts.
	Port int `mapstructure:"port"`
	// AdvertiseAddr is the address other members dial. Defaults to Addr().
	AdvertiseAddr string `mapstructure:"advertise_addr"`
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int `mapstructure:"send_buffer"`
	// SendTimeout bounds how long a reliable send waits for queue space.
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	// ConnectTimeout bounds StartClient.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (t TransportConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// Advertise returns the address members should dial to reach this peer.
func (t TransportConfig) Advertise() string {
	if t.AdvertiseAddr != "" {
		return t.AdvertiseAddr
	}
	return t.Addr()
}

// DirectoryConfig selects the lobby directory backend.
type DirectoryConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `mapstructure:"backend"`
	// CallTimeout bounds each directory call.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// LobbyConfig holds session lifecycle and membership tracking settings.
type LobbyConfig struct {
	// RoomLimit is the member cap for lobbies this peer creates (1..64).
	RoomLimit int `mapstructure:"room_limit"`
	// PollInterval is the membership tracker tick.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// HostLossPolls is the number of consecutive failed liveness polls
	// before HostLost is raised.
	HostLossPolls int `mapstructure:"host_loss_polls"`
	// AutoJoinRandom joins a random open lobby once the peer starts.
	AutoJoinRandom bool `mapstructure:"auto_join_random"`
	// DefaultCode, when set, is joined-or-created at startup instead.
	DefaultCode string `mapstructure:"default_code"`
}

// MigrationConfig holds host migration settings.
type MigrationConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ElectionTimeout is how long a non-elected member waits for the
	// successor's announcement before polling the directory.
	ElectionTimeout time.Duration `mapstructure:"election_timeout"`
	// RejoinInterval spaces successor dials and directory polls.
	RejoinInterval time.Duration `mapstructure:"rejoin_interval"`
	// RejoinAttempts is the directory poll budget after the election timeout.
	RejoinAttempts int `mapstructure:"rejoin_attempts"`
	// SnapshotInterval is the host-side capture cadence.
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	// AnnounceWindow is how long a new host repeats its announcement to
	// members that connect after the initial broadcast.
	AnnounceWindow time.Duration `mapstructure:"announce_window"`
}

// Config is the top-level application configuration.
type Config struct {
	Peer      PeerConfig      `mapstructure:"peer"`
	Transport TransportConfig `mapstructure:"transport"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Lobby     LobbyConfig     `mapstructure:"lobby"`
	Migration MigrationConfig `mapstructure:"migration"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validatePeer(c.Peer); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateTransport(c.Transport); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDirectory(c.Directory); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Directory.Backend == "postgres" {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLobby(c.Lobby); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateMigration(c.Migration); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePeer(p PeerConfig) error {
	if p.ID == "" {
		return errors.New("peer.id must not be empty")
	}
	return nil
}

func validateTransport(t TransportConfig) error {
	var errs []string
	validKinds := map[string]bool{"grpc": true, "loopback": true}
	if !validKinds[t.Kind] {
		errs = append(errs, fmt.Sprintf("transport.kind must be one of [grpc, loopback], got %q", t.Kind))
	}
	if t.Port < 0 || t.Port > 65535 {
		errs = append(errs, fmt.Sprintf("transport.port must be 0-65535, got %d", t.Port))
	}
	if t.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("transport.send_buffer must be >= 1, got %d", t.SendBuffer))
	}
	if t.SendTimeout <= 0 {
		errs = append(errs, "transport.send_timeout must be positive")
	}
	if t.ConnectTimeout <= 0 {
		errs = append(errs, "transport.connect_timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDirectory(d DirectoryConfig) error {
	var errs []string
	validBackends := map[string]bool{"memory": true, "postgres": true}
	if !validBackends[d.Backend] {
		errs = append(errs, fmt.Sprintf("directory.backend must be one of [memory, postgres], got %q", d.Backend))
	}
	if d.CallTimeout <= 0 {
		errs = append(errs, "directory.call_timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateLobby(l LobbyConfig) error {
	var errs []string
	if l.RoomLimit < 1 || l.RoomLimit > MaxRoomLimit {
		errs = append(errs, fmt.Sprintf("lobby.room_limit must be 1-%d, got %d", MaxRoomLimit, l.RoomLimit))
	}
	if l.PollInterval <= 0 {
		errs = append(errs, "lobby.poll_interval must be positive")
	}
	if l.HostLossPolls < 1 {
		errs = append(errs, fmt.Sprintf("lobby.host_loss_polls must be >= 1, got %d", l.HostLossPolls))
	}
	if l.AutoJoinRandom && l.DefaultCode != "" {
		errs = append(errs, "lobby.auto_join_random and lobby.default_code are mutually exclusive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateMigration(m MigrationConfig) error {
	if !m.Enabled {
		return nil
	}
	var errs []string
	if m.ElectionTimeout <= 0 {
		errs = append(errs, "migration.election_timeout must be positive")
	}
	if m.RejoinInterval <= 0 {
		errs = append(errs, "migration.rejoin_interval must be positive")
	}
	if m.RejoinAttempts < 0 {
		errs = append(errs, fmt.Sprintf("migration.rejoin_attempts must be >= 0, got %d", m.RejoinAttempts))
	}
	if m.SnapshotInterval <= 0 {
		errs = append(errs, "migration.snapshot_interval must be positive")
	}
	if m.AnnounceWindow < 0 {
		errs = append(errs, "migration.announce_window must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with LOBBY_ prefix
	v.SetEnvPrefix("LOBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
// An empty peer.id is replaced by a random UUID before validation.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if cfg.Peer.ID == "" {
		cfg.Peer.ID = uuid.NewString()
	}
	if cfg.Peer.DisplayName == "" {
		cfg.Peer.DisplayName = cfg.Peer.ID
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("transport.kind", "grpc")
	v.SetDefault("transport.host", "0.0.0.0")
	v.SetDefault("transport.port", 7777)
	v.SetDefault("transport.send_buffer", 64)
	v.SetDefault("transport.send_timeout", "2s")
	v.SetDefault("transport.connect_timeout", "3s")

	v.SetDefault("directory.backend", "memory")
	v.SetDefault("directory.call_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "lobby")
	v.SetDefault("database.password", "lobby")
	v.SetDefault("database.name", "lobby")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("lobby.room_limit", 10)
	v.SetDefault("lobby.poll_interval", "200ms")
	v.SetDefault("lobby.host_loss_polls", 2)

	v.SetDefault("migration.enabled", true)
	v.SetDefault("migration.election_timeout", "5s")
	v.SetDefault("migration.rejoin_interval", "500ms")
	v.SetDefault("migration.rejoin_attempts", 10)
	v.SetDefault("migration.snapshot_interval", "500ms")
	v.SetDefault("migration.announce_window", "10s")
}
