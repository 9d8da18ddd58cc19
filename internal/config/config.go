package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"consensus-room/internal/db"
	"consensus-room/internal/session"
	"consensus-room/internal/statesync"
)

type Config struct {
	ListenAddr    string `env:"LISTEN_ADDR" envDefault:":8080"`
	PublicAddr    string `env:"PUBLIC_ADDR"`
	DirectoryURL  string `env:"DIRECTORY_URL"`
	DirectoryAddr string `env:"DIRECTORY_ADDR" envDefault:":8090"`

	MinPlayers            int     `env:"MIN_PLAYERS" envDefault:"2"`
	MaxPlayers            int     `env:"MAX_PLAYERS" envDefault:"4"`
	DiscussionSeconds     int     `env:"DISCUSSION_SECONDS" envDefault:"120"`
	VotingSeconds         int     `env:"VOTING_SECONDS" envDefault:"60"`
	ConsensusThreshold    float64 `env:"CONSENSUS_THRESHOLD" envDefault:"0.75"`
	CollaborationMode     string  `env:"COLLABORATION_MODE" envDefault:"consensus"`
	AllowRevoting         bool    `env:"ALLOW_REVOTING" envDefault:"true"`
	EnableTextChat        bool    `env:"ENABLE_TEXT_CHAT" envDefault:"true"`
	ConnectTimeoutSeconds int     `env:"CONNECT_TIMEOUT_SECONDS" envDefault:"10"`

	SyncIntervalMs   int                        `env:"SYNC_INTERVAL_MS" envDefault:"1000"`
	BatchIntervalMs  int                        `env:"BATCH_INTERVAL_MS" envDefault:"100"`
	DeltaSync        bool                       `env:"DELTA_SYNC" envDefault:"true"`
	ConflictStrategy statesync.ConflictStrategy `env:"CONFLICT_STRATEGY" envDefault:"host"`
	MaxDesyncMs      int                        `env:"MAX_DESYNC_MS" envDefault:"5000"`
	EnableRollback   bool                       `env:"ENABLE_ROLLBACK" envDefault:"true"`
	SyncDebug        bool                       `env:"SYNC_DEBUG"`

	DatabaseURL              string `env:"DATABASE_URL"`
	DBMaxOpenConns           int    `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBMaxIdleConns           int    `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeSeconds int    `env:"DB_CONN_MAX_LIFETIME_SECONDS" envDefault:"300"`
	DBConnMaxIdleTimeSeconds int    `env:"DB_CONN_MAX_IDLE_SECONDS" envDefault:"60"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Default returns the configuration with every variable unset.
func Default() Config {
	var cfg Config
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// Load reads the process environment on top of the defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Session converts the flat settings into a validated session config.
func (c Config) Session() (session.Config, error) {
	cfg := session.Config{
		MinPlayers:          c.MinPlayers,
		MaxPlayers:          c.MaxPlayers,
		DiscussionTimeLimit: time.Duration(c.DiscussionSeconds) * time.Second,
		VotingTimeLimit:     time.Duration(c.VotingSeconds) * time.Second,
		ConsensusThreshold:  c.ConsensusThreshold,
		CollaborationMode:   session.CollaborationMode(c.CollaborationMode),
		AllowRevoting:       c.AllowRevoting,
		EnableTextChat:      c.EnableTextChat,
		ConnectTimeout:      time.Duration(c.ConnectTimeoutSeconds) * time.Second,
		Sync: statesync.Config{
			SyncInterval:   time.Duration(c.SyncIntervalMs) * time.Millisecond,
			BatchInterval:  time.Duration(c.BatchIntervalMs) * time.Millisecond,
			DeltaSync:      c.DeltaSync,
			Strategy:       c.ConflictStrategy,
			MaxDesync:      time.Duration(c.MaxDesyncMs) * time.Millisecond,
			EnableRollback: c.EnableRollback,
			RollbackDepth:  statesync.DefaultConfig().RollbackDepth,
			Debug:          c.SyncDebug,
		},
	}
	if err := cfg.Validate(); err != nil {
		return session.Config{}, err
	}
	return cfg, nil
}

// DBPool returns the journal connection pool limits.
func (c Config) DBPool() db.Pool {
	return db.Pool{
		MaxOpenConns:    c.DBMaxOpenConns,
		MaxIdleConns:    c.DBMaxIdleConns,
		ConnMaxLifetime: time.Duration(c.DBConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(c.DBConnMaxIdleTimeSeconds) * time.Second,
	}
}
