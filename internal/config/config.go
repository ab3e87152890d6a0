// Package config loads settings from the environment, reading .env first.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/keshon/voice-dispatcher/internal/music/player"
)

type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN,required,notEmpty"`
	GuildID      string `env:"GUILD_ID,required,notEmpty"`
	ChannelID    string `env:"CHANNEL_ID,required,notEmpty"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"true"`

	// DefaultVolume is applied to every new stream, 100 being unity.
	DefaultVolume float64 `env:"DEFAULT_VOLUME" envDefault:"100"`
	// MovedCloseCodes are the voice close codes treated as "moved to another channel".
	MovedCloseCodes []int `env:"MOVED_CLOSE_CODES" envDefault:"4014" envSeparator:","`
	// NoSubscriber is one of pause, play or stop.
	NoSubscriber string `env:"NO_SUBSCRIBER" envDefault:"pause"`
}

// Load reads .env when present and parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, falling back to system environment variables")
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if _, err := cfg.NoSubscriberBehavior(); err != nil {
		return nil, err
	}
	if cfg.DefaultVolume < 0 {
		return nil, fmt.Errorf("DEFAULT_VOLUME must not be negative, got %v", cfg.DefaultVolume)
	}
	return &cfg, nil
}

func (c *Config) NoSubscriberBehavior() (player.NoSubscriberBehavior, error) {
	switch c.NoSubscriber {
	case "", "pause":
		return player.BehaviorPause, nil
	case "play":
		return player.BehaviorPlay, nil
	case "stop":
		return player.BehaviorStop, nil
	}
	return 0, fmt.Errorf("unknown NO_SUBSCRIBER value %q", c.NoSubscriber)
}
