package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8700"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/muxlink.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/muxlink.log"`

	// Client token settings
	AuthTokenTTL string `envconfig:"AUTH_TOKEN_TTL" default:"720h"`

	// Session lifecycle settings
	SessionIdleTimeout   string `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	SessionSweepSchedule string `envconfig:"SESSION_SWEEP_SCHEDULE" default:"@every 10m"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("MUXLINK", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// Duration parses a duration-valued setting, falling back when the value is
// malformed.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
