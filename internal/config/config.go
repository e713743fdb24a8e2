package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
)

type Config struct {
	HTTPAddr string     `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`

	// STORE_DRIVER selects the repository: sqlite (DB_PATH) or postgres/mysql (DB_DSN).
	StoreDriver string `env:"STORE_DRIVER" envDefault:"sqlite"`
	DBPath      string `env:"DB_PATH" envDefault:"data/territory.db"`
	DBDSN       string `env:"DB_DSN"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	AdminKeyHash      string `env:"ADMIN_KEY_HASH"`
	EnableDebugAttack bool   `env:"ENABLE_DEBUG_ATTACK" envDefault:"false"`

	SettleConcurrency     int           `env:"SETTLE_CONCURRENCY" envDefault:"8"`
	SettleTimeout         time.Duration `env:"SETTLE_TIMEOUT" envDefault:"10s"`
	SubmissionRatePerHour int           `env:"SUBMISSION_RATE_PER_HOUR" envDefault:"30"`
	HTTPRatePerSec        float64       `env:"HTTP_RATE_PER_SEC" envDefault:"20"`
	HTTPBurst             int           `env:"HTTP_BURST" envDefault:"40"`

	MaxHP                  int     `env:"MAX_HP" envDefault:"100"`
	DamagePerKm2           float64 `env:"DAMAGE_PER_KM2" envDefault:"500"`
	MinDamage              int     `env:"MIN_DAMAGE" envDefault:"10"`
	MaxDamage              int     `env:"MAX_DAMAGE" envDefault:"50"`
	NeutralCooldownMinutes int     `env:"NEUTRAL_COOLDOWN_MINUTES" envDefault:"60"`
	LevelCap               int     `env:"LEVEL_CAP" envDefault:"5"`

	HotZoneWindowDays        int           `env:"HOT_ZONE_WINDOW_DAYS" envDefault:"7"`
	HotZoneThreshold         int           `env:"HOT_ZONE_THRESHOLD" envDefault:"2"`
	HotZoneCacheTTL          time.Duration `env:"HOT_ZONE_CACHE_TTL" envDefault:"5m"`
	HotZoneCaptureMultiplier float64       `env:"HOT_ZONE_CAPTURE_MULTIPLIER" envDefault:"0.5"`
	LossPenalty              float64       `env:"LOSS_PENALTY" envDefault:"0.5"`
	CapturePointsPerTile     float64       `env:"CAPTURE_POINTS_PER_TILE" envDefault:"10"`

	SpeedLimitKmh      float64 `env:"ABSOLUTE_SPEED_LIMIT_KMH" envDefault:"45"`
	MinPaceSecPerKm    float64 `env:"MIN_PACE_SEC_PER_KM" envDefault:"120"`
	LoopCloseThreshold float64 `env:"LOOP_CLOSE_THRESHOLD_M" envDefault:"50"`
	MinLoopPoints      int     `env:"MIN_LOOP_POINTS" envDefault:"10"`
	MinTerritoryAreaM2 float64 `env:"MIN_TERRITORY_AREA_M2" envDefault:"1000"`
	TileEdgeM          float64 `env:"TILE_EDGE_M" envDefault:"25"`

	DecayAfterDays int `env:"DECAY_AFTER_DAYS" envDefault:"7"`
	DecayHPPerDay  int `env:"DECAY_HP_PER_DAY" envDefault:"10"`
}

// Load reads a local .env if present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "sqlite":
	case "postgres", "mysql":
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required for STORE_DRIVER=%s", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.MinDamage < 1 {
		return fmt.Errorf("MIN_DAMAGE must be at least 1, got %d", c.MinDamage)
	}
	if c.MinLoopPoints < 2 {
		return fmt.Errorf("MIN_LOOP_POINTS must be at least 2, got %d", c.MinLoopPoints)
	}
	if c.MinDamage > c.MaxDamage {
		return fmt.Errorf("MIN_DAMAGE %d exceeds MAX_DAMAGE %d", c.MinDamage, c.MaxDamage)
	}
	if c.MaxHP <= 0 || c.TileEdgeM <= 0 {
		return fmt.Errorf("MAX_HP and TILE_EDGE_M must be positive")
	}
	return nil
}

// Rules converts the gameplay settings into the engine's rule set.
func (c *Config) Rules() citylord.Rules {
	return citylord.Rules{
		MaxHP:             c.MaxHP,
		DamagePerKm2:      c.DamagePerKm2,
		MinDamage:         c.MinDamage,
		MaxDamage:         c.MaxDamage,
		NeutralCooldown:   time.Duration(c.NeutralCooldownMinutes) * time.Minute,
		LevelCap:          c.LevelCap,
		HotZoneWindow:     time.Duration(c.HotZoneWindowDays) * 24 * time.Hour,
		HotZoneThreshold:  c.HotZoneThreshold,
		HotZoneCacheTTL:   c.HotZoneCacheTTL,
		HotZoneMultiplier: c.HotZoneCaptureMultiplier,
		LossPenalty:       c.LossPenalty,
		PointsPerTile:     c.CapturePointsPerTile,

		SpeedLimitKmh:      c.SpeedLimitKmh,
		MinPaceSecPerKm:    c.MinPaceSecPerKm,
		PaceCheckMinMeters: 1000,
		LoopCloseMeters:    c.LoopCloseThreshold,
		MinLoopPoints:      c.MinLoopPoints,
		MinTerritoryAreaM2: c.MinTerritoryAreaM2,

		DecayAfter:    time.Duration(c.DecayAfterDays) * 24 * time.Hour,
		DecayHPPerDay: c.DecayHPPerDay,
	}
}
