package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	_ "github.com/joho/godotenv/autoload"
)

// Config holds every tunable policy parameter of the engine. The game
// constants are policy, not contract: operators may change them without
// touching the fairness math.
type Config struct {
	Port int `env:"PORT" envDefault:"8080"`

	// Fairness
	HouseEdge     float64 `env:"GAME_HOUSE_EDGE" envDefault:"0.01"`
	MaxMultiplier float64 `env:"GAME_MAX_MULTIPLIER" envDefault:"1000000"`

	// Multiplier curve: m(t) = 1 + coeff * t^exp
	GrowthCoeff float64 `env:"GAME_GROWTH_COEFF" envDefault:"0.12"`
	GrowthExp   float64 `env:"GAME_GROWTH_EXP" envDefault:"1.5"`

	// Phase timing
	TickInterval  time.Duration `env:"GAME_TICK_INTERVAL" envDefault:"100ms"`
	BettingWindow time.Duration `env:"GAME_BETTING_WINDOW" envDefault:"5s"`
	Countdown     time.Duration `env:"GAME_COUNTDOWN" envDefault:"3s"`
	Cooldown      time.Duration `env:"GAME_COOLDOWN" envDefault:"3s"`

	// Bet limits
	MinBet decimal.Decimal `env:"GAME_MIN_BET" envDefault:"1"`
	MaxBet decimal.Decimal `env:"GAME_MAX_BET" envDefault:"10000"`

	// Asset precision: payouts are truncated to this many decimal places.
	Asset      string `env:"GAME_ASSET" envDefault:"USD"`
	AssetScale int32  `env:"GAME_ASSET_SCALE" envDefault:"2"`

	// Redis (balance collaborator)
	RedisAddr     string `env:"REDIS_URL" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Postgres (round/bet archive)
	DBHost     string `env:"CRASH_DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"CRASH_DB_PORT" envDefault:"5432"`
	DBDatabase string `env:"CRASH_DB_DATABASE" envDefault:"crashdb"`
	DBUsername string `env:"CRASH_DB_USERNAME" envDefault:"postgres"`
	DBPassword string `env:"CRASH_DB_PASSWORD" envDefault:"postgres"`
	DBSchema   string `env:"CRASH_DB_SCHEMA" envDefault:"public"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DatabaseURL builds the postgres DSN shared by the store, the database
// service and the migration tool.
func (c *Config) DatabaseURL() string {
	return "postgres://" + c.DBUsername + ":" + c.DBPassword + "@" +
		c.DBHost + ":" + c.DBPort + "/" + c.DBDatabase +
		"?sslmode=disable&search_path=" + c.DBSchema
}
