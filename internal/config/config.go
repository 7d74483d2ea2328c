package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"crash-round-backend/internal/models"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string

	RedisURL  string
	RedisPass string
	RedisDB   int

	DatabaseURL string

	JWTSecret string
	JWTExpiry time.Duration

	Crash CrashConfig
}

// CrashConfig tunes the round engine. Every field can be overridden from the
// YAML file named by CRASH_CONFIG_FILE.
type CrashConfig struct {
	HouseEdge      decimal.Decimal `yaml:"-"`
	HouseEdgeRaw   string          `yaml:"house_edge"`
	BettingWindow  time.Duration   `yaml:"betting_window"`
	StartingDelay  time.Duration   `yaml:"starting_delay"`
	TickInterval   time.Duration   `yaml:"tick_interval"`
	Cooldown       time.Duration   `yaml:"cooldown"`
	GrowthRate     float64         `yaml:"growth_rate"`
	MaxCrashPoint  decimal.Decimal `yaml:"-"`
	MaxCrashRaw    string          `yaml:"max_crash_point"`
	MinBet         decimal.Decimal `yaml:"-"`
	MinBetRaw      string          `yaml:"min_bet"`
	MaxBet         decimal.Decimal `yaml:"-"`
	MaxBetRaw      string          `yaml:"max_bet"`
	WalletTimeout  time.Duration   `yaml:"wallet_timeout"`
	PersistTimeout time.Duration   `yaml:"persist_timeout"`
	StallTimeout   time.Duration   `yaml:"stall_timeout"`
	RigCandidates  int             `yaml:"rig_candidates"`
	RigHistory     int             `yaml:"rig_history"`
	ServerSeed     string          `yaml:"server_seed"`
	PublicSalt     string          `yaml:"public_salt"`
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		RedisURL:    getEnv("REDIS_URL", "localhost:6379"),
		RedisPass:   os.Getenv("REDIS_PASSWORD"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		Crash: CrashConfig{
			HouseEdgeRaw:  getEnv("CRASH_HOUSE_EDGE", "0.01"),
			MaxCrashRaw:   getEnv("CRASH_MAX_POINT", "1000"),
			MinBetRaw:     getEnv("CRASH_MIN_BET", "0.10"),
			MaxBetRaw:     getEnv("CRASH_MAX_BET", "10000"),
			ServerSeed:    os.Getenv("CRASH_SERVER_SEED"),
			PublicSalt:    getEnv("CRASH_PUBLIC_SALT", "crash-round"),
			GrowthRate:    0.2,
			RigCandidates: 16,
			RigHistory:    100,
		},
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.JWTExpiry, err = getDuration("JWT_EXPIRY", 24*time.Hour); err != nil {
		return nil, err
	}

	c := &cfg.Crash
	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"CRASH_BETTING_WINDOW", 5 * time.Second, &c.BettingWindow},
		{"CRASH_STARTING_DELAY", 750 * time.Millisecond, &c.StartingDelay},
		{"CRASH_TICK_INTERVAL", 100 * time.Millisecond, &c.TickInterval},
		{"CRASH_COOLDOWN", 3 * time.Second, &c.Cooldown},
		{"CRASH_WALLET_TIMEOUT", 2 * time.Second, &c.WalletTimeout},
		{"CRASH_PERSIST_TIMEOUT", 3 * time.Second, &c.PersistTimeout},
		{"CRASH_STALL_TIMEOUT", 5 * time.Second, &c.StallTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("CRASH_GROWTH_RATE"); v != "" {
		if c.GrowthRate, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("invalid CRASH_GROWTH_RATE: %v", err)
		}
	}
	if c.RigCandidates, err = getInt("CRASH_RIG_CANDIDATES", c.RigCandidates); err != nil {
		return nil, err
	}
	if c.RigHistory, err = getInt("CRASH_RIG_HISTORY", c.RigHistory); err != nil {
		return nil, err
	}

	if path := os.Getenv("CRASH_CONFIG_FILE"); path != "" {
		if err := c.overlay(path); err != nil {
			return nil, err
		}
	}

	if err := c.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// overlay merges a YAML document over the environment values. Keys absent
// from the file keep their current value.
func (c *CrashConfig) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read crash config %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse crash config %s: %v", path, err)
	}
	return nil
}

func (c *CrashConfig) finalize() error {
	var err error
	if c.HouseEdge, err = decimal.NewFromString(c.HouseEdgeRaw); err != nil {
		return fmt.Errorf("invalid house edge %q: %v", c.HouseEdgeRaw, err)
	}
	if c.HouseEdge.IsNegative() || c.HouseEdge.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("house edge must be in [0,1), got %s", c.HouseEdge)
	}
	if c.MaxCrashPoint, err = decimal.NewFromString(c.MaxCrashRaw); err != nil {
		return fmt.Errorf("invalid max crash point %q: %v", c.MaxCrashRaw, err)
	}
	if c.MaxCrashPoint.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("max crash point must be at least 1.00, got %s", c.MaxCrashPoint)
	}
	if c.MaxCrashPoint.GreaterThan(models.MaxStoredCrashPoint) {
		c.MaxCrashPoint = models.MaxStoredCrashPoint
	}
	if c.MinBet, err = decimal.NewFromString(c.MinBetRaw); err != nil {
		return fmt.Errorf("invalid min bet %q: %v", c.MinBetRaw, err)
	}
	if c.MaxBet, err = decimal.NewFromString(c.MaxBetRaw); err != nil {
		return fmt.Errorf("invalid max bet %q: %v", c.MaxBetRaw, err)
	}
	if !c.MinBet.IsPositive() || c.MaxBet.LessThan(c.MinBet) {
		return fmt.Errorf("bet bounds must satisfy 0 < min <= max, got %s..%s", c.MinBet, c.MaxBet)
	}
	if c.TickInterval <= 0 || c.BettingWindow <= 0 {
		return fmt.Errorf("tick interval and betting window must be positive")
	}
	if c.GrowthRate <= 0 {
		return fmt.Errorf("growth rate must be positive, got %v", c.GrowthRate)
	}
	if c.RigCandidates < 1 {
		c.RigCandidates = 1
	}
	if c.RigHistory < 1 {
		c.RigHistory = 1
	}
	return nil
}

// Defaults returns the engine settings used when no environment is present.
// Tests start from here and shrink the timings.
func Defaults() CrashConfig {
	c := CrashConfig{
		HouseEdgeRaw:   "0.01",
		MaxCrashRaw:    "1000",
		MinBetRaw:      "0.10",
		MaxBetRaw:      "10000",
		PublicSalt:     "crash-round",
		BettingWindow:  5 * time.Second,
		StartingDelay:  750 * time.Millisecond,
		TickInterval:   100 * time.Millisecond,
		Cooldown:       3 * time.Second,
		GrowthRate:     0.2,
		WalletTimeout:  2 * time.Second,
		PersistTimeout: 3 * time.Second,
		StallTimeout:   5 * time.Second,
		RigCandidates:  16,
		RigHistory:     100,
	}
	_ = c.finalize()
	return c
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return d, nil
}
