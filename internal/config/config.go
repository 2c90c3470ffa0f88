// Package config loads process configuration from an optional YAML file
// overlaid by BET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Fixture  FixtureConfig  `mapstructure:"fixture"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr     string        `mapstructure:"http_addr" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding" validate:"oneof=json console"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver" validate:"oneof=memory postgres sqlite"`
	PostgresDSN string `mapstructure:"postgres_dsn" validate:"required_if=Driver postgres"`
	SQLitePath  string `mapstructure:"sqlite_path" validate:"required_if=Driver sqlite"`
	PageSize    int    `mapstructure:"page_size" validate:"gte=1,lte=1000"`
}

// RedisConfig is optional; an empty URL disables caching and pub/sub.
type RedisConfig struct {
	URL           string        `mapstructure:"url"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	EventsChannel string        `mapstructure:"events_channel"`
}

// KafkaConfig is optional; empty brokers disable event publishing and
// the result feed.
type KafkaConfig struct {
	Brokers      string `mapstructure:"brokers"`
	EventsTopic  string `mapstructure:"events_topic"`
	ResultsTopic string `mapstructure:"results_topic"`
	GroupID      string `mapstructure:"group_id"`
}

type EngineConfig struct {
	CommissionRate    float64       `mapstructure:"commission_rate" validate:"gte=0,lt=1"`
	DefaultTakerOdds  float64       `mapstructure:"default_taker_odds" validate:"gt=1"`
	AcceptWindow      time.Duration `mapstructure:"accept_window" validate:"gt=0"`
	StrictTakerOdds   bool          `mapstructure:"strict_taker_odds"`
	MatchCheckTimeout time.Duration `mapstructure:"match_check_timeout" validate:"gt=0"`
}

// FixtureConfig points at the match-data service. An empty base URL
// means placements must name both teams and match status is not checked.
type FixtureConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ReaperConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// LimitsConfig caps stake at risk per party. Zero disables a cap.
type LimitsConfig struct {
	MaxPerMatch float64 `mapstructure:"max_per_match" validate:"gte=0"`
	MaxTotal    float64 `mapstructure:"max_total" validate:"gte=0"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads path (a missing file is tolerated) and the environment.
// With envOnly set the file is not read at all.
func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil && !missingFile(err) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "bet-engine")
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.development", false)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.sqlite_path", "")
	v.SetDefault("store.page_size", 100)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("redis.events_channel", "bet_events")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.events_topic", "bet_events")
	v.SetDefault("kafka.results_topic", "match_results")
	v.SetDefault("kafka.group_id", "bet-engine-settlement")
	v.SetDefault("engine.commission_rate", 0.05)
	v.SetDefault("engine.default_taker_odds", 2.0)
	v.SetDefault("engine.accept_window", "30m")
	v.SetDefault("engine.strict_taker_odds", false)
	v.SetDefault("engine.match_check_timeout", "2s")
	v.SetDefault("fixture.base_url", "")
	v.SetDefault("fixture.timeout", "2s")
	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.schedule", "@every 30s")
	v.SetDefault("limits.max_per_match", 0)
	v.SetDefault("limits.max_total", 0)
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("shutdown.timeout", "10s")
}

func missingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// Validate checks the loaded values. Invalid engine settings fail startup.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
