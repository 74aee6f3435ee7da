package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// MemoryURI selects the in-process document store instead of MongoDB.
const MemoryURI = "memory://"

// JWTConfig defines issuer/secret pair for auth verification.
type JWTConfig struct {
	Issuer string
	Secret []byte
}

// Config holds runtime configuration shared across the application.
type Config struct {
	Addr               string
	MongoURI           string
	MongoDatabase      string
	UserCollection     string
	SurveyCollection   string
	ResponseCollection string
	AnswerCollection   string
	Timeout            time.Duration
	Timezone           string
	Location           *time.Location
	Logger             *zap.Logger
	LogLevel           string
	JWTConfigs         []JWTConfig
	JWTAudience        string
	AllowedOrigins     []string

	EnforceOptionMembership bool
	DefaultUserTags         []string
	CatalogRefreshInterval  time.Duration
	ExpiryRetryInterval     time.Duration
}

// UseMemoryStore reports whether MONGO_URI selects the in-process store.
func (c Config) UseMemoryStore() bool {
	return strings.HasPrefix(c.MongoURI, MemoryURI)
}

// fileConfig は SURVEY_CONFIG_FILE で指定する YAML の形。環境変数が優先される。
type fileConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	Mongo    struct {
		URI            string `yaml:"uri"`
		Database       string `yaml:"database"`
		ConnectTimeout string `yaml:"connect_timeout"`
		Collections    struct {
			Users     string `yaml:"users"`
			Surveys   string `yaml:"surveys"`
			Responses string `yaml:"responses"`
			Answers   string `yaml:"answers"`
		} `yaml:"collections"`
	} `yaml:"mongo"`
	Timezone string `yaml:"timezone"`
	LogLevel string `yaml:"log_level"`
	Auth     struct {
		Issuer   string `yaml:"issuer"`
		Audience string `yaml:"audience"`
	} `yaml:"auth"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	Survey         struct {
		EnforceOptionMembership *bool    `yaml:"enforce_option_membership"`
		DefaultUserTags         []string `yaml:"default_user_tags"`
		CatalogRefreshInterval  string   `yaml:"catalog_refresh_interval"`
		ExpiryRetryInterval     string   `yaml:"expiry_retry_interval"`
	} `yaml:"survey"`
}

// Load reads environment variables and returns a fully populated Config.
func Load() Config {
	cfg, err := load(os.Getenv)
	if err != nil {
		log.Fatal(err)
	}
	cfg.Logger.Info("設定を読み込みました",
		zap.String("addr", cfg.Addr),
		zap.Bool("memoryStore", cfg.UseMemoryStore()),
		zap.String("database", cfg.MongoDatabase),
		zap.Bool("enforceOptionMembership", cfg.EnforceOptionMembership),
	)
	return cfg
}

func load(getenv func(string) string) (Config, error) {
	env := envReader(getenv)

	var file fileConfig
	if path := env.trimmed("SURVEY_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	timeout, err := env.duration("MONGO_CONNECT_TIMEOUT", orDefault(file.Mongo.ConnectTimeout, "10s"))
	if err != nil {
		return Config{}, err
	}
	refresh, err := env.duration("CATALOG_REFRESH_INTERVAL", orDefault(file.Survey.CatalogRefreshInterval, "1m"))
	if err != nil {
		return Config{}, err
	}
	retry, err := env.duration("EXPIRY_RETRY_INTERVAL", orDefault(file.Survey.ExpiryRetryInterval, "30s"))
	if err != nil {
		return Config{}, err
	}

	enforce := true
	if file.Survey.EnforceOptionMembership != nil {
		enforce = *file.Survey.EnforceOptionMembership
	}
	if raw := env.trimmed("ENFORCE_OPTION_MEMBERSHIP"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("ENFORCE_OPTION_MEMBERSHIP: %w", err)
		}
		enforce = parsed
	}

	secret := env.trimmed("AUTH_JWT_SECRET")
	if secret == "" {
		return Config{}, fmt.Errorf("AUTH_JWT_SECRET must be configured")
	}
	jwtConfigs := []JWTConfig{{
		Issuer: env.orDefault("AUTH_JWT_ISSUER", orDefault(file.Auth.Issuer, "lisd-survey-auth")),
		Secret: []byte(secret),
	}}

	timezone := env.orDefault("TIMEZONE", orDefault(file.Timezone, "UTC"))
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return Config{}, fmt.Errorf("TIMEZONE: %w", err)
	}

	logLevel := env.orDefault("LOG_LEVEL", orDefault(file.LogLevel, "info"))
	logger, err := newLogger(logLevel, env.trimmed("ENV"))
	if err != nil {
		return Config{}, err
	}

	defaultTags := file.Survey.DefaultUserTags
	if len(defaultTags) == 0 {
		defaultTags = []string{"general"}
	}
	allowedOrigins := file.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	return Config{
		Addr:                    env.orDefault("HTTP_ADDR", orDefault(file.HTTPAddr, ":8080")),
		MongoURI:                env.orDefault("MONGO_URI", orDefault(file.Mongo.URI, "mongodb://mongo:27017/?replicaSet=rs0")),
		MongoDatabase:           env.orDefault("MONGO_DB", orDefault(file.Mongo.Database, "lisd-survey")),
		UserCollection:          env.orDefault("USER_COLLECTION", orDefault(file.Mongo.Collections.Users, "users")),
		SurveyCollection:        env.orDefault("SURVEY_COLLECTION", orDefault(file.Mongo.Collections.Surveys, "surveys")),
		ResponseCollection:      env.orDefault("RESPONSE_COLLECTION", orDefault(file.Mongo.Collections.Responses, "survey_responses")),
		AnswerCollection:        env.orDefault("ANSWER_COLLECTION", orDefault(file.Mongo.Collections.Answers, "survey_answers")),
		Timeout:                 timeout,
		Timezone:                timezone,
		Location:                location,
		Logger:                  logger,
		LogLevel:                logLevel,
		JWTConfigs:              jwtConfigs,
		JWTAudience:             env.orDefault("AUTH_JWT_AUDIENCE", file.Auth.Audience),
		AllowedOrigins:          env.list("API_ALLOWED_ORIGINS", allowedOrigins),
		EnforceOptionMembership: enforce,
		DefaultUserTags:         env.list("DEFAULT_USER_TAGS", defaultTags),
		CatalogRefreshInterval:  refresh,
		ExpiryRetryInterval:     retry,
	}, nil
}

// newLogger は LOG_LEVEL と ENV から zap のロガーを組み立てる。
func newLogger(level, environment string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zapConfig := zap.NewProductionConfig()
	if strings.EqualFold(environment, "development") {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(parsed)
	return zapConfig.Build()
}

type envReader func(string) string

func (e envReader) trimmed(key string) string {
	return strings.TrimSpace(e(key))
}

func (e envReader) orDefault(key, fallback string) string {
	if v := e.trimmed(key); v != "" {
		return v
	}
	return fallback
}

func (e envReader) duration(key, fallback string) (time.Duration, error) {
	raw := e.orDefault(key, fallback)
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}

func (e envReader) list(key string, fallback []string) []string {
	raw := e.trimmed(key)
	if raw == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			values = append(values, part)
		}
	}

	if len(values) == 0 {
		return fallback
	}
	return values
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
