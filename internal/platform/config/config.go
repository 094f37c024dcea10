package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	Log        LogConfig        `koanf:"log"`
	Auth       AuthConfig       `koanf:"auth"`
	RateLimit  RateLimitConfig  `koanf:"ratelimit"`
	Cache      CacheConfig      `koanf:"cache"`
	Audit      AuditConfig      `koanf:"audit"`
	Invitation InvitationConfig `koanf:"invitation"`
}

type ServerConfig struct {
	Host               string   `koanf:"host"`
	Port               int      `koanf:"port"`
	CORSAllowedOrigins []string `koanf:"corsallowedorigins"`
	MaxBodyBytes       int64    `koanf:"maxbodybytes"`
}

type DatabaseConfig struct {
	URL            string `koanf:"url"`
	MigrationsPath string `koanf:"migrationspath"`
	MaxConns       int    `koanf:"maxconns"`
}

type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type AuthConfig struct {
	JWT           JWTConfig           `koanf:"jwt"`
	PasswordReset PasswordResetConfig `koanf:"passwordreset"`
}

type JWTConfig struct {
	AccessSecret     string `koanf:"accesssecret"`
	RefreshSecret    string `koanf:"refreshsecret"`
	Issuer           string `koanf:"issuer"`
	AccessTTLMinutes int    `koanf:"accessttlminutes"`
	RefreshTTLHours  int    `koanf:"refreshttlhours"`
}

type PasswordResetConfig struct {
	TTLMinutes int `koanf:"ttlminutes"`
}

// RuleConfig is a fixed-window limit.
type RuleConfig struct {
	Max           int `koanf:"max"`
	WindowMinutes int `koanf:"windowminutes"`
}

type RateLimitConfig struct {
	Enabled       bool       `koanf:"enabled"`
	General       RuleConfig `koanf:"general"`
	Auth          RuleConfig `koanf:"auth"`
	PasswordReset RuleConfig `koanf:"passwordreset"`
	Reports       RuleConfig `koanf:"reports"`
}

type CacheConfig struct {
	DefaultTTLSeconds    int `koanf:"defaultttlseconds"`
	ReportTTLSeconds     int `koanf:"reportttlseconds"`
	SweepIntervalSeconds int `koanf:"sweepintervalseconds"`
}

type AuditConfig struct {
	BufferSize      int `koanf:"buffersize"`
	BatchSize       int `koanf:"batchsize"`
	FlushIntervalMS int `koanf:"flushintervalms"`
}

type InvitationConfig struct {
	TTLHours int `koanf:"ttlhours"`
}

func Load(configPaths ...string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	_ = k.Load(confmap.Provider(map[string]any{
		"server.port":                           8080,
		"server.host":                           "0.0.0.0",
		"server.maxbodybytes":                   1 << 20,
		"database.maxconns":                     25,
		"database.migrationspath":               "migrations",
		"redis.enabled":                         false,
		"redis.addr":                            "localhost:6379",
		"log.level":                             "info",
		"log.format":                            "json",
		"auth.jwt.issuer":                       "granary",
		"auth.jwt.accessttlminutes":             60,
		"auth.jwt.refreshttlhours":              168,
		"auth.passwordreset.ttlminutes":         30,
		"ratelimit.enabled":                     true,
		"ratelimit.general.max":                 100,
		"ratelimit.general.windowminutes":       15,
		"ratelimit.auth.max":                    5,
		"ratelimit.auth.windowminutes":          15,
		"ratelimit.passwordreset.max":           3,
		"ratelimit.passwordreset.windowminutes": 15,
		"ratelimit.reports.max":                 10,
		"ratelimit.reports.windowminutes":       5,
		"cache.defaultttlseconds":               300,
		"cache.reportttlseconds":                600,
		"cache.sweepintervalseconds":            60,
		"audit.buffersize":                      4096,
		"audit.batchsize":                       100,
		"audit.flushintervalms":                 500,
		"invitation.ttlhours":                   72,
	}, "."), nil)

	// YAML file (optional)
	for _, path := range configPaths {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// Config file is optional, skip if not found
			continue
		}
	}

	// Environment variables override everything
	// GRANARY_SERVER_PORT -> server.port
	_ = k.Load(env.Provider("GRANARY_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "GRANARY_")),
			"_", ".",
		)
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
