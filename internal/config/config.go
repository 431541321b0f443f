package config

import (
	"fmt"
	"time"

	"github.com/jrsteele09/go-secure-gateway/audit"
	"github.com/jrsteele09/go-secure-gateway/bulkhead"
	"github.com/jrsteele09/go-secure-gateway/cache"
	"github.com/jrsteele09/go-secure-gateway/circuit"
	"github.com/jrsteele09/go-secure-gateway/csrf"
	"github.com/jrsteele09/go-secure-gateway/gateway"
	"github.com/jrsteele09/go-secure-gateway/token"
)

const (
	DurableMemory   = "memory"
	DurableRedis    = "redis"
	DurablePostgres = "postgres"
)

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

// Config is the full sidecar configuration. Field names match YAML keys case-insensitively.
type Config struct {
	Env      string          `koanf:"env" validate:"required"`
	AppName  string          `koanf:"appName"`
	Log      LogConfig       `koanf:"log"`
	HTTP     HTTPConfig      `koanf:"http"`
	Upstream UpstreamConfig  `koanf:"upstream"`
	Identity IdentityConfig  `koanf:"identity"`
	Storage  StorageConfig   `koanf:"storage"`
	Token    TokenConfig     `koanf:"token"`
	CSRF     CSRFConfig      `koanf:"csrf"`
	Circuit  CircuitConfig   `koanf:"circuit"`
	Bulkhead BulkheadConfig  `koanf:"bulkhead"`
	Cache    CacheConfig     `koanf:"cache"`
	Audit    AuditConfig     `koanf:"audit"`
	Routes   []gateway.Route `koanf:"routes"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `koanf:"pretty"`
}

type HTTPConfig struct {
	Port              int           `koanf:"port" validate:"min=1,max=65535"`
	ReadHeaderTimeout time.Duration `koanf:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdownTimeout"`
	Cors              CorsSettings  `koanf:"cors"`
}

type CorsSettings struct {
	AllowedOrigins []string `koanf:"allowedOrigins"`
	AllowedMethods string   `koanf:"allowedMethods"`
	AllowedHeaders string   `koanf:"allowedHeaders"`
}

type UpstreamConfig struct {
	BaseURL          string        `koanf:"baseURL" validate:"required,url"`
	Timeout          time.Duration `koanf:"timeout"`
	MaxResponseBytes int64         `koanf:"maxResponseBytes" validate:"gte=0"`
}

// IdentityConfig locates the token endpoint used for refresh. Issuer triggers OIDC
// discovery; TokenURL skips it.
type IdentityConfig struct {
	Issuer        string        `koanf:"issuer" validate:"omitempty,url"`
	TokenURL      string        `koanf:"tokenURL" validate:"omitempty,url"`
	ClientID      string        `koanf:"clientID" validate:"required_with=Issuer TokenURL"`
	ClientSecret  string        `koanf:"clientSecret"`
	Scopes        []string      `koanf:"scopes"`
	RefreshWindow time.Duration `koanf:"refreshWindow"`
}

// RefreshEnabled reports whether a token endpoint is configured.
func (i IdentityConfig) RefreshEnabled() bool {
	return i.Issuer != "" || i.TokenURL != ""
}

type StorageConfig struct {
	Durable       string `koanf:"durable" validate:"oneof=memory redis postgres"`
	RedisAddr     string `koanf:"redisAddr" validate:"required_if=Durable redis"`
	RedisPassword string `koanf:"redisPassword"`
	RedisPrefix   string `koanf:"redisPrefix"`
	PostgresDSN   string `koanf:"postgresDSN" validate:"required_if=Durable postgres"`
}

type TokenConfig struct {
	InactivityTimeout time.Duration `koanf:"inactivityTimeout"`
	DefaultLifetime   time.Duration `koanf:"defaultLifetime"`
	SweepInterval     time.Duration `koanf:"sweepInterval"`
	MigrateLegacy     bool          `koanf:"migrateLegacy"`
}

type CSRFConfig struct {
	TTL         time.Duration `koanf:"ttl"`
	MetaURL     string        `koanf:"metaURL" validate:"omitempty,url"`
	CookieNames []string      `koanf:"cookieNames"`
}

type CircuitConfig struct {
	Default circuit.Config            `koanf:"default"`
	Classes map[string]circuit.Config `koanf:"classes"`
}

type BulkheadConfig struct {
	Default bulkhead.Config            `koanf:"default"`
	Classes map[string]bulkhead.Config `koanf:"classes"`
}

type CacheConfig struct {
	MaxEntries      int           `koanf:"maxEntries" validate:"min=1"`
	DefaultTTL      time.Duration `koanf:"defaultTTL"`
	SweepInterval   time.Duration `koanf:"sweepInterval"`
	PersistInterval time.Duration `koanf:"persistInterval"`
	SnapshotKey     string        `koanf:"snapshotKey"`
}

type AuditConfig struct {
	audit.Config `koanf:",squash"`
	Endpoint     string `koanf:"endpoint" validate:"omitempty,url"`
	ChecksumKey  string `koanf:"checksumKey"`
	BackupKey    string `koanf:"backupKey"`
}

// Default returns the configuration used when neither the file nor the environment
// sets a value. Slices stay nil so a configured list replaces rather than merges.
func Default() Config {
	return Config{
		Env:     "DEV",
		AppName: "Secure Gateway",
		Log:     LogConfig{Level: "info"},
		HTTP: HTTPConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			Cors: CorsSettings{
				AllowedMethods: "GET, POST, PUT, PATCH, DELETE",
				AllowedHeaders: "Content-Type, Authorization, X-CSRF-Token, X-Request-Priority",
			},
		},
		Upstream: UpstreamConfig{
			Timeout:          30 * time.Second,
			MaxResponseBytes: 10 << 20,
		},
		Identity: IdentityConfig{RefreshWindow: token.DefaultRefreshWindow},
		Storage:  StorageConfig{Durable: DurableMemory, RedisPrefix: "gateway:"},
		Token: TokenConfig{
			InactivityTimeout: token.DefaultInactivityTimeout,
			DefaultLifetime:   token.DefaultLifetime,
			SweepInterval:     time.Minute,
			MigrateLegacy:     true,
		},
		CSRF:     CSRFConfig{TTL: csrf.DefaultTTL},
		Circuit:  CircuitConfig{Default: circuit.DefaultConfig()},
		Bulkhead: BulkheadConfig{Default: bulkhead.DefaultConfig()},
		Cache: CacheConfig{
			MaxEntries:      cache.DefaultMaxEntries,
			DefaultTTL:      cache.DefaultTTL,
			SweepInterval:   time.Minute,
			PersistInterval: 30 * time.Second,
			SnapshotKey:     cache.DefaultSnapshotKey,
		},
		Audit: AuditConfig{
			Config:    audit.DefaultConfig(),
			BackupKey: audit.DefaultBackupKey,
		},
	}
}

func (c *Config) applySliceDefaults() {
	if len(c.Identity.Scopes) == 0 {
		c.Identity.Scopes = []string{"openid", "offline_access"}
	}
	if len(c.CSRF.CookieNames) == 0 {
		c.CSRF.CookieNames = append([]string(nil), csrf.DefaultCookieNames...)
	}
}

var (
	_ EnvConfig  = (*Config)(nil)
	_ CorsConfig = (*Config)(nil)
)

func (c *Config) GetPort() string {
	return fmt.Sprintf(":%d", c.HTTP.Port)
}

func (c *Config) GetAppName() string {
	return c.AppName
}

func (c *Config) GetEnv() string {
	return c.Env
}

func (c *Config) GetAllowedOrigins() AllowedOrigins {
	return NewAllowedOrigins(c.HTTP.Cors.AllowedOrigins...)
}

func (c *Config) GetAllowedMethods() string {
	return c.HTTP.Cors.AllowedMethods
}

func (c *Config) GetAllowedHeaders() string {
	return c.HTTP.Cors.AllowedHeaders
}
