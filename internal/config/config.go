// Package config loads the shellcache configuration: defaults, then the YAML
// file, then SHELLCACHE_* environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shellcache/shellcache"
	routerules "github.com/shellcache/shellcache/pkg/route-rules"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables overriding the file.
const EnvPrefix = "SHELLCACHE_"

const (
	DriverMemory  = "memory"
	DriverSQLite  = "sqlite"
	DriverLevelDB = "leveldb"
	DriverRedis   = "redis"
)

type Config struct {
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Origin  OriginConfig  `yaml:"origin" envPrefix:"ORIGIN_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Cache   CacheConfig   `yaml:"cache" envPrefix:"CACHE_"`
	// Public URL pages are loaded from. Defaults to the origin URL.
	Scope string `yaml:"scope" env:"SCOPE"`
	// Queue offline writes for background sync.
	Sync          bool                            `yaml:"sync" env:"SYNC"`
	Notifications shellcache.NotificationDefaults `yaml:"notifications"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	LogFile         string        `yaml:"logFile" env:"LOG_FILE"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
}

type OriginConfig struct {
	URL string `yaml:"url" env:"URL"`
	// Hostname for HTTP requests and TLS, if the URL is an IP address.
	Host    string        `yaml:"host" env:"HOST"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type StorageConfig struct {
	Driver    string `yaml:"driver" env:"DRIVER"`
	Path      string `yaml:"path" env:"PATH"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	Redis     struct {
		Addr     string `yaml:"addr" env:"ADDR"`
		Password string `yaml:"password" env:"PASSWORD"`
		DB       int    `yaml:"db" env:"DB"`
	} `yaml:"redis" envPrefix:"REDIS_"`
}

type CacheConfig struct {
	// Version registered at startup. Nothing is installed if empty.
	Version            string           `yaml:"version" env:"VERSION"`
	Manifest           []string         `yaml:"manifest" env:"MANIFEST"`
	OfflineDocument    string           `yaml:"offlineDocument" env:"OFFLINE_DOCUMENT"`
	InstallConcurrency int              `yaml:"installConcurrency" env:"INSTALL_CONCURRENCY"`
	Rules              routerules.Rules `yaml:"rules"`
}

// Default returns the configuration used for everything the file and environment leave unset.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Origin: OriginConfig{
			Timeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Driver:    DriverSQLite,
			Path:      "shellcache.db",
			Namespace: "shellcache",
		},
		Cache: CacheConfig{
			OfflineDocument:    "/index.html",
			InstallConcurrency: 6,
		},
		Sync: true,
	}
}

// Load reads and validates the configuration.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read reads the configuration file, if path is not empty, and applies environment overrides.
// The result is not validated, so that callers can apply further overrides first.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration and fills in derived defaults.
func (c *Config) Validate() error {
	if c.Origin.URL == "" {
		return fmt.Errorf("origin.url is required")
	}
	origin, err := url.Parse(c.Origin.URL)
	if err != nil {
		return fmt.Errorf("origin.url: %w", err)
	}
	if !origin.IsAbs() || origin.Host == "" {
		return fmt.Errorf("origin.url must be an absolute URL, got %q", c.Origin.URL)
	}
	c.Origin.URL = strings.TrimRight(c.Origin.URL, "/")

	if c.Scope == "" {
		c.Scope = c.Origin.URL
	}
	scope, err := url.Parse(c.Scope)
	if err != nil {
		return fmt.Errorf("scope: %w", err)
	}
	if !scope.IsAbs() || scope.Host == "" {
		return fmt.Errorf("scope must be an absolute URL, got %q", c.Scope)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite, DriverLevelDB:
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}
	if (c.Storage.Driver == DriverSQLite || c.Storage.Driver == DriverLevelDB) && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for the %s driver", c.Storage.Driver)
	}

	if c.Cache.Version != "" && len(c.Cache.Manifest) == 0 {
		return fmt.Errorf("cache.manifest is required when cache.version is set")
	}
	if err := c.Cache.Rules.Validate(); err != nil {
		return fmt.Errorf("cache.rules: %w", err)
	}
	return nil
}

// OriginURL returns the parsed origin URL. Only valid after Validate.
func (c Config) OriginURL() *url.URL {
	u, _ := url.Parse(c.Origin.URL)
	return u
}

// ScopeURL returns the parsed scope URL. Only valid after Validate.
func (c Config) ScopeURL() *url.URL {
	u, _ := url.Parse(c.Scope)
	return u
}

// OutboxNamespace is the storage namespace of queued offline writes.
func (c Config) OutboxNamespace() string {
	return c.Storage.Namespace + "_outbox"
}
