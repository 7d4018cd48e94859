package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/pelletier/go-toml/v2"

	"github.com/example/cardscan/internal/logging"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "CARDSCAN_CONFIG"

// Server contains HTTP listener settings.
type Server struct {
	Addr            string `toml:"addr" default:":8080"`
	ShutdownTimeout int    `toml:"shutdown_timeout" default:"15"` // seconds
	Mode            string `toml:"mode" default:"release"`         // gin mode: debug, release, test
}

// Catalog contains settings for fetching card lists and artwork.
type Catalog struct {
	BaseURL           string `toml:"base_url" default:"https://db.ygoprodeck.com/api/v7"`
	SecondaryLanguage string `toml:"secondary_language" default:"it"`
	ImageURLTemplate  string `toml:"image_url_template" default:"https://images.ygoprodeck.com/images/cards_cropped/%s.jpg"`
	HashingEnabled    bool   `toml:"hashing_enabled" default:"false"`
	HashWorkers       int    `toml:"hash_workers" default:"8"`
	RefreshInterval   int    `toml:"refresh_interval" default:"0"` // seconds, 0 disables
	HTTPTimeout       int    `toml:"http_timeout" default:"30"`    // seconds
	RetryAttempts     int    `toml:"retry_attempts" default:"4"`
	UserAgent         string `toml:"user_agent" default:"cardscan/1.0"`
}

// Match contains identification and search tuning.
type Match struct {
	Threshold   int `toml:"threshold" default:"15"`
	SearchLimit int `toml:"search_limit" default:"20"`
}

// Storage contains on-disk locations.
type Storage struct {
	DataDir       string `toml:"data_dir" default:"data"`
	SnapshotFile  string `toml:"snapshot_file"`   // default: <data_dir>/cards.cbor
	HashCacheFile string `toml:"hash_cache_file"` // default: <data_dir>/hashcache.db
}

// Redis contains result cache settings. An empty Addr disables caching.
type Redis struct {
	Addr string `toml:"addr"`
	TTL  int    `toml:"ttl" default:"300"` // seconds
}

// Database contains history database settings. An empty DSN disables history.
type Database struct {
	DSN string `toml:"dsn"`
}

// Auth contains JWT settings for the rebuild endpoint. An empty JWTSecret
// rejects every rebuild request.
type Auth struct {
	JWTSecret    string `toml:"jwt_secret"`
	Audience     string `toml:"audience"`
	RebuildScope string `toml:"rebuild_scope" default:"cards:rebuild"`
}

// Log contains log output settings.
type Log struct {
	Level         string `toml:"level" default:"info"`
	Format        string `toml:"format" default:"auto"`
	File          string `toml:"file"`
	MaxAgeDays    int    `toml:"max_age_days" default:"7"`
	RotationHours int    `toml:"rotation_hours" default:"24"`
}

// Config encapsulates all configuration values for cardscan.
type Config struct {
	Server   Server   `toml:"server"`
	Catalog  Catalog  `toml:"catalog"`
	Match    Match    `toml:"match"`
	Storage  Storage  `toml:"storage"`
	Redis    Redis    `toml:"redis"`
	Database Database `toml:"database"`
	Auth     Auth     `toml:"auth"`
	Log      Log      `toml:"log"`
}

// Default returns a Config populated from the struct tag defaults.
func Default() Config {
	var cfg Config
	defaults.SetDefaults(&cfg)
	return cfg
}

// Load builds the configuration from defaults, an optional TOML file and
// CARDSCAN_* environment variables, in that order of precedence. An empty
// path falls back to $CARDSCAN_CONFIG and then ./cardscan.toml. It returns
// the resolved path and whether that file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, "", false, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = "cardscan.toml"
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false, fmt.Errorf("resolve config path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return abs, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %q is a directory", abs)
	}
	return abs, true, nil
}

func (c *Config) applyEnv() error {
	envString("CARDSCAN_SERVER_ADDR", &c.Server.Addr)
	envString("CARDSCAN_CATALOG_BASE_URL", &c.Catalog.BaseURL)
	envString("CARDSCAN_SECONDARY_LANGUAGE", &c.Catalog.SecondaryLanguage)
	envString("CARDSCAN_IMAGE_URL_TEMPLATE", &c.Catalog.ImageURLTemplate)
	envString("CARDSCAN_DATA_DIR", &c.Storage.DataDir)
	envString("CARDSCAN_REDIS_ADDR", &c.Redis.Addr)
	envString("CARDSCAN_DATABASE_DSN", &c.Database.DSN)
	envString("CARDSCAN_JWT_SECRET", &c.Auth.JWTSecret)
	envString("CARDSCAN_JWT_AUDIENCE", &c.Auth.Audience)
	envString("CARDSCAN_LOG_LEVEL", &c.Log.Level)
	envString("CARDSCAN_LOG_FORMAT", &c.Log.Format)
	envString("CARDSCAN_LOG_FILE", &c.Log.File)

	if err := envBool("CARDSCAN_HASHING", &c.Catalog.HashingEnabled); err != nil {
		return err
	}
	if err := envInt("CARDSCAN_HASH_WORKERS", &c.Catalog.HashWorkers); err != nil {
		return err
	}
	if err := envInt("CARDSCAN_REFRESH_INTERVAL", &c.Catalog.RefreshInterval); err != nil {
		return err
	}
	return envInt("CARDSCAN_MATCH_THRESHOLD", &c.Match.Threshold)
}

func envString(key string, target *string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*target = value
	}
}

func envInt(key string, target *int) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*target = n
	return nil
}

func envBool(key string, target *bool) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*target = b
	return nil
}

func (c *Config) normalize() {
	c.Catalog.BaseURL = strings.TrimRight(strings.TrimSpace(c.Catalog.BaseURL), "/")
	c.Catalog.SecondaryLanguage = strings.ToLower(strings.TrimSpace(c.Catalog.SecondaryLanguage))
	if c.Storage.SnapshotFile == "" {
		c.Storage.SnapshotFile = filepath.Join(c.Storage.DataDir, "cards.cbor")
	}
	if c.Storage.HashCacheFile == "" {
		c.Storage.HashCacheFile = filepath.Join(c.Storage.DataDir, "hashcache.db")
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Catalog.BaseURL == "":
		return errors.New("catalog.base_url must be set")
	case !strings.Contains(c.Catalog.ImageURLTemplate, "%s"):
		return fmt.Errorf("catalog.image_url_template %q must contain %%s", c.Catalog.ImageURLTemplate)
	case c.Catalog.HashWorkers < 1:
		return fmt.Errorf("catalog.hash_workers must be positive, got %d", c.Catalog.HashWorkers)
	case c.Catalog.RefreshInterval < 0:
		return fmt.Errorf("catalog.refresh_interval must not be negative, got %d", c.Catalog.RefreshInterval)
	case c.Catalog.HTTPTimeout < 1:
		return fmt.Errorf("catalog.http_timeout must be positive, got %d", c.Catalog.HTTPTimeout)
	case c.Match.Threshold < 1 || c.Match.Threshold > 65:
		return fmt.Errorf("match.threshold must be within 1..65, got %d", c.Match.Threshold)
	case c.Match.SearchLimit < 1:
		return fmt.Errorf("match.search_limit must be positive, got %d", c.Match.SearchLimit)
	case c.Storage.SnapshotFile == "":
		return errors.New("storage.snapshot_file must be set")
	case c.Redis.TTL < 0:
		return fmt.Errorf("redis.ttl must not be negative, got %d", c.Redis.TTL)
	case c.Auth.RebuildScope == "":
		return errors.New("auth.rebuild_scope must be set")
	}
	return nil
}

// EnsureDirectories creates the directories holding the snapshot and cache.
func (c *Config) EnsureDirectories() error {
	for _, file := range []string{c.Storage.SnapshotFile, c.Storage.HashCacheFile} {
		if file == "" {
			continue
		}
		dir := filepath.Dir(file)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ShutdownTimeout returns the graceful shutdown window.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}

// HTTPTimeout returns the per-request timeout for catalog calls.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Catalog.HTTPTimeout) * time.Second
}

// RefreshInterval returns the periodic rebuild interval; zero disables it.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Catalog.RefreshInterval) * time.Second
}

// CacheTTL returns how long cached results live in Redis.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Redis.TTL) * time.Second
}

// LoggingOptions maps the log section onto logger options.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:         c.Log.Level,
		Format:        c.Log.Format,
		File:          c.Log.File,
		MaxAgeDays:    c.Log.MaxAgeDays,
		RotationHours: c.Log.RotationHours,
	}
}
