package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "BOTPANEL"

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr        string
		StaticDir   string   `mapstructure:"static_dir"`
		CORSOrigins []string `mapstructure:"cors_origins"`
		RateLimit   float64  `mapstructure:"rate_limit"`
		RateBurst   int      `mapstructure:"rate_burst"`
	}
	Database struct {
		Path string
	}
	Ledger struct {
		// Store is "sqlite" or "redis".
		Store          string
		RechargeSecret string `mapstructure:"recharge_secret"`
		RedisURL       string `mapstructure:"redis_url"`
		RedisPrefix    string `mapstructure:"redis_prefix"`
	}
	Heroku struct {
		APIKey         string        `mapstructure:"api_key"`
		BaseURL        string        `mapstructure:"base_url"`
		AppPrefix      string        `mapstructure:"app_prefix"`
		AppURLTemplate string        `mapstructure:"app_url_template"`
		ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	}
	Source struct {
		ArchiveURL string `mapstructure:"archive_url"`
		Version    string
	}
	GitHub struct {
		Owner   string
		Repo    string
		Branch  string
		Token   string
		BaseURL string `mapstructure:"base_url"`
	}
	Auth struct {
		// Mode is "local" (username/password + signed tokens) or "oidc".
		Mode           string
		JWTSecret      string        `mapstructure:"jwt_secret"`
		TokenTTL       time.Duration `mapstructure:"token_ttl"`
		RegisterSecret string        `mapstructure:"register_secret"`
		OIDCIssuer     string        `mapstructure:"oidc_issuer"`
		OIDCClientID   string        `mapstructure:"oidc_client_id"`
	}
	Watcher struct {
		MaxConcurrent int           `mapstructure:"max_concurrent"`
		Interval      time.Duration
		Rescan        time.Duration
		Timeout       time.Duration
	}
	Storage struct {
		Bucket    string
		KeyPrefix string        `mapstructure:"key_prefix"`
		Region    string
		Endpoint  string
		LinkTTL   time.Duration `mapstructure:"link_ttl"`
	}
	AWS struct {
		Profile string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv(".env")

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// every key needs a default so AutomaticEnv can bind it during Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("server.static_dir", "")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_burst", 10)

	v.SetDefault("database.path", "data/bot-panel.db")

	v.SetDefault("ledger.store", "sqlite")
	v.SetDefault("ledger.recharge_secret", "")
	v.SetDefault("ledger.redis_url", "")
	v.SetDefault("ledger.redis_prefix", "ledger:account:")

	v.SetDefault("heroku.api_key", "")
	v.SetDefault("heroku.base_url", "https://api.heroku.com")
	v.SetDefault("heroku.app_prefix", "subzero-")
	v.SetDefault("heroku.app_url_template", "https://%s.herokuapp.com")
	v.SetDefault("heroku.probe_timeout", 5*time.Second)

	v.SetDefault("source.archive_url", "")
	v.SetDefault("source.version", "")

	v.SetDefault("github.owner", "")
	v.SetDefault("github.repo", "")
	v.SetDefault("github.branch", "main")
	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", "")

	v.SetDefault("auth.mode", "local")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.register_secret", "")
	v.SetDefault("auth.oidc_issuer", "")
	v.SetDefault("auth.oidc_client_id", "")

	v.SetDefault("watcher.max_concurrent", 4)
	v.SetDefault("watcher.interval", 10*time.Second)
	v.SetDefault("watcher.rescan", time.Minute)
	v.SetDefault("watcher.timeout", 30*time.Minute)

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.key_prefix", "bot-logs")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.link_ttl", 15*time.Minute)

	v.SetDefault("aws.profile", "")
}

func (c Config) Validate() error {
	switch c.Ledger.Store {
	case "sqlite":
	case "redis":
		if c.Ledger.RedisURL == "" {
			return errors.New("ledger.redis_url is required for the redis ledger store")
		}
	default:
		return fmt.Errorf("unknown ledger.store %q", c.Ledger.Store)
	}

	switch c.Auth.Mode {
	case "local":
		if c.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is required in local auth mode")
		}
	case "oidc":
		if c.Auth.OIDCIssuer == "" || c.Auth.OIDCClientID == "" {
			return errors.New("auth.oidc_issuer and auth.oidc_client_id are required in oidc auth mode")
		}
	default:
		return fmt.Errorf("unknown auth.mode %q", c.Auth.Mode)
	}
	return nil
}

// loadDotEnv exports KEY=VALUE lines from path without overriding the real environment.
func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
