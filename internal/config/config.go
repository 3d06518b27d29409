// Package config loads ezdrop settings from defaults, an optional YAML
// file, a .env file and EZDROP_* environment variables, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key: database.url is read
// from EZDROP_DATABASE_URL.
const EnvPrefix = "EZDROP"

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	BaseURL    string `mapstructure:"base_url"`
	Motd       string `mapstructure:"motd"`

	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Shorten   ShortenConfig   `mapstructure:"shorten"`
	Retention time.Duration   `mapstructure:"retention"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Pump      PumpConfig      `mapstructure:"pump"`
	Cache     CacheConfig     `mapstructure:"cache"`
	ID        IDConfig        `mapstructure:"id"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type DatabaseConfig struct {
	// Driver is "badger" (embedded, default) or "postgres".
	Driver    string `mapstructure:"driver"`
	URL       string `mapstructure:"url"`
	BadgerDir string `mapstructure:"badger_dir"`
}

type StorageConfig struct {
	Default       string      `mapstructure:"default"`
	ReservedBytes int64       `mapstructure:"reserved_bytes"`
	Local         LocalConfig `mapstructure:"local"`
	S3            S3Config    `mapstructure:"s3"`
}

type LocalConfig struct {
	Dir string `mapstructure:"dir"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
}

// Enabled reports whether enough is set to construct the s3 backend.
func (c S3Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

type UploadConfig struct {
	MaxBytes    int64    `mapstructure:"max_bytes"`
	BannedTypes []string `mapstructure:"banned_types"`
}

type ShortenConfig struct {
	MaxLength int `mapstructure:"max_length"`
}

type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Batch    int           `mapstructure:"batch"`
	Budget   time.Duration `mapstructure:"budget"`
}

type PumpConfig struct {
	Workers       int   `mapstructure:"workers"`
	UploadChunk   int   `mapstructure:"upload_chunk"`
	DownloadChunk int   `mapstructure:"download_chunk"`
	MinThroughput int64 `mapstructure:"min_throughput"`
}

type CacheConfig struct {
	Size int `mapstructure:"size"`
}

type IDConfig struct {
	Length      int `mapstructure:"length"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

// RateLimitConfig bounds POST / per client address. Requests 0 disables it.
// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP;
// enable it only behind a reverse proxy that overwrites those headers.
type RateLimitConfig struct {
	Requests   int           `mapstructure:"requests"`
	Window     time.Duration `mapstructure:"window"`
	TrustProxy bool          `mapstructure:"trust_proxy"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const defaultMotd = `ezdrop - anonymous file drop and URL shortener

  Upload a file:   curl -F file=@path/to/file <base_url>/
  Shorten a URL:   curl -d 'https://example.com' <base_url>/

Files expire after the retention window.
`

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("motd", defaultMotd)

	v.SetDefault("database.driver", "badger")
	v.SetDefault("database.url", "")
	v.SetDefault("database.badger_dir", "./data/records")

	v.SetDefault("storage.default", "local")
	v.SetDefault("storage.reserved_bytes", int64(1<<30))
	v.SetDefault("storage.local.dir", "./data/blobs")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.bucket", "")

	v.SetDefault("upload.max_bytes", int64(100<<20))
	v.SetDefault("upload.banned_types", []string{"application/x-msdownload", "application/x-sh"})
	v.SetDefault("shorten.max_length", 256)

	v.SetDefault("retention", "24h")
	v.SetDefault("sweep.interval", "1m")
	v.SetDefault("sweep.batch", 100)
	v.SetDefault("sweep.budget", "30s")

	v.SetDefault("pump.workers", 2*runtime.GOMAXPROCS(0))
	v.SetDefault("pump.upload_chunk", 512<<10)
	v.SetDefault("pump.download_chunk", 2<<20)
	v.SetDefault("pump.min_throughput", 32<<10)

	v.SetDefault("cache.size", 4096)
	v.SetDefault("id.length", 6)
	v.SetDefault("id.max_attempts", 64)

	v.SetDefault("ratelimit.requests", 60)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.trust_proxy", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. file, when non-empty, must exist; otherwise
// ezdrop.yaml is looked up in the working directory and /etc/ezdrop and is
// optional. A .env file in the working directory is applied to the process
// environment first, without overriding variables that are already set.
func Load(file string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("ezdrop")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ezdrop")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.Upload.BannedTypes = splitList(cfg.Upload.BannedTypes)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitList flattens comma separated entries, which is what a list set
// through a single environment variable looks like.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
