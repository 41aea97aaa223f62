package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/convo/internal/identity"
)

// Config represents the global ~/.convo/config.toml.
type Config struct {
	DefaultProfile string            `toml:"default_profile"`
	Identity       identity.Identity `toml:"identity"`
	Attachments    Attachments       `toml:"attachments"`
	S3             S3                `toml:"s3"`
	Voice          Voice             `toml:"voice"`
	Send           Send              `toml:"send"`
	Live           Live              `toml:"live"`
	Redis          Redis             `toml:"redis"`
	Notify         Notify            `toml:"notify"`
	HTTP           HTTP              `toml:"http"`
	Log            Log               `toml:"log"`
}

// Attachments configures the upload pipeline.
type Attachments struct {
	// Backend is "local" or "s3".
	Backend string `toml:"backend"`
	// MaxBytes is the size ceiling; files must be smaller.
	MaxBytes int64 `toml:"max_bytes"`
	// LocalDir stores objects for the local backend. Empty means the
	// profile's uploads directory.
	LocalDir      string   `toml:"local_dir"`
	PublicBaseURL string   `toml:"public_base_url"`
	ThumbnailPx   int      `toml:"thumbnail_px"`
	Retries       int      `toml:"retries"`
	RetryInterval Duration `toml:"retry_interval"`
}

// S3 configures the S3-compatible object store.
type S3 struct {
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	UsePathStyle    bool   `toml:"use_path_style"`
	PublicBaseURL   string `toml:"public_base_url"`
}

// Voice configures microphone capture.
type Voice struct {
	SampleRate  int      `toml:"sample_rate"`
	Channels    int      `toml:"channels"`
	MaxDuration Duration `toml:"max_duration"`
}

// Send configures the outbox retry policy.
type Send struct {
	MaxRetries      int      `toml:"max_retries"`
	InitialInterval Duration `toml:"initial_interval"`
	MaxInterval     Duration `toml:"max_interval"`
	Timeout         Duration `toml:"timeout"`
}

// Live configures the change feed and live dispatch.
type Live struct {
	// Feed is "local" or "redis".
	Feed                   string   `toml:"feed"`
	ResubscribeRetries     int      `toml:"resubscribe_retries"`
	ResubscribeMaxInterval Duration `toml:"resubscribe_max_interval"`
	ReconnectMaxInterval   Duration `toml:"reconnect_max_interval"`
	DegradeAfter           int      `toml:"degrade_after"`
}

// Redis configures the redis change feed.
type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Channel  string `toml:"channel"`
}

// Notify configures the notification side channel.
type Notify struct {
	// WebhookURL receives one POST per appended message. Empty logs instead.
	WebhookURL string   `toml:"webhook_url"`
	Timeout    Duration `toml:"timeout"`
	Retries    int      `toml:"retries"`
}

// HTTP configures the web surface.
type HTTP struct {
	// Listen is the listen address; empty disables the HTTP server.
	Listen    string `toml:"listen"`
	JWTSecret string `toml:"jwt_secret"`
	JWTIssuer string `toml:"jwt_issuer"`
}

// Log configures the daemon logger.
type Log struct {
	Level string `toml:"level"`
}

// Default returns a configuration that works without a config file.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Attachments: Attachments{
			Backend:       "local",
			MaxBytes:      25 << 20,
			ThumbnailPx:   320,
			Retries:       3,
			RetryInterval: Duration{500 * time.Millisecond},
		},
		Voice: Voice{
			SampleRate:  48000,
			Channels:    1,
			MaxDuration: Duration{5 * time.Minute},
		},
		Send: Send{
			MaxRetries:      5,
			InitialInterval: Duration{250 * time.Millisecond},
			MaxInterval:     Duration{10 * time.Second},
			Timeout:         Duration{15 * time.Second},
		},
		Live: Live{
			Feed:                   "local",
			ResubscribeRetries:     8,
			ResubscribeMaxInterval: Duration{10 * time.Second},
			ReconnectMaxInterval:   Duration{30 * time.Second},
			DegradeAfter:           3,
		},
		Redis: Redis{
			Addr:    "127.0.0.1:6379",
			Channel: "convo:changes",
		},
		Notify: Notify{
			Timeout: Duration{5 * time.Second},
			Retries: 2,
		},
		HTTP: HTTP{
			Listen: "127.0.0.1:8787",
		},
		Log: Log{Level: "info"},
	}
}

// Load reads config from path, overlaying it onto Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks value ranges and backend names.
func (c *Config) Validate() error {
	var errs []error
	if c.Attachments.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("attachments.max_bytes must be positive"))
	}
	switch c.Attachments.Backend {
	case "local":
	case "s3":
		if c.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("attachments.backend %q: want local or s3", c.Attachments.Backend))
	}
	if c.Attachments.Retries < 0 || c.Send.MaxRetries < 0 || c.Live.ResubscribeRetries < 0 {
		errs = append(errs, fmt.Errorf("retry counts must not be negative"))
	}
	switch c.Live.Feed {
	case "local":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("redis.addr is required for the redis feed"))
		}
	default:
		errs = append(errs, fmt.Errorf("live.feed %q: want local or redis", c.Live.Feed))
	}
	if c.Voice.SampleRate <= 0 || c.Voice.Channels <= 0 {
		errs = append(errs, fmt.Errorf("voice.sample_rate and voice.channels must be positive"))
	}
	if c.Identity.UserID != "" {
		if err := c.Identity.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Duration is a time.Duration written as a string ("250ms", "5s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
