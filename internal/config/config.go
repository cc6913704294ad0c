package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string         `toml:"default_session" validate:"omitempty,max=32"`
	Realtime       RealtimeConfig `toml:"realtime"`
	REST           RESTConfig     `toml:"rest"`
	Upload         UploadConfig   `toml:"upload"`
	Sockets        SocketsConfig  `toml:"sockets"`
	Sync           SyncConfig     `toml:"sync"`
	Identity       IdentityConfig `toml:"identity"`
}

// RealtimeConfig points at the Redis server backing the primary transport.
// An empty Addr runs the primary transport in memory.
type RealtimeConfig struct {
	Addr     string `toml:"addr" validate:"omitempty,hostname_port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	DB       int    `toml:"db" validate:"gte=0,lte=15"`
	PoolSize int    `toml:"pool_size" validate:"gte=0"`
}

type RESTConfig struct {
	BaseURL string        `toml:"base_url" validate:"required,url"`
	Timeout time.Duration `toml:"timeout" validate:"gte=0"`
}

// UploadConfig configures the MinIO bucket attachments go to. Uploads are
// disabled when Endpoint is empty.
type UploadConfig struct {
	Endpoint  string `toml:"endpoint" validate:"omitempty,hostname_port"`
	AccessKey string `toml:"access_key" validate:"required_with=Endpoint"`
	SecretKey string `toml:"secret_key" validate:"required_with=Endpoint"`
	Bucket    string `toml:"bucket" validate:"required_with=Endpoint"`
	UseSSL    bool   `toml:"use_ssl"`
	PublicURL string `toml:"public_url" validate:"omitempty,url"`
}

// SocketsConfig holds WebSocket URL templates; "{id}" is the channel id.
type SocketsConfig struct {
	DirectURL     string `toml:"direct_url" validate:"omitempty,url"`
	ThreadsURL    string `toml:"threads_url" validate:"omitempty,url"`
	AssignmentURL string `toml:"assignment_url" validate:"omitempty,url"`
}

type SyncConfig struct {
	PollInterval  time.Duration `toml:"poll_interval" validate:"gte=0"`
	PollCooldown  time.Duration `toml:"poll_cooldown" validate:"gte=0"`
	RetryInterval time.Duration `toml:"retry_interval" validate:"gte=0"`
	RetryAttempts int           `toml:"retry_attempts" validate:"gte=0,lte=100"`
	TypingStale   time.Duration `toml:"typing_stale" validate:"gte=0"`
}

// IdentityConfig holds the bearer token and, optionally, the HS256 secret
// used to verify it.
type IdentityConfig struct {
	Token  string `toml:"token"`
	Secret string `toml:"secret"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		REST: RESTConfig{
			BaseURL: "http://localhost:8000/api",
			Timeout: 15 * time.Second,
		},
		Upload: UploadConfig{Bucket: "chat-attachments"},
		Sync: SyncConfig{
			PollInterval:  15 * time.Second,
			PollCooldown:  4 * time.Second,
			RetryInterval: 20 * time.Second,
			RetryAttempts: 6,
			TypingStale:   12 * time.Second,
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that falls back to Default when the file is missing.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
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

// ApplyEnv loads envFile into the environment when it exists, then lets
// CHATSYNC_* variables override secrets and endpoints.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	str := map[string]*string{
		"CHATSYNC_REDIS_ADDR":        &c.Realtime.Addr,
		"CHATSYNC_REDIS_PASSWORD":    &c.Realtime.Password,
		"CHATSYNC_REST_URL":          &c.REST.BaseURL,
		"CHATSYNC_MINIO_ENDPOINT":    &c.Upload.Endpoint,
		"CHATSYNC_MINIO_ACCESS_KEY":  &c.Upload.AccessKey,
		"CHATSYNC_MINIO_SECRET_KEY":  &c.Upload.SecretKey,
		"CHATSYNC_SOCKET_DIRECT":     &c.Sockets.DirectURL,
		"CHATSYNC_SOCKET_THREADS":    &c.Sockets.ThreadsURL,
		"CHATSYNC_SOCKET_ASSIGNMENT": &c.Sockets.AssignmentURL,
		"CHATSYNC_TOKEN":             &c.Identity.Token,
		"CHATSYNC_JWT_SECRET":        &c.Identity.Secret,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("CHATSYNC_REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHATSYNC_REDIS_DB: %w", err)
		}
		c.Realtime.DB = db
	}
	return nil
}

var validate = validator.New()

// Validate checks field rules and reports the first violation.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var vErrs validator.ValidationErrors
	if errors.As(err, &vErrs) {
		first := vErrs[0]
		return fmt.Errorf("config: field %s fails rule %q", first.Namespace(), first.Tag())
	}
	return fmt.Errorf("config: %w", err)
}
