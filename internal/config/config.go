package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Remote     RemoteConfig     `yaml:"remote"`
	Download   DownloadConfig   `yaml:"download"`
	Regulation RegulationConfig `yaml:"regulation"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Completion CompletionConfig `yaml:"completion"`
	Queues     []QueueConfig    `yaml:"queues"`
	// Routes maps a SKU to the queue it prints on.
	Routes  map[string]string `yaml:"routes"`
	Notify  NotifyConfig      `yaml:"notify"`
	Logging LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// PasswordHash is the bcrypt hash of the operator password.
	PasswordHash string `yaml:"password_hash"`
	JWTSecret    string `yaml:"jwt_secret"`
}

type DatabaseConfig struct {
	Path            string        `yaml:"path"`
	ArchiveDays     int           `yaml:"archive_days"`
	ArchiveInterval time.Duration `yaml:"archive_interval"`
}

type RemoteConfig struct {
	BaseURL      string        `yaml:"base_url"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Variants     []string      `yaml:"variants"`
	Timeout      time.Duration `yaml:"timeout"`
	LocalService string        `yaml:"local_service"`
	LocalTimeout time.Duration `yaml:"local_timeout"`
	RetryInitial time.Duration `yaml:"retry_initial"`
	RetryMax     time.Duration `yaml:"retry_max"`
	RetryElapsed time.Duration `yaml:"retry_elapsed"`
}

type DownloadConfig struct {
	RootDir      string        `yaml:"root_dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ListInterval time.Duration `yaml:"list_interval"`
	// RetryInterval is the minimum time between two attempts on a failing order.
	RetryInterval     time.Duration            `yaml:"retry_interval"`
	StartOver         bool                     `yaml:"start_over"`
	StartOverInterval time.Duration            `yaml:"start_over_interval"`
	Prioritize        bool                     `yaml:"prioritize"`
	Due               map[string]time.Duration `yaml:"due"`
}

type Window struct {
	// Days restricts the window to the listed weekdays (sun..sat). Empty means every day.
	Days  []string `yaml:"days" json:"days"`
	Start string   `yaml:"start" json:"start"`
	End   string   `yaml:"end" json:"end"`
}

type RegulationConfig struct {
	BytesPerSecond  int64    `yaml:"bytes_per_second"`
	InactiveWindows []Window `yaml:"inactive_windows"`
}

type DispatchConfig struct {
	Interval  time.Duration `yaml:"interval"`
	AutoPrint bool          `yaml:"auto_print"`
	// MappingRetryDeadline bounds how long an order waits on a missing SKU
	// mapping before the RETRY hold becomes an ERROR hold.
	MappingRetryDeadline time.Duration `yaml:"mapping_retry_deadline"`
}

type CompletionConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
}

type MappingConfig struct {
	ProductCode string `yaml:"product_code" json:"product_code"`
	Surface     string `yaml:"surface" json:"surface,omitempty"`
}

type QueueConfig struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Format  string `yaml:"format" json:"format"`
	Dir     string `yaml:"dir" json:"dir,omitempty"`
	Address string `yaml:"address" json:"address,omitempty"`
	// Split is one of default, sku, item, special_sku, surface.
	Split          string                   `yaml:"split" json:"split"`
	ChunkStd       int                      `yaml:"chunk_std" json:"chunk_std,omitempty"`
	ChunkMax       int                      `yaml:"chunk_max" json:"chunk_max,omitempty"`
	ChunkCountMax  int                      `yaml:"chunk_count_max" json:"chunk_count_max,omitempty"`
	SpecialSKUs    []string                 `yaml:"special_skus" json:"special_skus,omitempty"`
	AutoPrint      bool                     `yaml:"auto_print" json:"auto_print"`
	RequireMapping bool                     `yaml:"require_mapping" json:"require_mapping"`
	Mappings       map[string]MappingConfig `yaml:"mappings" json:"mappings,omitempty"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type NotifyConfig struct {
	Webhooks   []WebhookConfig `yaml:"webhooks"`
	RetryCount int             `yaml:"retry_count"`
	RetryDelay time.Duration   `yaml:"retry_delay"`
	Timeout    time.Duration   `yaml:"timeout"`
	QueueSize  int             `yaml:"queue_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:            "./data/labsync.db",
			ArchiveDays:     30,
			ArchiveInterval: 24 * time.Hour,
		},
		Remote: RemoteConfig{
			Timeout:      60 * time.Second,
			LocalTimeout: 5 * time.Minute,
			RetryInitial: 2 * time.Second,
			RetryMax:     time.Minute,
			RetryElapsed: 5 * time.Minute,
		},
		Download: DownloadConfig{
			RootDir:           "./data/orders",
			PollInterval:      30 * time.Second,
			ListInterval:      5 * time.Minute,
			RetryInterval:     10 * time.Minute,
			StartOverInterval: 7 * 24 * time.Hour,
			Prioritize:        true,
		},
		Dispatch: DispatchConfig{
			Interval:             10 * time.Second,
			MappingRetryDeadline: 24 * time.Hour,
		},
		Completion: CompletionConfig{
			ScanInterval: 30 * time.Second,
		},
		Routes: map[string]string{},
		Notify: NotifyConfig{
			RetryCount: 3,
			RetryDelay: 5 * time.Second,
			Timeout:    10 * time.Second,
			QueueSize:  100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides file settings with LABSYNC_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("LABSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("LABSYNC_PASSWORD_HASH"); v != "" {
		c.Server.PasswordHash = v
	}

	if v := os.Getenv("LABSYNC_JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}

	if v := os.Getenv("LABSYNC_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv("LABSYNC_ROOT_DIR"); v != "" {
		c.Download.RootDir = v
	}

	if v := os.Getenv("LABSYNC_REMOTE_URL"); v != "" {
		c.Remote.BaseURL = v
	}

	if v := os.Getenv("LABSYNC_REMOTE_USER"); v != "" {
		c.Remote.User = v
	}

	if v := os.Getenv("LABSYNC_REMOTE_PASSWORD"); v != "" {
		c.Remote.Password = v
	}

	if v := os.Getenv("LABSYNC_BYTES_PER_SECOND"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Regulation.BytesPerSecond = bps
		}
	}

	if v := os.Getenv("LABSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("LABSYNC_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

var validSplits = map[string]bool{
	"":            true,
	"default":     true,
	"sku":         true,
	"item":        true,
	"special_sku": true,
	"surface":     true,
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Database.ArchiveDays < 0 {
		return fmt.Errorf("archive days must be non-negative")
	}

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote base url is required")
	}

	if c.Download.RootDir == "" {
		return fmt.Errorf("download root dir is required")
	}

	if c.Download.PollInterval <= 0 || c.Download.ListInterval <= 0 {
		return fmt.Errorf("download poll and list intervals must be positive")
	}

	if c.Download.StartOver && c.Download.StartOverInterval <= 0 {
		return fmt.Errorf("start over interval must be positive when start over is enabled")
	}

	if c.Regulation.BytesPerSecond < 0 {
		return fmt.Errorf("bytes per second must be non-negative")
	}

	if c.Dispatch.Interval <= 0 {
		return fmt.Errorf("dispatch interval must be positive")
	}

	if c.Completion.ScanInterval <= 0 {
		return fmt.Errorf("completion scan interval must be positive")
	}

	if err := c.ValidateQueues(); err != nil {
		return err
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}

// ValidateQueues checks the queue table and routes. It runs on every reload.
func (c *Config) ValidateQueues() error {
	ids := make(map[string]bool)
	for _, q := range c.Queues {
		if q.ID == "" {
			return fmt.Errorf("queue id is required")
		}
		if ids[q.ID] {
			return fmt.Errorf("duplicate queue id %s", q.ID)
		}
		ids[q.ID] = true
		if q.Format == "" {
			return fmt.Errorf("queue %s: format is required", q.ID)
		}
		if !validSplits[q.Split] {
			return fmt.Errorf("queue %s: invalid split %q", q.ID, q.Split)
		}
		if q.ChunkStd < 0 || q.ChunkMax < 0 || q.ChunkCountMax < 0 {
			return fmt.Errorf("queue %s: chunk limits must be non-negative", q.ID)
		}
		if q.ChunkStd > 0 && q.ChunkMax > 0 && q.ChunkMax < q.ChunkStd {
			return fmt.Errorf("queue %s: chunk_max must be at least chunk_std", q.ID)
		}
		if q.Split == "special_sku" && len(q.SpecialSKUs) == 0 {
			return fmt.Errorf("queue %s: special_sku split needs special_skus", q.ID)
		}
	}
	for sku, queueID := range c.Routes {
		if !ids[queueID] {
			return fmt.Errorf("route for sku %s points to unknown queue %s", sku, queueID)
		}
	}
	return nil
}

func (c *Config) Queue(id string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if strings.EqualFold(q.ID, id) {
			return q, true
		}
	}
	return QueueConfig{}, false
}
