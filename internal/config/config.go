package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Roles select which pipeline stages a process runs.
const (
	RoleIntake    = "intake"
	RoleScheduler = "scheduler"
	RoleRenderer  = "renderer"
	RoleEmail     = "email"
	RolePush      = "push"
)

var allRoles = []string{RoleIntake, RoleScheduler, RoleRenderer, RoleEmail, RolePush}

const (
	BrokerRedis  = "redis"
	BrokerMemory = "memory"
)

// Config holds all runtime configuration. Values are resolved in order:
// built-in defaults, the YAML file named by CONFIG_FILE, then environment
// variables (DATABASE_URL sets database_url, and so on).
type Config struct {
	// Server
	HTTPPort        string        `koanf:"http_port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	LogLevel        string        `koanf:"log_level"`

	Roles []string `koanf:"roles"`

	// Database
	DatabaseURL    string `koanf:"database_url"`
	DBMaxConns     int32  `koanf:"db_max_conns"`
	DBMinConns     int32  `koanf:"db_min_conns"`
	MigrationsPath string `koanf:"migrations_path"`

	// Queue fabric
	Broker              string        `koanf:"broker"`
	RedisAddr           string        `koanf:"redis_addr"`
	RedisPassword       string        `koanf:"redis_password"`
	RedisDB             int           `koanf:"redis_db"`
	RedisKeyPrefix      string        `koanf:"redis_key_prefix"`
	RedisBlockTimeout   time.Duration `koanf:"redis_block_timeout"`
	MemoryQueueCapacity int           `koanf:"memory_queue_capacity"`

	QueuePrimary    string `koanf:"queue_primary"`
	QueueScheduled  string `koanf:"queue_scheduled"`
	QueueRender     string `koanf:"queue_render"`
	QueueEmail      string `koanf:"queue_email"`
	QueuePush       string `koanf:"queue_push"`
	QueueDeadLetter string `koanf:"queue_dead_letter"`

	// Consumer slots per stage. Each slot holds at most one in-flight message.
	SchedulerSlots int `koanf:"scheduler_slots"`
	RendererSlots  int `koanf:"renderer_slots"`
	EmailSlots     int `koanf:"email_slots"`
	PushSlots      int `koanf:"push_slots"`

	DelayPollInterval   time.Duration `koanf:"delay_poll_interval"`
	NackDelay           time.Duration `koanf:"nack_delay"`
	DepthSampleInterval time.Duration `koanf:"depth_sample_interval"`

	// Collaborators
	ProfileServiceURL   string        `koanf:"profile_service_url"`
	TemplateServiceURL  string        `koanf:"template_service_url"`
	CollaboratorTimeout time.Duration `koanf:"collaborator_timeout"`

	// SMTP
	SMTPHost     string        `koanf:"smtp_host"`
	SMTPPort     int           `koanf:"smtp_port"`
	SMTPUsername string        `koanf:"smtp_username"`
	SMTPPassword string        `koanf:"smtp_password"`
	SMTPFrom     string        `koanf:"smtp_from"`
	SMTPTimeout  time.Duration `koanf:"smtp_timeout"`
	SMTPUseTLS   bool          `koanf:"smtp_use_tls"`

	// Dispatch retry policy: index 0 = delay after the first failed attempt.
	EmailMaxAttempts  int             `koanf:"email_max_attempts"`
	EmailRetryBackoff []time.Duration `koanf:"email_retry_backoff"`
	PushMaxAttempts   int             `koanf:"push_max_attempts"`
	PushWriteTimeout  time.Duration   `koanf:"push_write_timeout"`
	PushPingInterval  time.Duration   `koanf:"push_ping_interval"`

	// Maximum sends per second per channel; 0 disables limiting.
	RateLimit int `koanf:"rate_limit_per_channel"`

	// DedupTTL enables the delivery dedup guard when positive.
	DedupTTL time.Duration `koanf:"dedup_ttl"`
}

// Defaults returns a Config with every default filled in.
func Defaults() *Config {
	return &Config{
		HTTPPort:        "8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        "info",

		Roles: slices.Clone(allRoles),

		DBMaxConns:     25,
		DBMinConns:     5,
		MigrationsPath: "file://migrations",

		Broker:              BrokerRedis,
		RedisAddr:           "localhost:6379",
		RedisKeyPrefix:      "notify",
		RedisBlockTimeout:   2 * time.Second,
		MemoryQueueCapacity: 10000,

		QueuePrimary:   "primary",
		QueueScheduled: "scheduled",
		QueueRender:    "render",
		QueueEmail:     "email",
		QueuePush:      "push",

		SchedulerSlots: 2,
		RendererSlots:  4,
		EmailSlots:     5,
		PushSlots:      5,

		DelayPollInterval:   500 * time.Millisecond,
		NackDelay:           time.Second,
		DepthSampleInterval: 10 * time.Second,

		ProfileServiceURL:   "http://localhost:8001",
		TemplateServiceURL:  "http://localhost:8002",
		CollaboratorTimeout: 5 * time.Second,

		SMTPHost:    "localhost",
		SMTPPort:    587,
		SMTPFrom:    "notifications@localhost",
		SMTPTimeout: 10 * time.Second,

		EmailMaxAttempts:  3,
		EmailRetryBackoff: slices.Clone(DefaultEmailBackoff),
		PushMaxAttempts:   1,
		PushWriteTimeout:  5 * time.Second,
		PushPingInterval:  30 * time.Second,

		RateLimit: 100,
	}
}

// DefaultEmailBackoff is used when no backoff list is configured.
var DefaultEmailBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// Slices are decoded element-wise over existing values, so their defaults
	// are applied after decoding.
	cfg := Defaults()
	cfg.Roles = nil
	cfg.EmailRetryBackoff = nil
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Roles) == 0 {
		cfg.Roles = slices.Clone(allRoles)
	}
	if len(cfg.EmailRetryBackoff) == 0 {
		cfg.EmailRetryBackoff = slices.Clone(DefaultEmailBackoff)
	}
	for i, r := range cfg.Roles {
		cfg.Roles[i] = strings.ToLower(strings.TrimSpace(r))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Roles) == 0 {
		errs = append(errs, errors.New("at least one role is required"))
	}
	for _, r := range c.Roles {
		if !slices.Contains(allRoles, r) {
			errs = append(errs, fmt.Errorf("unknown role %q", r))
		}
	}
	if (c.HasRole(RoleIntake) || c.HasRole(RoleScheduler)) && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for the intake and scheduler roles"))
	}

	switch c.Broker {
	case BrokerRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when broker is redis"))
		}
	case BrokerMemory:
		if c.MemoryQueueCapacity <= 0 {
			errs = append(errs, errors.New("memory_queue_capacity must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker %q", c.Broker))
	}

	for name, n := range map[string]int{
		"scheduler_slots": c.SchedulerSlots,
		"renderer_slots":  c.RendererSlots,
		"email_slots":     c.EmailSlots,
		"push_slots":      c.PushSlots,
	} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.EmailMaxAttempts < 1 || c.PushMaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}

	queues := []string{c.QueuePrimary, c.QueueScheduled, c.QueueRender, c.QueueEmail, c.QueuePush}
	for _, q := range queues {
		if q == "" {
			errs = append(errs, errors.New("queue names must not be empty"))
			break
		}
	}
	if c.QueueEmail == c.QueuePush {
		errs = append(errs, errors.New("email and push queues must differ"))
	}

	return errors.Join(errs...)
}

// HasRole reports whether the process runs the given stage.
func (c *Config) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// Queues lists every named queue this deployment uses.
func (c *Config) Queues() []string {
	qs := []string{c.QueuePrimary, c.QueueScheduled, c.QueueRender, c.QueueEmail, c.QueuePush}
	if c.QueueDeadLetter != "" {
		qs = append(qs, c.QueueDeadLetter)
	}
	return qs
}
