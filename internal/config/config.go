package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort               = "3000"
	DefaultDatabaseDriver     = "postgres"
	DefaultCacheTTL           = 5 * time.Minute
	DefaultUnreadCounterTTL   = 10 * time.Minute
	DefaultEmailTopic         = "huddle-email"
	DefaultEmailChannel       = "mailer"
	DefaultSendBuffer         = 64
	DefaultMaxRoomConnections = 1024
	DefaultWriteWait          = 10 * time.Second
	DefaultPongWait           = 60 * time.Second
	DefaultMaxMessageSize     = 4096
	DefaultRetentionAge       = 30 * 24 * time.Hour
	DefaultSweepInterval      = time.Hour
	DefaultDueWindow          = 24 * time.Hour
	DefaultDueScanInterval    = 5 * time.Minute
	DefaultMailWorkers        = 2
	DefaultMailQueueSize      = 256
)

var defaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

type Realtime struct {
	SendBuffer         int           `yaml:"SendBuffer"`
	MaxRoomConnections int           `yaml:"MaxRoomConnections"`
	WriteWait          time.Duration `yaml:"WriteWait"`
	PongWait           time.Duration `yaml:"PongWait"`
	PingPeriod         time.Duration `yaml:"PingPeriod"`
	MaxMessageSize     int64         `yaml:"MaxMessageSize"`
}

type Notify struct {
	ImportantKinds  []string      `yaml:"ImportantKinds"`
	RetentionAge    time.Duration `yaml:"RetentionAge"`
	SweepInterval   time.Duration `yaml:"SweepInterval"`
	DueWindow       time.Duration `yaml:"DueWindow"`
	DueScanInterval time.Duration `yaml:"DueScanInterval"`
}

type SMTP struct {
	Host     string `yaml:"Host"`
	Port     int    `yaml:"Port"`
	Username string `yaml:"Username"`
	Password string `yaml:"Password"`
	From     string `yaml:"From"`
	FromName string `yaml:"FromName"`
	UseTLS   bool   `yaml:"UseTLS"`
	UseSSL   bool   `yaml:"UseSSL"`
}

type Mail struct {
	NSQAddr    string   `yaml:"NSQAddr"`
	NSQLookupd []string `yaml:"NSQLookupd"`
	Topic      string   `yaml:"Topic"`
	Channel    string   `yaml:"Channel"`
	Consume    bool     `yaml:"Consume"`
	Workers    int      `yaml:"Workers"`
	QueueSize  int      `yaml:"QueueSize"`
	SMTP       SMTP     `yaml:"SMTP"`
}

type Config struct {
	Port           string   `yaml:"Port"`
	InstanceID     string   `yaml:"InstanceID"`
	DatabaseDriver string   `yaml:"DatabaseDriver"`
	DatabaseURL    string   `yaml:"DatabaseURL"`
	JWTSecret      string   `yaml:"-"`
	CookieDomain   string   `yaml:"CookieDomain"`
	AllowedOrigins []string `yaml:"AllowedOrigins"`

	RedisAddr        string        `yaml:"RedisAddr"`
	RedisPassword    string        `yaml:"-"`
	RedisDB          int           `yaml:"RedisDB"`
	CacheTTL         time.Duration `yaml:"CacheTTL"`
	UnreadCounterTTL time.Duration `yaml:"UnreadCounterTTL"`

	RelayChannel string `yaml:"RelayChannel"`

	Realtime Realtime `yaml:"Realtime"`
	Notify   Notify   `yaml:"Notify"`
	Mail     Mail     `yaml:"Mail"`
}

// Default returns a configuration with every tunable populated.
func Default() Config {
	origins := make([]string, len(defaultOrigins))
	copy(origins, defaultOrigins)

	return Config{
		Port:             DefaultPort,
		InstanceID:       uuid.NewString(),
		DatabaseDriver:   DefaultDatabaseDriver,
		AllowedOrigins:   origins,
		CacheTTL:         DefaultCacheTTL,
		UnreadCounterTTL: DefaultUnreadCounterTTL,
		Realtime: Realtime{
			SendBuffer:         DefaultSendBuffer,
			MaxRoomConnections: DefaultMaxRoomConnections,
			WriteWait:          DefaultWriteWait,
			PongWait:           DefaultPongWait,
			PingPeriod:         (DefaultPongWait * 9) / 10,
			MaxMessageSize:     DefaultMaxMessageSize,
		},
		Notify: Notify{
			ImportantKinds:  []string{"task_assigned", "task_due", "mention"},
			RetentionAge:    DefaultRetentionAge,
			SweepInterval:   DefaultSweepInterval,
			DueWindow:       DefaultDueWindow,
			DueScanInterval: DefaultDueScanInterval,
		},
		Mail: Mail{
			Topic:     DefaultEmailTopic,
			Channel:   DefaultEmailChannel,
			Workers:   DefaultMailWorkers,
			QueueSize: DefaultMailQueueSize,
		},
	}
}

// Load reads .env (if present), the environment, and the optional YAML file
// named by HUDDLE_CONFIG, in that order of increasing precedence for tuning
// blocks. Secrets only come from the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] .env not loaded: %v", err)
	}

	cfg := Default()
	applyEnv(&cfg)

	if path := os.Getenv("HUDDLE_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.normalize()

	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	return nil
}

func applyEnv(c *Config) {
	setString(&c.Port, "PORT")
	setString(&c.InstanceID, "INSTANCE_ID")
	setString(&c.DatabaseDriver, "DATABASE_DRIVER")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.CookieDomain, "DOMAIN")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setInt(&c.RedisDB, "REDIS_DB")
	setDuration(&c.CacheTTL, "CACHE_TTL")
	setDuration(&c.UnreadCounterTTL, "UNREAD_COUNTER_TTL")
	setString(&c.RelayChannel, "RELAY_CHANNEL")

	setString(&c.Mail.NSQAddr, "NSQ_ADDR")
	if lookupd := splitList(os.Getenv("NSQ_LOOKUPD")); len(lookupd) > 0 {
		c.Mail.NSQLookupd = lookupd
	}
	setString(&c.Mail.Topic, "EMAIL_TOPIC")
	setBool(&c.Mail.Consume, "EMAIL_CONSUMER")
	setString(&c.Mail.SMTP.Host, "SMTP_HOST")
	setInt(&c.Mail.SMTP.Port, "SMTP_PORT")
	setString(&c.Mail.SMTP.Username, "SMTP_USERNAME")
	setString(&c.Mail.SMTP.Password, "SMTP_PASSWORD")
	setString(&c.Mail.SMTP.From, "SMTP_FROM")

	if clientURL := os.Getenv("CLIENT_URL"); clientURL != "" {
		c.AllowedOrigins = append(c.AllowedOrigins, clientURL)
	}
	c.AllowedOrigins = append(c.AllowedOrigins, splitList(os.Getenv("ALLOWED_ORIGINS"))...)
}

func (c *Config) normalize() {
	if c.Realtime.SendBuffer <= 0 {
		c.Realtime.SendBuffer = DefaultSendBuffer
	}
	if c.Realtime.MaxRoomConnections <= 0 {
		c.Realtime.MaxRoomConnections = DefaultMaxRoomConnections
	}
	if c.Realtime.PongWait <= 0 {
		c.Realtime.PongWait = DefaultPongWait
	}
	if c.Realtime.PingPeriod <= 0 || c.Realtime.PingPeriod >= c.Realtime.PongWait {
		c.Realtime.PingPeriod = (c.Realtime.PongWait * 9) / 10
	}
	if c.Realtime.WriteWait <= 0 {
		c.Realtime.WriteWait = DefaultWriteWait
	}
	if c.Realtime.MaxMessageSize <= 0 {
		c.Realtime.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Mail.Workers <= 0 {
		c.Mail.Workers = DefaultMailWorkers
	}
	if c.Mail.QueueSize <= 0 {
		c.Mail.QueueSize = DefaultMailQueueSize
	}
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
}

// Validate reports configuration the server cannot start without.
func (c Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET environment variable is not set"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL environment variable is not set"))
	}
	switch c.DatabaseDriver {
	case "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver: %s", c.DatabaseDriver))
	}

	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = b
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = n
}

func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
