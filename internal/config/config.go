// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config
//
// Everything the process needs, resolved once at startup by Load.
// Precedence: environment variable > YAML file (CONFIG_FILE) > default.
// Only the seed watchlist is re-read later, by Watcher.
type Config struct {

	// ---------------------------
	// Input / state
	// ---------------------------

	AccessLog    string        `yaml:"access_log"`    // proxy access log to tail
	DBPath       string        `yaml:"db_path"`       // SQLite file
	PollInterval time.Duration `yaml:"poll_interval"` // tailer sleep on EOF
	MaxLineBytes int           `yaml:"max_line_bytes"` // longer log lines are dropped as malformed
	StoreTimeout time.Duration `yaml:"store_timeout"` // per store call
	StoreRetries int           `yaml:"store_retries"` // extra attempts on transient append errors

	// ---------------------------
	// Notifications
	// ---------------------------

	TelegramToken    string        `yaml:"telegram_token"`
	ChatID           string        `yaml:"chat_id"`
	NATSURL          string        `yaml:"nats_url"`
	NATSSubject      string        `yaml:"nats_subject"`
	QueueSize        int           `yaml:"queue_size"`        // dispatcher capacity
	DeliveryAttempts int           `yaml:"delivery_attempts"` // per message
	DeliveryTimeout  time.Duration `yaml:"delivery_timeout"`  // per attempt
	DeliveryDeadline time.Duration `yaml:"delivery_deadline"` // per message, backoff included

	// ---------------------------
	// Matching / digest
	// ---------------------------

	SummaryInterval string   `yaml:"summary_interval"` // default digest period, e.g. "6h"
	DigestMaxGroups int      `yaml:"digest_max_groups"`
	MatchCacheSize  int      `yaml:"match_cache_size"` // 0 disables the LRU
	Watchlist       []string `yaml:"watchlist"`        // seed entries, added on start and on file change

	// ---------------------------
	// Admin API
	// ---------------------------

	HTTPAddr string `yaml:"http_addr"` // empty disables the admin API

	// ---------------------------
	// Archive (optional, enabled by ArchiveBucket)
	// ---------------------------
	// SDK retries are always 0; ArchiveRetries is the only retry policy.

	ArchiveBucket        string        `yaml:"archive_bucket"`
	ArchivePrefix        string        `yaml:"archive_prefix"`
	AWSRegion            string        `yaml:"aws_region"`
	ArchiveTimeout       time.Duration `yaml:"archive_timeout"`
	ArchiveRetries       int           `yaml:"archive_retries"`
	ArchiveSpoolDir      string        `yaml:"archive_spool_dir"`
	ArchiveSpoolMaxBytes int64         `yaml:"archive_spool_max_bytes"`
	ArchiveSpoolMaxAge   time.Duration `yaml:"archive_spool_max_age"`
	ArchiveBatch         int           `yaml:"archive_batch"` // events per exported object

	// ---------------------------
	// Logging / identity
	// ---------------------------

	LogLevel    string `yaml:"log_level"`
	LogPretty   bool   `yaml:"log_pretty"`
	LogSampleN  uint32 `yaml:"log_sample_n"`
	ServiceName string `yaml:"service_name"`
	InstanceID  string `yaml:"instance_id"` // hostname, then random hex

	// ConfigFile is the YAML path that was loaded ("" when none).
	ConfigFile string `yaml:"-"`
}

// Defaults returns the built-in values.
func Defaults() Config {
	return Config{
		AccessLog:    "/usr/local/x-ui/access.log",
		DBPath:       "logs.db",
		PollInterval: time.Second,
		MaxLineBytes: 1 << 20,
		StoreTimeout: 5 * time.Second,
		StoreRetries: 3,

		NATSSubject:      "trafficwatch.notifications",
		QueueSize:        256,
		DeliveryAttempts: 3,
		DeliveryTimeout:  10 * time.Second,
		DeliveryDeadline: 30 * time.Second,

		SummaryInterval: "6h",
		DigestMaxGroups: 40,
		MatchCacheSize:  4096,

		ArchivePrefix:        "trafficwatch",
		ArchiveTimeout:       10 * time.Second,
		ArchiveRetries:       3,
		ArchiveSpoolDir:      "spool",
		ArchiveSpoolMaxBytes: 256 * 1024 * 1024,
		ArchiveSpoolMaxAge:   7 * 24 * time.Hour,
		ArchiveBatch:         50_000,

		LogLevel:    "info",
		ServiceName: "trafficwatch",
	}
}

// Load
//
// Resolves the configuration from defaults, the optional YAML file named
// by CONFIG_FILE and the environment. Every malformed value is reported,
// not just the first one.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := readFile(path, &cfg); err != nil {
			return cfg, err
		}
		cfg.ConfigFile = path
	}

	var l envLoader
	l.str("ACCESS_LOG", &cfg.AccessLog)
	l.str("DB_PATH", &cfg.DBPath)
	l.dur("POLL_INTERVAL", &cfg.PollInterval)
	l.num("MAX_LINE_BYTES", &cfg.MaxLineBytes)
	l.dur("STORE_TIMEOUT", &cfg.StoreTimeout)
	l.num("STORE_RETRIES", &cfg.StoreRetries)

	l.str("TELEGRAM_TOKEN", &cfg.TelegramToken)
	l.str("CHAT_ID", &cfg.ChatID)
	l.str("NATS_URL", &cfg.NATSURL)
	l.str("NATS_SUBJECT", &cfg.NATSSubject)
	l.num("QUEUE_SIZE", &cfg.QueueSize)
	l.num("DELIVERY_ATTEMPTS", &cfg.DeliveryAttempts)
	l.dur("DELIVERY_TIMEOUT", &cfg.DeliveryTimeout)
	l.dur("DELIVERY_DEADLINE", &cfg.DeliveryDeadline)

	l.str("SUMMARY_INTERVAL", &cfg.SummaryInterval)
	l.num("DIGEST_MAX_GROUPS", &cfg.DigestMaxGroups)
	l.num("MATCH_CACHE_SIZE", &cfg.MatchCacheSize)

	l.str("HTTP_ADDR", &cfg.HTTPAddr)

	l.str("ARCHIVE_BUCKET", &cfg.ArchiveBucket)
	l.str("ARCHIVE_PREFIX", &cfg.ArchivePrefix)
	l.str("AWS_REGION", &cfg.AWSRegion)
	l.dur("ARCHIVE_TIMEOUT", &cfg.ArchiveTimeout)
	l.num("ARCHIVE_RETRIES", &cfg.ArchiveRetries)
	l.str("ARCHIVE_SPOOL_DIR", &cfg.ArchiveSpoolDir)
	l.num64("ARCHIVE_SPOOL_MAX_BYTES", &cfg.ArchiveSpoolMaxBytes)
	l.dur("ARCHIVE_SPOOL_MAX_AGE", &cfg.ArchiveSpoolMaxAge)
	l.num("ARCHIVE_BATCH", &cfg.ArchiveBatch)

	l.str("LOG_LEVEL", &cfg.LogLevel)
	l.flag("LOG_PRETTY", &cfg.LogPretty)
	l.num32("LOG_SAMPLE_N", &cfg.LogSampleN)
	l.str("SERVICE_NAME", &cfg.ServiceName)
	l.str("INSTANCE_ID", &cfg.InstanceID)

	if cfg.InstanceID == "" {
		cfg.InstanceID = fallbackInstanceID()
	}

	errs := append(l.errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

// readFile overlays the YAML document at path onto cfg.
func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c Config) validate() []error {
	var errs []error
	if c.AccessLog == "" {
		errs = append(errs, errors.New("ACCESS_LOG must not be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH must not be empty"))
	}
	if c.TelegramToken != "" && c.ChatID == "" {
		errs = append(errs, errors.New("CHAT_ID is required when TELEGRAM_TOKEN is set"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_SIZE must be positive, got %d", c.QueueSize))
	}
	if c.DeliveryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DELIVERY_ATTEMPTS must be positive, got %d", c.DeliveryAttempts))
	}
	if c.MaxLineBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_LINE_BYTES must be positive, got %d", c.MaxLineBytes))
	}
	if c.ArchiveBatch <= 0 {
		errs = append(errs, fmt.Errorf("ARCHIVE_BATCH must be positive, got %d", c.ArchiveBatch))
	}
	if c.StoreRetries < 0 {
		errs = append(errs, fmt.Errorf("STORE_RETRIES must not be negative, got %d", c.StoreRetries))
	}
	if c.ArchiveBucket != "" && c.AWSRegion == "" {
		errs = append(errs, errors.New("AWS_REGION is required when ARCHIVE_BUCKET is set"))
	}
	return errs
}

// envLoader
//
// Collects parse errors instead of exiting so Load can report them all
// at once; cmd/server decides to fail fast.
type envLoader struct {
	errs []error
}

func (l *envLoader) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (l *envLoader) num(key string, dst *int) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid int env %s=%q: %w", key, v, err))
		return
	}
	*dst = n
}

func (l *envLoader) num64(key string, dst *int64) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid int64 env %s=%q: %w", key, v, err))
		return
	}
	*dst = n
}

func (l *envLoader) num32(key string, dst *uint32) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid uint env %s=%q: %w", key, v, err))
		return
	}
	*dst = uint32(n)
}

func (l *envLoader) dur(key string, dst *time.Duration) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid duration env %s=%q: %w", key, v, err))
		return
	}
	*dst = d
}

func (l *envLoader) flag(key string, dst *bool) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid bool env %s=%q: %w", key, v, err))
		return
	}
	*dst = b
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// fallbackInstanceID
//
// Identifies this process in logs and archive object names.
//   - hostname first
//   - 12 random hex characters otherwise
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
