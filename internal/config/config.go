// Package config handles application configuration from environment variables
// and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath string `long:"db" env:"DATABASE_PATH" default:"./data/feedsift.db" description:"Path to the SQLite database"`
	LogLevel     string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"Log level (debug, info, warn, error)"`

	TelegramBotToken string `long:"telegram-token" env:"TELEGRAM_BOT_TOKEN" description:"Telegram bot token (optional)"`
	RawAllowedUsers  string `long:"allowed-users" env:"ALLOWED_USERS" description:"Comma-separated Telegram user IDs allowed to use the bot"`

	HTTPAddr     string `long:"http-addr" env:"HTTP_ADDR" default:":8080" description:"Operator API listen address, empty disables the API"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for the operator API (optional)"`
	SeedFile     string `long:"seed" env:"SEED_FILE" description:"YAML file with profiles, sources and subscriptions to upsert at startup"`
	UserAgent    string `long:"user-agent" env:"USER_AGENT" default:"feedsift/1.0" description:"User agent for feed requests"`

	WorkerCount   int `long:"workers" env:"WORKER_COUNT" default:"10" description:"Number of pipeline workers"`
	QueueCapacity int `long:"queue-capacity" env:"QUEUE_CAPACITY" default:"100" description:"Maximum number of pending pipeline tasks"`

	SchedulerBatchSize        int           `long:"scheduler-batch" env:"SCHEDULER_BATCH_SIZE" default:"20" description:"Maximum sources selected per scheduling cycle"`
	SchedulerIdleInterval     time.Duration `long:"scheduler-idle" env:"SCHEDULER_IDLE_INTERVAL" default:"60s" description:"Pause after a cycle with nothing to dispatch"`
	SchedulerDispatchInterval time.Duration `long:"scheduler-dispatch" env:"SCHEDULER_DISPATCH_INTERVAL" default:"5s" description:"Pause after a cycle that dispatched work"`

	DedupWindowDays int           `long:"dedup-window" env:"DEDUP_WINDOW_DAYS" default:"30" description:"Days an item blocks duplicates by link or title"`
	FeedTimeout     time.Duration `long:"feed-timeout" env:"FEED_TIMEOUT" default:"30s" description:"Timeout for a single feed download"`

	AIBatchSize      int           `long:"ai-batch" env:"AI_BATCH_SIZE" default:"10" description:"Items per AI request"`
	AIMaxAttempts    int           `long:"ai-attempts" env:"AI_MAX_ATTEMPTS" default:"3" description:"Total attempts per AI request"`
	AIInitialBackoff time.Duration `long:"ai-backoff" env:"AI_INITIAL_BACKOFF" default:"2s" description:"Backoff before the first AI retry, doubled each time"`

	MaintenanceSchedule string `long:"maintenance" env:"MAINTENANCE_SCHEDULE" default:"@every 10m" description:"Cron schedule of the maintenance job"`

	AllowedUsers []int64 `no-flag:"true"`
}

// Load parses args and the environment. It returns nil, nil when help was
// requested and already printed.
func Load(args []string) (*Config, error) {
	var cfg Config

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	users, err := parseAllowedUsers(cfg.RawAllowedUsers)
	if err != nil {
		return nil, err
	}
	cfg.AllowedUsers = users

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseAllowedUsers(raw string) ([]int64, error) {
	var users []int64
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
		}
		users = append(users, uid)
	}
	return users, nil
}

func (c *Config) validate() error {
	switch {
	case c.DatabasePath == "":
		return errors.New("DATABASE_PATH must not be empty")
	case c.WorkerCount < 1:
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	case c.QueueCapacity < 1:
		return fmt.Errorf("QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity)
	case c.SchedulerBatchSize < 1:
		return fmt.Errorf("SCHEDULER_BATCH_SIZE must be positive, got %d", c.SchedulerBatchSize)
	case c.DedupWindowDays < 1:
		return fmt.Errorf("DEDUP_WINDOW_DAYS must be positive, got %d", c.DedupWindowDays)
	case c.AIBatchSize < 1:
		return fmt.Errorf("AI_BATCH_SIZE must be positive, got %d", c.AIBatchSize)
	case c.AIMaxAttempts < 1:
		return fmt.Errorf("AI_MAX_ATTEMPTS must be positive, got %d", c.AIMaxAttempts)
	}
	return nil
}

// DedupWindow returns the dedup lookback as a duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowDays) * 24 * time.Hour
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
