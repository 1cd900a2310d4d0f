// Package config
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/amirphl/guarded-trader/internal/retry"
)

/*
YAML config example:
mode: "paper"
db_driver: "sqlite"
db_conn_str: "data/trader.db"
timezone: "America/New_York"
jobs:
  open_signal: "35 9 * * MON-FRI"
  close_all: "55 15 * * MON-FRI"
retry:
  initial_delay: 1s
  multiplier: 2
  max_attempts: 3
  max_elapsed: 5m
  attempt_timeout: 15s
max_position_pct: 50
max_position_usd: 10000
notify:
  primary: ["log", "telegram"]
  secondary: ["discord"]
  urgent: ["email", "sms"]
...
*/

type Config struct {
	ConfigFile string `yaml:"-"`

	Mode      string `yaml:"mode"`
	DBDriver  string `yaml:"db_driver"`
	DBConnStr string `yaml:"db_conn_str"`
	DBMaxOpen int    `yaml:"db_max_open"`
	DBMaxIdle int    `yaml:"db_max_idle"`

	HTTPAddr string `yaml:"http_addr"`
	APIToken string `yaml:"api_token"`

	Timezone  string       `yaml:"timezone"`
	Jobs      JobSpecs     `yaml:"jobs"`
	QueueSize int          `yaml:"queue_size"`
	Retry     retry.Config `yaml:"retry"`

	SignalFile     string  `yaml:"signal_file"`
	MaxPositionPct float64 `yaml:"max_position_pct"`
	MaxPositionUSD float64 `yaml:"max_position_usd"`
	PaperCapital   float64 `yaml:"paper_capital"`
	PaperBookPath  string  `yaml:"paper_book_path"`

	WallexAPIKey string `yaml:"wallex_api_key"`
	WallexQuote  string `yaml:"wallex_quote"`

	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
	DiscordWebhook string `yaml:"discord_webhook"`
	SMTP           SMTP   `yaml:"smtp"`
	Notify         Notify `yaml:"notify"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// JobSpecs are standard 5-field cron specs evaluated in Config.Timezone. An empty spec
// disables the job.
type JobSpecs struct {
	OpenSignal     string `yaml:"open_signal"`
	MomentumCheck  string `yaml:"momentum_check"`
	CloseAll       string `yaml:"close_all"`
	SessionRefresh string `yaml:"session_refresh"`
	Heartbeat      string `yaml:"heartbeat"`
}

// Map returns the specs keyed by job name.
func (j JobSpecs) Map() map[string]string {
	return map[string]string{
		"open_signal":     j.OpenSignal,
		"momentum_check":  j.MomentumCheck,
		"close_all":       j.CloseAll,
		"session_refresh": j.SessionRefresh,
		"heartbeat":       j.Heartbeat,
	}
}

type SMTP struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	EmailTo  []string `yaml:"email_to"`
	// SMSTo are carrier e-mail-to-SMS gateway addresses.
	SMSTo []string `yaml:"sms_to"`
}

// Notify names the channels of each severity tier. Known names: log, telegram, discord,
// email, sms.
type Notify struct {
	Primary     []string      `yaml:"primary"`
	Secondary   []string      `yaml:"secondary"`
	Urgent      []string      `yaml:"urgent"`
	WarningRate time.Duration `yaml:"warning_rate"`
	InfoRate    time.Duration `yaml:"info_rate"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Mode:      "paper",
		DBDriver:  "sqlite",
		DBConnStr: "data/guarded-trader.db",
		DBMaxOpen: 10,
		DBMaxIdle: 5,
		HTTPAddr:  "127.0.0.1:8080",
		Timezone:  "America/New_York",
		Jobs: JobSpecs{
			OpenSignal:     "35 9 * * MON-FRI",
			MomentumCheck:  "0,15,30,45 10-11 * * MON-FRI",
			CloseAll:       "55 15 * * MON-FRI",
			SessionRefresh: "0 8 * * MON-FRI",
			Heartbeat:      "*/5 9-16 * * MON-FRI",
		},
		QueueSize:      16,
		Retry:          retry.DefaultConfig(),
		SignalFile:     "data/signal.json",
		MaxPositionPct: 100,
		PaperCapital:   10000,
		PaperBookPath:  "data/paper_book.json",
		WallexQuote:    "USDT",
		SMTP:           SMTP{Port: 587},
		Notify: Notify{
			Primary:     []string{"log", "telegram"},
			Secondary:   []string{"discord"},
			Urgent:      []string{"email", "sms"},
			WarningRate: 5 * time.Minute,
			InfoRate:    30 * time.Minute,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// listFlag is a comma separated list.
type listFlag struct{ v *[]string }

func (l listFlag) String() string {
	if l.v == nil {
		return ""
	}
	return strings.Join(*l.v, ",")
}

func (l listFlag) Set(s string) error {
	*l.v = nil
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l.v = append(*l.v, part)
		}
	}
	return nil
}

func bindFlags(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "Path to YAML config file")
	fs.StringVar(&c.Mode, "mode", c.Mode, "Mode: paper or live")
	fs.StringVar(&c.DBDriver, "db-driver", c.DBDriver, "Database driver: sqlite or postgres")
	fs.StringVar(&c.DBConnStr, "db", c.DBConnStr, "Database file (sqlite) or connection string (postgres)")
	fs.IntVar(&c.DBMaxOpen, "db-max-open", c.DBMaxOpen, "Max open database connections (postgres)")
	fs.IntVar(&c.DBMaxIdle, "db-max-idle", c.DBMaxIdle, "Max idle database connections (postgres)")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "Operator API listen address, empty to disable")
	fs.StringVar(&c.Timezone, "timezone", c.Timezone, "Market time zone for job schedules")
	fs.StringVar(&c.Jobs.OpenSignal, "job-open-signal", c.Jobs.OpenSignal, "Cron spec for open_signal")
	fs.StringVar(&c.Jobs.MomentumCheck, "job-momentum-check", c.Jobs.MomentumCheck, "Cron spec for momentum_check")
	fs.StringVar(&c.Jobs.CloseAll, "job-close-all", c.Jobs.CloseAll, "Cron spec for close_all")
	fs.StringVar(&c.Jobs.SessionRefresh, "job-session-refresh", c.Jobs.SessionRefresh, "Cron spec for session_refresh")
	fs.StringVar(&c.Jobs.Heartbeat, "job-heartbeat", c.Jobs.Heartbeat, "Cron spec for heartbeat")
	fs.IntVar(&c.QueueSize, "queue-size", c.QueueSize, "Pending job intents before the scheduler drops a trigger")
	fs.DurationVar(&c.Retry.InitialDelay, "retry-initial-delay", c.Retry.InitialDelay, "First retry wait")
	fs.Float64Var(&c.Retry.Multiplier, "retry-multiplier", c.Retry.Multiplier, "Retry wait multiplier")
	fs.IntVar(&c.Retry.MaxAttempts, "retry-max-attempts", c.Retry.MaxAttempts, "Attempts per broker operation")
	fs.DurationVar(&c.Retry.MaxElapsed, "retry-max-elapsed", c.Retry.MaxElapsed, "Wall-clock bound per broker operation")
	fs.DurationVar(&c.Retry.AttemptTimeout, "broker-timeout", c.Retry.AttemptTimeout, "Timeout of one broker call")
	fs.StringVar(&c.SignalFile, "signal-file", c.SignalFile, "JSON file holding the current signal")
	fs.Float64Var(&c.MaxPositionPct, "max-position-pct", c.MaxPositionPct, "Percent of cash one position may use")
	fs.Float64Var(&c.MaxPositionUSD, "max-position-usd", c.MaxPositionUSD, "Notional cap per position, 0 for none")
	fs.Float64Var(&c.PaperCapital, "paper-capital", c.PaperCapital, "Starting cash of a new paper book")
	fs.StringVar(&c.PaperBookPath, "paper-book", c.PaperBookPath, "Paper book file, empty for in-memory")
	fs.StringVar(&c.WallexQuote, "wallex-quote", c.WallexQuote, "Quote asset for Wallex pairs")
	fs.StringVar(&c.TelegramToken, "telegram-token", c.TelegramToken, "Telegram bot token for notifications")
	fs.StringVar(&c.TelegramChatID, "telegram-chat", c.TelegramChatID, "Telegram chat ID for notifications")
	fs.StringVar(&c.DiscordWebhook, "discord-webhook", c.DiscordWebhook, "Discord webhook URL for notifications")
	fs.Var(listFlag{&c.Notify.Primary}, "notify-primary", "Comma-separated primary channels")
	fs.Var(listFlag{&c.Notify.Secondary}, "notify-secondary", "Comma-separated secondary channels")
	fs.Var(listFlag{&c.Notify.Urgent}, "notify-urgent", "Comma-separated urgent channels")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: text or json")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "Also write logs to this file")
}

// applyEnv overlays secrets and deployment settings from the environment.
func applyEnv(c *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.WallexAPIKey, "WALLEX_API_KEY")
	set(&c.DBConnStr, "DB_CONN_STR")
	set(&c.DBDriver, "DB_DRIVER")
	set(&c.APIToken, "API_TOKEN")
	set(&c.TelegramToken, "TELEGRAM_TOKEN")
	set(&c.TelegramChatID, "TELEGRAM_CHAT_ID")
	set(&c.DiscordWebhook, "DISCORD_WEBHOOK_URL")
	set(&c.SMTP.Host, "SMTP_HOST")
	set(&c.SMTP.Username, "SMTP_USERNAME")
	set(&c.SMTP.Password, "SMTP_PASSWORD")
	set(&c.SMTP.From, "SMTP_FROM")
}

// Load resolves the configuration from defaults, the YAML file named by -config, the
// environment and finally explicitly passed flags.
func Load(args []string) (Config, error) {
	probe := Default()
	pfs := flag.NewFlagSet("guarded-trader", flag.ContinueOnError)
	pfs.SetOutput(io.Discard)
	bindFlags(pfs, &probe)
	if err := pfs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if probe.ConfigFile != "" {
		data, err := os.ReadFile(probe.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	applyEnv(&cfg)

	fs := flag.NewFlagSet("guarded-trader", flag.ContinueOnError)
	bindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Location loads the market time zone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

var knownChannels = map[string]bool{"log": true, "telegram": true, "discord": true, "email": true, "sms": true}

func (c Config) Validate() error {
	var errs []error
	switch c.Mode {
	case "paper", "live":
	default:
		errs = append(errs, fmt.Errorf("mode must be paper or live, got %q", c.Mode))
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("db_driver must be sqlite or postgres, got %q", c.DBDriver))
	}
	if c.DBConnStr == "" {
		errs = append(errs, errors.New("db_conn_str is required"))
	}
	if c.Mode == "live" && c.WallexAPIKey == "" {
		errs = append(errs, errors.New("WALLEX_API_KEY is required in live mode"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	for name, spec := range c.Jobs.Map() {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("jobs.%s: %w", name, err))
		}
	}
	if c.QueueSize < 1 {
		errs = append(errs, errors.New("queue_size must be positive"))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxPositionPct <= 0 || c.MaxPositionPct > 100 {
		errs = append(errs, fmt.Errorf("max_position_pct must be in (0, 100], got %v", c.MaxPositionPct))
	}
	if c.MaxPositionUSD < 0 {
		errs = append(errs, errors.New("max_position_usd must not be negative"))
	}
	for _, tier := range [][]string{c.Notify.Primary, c.Notify.Secondary, c.Notify.Urgent} {
		for _, ch := range tier {
			if !knownChannels[ch] {
				errs = append(errs, fmt.Errorf("unknown notification channel %q", ch))
			}
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// MustLoadConfig loads .env (if any) and the command line, exiting on error.
func MustLoadConfig() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to load .env file: %v", err)
	}
	cfg, err := Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	return cfg
}
