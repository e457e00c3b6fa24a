// Package config loads bridge settings from flags, environment, an optional
// .env file and an optional YAML config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. ISSUEBRIDGE_DB_PATH.
const EnvPrefix = "ISSUEBRIDGE"

// Keys.
const (
	KeyDiscordToken   = "discord.token"
	KeyDiscordGuildID = "discord.guild_id"
	KeyDiscordAppID   = "discord.app_id"
	KeyNotionToken    = "notion.token"
	KeyNotionBaseURL  = "notion.base_url"
	KeyDBDriver       = "db.driver"
	KeyDBPath         = "db.path"
	KeyDBDSN          = "db.dsn"
	KeySyncInterval   = "sync.interval"
	KeyBulkAgeCeiling = "bulk.age_ceiling"
	KeyBulkRecent     = "bulk.recent_delay"
	KeyBulkOld        = "bulk.old_delay"
	KeyDashboardPort  = "dashboard.port"
	KeyKafkaBrokers   = "kafka.brokers"
	KeyKafkaTopic     = "kafka.topic"
	KeyLogLevel       = "log.level"
	KeyLogFormat      = "log.format"
	KeyLogFile        = "log.file"
)

// legacyEnv maps keys to the unprefixed variable names older deployments
// set in their .env files.
var legacyEnv = map[string]string{
	KeyDiscordToken:  "DISCORD_BOT_TOKEN",
	KeyDiscordAppID:  "DISCORD_CLIENT_ID",
	KeyNotionToken:   "NOTION_API_KEY",
	KeyDBPath:        "DATABASE_PATH",
	KeySyncInterval:  "POLLING_INTERVAL",
	KeyDashboardPort: "DASHBOARD_PORT",
}

type DiscordConfig struct {
	Token   string `mapstructure:"token"`
	GuildID string `mapstructure:"guild_id"`
	AppID   string `mapstructure:"app_id"`
}

type NotionConfig struct {
	Token   string `mapstructure:"token"`
	BaseURL string `mapstructure:"base_url"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type SyncConfig struct {
	Interval time.Duration `mapstructure:"-"`
}

type BulkConfig struct {
	AgeCeiling  time.Duration `mapstructure:"age_ceiling"`
	RecentDelay time.Duration `mapstructure:"recent_delay"`
	OldDelay    time.Duration `mapstructure:"old_delay"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Config is the resolved configuration.
type Config struct {
	Discord   DiscordConfig   `mapstructure:"discord"`
	Notion    NotionConfig    `mapstructure:"notion"`
	DB        DBConfig        `mapstructure:"db"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Bulk      BulkConfig      `mapstructure:"bulk"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Log       LogConfig       `mapstructure:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// New returns a viper instance with defaults and environment binding set
// up. Flags are bound onto it by the caller.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault(KeyDiscordToken, "")
	v.SetDefault(KeyDiscordGuildID, "")
	v.SetDefault(KeyDiscordAppID, "")
	v.SetDefault(KeyNotionToken, "")
	v.SetDefault(KeyNotionBaseURL, "https://api.notion.com")
	v.SetDefault(KeyDBDriver, "sqlite3")
	v.SetDefault(KeyDBPath, "./data/issuebridge.db")
	v.SetDefault(KeyDBDSN, "")
	v.SetDefault(KeySyncInterval, "2m")
	v.SetDefault(KeyBulkAgeCeiling, 14*24*time.Hour)
	v.SetDefault(KeyBulkRecent, 100*time.Millisecond)
	v.SetDefault(KeyBulkOld, 200*time.Millisecond)
	v.SetDefault(KeyDashboardPort, 3000)
	v.SetDefault(KeyKafkaBrokers, []string{})
	v.SetDefault(KeyKafkaTopic, "issuebridge.events")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyLogFile, "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		_ = v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy)
	}
	return v
}

// Load reads the .env file and the config file into v and resolves the
// result. An empty configFile searches for issuebridge.yaml in the working
// directory and $HOME/.config/issuebridge. A missing file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("issuebridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/issuebridge")
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return Resolve(v)
}

// Resolve decodes the current state of v.
func Resolve(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	interval, err := ParseInterval(v.GetString(KeySyncInterval))
	if err != nil {
		return nil, err
	}
	cfg.Sync.Interval = interval
	cfg.File = v.ConfigFileUsed()
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	return &cfg, nil
}

// Watch reloads the config file on change and hands the new configuration
// to onChange. Decode errors are passed to onError and the old
// configuration stays in effect.
func Watch(v *viper.Viper, onChange func(*Config), onError func(error)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Resolve(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

// ParseInterval parses a poll interval. A bare integer is a number of
// minutes.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 2 * time.Minute, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("sync interval must be positive, got %d", n)
		}
		return time.Duration(n) * time.Minute, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid sync interval %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("sync interval must be positive, got %s", d)
	}
	return d, nil
}

// Validate checks the settings a long-running bridge needs.
func (c *Config) Validate() error {
	var problems []string
	if c.Discord.Token == "" {
		problems = append(problems, KeyDiscordToken+" is required")
	}
	if c.Notion.Token == "" {
		problems = append(problems, KeyNotionToken+" is required")
	}
	switch c.DB.Driver {
	case "", "sqlite", "sqlite3":
		if c.DB.Path == "" {
			problems = append(problems, KeyDBPath+" is required for sqlite")
		}
	case "postgres":
		if c.DB.DSN == "" {
			problems = append(problems, KeyDBDSN+" is required for postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported %s %q", KeyDBDriver, c.DB.Driver))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid %s %d", KeyDashboardPort, c.Dashboard.Port))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// String renders the configuration with secrets masked.
func (c Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", KeyDiscordToken, mask(c.Discord.Token))
	fmt.Fprintf(&b, "%s: %s\n", KeyDiscordGuildID, c.Discord.GuildID)
	fmt.Fprintf(&b, "%s: %s\n", KeyNotionToken, mask(c.Notion.Token))
	fmt.Fprintf(&b, "%s: %s\n", KeyNotionBaseURL, c.Notion.BaseURL)
	fmt.Fprintf(&b, "%s: %s\n", KeyDBDriver, c.DB.Driver)
	fmt.Fprintf(&b, "%s: %s\n", KeyDBPath, c.DB.Path)
	fmt.Fprintf(&b, "%s: %s\n", KeyDBDSN, mask(c.DB.DSN))
	fmt.Fprintf(&b, "%s: %s\n", KeySyncInterval, c.Sync.Interval)
	fmt.Fprintf(&b, "%s: %s\n", KeyBulkAgeCeiling, c.Bulk.AgeCeiling)
	fmt.Fprintf(&b, "%s: %d\n", KeyDashboardPort, c.Dashboard.Port)
	fmt.Fprintf(&b, "%s: %s\n", KeyKafkaBrokers, strings.Join(c.Kafka.Brokers, ","))
	fmt.Fprintf(&b, "%s: %s\n", KeyLogLevel, c.Log.Level)
	return b.String()
}

func mask(secret string) string {
	if secret == "" {
		return "(unset)"
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// splitList accepts both YAML lists and a single comma-separated value.
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
