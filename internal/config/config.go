package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Slack      SlackConfig      `mapstructure:"slack"`
	Resend     ResendConfig     `mapstructure:"resend"`
	Newsletter NewsletterConfig `mapstructure:"newsletter"`
	Sources    SourcesConfig    `mapstructure:"sources"`
	Research   ResearchConfig   `mapstructure:"research"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Signup     SignupConfig     `mapstructure:"signup"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DatabaseConfig holds run ledger database settings
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"` // SQLite path
}

// AnthropicConfig holds Claude API settings
type AnthropicConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// SlackConfig holds chat transport settings
type SlackConfig struct {
	BotToken           string `mapstructure:"bot_token"`
	AppToken           string `mapstructure:"app_token"`
	NewsletterChannel  string `mapstructure:"newsletter_channel"`
	HeartbeatChannelID string `mapstructure:"heartbeat_channel_id"`
}

// ResendConfig holds email broadcast provider settings
type ResendConfig struct {
	APIKey     string `mapstructure:"api_key"`
	AudienceID string `mapstructure:"audience_id"`
	FromEmail  string `mapstructure:"from_email"`
	ReplyTo    string `mapstructure:"reply_to"`
	DryRun     bool   `mapstructure:"dry_run"`
}

// NewsletterConfig holds editorial policy settings
type NewsletterConfig struct {
	Name             string `mapstructure:"name"`
	Timezone         string `mapstructure:"timezone"`
	BrainFilePath    string `mapstructure:"brain_file_path"`
	FailureLogDir    string `mapstructure:"failure_log_dir"`
	MaxDraftVersions int    `mapstructure:"max_draft_versions"`
	DraftStaleHours  int    `mapstructure:"draft_stale_hours"`
}

// SourcesConfig holds story source configurations
type SourcesConfig struct {
	RSS        RSSConfig `mapstructure:"rss"`
	HackerNews HNConfig  `mapstructure:"hackernews"`
	Trending   TrendingConfig `mapstructure:"trending"`
}

// RSSConfig holds RSS feed settings
type RSSConfig struct {
	Enabled bool      `mapstructure:"enabled"`
	Feeds   []RSSFeed `mapstructure:"feeds"`
}

// RSSFeed represents a single RSS feed
type RSSFeed struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
	Tier int    `mapstructure:"tier"`
}

// HNConfig holds Hacker News source settings
type HNConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	MaxItems int  `mapstructure:"max_items"`
}

// TrendingConfig holds LLM research source settings
type TrendingConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Queries []string `mapstructure:"queries"`
}

// ResearchConfig holds dedup and retry policy settings
type ResearchConfig struct {
	DedupLookbackWeeks int `mapstructure:"dedup_lookback_weeks"`
	MaxExternalRetries int `mapstructure:"max_external_retries"`
	MaxPlanningStories int `mapstructure:"max_planning_stories"`
}

// SchedulerConfig holds weekly trigger settings
type SchedulerConfig struct {
	ResearchDay      string `mapstructure:"research_day"`  // mon..sun
	ResearchHour     int    `mapstructure:"research_hour"` // 0-23 in newsletter timezone
	HeartbeatEnabled bool   `mapstructure:"heartbeat_enabled"`
}

// SignupConfig holds the subscribe endpoint settings
type SignupConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	ListenAddr     string   `mapstructure:"listen_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout or file path
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if present (ignore errors if not found)
	_ = godotenv.Load()
	_ = godotenv.Load(".env.local")

	v := viper.New()

	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".newsletter-agent"))
		}
	}

	// Environment variables
	v.SetEnvPrefix("NEWSLETTER")
	v.AutomaticEnv()

	// Explicit bindings for nested keys (Viper doesn't auto-bind underscored nested keys)
	v.BindEnv("anthropic.api_key", "NEWSLETTER_ANTHROPIC_API_KEY")
	v.BindEnv("slack.bot_token", "NEWSLETTER_SLACK_BOT_TOKEN")
	v.BindEnv("slack.app_token", "NEWSLETTER_SLACK_APP_TOKEN")
	v.BindEnv("slack.newsletter_channel", "NEWSLETTER_SLACK_NEWSLETTER_CHANNEL")
	v.BindEnv("slack.heartbeat_channel_id", "NEWSLETTER_SLACK_HEARTBEAT_CHANNEL_ID")
	v.BindEnv("resend.api_key", "NEWSLETTER_RESEND_API_KEY")
	v.BindEnv("resend.audience_id", "NEWSLETTER_RESEND_AUDIENCE_ID")
	v.BindEnv("resend.from_email", "NEWSLETTER_RESEND_FROM_EMAIL")
	v.BindEnv("resend.dry_run", "NEWSLETTER_RESEND_DRY_RUN")
	v.BindEnv("database.dsn", "NEWSLETTER_DATABASE_DSN")
	v.BindEnv("newsletter.brain_file_path", "NEWSLETTER_NEWSLETTER_BRAIN_FILE_PATH")
	v.BindEnv("newsletter.failure_log_dir", "NEWSLETTER_NEWSLETTER_FAILURE_LOG_DIR")
	v.BindEnv("newsletter.max_draft_versions", "NEWSLETTER_NEWSLETTER_MAX_DRAFT_VERSIONS")
	v.BindEnv("research.max_external_retries", "NEWSLETTER_RESEARCH_MAX_EXTERNAL_RETRIES")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.dsn", "./data/run_state.db")

	// Anthropic defaults
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.temperature", 0.2)

	// Newsletter defaults
	v.SetDefault("newsletter.name", "This Week in AI")
	v.SetDefault("newsletter.timezone", "America/New_York")
	v.SetDefault("newsletter.brain_file_path", "./data/published_stories.md")
	v.SetDefault("newsletter.failure_log_dir", "./data/failures")
	v.SetDefault("newsletter.max_draft_versions", 3)
	v.SetDefault("newsletter.draft_stale_hours", 48)

	// Sources defaults
	v.SetDefault("sources.rss.enabled", true)
	v.SetDefault("sources.rss.feeds", []map[string]interface{}{
		{"name": "TechCrunch AI", "url": "https://techcrunch.com/category/artificial-intelligence/feed/", "tier": 2},
		{"name": "VentureBeat AI", "url": "https://venturebeat.com/category/ai/feed/", "tier": 2},
		{"name": "Crunchbase News", "url": "https://news.crunchbase.com/feed/", "tier": 2},
		{"name": "OpenAI Blog", "url": "https://openai.com/blog/rss.xml", "tier": 1},
		{"name": "Anthropic Blog", "url": "https://www.anthropic.com/research/rss.xml", "tier": 1},
	})
	v.SetDefault("sources.hackernews.enabled", true)
	v.SetDefault("sources.hackernews.max_items", 30)
	v.SetDefault("sources.trending.enabled", false)
	v.SetDefault("sources.trending.queries", []string{
		"biggest AI agent and digital labor news this week",
		"major AI funding rounds announced this week",
	})

	// Research defaults
	v.SetDefault("research.dedup_lookback_weeks", 8)
	v.SetDefault("research.max_external_retries", 3)
	v.SetDefault("research.max_planning_stories", 12)

	// Scheduler defaults
	v.SetDefault("scheduler.research_day", "thu")
	v.SetDefault("scheduler.research_hour", 9)
	v.SetDefault("scheduler.heartbeat_enabled", false)

	// Signup defaults
	v.SetDefault("signup.enabled", false)
	v.SetDefault("signup.listen_addr", ":8090")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")
}

var validResearchDays = map[string]bool{
	"mon": true, "tue": true, "wed": true, "thu": true,
	"fri": true, "sat": true, "sun": true,
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic.api_key is required")
	}
	if c.Slack.BotToken == "" {
		return fmt.Errorf("slack.bot_token is required")
	}
	if c.Slack.NewsletterChannel == "" {
		return fmt.Errorf("slack.newsletter_channel is required")
	}
	if c.Resend.APIKey == "" && !c.Resend.DryRun {
		return fmt.Errorf("resend.api_key is required unless resend.dry_run is set")
	}
	if !validResearchDays[c.Scheduler.ResearchDay] {
		return fmt.Errorf("scheduler.research_day must be one of mon..sun, got %q", c.Scheduler.ResearchDay)
	}
	if c.Scheduler.ResearchHour < 0 || c.Scheduler.ResearchHour > 23 {
		return fmt.Errorf("scheduler.research_hour must be in 0..23, got %d", c.Scheduler.ResearchHour)
	}
	if c.Newsletter.MaxDraftVersions < 1 {
		return fmt.Errorf("newsletter.max_draft_versions must be >= 1")
	}
	if c.Research.MaxExternalRetries < 1 {
		return fmt.Errorf("research.max_external_retries must be >= 1")
	}
	return nil
}
