package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Gate      GateConfig      `mapstructure:"gate"`
	Delay     DelayConfig     `mapstructure:"delay"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Checkin   CheckinConfig   `mapstructure:"checkin"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// GateConfig carries the confidence thresholds on the operator-facing 0..10
// scale. Out-of-range values are a configuration error, not clamped.
type GateConfig struct {
	IndividualThreshold float64 `mapstructure:"individual_threshold"`
	GroupThreshold      float64 `mapstructure:"group_threshold"`
	UrgentThreshold     float64 `mapstructure:"urgent_threshold"`
	MinimumFloor        float64 `mapstructure:"minimum_floor"`
}

type DelayBandConfig struct {
	MinSeconds int `mapstructure:"min_seconds"`
	MaxSeconds int `mapstructure:"max_seconds"`
}

type DelayConfig struct {
	Individual        DelayBandConfig `mapstructure:"individual"`
	Group             DelayBandConfig `mapstructure:"group"`
	QuietHoursStart   int             `mapstructure:"quiet_hours_start"`
	QuietHoursEnd     int             `mapstructure:"quiet_hours_end"`
	QuietMultiplier   float64         `mapstructure:"quiet_multiplier"`
	WeekendDays       []string        `mapstructure:"weekend_days"`
	WeekendMultiplier float64         `mapstructure:"weekend_multiplier"`
	MaxDelayMinutes   int             `mapstructure:"max_delay_minutes"`
}

type DispatchConfig struct {
	CoachID                int64    `mapstructure:"coach_id"`
	GenerateTimeoutSeconds int      `mapstructure:"generate_timeout_seconds"`
	RetryBackoffSeconds    int      `mapstructure:"retry_backoff_seconds"`
	HistoryLimit           int      `mapstructure:"history_limit"`
	UrgentKeywords         []string `mapstructure:"urgent_keywords"`
}

type CheckinConfig struct {
	Cron                 string `mapstructure:"cron"`
	RenderTimeoutSeconds int    `mapstructure:"render_timeout_seconds"`
}

type BroadcastConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 300)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("gate.individual_threshold", 6)
	v.SetDefault("gate.group_threshold", 7)
	v.SetDefault("gate.urgent_threshold", 3)
	v.SetDefault("gate.minimum_floor", 2)
	v.SetDefault("delay.individual.min_seconds", 30)
	v.SetDefault("delay.individual.max_seconds", 300)
	v.SetDefault("delay.group.min_seconds", 60)
	v.SetDefault("delay.group.max_seconds", 600)
	v.SetDefault("delay.quiet_hours_start", 22)
	v.SetDefault("delay.quiet_hours_end", 7)
	v.SetDefault("delay.quiet_multiplier", 3)
	v.SetDefault("delay.weekend_days", []string{"saturday", "sunday"})
	v.SetDefault("delay.weekend_multiplier", 2)
	v.SetDefault("delay.max_delay_minutes", 180)
	v.SetDefault("dispatch.generate_timeout_seconds", 20)
	v.SetDefault("dispatch.retry_backoff_seconds", 5)
	v.SetDefault("dispatch.history_limit", 20)
	v.SetDefault("dispatch.urgent_keywords", []string{
		"injury", "injured", "chest pain", "dizzy", "faint", "emergency", "can't breathe",
	})
	v.SetDefault("checkin.cron", "0 9 * * *")
	v.SetDefault("checkin.render_timeout_seconds", 60)

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects out-of-range tunables up front instead of guessing at
// clamped behavior later.
func (c *Config) Validate() error {
	scores := map[string]float64{
		"gate.individual_threshold": c.Gate.IndividualThreshold,
		"gate.group_threshold":      c.Gate.GroupThreshold,
		"gate.urgent_threshold":     c.Gate.UrgentThreshold,
		"gate.minimum_floor":        c.Gate.MinimumFloor,
	}
	for name, score := range scores {
		if score < 0 || score > 10 {
			return fmt.Errorf("%s must be between 0 and 10, got %v", name, score)
		}
	}

	bands := map[string]DelayBandConfig{
		"delay.individual": c.Delay.Individual,
		"delay.group":      c.Delay.Group,
	}
	for name, band := range bands {
		if band.MinSeconds < 0 || band.MaxSeconds < band.MinSeconds {
			return fmt.Errorf("%s band is inverted: [%d, %d]", name, band.MinSeconds, band.MaxSeconds)
		}
	}

	if c.Delay.QuietHoursStart < 0 || c.Delay.QuietHoursStart > 23 ||
		c.Delay.QuietHoursEnd < 0 || c.Delay.QuietHoursEnd > 23 {
		return fmt.Errorf("delay quiet hours must be within 0..23")
	}
	if c.Delay.QuietMultiplier <= 0 || c.Delay.WeekendMultiplier <= 0 {
		return fmt.Errorf("delay multipliers must be positive")
	}
	if _, err := c.WeekendDays(); err != nil {
		return err
	}

	if !gronx.IsValid(c.Checkin.Cron) {
		return fmt.Errorf("checkin.cron is not a valid cron expression: %q", c.Checkin.Cron)
	}

	return nil
}

// WeekendDays parses the configured day names.
func (c *Config) WeekendDays() ([]time.Weekday, error) {
	names := map[string]time.Weekday{
		"sunday":    time.Sunday,
		"monday":    time.Monday,
		"tuesday":   time.Tuesday,
		"wednesday": time.Wednesday,
		"thursday":  time.Thursday,
		"friday":    time.Friday,
		"saturday":  time.Saturday,
	}

	var days []time.Weekday
	for _, name := range c.Delay.WeekendDays {
		day, ok := names[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown weekend day %q", name)
		}
		days = append(days, day)
	}
	return days, nil
}
