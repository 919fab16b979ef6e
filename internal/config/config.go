package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"fxwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Rates     RatesConfig     `mapstructure:"rates"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Fees      FeesConfig      `mapstructure:"fees"`
	Reward    RewardConfig    `mapstructure:"reward"`
	Events    EventsConfig    `mapstructure:"events"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs the monitor cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	TickTimeout     time.Duration `mapstructure:"tick_timeout"`
}

// RatesConfig covers the HTTP exchange-rate source.
type RatesConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// MonitorConfig tunes rule evaluation.
type MonitorConfig struct {
	Workers        int             `mapstructure:"workers"`
	RearmMarginPct decimal.Decimal `mapstructure:"rearm_margin_pct"`
	MaxBackoff     time.Duration   `mapstructure:"max_backoff"`
}

// NotifyConfig defines delivery transports.
type NotifyConfig struct {
	SendTimeout time.Duration  `mapstructure:"send_timeout"`
	WebPush     WebPushConfig  `mapstructure:"webpush"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// WebPushConfig holds VAPID credentials.
type WebPushConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	VAPIDPublicKey  string        `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string        `mapstructure:"vapid_private_key"`
	Subscriber      string        `mapstructure:"subscriber"`
	TTL             time.Duration `mapstructure:"ttl"`
}

// TelegramConfig mirrors alerts to an operator chat.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
	Silent   bool   `mapstructure:"silent"`
}

// FeesConfig lists static fee schedules.
type FeesConfig struct {
	Schedules []FeeScheduleConfig `mapstructure:"schedules"`
}

// FeeScheduleConfig is one pair's fee schedule. Percent is in percent units.
type FeeScheduleConfig struct {
	From       string          `mapstructure:"from"`
	To         string          `mapstructure:"to"`
	PercentFee decimal.Decimal `mapstructure:"percent_fee"`
	FixedFee   decimal.Decimal `mapstructure:"fixed_fee"`
	MinFee     decimal.Decimal `mapstructure:"min_fee"`
	MaxFee     decimal.Decimal `mapstructure:"max_fee"`
}

// RewardConfig defines the referral reward policy.
type RewardConfig struct {
	Percent       decimal.Decimal `mapstructure:"percent"`
	MaxAmount     decimal.Decimal `mapstructure:"max_amount"`
	MaxAttempts   int             `mapstructure:"max_attempts"`
	RetryInterval time.Duration   `mapstructure:"retry_interval"`
	RetryGrace    time.Duration   `mapstructure:"retry_grace"`
}

// EventsConfig selects the transaction event source.
type EventsConfig struct {
	Driver      string        `mapstructure:"driver"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	HoldRounds  int           `mapstructure:"hold_rounds"`
	Kafka       KafkaConfig   `mapstructure:"kafka"`
	AMQP        AMQPConfig    `mapstructure:"amqp"`
}

// KafkaConfig configures the consumer group reader.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// AMQPConfig configures the RabbitMQ consumer.
type AMQPConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	Queue      string `mapstructure:"queue"`
	RoutingKey string `mapstructure:"routing_key"`
	Prefetch   int    `mapstructure:"prefetch"`
}

// HTTPConfig configures the API listener. An empty Addr disables it.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

const (
	EventsDriverNone  = "none"
	EventsDriverKafka = "kafka"
	EventsDriverAMQP  = "amqp"
)

// Load builds configuration from file, environment, and defaults. A .env file in the
// working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("FXWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fxwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x66787761))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.tick_timeout", "45s")

	v.SetDefault("rates.base_url", "https://v6.exchangerate-api.com/v6")
	v.SetDefault("rates.timeout", "5s")
	v.SetDefault("rates.user_agent", "fxwatch/1.0")

	v.SetDefault("monitor.workers", 8)
	v.SetDefault("monitor.rearm_margin_pct", "0")
	v.SetDefault("monitor.max_backoff", "30m")

	v.SetDefault("notify.send_timeout", "5s")
	v.SetDefault("notify.webpush.enabled", false)
	v.SetDefault("notify.webpush.ttl", "1h")
	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("reward.percent", "1")
	v.SetDefault("reward.max_amount", "0")
	v.SetDefault("reward.max_attempts", 5)
	v.SetDefault("reward.retry_interval", "1m")
	v.SetDefault("reward.retry_grace", "2m")

	v.SetDefault("events.driver", EventsDriverNone)
	v.SetDefault("events.max_attempts", 5)
	v.SetDefault("events.backoff", "500ms")
	v.SetDefault("events.hold_rounds", 10)
	v.SetDefault("events.kafka.topic", "transactions.completed")
	v.SetDefault("events.kafka.group_id", "fxwatch-referrals")
	v.SetDefault("events.amqp.exchange", "transactions")
	v.SetDefault("events.amqp.queue", "fxwatch.referrals")
	v.SetDefault("events.amqp.routing_key", "transaction.completed")
	v.SetDefault("events.amqp.prefetch", 16)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHookFunc decodes strings and numbers into decimal.Decimal. Numbers from
// YAML pass through their shortest string form so 1.5 stays 1.5.
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch value := data.(type) {
		case string:
			if strings.TrimSpace(value) == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(strings.TrimSpace(value))
		case int:
			return decimal.NewFromInt(int64(value)), nil
		case int64:
			return decimal.NewFromInt(value), nil
		case float64:
			return decimal.NewFromString(fmt.Sprint(value))
		case nil:
			return decimal.Zero, nil
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.TickTimeout <= 0 {
		return fmt.Errorf("scheduler.tick_timeout must be greater than zero")
	}
	if c.Rates.Timeout <= 0 {
		return fmt.Errorf("rates.timeout must be greater than zero")
	}
	if c.Monitor.Workers <= 0 {
		return fmt.Errorf("monitor.workers must be greater than zero")
	}
	if c.Monitor.RearmMarginPct.IsNegative() {
		return fmt.Errorf("monitor.rearm_margin_pct cannot be negative")
	}
	if c.Notify.SendTimeout <= 0 {
		return fmt.Errorf("notify.send_timeout must be greater than zero")
	}
	if c.Notify.WebPush.Enabled {
		if c.Notify.WebPush.VAPIDPublicKey == "" || c.Notify.WebPush.VAPIDPrivateKey == "" {
			return fmt.Errorf("notify.webpush vapid keys are required when enabled")
		}
		if c.Notify.WebPush.Subscriber == "" {
			return fmt.Errorf("notify.webpush.subscriber is required when enabled")
		}
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" {
			return fmt.Errorf("notify.telegram.bot_token is required when enabled")
		}
		if c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("notify.telegram.chat_id is required when enabled")
		}
	}
	if !c.Reward.Percent.IsPositive() {
		return fmt.Errorf("reward.percent must be greater than zero")
	}
	if c.Reward.MaxAmount.IsNegative() {
		return fmt.Errorf("reward.max_amount cannot be negative")
	}
	if c.Reward.MaxAttempts <= 0 {
		return fmt.Errorf("reward.max_attempts must be greater than zero")
	}
	switch c.Events.Driver {
	case EventsDriverNone:
	case EventsDriverKafka:
		if len(c.Events.Kafka.Brokers) == 0 || c.Events.Kafka.Topic == "" {
			return fmt.Errorf("events.kafka.brokers and events.kafka.topic are required")
		}
	case EventsDriverAMQP:
		if c.Events.AMQP.URL == "" || c.Events.AMQP.Queue == "" {
			return fmt.Errorf("events.amqp.url and events.amqp.queue are required")
		}
	default:
		return fmt.Errorf("events.driver must be one of none, kafka, amqp")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
