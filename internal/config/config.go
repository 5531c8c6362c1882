// Package config loads the harvester configuration from a YAML file and
// HARVEST_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	API         APIConfig         `mapstructure:"api"`
	Harvest     HarvestConfig     `mapstructure:"harvest"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Redis       RedisConfig       `mapstructure:"redis"`
	DB          DBConfig          `mapstructure:"db"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Cron        CronConfig        `mapstructure:"cron"`
	Server      ServerConfig      `mapstructure:"server"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Columns     ColumnsConfig     `mapstructure:"columns"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type APIConfig struct {
	AuthURL      string        `mapstructure:"auth_url"`
	SelectURL    string        `mapstructure:"select_url"`
	BaseSelect   string        `mapstructure:"base_select"`
	CustomSelect string        `mapstructure:"custom_select"`
	IDField      string        `mapstructure:"id_field"`
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CAFile       string        `mapstructure:"ca_file"`
}

type HarvestConfig struct {
	PageSize          int           `mapstructure:"page_size"`
	MaxPages          int           `mapstructure:"max_pages"`
	ChunkSize         int           `mapstructure:"chunk_size"`
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	TokenRefresh      time.Duration `mapstructure:"token_refresh"`
	AttributeAttempts int           `mapstructure:"attribute_attempts"`
}

// RetryConfig overrides the client's per-class retry policy when
// MaxAttempts is positive.
type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

type RedisConfig struct {
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	CheckpointTTL time.Duration `mapstructure:"checkpoint_ttl"`
	RateLimit     bool          `mapstructure:"rate_limit"`
}

type DBConfig struct {
	Table           string        `mapstructure:"table"`
	Port            string        `mapstructure:"port"`
	SSLMode         string        `mapstructure:"sslmode"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

type NotifyConfig struct {
	TeamsWebhook string `mapstructure:"teams_webhook"`
	SlackWebhook string `mapstructure:"slack_webhook"`
	SlackChannel string `mapstructure:"slack_channel"`
}

type CronConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

// CredentialsConfig names where secrets come from. Inline values win over
// files.
type CredentialsConfig struct {
	Cert            string `mapstructure:"cert"`
	CertFile        string `mapstructure:"cert_file"`
	Key             string `mapstructure:"key"`
	KeyFile         string `mapstructure:"key_file"`
	ClientID        string `mapstructure:"client_id"`
	ClientSecret    string `mapstructure:"client_secret"`
	ServiceUser     string `mapstructure:"service_user"`
	ServicePassword string `mapstructure:"service_password"`
	DBHost          string `mapstructure:"db_host"`
	DBName          string `mapstructure:"db_name"`
}

type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// ColumnsConfig holds renames for flattened columns. Renames are lists
// rather than maps because viper lowercases map keys.
type ColumnsConfig struct {
	Base   []ColumnRename `mapstructure:"base"`
	Custom []ColumnRename `mapstructure:"custom"`
}

// ColumnRename maps a flattened column to its staging name. To "remove"
// drops the column.
type ColumnRename struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

// RenameMap converts renames to the lookup form used by record.Rename.
func RenameMap(renames []ColumnRename) map[string]string {
	if len(renames) == 0 {
		return nil
	}
	out := make(map[string]string, len(renames))
	for _, r := range renames {
		if r.From != "" {
			out[r.From] = r.To
		}
	}
	return out
}

// Load reads path (unless envOnly) and applies HARVEST_* overrides, e.g.
// HARVEST_API_AUTH_URL for api.auth_url.
func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	}
	v.AutomaticEnv()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("api.auth_url", "")
	v.SetDefault("api.select_url", "")
	v.SetDefault("api.base_select", "workers/associateOID,workers/workerID,workers/person/legalName,workers/workAssignments")
	v.SetDefault("api.custom_select", "workers/customFieldGroup")
	v.SetDefault("api.id_field", "associateOID")
	v.SetDefault("api.user_agent", "workforce-harvester/1.0.0")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.ca_file", "")

	v.SetDefault("harvest.page_size", 200)
	v.SetDefault("harvest.max_pages", 0)
	v.SetDefault("harvest.chunk_size", 100)
	v.SetDefault("harvest.max_concurrency", 25)
	v.SetDefault("harvest.token_refresh", "50m")
	v.SetDefault("harvest.attribute_attempts", 3)

	v.SetDefault("retry.max_attempts", 0)
	v.SetDefault("retry.initial_backoff", "1s")
	v.SetDefault("retry.max_backoff", "30s")
	v.SetDefault("retry.backoff_multiplier", 2.0)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "harvest:")
	v.SetDefault("redis.checkpoint_ttl", "168h")
	v.SetDefault("redis.rate_limit", true)

	v.SetDefault("db.table", "adp.stg_hr_workers")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.sslmode", "require")
	v.SetDefault("db.batch_size", 1000)
	v.SetDefault("db.max_open_conns", 5)
	v.SetDefault("db.max_idle_conns", 2)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.migrate", true)

	v.SetDefault("notify.teams_webhook", "")
	v.SetDefault("notify.slack_webhook", "")
	v.SetDefault("notify.slack_channel", "")

	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.schedule", "0 2 * * *")

	v.SetDefault("server.http_addr", ":9090")

	for _, key := range []string{
		"cert", "cert_file", "key", "key_file", "client_id", "client_secret",
		"service_user", "service_password", "db_host", "db_name",
	} {
		v.SetDefault("credentials."+key, "")
	}

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.service_name", "workforce-harvester")

	if !envOnly && path != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings every run needs.
func (c Config) Validate() error {
	if c.API.AuthURL == "" {
		return fmt.Errorf("api.auth_url is required")
	}
	if c.API.SelectURL == "" {
		return fmt.Errorf("api.select_url is required")
	}
	if c.Harvest.PageSize <= 0 {
		return fmt.Errorf("harvest.page_size must be > 0 (got %d)", c.Harvest.PageSize)
	}
	if c.Harvest.ChunkSize <= 0 {
		return fmt.Errorf("harvest.chunk_size must be > 0 (got %d)", c.Harvest.ChunkSize)
	}
	if c.Harvest.MaxConcurrency <= 0 {
		return fmt.Errorf("harvest.max_concurrency must be > 0 (got %d)", c.Harvest.MaxConcurrency)
	}
	return nil
}
