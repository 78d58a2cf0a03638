package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Scheduler    SchedulerConfig
	Gateway      GatewayConfig
	Ops          OpsConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Scheduler.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"CHAINBILL_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"CHAINBILL_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"CHAINBILL_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"CHAINBILL_LOG_FORMAT" default:"json"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"CHAINBILL_SERVICE_KIND" default:"scheduler"`
}

type DBConfig struct {
	DSN    string `envconfig:"CHAINBILL_DB_DSN"`
	Driver string `envconfig:"CHAINBILL_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"CHAINBILL_DB_HOST"`
	LegacyPort     int    `envconfig:"CHAINBILL_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"CHAINBILL_DB_USER"`
	LegacyPassword string `envconfig:"CHAINBILL_DB_PASSWORD"`
	LegacyName     string `envconfig:"CHAINBILL_DB_NAME"`
	LegacySSLMode  string `envconfig:"CHAINBILL_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"CHAINBILL_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"CHAINBILL_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CHAINBILL_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CHAINBILL_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the configured driver is the embedded sqlite engine.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DBDriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"CHAINBILL_REDIS_URL"`
	Address      string        `envconfig:"CHAINBILL_REDIS_ADDR"`
	Password     string        `envconfig:"CHAINBILL_REDIS_PASSWORD"`
	DB           int           `envconfig:"CHAINBILL_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CHAINBILL_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CHAINBILL_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CHAINBILL_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CHAINBILL_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CHAINBILL_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// SchedulerConfig drives the billing loop. Values are read once at process start.
type SchedulerConfig struct {
	IntervalMinutes    int           `envconfig:"CHAINBILL_SCHEDULER_INTERVAL_MINUTES" default:"5"`
	CronExpression     string        `envconfig:"CHAINBILL_SCHEDULER_CRON"`
	MaxRetries         int           `envconfig:"CHAINBILL_SCHEDULER_MAX_RETRIES" default:"3"`
	BackoffPolicy      string        `envconfig:"CHAINBILL_SCHEDULER_BACKOFF_POLICY" default:"fixed"`
	BackoffBase        time.Duration `envconfig:"CHAINBILL_SCHEDULER_BACKOFF_BASE" default:"8h"`
	BackoffMax         time.Duration `envconfig:"CHAINBILL_SCHEDULER_BACKOFF_MAX" default:"72h"`
	BatchSize          int           `envconfig:"CHAINBILL_SCHEDULER_BATCH_SIZE" default:"250"`
	Workers            int           `envconfig:"CHAINBILL_SCHEDULER_WORKERS" default:"4"`
	LockTTL            time.Duration `envconfig:"CHAINBILL_SCHEDULER_LOCK_TTL" default:"5m"`
	CycleLockTTL       time.Duration `envconfig:"CHAINBILL_SCHEDULER_CYCLE_LOCK_TTL" default:"30m"`
	WriteRetryBudget   time.Duration `envconfig:"CHAINBILL_SCHEDULER_WRITE_RETRY_BUDGET" default:"30s"`
	ReconcileBatchSize int           `envconfig:"CHAINBILL_SCHEDULER_RECONCILE_BATCH" default:"50"`
}

// Interval returns the scan interval configured in minutes.
func (s SchedulerConfig) Interval() time.Duration {
	if s.IntervalMinutes <= 0 {
		return 0
	}
	return time.Duration(s.IntervalMinutes) * time.Minute
}

func (s SchedulerConfig) validate() error {
	if s.MaxRetries <= 0 {
		return fmt.Errorf("%s must be positive", EnvSchedulerMaxRetries)
	}
	switch strings.ToLower(strings.TrimSpace(s.BackoffPolicy)) {
	case BackoffPolicyFixed, BackoffPolicyExponential:
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", EnvSchedulerBackoffPolicy, BackoffPolicyFixed, BackoffPolicyExponential, s.BackoffPolicy)
	}
	if s.BackoffBase < 0 || s.BackoffMax < 0 {
		return fmt.Errorf("backoff durations must be non-negative")
	}
	return nil
}

type GatewayConfig struct {
	URL     string        `envconfig:"CHAINBILL_GATEWAY_URL"`
	APIKey  string        `envconfig:"CHAINBILL_GATEWAY_API_KEY"`
	Timeout time.Duration `envconfig:"CHAINBILL_GATEWAY_TIMEOUT" default:"30s"`
}

type OpsConfig struct {
	Addr string `envconfig:"CHAINBILL_OPS_ADDR" default:":9090"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"CHAINBILL_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		return fmt.Errorf("%s is required for the sqlite driver", EnvDBDSN)
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
