package config

// EnvPrefix namespaces every variable read by envconfig.
const EnvPrefix = "CHAINBILL"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	BackoffPolicyFixed       = "fixed"
	BackoffPolicyExponential = "exponential"
)

const (
	EnvAppEnv   = "CHAINBILL_APP_ENV"
	EnvLogLevel = "CHAINBILL_LOG_LEVEL"

	EnvDBDSN    = "CHAINBILL_DB_DSN"
	EnvDBDriver = "CHAINBILL_DB_DRIVER"
	EnvDBHost   = "CHAINBILL_DB_HOST"
	EnvDBUser   = "CHAINBILL_DB_USER"
	EnvDBName   = "CHAINBILL_DB_NAME"

	EnvRedisURL = "CHAINBILL_REDIS_URL"

	EnvSchedulerInterval      = "CHAINBILL_SCHEDULER_INTERVAL_MINUTES"
	EnvSchedulerCron          = "CHAINBILL_SCHEDULER_CRON"
	EnvSchedulerMaxRetries    = "CHAINBILL_SCHEDULER_MAX_RETRIES"
	EnvSchedulerBackoffPolicy = "CHAINBILL_SCHEDULER_BACKOFF_POLICY"
	EnvSchedulerBackoffBase   = "CHAINBILL_SCHEDULER_BACKOFF_BASE"

	EnvGatewayURL     = "CHAINBILL_GATEWAY_URL"
	EnvGatewayTimeout = "CHAINBILL_GATEWAY_TIMEOUT"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
