package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "OXYGEN"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	// SQLiteMemoryDSN is the shared in-memory fixture database.
	SQLiteMemoryDSN = "file::memory:?cache=shared"

	EnvDBDSN  = "OXYGEN_DB_DSN"
	EnvDBHost = "OXYGEN_DB_HOST"
	EnvDBUser = "OXYGEN_DB_USER"
	EnvDBName = "OXYGEN_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App           AppConfig
	Service       ServiceConfig
	DB            DBConfig
	Redis         RedisConfig
	JWT           JWTConfig
	Password      PasswordConfig
	AuthRateLimit AuthRateLimitConfig
	FeatureFlags  FeatureFlagsConfig
	Claims        ClaimsConfig
	Vegetation    VegetationConfig
	Minting       MintingConfig
	GCP           GCPConfig
	PubSub        PubSubConfig
	Outbox        OutboxConfig
	Cron          CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if _, err := cfg.Claims.Location(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"OXYGEN_APP_ENV" required:"true"`
	Port         string `envconfig:"OXYGEN_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"OXYGEN_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"OXYGEN_LOG_WARN_STACK" default:"false"`

	// MetricsAddr is where background workers expose /metrics.
	MetricsAddr string   `envconfig:"OXYGEN_METRICS_ADDR" default:":9091"`
	CORSOrigins []string `envconfig:"OXYGEN_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"OXYGEN_SERVICE_KIND" default:"api"`
}

// DBConfig selects the storage backend. Driver "sqlite" runs the in-memory
// fixture store; anything else is treated as postgres.
type DBConfig struct {
	DSN    string `envconfig:"OXYGEN_DB_DSN"`
	Driver string `envconfig:"OXYGEN_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"OXYGEN_DB_HOST"`
	LegacyPort     int    `envconfig:"OXYGEN_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"OXYGEN_DB_USER"`
	LegacyPassword string `envconfig:"OXYGEN_DB_PASSWORD"`
	LegacyName     string `envconfig:"OXYGEN_DB_NAME"`
	LegacySSLMode  string `envconfig:"OXYGEN_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"OXYGEN_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"OXYGEN_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"OXYGEN_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"OXYGEN_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	// SlowQuery is the duration above which statements are logged at warn.
	SlowQuery time.Duration `envconfig:"OXYGEN_DB_SLOW_QUERY" default:"500ms"`
}

func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DriverSQLite)
}

// RedisConfig is optional. With neither URL nor Address set the API runs
// without idempotency replay, auth rate limits or session revocation.
type RedisConfig struct {
	URL          string        `envconfig:"OXYGEN_REDIS_URL"`
	Address      string        `envconfig:"OXYGEN_REDIS_ADDR"`
	Password     string        `envconfig:"OXYGEN_REDIS_PASSWORD"`
	DB           int           `envconfig:"OXYGEN_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"OXYGEN_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"OXYGEN_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"OXYGEN_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"OXYGEN_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"OXYGEN_REDIS_WRITE_TIMEOUT" default:"5s"`
	Namespace    string        `envconfig:"OXYGEN_REDIS_NAMESPACE" default:"oc"`
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type JWTConfig struct {
	Secret                 string `envconfig:"OXYGEN_JWT_SECRET" required:"true"`
	Issuer                 string `envconfig:"OXYGEN_JWT_ISSUER" default:"oxygen-credits"`
	ExpirationMinutes      int    `envconfig:"OXYGEN_JWT_EXPIRATION_MINUTES" default:"10080"`
	RefreshTokenTTLMinutes int    `envconfig:"OXYGEN_REFRESH_TOKEN_TTL_MINUTES" default:"43200"`
}

// RefreshTokenTTL returns the refresh token TTL configured in minutes.
func (j JWTConfig) RefreshTokenTTL() time.Duration {
	if j.RefreshTokenTTLMinutes <= 0 {
		return 0
	}
	return time.Duration(j.RefreshTokenTTLMinutes) * time.Minute
}

type PasswordConfig struct {
	ArgonMemoryKB    int `envconfig:"OXYGEN_ARGON_MEMORY_KB" default:"65536"`
	ArgonTime        int `envconfig:"OXYGEN_ARGON_TIME" default:"3"`
	ArgonParallelism int `envconfig:"OXYGEN_ARGON_PARALLELISM" default:"2"`
	ArgonSaltLen     int `envconfig:"OXYGEN_ARGON_SALT_LEN" default:"16"`
	ArgonKeyLen      int `envconfig:"OXYGEN_ARGON_KEY_LEN" default:"32"`
}

type AuthRateLimitConfig struct {
	LoginWindow        time.Duration `envconfig:"OXYGEN_AUTH_RATE_LIMIT_LOGIN_WINDOW" default:"1m"`
	LoginEmailLimit    int           `envconfig:"OXYGEN_AUTH_RATE_LIMIT_LOGIN_EMAIL_LIMIT" default:"5"`
	LoginIPLimit       int           `envconfig:"OXYGEN_AUTH_RATE_LIMIT_LOGIN_IP_LIMIT" default:"20"`
	RegisterWindow     time.Duration `envconfig:"OXYGEN_AUTH_RATE_LIMIT_REGISTER_WINDOW" default:"5m"`
	RegisterEmailLimit int           `envconfig:"OXYGEN_AUTH_RATE_LIMIT_REGISTER_EMAIL_LIMIT" default:"3"`
	RegisterIPLimit    int           `envconfig:"OXYGEN_AUTH_RATE_LIMIT_REGISTER_IP_LIMIT" default:"20"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"OXYGEN_AUTO_MIGRATE" default:"false"`
}

type ClaimsConfig struct {
	DailyQuota    int    `envconfig:"OXYGEN_CLAIMS_DAILY_QUOTA" default:"10"`
	QuotaTimezone string `envconfig:"OXYGEN_CLAIMS_QUOTA_TIMEZONE" default:"UTC"`
}

// Location resolves the timezone whose midnight resets the daily claim quota.
func (c ClaimsConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.QuotaTimezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid OXYGEN_CLAIMS_QUOTA_TIMEZONE %q: %w", name, err)
	}
	return loc, nil
}

type VegetationConfig struct {
	EngineURL    string        `envconfig:"OXYGEN_NDVI_ENGINE_URL"`
	Timeout      time.Duration `envconfig:"OXYGEN_NDVI_TIMEOUT" default:"8s"`
	BaselineDays int           `envconfig:"OXYGEN_NDVI_BASELINE_DAYS" default:"365"`
	RecentDays   int           `envconfig:"OXYGEN_NDVI_RECENT_DAYS" default:"30"`
}

type MintingConfig struct {
	GatewayURL  string        `envconfig:"OXYGEN_MINT_GATEWAY_URL"`
	APIKey      string        `envconfig:"OXYGEN_MINT_API_KEY"`
	Timeout     time.Duration `envconfig:"OXYGEN_MINT_TIMEOUT" default:"20s"`
	MaxAttempts int           `envconfig:"OXYGEN_MINT_MAX_ATTEMPTS" default:"5"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"OXYGEN_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	DomainTopic      string `envconfig:"OXYGEN_PUBSUB_DOMAIN_TOPIC" default:"oxygen-domain-events"`
	MintTopic        string `envconfig:"OXYGEN_PUBSUB_MINT_TOPIC" default:"oxygen-credit-mint"`
	MintSubscription string `envconfig:"OXYGEN_PUBSUB_MINT_SUBSCRIPTION" default:"oxygen-credit-mint-worker"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"OXYGEN_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"OXYGEN_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"OXYGEN_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type CronConfig struct {
	Schedule string        `envconfig:"OXYGEN_CRON_SCHEDULE" default:"@every 15m"`
	LockTTL  time.Duration `envconfig:"OXYGEN_CRON_LOCK_TTL" default:"10m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.IsSQLite() {
		if db.DSN == "" {
			db.DSN = SQLiteMemoryDSN
		}
		return nil
	}
	if db.DSN != "" {
		return nil
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
