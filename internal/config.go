package internal

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Security      SecurityConfig      `mapstructure:"security"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Checkout      CheckoutConfig      `mapstructure:"checkout"`
	Sweeper       SweeperConfig       `mapstructure:"sweeper"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source"`
}

// RedisConfig drives the per-transaction lock. With Enabled false the
// process falls back to an in-memory lock, which is only safe for a single
// instance.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type SecurityConfig struct {
	JWTPublicKey string `mapstructure:"jwt_public_key"`
	AdminScope   string `mapstructure:"admin_scope"`
}

// GatewayConfig describes the bank endpoint and merchant credentials.
// Either CertPath/KeyPath or PFXPath must be set.
type GatewayConfig struct {
	RedirectURL string          `mapstructure:"redirect_url"`
	ReturnURL   string          `mapstructure:"return_url"`
	Timeout     time.Duration   `mapstructure:"timeout"`
	CertPath    string          `mapstructure:"cert_path"`
	KeyPath     string          `mapstructure:"key_path"`
	KeyPassword string          `mapstructure:"key_password"`
	PFXPath     string          `mapstructure:"pfx_path"`
	PFXPassword string          `mapstructure:"pfx_password"`
	Simulator   SimulatorConfig `mapstructure:"simulator"`
}

type SimulatorConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxWorkers    int           `mapstructure:"max_workers"`
	JobQueueSize  int           `mapstructure:"job_queue_size"`
	MinDelay      time.Duration `mapstructure:"min_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	SuccessRate   float64       `mapstructure:"success_rate"`
	SendCallbacks bool          `mapstructure:"send_callbacks"`
}

type PaymentConfig struct {
	Intent       string `mapstructure:"intent"`
	DebugLogging bool   `mapstructure:"debug_logging"`
	DebugLogPath string `mapstructure:"debug_log_path"`
}

type CheckoutConfig struct {
	BaseURL         string   `mapstructure:"base_url"`
	Steps           []string `mapstructure:"steps"`
	DefaultLanguage string   `mapstructure:"default_language"`
}

type SweeperConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StalledAfter time.Duration `mapstructure:"stalled_after"`
	BatchSize    int           `mapstructure:"batch_size"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfigFromEnv builds the configuration for container deployments
// where no config file is mounted.
func LoadConfigFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_PORT", 8080),
			BaseURL:           getEnv("HTTP_BASE_URL", "http://localhost:8080"),
			AllowedOrigins:    getEnv("HTTP_ALLOWED_ORIGINS", "*"),
			ReadHeaderTimeout: getEnvAsDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DB_SOURCE", ""),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
			LockTTL:  getEnvAsDuration("REDIS_LOCK_TTL", 30*time.Second),
		},
		Security: SecurityConfig{
			JWTPublicKey: getEnv("JWT_PUBLIC_KEY", ""),
			AdminScope:   getEnv("JWT_ADMIN_SCOPE", "payments:admin"),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
		Gateway: GatewayConfig{
			RedirectURL: getEnv("MAIB_REDIRECT_URL", ""),
			ReturnURL:   getEnv("MAIB_RETURN_URL", ""),
			Timeout:     getEnvAsDuration("MAIB_TIMEOUT", 30*time.Second),
			CertPath:    getEnv("MAIB_CERT_PATH", ""),
			KeyPath:     getEnv("MAIB_KEY_PATH", ""),
			KeyPassword: getEnv("MAIB_KEY_PASSWORD", ""),
			PFXPath:     getEnv("MAIB_PFX_PATH", ""),
			PFXPassword: getEnv("MAIB_PFX_PASSWORD", ""),
			Simulator: SimulatorConfig{
				Enabled:       getEnvAsBool("MAIB_SIMULATOR_ENABLED", false),
				MaxWorkers:    getEnvAsInt("MAIB_SIMULATOR_MAX_WORKERS", 4),
				JobQueueSize:  getEnvAsInt("MAIB_SIMULATOR_JOB_QUEUE_SIZE", 100),
				MinDelay:      getEnvAsDuration("MAIB_SIMULATOR_MIN_DELAY", time.Second),
				MaxDelay:      getEnvAsDuration("MAIB_SIMULATOR_MAX_DELAY", 4*time.Second),
				SuccessRate:   getEnvAsFloat("MAIB_SIMULATOR_SUCCESS_RATE", 0.9),
				SendCallbacks: getEnvAsBool("MAIB_SIMULATOR_SEND_CALLBACKS", true),
			},
		},
		Payment: PaymentConfig{
			Intent:       getEnv("PAYMENT_INTENT", "capture"),
			DebugLogging: getEnvAsBool("PAYMENT_DEBUG_LOGGING", false),
			DebugLogPath: getEnv("PAYMENT_DEBUG_LOG_PATH", "var/log/maib.log"),
		},
		Checkout: CheckoutConfig{
			BaseURL:         getEnv("CHECKOUT_BASE_URL", "http://localhost:3000"),
			Steps:           splitList(getEnv("CHECKOUT_STEPS", "order_information,review,payment,complete")),
			DefaultLanguage: getEnv("CHECKOUT_DEFAULT_LANGUAGE", "en"),
		},
		Sweeper: SweeperConfig{
			Interval:     getEnvAsDuration("SWEEPER_INTERVAL", time.Minute),
			StalledAfter: getEnvAsDuration("SWEEPER_STALLED_AFTER", 15*time.Minute),
			BatchSize:    getEnvAsInt("SWEEPER_BATCH_SIZE", 50),
			LeaseTTL:     getEnvAsDuration("SWEEPER_LEASE_TTL", 2*time.Minute),
		},
	}
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Redis.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("redis config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Gateway.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("gateway config: %v", err))
	}

	if err := c.Payment.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("payment config: %v", err))
	}

	if err := c.Checkout.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("checkout config: %v", err))
	}

	if err := c.Sweeper.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("sweeper config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *RedisConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Addr == "" {
		return errors.New("addr is required when redis is enabled")
	}
	if c.LockTTL <= 0 {
		return errors.New("lock_ttl must be positive")
	}
	return nil
}

// Validate accepts an empty key; the admin API is then not mounted.
func (c *SecurityConfig) Validate() error {
	if c.JWTPublicKey == "" {
		return nil
	}
	if _, err := c.GetPublicKey(); err != nil {
		return fmt.Errorf("invalid JWT public key: %w", err)
	}
	return nil
}

func (c *SecurityConfig) GetPublicKey() (*rsa.PublicKey, error) {
	keyData, err := base64.StdEncoding.DecodeString(c.JWTPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}

func (c *GatewayConfig) Validate() error {
	if c.RedirectURL == "" {
		return errors.New("redirect_url is required")
	}
	if _, err := url.ParseRequestURI(c.RedirectURL); err != nil {
		return fmt.Errorf("invalid redirect_url: %w", err)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.Simulator.Enabled {
		if c.Simulator.SuccessRate < 0 || c.Simulator.SuccessRate > 1 {
			return errors.New("simulator.success_rate must be between 0 and 1")
		}
		if c.Simulator.MaxDelay < c.Simulator.MinDelay {
			return errors.New("simulator.max_delay must be >= simulator.min_delay")
		}
		return nil
	}
	hasPEM := c.CertPath != "" && c.KeyPath != ""
	if !hasPEM && c.PFXPath == "" {
		return errors.New("either cert_path and key_path or pfx_path must be set")
	}
	return nil
}

func (c *PaymentConfig) Validate() error {
	switch c.Intent {
	case "authorize", "capture":
	default:
		return fmt.Errorf("intent must be authorize or capture, got %q", c.Intent)
	}
	if c.DebugLogging && c.DebugLogPath == "" {
		return errors.New("debug_log_path is required when debug_logging is on")
	}
	return nil
}

func (c *CheckoutConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if len(c.Steps) == 0 {
		return errors.New("steps must not be empty")
	}
	seen := make(map[string]bool, len(c.Steps))
	for _, s := range c.Steps {
		if seen[s] {
			return fmt.Errorf("duplicate checkout step %q", s)
		}
		seen[s] = true
	}
	if !seen["payment"] {
		return errors.New("steps must contain the payment step")
	}
	return nil
}

func (c *SweeperConfig) Validate() error {
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.StalledAfter <= 0 {
		return errors.New("stalled_after must be positive")
	}
	if c.BatchSize <= 0 {
		return errors.New("batch_size must be positive")
	}
	if c.LeaseTTL <= 0 {
		return errors.New("lease_ttl must be positive")
	}
	return nil
}
