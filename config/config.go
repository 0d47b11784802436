// Package config reads service settings from the environment with viper.
// A .env or config.env file in the working directory is read first; real
// environment variables win over it.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/stock-engine/generic"
)

type Config struct {
	App         AppConfig
	Log         LogConfig
	HTTP        HTTPConfig
	DB          DBConfig
	Lock        generic.LockConfig
	Sweep       time.Duration   // consumable age sweep; 0 disables
	LowStock    decimal.Decimal // default low-stock threshold for items without MinStock
	CatalogFile string
}

type AppConfig struct {
	Env  string // development, staging, production
	Name string
}

type LogConfig struct {
	Level string
}

type HTTPConfig struct {
	Host string
	Port int
}

// Addr returns host:port.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type DBConfig struct {
	Driver      string
	SQLitePath  string
	DatabaseURL string // wins over the discrete fields when set
	Host        string
	Port        int
	User        string
	Password    string
	Name        string
	SSLMode     string
}

// ConnectionString returns DATABASE_URL or a DSN built from the parts.
func (c DBConfig) ConnectionString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// Load reads the configuration. Unknown drivers and unparsable numbers are
// errors; missing keys take their defaults.
func Load() (*Config, error) {
	return load(newViper("."))
}

func newViper(dir string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	_ = v.ReadInConfig()

	v.SetConfigName("config")
	v.AddConfigPath(dir)
	v.AddConfigPath(dir + "/config")
	_ = v.MergeInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "stock-engine")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_HOST", "0.0.0.0")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("DB_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "./data/stock.db")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_NAME", "stock")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("LOCK_WAIT_MS", 250)
	v.SetDefault("LOCK_ATTEMPTS", 3)
	v.SetDefault("LOCK_BACKOFF_MS", 50)
	v.SetDefault("SWEEP_INTERVAL", "1h")
	v.SetDefault("LOW_STOCK_THRESHOLD", "0")
}

func load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Env:  v.GetString("APP_ENV"),
			Name: v.GetString("APP_NAME"),
		},
		Log: LogConfig{Level: v.GetString("LOG_LEVEL")},
		HTTP: HTTPConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(v.GetString("DB_DRIVER")),
			SQLitePath:  v.GetString("SQLITE_PATH"),
			DatabaseURL: v.GetString("DATABASE_URL"),
			Host:        v.GetString("DB_HOST"),
			Port:        v.GetInt("DB_PORT"),
			User:        v.GetString("DB_USER"),
			Password:    v.GetString("DB_PASSWORD"),
			Name:        v.GetString("DB_NAME"),
			SSLMode:     v.GetString("DB_SSLMODE"),
		},
		Lock: generic.LockConfig{
			Wait:     time.Duration(v.GetInt("LOCK_WAIT_MS")) * time.Millisecond,
			Attempts: v.GetInt("LOCK_ATTEMPTS"),
			Backoff:  time.Duration(v.GetInt("LOCK_BACKOFF_MS")) * time.Millisecond,
		},
		CatalogFile: v.GetString("CATALOG_FILE"),
	}

	switch cfg.DB.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("config: unknown DB_DRIVER %q", cfg.DB.Driver)
	}

	sweep, err := time.ParseDuration(v.GetString("SWEEP_INTERVAL"))
	if err != nil {
		return nil, fmt.Errorf("config: SWEEP_INTERVAL: %w", err)
	}
	cfg.Sweep = sweep

	cfg.LowStock, err = decimal.NewFromString(v.GetString("LOW_STOCK_THRESHOLD"))
	if err != nil {
		return nil, fmt.Errorf("config: LOW_STOCK_THRESHOLD: %w", err)
	}
	return cfg, nil
}
