// Package config loads settings from the environment and an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"churchcal/internal/auth"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	CalendarID string
	TimeZone   string

	Google GoogleConfig
	Sync   SyncConfig
	Fetch  FetchConfig
	DB     DBConfig
	Redis  RedisConfig
	HTTP   HTTPConfig
	ICloud ICloudConfig

	LogLevel string
}

type GoogleConfig struct {
	ClientID            string
	ClientSecret        string
	RedirectURL         string
	ServiceAccountEmail string
	PrivateKey          string
	ServiceAccountFile  string
	// TokenFile holds the delegated token for CLI use.
	TokenFile string
}

type SyncConfig struct {
	Workers         int
	MaxRetries      int
	DurationMinutes int
	WatchInterval   time.Duration
}

type FetchConfig struct {
	MaxResults   int64
	WindowMonths int
}

type DBConfig struct {
	Path string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type HTTPConfig struct {
	Addr           string
	AllowedOrigins []string
	// UserHeader names the header an upstream session layer uses to identify the admin.
	UserHeader string
}

// ICloudConfig configures the optional CalDAV mirror.
type ICloudConfig struct {
	Endpoint     string
	Username     string
	Password     string
	CalendarName string
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return fromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		CalendarID: v.GetString("CHURCH_CALENDAR_ID"),
		TimeZone:   v.GetString("PRIMARY_TIMEZONE"),
		LogLevel:   v.GetString("LOG_LEVEL"),
	}

	cfg.Google = GoogleConfig{
		ClientID:            v.GetString("GOOGLE_CLIENT_ID"),
		ClientSecret:        v.GetString("GOOGLE_CLIENT_SECRET"),
		RedirectURL:         v.GetString("GOOGLE_REDIRECT_URL"),
		ServiceAccountEmail: v.GetString("GOOGLE_SERVICE_ACCOUNT_EMAIL"),
		PrivateKey:          v.GetString("GOOGLE_PRIVATE_KEY"),
		ServiceAccountFile:  v.GetString("GOOGLE_SERVICE_ACCOUNT_FILE"),
		TokenFile:           v.GetString("GOOGLE_TOKEN_FILE"),
	}

	cfg.Sync = SyncConfig{
		Workers:         v.GetInt("SYNC_WORKERS"),
		MaxRetries:      v.GetInt("SYNC_MAX_RETRIES"),
		DurationMinutes: v.GetInt("SYNC_DEFAULT_DURATION"),
		WatchInterval:   parseDuration(v.GetString("SYNC_WATCH_INTERVAL"), 5*time.Minute),
	}

	cfg.Fetch = FetchConfig{
		MaxResults:   v.GetInt64("FETCH_MAX_RESULTS"),
		WindowMonths: v.GetInt("FETCH_WINDOW_MONTHS"),
	}

	cfg.DB = DBConfig{Path: v.GetString("DB_PATH")}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("REDIS_ADDR"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
		TTL:      parseDuration(v.GetString("EVENTS_CACHE_TTL"), 5*time.Minute),
	}

	cfg.HTTP = HTTPConfig{
		Addr:           v.GetString("HTTP_ADDR"),
		AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS")),
		UserHeader:     v.GetString("USER_HEADER"),
	}

	cfg.ICloud = ICloudConfig{
		Endpoint:     v.GetString("ICLOUD_CALDAV_ENDPOINT"),
		Username:     v.GetString("ICLOUD_USERNAME"),
		Password:     v.GetString("ICLOUD_APP_SPECIFIC_PASSWORD"),
		CalendarName: v.GetString("ICLOUD_CALENDAR_NAME"),
	}

	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PRIMARY_TIMEZONE", "UTC")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("GOOGLE_REDIRECT_URL", "http://localhost:8080/api/calendar/callback")
	v.SetDefault("GOOGLE_TOKEN_FILE", "token.json")

	v.SetDefault("SYNC_WORKERS", 4)
	v.SetDefault("SYNC_MAX_RETRIES", 3)
	v.SetDefault("SYNC_DEFAULT_DURATION", 120)
	v.SetDefault("SYNC_WATCH_INTERVAL", "5m")

	v.SetDefault("FETCH_MAX_RESULTS", 250)
	v.SetDefault("FETCH_WINDOW_MONTHS", 6)

	v.SetDefault("DB_PATH", "churchcal.db")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("EVENTS_CACHE_TTL", "5m")

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("USER_HEADER", "X-User-ID")

	v.SetDefault("ICLOUD_CALDAV_ENDPOINT", "https://caldav.icloud.com/")
}

// Location resolves TimeZone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", c.TimeZone, err)
	}
	return loc, nil
}

// ServiceCredentials returns the read-only credential settings.
func (c *Config) ServiceCredentials() auth.ServiceCredentials {
	return auth.ServiceCredentials{
		ClientEmail: c.Google.ServiceAccountEmail,
		PrivateKey:  c.Google.PrivateKey,
		KeyFile:     c.Google.ServiceAccountFile,
	}
}

// DelegatedConfig returns the per-user OAuth client settings.
func (c *Config) DelegatedConfig() auth.DelegatedConfig {
	return auth.DelegatedConfig{
		ClientID:     c.Google.ClientID,
		ClientSecret: c.Google.ClientSecret,
		RedirectURL:  c.Google.RedirectURL,
	}
}

// MirrorEnabled reports whether CalDAV mirror credentials are present.
func (c *Config) MirrorEnabled() bool {
	return c.ICloud.Username != "" && c.ICloud.Password != "" && c.ICloud.CalendarName != ""
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
