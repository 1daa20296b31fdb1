package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "CLUBHOUSE"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "clubhouse.db"
	defaultLogLevel            = "info"
	defaultTimezone            = "America/Los_Angeles"
	defaultCookieName          = "app_session"
	defaultIssuer              = "mprlab-auth"
	defaultCalendarProvider    = ProviderGoogle
	defaultRequestTimeout      = 10 * time.Second
	defaultRatePerSecond       = 5.0
	defaultListLimit           = 250
	defaultEventsCalendar      = "Public/Member Events"
	defaultWellnessCalendar    = "Wellness & Classes"
	defaultClosuresCalendar    = "Facility Closures"
	defaultGolfCalendar        = "Booked Golf"
	defaultWorkerLimit         = 4
	defaultSchedule            = "@every 15m"
	defaultEventsLookbackDays  = 365
	defaultBusyTTL             = 2 * time.Minute
	defaultGranularityMinutes  = 5
	defaultAllowedOriginsValue = ""
)

// Calendar providers.
const (
	ProviderGoogle = "google"
	ProviderICS    = "ics"
)

// CalendarNames binds record kinds to calendar names.
type CalendarNames struct {
	Events   string
	Wellness string
	Closures string
	Golf     string
}

// CalendarConfig selects and tunes the external calendar adapter.
type CalendarConfig struct {
	Provider        string
	CredentialsFile string
	ICSFeeds        map[string]string
	RequestTimeout  time.Duration
	RatePerSecond   float64
	ListLimit       int
	Names           CalendarNames
}

// SyncConfig tunes reconcile passes.
type SyncConfig struct {
	WorkerLimit        int
	Schedule           string
	EventsLookbackDays int
	RunOnStart         bool
}

// RedisConfig points at the busy-period cache. An empty address disables it.
type RedisConfig struct {
	Address  string
	Password string
	BusyTTL  time.Duration
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	AllowedOrigins     []string
	DatabasePath       string
	LogLevel           string
	Timezone           string
	AuthSigningKey     string
	AuthIssuer         string
	AuthCookieName     string
	Calendar           CalendarConfig
	Sync               SyncConfig
	Redis              RedisConfig
	GranularityMinutes int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOriginsValue)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("business.timezone", defaultTimezone)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("calendar.provider", defaultCalendarProvider)
	configViper.SetDefault("calendar.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("calendar.rate_per_second", defaultRatePerSecond)
	configViper.SetDefault("calendar.list_limit", defaultListLimit)
	configViper.SetDefault("calendar.names.events", defaultEventsCalendar)
	configViper.SetDefault("calendar.names.wellness", defaultWellnessCalendar)
	configViper.SetDefault("calendar.names.closures", defaultClosuresCalendar)
	configViper.SetDefault("calendar.names.golf", defaultGolfCalendar)
	configViper.SetDefault("sync.worker_limit", defaultWorkerLimit)
	configViper.SetDefault("sync.schedule", defaultSchedule)
	configViper.SetDefault("sync.events_lookback_days", defaultEventsLookbackDays)
	configViper.SetDefault("sync.run_on_start", true)
	configViper.SetDefault("redis.busy_ttl", defaultBusyTTL)
	configViper.SetDefault("availability.granularity_minutes", defaultGranularityMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetString("http.allowed_origins")),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		Timezone:       configViper.GetString("business.timezone"),
		AuthSigningKey: configViper.GetString("auth.signing_secret"),
		AuthIssuer:     configViper.GetString("auth.issuer"),
		AuthCookieName: configViper.GetString("auth.cookie_name"),
		Calendar: CalendarConfig{
			Provider:        strings.ToLower(strings.TrimSpace(configViper.GetString("calendar.provider"))),
			CredentialsFile: configViper.GetString("calendar.credentials_file"),
			ICSFeeds:        configViper.GetStringMapString("calendar.ics_feeds"),
			RequestTimeout:  configViper.GetDuration("calendar.request_timeout"),
			RatePerSecond:   configViper.GetFloat64("calendar.rate_per_second"),
			ListLimit:       configViper.GetInt("calendar.list_limit"),
			Names: CalendarNames{
				Events:   configViper.GetString("calendar.names.events"),
				Wellness: configViper.GetString("calendar.names.wellness"),
				Closures: configViper.GetString("calendar.names.closures"),
				Golf:     configViper.GetString("calendar.names.golf"),
			},
		},
		Sync: SyncConfig{
			WorkerLimit:        configViper.GetInt("sync.worker_limit"),
			Schedule:           configViper.GetString("sync.schedule"),
			EventsLookbackDays: configViper.GetInt("sync.events_lookback_days"),
			RunOnStart:         configViper.GetBool("sync.run_on_start"),
		},
		Redis: RedisConfig{
			Address:  configViper.GetString("redis.address"),
			Password: configViper.GetString("redis.password"),
			BusyTTL:  configViper.GetDuration("redis.busy_ttl"),
		},
		GranularityMinutes: configViper.GetInt("availability.granularity_minutes"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("business.timezone %q is invalid: %w", c.Timezone, err)
	}
	switch c.Calendar.Provider {
	case ProviderGoogle:
		if strings.TrimSpace(c.Calendar.CredentialsFile) == "" {
			return fmt.Errorf("calendar.credentials_file is required for the google provider")
		}
	case ProviderICS:
		if len(c.Calendar.ICSFeeds) == 0 {
			return fmt.Errorf("calendar.ics_feeds is required for the ics provider")
		}
	default:
		return fmt.Errorf("calendar.provider %q is not supported", c.Calendar.Provider)
	}
	if c.Calendar.RequestTimeout <= 0 {
		return fmt.Errorf("calendar.request_timeout must be positive")
	}
	if c.Sync.WorkerLimit <= 0 {
		return fmt.Errorf("sync.worker_limit must be positive")
	}
	if c.GranularityMinutes <= 0 {
		return fmt.Errorf("availability.granularity_minutes must be positive")
	}
	return nil
}

func splitList(rawInput string) []string {
	var values []string
	for _, value := range strings.Split(rawInput, ",") {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
