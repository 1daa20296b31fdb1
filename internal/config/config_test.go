package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("CLUBHOUSE_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("CLUBHOUSE_CALENDAR_CREDENTIALS_FILE", "/etc/clubhouse/sa.json")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.Timezone != "America/Los_Angeles" {
		t.Fatalf("unexpected timezone: %s", cfg.Timezone)
	}
	if cfg.Calendar.Provider != ProviderGoogle || cfg.Calendar.RequestTimeout != 10*time.Second {
		t.Fatalf("unexpected calendar defaults: %+v", cfg.Calendar)
	}
	if cfg.Calendar.Names.Closures != "Facility Closures" || cfg.Calendar.Names.Golf != "Booked Golf" {
		t.Fatalf("unexpected calendar names: %+v", cfg.Calendar.Names)
	}
	if cfg.Sync.Schedule != "@every 15m" || cfg.Sync.WorkerLimit != 4 || cfg.Sync.EventsLookbackDays != 365 {
		t.Fatalf("unexpected sync defaults: %+v", cfg.Sync)
	}
	if cfg.GranularityMinutes != 5 {
		t.Fatalf("unexpected granularity: %d", cfg.GranularityMinutes)
	}
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("CLUBHOUSE_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("CLUBHOUSE_CALENDAR_PROVIDER", "ICS")
	t.Setenv("CLUBHOUSE_HTTP_ALLOWED_ORIGINS", "https://club.example.com, https://staff.example.com")
	t.Setenv("CLUBHOUSE_SYNC_WORKER_LIMIT", "8")

	configViper := NewViper()
	configViper.Set("calendar.ics_feeds", map[string]string{"facility closures": "https://example.com/closures.ics"})
	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.Calendar.Provider != ProviderICS {
		t.Fatalf("expected ics provider, got %s", cfg.Calendar.Provider)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://staff.example.com" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if cfg.Sync.WorkerLimit != 8 {
		t.Fatalf("expected worker limit override, got %d", cfg.Sync.WorkerLimit)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  map[string]any
		wantErr string
	}{
		{name: "missing secret", mutate: map[string]any{"auth.signing_secret": ""}, wantErr: "auth.signing_secret"},
		{name: "bad timezone", mutate: map[string]any{"business.timezone": "Mars/Olympus"}, wantErr: "business.timezone"},
		{name: "unknown provider", mutate: map[string]any{"calendar.provider": "outlook"}, wantErr: "calendar.provider"},
		{name: "google without credentials", mutate: map[string]any{"calendar.credentials_file": ""}, wantErr: "calendar.credentials_file"},
		{name: "ics without feeds", mutate: map[string]any{"calendar.provider": "ics"}, wantErr: "calendar.ics_feeds"},
		{name: "zero workers", mutate: map[string]any{"sync.worker_limit": 0}, wantErr: "sync.worker_limit"},
		{name: "zero granularity", mutate: map[string]any{"availability.granularity_minutes": 0}, wantErr: "availability.granularity_minutes"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("auth.signing_secret", "secret")
			configViper.Set("calendar.credentials_file", "/etc/clubhouse/sa.json")
			for key, value := range testCase.mutate {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.wantErr, err)
			}
		})
	}
}
