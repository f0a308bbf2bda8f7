package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Unset all relay env vars to get defaults.
	for _, k := range []string{
		"DATABASE_URL", "PORT", "API_KEY", "DEDUP_SECONDS",
		"MAX_MESSAGES_PER_CREDENTIAL", "SWEEP_SCHEDULE", "MESSAGE_MAX_AGE_DAYS",
		"MQTT_BROKER", "SEED_FILE", "LOG_JSON",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.DatabaseURL != "sqlite:fcm-relay.db?mode=rwc" {
		t.Errorf("DatabaseURL = %q, want sqlite:fcm-relay.db?mode=rwc", cfg.DatabaseURL)
	}
	if cfg.Port != 3000 {
		t.Errorf("Port = %d, want 3000", cfg.Port)
	}
	if cfg.DedupTTL != 5*time.Second {
		t.Errorf("DedupTTL = %s, want 5s", cfg.DedupTTL)
	}
	if cfg.MaxMessages != 50 {
		t.Errorf("MaxMessages = %d, want 50", cfg.MaxMessages)
	}
	if cfg.MessageMaxAgeDays != 0 {
		t.Errorf("MessageMaxAgeDays = %d, want 0", cfg.MessageMaxAgeDays)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("DEDUP_SECONDS", "30")
	t.Setenv("MAX_MESSAGES_PER_CREDENTIAL", "200")
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("LOG_JSON", "false")

	cfg := Load()
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.DedupTTL != 30*time.Second {
		t.Errorf("DedupTTL = %s, want 30s", cfg.DedupTTL)
	}
	if cfg.MaxMessages != 200 {
		t.Errorf("MaxMessages = %d, want 200", cfg.MaxMessages)
	}
	if cfg.MQTTBroker != "tcp://broker:1883" {
		t.Errorf("MQTTBroker = %q, want tcp://broker:1883", cfg.MQTTBroker)
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
}

func TestValidate(t *testing.T) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}

	cfg.Port = 0
	cfg.DedupTTL = 0
	cfg.MaxMessages = -1
	cfg.MQTTQoS = 3
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"PORT", "DEDUP_SECONDS", "MAX_MESSAGES_PER_CREDENTIAL", "MQTT_QOS"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %s: %v", want, err)
		}
	}
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	data := `credentials:
  - name: alpha
    api_key: key-1
    app_id: "1:1234:android:abc"
    project_id: proj-1
    webhook_url: https://example.com/hook
    topics: [news, alerts]
  - name: beta
    api_key: key-2
    app_id: "1:5678:android:def"
    project_id: proj-2
    webhook_url: http://internal/hook
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if len(seed.Credentials) != 2 {
		t.Fatalf("got %d credentials, want 2", len(seed.Credentials))
	}
	if seed.Credentials[0].Name != "alpha" {
		t.Errorf("Name = %q, want alpha", seed.Credentials[0].Name)
	}
	if len(seed.Credentials[0].Topics) != 2 {
		t.Errorf("Topics = %v, want 2 entries", seed.Credentials[0].Topics)
	}
}

func TestLoadSeedInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	data := `credentials:
  - name: broken
    api_key: key
    app_id: app
    project_id: proj
    webhook_url: ftp://nope
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSeed(path); err == nil {
		t.Error("expected validation error for ftp webhook URL")
	}
}

func TestLoadSeedMissingFile(t *testing.T) {
	if _, err := LoadSeed(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
