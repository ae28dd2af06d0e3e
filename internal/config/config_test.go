package config

import (
	"os"
	"testing"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"BROKER_HOST", "BROKER_PORT",
		"TSDB_URL", "TSDB_TOKEN", "TSDB_ORG", "TSDB_BUCKET",
		"API_BASE", "RULES_FILE", "LOG_LEVEL",
	} {
		os.Unsetenv(k)
	}
}

// requiredEnv is the full set of env vars Load needs to succeed, used
// as a base that individual tests delete one key from.
func requiredEnv() map[string]string {
	return map[string]string{
		"BROKER_HOST": "mqtt.local",
		"BROKER_PORT": "1883",
		"TSDB_URL":    "http://localhost:8086",
		"TSDB_TOKEN":  "s3cr3t",
		"TSDB_ORG":    "acme",
		"TSDB_BUCKET": "sensors",
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearEnv(t)
	setEnv(t, requiredEnv())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.APIBase != "http://localhost:5000" {
		t.Errorf("APIBase = %q, want default", cfg.APIBase)
	}
	if cfg.RulesFile != "./rules_config.json" {
		t.Errorf("RulesFile = %q, want default", cfg.RulesFile)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("Load() with no env set should error")
	}
}

func TestLoad_MissingOneRequiredVar(t *testing.T) {
	for _, missing := range []string{"BROKER_HOST", "BROKER_PORT", "TSDB_URL", "TSDB_TOKEN", "TSDB_ORG", "TSDB_BUCKET"} {
		t.Run(missing, func(t *testing.T) {
			clearEnv(t)
			env := requiredEnv()
			delete(env, missing)
			setEnv(t, env)

			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s unset should error", missing)
			}
		})
	}
}

func TestLoad_CustomPort(t *testing.T) {
	clearEnv(t)
	env := requiredEnv()
	env["BROKER_PORT"] = "18830"
	setEnv(t, env)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Broker.Port != 18830 {
		t.Errorf("Broker.Port = %d, want 18830", cfg.Broker.Port)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	clearEnv(t)
	env := requiredEnv()
	env["LOG_LEVEL"] = "verbose"
	setEnv(t, env)

	if _, err := Load(); err == nil {
		t.Fatal("Load() with invalid LOG_LEVEL should error")
	}
}

func TestBrokerConfig_URL(t *testing.T) {
	c := BrokerConfig{Host: "mqtt.local", Port: 1883}
	if got, want := c.URL(), "tcp://mqtt.local:1883"; got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
}
