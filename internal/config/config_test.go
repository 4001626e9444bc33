package config

import (
	"os"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	os.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/test")
	os.Setenv("JWT_SECRET", "test-secret")
	t.Cleanup(func() {
		os.Unsetenv("MYSQL_DSN")
		os.Unsetenv("JWT_SECRET")
	})
}

func TestLoad(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.MySQL.DSN == "" {
		t.Error("MySQL DSN should not be empty")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("Expected HTTPAddr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.Bridge.DisconnectGraceSec != 120 {
		t.Errorf("Expected default disconnect grace 120, got %d", cfg.Bridge.DisconnectGraceSec)
	}
	if cfg.Approval.StrictTimeoutSec != 300 {
		t.Errorf("Expected strict approval timeout 300, got %d", cfg.Approval.StrictTimeoutSec)
	}
	if cfg.Approval.DefaultTimeoutSec != 0 || cfg.Approval.UnattendedTimeoutSec != 0 {
		t.Errorf("Expected no approval timeout for default/unattended, got %d/%d",
			cfg.Approval.DefaultTimeoutSec, cfg.Approval.UnattendedTimeoutSec)
	}
	if !cfg.Heartbeat.Enabled {
		t.Error("Expected heartbeat sweeper enabled by default")
	}
}

func TestLoad_MissingMySQLDSN(t *testing.T) {
	os.Unsetenv("MYSQL_DSN")
	os.Setenv("JWT_SECRET", "test-secret")
	defer os.Unsetenv("JWT_SECRET")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when MYSQL_DSN is missing")
	}
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	os.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/test")
	os.Unsetenv("JWT_SECRET")
	defer os.Unsetenv("MYSQL_DSN")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when JWT_SECRET is missing")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv(t)
	os.Setenv("REDIS_ADDR", "redis.example.com:6379")
	os.Setenv("REDIS_PASS", "secret")
	os.Setenv("REDIS_DB", "5")
	os.Setenv("HTTP_ADDR", ":9090")
	os.Setenv("BRIDGE_DISCONNECT_GRACE_SEC", "60")
	os.Setenv("APPROVAL_TIMEOUT_DEFAULT_SEC", "600")
	os.Setenv("POLICY_EXTRA_DENY", "drop_table, format_disk")

	defer func() {
		os.Unsetenv("REDIS_ADDR")
		os.Unsetenv("REDIS_PASS")
		os.Unsetenv("REDIS_DB")
		os.Unsetenv("HTTP_ADDR")
		os.Unsetenv("BRIDGE_DISCONNECT_GRACE_SEC")
		os.Unsetenv("APPROVAL_TIMEOUT_DEFAULT_SEC")
		os.Unsetenv("POLICY_EXTRA_DENY")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Redis.Addr != "redis.example.com:6379" {
		t.Errorf("Expected custom Redis addr, got %s", cfg.Redis.Addr)
	}
	if cfg.Redis.Password != "secret" {
		t.Errorf("Expected Redis password 'secret', got %s", cfg.Redis.Password)
	}
	if cfg.Redis.DB != 5 {
		t.Errorf("Expected Redis DB 5, got %d", cfg.Redis.DB)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("Expected HTTPAddr :9090, got %s", cfg.HTTPAddr)
	}
	if cfg.Bridge.DisconnectGraceSec != 60 {
		t.Errorf("Expected disconnect grace 60, got %d", cfg.Bridge.DisconnectGraceSec)
	}
	if cfg.Approval.DefaultTimeoutSec != 600 {
		t.Errorf("Expected default-profile approval timeout 600, got %d", cfg.Approval.DefaultTimeoutSec)
	}
	if len(cfg.Policy.ExtraDenyList) != 2 || cfg.Policy.ExtraDenyList[0] != "drop_table" {
		t.Errorf("Expected parsed deny list, got %v", cfg.Policy.ExtraDenyList)
	}
}
