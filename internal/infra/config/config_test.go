package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Gateway.URL != "ws://127.0.0.1:18789" {
		t.Errorf("Gateway.URL = %q", cfg.Gateway.URL)
	}
	if cfg.Gateway.ReconnectInitial != time.Second || cfg.Gateway.ReconnectMax != 30*time.Second {
		t.Errorf("reconnect = %s..%s", cfg.Gateway.ReconnectInitial, cfg.Gateway.ReconnectMax)
	}
	if cfg.Bridge.ChatTimeout != 60*time.Second {
		t.Errorf("Bridge.ChatTimeout = %s", cfg.Bridge.ChatTimeout)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.ClientName != "gatebridge" {
		t.Errorf("expected defaults, got ClientName=%q", cfg.Gateway.ClientName)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
gateway:
  url: "wss://gw.example.net"
  token: "secret-token"
  client_name: "bridge-prod"
bridge:
  allowed_senders:
    - "U123"
channels:
  - type: discord
    discord:
      token: "discord-token"
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.URL != "wss://gw.example.net" || cfg.Gateway.Token != "secret-token" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Gateway.ClientName != "bridge-prod" {
		t.Errorf("ClientName = %q", cfg.Gateway.ClientName)
	}
	if len(cfg.Bridge.AllowedSenders) != 1 || cfg.Bridge.AllowedSenders[0] != "U123" {
		t.Errorf("AllowedSenders = %v", cfg.Bridge.AllowedSenders)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0].Discord.Token != "discord-token" {
		t.Errorf("Channels = %+v", cfg.Channels)
	}
	// Unspecified fields keep their defaults.
	if cfg.Gateway.ChatAckTimeout != 10*time.Second {
		t.Errorf("ChatAckTimeout = %s", cfg.Gateway.ChatAckTimeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GATEBRIDGE_GATEWAY_URL", "wss://env.example.net")
	t.Setenv("GATEBRIDGE_GATEWAY_TOKEN", "env-token")
	t.Setenv("GATEBRIDGE_LOGGER_LEVEL", "warn")
	t.Setenv("GATEBRIDGE_TRACER_ENABLED", "true")
	t.Setenv("GATEBRIDGE_BRIDGE_CHAT_TIMEOUT", "30s")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Gateway.URL != "wss://env.example.net" || cfg.Gateway.Token != "env-token" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Logger.Level != "warn" {
		t.Errorf("Logger.Level = %q", cfg.Logger.Level)
	}
	if !cfg.Tracer.Enabled {
		t.Error("Tracer.Enabled not set")
	}
	if cfg.Bridge.ChatTimeout != 30*time.Second {
		t.Errorf("ChatTimeout = %s", cfg.Bridge.ChatTimeout)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	encrypted, err := EncryptValue("my-secret", "passphrase")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	plain, err := DecryptValue(encrypted, "passphrase")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if plain != "my-secret" {
		t.Errorf("plain = %q", plain)
	}

	if _, err := DecryptValue(encrypted, "wrong"); err == nil {
		t.Error("decryption with wrong passphrase succeeded")
	}
	if _, err := DecryptValue("not-hex", "passphrase"); err == nil {
		t.Error("malformed ciphertext accepted")
	}
}

func TestLoadDecryptsSecrets(t *testing.T) {
	encrypted, err := EncryptValue("real-token", "key123")
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "gateway:\n  url: \"ws://localhost:18789\"\n  token: \"enc:" + encrypted + "\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("GATEBRIDGE_CONFIG_KEY", "key123")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Token != "real-token" {
		t.Errorf("Token = %q", cfg.Gateway.Token)
	}
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("gateway:\n  url: ws://x\n"), 0666); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("world-writable config accepted")
	}
}
