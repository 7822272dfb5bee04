package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Channels  []ChannelConfig `yaml:"channels"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// GatewayConfig holds the assistant gateway connection settings.
type GatewayConfig struct {
	URL           string `yaml:"url"`
	Token         string `yaml:"token,omitempty"`
	Password      string `yaml:"password,omitempty"`
	ClientName    string `yaml:"client_name"`
	ClientVersion string `yaml:"client_version"`
	Role          string `yaml:"role,omitempty"`

	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ChatAckTimeout   time.Duration `yaml:"chat_ack_timeout"`
	AgentTimeout     time.Duration `yaml:"agent_timeout"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`

	// ConnectRetries bounds the startup connection attempts before the
	// process gives up. Reconnects after a drop are unbounded.
	ConnectRetries int `yaml:"connect_retries"`
}

// BridgeConfig holds message routing settings between channels and the
// assistant.
type BridgeConfig struct {
	// AllowedSenders limits who can talk to the assistant. Empty means
	// everyone.
	AllowedSenders []string `yaml:"allowed_senders,omitempty"`

	// GroupMentionOnly requires an explicit mention before group messages
	// are forwarded.
	GroupMentionOnly bool `yaml:"group_mention_only"`

	ChatTimeout time.Duration `yaml:"chat_timeout"`
	Thinking    string        `yaml:"thinking,omitempty"` // off/low/high

	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RateLimitConfig holds per-session rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// CircuitBreakerConfig holds circuit breaker settings for assistant calls.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ChannelConfig holds settings for a single front-end channel.
type ChannelConfig struct {
	Type        string   `yaml:"type"`
	MentionOnly bool     `yaml:"mention_only,omitempty"`
	ChannelIDs  []string `yaml:"channel_ids,omitempty"`

	// Per-channel nested config (only one should be set, matching Type).
	Discord *DiscordChannelConfig `yaml:"discord,omitempty"`
	Slack   *SlackChannelConfig   `yaml:"slack,omitempty"`
}

// DiscordChannelConfig holds Discord channel settings.
type DiscordChannelConfig struct {
	Token   string `yaml:"token"`
	GuildID string `yaml:"guild_id,omitempty"`
}

// SlackChannelConfig holds Slack channel settings.
type SlackChannelConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

// SchedulerConfig holds cron-driven outbound message settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled delivery.
type ScheduledTaskConfig struct {
	Name      string `yaml:"name"`
	Schedule  string `yaml:"schedule"` // cron expression
	To        string `yaml:"to"`
	Message   string `yaml:"message"`
	Channel   string `yaml:"channel,omitempty"`
	AccountID string `yaml:"account_id,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "noop" or "stdout"
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:              "ws://127.0.0.1:18789",
			ClientName:       "gatebridge",
			ClientVersion:    "1.0.0",
			Role:             "operator",
			RequestTimeout:   60 * time.Second,
			ChatAckTimeout:   10 * time.Second,
			AgentTimeout:     120 * time.Second,
			ReconnectInitial: time.Second,
			ReconnectMax:     30 * time.Second,
			ConnectRetries:   5,
		},
		Bridge: BridgeConfig{
			ChatTimeout: 60 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				MessagesPerSecond: 0.5,
				Burst:             3,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Scheduler: SchedulerConfig{
			Enabled: false,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads the YAML config at path, overlays it on Defaults, applies
// environment overrides, decrypts "enc:" secrets, and validates the result.
// A missing file is not an error; defaults plus env vars are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("GATEBRIDGE_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps GATEBRIDGE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEBRIDGE_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("GATEBRIDGE_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("GATEBRIDGE_GATEWAY_PASSWORD"); v != "" {
		cfg.Gateway.Password = v
	}
	if v := os.Getenv("GATEBRIDGE_GATEWAY_CLIENT_NAME"); v != "" {
		cfg.Gateway.ClientName = v
	}
	if v := os.Getenv("GATEBRIDGE_BRIDGE_CHAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Bridge.ChatTimeout = d
		}
	}
	if v := os.Getenv("GATEBRIDGE_BRIDGE_THINKING"); v != "" {
		cfg.Bridge.Thinking = v
	}
	if v := os.Getenv("GATEBRIDGE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("GATEBRIDGE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("GATEBRIDGE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("GATEBRIDGE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// decryptSecrets finds "enc:..." values in credential fields and decrypts
// them with the passphrase.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := map[string]*string{
		"gateway.token":    &cfg.Gateway.Token,
		"gateway.password": &cfg.Gateway.Password,
	}
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		if ch.Discord != nil {
			fields[fmt.Sprintf("channels[%d].discord.token", i)] = &ch.Discord.Token
		}
		if ch.Slack != nil {
			fields[fmt.Sprintf("channels[%d].slack.bot_token", i)] = &ch.Slack.BotToken
			fields[fmt.Sprintf("channels[%d].slack.app_token", i)] = &ch.Slack.AppToken
		}
	}

	for name, fp := range fields {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
