package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateBridge(cfg, ve)
	validateChannels(cfg, ve)
	validateScheduler(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.URL == "" {
		ve.Add("gateway.url must not be empty")
	} else {
		u, err := url.Parse(cfg.Gateway.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			ve.Add("gateway.url %q must be a ws:// or wss:// URL", cfg.Gateway.URL)
		}
	}
	if cfg.Gateway.ClientName == "" {
		ve.Add("gateway.client_name must not be empty")
	}
	if cfg.Gateway.RequestTimeout <= 0 {
		ve.Add("gateway.request_timeout must be > 0")
	}
	if cfg.Gateway.ReconnectInitial <= 0 {
		ve.Add("gateway.reconnect_initial must be > 0")
	}
	if cfg.Gateway.ReconnectMax < cfg.Gateway.ReconnectInitial {
		ve.Add("gateway.reconnect_max must be >= gateway.reconnect_initial")
	}
	if cfg.Gateway.ConnectRetries <= 0 {
		ve.Add("gateway.connect_retries must be > 0")
	}
}

var validThinkingModes = map[string]bool{
	"":     true,
	"off":  true,
	"low":  true,
	"high": true,
}

func validateBridge(cfg *Config, ve *ValidationError) {
	if cfg.Bridge.ChatTimeout <= 0 {
		ve.Add("bridge.chat_timeout must be > 0")
	}
	if !validThinkingModes[cfg.Bridge.Thinking] {
		ve.Add("bridge.thinking %q must be one of off, low, high", cfg.Bridge.Thinking)
	}
	if cfg.Bridge.RateLimit.Enabled {
		if cfg.Bridge.RateLimit.MessagesPerSecond <= 0 {
			ve.Add("bridge.rate_limit.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if cfg.Bridge.RateLimit.Burst <= 0 {
			ve.Add("bridge.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
	}
	if cfg.Bridge.CircuitBreaker.Enabled {
		if cfg.Bridge.CircuitBreaker.MaxFailures == 0 {
			ve.Add("bridge.circuit_breaker.max_failures must be > 0 when the breaker is enabled")
		}
		if cfg.Bridge.CircuitBreaker.Timeout <= 0 {
			ve.Add("bridge.circuit_breaker.timeout must be > 0 when the breaker is enabled")
		}
	}
}

func validateChannels(cfg *Config, ve *ValidationError) {
	for i, ch := range cfg.Channels {
		switch ch.Type {
		case "discord":
			if ch.Discord == nil || ch.Discord.Token == "" {
				ve.Add("channels[%d]: discord.token must not be empty", i)
			}
		case "slack":
			if ch.Slack == nil || ch.Slack.BotToken == "" || ch.Slack.AppToken == "" {
				ve.Add("channels[%d]: slack.bot_token and slack.app_token must not be empty", i)
			}
		case "":
			ve.Add("channels[%d]: type must not be empty", i)
		default:
			ve.Add("channels[%d]: unknown type %q", i, ch.Type)
		}
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	for i, task := range cfg.Scheduler.Tasks {
		if task.Name == "" {
			ve.Add("scheduler.tasks[%d]: name must not be empty", i)
		}
		if task.Schedule == "" {
			ve.Add("scheduler.tasks[%d]: schedule must not be empty", i)
		}
		if task.To == "" {
			ve.Add("scheduler.tasks[%d]: to must not be empty", i)
		}
		if task.Message == "" {
			ve.Add("scheduler.tasks[%d]: message must not be empty", i)
		}
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q must be one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout", "":
	default:
		ve.Add("tracer.exporter %q must be noop or stdout", cfg.Tracer.Exporter)
	}
}
