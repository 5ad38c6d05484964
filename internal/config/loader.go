package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigError is a configuration parsing or validation failure.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so keys and webhook URLs can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Bot.APIKey = expandEnvVars(cfg.Bot.APIKey)
	cfg.ImageGen.APIKey = expandEnvVars(cfg.ImageGen.APIKey)
	cfg.Notify.WebhookURL = expandEnvVars(cfg.Notify.WebhookURL)
	if cfg.Bridge != nil {
		cfg.Bridge.Token = expandEnvVars(cfg.Bridge.Token)
	}
}

// Load reads the config file, applies defaults and environment overrides,
// and returns a merged Config. A missing file produces defaults only.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(&cfg)
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	e := &cfg.Engine
	if e.ConcurrencyInSession == 0 {
		e.ConcurrencyInSession = 4
	}
	if e.WorkerPoolSize == 0 {
		e.WorkerPoolSize = 8
	}
	if e.EmptyReplyRetryCount == nil {
		n := 2
		e.EmptyReplyRetryCount = &n
	}
	if e.GachaDefaultCount == 0 {
		e.GachaDefaultCount = 3
	}
	if e.GachaMaxCount == 0 {
		e.GachaMaxCount = 20
	}
	if e.ImageGraceSeconds == 0 {
		e.ImageGraceSeconds = 10
	}
	if e.SingleChatPrefix == nil {
		e.SingleChatPrefix = []string{""}
	}
	if e.ImageCreatePrefix == nil {
		e.ImageCreatePrefix = []string{"draw"}
	}
	if e.GachaPrefix == nil {
		e.GachaPrefix = []string{"gacha"}
	}
	if e.TriggerBySelf == nil {
		b := true
		e.TriggerBySelf = &b
	}
	if cfg.Bot.TimeoutSeconds == 0 {
		cfg.Bot.TimeoutSeconds = 120
	}
	if cfg.ImageGen.APIBase == "" {
		cfg.ImageGen.APIBase = cfg.Bot.APIBase
	}
	if cfg.ImageGen.APIKey == "" {
		cfg.ImageGen.APIKey = cfg.Bot.APIKey
	}
	if cfg.ImageGen.ImageSize == "" {
		cfg.ImageGen.ImageSize = "4K"
	}
	if cfg.Notify.RateLimitSeconds == 0 {
		cfg.Notify.RateLimitSeconds = 60
	}
	if cfg.Bridge != nil {
		if cfg.Bridge.Listen == "" {
			cfg.Bridge.Listen = "127.0.0.1:18790"
		}
		if cfg.Bridge.Path == "" {
			cfg.Bridge.Path = "/bridge"
		}
	}
}

// applyEnvOverrides reads CHATFLOW_* environment variables and overrides
// config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATFLOW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("CHATFLOW_BOT_API_KEY"); v != "" {
		cfg.Bot.APIKey = v
	}
	if v := os.Getenv("CHATFLOW_CONCURRENCY_IN_SESSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.ConcurrencyInSession = n
		}
	}
	if v := os.Getenv("CHATFLOW_BRIDGE_LISTEN"); v != "" {
		if cfg.Bridge == nil {
			cfg.Bridge = &BridgeConfig{Path: "/bridge"}
		}
		cfg.Bridge.Listen = v
	}
}
