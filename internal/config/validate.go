package config

import (
	"fmt"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	if cfg.Engine.ConcurrencyInSession < 1 {
		issues = append(issues, ValidationIssue{
			Path:    "engine.concurrencyInSession",
			Message: fmt.Sprintf("must be at least 1, got %d", cfg.Engine.ConcurrencyInSession),
		})
	}
	if cfg.Engine.WorkerPoolSize < 1 {
		issues = append(issues, ValidationIssue{
			Path:    "engine.workerPoolSize",
			Message: fmt.Sprintf("must be at least 1, got %d", cfg.Engine.WorkerPoolSize),
		})
	}
	if cfg.Engine.EmptyReplyRetryCount != nil && *cfg.Engine.EmptyReplyRetryCount < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "engine.emptyReplyRetryCount",
			Message: "must not be negative",
		})
	}
	if cfg.Engine.GachaMaxCount < 1 {
		issues = append(issues, ValidationIssue{
			Path:    "engine.gachaMaxCount",
			Message: fmt.Sprintf("must be at least 1, got %d", cfg.Engine.GachaMaxCount),
		})
	}
	if cfg.Engine.GachaDefaultCount > cfg.Engine.GachaMaxCount {
		issues = append(issues, ValidationIssue{
			Path:    "engine.gachaDefaultCount",
			Message: fmt.Sprintf("must not exceed gachaMaxCount (%d)", cfg.Engine.GachaMaxCount),
		})
	}
	if cfg.Engine.ImageGraceSeconds < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "engine.imageGraceSeconds",
			Message: "must not be negative",
		})
	}

	if cfg.Bot.APIBase == "" {
		issues = append(issues, ValidationIssue{
			Path:    "bot.apiBase",
			Message: "bot API base URL is required",
		})
	}

	if cfg.ImageGen.Model != "" && cfg.ImageGen.APIBase == "" {
		issues = append(issues, ValidationIssue{
			Path:    "imageGen.apiBase",
			Message: "required when an image model is configured",
		})
	}

	if cfg.Bridge != nil && cfg.Bridge.Listen == "" {
		issues = append(issues, ValidationIssue{
			Path:    "bridge.listen",
			Message: "listen address is required",
		})
	}

	return issues
}
