package config

import (
	"regexp"
	"time"

	"github.com/alanmeadows/vigil/internal/pipeline"
)

// Config is the top-level vigil configuration.
type Config struct {
	GitHub        GitHubConfig        `json:"github"`
	Pipeline      PipelineConfig      `json:"pipeline"`
	Polling       PollingConfig       `json:"polling"`
	Server        ServerConfig        `json:"server"`
	History       HistoryConfig       `json:"history"`
	Notifications NotificationsConfig `json:"notifications"`
}

// GitHubConfig identifies the repository whose PRs are watched.
type GitHubConfig struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
	Token string `json:"token"`
}

// PipelineConfig names the automation pipeline's workflows and bot accounts.
type PipelineConfig struct {
	Workflows WorkflowsConfig `json:"workflows"`
	Bots      BotsConfig      `json:"bots"`
	Deploy    DeployConfig    `json:"deploy"`
	// RulesFile points at a YAML comment-classification table that
	// replaces the built-in one when present.
	RulesFile string `json:"rules_file"`
}

// WorkflowsConfig maps pipeline stages to workflow definition filenames.
type WorkflowsConfig struct {
	Validation    string `json:"validation"`
	DependencyFix string `json:"dependency_fix"`
	LintFix       string `json:"lint_fix"`
}

// BotsConfig holds the automation account logins.
type BotsConfig struct {
	Validation    string `json:"validation"`
	DependencyFix string `json:"dependency_fix"`
	LintFix       string `json:"lint_fix"`
	Automation    string `json:"automation"`
	PRCreator     string `json:"pr_creator"`
	Deployment    string `json:"deployment"`
}

// DeployConfig identifies the preview-deployment provider.
type DeployConfig struct {
	AppSlug    string `json:"app_slug"`
	CheckName  string `json:"check_name"`
	URLPattern string `json:"url_pattern"`
}

// PollingConfig controls the watch loop.
type PollingConfig struct {
	Interval    string `json:"interval"`
	MaxAttempts int    `json:"max_attempts"`
}

// ParseInterval returns the poll interval as a time.Duration.
func (p PollingConfig) ParseInterval() time.Duration {
	d, err := time.ParseDuration(p.Interval)
	if err != nil {
		return pipeline.DefaultPollInterval
	}
	return d
}

// ServerConfig holds daemon settings.
type ServerConfig struct {
	Port   int    `json:"port"`
	LogDir string `json:"log_dir"`
}

// HistoryConfig controls the synthesis audit log.
type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// NotificationsConfig holds notification settings.
type NotificationsConfig struct {
	TeamsWebhookURL string   `json:"teams_webhook_url"`
	Events          []string `json:"events"`
}

// StageWorkflows converts the workflow config to the pipeline's table.
func (p PipelineConfig) StageWorkflows() pipeline.StageWorkflows {
	return pipeline.StageWorkflows{
		Validation:    p.Workflows.Validation,
		DependencyFix: p.Workflows.DependencyFix,
		LintFix:       p.Workflows.LintFix,
	}
}

// BotIdentities converts the bot config to the pipeline's identity set.
func (p PipelineConfig) BotIdentities() pipeline.BotIdentities {
	return pipeline.BotIdentities{
		Validation:    p.Bots.Validation,
		DependencyFix: p.Bots.DependencyFix,
		LintFix:       p.Bots.LintFix,
		Automation:    p.Bots.Automation,
		PRCreator:     p.Bots.PRCreator,
		Deployment:    p.Bots.Deployment,
	}
}

// DeployProvider converts the deploy config to the pipeline's provider. An
// invalid URL pattern falls back to the default provider's.
func (p PipelineConfig) DeployProvider() pipeline.DeployProvider {
	provider := pipeline.DefaultDeployProvider()
	if p.Deploy.AppSlug != "" {
		provider.AppSlug = p.Deploy.AppSlug
	}
	if p.Deploy.CheckName != "" {
		provider.CheckNameFragment = p.Deploy.CheckName
	}
	if p.Deploy.URLPattern != "" {
		if re, err := regexp.Compile(p.Deploy.URLPattern); err == nil {
			provider.URLPattern = re
		}
	}
	return provider
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	identities := pipeline.DefaultBotIdentities()
	workflows := pipeline.DefaultStageWorkflows()
	return Config{
		Pipeline: PipelineConfig{
			Workflows: WorkflowsConfig{
				Validation:    workflows.Validation,
				DependencyFix: workflows.DependencyFix,
				LintFix:       workflows.LintFix,
			},
			Bots: BotsConfig{
				Validation:    identities.Validation,
				DependencyFix: identities.DependencyFix,
				LintFix:       identities.LintFix,
				Automation:    identities.Automation,
				PRCreator:     identities.PRCreator,
				Deployment:    identities.Deployment,
			},
		},
		Polling: PollingConfig{
			Interval:    "10s",
			MaxAttempts: pipeline.DefaultMaxAttempts,
		},
		Server: ServerConfig{
			Port:   4180,
			LogDir: "~/.local/share/vigil/logs",
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "~/.local/share/vigil/history.db",
		},
	}
}
