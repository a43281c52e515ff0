// Package config loads vigil's layered JSONC configuration: built-in
// defaults, user config, repo config, then environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/tidwall/jsonc"
)

// Load reads and merges configuration from user-level and repo-level JSONC
// files. Resolution order: defaults → user config (~/.config/vigil/vigil.jsonc)
// → repo config (.vigil/vigil.jsonc) → environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if path := UserConfigPath(); path != "" {
		if userMap, err := loadJSONC(path); err == nil {
			if err := mergeIntoConfig(&cfg, userMap); err != nil {
				return nil, fmt.Errorf("merging user config: %w", err)
			}
		}
	}

	if repoRoot := RepoRoot(); repoRoot != "" {
		repoPath := filepath.Join(repoRoot, ".vigil", "vigil.jsonc")
		if repoMap, err := loadJSONC(repoPath); err == nil {
			if err := mergeIntoConfig(&cfg, repoMap); err != nil {
				return nil, fmt.Errorf("merging repo config: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	expandPaths(&cfg)

	return &cfg, nil
}

// UserConfigPath returns the user-level config file location, or empty when
// the user config directory cannot be resolved.
func UserConfigPath() string {
	userDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(userDir, "vigil", "vigil.jsonc")
}

// loadJSONC reads a JSONC file and returns it as a map.
func loadJSONC(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jsonData := jsonc.ToJSON(data)
	var m map[string]any
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}

// mergeIntoConfig marshals the config to a map, deep-merges the source map
// over it, then unmarshals back to the Config struct.
func mergeIntoConfig(cfg *Config, src map[string]any) error {
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var dst map[string]any
	if err := json.Unmarshal(cfgBytes, &dst); err != nil {
		return err
	}

	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return err
	}

	merged, err := json.Marshal(dst)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, cfg)
}

// RepoRoot finds the git repository root via git rev-parse, or empty when
// not inside a repository.
func RepoRoot() string {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		cfg.GitHub.Token = token
	}
	if repo := os.Getenv("GITHUB_REPOSITORY"); repo != "" {
		if owner, name, ok := strings.Cut(repo, "/"); ok {
			cfg.GitHub.Owner = owner
			cfg.GitHub.Repo = name
		}
	}
	if url := os.Getenv("VIGIL_TEAMS_WEBHOOK_URL"); url != "" {
		cfg.Notifications.TeamsWebhookURL = url
	}
}

// expandPaths resolves "~/" prefixes in configured paths.
func expandPaths(cfg *Config) {
	cfg.Server.LogDir = expandHome(cfg.Server.LogDir)
	cfg.History.Path = expandHome(cfg.History.Path)
	cfg.Pipeline.RulesFile = expandHome(cfg.Pipeline.RulesFile)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Validate checks that the settings required for API access are present.
func (c *Config) Validate() error {
	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		return fmt.Errorf("github.owner and github.repo must be set (or GITHUB_REPOSITORY)")
	}
	if c.GitHub.Token == "" {
		return fmt.Errorf("github.token must be set (or GITHUB_TOKEN)")
	}
	return nil
}
