package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	DataDir   string `json:"data_dir"`
	LogLevel  string `json:"log_level"`
	SandboxID string `json:"sandbox_id"`
	Listen    string `json:"listen"`
	Agent     struct {
		Command         string   `json:"command"`
		Args            []string `json:"args"`
		WorkDir         string   `json:"work_dir"`
		CredentialsPath string   `json:"credentials_path"`
		RequestTimeout  int      `json:"request_timeout_seconds"`
	} `json:"agent"`
	Store struct {
		BaseURL       string `json:"base_url"`
		Attempts      int    `json:"attempts"`
		BaseDelayMS   int    `json:"base_delay_ms"`
		TokenizerName string `json:"tokenizer"`
	} `json:"store"`
	Stream struct {
		HeartbeatSeconds int `json:"heartbeat_seconds"`
	} `json:"stream"`
	Archive struct {
		RetentionDays int    `json:"retention_days"`
		PruneSchedule string `json:"prune_schedule"`
	} `json:"archive"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:   filepath.Join(os.Getenv("HOME"), ".sandboxd"),
		LogLevel:  "info",
		SandboxID: "default",
		Listen:    "127.0.0.1:8787",
	}
	cfg.Agent.Command = "agent"
	cfg.Agent.Args = []string{"--stdio"}
	cfg.Agent.RequestTimeout = 5
	cfg.Store.Attempts = 3
	cfg.Store.BaseDelayMS = 1000
	cfg.Store.TokenizerName = "cl100k_base"
	cfg.Stream.HeartbeatSeconds = 15
	cfg.Archive.RetentionDays = 14
	cfg.Archive.PruneSchedule = "@hourly"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if v := os.Getenv("SANDBOXD_SANDBOX_ID"); v != "" {
		cfg.SandboxID = v
	}
	if v := os.Getenv("SANDBOXD_STORE_URL"); v != "" {
		cfg.Store.BaseURL = v
	}
	if v := os.Getenv("SANDBOXD_AGENT_COMMAND"); v != "" {
		parts := strings.Fields(v)
		cfg.Agent.Command = parts[0]
		cfg.Agent.Args = parts[1:]
	}
	if v := os.Getenv("SANDBOXD_LISTEN"); v != "" {
		cfg.Listen = v
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
