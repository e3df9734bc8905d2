package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Workspace     string              `json:"workspace" env:"SIA_WORKSPACE"`
	Orchestrator  OrchestratorConfig  `json:"orchestrator"`
	RateLimit     RateLimitConfig     `json:"rate_limit"`
	Memory        MemoryConfig        `json:"memory"`
	Schedule      ScheduleConfig      `json:"schedule"`
	Channels      ChannelsConfig      `json:"channels"`
	Collaborators CollaboratorsConfig `json:"collaborators"`
	mu            sync.RWMutex
}

type OrchestratorConfig struct {
	TargetRepo           string   `json:"target_repo" env:"SIA_ORCHESTRATOR_TARGET_REPO"`
	BranchPrefix         string   `json:"branch_prefix" env:"SIA_ORCHESTRATOR_BRANCH_PREFIX"`
	Reviewers            []string `json:"reviewers"`
	ApprovalTimeoutHours int      `json:"approval_timeout_hours" env:"SIA_ORCHESTRATOR_APPROVAL_TIMEOUT_HOURS"`
	ContextEntries       int      `json:"context_entries" env:"SIA_ORCHESTRATOR_CONTEXT_ENTRIES"`
}

type RateLimitConfig struct {
	WindowSeconds int `json:"window_seconds" env:"SIA_RATE_LIMIT_WINDOW_SECONDS"`
	MaxCycles     int `json:"max_cycles" env:"SIA_RATE_LIMIT_MAX_CYCLES"`
}

type MemoryConfig struct {
	EmbeddingModel      string  `json:"embedding_model" env:"SIA_MEMORY_EMBEDDING_MODEL"`
	MaxRetrieveItems    int     `json:"max_retrieve_items" env:"SIA_MEMORY_MAX_RETRIEVE_ITEMS"`
	CandidateLimit      int     `json:"candidate_limit" env:"SIA_MEMORY_CANDIDATE_LIMIT"`
	PruneMinRelevance   float64 `json:"prune_min_relevance" env:"SIA_MEMORY_PRUNE_MIN_RELEVANCE"`
	RecencyHalfLifeDays int     `json:"recency_half_life_days" env:"SIA_MEMORY_RECENCY_HALF_LIFE_DAYS"`
	BackupDir           string  `json:"backup_dir" env:"SIA_MEMORY_BACKUP_DIR"`
}

type ScheduleEntry struct {
	Target string `json:"target"`
	Expr   string `json:"expr"`
}

type ScheduleConfig struct {
	Enabled bool            `json:"enabled" env:"SIA_SCHEDULE_ENABLED"`
	Entries []ScheduleEntry `json:"entries"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled" env:"SIA_CHANNELS_DISCORD_ENABLED"`
	Token     string `json:"token" env:"SIA_CHANNELS_DISCORD_TOKEN"`
	ChannelID string `json:"channel_id" env:"SIA_CHANNELS_DISCORD_CHANNEL_ID"`
}

// CollaboratorsConfig holds the shell commands the orchestrator delegates
// to. Each command reads a JSON request on stdin and writes a JSON
// response on stdout.
type CollaboratorsConfig struct {
	Analyze        string `json:"analyze" env:"SIA_COLLAB_ANALYZE"`
	Generate       string `json:"generate" env:"SIA_COLLAB_GENERATE"`
	Test           string `json:"test" env:"SIA_COLLAB_TEST"`
	Submit         string `json:"submit" env:"SIA_COLLAB_SUBMIT"`
	Merge          string `json:"merge" env:"SIA_COLLAB_MERGE"`
	Revert         string `json:"revert" env:"SIA_COLLAB_REVERT"`
	WorkingDir     string `json:"working_dir" env:"SIA_COLLAB_WORKING_DIR"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"SIA_COLLAB_TIMEOUT_SECONDS"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace: "~/.sia",
		Orchestrator: OrchestratorConfig{
			TargetRepo:           "",
			BranchPrefix:         "sia/improve",
			Reviewers:            []string{},
			ApprovalTimeoutHours: 72,
			ContextEntries:       8,
		},
		RateLimit: RateLimitConfig{
			WindowSeconds: 3600,
			MaxCycles:     3,
		},
		Memory: MemoryConfig{
			EmbeddingModel:      "sia-chargram-384-v1",
			MaxRetrieveItems:    8,
			CandidateLimit:      80,
			PruneMinRelevance:   0.15,
			RecencyHalfLifeDays: 14,
			BackupDir:           "backups",
		},
		Schedule: ScheduleConfig{
			Enabled: false,
			Entries: []ScheduleEntry{},
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{},
		},
		Collaborators: CollaboratorsConfig{
			TimeoutSeconds: 600,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Workspace)
}

// DatabasePath is the shared SQLite database holding memory entries,
// cycle state, and change records.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.WorkspacePath(), "state", "sia.db")
}

func (c *Config) BackupDirPath() string {
	c.mu.RLock()
	dir := c.Memory.BackupDir
	c.mu.RUnlock()
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.WorkspacePath(), dir)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
