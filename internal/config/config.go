// Package config holds the process-wide configuration for the limpeza
// collector. The configuration is loaded once at startup and passed by value
// into each component; there are no ambient globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object.
type Config struct {
	Name string `yaml:"name"`

	Portal    PortalConfig    `yaml:"portal"`
	Paths     PathsConfig     `yaml:"paths"`
	Shifts    []ShiftConfig   `yaml:"shifts"`
	Weekdays  []string        `yaml:"weekdays"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Collector CollectorConfig `yaml:"collector"`
	Publish   PublishConfig   `yaml:"publish"`
}

// PortalConfig describes the external maintenance-management portal.
type PortalConfig struct {
	BaseURL  string `yaml:"base_url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Company  string `yaml:"company"`
}

// LoginURL returns the portal login endpoint.
func (p PortalConfig) LoginURL() string { return p.BaseURL + "/login" }

// ChecklistURL returns the checklist results history page.
func (p PortalConfig) ChecklistURL() string {
	return p.BaseURL + "/operational/checklist-results-history"
}

// ExportURL returns the checklist export endpoint.
func (p PortalConfig) ExportURL() string {
	return p.BaseURL + "/operational/checklist-results-history/export"
}

// PathsConfig holds filesystem locations. Relative paths are resolved
// against the workspace directory.
type PathsConfig struct {
	Workspace    string `yaml:"workspace"`
	StagingDir   string `yaml:"staging_dir"`
	DatabasePath string `yaml:"database_path"`
	ScheduleFile string `yaml:"schedule_file"`
	ReportFile   string `yaml:"report_file"`
}

// ShiftConfig defines one named recurring time window. Start/End use the
// "HH:MM" wall-clock format; Start after End denotes a midnight-crossing
// shift.
type ShiftConfig struct {
	Label string `yaml:"label"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// PipelineConfig holds the retry and polling knobs of the ingestion pipeline.
type PipelineConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollBudget   int           `yaml:"poll_budget"` // ticks of PollInterval
}

// CollectorConfig selects and tunes the acquisition strategy.
type CollectorConfig struct {
	Strategy          string `yaml:"strategy"` // browser or http
	Headless          bool   `yaml:"headless"`
	NavigationTimeout string `yaml:"navigation_timeout"`
	UserAgent         string `yaml:"user_agent"`
}

// PublishConfig configures the git publication side-channel.
type PublishConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Remote   string   `yaml:"remote"`
	Branch   string   `yaml:"branch"`
	RepoSlug string   `yaml:"repo_slug"`
	Token    string   `yaml:"token"`
	Files    []string `yaml:"files"`
}

// DefaultConfig returns the default configuration. Shift windows and weekday
// labels match the cronograma source data.
func DefaultConfig() *Config {
	return &Config{
		Name: "limpeza",

		Portal: PortalConfig{
			BaseURL: "https://pro.manserv.com.br",
			Company: "MF - STIHL SERVIÇOS",
		},

		Paths: PathsConfig{
			Workspace:    ".",
			StagingDir:   "downloads",
			DatabasePath: "cronograma-lc.db",
			ScheduleFile: "cronograma_lc.xlsx",
			ReportFile:   "frontend/faltando.json",
		},

		Shifts: []ShiftConfig{
			{Label: "T1", Start: "22:35", End: "06:00"},
			{Label: "T2", Start: "06:00", End: "14:20"},
			{Label: "T3", Start: "14:20", End: "22:35"},
			{Label: "T2E", Start: "06:00", End: "15:48"},
			{Label: "T3E", Start: "15:48", End: "01:09"},
		},

		Weekdays: []string{"SEG", "TER", "QUA", "QUI", "SEX", "SÁB", "DOM"},

		Pipeline: PipelineConfig{
			MaxAttempts:  3,
			RetryBackoff: 30 * time.Second,
			PollInterval: 1 * time.Second,
			PollBudget:   600,
		},

		Collector: CollectorConfig{
			Strategy:          "http",
			Headless:          true,
			NavigationTimeout: "30s",
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
				"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},

		Publish: PublishConfig{
			Enabled:  true,
			Remote:   "origin",
			Branch:   "main",
			RepoSlug: "msv-stihl/limpeza",
			Files: []string{
				"frontend/faltando.json",
				"frontend/index.html",
				"frontend/faltando.html",
				"frontend/main.js",
				"frontend/styles.css",
			},
		},
	}
}

// Load reads configuration from a YAML file, overlaying the defaults.
// A missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays credential material from the environment. Secrets never
// live in the YAML file in production.
func (c *Config) applyEnv() {
	if v := os.Getenv("PRO_USER"); v != "" {
		c.Portal.User = v
	}
	if v := os.Getenv("PRO_PASS"); v != "" {
		c.Portal.Password = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.Publish.Token = v
	}
	if v := os.Getenv("GITHUB_REPO"); v != "" {
		c.Publish.RepoSlug = v
	}
}

// Validate checks the parts of the configuration that cannot be defaulted.
func (c *Config) Validate() error {
	if len(c.Shifts) == 0 {
		return fmt.Errorf("no shifts configured")
	}
	seen := make(map[string]bool, len(c.Shifts))
	for _, s := range c.Shifts {
		if s.Label == "" {
			return fmt.Errorf("shift with empty label")
		}
		if seen[s.Label] {
			return fmt.Errorf("duplicate shift label %q", s.Label)
		}
		seen[s.Label] = true
	}
	if len(c.Weekdays) != 7 {
		return fmt.Errorf("expected 7 weekday labels, got %d", len(c.Weekdays))
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline max_attempts must be at least 1")
	}
	if c.Pipeline.PollBudget < 1 {
		return fmt.Errorf("pipeline poll_budget must be at least 1")
	}
	return nil
}

// Resolve returns an absolute path for a workspace-relative path.
func (c *Config) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Paths.Workspace, path)
}

// StagingDir returns the absolute download staging directory.
func (c *Config) StagingDir() string { return c.Resolve(c.Paths.StagingDir) }

// DatabasePath returns the absolute sqlite database path.
func (c *Config) DatabasePath() string { return c.Resolve(c.Paths.DatabasePath) }

// ScheduleFile returns the absolute schedule workbook path.
func (c *Config) ScheduleFile() string { return c.Resolve(c.Paths.ScheduleFile) }

// ReportFile returns the absolute missing-report output path.
func (c *Config) ReportFile() string { return c.Resolve(c.Paths.ReportFile) }

// WeekdayLabel maps a Go weekday to the configured label. The label slice is
// Monday-first, matching the cronograma column order SEG..DOM.
func (c *Config) WeekdayLabel(wd time.Weekday) string {
	idx := (int(wd) + 6) % 7
	return c.Weekdays[idx]
}
