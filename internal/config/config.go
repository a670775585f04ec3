package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the dossier configuration
type Config struct {
	StorePath   string            `yaml:"store_path,omitempty"`
	DossierDir  string            `yaml:"dossier_dir,omitempty"`
	Chats       ChatsConfig       `yaml:"chats"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
	LLM         LLMConfig         `yaml:"llm"`
	Themes      ThemesConfig      `yaml:"themes"`
	Daemon      DaemonConfig      `yaml:"daemon"`
}

// ChatsConfig points at the assistant session database (read-only)
type ChatsConfig struct {
	DBPath string `yaml:"db_path,omitempty"`
}

// TranscriptsConfig points at the meeting transcript directory
type TranscriptsConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// LLMConfig controls the Gemini collaborator
type LLMConfig struct {
	Model             string `yaml:"model,omitempty"`
	EmbedModel        string `yaml:"embed_model,omitempty"`
	TimeoutSeconds    int    `yaml:"timeout_seconds,omitempty"`
	MaxRetries        int    `yaml:"max_retries,omitempty"`
	RequestsPerMinute int    `yaml:"requests_per_minute,omitempty"`
}

// ThemesConfig controls Layer 2 clustering
type ThemesConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold,omitempty"`
}

// DaemonConfig controls the background sync loop and the liveness probe
type DaemonConfig struct {
	IntervalMinutes   int    `yaml:"interval_minutes,omitempty"`
	StaleAfterMinutes int    `yaml:"stale_after_minutes,omitempty"`
	ServiceLabel      string `yaml:"service_label,omitempty"`
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("DOSSIER_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "dossier"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("DOSSIER_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Dossier"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "dossier"), nil
	}

	return filepath.Join(home, ".local", "share", "dossier"), nil
}

// Default returns the built-in configuration, with paths rooted
// under the data directory.
func Default() (*Config, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return nil, err
	}

	return &Config{
		StorePath:  filepath.Join(dataDir, "dossier.json"),
		DossierDir: filepath.Join(dataDir, "dossiers"),
		Chats: ChatsConfig{
			DBPath: filepath.Join(dataDir, "sessions.db"),
		},
		Transcripts: TranscriptsConfig{
			Dir: filepath.Join(dataDir, "transcripts"),
		},
		LLM: LLMConfig{
			Model:             "gemini-2.0-flash",
			EmbedModel:        "text-embedding-004",
			TimeoutSeconds:    60,
			MaxRetries:        3,
			RequestsPerMinute: 60,
		},
		Themes: ThemesConfig{
			SimilarityThreshold: 0.80,
		},
		Daemon: DaemonConfig{
			IntervalMinutes:   30,
			StaleAfterMinutes: 30,
			ServiceLabel:      "com.napageneral.dossier",
		},
	}, nil
}

// Load loads config from the config file, falling back to defaults
// for any field the file leaves unset.
func Load() (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
