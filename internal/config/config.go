package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Server    ServerConfig
	Engine    EngineConfig
	Storage   StorageConfig
	Scheduler SchedulerConfig
	Search    SearchConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type EngineConfig struct {
	BaseURL    string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type SchedulerConfig struct {
	// PollIntervalSeconds is the queue poll cadence between triggers.
	PollIntervalSeconds int
	// BucketWindowMinutes controls how long repeat visits to the same
	// URL coalesce into one queue record.
	BucketWindowMinutes int
}

type SearchConfig struct {
	// Alpha weights the dense score in hybrid fusion; (1-Alpha) weights
	// the keyword score.
	Alpha float64
	TopK  int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4580,
		},
		Engine: EngineConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Scheduler: SchedulerConfig{
			PollIntervalSeconds: 5,
			BucketWindowMinutes: 15,
		},
		Search: SearchConfig{
			Alpha: 0.6,
			TopK:  10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/retrace/config.json, then applies RETRACE_*
// environment variable overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "retrace-data"
		}
	}
	return filepath.Join(dir, "retrace")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "retrace", "config.json")
}
