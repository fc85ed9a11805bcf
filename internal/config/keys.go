package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RETRACE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "engine.base_url", typ: kString, env: "RETRACE_ENGINE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.BaseURL },
	},
	{
		key: "engine.embed_model", typ: kString, env: "RETRACE_ENGINE_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RETRACE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "scheduler.poll_interval_seconds", typ: kInt, env: "RETRACE_SCHEDULER_POLL_INTERVAL_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.PollIntervalSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.PollIntervalSeconds },
	},
	{
		key: "scheduler.bucket_window_minutes", typ: kInt, env: "RETRACE_SCHEDULER_BUCKET_WINDOW_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.BucketWindowMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.BucketWindowMinutes },
	},
	{
		key: "search.alpha", typ: kFloat, env: "RETRACE_SEARCH_ALPHA",
		apply:   func(cfg *Config, v any) { cfg.Search.Alpha = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.Alpha },
	},
	{
		key: "search.top_k", typ: kInt, env: "RETRACE_SEARCH_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Search.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.TopK },
	},
	{
		key: "log.level", typ: kString, env: "RETRACE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
