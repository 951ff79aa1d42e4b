package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// LogConfig controls the global zerolog sink. Output goes to stdout
// unless LOG_FILE points at a size-capped file, which keeps long
// experiment runs from filling the disk.
type LogConfig struct {
	Level       string `env:"LOG_LEVEL" envDefault:"info"`
	Pretty      bool   `env:"LOG_PRETTY" envDefault:"false"`
	File        string `env:"LOG_FILE"`
	MaxMB       int    `env:"LOG_MAX_MB" envDefault:"25"`
	SampleEvery int    `env:"LOG_SAMPLE_EVERY" envDefault:"0"`
}

func LoadLog() (LogConfig, error) {
	var cfg LogConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	if cfg.MaxMB < 1 {
		return cfg, fmt.Errorf("LOG_MAX_MB %d out of range, must be at least 1", cfg.MaxMB)
	}
	if cfg.SampleEvery < 0 {
		return cfg, fmt.Errorf("LOG_SAMPLE_EVERY %d must not be negative", cfg.SampleEvery)
	}
	return cfg, nil
}
