package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	"bankrun-lab/internal/game"
)

// GameConfig is the global experiment configuration. It is read when
// a session starts and snapshotted into it; later changes never affect
// sessions already in progress.
type GameConfig struct {
	OpponentType string `env:"OPPONENT_TYPE" envDefault:"ai"`
	Mode         string `env:"GAME_MODE" envDefault:"simultaneous"`
	TotalRounds  int    `env:"TOTAL_ROUNDS" envDefault:"5"`

	DecisionTimeoutMs int `env:"DECISION_TIMEOUT_MS" envDefault:"30000"`

	ChatEnabled     bool   `env:"CHAT_ENABLED" envDefault:"false"`
	ChatDurationSec int    `env:"CHAT_DURATION_SEC" envDefault:"30"`
	ChatFrequency   string `env:"CHAT_FREQUENCY" envDefault:"every-round"`

	PaySuccess  int `env:"PAY_SUCCESS" envDefault:"70"`
	PayWithdraw int `env:"PAY_WITHDRAW" envDefault:"50"`
	PayFailure  int `env:"PAY_FAILURE" envDefault:"20"`
}

func LoadGame() (GameConfig, error) {
	var cfg GameConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	if !game.Mode(cfg.Mode).Valid() {
		return cfg, fmt.Errorf("invalid GAME_MODE %q", cfg.Mode)
	}
	if cfg.TotalRounds < 1 || cfg.TotalRounds > 20 {
		return cfg, fmt.Errorf("TOTAL_ROUNDS %d out of range 1-20", cfg.TotalRounds)
	}
	return cfg, nil
}

// Session converts the global defaults into a per-session snapshot.
func (c GameConfig) Session() game.Config {
	return game.Config{
		Mode:              game.Mode(c.Mode),
		Payoffs:           game.Payoffs{Success: c.PaySuccess, Withdraw: c.PayWithdraw, Failure: c.PayFailure},
		TotalRounds:       c.TotalRounds,
		DecisionTimeoutMs: c.DecisionTimeoutMs,
		ChatEnabled:       c.ChatEnabled,
		ChatDurationSec:   c.ChatDurationSec,
		ChatFrequency:     game.ChatFrequency(c.ChatFrequency),
	}
}
