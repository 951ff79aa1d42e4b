package store

import (
	"time"

	"bankrun-lab/internal/game"
)

// SessionMetadata is the experiment bookkeeping attached to a result.
type SessionMetadata struct {
	RoomCode       string                      `json:"roomCode,omitempty"`
	LLMModel       string                      `json:"llmModel,omitempty"`
	LLMResponses   []string                    `json:"llmResponses"`
	PlayerProfiles map[game.Slot]*game.Profile `json:"playerProfiles,omitempty"`
}

// GameResultDoc is the immutable document written once at game end.
// The core never reads it back; admin queries do.
type GameResultDoc struct {
	GameID             string               `json:"gameId"`
	RoomCode           string               `json:"roomCode"`
	Mode               game.Mode            `json:"mode"`
	Timestamp          time.Time            `json:"timestamp"`
	ChatEnabled        bool                 `json:"chatEnabled"`
	Rounds             []game.RoundResult   `json:"rounds"`
	TotalPayoffs       map[game.Slot]int    `json:"totalPayoffs"`
	PlayerTypes        []string             `json:"playerTypes"`
	Metadata           SessionMetadata      `json:"sessionMetadata"`
	ReconnectionTokens map[game.Slot]string `json:"reconnectionTokens,omitempty"`
}

// GlobalConfig is the admin-editable experiment configuration
// singleton. Sessions snapshot it at start; edits never touch games
// in progress.
type GlobalConfig struct {
	OpponentType    string    `json:"opponentType"`
	GameMode        game.Mode `json:"gameMode"`
	TotalRounds     int       `json:"totalRounds"`
	ChatEnabled     bool      `json:"chatEnabled"`
	ChatDurationSec int       `json:"chatDurationSec"`
	ChatFrequency   string    `json:"chatFrequency"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ResultFilter narrows admin listing and export queries.
type ResultFilter struct {
	Mode       string
	PlayerType string
	From       *time.Time
	To         *time.Time
}
