package ws

import (
	"bankrun-lab/internal/game"
	"bankrun-lab/internal/store"
)

// Inbound message types.

type CreateRoomMessage struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
	Name string `json:"name"`
}

type JoinRoomMessage struct {
	Type string `json:"type"`
	Code string `json:"code"`
	Name string `json:"name"`
}

type LeaveRoomMessage struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

type StartGameMessage struct {
	Type string `json:"type"`
	Code string `json:"code"`
	// Optional per-session overrides; zero means use the global value.
	TotalRounds       int `json:"total_rounds,omitempty"`
	DecisionTimeoutMs int `json:"decision_timeout_ms,omitempty"`
}

type ReadyNextRoundMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Slot      string `json:"slot"`
	Token     string `json:"token"`
}

type SubmitDecisionMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Slot      string `json:"slot"`
	Token     string `json:"token"`
	Decision  string `json:"decision"`
}

type SendChatMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Slot      string `json:"slot"`
	Token     string `json:"token"`
	Text      string `json:"text"`
}

type ReconnectMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Slot      string `json:"slot"`
	Token     string `json:"token"`
}

// Outbound message types.

type RoomCreated struct {
	Type string `json:"type"`
	Code string `json:"code"`
	Mode string `json:"mode"`
}

type RoomJoined struct {
	Type    string   `json:"type"`
	Code    string   `json:"code"`
	Seat    int      `json:"seat"`
	Players []string `json:"players"`
}

type PlayerPresence struct {
	Type string    `json:"type"`
	Code string    `json:"code,omitempty"`
	Slot game.Slot `json:"slot,omitempty"`
	Name string    `json:"name,omitempty"`
}

type GameStarting struct {
	Type         string               `json:"type"`
	SessionID    string               `json:"session_id"`
	Slot         game.Slot            `json:"slot"`
	Token        string               `json:"token"`
	Mode         game.Mode            `json:"mode"`
	TotalRounds  int                  `json:"total_rounds"`
	Payoffs      game.Payoffs         `json:"payoffs"`
	Participants map[game.Slot]string `json:"participants"`
}

type RoundStarting struct {
	Type        string `json:"type"`
	Round       int    `json:"round"`
	TotalRounds int    `json:"total_rounds"`
	Phase       string `json:"phase"`
	TimeoutMs   int64  `json:"timeout_ms"`
}

type TimerUpdate struct {
	Type        string `json:"type"`
	Round       int    `json:"round"`
	Phase       string `json:"phase"`
	RemainingMs int64  `json:"remaining_ms"`
}

type DecisionReceived struct {
	Type    string `json:"type"`
	Round   int    `json:"round"`
	Decided int    `json:"decided"`
}

// DecisionRevealed carries position and decision only. Slot identity
// is deliberately withheld so the automaton stays indistinguishable.
type DecisionRevealed struct {
	Type     string        `json:"type"`
	Round    int           `json:"round"`
	Position int           `json:"position"`
	Decision game.Decision `json:"decision"`
}

type NextPlayerTurn struct {
	Type         string          `json:"type"`
	Round        int             `json:"round"`
	PriorActions []game.Decision `json:"prior_actions"`
	TimeoutMs    int64           `json:"timeout_ms"`
}

type ChatStarting struct {
	Type        string `json:"type"`
	Round       int    `json:"round"`
	DurationSec int    `json:"duration_sec"`
}

type ChatBroadcast struct {
	Type     string    `json:"type"`
	Round    int       `json:"round"`
	Slot     game.Slot `json:"slot"`
	Text     string    `json:"text"`
	OffsetMs int64     `json:"offset_ms"`
}

type ChatEnding struct {
	Type  string `json:"type"`
	Round int    `json:"round"`
}

type RoundComplete struct {
	Type   string           `json:"type"`
	Result game.RoundResult `json:"result"`
}

type GameOver struct {
	Type   string              `json:"type"`
	Result store.GameResultDoc `json:"result"`
}

type PlayerReconnected struct {
	Type    string             `json:"type"`
	Slot    game.Slot          `json:"slot"`
	Round   int                `json:"round"`
	Status  game.Status        `json:"status"`
	History []game.RoundResult `json:"history"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
