package game

import "time"

type Mode string

const (
	ModeSimultaneous Mode = "simultaneous"
	ModeSequential   Mode = "sequential"
)

type Decision string

const (
	DecisionKeep     Decision = "KEEP"
	DecisionWithdraw Decision = "WITHDRAW"
)

type Slot string

const (
	SlotPatient1  Slot = "patient-1"
	SlotPatient2  Slot = "patient-2"
	SlotAutomaton Slot = "automaton"
)

// Slots is the canonical slot order used for iteration and shuffling.
var Slots = [3]Slot{SlotPatient1, SlotPatient2, SlotAutomaton}

// PatientSlots lists the two slots whose decisions are free each round.
var PatientSlots = [2]Slot{SlotPatient1, SlotPatient2}

type Status string

const (
	StatusLobby          Status = "LOBBY"
	StatusStarting       Status = "STARTING"
	StatusRoundChat      Status = "ROUND_CHAT"
	StatusRoundDecision  Status = "ROUND_DECISION"
	StatusRoundRevealing Status = "ROUND_REVEALING"
	StatusRoundResults   Status = "ROUND_RESULTS"
	StatusGameOver       Status = "GAME_OVER"
)

type PaidWhen string

const (
	PaidImmediate PaidWhen = "immediate"
	PaidDeferred  PaidWhen = "deferred"
)

type ChatFrequency string

const (
	ChatOnce       ChatFrequency = "once"
	ChatEveryRound ChatFrequency = "every-round"
)

// Payoffs holds the three per-round payment levels in ECUs.
type Payoffs struct {
	Success  int `json:"success"`
	Withdraw int `json:"withdraw"`
	Failure  int `json:"failure"`
}

func DefaultPayoffs() Payoffs {
	return Payoffs{Success: 70, Withdraw: 50, Failure: 20}
}

// Config is the per-session game configuration, frozen at creation.
type Config struct {
	Mode              Mode          `json:"mode"`
	Payoffs           Payoffs       `json:"payoffs"`
	TotalRounds       int           `json:"totalRounds"`
	DecisionTimeoutMs int           `json:"decisionTimeoutMs"`
	ChatEnabled       bool          `json:"chatEnabled"`
	ChatDurationSec   int           `json:"chatDurationSec"`
	ChatFrequency     ChatFrequency `json:"chatFrequency"`
}

func DefaultConfig() Config {
	return Config{
		Mode:              ModeSimultaneous,
		Payoffs:           DefaultPayoffs(),
		TotalRounds:       5,
		DecisionTimeoutMs: 30000,
		ChatEnabled:       false,
		ChatDurationSec:   30,
		ChatFrequency:     ChatEveryRound,
	}
}

// Profile is the persona used to condition the AI opponent's prompts.
type Profile struct {
	Gender             string `json:"gender"`
	AgeBand            string `json:"age_band"`
	Education          string `json:"education"`
	InstitutionalTrust int    `json:"institutional_trust_0_10"`
}

// Participant describes one patient slot. The automaton has no
// Participant; it is a constant inside the round engine.
type Participant struct {
	Slot      Slot     `json:"slot"`
	Name      string   `json:"name"`
	ClientID  string   `json:"clientId"`
	Connected bool     `json:"connected"`
	IsAI      bool     `json:"isAI"`
	Profile   *Profile `json:"profile,omitempty"`
}

type ChatMessage struct {
	Slot Slot   `json:"slot"`
	Text string `json:"text"`
	// OffsetMs is measured from the start of the chat phase.
	OffsetMs int64 `json:"offsetMs"`
}

// Round is the mutable state of the round currently in flight. It is
// reset by StartRound and retired into a RoundResult by FinalizeRound.
type Round struct {
	Number        int
	Decisions     map[Slot]Decision
	DecisionTimes map[Slot]int64 // ms offsets from round start
	Order         []Slot
	Revealed      []Slot
	StartedAt     time.Time
	ChatMessages  []ChatMessage
	ChatStartedAt time.Time
}

// RoundResult is the immutable record of a completed round.
type RoundResult struct {
	Round         int                `json:"round"`
	Decisions     map[Slot]Decision  `json:"decisions"`
	Payoffs       map[Slot]int       `json:"payoffs"`
	DecisionOrder []Slot             `json:"decisionOrder"`
	DecisionTimes map[Slot]int64     `json:"decisionTimes,omitempty"`
	BankRun       bool               `json:"bankRun"`
	PaidWhen      map[Slot]PaidWhen  `json:"paidWhen,omitempty"`
	SeqTrace      string             `json:"seqTrace,omitempty"`
	ChatMessages  []ChatMessage      `json:"chatMessages,omitempty"`
}

// Session is one running game. All mutation goes through the single
// writer that owns it; the struct itself carries no locking.
type Session struct {
	ID           string
	RoomCode     string
	Config       Config
	Status       Status
	Participants map[Slot]*Participant
	Current      Round
	History      []RoundResult
	Tokens       map[Slot]string // per-slot reconnection tokens
	CreatedAt    time.Time
	StartedAt    time.Time
	EndedAt      time.Time
}

// Totals sums payoffs across the session history, per slot.
func (s *Session) Totals() map[Slot]int {
	totals := map[Slot]int{SlotPatient1: 0, SlotPatient2: 0, SlotAutomaton: 0}
	for _, r := range s.History {
		for slot, p := range r.Payoffs {
			totals[slot] += p
		}
	}
	return totals
}

func (m Mode) Valid() bool {
	return m == ModeSimultaneous || m == ModeSequential
}

func (d Decision) Valid() bool {
	return d == DecisionKeep || d == DecisionWithdraw
}
