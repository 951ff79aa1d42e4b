package game

import (
	"fmt"
	"math/rand"
	"time"
)

// NewSession builds a session in STARTING status. Both patient
// descriptors must carry a name and a client identity; the automaton
// needs neither. Tokens are the per-slot reconnection credentials.
func NewSession(id, roomCode string, cfg Config, p1, p2 Participant, tokens map[Slot]string) (*Session, error) {
	if p1.Name == "" || p1.ClientID == "" {
		return nil, fmt.Errorf("%w: patient-1 descriptor incomplete", ErrValidation)
	}
	if p2.Name == "" || p2.ClientID == "" {
		return nil, fmt.Errorf("%w: patient-2 descriptor incomplete", ErrValidation)
	}
	p1.Slot = SlotPatient1
	p2.Slot = SlotPatient2
	p1.Connected = true
	p2.Connected = true

	return &Session{
		ID:       id,
		RoomCode: roomCode,
		Config:   cfg,
		Status:   StatusStarting,
		Participants: map[Slot]*Participant{
			SlotPatient1: &p1,
			SlotPatient2: &p2,
		},
		Current:   Round{Number: 1},
		Tokens:    tokens,
		CreatedAt: time.Now(),
	}, nil
}

// StartRound resets the current round's mutable state, draws a fresh
// decision order and records the automaton's unconditional WITHDRAW
// before anything else can happen. Callers must not invoke it twice
// for the same round.
func (s *Session) StartRound(rng *rand.Rand, now time.Time) {
	s.Current = Round{
		Number:        s.Current.Number,
		Decisions:     map[Slot]Decision{},
		DecisionTimes: map[Slot]int64{},
		Order:         ShuffledSlots(rng),
		StartedAt:     now,
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	if s.chatThisRound() {
		s.Status = StatusRoundChat
		s.Current.ChatStartedAt = now
	} else {
		s.Status = StatusRoundDecision
	}

	// The automaton always withdraws, at offset zero.
	s.Current.Decisions[SlotAutomaton] = DecisionWithdraw
	s.Current.DecisionTimes[SlotAutomaton] = 0
}

func (s *Session) chatThisRound() bool {
	if !s.Config.ChatEnabled {
		return false
	}
	if s.Config.ChatFrequency == ChatOnce {
		return s.Current.Number == 1
	}
	return true
}

// BeginDecisionPhase leaves ROUND_CHAT for ROUND_DECISION.
func (s *Session) BeginDecisionPhase(now time.Time) error {
	if s.Status != StatusRoundChat {
		return fmt.Errorf("%w: cannot begin decisions in %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusRoundDecision
	s.Current.StartedAt = now
	return nil
}

// SubmitDecision records one slot's choice for the current round.
// Out-of-phase and out-of-turn submissions fail without mutating
// state; a second submission for an already-decided slot is rejected.
func (s *Session) SubmitDecision(slot Slot, decision Decision, now time.Time) error {
	if s.Status != StatusRoundDecision && s.Status != StatusRoundRevealing {
		return fmt.Errorf("%w: cannot decide in %s", ErrInvalidTransition, s.Status)
	}
	if !decision.Valid() {
		return fmt.Errorf("%w: decision %q", ErrValidation, decision)
	}
	if _, ok := s.Current.Decisions[slot]; ok {
		return fmt.Errorf("%w: %s already decided round %d", ErrAlreadyDecided, slot, s.Current.Number)
	}
	if s.Config.Mode == ModeSequential {
		next, ok := s.NextUndecidedSlot()
		if !ok || next != slot {
			return fmt.Errorf("%w: %s is not next in order", ErrNotYourTurn, slot)
		}
	}

	s.Current.Decisions[slot] = decision
	s.Current.DecisionTimes[slot] = now.Sub(s.Current.StartedAt).Milliseconds()
	return nil
}

// AllDecided reports whether every slot has a recorded decision.
func (s *Session) AllDecided() bool {
	for _, slot := range Slots {
		if _, ok := s.Current.Decisions[slot]; !ok {
			return false
		}
	}
	return true
}

// NextUndecidedSlot walks the decision order and returns the first
// slot still missing a decision.
func (s *Session) NextUndecidedSlot() (Slot, bool) {
	for _, slot := range s.Current.Order {
		if _, ok := s.Current.Decisions[slot]; !ok {
			return slot, true
		}
	}
	return "", false
}

// PriorDecisionsMasked returns the decisions already made this round
// in order, without slot identity. The walk stops at the first
// undecided slot so a later decision never leaks ahead of its turn.
func (s *Session) PriorDecisionsMasked() []Decision {
	prior := make([]Decision, 0, len(s.Current.Order))
	for _, slot := range s.Current.Order {
		d, ok := s.Current.Decisions[slot]
		if !ok {
			break
		}
		prior = append(prior, d)
	}
	return prior
}

// FinalizeRound resolves payoffs, retires the current round into
// history and moves to ROUND_RESULTS. It fails unless all three slots
// have decided.
func (s *Session) FinalizeRound(rng *rand.Rand) (RoundResult, error) {
	if s.Status != StatusRoundDecision && s.Status != StatusRoundRevealing {
		return RoundResult{}, fmt.Errorf("%w: cannot finalize in %s", ErrInvalidTransition, s.Status)
	}
	if !s.AllDecided() {
		return RoundResult{}, fmt.Errorf("%w: round %d incomplete", ErrInvalidTransition, s.Current.Number)
	}

	decisions := make(map[Slot]Decision, 3)
	for slot, d := range s.Current.Decisions {
		decisions[slot] = d
	}

	var res Resolution
	if s.Config.Mode == ModeSequential {
		res = ResolveSequential(decisions, s.Current.Order, s.Config.Payoffs)
	} else {
		res = ResolveSimultaneous(decisions, s.Config.Payoffs, rng)
	}

	times := make(map[Slot]int64, len(s.Current.DecisionTimes))
	for slot, t := range s.Current.DecisionTimes {
		times[slot] = t
	}

	result := RoundResult{
		Round:         s.Current.Number,
		Decisions:     decisions,
		Payoffs:       res.Payoffs,
		DecisionOrder: append([]Slot(nil), s.Current.Order...),
		DecisionTimes: times,
		BankRun:       BankRun(decisions),
		PaidWhen:      res.PaidWhen,
		SeqTrace:      res.SeqTrace,
		ChatMessages:  append([]ChatMessage(nil), s.Current.ChatMessages...),
	}

	s.History = append(s.History, result)
	s.Status = StatusRoundResults
	return result, nil
}

// AdvanceRound moves to the next round and returns true, or ends the
// game and returns false once TotalRounds have been played.
func (s *Session) AdvanceRound(now time.Time) bool {
	if s.Current.Number >= s.Config.TotalRounds {
		s.Status = StatusGameOver
		s.EndedAt = now
		return false
	}
	s.Current.Number++
	return true
}

// AppendChat records a chat line during the chat phase.
func (s *Session) AppendChat(slot Slot, text string, now time.Time) (ChatMessage, error) {
	if s.Status != StatusRoundChat {
		return ChatMessage{}, fmt.Errorf("%w: chat closed in %s", ErrInvalidTransition, s.Status)
	}
	msg := ChatMessage{
		Slot:     slot,
		Text:     text,
		OffsetMs: now.Sub(s.Current.ChatStartedAt).Milliseconds(),
	}
	s.Current.ChatMessages = append(s.Current.ChatMessages, msg)
	return msg, nil
}

// SlotByClient resolves which patient slot a connection identity owns.
func (s *Session) SlotByClient(clientID string) (Slot, bool) {
	for _, slot := range PatientSlots {
		if p := s.Participants[slot]; p != nil && p.ClientID == clientID {
			return slot, true
		}
	}
	return "", false
}

// Rebind attaches a fresh connection identity to a slot when the
// presented reconnection token matches.
func (s *Session) Rebind(slot Slot, token, clientID string) error {
	want, ok := s.Tokens[slot]
	if !ok || token == "" || token != want {
		return fmt.Errorf("%w: bad reconnection token for %s", ErrUnauthorized, slot)
	}
	p := s.Participants[slot]
	if p == nil {
		return fmt.Errorf("%w: %s has no participant", ErrValidation, slot)
	}
	p.ClientID = clientID
	p.Connected = true
	return nil
}
