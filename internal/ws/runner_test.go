package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"bankrun-lab/internal/game"
	"bankrun-lab/internal/llm"
	"bankrun-lab/internal/room"
)

type keepClient struct{}

func (keepClient) Complete(ctx context.Context, msgs []llm.Message) (string, error) {
	return "KEEP", nil
}

func newTestServer() *Server {
	agent := llm.NewAgent(keepClient{}, llm.NewLimiter(1, 0, 1000, time.Minute), "test-model")
	cfg := func(ctx context.Context) (game.Config, string) {
		return game.DefaultConfig(), "ai"
	}
	return NewServer(room.NewRegistry(), agent, nil, cfg)
}

func newTestSession(t *testing.T, srv *Server, cfg game.Config) (*gameSession, map[game.Slot]*client) {
	t.Helper()
	tokens := map[game.Slot]string{game.SlotPatient1: "tok-1", game.SlotPatient2: "tok-2"}
	p1 := game.Participant{Name: "Alice", ClientID: "c1"}
	p2 := game.Participant{Name: "Bob", ClientID: "c2"}
	sess, err := game.NewSession("sess-1", "ABCDEF", cfg, p1, p2, tokens)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	gs := newGameSession(srv, sess)
	clients := map[game.Slot]*client{}
	for i, slot := range game.PatientSlots {
		cl := &client{send: make(chan []byte, 64), id: fmt.Sprintf("c%d", i+1)}
		clients[slot] = cl
		gs.clients[slot] = cl
	}
	srv.sessions[sess.ID] = gs
	return gs, clients
}

func messageTypes(t *testing.T, cl *client) []string {
	t.Helper()
	types := []string{}
	for {
		select {
		case raw := <-cl.send:
			var base struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(raw, &base); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			types = append(types, base.Type)
		default:
			return types
		}
	}
}

func lastOfType(t *testing.T, cl *client, want string) []byte {
	t.Helper()
	var found []byte
	for {
		select {
		case raw := <-cl.send:
			var base struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(raw, &base)
			if base.Type == want {
				found = raw
			}
		default:
			if found == nil {
				t.Fatalf("no %q message seen", want)
			}
			return found
		}
	}
}

func TestSimultaneousRoundFlow(t *testing.T) {
	srv := newTestServer()
	cfg := game.DefaultConfig()
	cfg.TotalRounds = 1
	gs, clients := newTestSession(t, srv, cfg)
	p1 := clients[game.SlotPatient1]
	p2 := clients[game.SlotPatient2]

	gs.handle(envelope{kind: evBeginRound, round: 1})
	if gs.sess.Status != game.StatusRoundDecision {
		t.Fatalf("expected decision phase, got %s", gs.sess.Status)
	}
	types := messageTypes(t, p1)
	if len(types) == 0 || types[0] != "round-starting" {
		t.Fatalf("expected round-starting first, got %v", types)
	}

	gs.handle(envelope{kind: evDecision, from: p1, slot: game.SlotPatient1, token: "tok-1", decision: game.DecisionKeep})
	gs.handle(envelope{kind: evDecision, from: p2, slot: game.SlotPatient2, token: "tok-2", decision: game.DecisionWithdraw})

	raw := lastOfType(t, p2, "round-complete")
	var rc RoundComplete
	if err := json.Unmarshal(raw, &rc); err != nil {
		t.Fatalf("unmarshal round-complete: %v", err)
	}
	if !rc.Result.BankRun {
		t.Fatalf("expected bank run")
	}
	if got := rc.Result.Payoffs[game.SlotPatient1]; got != 20 {
		t.Fatalf("patient-1 payoff = %d, want 20", got)
	}
	if got := rc.Result.Payoffs[game.SlotPatient2]; got != 50 {
		t.Fatalf("patient-2 payoff = %d, want 50", got)
	}
	if got := rc.Result.Payoffs[game.SlotAutomaton]; got != 50 {
		t.Fatalf("automaton payoff = %d, want 50", got)
	}

	gs.handle(envelope{kind: evAdvance, round: 1})
	if gs.sess.Status != game.StatusGameOver {
		t.Fatalf("expected game over after last round, got %s", gs.sess.Status)
	}
	raw = lastOfType(t, p1, "game-over")
	var over GameOver
	if err := json.Unmarshal(raw, &over); err != nil {
		t.Fatalf("unmarshal game-over: %v", err)
	}
	if over.Result.TotalPayoffs[game.SlotPatient2] != 50 {
		t.Fatalf("totals wrong: %v", over.Result.TotalPayoffs)
	}
	if len(over.Result.PlayerTypes) != 2 || over.Result.PlayerTypes[0] != "human" {
		t.Fatalf("player types wrong: %v", over.Result.PlayerTypes)
	}
}

func TestDuplicateDecisionRejected(t *testing.T) {
	srv := newTestServer()
	gs, clients := newTestSession(t, srv, game.DefaultConfig())
	p1 := clients[game.SlotPatient1]

	gs.handle(envelope{kind: evBeginRound, round: 1})
	gs.handle(envelope{kind: evDecision, from: p1, slot: game.SlotPatient1, token: "tok-1", decision: game.DecisionKeep})
	gs.handle(envelope{kind: evDecision, from: p1, slot: game.SlotPatient1, token: "tok-1", decision: game.DecisionWithdraw})

	raw := lastOfType(t, p1, "error")
	var em ErrorMessage
	_ = json.Unmarshal(raw, &em)
	if em.Code != "already_decided" {
		t.Fatalf("error code = %q, want already_decided", em.Code)
	}
	if gs.sess.Current.Decisions[game.SlotPatient1] != game.DecisionKeep {
		t.Fatalf("second submission must not overwrite")
	}
}

func TestUnauthorizedDecision(t *testing.T) {
	srv := newTestServer()
	gs, clients := newTestSession(t, srv, game.DefaultConfig())
	p1 := clients[game.SlotPatient1]

	gs.handle(envelope{kind: evBeginRound, round: 1})
	gs.handle(envelope{kind: evDecision, from: p1, slot: game.SlotPatient2, token: "wrong", decision: game.DecisionKeep})

	raw := lastOfType(t, p1, "error")
	var em ErrorMessage
	_ = json.Unmarshal(raw, &em)
	if em.Code != "unauthorized" {
		t.Fatalf("error code = %q, want unauthorized", em.Code)
	}
	if _, ok := gs.sess.Current.Decisions[game.SlotPatient2]; ok {
		t.Fatalf("unauthorized submission must not mutate state")
	}
}

func TestDecisionTimeoutAutoKeep(t *testing.T) {
	srv := newTestServer()
	cfg := game.DefaultConfig()
	cfg.TotalRounds = 1
	gs, clients := newTestSession(t, srv, cfg)

	gs.handle(envelope{kind: evBeginRound, round: 1})
	gs.handleTick(gs.deadline.Add(time.Second))

	raw := lastOfType(t, clients[game.SlotPatient1], "round-complete")
	var rc RoundComplete
	if err := json.Unmarshal(raw, &rc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, slot := range game.PatientSlots {
		if rc.Result.Decisions[slot] != game.DecisionKeep {
			t.Fatalf("%s should auto-keep on timeout, got %s", slot, rc.Result.Decisions[slot])
		}
		if rc.Result.Payoffs[slot] != 70 {
			t.Fatalf("%s payoff = %d, want success 70", slot, rc.Result.Payoffs[slot])
		}
	}
	if rc.Result.BankRun {
		t.Fatalf("both-keep must not be a bank run")
	}
}

func TestSequentialTurnFlow(t *testing.T) {
	srv := newTestServer()
	cfg := game.DefaultConfig()
	cfg.Mode = game.ModeSequential
	cfg.TotalRounds = 1
	gs, clients := newTestSession(t, srv, cfg)

	gs.handle(envelope{kind: evBeginRound, round: 1})

	// The automaton pre-decides, so the first undecided slot is always
	// a patient. Walk the drawn order and submit in turn.
	order := gs.sess.Current.Order
	var firstPatient, secondPatient game.Slot
	for _, slot := range order {
		if slot == game.SlotAutomaton {
			continue
		}
		if firstPatient == "" {
			firstPatient = slot
		} else {
			secondPatient = slot
		}
	}

	next, ok := gs.sess.NextUndecidedSlot()
	if !ok || next != firstPatient {
		t.Fatalf("next undecided = %s, want %s", next, firstPatient)
	}
	got := messageTypes(t, clients[firstPatient])
	found := false
	for _, ty := range got {
		if ty == "next-player-turn" {
			found = true
		}
	}
	if !found {
		t.Fatalf("first patient should get next-player-turn, got %v", got)
	}

	// Out of turn.
	tok := gs.sess.Tokens[secondPatient]
	gs.handle(envelope{kind: evDecision, from: clients[secondPatient], slot: secondPatient, token: tok, decision: game.DecisionWithdraw})
	raw := lastOfType(t, clients[secondPatient], "error")
	var em ErrorMessage
	_ = json.Unmarshal(raw, &em)
	if em.Code != "not_your_turn" {
		t.Fatalf("error code = %q, want not_your_turn", em.Code)
	}

	tok1 := gs.sess.Tokens[firstPatient]
	gs.handle(envelope{kind: evDecision, from: clients[firstPatient], slot: firstPatient, token: tok1, decision: game.DecisionWithdraw})
	gs.handle(envelope{kind: evDecision, from: clients[secondPatient], slot: secondPatient, token: tok, decision: game.DecisionWithdraw})

	raw = lastOfType(t, clients[firstPatient], "round-complete")
	var rc RoundComplete
	if err := json.Unmarshal(raw, &rc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !rc.Result.BankRun {
		t.Fatalf("all-withdraw must be a bank run")
	}
	if rc.Result.SeqTrace == "" {
		t.Fatalf("sequential result should carry a trace")
	}
	// Third withdrawer in order gets failure.
	last := order[2]
	if rc.Result.Payoffs[last] != 20 {
		t.Fatalf("last withdrawer payoff = %d, want 20", rc.Result.Payoffs[last])
	}
}

func TestSequentialRevealsAreMasked(t *testing.T) {
	srv := newTestServer()
	cfg := game.DefaultConfig()
	cfg.Mode = game.ModeSequential
	gs, clients := newTestSession(t, srv, cfg)

	gs.handle(envelope{kind: evBeginRound, round: 1})
	next, _ := gs.sess.NextUndecidedSlot()
	tok := gs.sess.Tokens[next]
	gs.handle(envelope{kind: evDecision, from: clients[next], slot: next, token: tok, decision: game.DecisionKeep})

	raw := lastOfType(t, clients[next], "decision-revealed")
	var dr map[string]any
	if err := json.Unmarshal(raw, &dr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, leaked := dr["slot"]; leaked {
		t.Fatalf("decision-revealed must not carry slot identity: %v", dr)
	}
	if dr["position"] == nil || dr["decision"] == nil {
		t.Fatalf("decision-revealed missing fields: %v", dr)
	}
}

func TestAIDeciderFlowsThroughEventChannel(t *testing.T) {
	srv := newTestServer()
	cfg := game.DefaultConfig()
	cfg.TotalRounds = 1
	tokens := map[game.Slot]string{game.SlotPatient1: "tok-1", game.SlotPatient2: "tok-2"}
	profile := game.RandomProfile(nil)
	p1 := game.Participant{Name: "Alice", ClientID: "c1"}
	p2 := game.Participant{Name: "Participant B", ClientID: "ai:x", IsAI: true, Profile: &profile}
	sess, err := game.NewSession("sess-ai", "ABCDEF", cfg, p1, p2, tokens)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	gs := newGameSession(srv, sess)
	gs.aiSlot = game.SlotPatient2
	srv.agent.InitProfile(sess.ID, profile, "human", cfg.Payoffs)
	human := &client{send: make(chan []byte, 64), id: "c1"}
	gs.clients[game.SlotPatient1] = human

	gs.handle(envelope{kind: evBeginRound, round: 1})

	select {
	case env := <-gs.events:
		if env.kind != evAIDecision {
			t.Fatalf("expected ai decision event, got kind %d", env.kind)
		}
		if env.decision != game.DecisionKeep {
			t.Fatalf("scripted client keeps, got %s", env.decision)
		}
		gs.handle(env)
	case <-time.After(5 * time.Second):
		t.Fatalf("ai decision never arrived")
	}

	gs.handle(envelope{kind: evDecision, from: human, slot: game.SlotPatient1, token: "tok-1", decision: game.DecisionKeep})
	raw := lastOfType(t, human, "round-complete")
	var rc RoundComplete
	if err := json.Unmarshal(raw, &rc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rc.Result.Payoffs[game.SlotPatient1] != 70 || rc.Result.Payoffs[game.SlotPatient2] != 70 {
		t.Fatalf("both-keep should pay success: %v", rc.Result.Payoffs)
	}
}

type transcriptClient struct {
	mu   sync.Mutex
	seen []string
}

func (c *transcriptClient) Complete(ctx context.Context, msgs []llm.Message) (string, error) {
	c.mu.Lock()
	for _, m := range msgs {
		c.seen = append(c.seen, m.Content)
	}
	c.mu.Unlock()
	return "KEEP", nil
}

func TestFirstRoundPromptHasNoPriorSummary(t *testing.T) {
	rec := &transcriptClient{}
	agent := llm.NewAgent(rec, llm.NewLimiter(1, 0, 1000, time.Minute), "test-model")
	cfgFn := func(ctx context.Context) (game.Config, string) { return game.DefaultConfig(), "ai" }
	srv := NewServer(room.NewRegistry(), agent, nil, cfgFn)

	cfg := game.DefaultConfig()
	cfg.TotalRounds = 1
	tokens := map[game.Slot]string{game.SlotPatient1: "tok-1", game.SlotPatient2: "tok-2"}
	profile := game.RandomProfile(nil)
	p1 := game.Participant{Name: "Alice", ClientID: "c1"}
	p2 := game.Participant{Name: "Participant B", ClientID: "ai:x", IsAI: true, Profile: &profile}
	sess, err := game.NewSession("sess-prompt", "ABCDEF", cfg, p1, p2, tokens)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	gs := newGameSession(srv, sess)
	gs.aiSlot = game.SlotPatient2
	srv.agent.InitProfile(sess.ID, profile, "human", cfg.Payoffs)
	gs.clients[game.SlotPatient1] = &client{send: make(chan []byte, 64), id: "c1"}

	gs.handle(envelope{kind: evBeginRound, round: 1})

	select {
	case env := <-gs.events:
		if env.kind != evAIDecision {
			t.Fatalf("expected ai decision event, got kind %d", env.kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("ai decision never arrived")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, content := range rec.seen {
		if strings.Contains(content, "Last round summary: No previous round.") {
			return
		}
	}
	t.Fatalf("round 1 prompt must say there is no previous round, got %q", rec.seen)
}

func TestStaleAIDecisionDiscarded(t *testing.T) {
	srv := newTestServer()
	gs, clients := newTestSession(t, srv, game.DefaultConfig())
	gs.aiSlot = "" // human versus human; inject a rogue ai event anyway

	gs.handle(envelope{kind: evBeginRound, round: 1})
	gs.handle(envelope{kind: evAIDecision, round: 99, decision: game.DecisionWithdraw})

	if len(gs.sess.Current.Decisions) != 1 {
		t.Fatalf("stale event must not add decisions: %v", gs.sess.Current.Decisions)
	}
	_ = clients
}

func TestChatPhaseFlow(t *testing.T) {
	srv := newTestServer()
	cfg := game.DefaultConfig()
	cfg.ChatEnabled = true
	cfg.ChatDurationSec = 30
	gs, clients := newTestSession(t, srv, cfg)
	p1 := clients[game.SlotPatient1]
	p2 := clients[game.SlotPatient2]

	gs.handle(envelope{kind: evBeginRound, round: 1})
	if gs.sess.Status != game.StatusRoundChat {
		t.Fatalf("expected chat phase, got %s", gs.sess.Status)
	}
	types := messageTypes(t, p1)
	if len(types) == 0 || types[0] != "chat-starting" {
		t.Fatalf("expected chat-starting, got %v", types)
	}

	gs.handle(envelope{kind: evChat, from: p1, slot: game.SlotPatient1, token: "tok-1", text: "shall we both keep?"})
	raw := lastOfType(t, p2, "chat-message")
	var cb ChatBroadcast
	if err := json.Unmarshal(raw, &cb); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cb.Text != "shall we both keep?" || cb.Slot != game.SlotPatient1 {
		t.Fatalf("chat broadcast wrong: %+v", cb)
	}

	gs.handleTick(gs.deadline.Add(time.Second))
	if gs.sess.Status != game.StatusRoundDecision {
		t.Fatalf("chat timeout should enter decision phase, got %s", gs.sess.Status)
	}
	types = messageTypes(t, p2)
	sawEnding, sawStarting := false, false
	for _, ty := range types {
		if ty == "chat-ending" {
			sawEnding = true
		}
		if ty == "round-starting" {
			sawStarting = true
		}
	}
	if !sawEnding || !sawStarting {
		t.Fatalf("expected chat-ending then round-starting, got %v", types)
	}

	// Chat is closed now.
	gs.handle(envelope{kind: evChat, from: p1, slot: game.SlotPatient1, token: "tok-1", text: "too late"})
	raw = lastOfType(t, p1, "error")
	var em ErrorMessage
	_ = json.Unmarshal(raw, &em)
	if em.Code != "invalid_transition" {
		t.Fatalf("error code = %q, want invalid_transition", em.Code)
	}
}

func TestReconnectRebindsSlot(t *testing.T) {
	srv := newTestServer()
	gs, clients := newTestSession(t, srv, game.DefaultConfig())
	old := clients[game.SlotPatient1]

	gs.handle(envelope{kind: evBeginRound, round: 1})
	gs.handle(envelope{kind: evDisconnect, from: old, slot: game.SlotPatient1})
	if gs.sess.Participants[game.SlotPatient1].Connected {
		t.Fatalf("disconnect should mark participant offline")
	}
	if gs.sess.Status != game.StatusRoundDecision {
		t.Fatalf("disconnect must not end the round")
	}

	fresh := &client{send: make(chan []byte, 64), id: "c1-new"}
	gs.handle(envelope{kind: evReconnect, from: fresh, slot: game.SlotPatient1, token: "tok-1"})
	raw := lastOfType(t, fresh, "player-reconnected")
	var pr PlayerReconnected
	if err := json.Unmarshal(raw, &pr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pr.Slot != game.SlotPatient1 || pr.Round != 1 {
		t.Fatalf("snapshot wrong: %+v", pr)
	}
	if gs.clients[game.SlotPatient1] != fresh {
		t.Fatalf("reconnect should rebind the slot connection")
	}
	if !gs.sess.Participants[game.SlotPatient1].Connected {
		t.Fatalf("reconnect should mark participant online")
	}

	// A bad token must not rebind.
	rogue := &client{send: make(chan []byte, 64), id: "rogue"}
	gs.handle(envelope{kind: evReconnect, from: rogue, slot: game.SlotPatient2, token: "nope"})
	raw = lastOfType(t, rogue, "error")
	var em ErrorMessage
	_ = json.Unmarshal(raw, &em)
	if em.Code != "unauthorized" {
		t.Fatalf("error code = %q, want unauthorized", em.Code)
	}
}

func TestReadyNextRoundSkipsPause(t *testing.T) {
	srv := newTestServer()
	cfg := game.DefaultConfig()
	cfg.TotalRounds = 2
	gs, clients := newTestSession(t, srv, cfg)
	p1 := clients[game.SlotPatient1]
	p2 := clients[game.SlotPatient2]

	gs.handle(envelope{kind: evBeginRound, round: 1})
	gs.handle(envelope{kind: evDecision, from: p1, slot: game.SlotPatient1, token: "tok-1", decision: game.DecisionKeep})
	gs.handle(envelope{kind: evDecision, from: p2, slot: game.SlotPatient2, token: "tok-2", decision: game.DecisionKeep})
	if gs.sess.Status != game.StatusRoundResults {
		t.Fatalf("expected results phase, got %s", gs.sess.Status)
	}

	gs.handle(envelope{kind: evReady, from: p1, slot: game.SlotPatient1, token: "tok-1"})
	if gs.sess.Current.Number != 1 {
		t.Fatalf("one ready player must not advance the round")
	}
	gs.handle(envelope{kind: evReady, from: p2, slot: game.SlotPatient2, token: "tok-2"})
	if gs.sess.Current.Number != 2 || gs.sess.Status != game.StatusRoundDecision {
		t.Fatalf("both ready should start round 2, got round %d status %s",
			gs.sess.Current.Number, gs.sess.Status)
	}

	// The scheduled advance for round 1 is stale now.
	gs.handle(envelope{kind: evAdvance, round: 1})
	if gs.sess.Current.Number != 2 {
		t.Fatalf("stale advance must be discarded")
	}
}

func TestWireCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{game.ErrSessionNotFound, "session_not_found"},
		{game.ErrInvalidTransition, "invalid_transition"},
		{game.ErrNotYourTurn, "not_your_turn"},
		{game.ErrAlreadyDecided, "already_decided"},
		{game.ErrUnauthorized, "unauthorized"},
		{game.ErrValidation, "validation_error"},
		{fmt.Errorf("wrapped: %w", game.ErrNotYourTurn), "not_your_turn"},
		{errors.New("mystery"), "unknown_error"},
	}
	for _, tc := range cases {
		if got := wireCode(tc.err); got != tc.want {
			t.Fatalf("wireCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
