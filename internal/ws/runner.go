package ws

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"bankrun-lab/internal/game"
	"bankrun-lab/internal/llm"
	"bankrun-lab/internal/store"
)

const (
	preRoundDelay   = 2 * time.Second
	interRoundDelay = 5 * time.Second
	purgeDelay      = 60 * time.Second
)

type eventKind int

const (
	evDecision eventKind = iota
	evChat
	evReconnect
	evDisconnect
	evAIDecision
	evAIChat
	evBeginRound
	evAdvance
	evReady
	evPurge
)

// envelope is the single funnel for every session mutation. Async
// producers tag it with the round they acted for; the runner discards
// stale tags.
type envelope struct {
	kind     eventKind
	round    int
	from     *client
	slot     game.Slot
	token    string
	decision game.Decision
	text     string
}

// gameSession owns one *game.Session. The run goroutine is the only
// writer; timers, AI completions and client messages all re-enter
// through the events channel.
type gameSession struct {
	srv     *Server
	sess    *game.Session
	aiSlot  game.Slot
	clients map[game.Slot]*client

	events chan envelope
	done   chan struct{}
	once   sync.Once
	rng    *rand.Rand

	deadline      time.Time
	deadlinePhase string
	deadlineRound int
	lastSummary   string
	ready         map[game.Slot]bool
}

func newGameSession(srv *Server, sess *game.Session) *gameSession {
	return &gameSession{
		srv:         srv,
		sess:        sess,
		clients:     map[game.Slot]*client{},
		events:      make(chan envelope, 32),
		done:        make(chan struct{}),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		lastSummary: "No previous round.",
		ready:       map[game.Slot]bool{},
	}
}

func (gs *gameSession) post(env envelope) {
	select {
	case gs.events <- env:
	case <-gs.done:
	}
}

func (gs *gameSession) schedule(d time.Duration, env envelope) {
	time.AfterFunc(d, func() { gs.post(env) })
}

func (gs *gameSession) stop() {
	gs.once.Do(func() { close(gs.done) })
}

func (gs *gameSession) run() {
	gs.schedule(preRoundDelay, envelope{kind: evBeginRound, round: 1})
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case env := <-gs.events:
			gs.handle(env)
		case now := <-ticker.C:
			gs.handleTick(now)
		case <-gs.done:
			return
		}
	}
}

func (gs *gameSession) handle(env envelope) {
	switch env.kind {
	case evBeginRound:
		gs.handleBeginRound(env)
	case evDecision:
		gs.handleDecision(env)
	case evAIDecision:
		gs.handleAIDecision(env)
	case evChat:
		gs.handleChat(env)
	case evAIChat:
		gs.handleAIChat(env)
	case evReconnect:
		gs.handleReconnect(env)
	case evDisconnect:
		gs.handleDisconnect(env)
	case evAdvance:
		gs.handleAdvance(env)
	case evReady:
		gs.handleReady(env)
	case evPurge:
		gs.purge()
	}
}

func (gs *gameSession) handleBeginRound(env envelope) {
	if env.round != gs.sess.Current.Number {
		return
	}
	if gs.sess.Status != game.StatusStarting && gs.sess.Status != game.StatusRoundResults {
		return
	}
	now := time.Now()
	gs.ready = map[game.Slot]bool{}
	gs.sess.StartRound(gs.rng, now)

	if gs.sess.Status == game.StatusRoundChat {
		gs.broadcast(ChatStarting{
			Type:        "chat-starting",
			Round:       gs.sess.Current.Number,
			DurationSec: gs.sess.Config.ChatDurationSec,
		})
		gs.setDeadline("chat", time.Duration(gs.sess.Config.ChatDurationSec)*time.Second)
		gs.spawnProactiveChat()
		return
	}
	gs.enterDecisionPhase()
}

func (gs *gameSession) enterDecisionPhase() {
	timeout := time.Duration(gs.sess.Config.DecisionTimeoutMs) * time.Millisecond
	gs.broadcast(RoundStarting{
		Type:        "round-starting",
		Round:       gs.sess.Current.Number,
		TotalRounds: gs.sess.Config.TotalRounds,
		Phase:       "decision",
		TimeoutMs:   timeout.Milliseconds(),
	})
	gs.setDeadline("decision", timeout)

	if gs.sess.Config.Mode == game.ModeSequential {
		gs.advanceSequential()
		return
	}
	if gs.aiSlot != "" {
		gs.spawnAIDecide()
	}
}

// advanceSequential reveals every decision made so far in order, then
// either prompts the next slot or finalizes. The automaton's
// pre-recorded withdrawal is revealed here like any other decision, so
// its position in the order stays indistinguishable.
func (gs *gameSession) advanceSequential() {
	cur := &gs.sess.Current
	for _, slot := range cur.Order {
		d, ok := cur.Decisions[slot]
		if !ok {
			break
		}
		if revealed(cur.Revealed, slot) {
			continue
		}
		cur.Revealed = append(cur.Revealed, slot)
		gs.broadcast(DecisionRevealed{
			Type:     "decision-revealed",
			Round:    cur.Number,
			Position: len(cur.Revealed),
			Decision: d,
		})
	}
	if len(cur.Revealed) > 0 && gs.sess.Status == game.StatusRoundDecision {
		gs.sess.Status = game.StatusRoundRevealing
	}

	next, ok := gs.sess.NextUndecidedSlot()
	if !ok {
		gs.finalize()
		return
	}
	if next == gs.aiSlot {
		gs.spawnAIDecide()
		return
	}
	send(gs.clients[next], NextPlayerTurn{
		Type:         "next-player-turn",
		Round:        cur.Number,
		PriorActions: gs.sess.PriorDecisionsMasked(),
		TimeoutMs:    gs.remainingMs(time.Now()),
	})
}

func revealed(list []game.Slot, slot game.Slot) bool {
	for _, s := range list {
		if s == slot {
			return true
		}
	}
	return false
}

func (gs *gameSession) authorize(env envelope) bool {
	want, ok := gs.sess.Tokens[env.slot]
	if !ok || env.token == "" || env.token != want || env.slot == gs.aiSlot {
		gs.srv.sendError(env.from, "unauthorized", "connection does not own that slot")
		return false
	}
	return true
}

func (gs *gameSession) handleDecision(env envelope) {
	if !gs.authorize(env) {
		return
	}
	if err := gs.sess.SubmitDecision(env.slot, env.decision, time.Now()); err != nil {
		gs.srv.sendError(env.from, wireCode(err), err.Error())
		return
	}
	gs.afterDecision()
}

func (gs *gameSession) handleAIDecision(env envelope) {
	if env.round != gs.sess.Current.Number {
		return
	}
	if gs.sess.Status != game.StatusRoundDecision && gs.sess.Status != game.StatusRoundRevealing {
		return
	}
	if _, decided := gs.sess.Current.Decisions[gs.aiSlot]; decided {
		return
	}
	if err := gs.sess.SubmitDecision(gs.aiSlot, env.decision, time.Now()); err != nil {
		log.Error().Err(err).Str("session_id", gs.sess.ID).Msg("ai decision rejected")
		return
	}
	gs.afterDecision()
}

func (gs *gameSession) afterDecision() {
	gs.broadcast(DecisionReceived{
		Type:    "decision-received",
		Round:   gs.sess.Current.Number,
		Decided: len(gs.sess.Current.Decisions),
	})
	if gs.sess.Config.Mode == game.ModeSequential {
		gs.advanceSequential()
		return
	}
	if gs.sess.AllDecided() {
		gs.finalize()
	}
}

func (gs *gameSession) spawnAIDecide() {
	v := llm.View{
		Round:       gs.sess.Current.Number,
		Mode:        gs.sess.Config.Mode,
		LastSummary: gs.lastSummary,
	}
	if gs.sess.Config.Mode == game.ModeSequential {
		v.PriorActions = gs.sess.PriorDecisionsMasked()
	}
	id := gs.sess.ID
	go func() {
		d, _ := gs.srv.agent.Decide(context.Background(), id, v)
		gs.post(envelope{kind: evAIDecision, round: v.Round, decision: d})
	}()
}

func (gs *gameSession) handleChat(env envelope) {
	if !gs.authorize(env) {
		return
	}
	msg, err := gs.sess.AppendChat(env.slot, env.text, time.Now())
	if err != nil {
		gs.srv.sendError(env.from, wireCode(err), err.Error())
		return
	}
	gs.broadcast(ChatBroadcast{
		Type:     "chat-message",
		Round:    gs.sess.Current.Number,
		Slot:     msg.Slot,
		Text:     msg.Text,
		OffsetMs: msg.OffsetMs,
	})
	if gs.aiSlot != "" {
		gs.spawnChatReply(env.text)
	}
}

func (gs *gameSession) handleAIChat(env envelope) {
	if env.round != gs.sess.Current.Number || gs.sess.Status != game.StatusRoundChat {
		return
	}
	msg, err := gs.sess.AppendChat(gs.aiSlot, env.text, time.Now())
	if err != nil {
		return
	}
	gs.broadcast(ChatBroadcast{
		Type:     "chat-message",
		Round:    gs.sess.Current.Number,
		Slot:     msg.Slot,
		Text:     msg.Text,
		OffsetMs: msg.OffsetMs,
	})
}

func (gs *gameSession) spawnChatReply(incoming string) {
	round := gs.sess.Current.Number
	transcript := append([]game.ChatMessage(nil), gs.sess.Current.ChatMessages...)
	id := gs.sess.ID
	go func() {
		reply, ok := gs.srv.agent.ChatReply(context.Background(), id, transcript, incoming)
		if ok {
			gs.post(envelope{kind: evAIChat, round: round, text: reply})
		}
	}()
}

func (gs *gameSession) spawnProactiveChat() {
	if gs.aiSlot == "" {
		return
	}
	round := gs.sess.Current.Number
	transcript := append([]game.ChatMessage(nil), gs.sess.Current.ChatMessages...)
	id := gs.sess.ID
	go func() {
		line, ok := gs.srv.agent.MaybeProactiveChat(context.Background(), id, transcript)
		if ok {
			gs.post(envelope{kind: evAIChat, round: round, text: line})
		}
	}()
}

func (gs *gameSession) handleReconnect(env envelope) {
	if err := gs.sess.Rebind(env.slot, env.token, env.from.id); err != nil {
		gs.srv.sendError(env.from, wireCode(err), err.Error())
		return
	}
	gs.clients[env.slot] = env.from
	env.from.mu.Lock()
	env.from.session = gs
	env.from.slot = env.slot
	env.from.mu.Unlock()

	log.Info().Str("session_id", gs.sess.ID).Str("slot", string(env.slot)).Msg("player reconnected")
	gs.broadcast(PlayerPresence{Type: "player-reconnected", Slot: env.slot})
	send(env.from, PlayerReconnected{
		Type:    "player-reconnected",
		Slot:    env.slot,
		Round:   gs.sess.Current.Number,
		Status:  gs.sess.Status,
		History: gs.sess.History,
	})
}

// handleDisconnect marks presence only. Timers keep running; the
// vacated slot times out to KEEP like any idle player, and the token
// lets the connection come back.
func (gs *gameSession) handleDisconnect(env envelope) {
	if gs.clients[env.slot] != env.from {
		return
	}
	delete(gs.clients, env.slot)
	if p := gs.sess.Participants[env.slot]; p != nil {
		p.Connected = false
	}
	log.Info().Str("session_id", gs.sess.ID).Str("slot", string(env.slot)).Msg("player disconnected")
	gs.broadcast(PlayerPresence{Type: "player-disconnected", Slot: env.slot})
}

func (gs *gameSession) handleTick(now time.Time) {
	if gs.deadline.IsZero() {
		return
	}
	remaining := gs.remainingMs(now)
	gs.broadcast(TimerUpdate{
		Type:        "timer-update",
		Round:       gs.deadlineRound,
		Phase:       gs.deadlinePhase,
		RemainingMs: remaining,
	})
	if remaining > 0 {
		return
	}

	phase := gs.deadlinePhase
	gs.clearDeadline()
	switch phase {
	case "chat":
		gs.broadcast(ChatEnding{Type: "chat-ending", Round: gs.sess.Current.Number})
		if err := gs.sess.BeginDecisionPhase(now); err != nil {
			return
		}
		gs.enterDecisionPhase()
	case "decision":
		gs.autoKeepAndFinalize(now)
	}
}

// autoKeepAndFinalize assigns KEEP to every undecided patient. The
// timeout default favors cooperation, unlike the AI transport fallback
// which withdraws.
func (gs *gameSession) autoKeepAndFinalize(now time.Time) {
	for {
		next, ok := gs.sess.NextUndecidedSlot()
		if !ok {
			break
		}
		if err := gs.sess.SubmitDecision(next, game.DecisionKeep, now); err != nil {
			log.Error().Err(err).Str("session_id", gs.sess.ID).Msg("timeout auto-keep failed")
			return
		}
		log.Info().Str("session_id", gs.sess.ID).Str("slot", string(next)).
			Int("round", gs.sess.Current.Number).Msg("decision timeout, auto-keep")
	}
	gs.finalize()
}

func (gs *gameSession) finalize() {
	gs.clearDeadline()
	result, err := gs.sess.FinalizeRound(gs.rng)
	if err != nil {
		log.Error().Err(err).Str("session_id", gs.sess.ID).Msg("finalize failed")
		return
	}
	gs.lastSummary = llm.RoundSummary(result)
	if gs.aiSlot != "" {
		gs.srv.agent.InformOutcome(gs.sess.ID, gs.lastSummary)
		gs.srv.agent.ResetRound(gs.sess.ID)
	}
	gs.broadcast(RoundComplete{Type: "round-complete", Result: result})
	gs.schedule(interRoundDelay, envelope{kind: evAdvance, round: result.Round})
}

// handleReady lets the humans skip the rest of the inter-round pause.
// The scheduled evAdvance still fires but finds the round moved on.
func (gs *gameSession) handleReady(env envelope) {
	if !gs.authorize(env) {
		return
	}
	if gs.sess.Status != game.StatusRoundResults {
		return
	}
	gs.ready[env.slot] = true
	for _, slot := range game.PatientSlots {
		p := gs.sess.Participants[slot]
		if p != nil && !p.IsAI && !gs.ready[slot] {
			return
		}
	}
	gs.ready = map[game.Slot]bool{}
	gs.handleAdvance(envelope{kind: evAdvance, round: gs.sess.Current.Number})
}

func (gs *gameSession) handleAdvance(env envelope) {
	if env.round != gs.sess.Current.Number || gs.sess.Status != game.StatusRoundResults {
		return
	}
	if gs.sess.AdvanceRound(time.Now()) {
		gs.handleBeginRound(envelope{kind: evBeginRound, round: gs.sess.Current.Number})
		return
	}
	gs.gameOver()
}

func (gs *gameSession) gameOver() {
	doc := gs.buildResult()
	gs.broadcast(GameOver{Type: "game-over", Result: doc})
	log.Info().Str("session_id", gs.sess.ID).Str("room", gs.sess.RoomCode).
		Int("rounds", len(gs.sess.History)).Msg("game over")

	if gs.srv.sink != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := gs.srv.sink.SaveGameResult(ctx, doc); err != nil {
				log.Error().Err(err).Str("game_id", doc.GameID).Msg("result save failed")
			}
		}()
	}
	gs.schedule(purgeDelay, envelope{kind: evPurge})
}

func (gs *gameSession) buildResult() store.GameResultDoc {
	playerTypes := make([]string, 0, 2)
	profiles := map[game.Slot]*game.Profile{}
	hasAI := false
	for _, slot := range game.PatientSlots {
		p := gs.sess.Participants[slot]
		if p.IsAI {
			playerTypes = append(playerTypes, "ai")
			profiles[slot] = p.Profile
			hasAI = true
		} else {
			playerTypes = append(playerTypes, "human")
		}
	}

	meta := store.SessionMetadata{RoomCode: gs.sess.RoomCode, PlayerProfiles: profiles}
	if hasAI {
		meta.LLMModel = gs.srv.agent.Model()
		meta.LLMResponses = gs.srv.agent.Responses(gs.sess.ID)
	}
	return store.GameResultDoc{
		GameID:             gs.sess.ID,
		RoomCode:           gs.sess.RoomCode,
		Mode:               gs.sess.Config.Mode,
		Timestamp:          gs.sess.EndedAt,
		ChatEnabled:        gs.sess.Config.ChatEnabled,
		Rounds:             gs.sess.History,
		TotalPayoffs:       gs.sess.Totals(),
		PlayerTypes:        playerTypes,
		Metadata:           meta,
		ReconnectionTokens: gs.sess.Tokens,
	}
}

func (gs *gameSession) purge() {
	gs.srv.agent.Forget(gs.sess.ID)
	gs.srv.rooms.Delete(gs.sess.RoomCode)
	gs.srv.removeSession(gs.sess.ID)
	for _, cl := range gs.clients {
		cl.mu.Lock()
		cl.session = nil
		cl.slot = ""
		cl.mu.Unlock()
	}
	log.Info().Str("session_id", gs.sess.ID).Msg("session purged")
	gs.stop()
}

func (gs *gameSession) setDeadline(phase string, d time.Duration) {
	gs.deadline = time.Now().Add(d)
	gs.deadlinePhase = phase
	gs.deadlineRound = gs.sess.Current.Number
}

func (gs *gameSession) clearDeadline() {
	gs.deadline = time.Time{}
	gs.deadlinePhase = ""
}

func (gs *gameSession) remainingMs(now time.Time) int64 {
	if gs.deadline.IsZero() {
		return 0
	}
	ms := gs.deadline.Sub(now).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

func (gs *gameSession) broadcast(msg any) {
	raw, _ := json.Marshal(msg)
	for _, cl := range gs.clients {
		safeSend(cl.send, raw)
	}
}

func wireCode(err error) string {
	switch {
	case errors.Is(err, game.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, game.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, game.ErrNotYourTurn):
		return "not_your_turn"
	case errors.Is(err, game.ErrAlreadyDecided):
		return "already_decided"
	case errors.Is(err, game.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, game.ErrValidation):
		return "validation_error"
	default:
		return "unknown_error"
	}
}
