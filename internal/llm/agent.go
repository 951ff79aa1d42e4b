package llm

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"bankrun-lab/internal/game"
)

const (
	decideAttempts       = 3
	maxProactivePerRound = 3
	proactiveProbability = 0.35
	maxChatRunes         = 500
)

// View is the session context a decision prompt is built from.
type View struct {
	Round       int
	Mode        game.Mode
	LastSummary string
	// PriorActions is the masked prior-decision list, sequential only.
	PriorActions []game.Decision
}

// Agent produces decisions and chat lines for AI-controlled patient
// slots. One Agent serves all sessions; per-session conversation
// context lives in histories and is append-only.
type Agent struct {
	client  Client
	limiter *Limiter
	model   string

	// sleep is swapped out in tests to skip real backoff delays.
	sleep func(time.Duration)

	mu        sync.Mutex
	histories map[string][]Message
	responses map[string][]string
	proactive map[string]int
}

func NewAgent(client Client, limiter *Limiter, model string) *Agent {
	if limiter == nil {
		limiter = DefaultLimiter()
	}
	return &Agent{
		client:    client,
		limiter:   limiter,
		model:     model,
		sleep:     time.Sleep,
		histories: map[string][]Message{},
		responses: map[string][]string{},
		proactive: map[string]int{},
	}
}

// Model reports the completion model identifier, recorded in the
// persisted result document.
func (a *Agent) Model() string {
	return a.model
}

// InitProfile seeds a session's conversation with the system prompt
// and the persona roleplay instructions.
func (a *Agent) InitProfile(sessionID string, profile game.Profile, partnerType string, pay game.Payoffs) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.histories[sessionID] = []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: roleplayPrompt(profile, partnerType, pay)},
	}
	log.Info().Str("session_id", sessionID).Msg("llm profile initialized")
}

// Decide returns the agent's action for the round. It never fails:
// after three attempts (corrective reprompt on unparseable output,
// exponential backoff on transport errors) it falls back to WITHDRAW
// and records that as the agent's turn so the round can finalize.
func (a *Agent) Decide(ctx context.Context, sessionID string, v View) (game.Decision, string) {
	prompt := simultaneousPrompt(v.Round, v.LastSummary)
	if v.Mode == game.ModeSequential {
		prompt = sequentialPrompt(v.Round, v.LastSummary, v.PriorActions)
	}
	a.appendTurn(sessionID, Message{Role: "user", Content: prompt})

	if err := a.limiter.Acquire(ctx); err != nil {
		return a.fallback(sessionID, v.Round)
	}
	defer a.limiter.Release()

	for attempt := 0; attempt < decideAttempts; attempt++ {
		raw, err := a.client.Complete(ctx, a.snapshot(sessionID))
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Int("attempt", attempt+1).Msg("llm call failed")
			if ctx.Err() != nil {
				break
			}
			if attempt < decideAttempts-1 {
				a.sleep(time.Duration(1<<attempt) * time.Second)
			}
			continue
		}

		decision, ok := ParseDecision(raw)
		if !ok {
			log.Warn().Str("session_id", sessionID).Int("attempt", attempt+1).Msg("llm reply unparseable, reprompting")
			a.appendTurn(sessionID, Message{Role: "user", Content: correctivePrompt})
			continue
		}

		a.appendTurn(sessionID, Message{Role: "assistant", Content: raw})
		a.recordResponse(sessionID, raw)
		log.Info().Str("session_id", sessionID).Int("round", v.Round).Str("decision", string(decision)).Msg("llm decided")
		return decision, raw
	}

	return a.fallback(sessionID, v.Round)
}

// fallback is the impatience default when the backend is unusable.
func (a *Agent) fallback(sessionID string, round int) (game.Decision, string) {
	raw := string(game.DecisionWithdraw)
	a.appendTurn(sessionID, Message{Role: "assistant", Content: raw})
	a.recordResponse(sessionID, raw)
	log.Error().Str("session_id", sessionID).Int("round", round).Msg("llm exhausted retries, defaulting to WITHDRAW")
	return game.DecisionWithdraw, raw
}

// InformOutcome appends a round summary to the session context so
// later prompts can reference it.
func (a *Agent) InformOutcome(sessionID, outcome string) {
	a.appendTurn(sessionID, Message{Role: "user", Content: outcome})
}

// ChatReply asks for a short in-persona chat line, optionally reacting
// to a specific incoming message. All failures are silent no-ops: chat
// must never block the decision pipeline.
func (a *Agent) ChatReply(ctx context.Context, sessionID string, transcript []game.ChatMessage, incoming string) (string, bool) {
	if err := a.limiter.Acquire(ctx); err != nil {
		return "", false
	}
	defer a.limiter.Release()

	prompt := chatPrompt(transcript, incoming)
	messages := append(a.snapshot(sessionID), Message{Role: "user", Content: prompt})
	raw, err := a.client.Complete(ctx, messages)
	if err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("llm chat call failed, staying silent")
		return "", false
	}

	line := sanitizeChatLine(raw)
	if line == "" {
		return "", false
	}
	a.appendTurn(sessionID, Message{Role: "user", Content: prompt})
	a.appendTurn(sessionID, Message{Role: "assistant", Content: line})
	return line, true
}

// MaybeProactiveChat generates an unprompted chat line with bounded
// probability, capped per round so the agent cannot dominate the
// conversation.
func (a *Agent) MaybeProactiveChat(ctx context.Context, sessionID string, transcript []game.ChatMessage) (string, bool) {
	a.mu.Lock()
	if a.proactive[sessionID] >= maxProactivePerRound || rand.Float64() >= proactiveProbability {
		a.mu.Unlock()
		return "", false
	}
	a.proactive[sessionID]++
	a.mu.Unlock()

	return a.ChatReply(ctx, sessionID, transcript, "")
}

// ResetRound clears the per-round proactive-chat budget.
func (a *Agent) ResetRound(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.proactive[sessionID] = 0
}

// Responses returns the raw decision replies collected for the
// persisted result document.
func (a *Agent) Responses(sessionID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.responses[sessionID]...)
}

// Forget drops all per-session state.
func (a *Agent) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.histories, sessionID)
	delete(a.responses, sessionID)
	delete(a.proactive, sessionID)
}

func (a *Agent) appendTurn(sessionID string, msg Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.histories[sessionID]; !ok {
		a.histories[sessionID] = []Message{{Role: "system", Content: systemPrompt}}
	}
	a.histories[sessionID] = append(a.histories[sessionID], msg)
}

func (a *Agent) recordResponse(sessionID, raw string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses[sessionID] = append(a.responses[sessionID], raw)
}

func (a *Agent) snapshot(sessionID string) []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Message(nil), a.histories[sessionID]...)
}

// ParseDecision extracts KEEP or WITHDRAW from a completion. The
// first non-empty line wins; the whole text is the fallback. Models
// occasionally answer in Spanish, so MANTENER counts as KEEP.
func ParseDecision(text string) (game.Decision, bool) {
	var firstLine string
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		if strings.TrimSpace(line) != "" {
			firstLine = strings.ToUpper(strings.TrimSpace(line))
			break
		}
	}
	if firstLine == "" {
		return "", false
	}
	if strings.Contains(firstLine, "WITHDRAW") {
		return game.DecisionWithdraw, true
	}
	if strings.Contains(firstLine, "KEEP") || strings.Contains(firstLine, "MANTENER") {
		return game.DecisionKeep, true
	}

	full := strings.ToUpper(text)
	if strings.Contains(full, "WITHDRAW") {
		return game.DecisionWithdraw, true
	}
	if strings.Contains(full, "KEEP") || strings.Contains(full, "MANTENER") {
		return game.DecisionKeep, true
	}
	return "", false
}

func sanitizeChatLine(raw string) string {
	line := strings.TrimSpace(raw)
	if line == "" || strings.Contains(strings.ToUpper(line), chatSilentSentinel) {
		return ""
	}
	line = strings.Trim(line, `"`)
	if runes := []rune(line); len(runes) > maxChatRunes {
		line = string(runes[:maxChatRunes])
	}
	return line
}
