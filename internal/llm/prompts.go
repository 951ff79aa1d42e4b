package llm

import (
	"fmt"
	"strings"

	"bankrun-lab/internal/game"
)

const systemPrompt = `You are a participant in an experimental economics study run on Prolific.
You are one of three depositors in a small bank. One is an impatient automaton that ALWAYS WITHDRAWS; the other two depositors are human-like agents (you and another participant).

The game repeats for multiple rounds. In each round, choose one action:
- KEEP
- WITHDRAW

Payoffs each round:
- If BOTH patient participants choose KEEP, they both receive SUCCESS_PAY ECUs each, and the impatient automaton receives WITHDRAW_PAY ECUs.
- Otherwise (if at least one participant WITHDRAWS), payments are assigned by the withdrawal sequence: the first two WITHDRAWERS receive WITHDRAW_PAY ECUs each; anyone else receives FAILURE_PAY ECUs.

Important: Reply with your action on the FIRST line as exactly one word: KEEP or WITHDRAW.
Optionally, include a brief reason on later lines, but the first line must be just the action.`

const correctivePrompt = `Your previous reply did not start with a single word action. Please answer again with ONLY one word on the first line: KEEP or WITHDRAW.`

const chatSilentSentinel = "[SILENT]"

func roleplayPrompt(profile game.Profile, partnerType string, pay game.Payoffs) string {
	return fmt.Sprintf(`You must roleplay consistently for the entire session.
Your persona:
- Gender: %s
- Age band (years): %s
- Education: %s
- Self-reported trust in institutions (0-10): %d

The other participant you are playing with is described to you as: %s.

Payoff parameters for this session:
- SUCCESS (both KEEP): %d ECUs for each patient participant; automaton receives %d ECUs.
- WITHDRAW payoff (if within first two withdrawers): %d ECUs.
- FAILURE payoff (everyone else): %d ECUs.

Important: Use ONLY 'KEEP' or 'WITHDRAW' as your first-line action.
Stay in character across all rounds.`,
		profile.Gender, profile.AgeBand, profile.Education, profile.InstitutionalTrust,
		partnerType,
		pay.Success, pay.Withdraw, pay.Withdraw, pay.Failure)
}

func simultaneousPrompt(round int, lastSummary string) string {
	return fmt.Sprintf(`Round %d context:
- Last round summary: %s
- Remember: the impatient automaton ALWAYS chooses WITHDRAW.
- Please answer with your action on the first line only: KEEP or WITHDRAW.`, round, lastSummary)
}

func sequentialPrompt(round int, lastSummary string, prior []game.Decision) string {
	priorStr := "None"
	if len(prior) > 0 {
		parts := make([]string, len(prior))
		for i, d := range prior {
			parts[i] = string(d)
		}
		priorStr = strings.Join(parts, " | ")
	}
	return fmt.Sprintf(`Round %d – SEQUENTIAL – context:
- Last round summary: %s
- Decision queue this round is secret to participants, but you are deciding now given the following information about prior moves this round (order masked, no identities):
  Prior actions so far: %s
- Remember: exactly one automaton exists and it ALWAYS chooses WITHDRAW (you are NOT told if it already moved).
- Reply with ONLY one word on the first line: KEEP or WITHDRAW.`, round, lastSummary, priorStr)
}

func chatPrompt(transcript []game.ChatMessage, incoming string) string {
	var b strings.Builder
	b.WriteString("You are now in the short pre-decision chat with the other participant.\n")
	if len(transcript) > 0 {
		b.WriteString("Chat so far:\n")
		for _, m := range transcript {
			b.WriteString(fmt.Sprintf("- %s: %s\n", m.Slot, m.Text))
		}
	}
	if incoming != "" {
		b.WriteString(fmt.Sprintf("The other participant just said: %q\n", incoming))
		b.WriteString("Write a short, natural, in-persona reply (one or two sentences).\n")
	} else {
		b.WriteString("If you want, send one short, natural, in-persona message to the other participant.\n")
	}
	b.WriteString(fmt.Sprintf("If you prefer not to say anything, reply exactly %s.", chatSilentSentinel))
	return b.String()
}

// RoundSummary renders a completed round the way it is reported back
// to the agent before the next decision.
func RoundSummary(r game.RoundResult) string {
	order := make([]string, len(r.DecisionOrder))
	for i, slot := range r.DecisionOrder {
		order[i] = string(slot)
	}
	return fmt.Sprintf("Round %d: Player1 chose %s, Player2 chose %s, Auto chose WITHDRAW. Withdrawal queue: %s. Payoffs => Player1:%d, Player2:%d, Auto:%d.",
		r.Round,
		r.Decisions[game.SlotPatient1], r.Decisions[game.SlotPatient2],
		strings.Join(order, "|"),
		r.Payoffs[game.SlotPatient1], r.Payoffs[game.SlotPatient2], r.Payoffs[game.SlotAutomaton])
}
