package game

import (
	"fmt"
	"math/rand"
	"strings"
)

// Resolution is the outcome of one round's payoff computation.
type Resolution struct {
	Payoffs  map[Slot]int
	PaidWhen map[Slot]PaidWhen
	SeqTrace string
}

// BankRun reports whether at least one patient withdrew.
func BankRun(decisions map[Slot]Decision) bool {
	return decisions[SlotPatient1] == DecisionWithdraw || decisions[SlotPatient2] == DecisionWithdraw
}

// ResolveSimultaneous computes payoffs for a simultaneous round.
//
// If both patients kept, they are paid Success and the automaton is
// paid Withdraw (it is never part of a success outcome). Otherwise a
// fresh random permutation of the three slots decides withdrawal
// priority: the first two withdrawers encountered are paid Withdraw,
// everyone else Failure.
func ResolveSimultaneous(decisions map[Slot]Decision, pay Payoffs, rng *rand.Rand) Resolution {
	if decisions[SlotPatient1] == DecisionKeep && decisions[SlotPatient2] == DecisionKeep {
		return Resolution{Payoffs: map[Slot]int{
			SlotPatient1:  pay.Success,
			SlotPatient2:  pay.Success,
			SlotAutomaton: pay.Withdraw,
		}}
	}

	payoffs := map[Slot]int{
		SlotPatient1:  pay.Failure,
		SlotPatient2:  pay.Failure,
		SlotAutomaton: pay.Failure,
	}
	paid := 0
	for _, slot := range ShuffledSlots(rng) {
		if decisions[slot] != DecisionWithdraw {
			continue
		}
		if paid < 2 {
			payoffs[slot] = pay.Withdraw
			paid++
		} else {
			payoffs[slot] = pay.Failure
		}
	}
	return Resolution{Payoffs: payoffs}
}

// ResolveSequential computes payoffs for a sequential round.
//
// Withdrawers are paid as they act: Withdraw while the running
// withdrawal count is at most two, Failure beyond that. KEEP slots are
// deferred until the walk finishes; they resolve to Success only when
// both patients kept, and Failure otherwise.
func ResolveSequential(decisions map[Slot]Decision, order []Slot, pay Payoffs) Resolution {
	payoffs := map[Slot]int{
		SlotPatient1:  pay.Failure,
		SlotPatient2:  pay.Failure,
		SlotAutomaton: pay.Failure,
	}
	paidWhen := map[Slot]PaidWhen{
		SlotPatient1:  PaidDeferred,
		SlotPatient2:  PaidDeferred,
		SlotAutomaton: PaidDeferred,
	}

	trace := make([]string, 0, len(order))
	withdrawals := 0
	for _, slot := range order {
		if decisions[slot] == DecisionWithdraw {
			withdrawals++
			amount := pay.Withdraw
			if withdrawals > 2 {
				amount = pay.Failure
			}
			payoffs[slot] = amount
			paidWhen[slot] = PaidImmediate
			trace = append(trace, fmt.Sprintf("%s:WITHDRAW=>%d (immediate)", slot, amount))
			continue
		}
		trace = append(trace, fmt.Sprintf("%s:KEEP (deferred)", slot))
	}

	if decisions[SlotPatient1] == DecisionKeep && decisions[SlotPatient2] == DecisionKeep {
		payoffs[SlotPatient1] = pay.Success
		payoffs[SlotPatient2] = pay.Success
	} else {
		for _, slot := range PatientSlots {
			if paidWhen[slot] == PaidDeferred {
				payoffs[slot] = pay.Failure
			}
		}
	}

	return Resolution{
		Payoffs:  payoffs,
		PaidWhen: paidWhen,
		SeqTrace: strings.Join(trace, " → "),
	}
}

// ShuffledSlots returns a fresh Fisher-Yates permutation of the three
// slots. A nil rng falls back to the global source.
func ShuffledSlots(rng *rand.Rand) []Slot {
	order := []Slot{SlotPatient1, SlotPatient2, SlotAutomaton}
	swap := func(i, j int) { order[i], order[j] = order[j], order[i] }
	if rng != nil {
		rng.Shuffle(len(order), swap)
	} else {
		rand.Shuffle(len(order), swap)
	}
	return order
}
