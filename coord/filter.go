package coord

import (
	"fmt"
	"math"
	"strings"
)

// FilterThresholds holds the tunable constants of the routing rules
// (spec §4.5). Zero-value FilterThresholds are invalid; use
// DefaultFilterThresholds().
type FilterThresholds struct {
	Gap     float64
	Overlap float64
	High    float64
	Low     float64
	Synth   float64
	Epsilon float64
}

// DefaultFilterThresholds returns the configuration-surface defaults from
// spec §6.
func DefaultFilterThresholds() FilterThresholds {
	return FilterThresholds{
		Gap:     0.3,
		Overlap: 0.5,
		High:    0.5,
		Low:     0.3,
		Synth:   0.7,
		Epsilon: 0.01,
	}
}

// Filter is the pure, deterministic routing function of spec §4.5. It
// reads no register state, no timers, no I/O: given the same four inputs
// any two peers compute the same FilterResult (FilterDeterminism,
// PeerAgreement in spec §8).
func Filter(myProposal, otherProposal MicroProposal, myName, otherName string, th FilterThresholds) FilterResult {
	sim := angleSimilarity(myProposal, otherProposal)
	delta := myProposal.Confidence - otherProposal.Confidence

	winner, runnerUp := pickWinner(myProposal, otherProposal, myName, otherName, th.Epsilon)

	proposals := map[string]MicroProposal{
		myName:    myProposal,
		otherName: otherProposal,
	}

	var mode Mode
	var reason string

	switch {
	case math.Abs(delta) > th.Gap:
		mode = ModeSolo
		reason = fmt.Sprintf("confidence gap %.2f > %.2f: %s leads", math.Abs(delta), th.Gap, winner)

	case myProposal.Confidence > th.High && otherProposal.Confidence > th.High && sim < th.Overlap:
		mode = ModeParallel
		reason = fmt.Sprintf("both confident (>%.2f) and angles diverge (sim=%.2f < %.2f)", th.High, sim, th.Overlap)

	case myProposal.Confidence > th.Synth && otherProposal.Confidence > th.Synth &&
		sim >= th.Overlap && (myProposal.BuildsOnOther || otherProposal.BuildsOnOther):
		mode = ModeSynthesis
		reason = fmt.Sprintf("both highly confident (>%.2f), overlapping (sim=%.2f >= %.2f), builds_on_other set", th.Synth, sim, th.Overlap)

	case myProposal.Confidence > th.High && otherProposal.Confidence > th.High && sim >= th.Overlap:
		mode = ModeSolo
		reason = fmt.Sprintf("both confident (>%.2f) but overlapping (sim=%.2f >= %.2f): %s leads", th.High, sim, th.Overlap, winner)

	case myProposal.Confidence < th.Low && otherProposal.Confidence < th.Low:
		mode = ModeSolo
		reason = fmt.Sprintf("both low confidence (<%.2f): %s leads by default", th.Low, winner)

	default:
		mode = ModeSolo
		reason = fmt.Sprintf("default: %s leads", winner)
	}

	result := FilterResult{
		Mode:      mode,
		Winner:    winner,
		Reason:    reason,
		Proposals: proposals,
	}
	if mode != ModeParallel {
		result.RunnerUp = runnerUp
	}
	return result
}

// pickWinner selects by higher confidence, breaking ties (|Δ| < epsilon)
// lexicographically on name (lower wins), per spec §4.5 TieBreak.
func pickWinner(a, b MicroProposal, nameA, nameB string, epsilon float64) (winner, runnerUp string) {
	delta := a.Confidence - b.Confidence
	if math.Abs(delta) < epsilon {
		if compareNames(nameA, nameB) <= 0 {
			return nameA, nameB
		}
		return nameB, nameA
	}
	if delta > 0 {
		return nameA, nameB
	}
	return nameB, nameA
}

// compareNames implements the lexicographic tiebreak comparator used by
// the Filter's pickWinner: negative if a < b, 0 if equal, positive if
// a > b. The Dispatch Holder's defer-backstop path does not use it; a
// fired defer backstop dispatches without comparing names.
func compareNames(a, b string) int {
	return strings.Compare(a, b)
}

// angleSimilarity computes Jaccard similarity over tokens of length > 2 in
// "angle + covers", lowercased and whitespace-split, per spec §4.5.
func angleSimilarity(a, b MicroProposal) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	union := make(map[string]struct{}, len(setA)+len(setB))
	for t := range setA {
		union[t] = struct{}{}
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	for t := range setB {
		union[t] = struct{}{}
	}
	return float64(intersection) / float64(len(union))
}

func tokenSet(p MicroProposal) map[string]struct{} {
	text := p.Angle
	if len(p.Covers) > 0 {
		text += " " + strings.Join(p.Covers, " ")
	}
	text = strings.ToLower(text)

	set := make(map[string]struct{})
	for _, tok := range strings.Fields(text) {
		if len(tok) > 2 {
			set[tok] = struct{}{}
		}
	}
	return set
}
