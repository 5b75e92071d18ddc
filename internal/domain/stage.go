package domain

import (
	"fmt"
	"strings"
)

// Stage is one node of the sales funnel.
type Stage string

const (
	StageGreeting      Stage = "greeting"
	StageQualification Stage = "qualification"
	StageProblem       Stage = "problem"
	StageSolution      Stage = "solution"
	StageObjection     Stage = "objection"
	StageClosing       Stage = "closing"
)

// InitialStage is the stage every new session starts in.
const InitialStage = StageGreeting

var stageOrder = []Stage{
	StageGreeting,
	StageQualification,
	StageProblem,
	StageSolution,
	StageObjection,
	StageClosing,
}

// transitions lists the outgoing edges of each stage. The first edge is the
// default successor; the rest are only reachable through an explicit target.
var transitions = map[Stage][]Stage{
	StageGreeting:      {StageQualification, StageProblem},
	StageQualification: {StageProblem},
	StageProblem:       {StageSolution},
	StageSolution:      {StageObjection, StageClosing},
	StageObjection:     {StageClosing},
	StageClosing:       nil,
}

var exitConditions = map[Stage][]string{
	StageGreeting:      nil,
	StageQualification: {MetaRole, MetaCompany},
	StageProblem:       {MetaRole, MetaCompany, MetaPainPoints},
	StageSolution:      {MetaValueAccepted},
	StageObjection:     {MetaConcernsAddressed},
	StageClosing:       nil,
}

var allowedAdvanceIntents = map[Stage]map[Intent]struct{}{
	StageGreeting: intentSet(
		IntentGreeting, IntentAffirmation, IntentProvidingInfo, IntentSharingPain,
		IntentInterest, IntentPricingQuery, IntentCuriosity,
	),
	StageQualification: intentSet(IntentProvidingInfo, IntentSharingPain, IntentAffirmation, IntentInterest),
	StageProblem:       intentSet(IntentSharingPain, IntentProvidingInfo, IntentAffirmation, IntentInterest),
	StageSolution:      intentSet(IntentInterest, IntentAffirmation, IntentPricingQuery, IntentObjection),
	StageObjection:     intentSet(IntentAffirmation, IntentInterest, IntentClarification),
	StageClosing:       intentSet(),
}

func intentSet(intents ...Intent) map[Intent]struct{} {
	set := make(map[Intent]struct{}, len(intents))
	for _, i := range intents {
		set[i] = struct{}{}
	}
	return set
}

// Stages returns every stage in funnel order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// ParseStage converts an external string into a Stage. Unknown values are an
// error: a bad stage string means persisted state is corrupt.
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.TrimSpace(s))
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("domain: invalid stage %q", s)
	}
	return st, nil
}

func (s Stage) String() string { return string(s) }

// IsTerminal reports whether the stage has no outgoing edges.
func (s Stage) IsTerminal() bool {
	edges, ok := transitions[s]
	return ok && len(edges) == 0
}

// ExitConditions returns the metadata keys that must be populated before the
// stage can be left through its default transition.
func ExitConditions(s Stage) []string {
	keys := exitConditions[s]
	out := make([]string, len(keys))
	copy(out, keys)
	return out
}

// AllowedAdvanceIntents returns the intents permitted to trigger advancement.
func AllowedAdvanceIntents(s Stage) map[Intent]struct{} {
	out := make(map[Intent]struct{}, len(allowedAdvanceIntents[s]))
	for k := range allowedAdvanceIntents[s] {
		out[k] = struct{}{}
	}
	return out
}

// IsAdvanceIntent reports whether intent may advance stage s.
func IsAdvanceIntent(s Stage, intent Intent) bool {
	_, ok := allowedAdvanceIntents[s][intent]
	return ok
}

// NextStage returns the default successor of s, or false when s is terminal.
func NextStage(s Stage) (Stage, bool) {
	edges := transitions[s]
	if len(edges) == 0 {
		return "", false
	}
	return edges[0], true
}

// CanTransition reports whether to is a direct successor of from.
func CanTransition(from, to Stage) bool {
	for _, e := range transitions[from] {
		if e == to {
			return true
		}
	}
	return false
}
