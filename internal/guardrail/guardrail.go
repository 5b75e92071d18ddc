// Package guardrail decides, before each generation, which corrective
// instructions the prompt needs: stall nudges, greeting-loop interrupts and
// recovery from replies that raced ahead of the user's real input.
package guardrail

import (
	"log/slog"
	"strings"

	"sales-agent/internal/domain"
)

const (
	// A nudge fires while stallWindowStart < turnsInStage <= maxNudgeTurns.
	stallWindowStart = 2
	maxNudgeTurns    = 4
	// loopThreshold is the greeting-loop count that must be exceeded before the
	// pattern interrupt fires.
	loopThreshold = 3
	// shortInputLen is the longest normalized input still eligible to be a
	// generic greeting.
	shortInputLen = 16
)

var greetingTokens = map[string]struct{}{
	"hi":             {},
	"hii":            {},
	"hello":          {},
	"hey":            {},
	"heya":           {},
	"hiya":           {},
	"yo":             {},
	"sup":            {},
	"howdy":          {},
	"hi there":       {},
	"hey there":      {},
	"hello there":    {},
	"good morning":   {},
	"good afternoon": {},
	"good evening":   {},
	"greetings":      {},
}

// Input is what the engine inspects for one turn. History must already
// contain the current user message as its last entry.
type Input struct {
	Stage             domain.Stage
	TurnsInStage      int
	UserText          string
	GreetingLoopCount int
	History           []domain.Message
}

// Decision is the outcome of one evaluation.
type Decision struct {
	// Substantive is true when the input carries content beyond a greeting.
	Substantive bool
	// GreetingLoopCount is the counter value to persist for this turn.
	GreetingLoopCount int
	Nudge             bool
	// NudgeCapped is set once the stall window has been exhausted.
	NudgeCapped        bool
	LoopBreak          bool
	PerceptualRecovery bool
}

// Engine evaluates guardrails. The zero value is not usable; call New.
type Engine struct {
	logger *slog.Logger
}

// New returns an Engine that logs its decisions to logger.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Evaluate applies every guardrail to in.
func (e *Engine) Evaluate(in Input) Decision {
	generic := IsGenericGreeting(in.UserText)
	d := Decision{Substantive: !generic}

	if generic {
		d.GreetingLoopCount = in.GreetingLoopCount + 1
	}

	if generic && d.GreetingLoopCount > loopThreshold {
		d.LoopBreak = true
		e.logger.Info("guardrail: greeting loop detected", "stage", in.Stage, "loop_count", d.GreetingLoopCount)
	}

	if d.Substantive && previousReplyWasGreeting(in.History) {
		d.PerceptualRecovery = true
		e.logger.Info("guardrail: substantive input after bare greeting reply", "stage", in.Stage)
	}

	if in.Stage.IsTerminal() {
		return d
	}
	switch {
	case in.TurnsInStage > maxNudgeTurns:
		d.NudgeCapped = true
		e.logger.Debug("guardrail: max nudges reached", "stage", in.Stage, "turns", in.TurnsInStage)
	case in.TurnsInStage > stallWindowStart && !d.Substantive:
		d.Nudge = true
		e.logger.Info("guardrail: stalling, nudging", "stage", in.Stage, "turns", in.TurnsInStage)
	}
	return d
}

// IsGenericGreeting reports whether text is nothing but a stock greeting.
func IsGenericGreeting(text string) bool {
	norm := normalize(text)
	if norm == "" || len(norm) > shortInputLen {
		return false
	}
	_, ok := greetingTokens[norm]
	return ok
}

func normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.TrimRight(s, "?!.,;: ")
	return strings.Join(strings.Fields(s), " ")
}

// previousReplyWasGreeting looks at the message right before the current
// user input.
func previousReplyWasGreeting(history []domain.Message) bool {
	if len(history) < 2 {
		return false
	}
	prev := history[len(history)-2]
	return prev.Role == domain.RoleAssistant && IsGenericGreeting(prev.Text)
}
