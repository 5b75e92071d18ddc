// Package advance decides, after each generation, whether the conversation
// moves to another funnel stage.
package advance

import (
	"log/slog"

	"sales-agent/internal/domain"
)

// Fields that may be missing when the user leads with a priority intent.
var (
	softFields      = map[string]struct{}{domain.MetaRole: {}, domain.MetaCompany: {}}
	priorityIntents = map[domain.Intent]struct{}{domain.IntentSharingPain: {}, domain.IntentInterest: {}}
)

// smartJumps are unconditional overrides, defined only for the initial stage.
var smartJumps = map[domain.Stage]map[domain.Intent]domain.Stage{
	domain.StageGreeting: {
		domain.IntentPricingQuery: domain.StageQualification,
		domain.IntentAffirmation:  domain.StageQualification,
		domain.IntentSharingPain:  domain.StageProblem,
	},
}

// Input is the state the evaluator reads. Metadata must already include the
// facts extracted this turn.
type Input struct {
	Stage    domain.Stage
	Metadata domain.Metadata
	Analysis domain.Analysis
}

// Decision is the evaluator's verdict.
type Decision struct {
	From domain.Stage
	// To equals From when the stage does not change.
	To domain.Stage
	// Advance is true when To differs from From.
	Advance bool
	// SmartJump is set when To came from an explicit override.
	SmartJump bool
	// LockSession is set when a terminal stage confirmed the meeting.
	LockSession bool

	IntentBlocked bool
	Missing       []string
	SoftSkipped   []string
}

type Evaluator struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger}
}

// Evaluate applies the advancement rules to one turn.
func (e *Evaluator) Evaluate(in Input) Decision {
	d := Decision{From: in.Stage, To: in.Stage}
	a := in.Analysis

	if in.Stage.IsTerminal() {
		if in.Metadata.Populated(domain.MetaMeetingLocked) && !in.Metadata.Bool(domain.MetaSessionLocked) {
			d.LockSession = true
			e.logger.Info("advance: meeting locked, locking session", "stage", in.Stage)
		}
		return d
	}

	shouldAdvance := a.RecommendedAction == domain.ActionAdvance
	if shouldAdvance && !domain.IsAdvanceIntent(in.Stage, a.Intent) {
		shouldAdvance = false
		d.IntentBlocked = true
		e.logger.Info("advance: intent not allowed to advance", "stage", in.Stage, "intent", a.Intent)
	}

	_, priority := priorityIntents[a.Intent]
	for _, field := range domain.ExitConditions(in.Stage) {
		if in.Metadata.Populated(field) {
			continue
		}
		if _, soft := softFields[field]; soft && priority {
			d.SoftSkipped = append(d.SoftSkipped, field)
			continue
		}
		d.Missing = append(d.Missing, field)
		shouldAdvance = false
	}
	if len(d.SoftSkipped) > 0 {
		e.logger.Debug("advance: soft fields skipped", "stage", in.Stage, "intent", a.Intent, "fields", d.SoftSkipped)
	}
	if len(d.Missing) > 0 {
		e.logger.Info("advance: exit conditions missing", "stage", in.Stage, "fields", d.Missing)
	}

	target, jump := smartJumps[in.Stage][a.Intent]
	if jump && !domain.CanTransition(in.Stage, target) {
		jump = false
	}

	switch {
	case jump:
		d.To, d.SmartJump = target, true
		e.logger.Info("advance: smart jump", "from", in.Stage, "to", target, "intent", a.Intent)
	case shouldAdvance:
		next, ok := domain.NextStage(in.Stage)
		if !ok {
			return d
		}
		d.To = next
	default:
		e.logger.Debug("advance: staying", "stage", in.Stage, "intent", a.Intent)
		return d
	}
	d.Advance = d.To != d.From
	return d
}
