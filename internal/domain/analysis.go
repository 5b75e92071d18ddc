package domain

// Intent is the generator's classification of the latest user input.
type Intent string

const (
	IntentGreeting      Intent = "greeting"
	IntentProvidingInfo Intent = "providing_info"
	IntentSharingPain   Intent = "sharing_pain"
	IntentInterest      Intent = "interest"
	IntentAffirmation   Intent = "affirmation"
	IntentObjection     Intent = "objection"
	IntentClarification Intent = "clarification"
	IntentPricingQuery  Intent = "pricing_query"
	IntentCuriosity     Intent = "curiosity"
	IntentEvasion       Intent = "evasion"
	IntentOther         Intent = "other"
)

var knownIntents = intentSet(
	IntentGreeting, IntentProvidingInfo, IntentSharingPain, IntentInterest, IntentAffirmation,
	IntentObjection, IntentClarification, IntentPricingQuery, IntentCuriosity, IntentEvasion, IntentOther,
)

// Valid reports whether i belongs to the closed intent vocabulary.
func (i Intent) Valid() bool {
	_, ok := knownIntents[i]
	return ok
}

// Action is the generator's recommendation for the funnel.
type Action string

const (
	ActionStay    Action = "stay"
	ActionAdvance Action = "advance"
)

// ExtractedInfo holds the facts pulled out of one exchange. Nil means "not
// mentioned this turn", which never clears a previously stored value.
type ExtractedInfo struct {
	Role              *string `json:"role"`
	Company           *string `json:"company"`
	PainPoints        *string `json:"pain_points"`
	ValueAccepted     *bool   `json:"value_accepted"`
	ConcernsAddressed *bool   `json:"concerns_addressed"`
	MeetingIntent     *bool   `json:"meeting_intent"`
	MeetingLocked     *bool   `json:"meeting_locked"`
}

// Fields returns the non-nil facts keyed by their metadata key.
func (e ExtractedInfo) Fields() map[string]any {
	out := make(map[string]any)
	setStr := func(key string, v *string) {
		if v != nil {
			out[key] = *v
		}
	}
	setBool := func(key string, v *bool) {
		if v != nil {
			out[key] = *v
		}
	}
	setStr(MetaRole, e.Role)
	setStr(MetaCompany, e.Company)
	setStr(MetaPainPoints, e.PainPoints)
	setBool(MetaValueAccepted, e.ValueAccepted)
	setBool(MetaConcernsAddressed, e.ConcernsAddressed)
	setBool(MetaMeetingIntent, e.MeetingIntent)
	setBool(MetaMeetingLocked, e.MeetingLocked)
	return out
}

// Analysis is the structured block the generator appends to every reply.
type Analysis struct {
	Intent            Intent        `json:"intent"`
	ExtractedInfo     ExtractedInfo `json:"extracted_info"`
	IsVague           bool          `json:"is_vague"`
	RecommendedAction Action        `json:"recommended_action"`
}

// DefaultAnalysis is used whenever the generator's block is missing or invalid.
func DefaultAnalysis() Analysis {
	return Analysis{Intent: IntentOther, RecommendedAction: ActionStay}
}
