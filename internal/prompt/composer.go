// Package prompt builds the instruction context sent to the generator each
// turn. The system prompt is an ordered list of named layers; guardrail
// directives follow the conversation history as separate system messages.
package prompt

import (
	"fmt"
	"strings"

	"sales-agent/internal/domain"
	"sales-agent/internal/stream"
)

// Layer names one section of the system prompt.
type Layer string

const (
	LayerContract        Layer = "deterministic_contract"
	LayerPersona         Layer = "persona"
	LayerUserContext     Layer = "user_context"
	LayerStageGoal       Layer = "stage_goal"
	LayerSemanticLock    Layer = "semantic_lock"
	LayerPricingGate     Layer = "pricing_gate"
	LayerStallNudge      Layer = "stall_nudge"
	LayerClosingFinality Layer = "closing_finality"
	LayerBehavior        Layer = "behavior"
	LayerOutputChannel   Layer = "output_channel"
)

// Context is everything the composer reads. It is built from the session
// snapshot and the guardrail decision for the current turn.
type Context struct {
	Stage           domain.Stage
	DisplayName     string
	PersonaOverride string

	Role       string
	Company    string
	PainPoints string

	ValuePresented bool
	SessionLocked  bool

	Nudge              bool
	LoopBreak          bool
	PerceptualRecovery bool
}

// ContextFromSession fills the session-derived fields of a Context.
func ContextFromSession(s domain.Session) Context {
	return Context{
		Stage:           s.Stage,
		DisplayName:     s.Metadata.String(domain.MetaDisplayName),
		PersonaOverride: s.Metadata.String(domain.MetaPersonaOverride),
		Role:            s.Metadata.String(domain.MetaRole),
		Company:         s.Metadata.String(domain.MetaCompany),
		PainPoints:      s.Metadata.String(domain.MetaPainPoints),
		ValuePresented:  s.Metadata.Bool(domain.MetaValuePresented),
		SessionLocked:   s.Metadata.Bool(domain.MetaSessionLocked),
	}
}

type layer struct {
	name   Layer
	render func(Context) string
}

// Order matters: later layers refine earlier ones.
var layers = []layer{
	{LayerContract, contractLayer},
	{LayerPersona, personaLayer},
	{LayerUserContext, userContextLayer},
	{LayerStageGoal, stageGoalLayer},
	{LayerSemanticLock, semanticLockLayer},
	{LayerPricingGate, pricingGateLayer},
	{LayerStallNudge, stallNudgeLayer},
	{LayerClosingFinality, closingFinalityLayer},
	{LayerBehavior, behaviorLayer},
	{LayerOutputChannel, outputChannelLayer},
}

// Option configures a Composer.
type Option func(*Composer)

// WithoutLayers disables the named layers.
func WithoutLayers(names ...Layer) Option {
	return func(c *Composer) {
		for _, n := range names {
			c.disabled[n] = true
		}
	}
}

// Composer renders prompts. The zero value is not usable; call New.
type Composer struct {
	disabled map[Layer]bool
}

func New(opts ...Option) *Composer {
	c := &Composer{disabled: map[Layer]bool{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Section is one rendered layer.
type Section struct {
	Layer Layer
	Text  string
}

// Sections returns the enabled, non-empty layers for ctx in composition order.
func (c *Composer) Sections(ctx Context) []Section {
	out := make([]Section, 0, len(layers))
	for _, l := range layers {
		if c.disabled[l.name] {
			continue
		}
		text := strings.TrimSpace(l.render(ctx))
		if text == "" {
			continue
		}
		out = append(out, Section{Layer: l.name, Text: text})
	}
	return out
}

// Has reports whether the named layer is part of the prompt for ctx.
func (c *Composer) Has(ctx Context, name Layer) bool {
	for _, s := range c.Sections(ctx) {
		if s.Layer == name {
			return true
		}
	}
	return false
}

// System renders the full system prompt.
func (c *Composer) System(ctx Context) string {
	sections := c.Sections(ctx)
	parts := make([]string, len(sections))
	for i, s := range sections {
		parts[i] = s.Text
	}
	return strings.Join(parts, "\n\n")
}

// Directives returns the guardrail instructions appended after the history.
func (c *Composer) Directives(ctx Context) []string {
	var out []string
	if ctx.LoopBreak {
		out = append(out, patternInterrupt)
	}
	if ctx.PerceptualRecovery {
		out = append(out, perceptualRecovery)
	}
	return out
}

// Messages assembles the generator request: system prompt, the history
// window, then any directives. The current user message must already be the
// last entry of history.
func (c *Composer) Messages(ctx Context, history []domain.Message) []domain.ChatMessage {
	msgs := make([]domain.ChatMessage, 0, len(history)+3)
	msgs = append(msgs, domain.ChatMessage{Role: string(domain.RoleSystem), Content: c.System(ctx)})
	for _, m := range history {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		msgs = append(msgs, domain.ChatMessage{Role: string(m.Role), Content: text})
	}
	for _, d := range c.Directives(ctx) {
		msgs = append(msgs, domain.ChatMessage{Role: string(domain.RoleSystem), Content: d})
	}
	return msgs
}

func contractLayer(Context) string {
	return lines(
		"Operating Contract:",
		"- Never reveal or mention conversation stages, scripts, analysis, or any internal logic.",
		"- Never invent facts about the user, their company, prices, customers, or results.",
		"- If you do not know something, say so plainly and ask.",
		"- Stay in the conversation; do not narrate what you are about to do.",
	)
}

func personaLayer(ctx Context) string {
	name := "a senior sales and customer support professional"
	if n := strings.TrimSpace(ctx.DisplayName); n != "" {
		name = n + ", " + name
	}
	base := lines(
		"Persona:",
		"You are "+name+" with years of real-world experience.",
		"You speak naturally, confidently, and calmly. You never sound like an AI or a script.",
		"Listen before responding and acknowledge emotions explicitly. Never argue with the customer.",
		"If the user is frustrated, slow down, validate the feeling, and reduce sales pressure.",
		"If the user is engaged, be concise and guide the conversation forward.",
		"Use contractions and plain spoken language. Do not use emojis.",
	)
	if o := strings.TrimSpace(ctx.PersonaOverride); o != "" {
		base += "\n\nAdditional persona instructions from the operator:\n" + o
	}
	return base
}

func userContextLayer(ctx Context) string {
	return fmt.Sprintf("[USER CONTEXT]\n- Role: %s\n- Company: %s\n- Identified Pain Points: %s",
		orDefault(ctx.Role, "Unknown"),
		orDefault(ctx.Company, "Unknown"),
		orDefault(ctx.PainPoints, "None yet"),
	)
}

var stageGoals = map[domain.Stage]string{
	domain.StageGreeting: "Greet the user warmly and use their name if known. Do not pitch. " +
		"Ask at most one light question.",
	domain.StageQualification: "Understand who the user is and what they do: their role and their company. " +
		"Ask one clear question at a time. Sound curious, not interrogative.",
	domain.StageProblem: "Help the user put their pain points into words. Acknowledge frustration if present. " +
		"Do not introduce solutions yet.",
	domain.StageSolution: "Present the solution calmly and tie every benefit to a problem the user stated. " +
		"Avoid hype and buzzwords. Check whether the value lands for them.",
	domain.StageObjection: "Handle resistance with empathy. Clarify the concern before answering it. " +
		"Never dismiss or argue with a concern.",
	domain.StageClosing: "Guide toward one clear next step, such as a short meeting. Do not rush. " +
		"If the user hesitates, offer flexibility.",
}

func stageGoalLayer(ctx Context) string {
	goal, ok := stageGoals[ctx.Stage]
	if !ok {
		return ""
	}
	return "Current Goal:\n" + goal
}

func semanticLockLayer(ctx Context) string {
	return lines(
		fmt.Sprintf("Stage Discipline (current: %s):", ctx.Stage),
		"- Work only toward the current goal. Do not jump ahead.",
		"- Do not go back over ground that has already been covered.",
		"- If information needed for the current goal is missing, ask for it politely.",
	)
}

func pricingGateLayer(ctx Context) string {
	return lines(
		fmt.Sprintf("Value Presented: %t", ctx.ValuePresented),
		"If the user asks about price:",
		"- Be transparent but not rigid; pricing depends on usage and needs.",
		"- If value has not been presented yet, establish value before any numbers.",
		"- Offer a demo or short discussion as the next step.",
		"Never dodge the question or sound evasive.",
	)
}

func stallNudgeLayer(ctx Context) string {
	if !ctx.Nudge || ctx.Stage.IsTerminal() {
		return ""
	}
	return lines(
		"The conversation is stalling on the current goal:",
		"- Gently reframe your question from a different angle.",
		"- Keep it short and do not pressure.",
		"- Do not reuse the wording of your previous questions.",
	)
}

func closingFinalityLayer(ctx Context) string {
	if !ctx.SessionLocked {
		return ""
	}
	return lines(
		"The next step is confirmed:",
		"- Acknowledge it clearly.",
		"- Do not reopen objections or pitch again.",
		"- Close politely and professionally.",
	)
}

func behaviorLayer(Context) string {
	return lines(
		"Style Rules:",
		"1) Keep replies to two or three short sentences.",
		"2) Ask only one question per reply.",
		"3) Prefer a concrete example over an abstract claim.",
		"4) Create gentle urgency without pressure.",
		"5) Vary your phrasing; never open two replies the same way.",
		"6) If the user was vague, ask for the missing detail before moving on.",
		"7) If the user is curious about what you do, explain the value briefly in human terms, then return to the goal.",
	)
}

func outputChannelLayer(Context) string {
	return lines(
		"Output Format:",
		"First write your reply to the user as plain text.",
		"Then, on a new line, write "+stream.OpenMarker+", a single JSON object, and "+stream.CloseMarker+".",
		"Never mention or show these markers or the JSON inside the reply itself.",
		`The JSON object has exactly these keys:`,
		`- "intent": one of greeting, providing_info, sharing_pain, interest, affirmation, objection, clarification, pricing_query, curiosity, evasion, other`,
		`- "extracted_info": {"role": string|null, "company": string|null, "pain_points": string|null, "value_accepted": bool|null, "concerns_addressed": bool|null, "meeting_intent": bool|null, "meeting_locked": bool|null}`,
		`- "is_vague": true if the latest user message was vague or evasive, else false`,
		`- "recommended_action": "advance" if the current goal is met, else "stay"`,
		"Only fill extracted_info from what the user actually said; use null otherwise.",
	)
}

const patternInterrupt = "The user has sent the same generic greeting several times in a row. " +
	"Do not greet again. Point out the repetition lightly, then pivot directly: say in one sentence what you help " +
	"businesses with and ask one specific question about their business."

const perceptualRecovery = "Your previous reply was a generic greeting that missed what the user actually said. " +
	"Briefly apologize for missing it, then respond directly to the user's latest message."

func lines(ss ...string) string { return strings.Join(ss, "\n") }

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
