package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"sales-agent/internal/domain"
	"sales-agent/internal/guardrail"
	"sales-agent/internal/stream"
)

func layerNames(sections []Section) []Layer {
	out := make([]Layer, len(sections))
	for i, s := range sections {
		out[i] = s.Layer
	}
	return out
}

func TestSections_DeterministicOrder(t *testing.T) {
	ctx := Context{Stage: domain.StageSolution, Nudge: true, SessionLocked: true}
	got := layerNames(New().Sections(ctx))
	require.Equal(t, []Layer{
		LayerContract,
		LayerPersona,
		LayerUserContext,
		LayerStageGoal,
		LayerSemanticLock,
		LayerPricingGate,
		LayerStallNudge,
		LayerClosingFinality,
		LayerBehavior,
		LayerOutputChannel,
	}, got)

	require.Equal(t, New().System(ctx), New().System(ctx))
}

func TestSections_ConditionalLayersAbsentByDefault(t *testing.T) {
	c := New()
	ctx := Context{Stage: domain.StageQualification}
	require.False(t, c.Has(ctx, LayerStallNudge))
	require.False(t, c.Has(ctx, LayerClosingFinality))
	require.Len(t, c.Sections(ctx), 8)
}

func TestWithoutLayers(t *testing.T) {
	c := New(WithoutLayers(LayerPersona, LayerBehavior))
	ctx := Context{Stage: domain.StageGreeting}
	require.False(t, c.Has(ctx, LayerPersona))
	require.False(t, c.Has(ctx, LayerBehavior))
	require.True(t, c.Has(ctx, LayerOutputChannel))
	require.NotContains(t, c.System(ctx), "Persona:")
}

func TestUserContext_Fallbacks(t *testing.T) {
	text := userContextLayer(Context{})
	require.Contains(t, text, "- Role: Unknown")
	require.Contains(t, text, "- Company: Unknown")
	require.Contains(t, text, "- Identified Pain Points: None yet")

	text = userContextLayer(Context{Role: "COO", Company: "Acme Dental", PainPoints: "missed calls"})
	require.Contains(t, text, "- Role: COO")
	require.Contains(t, text, "- Company: Acme Dental")
	require.Contains(t, text, "- Identified Pain Points: missed calls")
}

func TestPricingGate_ReflectsValuePresented(t *testing.T) {
	require.Contains(t, pricingGateLayer(Context{}), "Value Presented: false")
	require.Contains(t, pricingGateLayer(Context{ValuePresented: true}), "Value Presented: true")
}

func TestPersona_DisplayNameAndOverride(t *testing.T) {
	text := personaLayer(Context{DisplayName: "Maya", PersonaOverride: "You sell scheduling software for clinics."})
	require.Contains(t, text, "You are Maya, a senior")
	require.True(t, strings.HasSuffix(text, "You sell scheduling software for clinics."))
}

func TestStageGoal_EveryStageHasOne(t *testing.T) {
	for _, s := range domain.Stages() {
		require.NotEmpty(t, stageGoalLayer(Context{Stage: s}), "stage=%s", s)
	}
}

func TestOutputChannel_UsesCanonicalMarkers(t *testing.T) {
	text := outputChannelLayer(Context{})
	require.Contains(t, text, stream.OpenMarker)
	require.Contains(t, text, stream.CloseMarker)
	for _, key := range []string{`"intent"`, `"extracted_info"`, `"is_vague"`, `"recommended_action"`} {
		require.Contains(t, text, key)
	}
}

func TestStallNudge_PresentOnlyInWindowForSubstantiveless(t *testing.T) {
	engine := guardrail.New(nil)
	c := New()
	inputs := map[string]bool{"hi": false, "We lose thirty inbound calls every week": true}

	for _, stage := range domain.Stages() {
		for turns := 0; turns <= 7; turns++ {
			for text, substantive := range inputs {
				d := engine.Evaluate(guardrail.Input{Stage: stage, TurnsInStage: turns, UserText: text})
				ctx := Context{Stage: stage, Nudge: d.Nudge}
				want := !stage.IsTerminal() && turns > 2 && turns <= 4 && !substantive
				require.Equal(t, want, c.Has(ctx, LayerStallNudge), "stage=%s turns=%d text=%q", stage, turns, text)
			}
		}
	}
}

func TestClosingFinality_RequiresLock(t *testing.T) {
	c := New()
	require.False(t, c.Has(Context{Stage: domain.StageClosing}, LayerClosingFinality))
	require.True(t, c.Has(Context{Stage: domain.StageClosing, SessionLocked: true}, LayerClosingFinality))
}

func TestMessages_HistoryThenDirectives(t *testing.T) {
	history := []domain.Message{
		{Role: domain.RoleAssistant, Text: "Hello!"},
		{Role: domain.RoleUser, Text: "  "},
		{Role: domain.RoleUser, Text: "we keep missing calls after hours"},
	}
	msgs := New().Messages(Context{Stage: domain.StageGreeting, LoopBreak: true, PerceptualRecovery: true}, history)

	require.Len(t, msgs, 5)
	require.Equal(t, "system", msgs[0].Role)
	require.Equal(t, domain.ChatMessage{Role: "assistant", Content: "Hello!"}, msgs[1])
	require.Equal(t, domain.ChatMessage{Role: "user", Content: "we keep missing calls after hours"}, msgs[2])
	require.Equal(t, domain.ChatMessage{Role: "system", Content: patternInterrupt}, msgs[3])
	require.Equal(t, domain.ChatMessage{Role: "system", Content: perceptualRecovery}, msgs[4])
}

func TestContextFromSession(t *testing.T) {
	s := domain.Session{
		Stage: domain.StageProblem,
		Metadata: domain.Metadata{
			domain.MetaRole:           "owner",
			domain.MetaValuePresented: true,
			domain.MetaDisplayName:    "Maya",
			"unrelated":               42,
		},
	}
	ctx := ContextFromSession(s)
	require.Equal(t, Context{
		Stage:          domain.StageProblem,
		DisplayName:    "Maya",
		Role:           "owner",
		ValuePresented: true,
	}, ctx)
}
