package routing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		AutoModel: true,
		TierModels: map[string]string{
			TierFast:     "anthropic:claude-haiku-3-5",
			TierBalanced: "anthropic:claude-sonnet-4",
			TierHeavy:    "anthropic:claude-opus-4",
		},
		QuickMaxScore: 1,
		DeepMinScore:  6,
		PersonalityAgents: map[string]string{
			"reviewer": "code-reviewer",
		},
		PersonalityModels: map[string]string{
			"reviewer": "anthropic:claude-sonnet-4",
		},
	}
}

func TestRouteQuickRename(t *testing.T) {
	r := NewRouter(testConfig())

	decision, metadata := r.Route(Input{
		Prompt:    "rename foo to bar",
		AgentType: "build",
		Files:     []string{"a.py"},
	})

	assert.Equal(t, ComplexityQuick, decision.Complexity)
	assert.Equal(t, TierFast, decision.ModelTier)
	assert.Equal(t, ModelSourceTier, decision.ModelSource)
	assert.Equal(t, "anthropic:claude-haiku-3-5", decision.ModelRef)

	routing, ok := metadata["routing"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "quick", routing["complexity"])
	assert.Equal(t, "fast", routing["model_tier"])
	assert.Equal(t, PolicyVersion, routing["policy_version"])
}

func TestRoutePersonality(t *testing.T) {
	r := NewRouter(testConfig())

	decision, metadata := r.Route(Input{
		Prompt:            "review the diff",
		AgentType:         "review",
		WorkerPersonality: "reviewer",
	})

	assert.Equal(t, "code-reviewer", decision.TargetAgentName)
	assert.Equal(t, "anthropic:claude-sonnet-4", decision.ModelRef)
	assert.Equal(t, ModelSourcePersonality, decision.ModelSource)
	assert.Equal(t, "reviewer", decision.WorkerPersonality)

	assert.Equal(t, "anthropic:claude-sonnet-4", metadata["model_ref"])
	assert.Equal(t, "anthropic/claude-sonnet-4", metadata["model"])
	assert.Equal(t, "code-reviewer", metadata["target_agent_name"])
}

func TestRouteExplicitModelWins(t *testing.T) {
	r := NewRouter(testConfig())

	decision, _ := r.Route(Input{
		Prompt:            "review the diff",
		WorkerPersonality: "reviewer",
		RequestedModel:    "openai/gpt-5",
	})

	assert.Equal(t, "openai:gpt-5", decision.ModelRef)
	assert.Equal(t, ModelSourceExplicit, decision.ModelSource)
}

func TestRouteDeepKeywords(t *testing.T) {
	r := NewRouter(testConfig())

	decision, _ := r.Route(Input{
		Prompt:    "refactor the storage layer and fix the migration for the distributed cache",
		AgentType: "build",
	})

	assert.Equal(t, ComplexityDeep, decision.Complexity)
	assert.Equal(t, TierHeavy, decision.ModelTier)
	assert.Equal(t, "anthropic:claude-opus-4", decision.ModelRef)
}

func TestRoutePlanningAgentAddsScore(t *testing.T) {
	r := NewRouter(testConfig())

	// Same prompt: planning agent type moves it out of the quick band.
	prompt := strings.Repeat("investigate the failing endpoint ", 10)

	build, _ := r.Route(Input{Prompt: prompt, AgentType: "build"})
	plan, _ := r.Route(Input{Prompt: prompt, AgentType: "planner"})

	assert.Equal(t, ComplexityQuick, build.Complexity)
	assert.Equal(t, ComplexityStandard, plan.Complexity)
}

func TestRouteFileCountBands(t *testing.T) {
	r := NewRouter(testConfig())

	files := make([]string, 12)
	for i := range files {
		files[i] = "f.go"
	}

	decision, _ := r.Route(Input{
		Prompt:    strings.Repeat("update the handler wiring for the new field ", 30),
		AgentType: "build",
		Files:     files,
	})

	assert.Equal(t, ComplexityStandard, decision.Complexity)
	assert.Equal(t, TierBalanced, decision.ModelTier)
}

func TestRouteExplicitComplexityOverride(t *testing.T) {
	r := NewRouter(testConfig())

	decision, _ := r.Route(Input{
		Prompt:   "rename foo to bar",
		Metadata: map[string]interface{}{"complexity": "deep"},
	})

	assert.Equal(t, ComplexityDeep, decision.Complexity)
	assert.Equal(t, TierHeavy, decision.ModelTier)
}

func TestRouteBudgetClampsTier(t *testing.T) {
	r := NewRouter(testConfig())

	decision, _ := r.Route(Input{
		Prompt:   "refactor the storage layer and fix the migration for the distributed cache",
		Metadata: map[string]interface{}{"budget": "low"},
	})

	assert.Equal(t, ComplexityDeep, decision.Complexity)
	assert.Equal(t, TierBalanced, decision.ModelTier)
}

func TestRouteMinTierHintForcesUp(t *testing.T) {
	r := NewRouter(testConfig())

	decision, _ := r.Route(Input{
		Prompt:   "fix the typo in the readme",
		Metadata: map[string]interface{}{"min_tier": "heavy"},
	})

	assert.Equal(t, ComplexityQuick, decision.Complexity)
	assert.Equal(t, TierHeavy, decision.ModelTier)
}

func TestRouteAutoModelDisabledUnresolved(t *testing.T) {
	cfg := testConfig()
	cfg.AutoModel = false
	r := NewRouter(cfg)

	decision, metadata := r.Route(Input{Prompt: "rename foo to bar"})

	assert.Empty(t, decision.ModelRef)
	assert.Equal(t, ModelSourceUnresolved, decision.ModelSource)
	assert.NotContains(t, metadata, "model_ref")
	assert.NotContains(t, metadata, "model")
}

func TestRouteIsPure(t *testing.T) {
	r := NewRouter(testConfig())

	in := Input{
		Prompt:            "benchmark the queue under load",
		AgentType:         "build",
		Files:             []string{"q.go", "bench.go"},
		WorkerPersonality: "reviewer",
		Metadata:          map[string]interface{}{"budget": "high", "custom": "kept"},
	}

	d1, m1 := r.Route(in)
	d2, m2 := r.Route(in)

	assert.Equal(t, d1, d2)
	assert.Equal(t, m1, m2)
}

func TestRouteDoesNotMutateInputMetadata(t *testing.T) {
	r := NewRouter(testConfig())

	metadata := map[string]interface{}{"custom": "kept"}
	_, enriched := r.Route(Input{Prompt: "rename foo", Metadata: metadata})

	assert.NotContains(t, metadata, "routing")
	assert.Equal(t, "kept", enriched["custom"])
	assert.Contains(t, enriched, "routing")
}

func TestRouteTargetAgentPriority(t *testing.T) {
	r := NewRouter(testConfig())

	explicit, _ := r.Route(Input{
		Prompt:            "review the diff",
		TargetAgentName:   "custom-agent",
		WorkerPersonality: "reviewer",
	})
	assert.Equal(t, "custom-agent", explicit.TargetAgentName)

	fromMeta, _ := r.Route(Input{
		Prompt:            "review the diff",
		WorkerPersonality: "reviewer",
		Metadata:          map[string]interface{}{"target_agent_name": "meta-agent"},
	})
	assert.Equal(t, "meta-agent", fromMeta.TargetAgentName)
}

func TestRouteRequiredCapabilitiesPassThrough(t *testing.T) {
	r := NewRouter(testConfig())

	decision, _ := r.Route(Input{
		Prompt:               "rename foo",
		RequiredCapabilities: []string{"git", "python"},
	})

	assert.Equal(t, []string{"git", "python"}, decision.RequiredCapabilities)
}
