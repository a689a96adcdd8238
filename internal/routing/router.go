// Package routing implements the policy engine that maps task requests to a
// routing decision: complexity tier, model reference, and target selection.
//
// The router is a pure function of its inputs and a configuration snapshot.
// It performs no I/O and holds no mutable state, so identical inputs always
// produce identical decisions.
package routing

import (
	"strings"
)

// PolicyVersion is recorded in every decision so consumers can tell which
// scoring rules produced it.
const PolicyVersion = "v1"

// Complexity tiers inferred from the request.
const (
	ComplexityQuick    = "quick"
	ComplexityStandard = "standard"
	ComplexityDeep     = "deep"
)

// Model tiers selected from complexity plus hints.
const (
	TierFast     = "fast"
	TierBalanced = "balanced"
	TierHeavy    = "heavy"
)

// Model resolution sources, in priority order.
const (
	ModelSourceExplicit    = "explicit"
	ModelSourcePersonality = "personality"
	ModelSourceTier        = "tier"
	ModelSourceUnresolved  = "unresolved"
)

// deepKeywords raise the complexity score by 2 each.
var deepKeywords = []string{
	"refactor", "architecture", "distributed", "migration", "multi-step",
	"incident", "root cause", "benchmark", "performance", "security",
	"long-running",
}

// quickKeywords lower the complexity score by 1 each.
var quickKeywords = []string{
	"typo", "rename", "quick", "small", "minor", "lint", "format",
	"readme", "one line",
}

// Config is an immutable snapshot of the routing configuration.
type Config struct {
	AutoModel         bool
	TierModels        map[string]string // tier -> provider:model
	QuickMaxScore     int               // score <= QuickMaxScore => quick
	DeepMinScore      int               // score >= DeepMinScore => deep
	PersonalityAgents map[string]string // personality -> target agent name
	PersonalityModels map[string]string // personality -> provider:model
}

// DefaultConfig returns a config with the default thresholds and no model
// mappings.
func DefaultConfig() Config {
	return Config{
		TierModels:        map[string]string{},
		QuickMaxScore:     1,
		DeepMinScore:      6,
		PersonalityAgents: map[string]string{},
		PersonalityModels: map[string]string{},
	}
}

// Input is everything the router considers for one request.
type Input struct {
	Prompt               string
	AgentType            string
	Files                []string
	RequestedModel       string // explicit model_ref or model from the request
	WorkerPersonality    string
	TargetAgentName      string
	RequiredCapabilities []string
	Metadata             map[string]interface{}
}

// Decision is the routing outcome persisted with the task.
type Decision struct {
	Complexity           string
	ModelTier            string
	ModelRef             string // canonical provider:model, empty if unresolved
	ModelSource          string
	TargetAgentName      string
	WorkerPersonality    string
	RequiredCapabilities []string
}

// Router maps inputs to decisions under a fixed configuration snapshot.
type Router struct {
	cfg Config
}

// NewRouter creates a router for the given configuration snapshot.
func NewRouter(cfg Config) *Router {
	if cfg.TierModels == nil {
		cfg.TierModels = map[string]string{}
	}
	if cfg.PersonalityAgents == nil {
		cfg.PersonalityAgents = map[string]string{}
	}
	if cfg.PersonalityModels == nil {
		cfg.PersonalityModels = map[string]string{}
	}
	if cfg.QuickMaxScore == 0 && cfg.DeepMinScore == 0 {
		cfg.QuickMaxScore = 1
		cfg.DeepMinScore = 6
	}
	return &Router{cfg: cfg}
}

// Route computes the routing decision and the metadata enrichment for one
// request. The returned metadata is a copy of in.Metadata with the routing
// sub-object and model mirrors written in; the input map is not mutated.
func (r *Router) Route(in Input) (Decision, map[string]interface{}) {
	complexity := r.inferComplexity(in)
	tier := r.selectTier(complexity, in.Metadata)
	modelRef, modelSource := r.resolveModel(in, tier)

	decision := Decision{
		Complexity:           complexity,
		ModelTier:            tier,
		ModelRef:             modelRef,
		ModelSource:          modelSource,
		TargetAgentName:      r.resolveTargetAgent(in),
		WorkerPersonality:    in.WorkerPersonality,
		RequiredCapabilities: append([]string(nil), in.RequiredCapabilities...),
	}

	return decision, r.enrichMetadata(in.Metadata, decision)
}

// inferComplexity computes the score bands unless the request carries an
// explicit complexity override.
func (r *Router) inferComplexity(in Input) string {
	if explicit := metadataString(in.Metadata, "complexity"); explicit != "" {
		switch explicit {
		case ComplexityQuick, ComplexityStandard, ComplexityDeep:
			return explicit
		}
	}

	score := 0

	promptLen := len(in.Prompt)
	if promptLen >= 200 {
		score++
	}
	if promptLen >= 1200 {
		score++
	}
	if promptLen >= 3500 {
		score++
	}

	if len(in.Files) >= 5 {
		score++
	}
	if len(in.Files) >= 12 {
		score++
	}

	if metadataString(in.Metadata, "resume_session_id") != "" {
		score++
	}

	switch strings.ToLower(in.AgentType) {
	case "plan", "planner", "orchestrate", "orchestrator":
		score += 2
	}

	lowerPrompt := strings.ToLower(in.Prompt)
	for _, kw := range deepKeywords {
		if strings.Contains(lowerPrompt, kw) {
			score += 2
		}
	}
	for _, kw := range quickKeywords {
		if strings.Contains(lowerPrompt, kw) {
			score--
		}
	}

	switch {
	case score <= r.cfg.QuickMaxScore:
		return ComplexityQuick
	case score >= r.cfg.DeepMinScore:
		return ComplexityDeep
	default:
		return ComplexityStandard
	}
}

// selectTier maps complexity to a baseline tier and applies guard-rails and
// metadata hints.
func (r *Router) selectTier(complexity string, metadata map[string]interface{}) string {
	var tier string
	switch complexity {
	case ComplexityQuick:
		tier = TierFast
	case ComplexityDeep:
		tier = TierHeavy
	default:
		tier = TierBalanced
	}

	explicit := metadataString(metadata, "model_tier")
	forced := explicit != "" || metadataString(metadata, "min_tier") != ""
	if explicit != "" && tierRank(explicit) >= 0 {
		tier = explicit
	}

	// Guard-rails: quick work stays on fast unless forced; deep work never
	// drops below balanced.
	if complexity == ComplexityQuick && !forced {
		tier = minTier(tier, TierFast)
	}
	if complexity == ComplexityDeep {
		tier = maxTier(tier, TierBalanced)
	}

	// Budget hints clamp the tier.
	switch metadataString(metadata, "budget") {
	case "low", "minimal", "strict":
		tier = minTier(tier, TierBalanced)
		if complexity == ComplexityQuick {
			tier = minTier(tier, TierFast)
		}
	case "high", "premium":
		tier = maxTier(tier, TierBalanced)
	}

	// Latency-sensitive work caps at balanced; quality-sensitive work has a
	// floor of balanced.
	switch metadataString(metadata, "latency") {
	case "low", "interactive":
		tier = minTier(tier, TierBalanced)
	}
	switch metadataString(metadata, "quality") {
	case "high", "max":
		tier = maxTier(tier, TierBalanced)
	}

	// Explicit min/max hints win over everything above.
	if min := metadataString(metadata, "min_tier"); tierRank(min) >= 0 {
		tier = maxTier(tier, min)
	}
	if max := metadataString(metadata, "max_tier"); tierRank(max) >= 0 {
		tier = minTier(tier, max)
	}

	return tier
}

// resolveModel applies the resolution priority: explicit request, personality
// mapping, tier mapping, unresolved.
func (r *Router) resolveModel(in Input, tier string) (string, string) {
	if in.RequestedModel != "" {
		return ToCanonical(in.RequestedModel), ModelSourceExplicit
	}
	if explicit := metadataString(in.Metadata, "model_ref"); explicit != "" {
		return ToCanonical(explicit), ModelSourceExplicit
	}
	if explicit := metadataString(in.Metadata, "model"); explicit != "" {
		return ToCanonical(explicit), ModelSourceExplicit
	}

	if in.WorkerPersonality != "" {
		if ref, ok := r.cfg.PersonalityModels[in.WorkerPersonality]; ok && ref != "" {
			return ToCanonical(ref), ModelSourcePersonality
		}
	}

	if r.cfg.AutoModel {
		if ref, ok := r.cfg.TierModels[tier]; ok && ref != "" {
			return ToCanonical(ref), ModelSourceTier
		}
	}

	// Unresolved: the worker picks its own model.
	return "", ModelSourceUnresolved
}

// resolveTargetAgent applies the priority: explicit override, metadata,
// personality mapping.
func (r *Router) resolveTargetAgent(in Input) string {
	if in.TargetAgentName != "" {
		return in.TargetAgentName
	}
	if name := metadataString(in.Metadata, "target_agent_name"); name != "" {
		return name
	}
	if in.WorkerPersonality != "" {
		if name, ok := r.cfg.PersonalityAgents[in.WorkerPersonality]; ok {
			return name
		}
	}
	return ""
}

// enrichMetadata writes the routing sub-object and mirrors the model
// reference at the top level for consumers that only read flat keys.
func (r *Router) enrichMetadata(metadata map[string]interface{}, d Decision) map[string]interface{} {
	enriched := make(map[string]interface{}, len(metadata)+3)
	for k, v := range metadata {
		enriched[k] = v
	}

	routing := map[string]interface{}{
		"complexity":     d.Complexity,
		"model_tier":     d.ModelTier,
		"model_source":   d.ModelSource,
		"policy_version": PolicyVersion,
	}
	if d.ModelRef != "" {
		routing["model_ref"] = d.ModelRef
	}
	if d.TargetAgentName != "" {
		routing["target_agent_name"] = d.TargetAgentName
		enriched["target_agent_name"] = d.TargetAgentName
	}
	if d.WorkerPersonality != "" {
		routing["worker_personality"] = d.WorkerPersonality
	}
	enriched["routing"] = routing

	if d.ModelRef != "" {
		enriched["model_ref"] = d.ModelRef
		enriched["model"] = ToWire(d.ModelRef)
	}

	return enriched
}

func tierRank(tier string) int {
	switch tier {
	case TierFast:
		return 0
	case TierBalanced:
		return 1
	case TierHeavy:
		return 2
	}
	return -1
}

func minTier(a, b string) string {
	if tierRank(a) <= tierRank(b) {
		return a
	}
	return b
}

func maxTier(a, b string) string {
	if tierRank(a) >= tierRank(b) {
		return a
	}
	return b
}

func metadataString(metadata map[string]interface{}, key string) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
