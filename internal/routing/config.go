package routing

import "github.com/taskplane/taskplane/internal/common/config"

// FromAppConfig builds the immutable router snapshot from the loaded
// application configuration. Model references are canonicalized up front so
// the hot path never converts.
func FromAppConfig(rc config.RoutingConfig) Config {
	return Config{
		AutoModel: rc.AutoModel,
		TierModels: map[string]string{
			TierFast:     ToCanonical(rc.ModelFast),
			TierBalanced: ToCanonical(rc.ModelBalanced),
			TierHeavy:    ToCanonical(rc.ModelHeavy),
		},
		QuickMaxScore:     rc.QuickMax,
		DeepMinScore:      rc.DeepMin,
		PersonalityAgents: rc.PersonalityAgentMap(),
		PersonalityModels: rc.PersonalityModelMap(),
	}
}
