package config

// ChangeSet describes what changed between two configs. Only fields that can
// be applied without restarting a service are tracked; everything else needs
// a process restart to take effect.
type ChangeSet struct {
	// LogLevelChanged reports a new log verbosity.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged reports new detection tuning. Active sessions can pick it
	// up through a session.update; new sessions negotiate with it directly.
	VADChanged bool
	NewVAD     VADConfig

	// BudgetChanged reports a new per-turn latency target.
	BudgetChanged bool
	NewBudgetMs   int

	// PromptChanged reports a new agent persona or error phrasing. Applies
	// from the next conversational turn.
	PromptChanged bool
}

// Empty reports whether nothing hot-reloadable changed.
func (c ChangeSet) Empty() bool {
	return !c.LogLevelChanged && !c.VADChanged && !c.BudgetChanged && !c.PromptChanged
}

// Diff compares old and new configs and returns the hot-reloadable changes.
func Diff(oldCfg, newCfg *Config) ChangeSet {
	var c ChangeSet

	if oldCfg.Server.LogLevel != newCfg.Server.LogLevel {
		c.LogLevelChanged = true
		c.NewLogLevel = newCfg.Server.LogLevel
	}

	if oldCfg.VAD != newCfg.VAD {
		c.VADChanged = true
		c.NewVAD = newCfg.VAD
	}

	if oldCfg.LatencyBudgetMs != newCfg.LatencyBudgetMs {
		c.BudgetChanged = true
		c.NewBudgetMs = newCfg.LatencyBudgetMs
	}

	if oldCfg.Providers.LLM.SystemPrompt != newCfg.Providers.LLM.SystemPrompt ||
		oldCfg.Providers.LLM.ErrorPhrase != newCfg.Providers.LLM.ErrorPhrase ||
		oldCfg.Providers.LLM.EndCallPhrase != newCfg.Providers.LLM.EndCallPhrase {
		c.PromptChanged = true
	}

	return c
}
