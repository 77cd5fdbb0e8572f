package core

import "feedformula/pkg/domain"

type (
	// Rule aliases domain.Rule.
	Rule = domain.Rule
	// RulesEngine aliases domain.RulesEngine.
	RulesEngine = domain.RulesEngine
)

// NewRulesEngine constructs an empty engine instance.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(NewPercentageCeilingRule())
	engine.Register(NewActionGateRule())
	return engine
}
