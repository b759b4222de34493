package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/fhirbridge/internal/config"
	"github.com/pitabwire/fhirbridge/internal/provider"
	"github.com/pitabwire/fhirbridge/internal/rule"
	"github.com/pitabwire/fhirbridge/internal/script"
)

// engine is the rule evaluation core shared by all commands.
type engine struct {
	providers  *provider.Registry
	dispatcher *script.Dispatcher
	rules      *rule.Registry
}

func newEngine(cfg config.ScriptsConfig, logger *zap.Logger) (*engine, error) {
	providers, err := provider.Default()
	if err != nil {
		return nil, err
	}
	cel, err := script.NewCELRuntime(cfg.CELCostLimit)
	if err != nil {
		return nil, fmt.Errorf("cel runtime: %w", err)
	}
	dispatcher := script.NewDispatcher(
		script.NewStarlarkRuntime(cfg.StarlarkTimeout, cfg.StarlarkMaxSteps, logger),
		cel,
	)
	return &engine{
		providers:  providers,
		dispatcher: dispatcher,
		rules:      rule.NewRegistry(rule.NewValidator(providers, dispatcher)),
	}, nil
}

// loadRules loads the rule directories and publishes them.
func (e *engine) loadRules(dirs []string) (*rule.Snapshot, error) {
	set, err := rule.NewLoader().LoadAll(dirs)
	if err != nil {
		return nil, err
	}
	return e.rules.Replace(set)
}
