package config

import (
	"fmt"
	"strings"
)

var (
	knownStrategies = map[string]bool{"weighted": true, "concatenate": true, "priority-only": true}
	knownPolicies   = map[string]bool{"queue": true, "reject-busy": true}
	knownKinds      = map[string]bool{"gesture": true, "posture_control": true, "locomotion": true, "speech": true, "indicator": true}
)

// Validate checks structural consistency. It does not resolve capability tags;
// that happens when the runtime is assembled.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Loop.FrequencyHz <= 0 {
		add("loop.frequency_hz must be > 0")
	}
	if c.Loop.CollectBudget < 0 {
		add("loop.collect_budget must be >= 0")
	}
	if p := c.Loop.Period(); p > 0 && c.Loop.CollectBudget > p {
		add("loop.collect_budget %s exceeds cycle period %s", c.Loop.CollectBudget, p)
	}

	seenSources := map[string]bool{}
	for i, s := range c.Sources {
		if s.ID == "" {
			add("sources[%d].id is required", i)
		}
		if seenSources[s.ID] {
			add("sources[%d].id %q duplicated", i, s.ID)
		}
		seenSources[s.ID] = true
		if s.Type == "" {
			add("sources[%d].type is required", i)
		}
		if s.Timeout <= 0 {
			add("sources[%d].timeout must be > 0", i)
		}
	}

	if !knownStrategies[c.Fusion.Strategy] {
		add("fusion.strategy %q unknown", c.Fusion.Strategy)
	}
	for m, w := range c.Fusion.Weights {
		if w < 0 {
			add("fusion.weights[%s] must be >= 0", m)
		}
	}

	r := c.Reasoning
	if r.DegradeAfter < 1 || r.UnavailableAfter < 1 {
		add("reasoning.degrade_after and reasoning.unavailable_after must be >= 1")
	}
	if r.DegradedTimeoutFactor <= 0 || r.DegradedTimeoutFactor > 1 {
		add("reasoning.degraded_timeout_factor must be in (0, 1]")
	}
	if r.SlowFraction <= 0 || r.SlowFraction > 1 {
		add("reasoning.slow_fraction must be in (0, 1]")
	}
	seenProviders := map[string]bool{}
	for i, p := range r.Providers {
		if p.Name == "" {
			add("reasoning.providers[%d].name is required", i)
		}
		if seenProviders[p.Name] {
			add("reasoning.providers[%d].name %q duplicated", i, p.Name)
		}
		seenProviders[p.Name] = true
		if p.Timeout <= 0 {
			add("reasoning.providers[%d].timeout must be > 0", i)
		}
		if p.Type == "grpc" && p.Address == "" {
			add("reasoning.providers[%d].address is required for grpc", i)
		}
	}

	for k := range c.Gate.KindPriority {
		if !knownKinds[k] {
			add("gate.kind_priority has unknown kind %q", k)
		}
	}

	if !knownPolicies[c.Dispatch.Policy] {
		add("dispatch.policy %q unknown", c.Dispatch.Policy)
	}
	if c.Dispatch.QueueSize < 1 {
		add("dispatch.queue_size must be >= 1")
	}

	servedBy := map[string]string{}
	seenActuators := map[string]bool{}
	for i, a := range c.Actuators {
		if a.ID == "" {
			add("actuators[%d].id is required", i)
		}
		if seenActuators[a.ID] {
			add("actuators[%d].id %q duplicated", i, a.ID)
		}
		seenActuators[a.ID] = true
		if a.Group == "" {
			add("actuators[%d].group is required", i)
		}
		if a.Timeout <= 0 {
			add("actuators[%d].timeout must be > 0", i)
		}
		if !a.IsEnabled() {
			continue
		}
		for _, k := range a.Kinds {
			if !knownKinds[k] {
				add("actuators[%d] serves unknown kind %q", i, k)
				continue
			}
			if prev, dup := servedBy[k]; dup {
				add("kind %q served by both %q and %q", k, prev, a.ID)
			}
			servedBy[k] = a.ID
		}
	}

	if c.Safety.WatchdogOverruns < 0 {
		add("safety.watchdog_overruns must be >= 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
