// Package policy maps a classified request onto an ordered list of
// candidate backend ids: the plan the cascade engine attempts in order.
package policy

import (
	"github.com/aihq/cascade-router/internal/registry"
	"github.com/aihq/cascade-router/internal/routing"
)

// Selector is a pure function over (RoutingMeta, cloud availability) backed
// by the registry's routing_policy table.
type Selector struct {
	reg *registry.Registry
}

// New builds a Selector over a Registry.
func New(reg *registry.Registry) *Selector {
	return &Selector{reg: reg}
}

// Select returns the ordered candidate backend ids for one request. The
// first element is the initial pick; subsequent elements are the
// escalation ladder. Never returns an empty list.
func (s *Selector) Select(meta routing.RoutingMeta, cloudAvailable bool) []string {
	complexity := meta.Complexity
	if meta.QualityScore >= 8 {
		complexity = routing.ComplexityCritical
	}

	candidates := s.reg.Policy(meta.Task, complexity)

	filtered := make([]string, 0, len(candidates))
	for _, id := range candidates {
		entry, ok := s.reg.Get(id)
		if !ok {
			continue
		}
		if entry.Provider == routing.ProviderRemoteCloud && !cloudAvailable {
			continue
		}
		filtered = append(filtered, id)
	}

	if len(filtered) > 0 {
		return filtered
	}

	if s.reg.Has("local-code") {
		return []string{"local-code"}
	}
	return []string{"local-chat"}
}
