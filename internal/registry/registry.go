// Package registry is the read-only, in-memory catalog of backend entries,
// task definitions, routing policy, classifier settings, and SLA settings
// loaded at startup from a YAML configuration document and env overrides.
package registry

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sort"
	"sync"

	"github.com/aihq/cascade-router/internal/config"
	"github.com/aihq/cascade-router/internal/routing"
	"gopkg.in/yaml.v3"
)

// TaskDef describes one declared task: its keyword set, regex, default
// complexity, and whether it is "critical by nature" (never downgraded).
type TaskDef struct {
	Name              routing.Task
	Keywords          []string
	Pattern           *regexp.Regexp
	DefaultComplexity routing.Complexity
	CriticalByNature  bool
	Order             int // declaration order (index in the task table)
}

// ClassifierSettings holds the Stage 2 (LLM refinement) knobs.
type ClassifierSettings struct {
	LLMAssistEnabled    bool
	ConfidenceThreshold float64
	ClassifierBackendID string
	CriticalKeywords    []string
	HighComplexityRegex *regexp.Regexp
}

// SLASettings carries the soft-SLA threshold. The soft limit is
// observational: a violation is logged, never aborted on.
type SLASettings struct {
	Enabled            bool
	SoftLimitMS        int64
	AdmissionTimeoutMS int64
}

// Registry is the read-only catalog built once at startup. All fields are
// populated before any request is served and never mutated afterward, so no
// locking is needed on lookups.
type Registry struct {
	backends map[string]routing.BackendEntry
	order    []string // declaration order, for Iterate

	tasks           []TaskDef // in declaration order
	policy          map[routing.Task]map[routing.Complexity][]string
	defaultFallback []string

	classifier ClassifierSettings
	sla        SLASettings

	mu sync.RWMutex // read-locked by Get and Iterate; nothing takes the write lock
}

// doc mirrors the YAML configuration document's top-level shape.
type doc struct {
	Models struct {
		Entries []modelDoc `yaml:"entries"`
	} `yaml:"models"`
	TaskTypes struct {
		Entries []taskDoc `yaml:"entries"`
	} `yaml:"task_types"`
	ComplexitySignals struct {
		HighComplexityRegex string   `yaml:"high_complexity_regex"`
		CriticalKeywords    []string `yaml:"critical_keywords"`
	} `yaml:"complexity_signals"`
	RoutingPolicy   map[string]map[string][]string `yaml:"routing_policy"`
	DefaultFallback []string                       `yaml:"default_fallback"`
	Classifier      struct {
		LLMAssistEnabled    bool    `yaml:"llm_assist_enabled"`
		ConfidenceThreshold float64 `yaml:"confidence_threshold"`
		BackendID           string  `yaml:"backend_id"`
	} `yaml:"classifier"`
	SLA struct {
		Enabled            bool  `yaml:"enabled"`
		SoftLimitMS        int64 `yaml:"soft_limit_ms"`
		AdmissionTimeoutMS int64 `yaml:"admission_timeout_ms"`
	} `yaml:"sla"`
}

type modelDoc struct {
	ID                string            `yaml:"id"`
	Provider          string            `yaml:"provider"`
	ProviderModelName string            `yaml:"provider_model_name"`
	Params            map[string]string `yaml:"params"`
}

type taskDoc struct {
	Name              string   `yaml:"name"`
	Keywords          []string `yaml:"keywords"`
	Pattern           string   `yaml:"pattern"`
	DefaultComplexity string   `yaml:"default_complexity"`
	CriticalByNature  bool     `yaml:"critical_by_nature"`
}

// Load reads the YAML document at path, applies env overrides, validates
// required ids, and returns a ready-to-use Registry.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read config %s: %w", path, err)
	}

	var d doc
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("registry: parse config %s: %w", path, err)
	}

	return build(d)
}

func build(d doc) (*Registry, error) {
	r := &Registry{
		backends: make(map[string]routing.BackendEntry, len(d.Models.Entries)),
		policy:   make(map[routing.Task]map[routing.Complexity][]string),
	}

	for _, m := range d.Models.Entries {
		entry := routing.BackendEntry{
			ID:                m.ID,
			Provider:          routing.Provider(m.Provider),
			ProviderModelName: m.ProviderModelName,
			Params:            m.Params,
		}
		if name, ok := config.ModelNameOverride(m.ID); ok {
			entry.ProviderModelName = name
		}
		r.backends[m.ID] = entry
		r.order = append(r.order, m.ID)
	}

	for i, t := range d.TaskTypes.Entries {
		complexity, err := routing.ParseComplexity(t.DefaultComplexity)
		if err != nil {
			return nil, fmt.Errorf("registry: task %s: %w", t.Name, err)
		}
		var pattern *regexp.Regexp
		if t.Pattern != "" {
			pattern, err = regexp.Compile(t.Pattern)
			if err != nil {
				return nil, fmt.Errorf("registry: task %s pattern: %w", t.Name, err)
			}
		}
		r.tasks = append(r.tasks, TaskDef{
			Name:              routing.Task(t.Name),
			Keywords:          t.Keywords,
			Pattern:           pattern,
			DefaultComplexity: complexity,
			CriticalByNature:  t.CriticalByNature,
			Order:             i,
		})
	}

	for task, byComplexity := range d.RoutingPolicy {
		m := make(map[routing.Complexity][]string, len(byComplexity))
		for level, ids := range byComplexity {
			c, err := routing.ParseComplexity(level)
			if err != nil {
				return nil, fmt.Errorf("registry: routing_policy[%s]: %w", task, err)
			}
			m[c] = ids
		}
		r.policy[routing.Task(task)] = m
	}

	r.defaultFallback = d.DefaultFallback
	if len(r.defaultFallback) == 0 {
		r.defaultFallback = []string{"local-chat"}
	}

	var highRe *regexp.Regexp
	if d.ComplexitySignals.HighComplexityRegex != "" {
		var err error
		highRe, err = regexp.Compile(d.ComplexitySignals.HighComplexityRegex)
		if err != nil {
			return nil, fmt.Errorf("registry: high_complexity_regex: %w", err)
		}
	}
	r.classifier = ClassifierSettings{
		LLMAssistEnabled:    d.Classifier.LLMAssistEnabled,
		ConfidenceThreshold: d.Classifier.ConfidenceThreshold,
		ClassifierBackendID: d.Classifier.BackendID,
		CriticalKeywords:    d.ComplexitySignals.CriticalKeywords,
		HighComplexityRegex: highRe,
	}
	if r.classifier.ConfidenceThreshold == 0 {
		r.classifier.ConfidenceThreshold = 0.7
	}

	r.sla = SLASettings{
		Enabled:            d.SLA.Enabled,
		SoftLimitMS:        d.SLA.SoftLimitMS,
		AdmissionTimeoutMS: d.SLA.AdmissionTimeoutMS,
	}

	if err := r.validateRequired(); err != nil {
		if config.FailFastOnMissingRequired() {
			return nil, err
		}
		log.Printf("registry: %v (continuing, not fatal per REQUIRED_MODELS_FATAL)", err)
	}

	return r, nil
}

func (r *Registry) validateRequired() error {
	var missing []string
	for _, id := range config.RequiredModels() {
		if _, ok := r.backends[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("registry: missing required backend ids: %v", missing)
	}
	return nil
}

// Get looks up a backend entry by id.
func (r *Registry) Get(id string) (routing.BackendEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.backends[id]
	return e, ok
}

// Has reports whether a backend id is present in the catalog.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Iterate returns all backend entries in declaration order.
func (r *Registry) Iterate() []routing.BackendEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]routing.BackendEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.backends[id])
	}
	return out
}

// Tasks returns the declared task table in declaration order.
func (r *Registry) Tasks() []TaskDef {
	return r.tasks
}

// Policy returns the routing_policy table for a task and complexity, the
// low-complexity fallback for that task, or the global default, in that
// priority order. This is the fallback chain PolicySelector walks.
func (r *Registry) Policy(task routing.Task, complexity routing.Complexity) []string {
	byComplexity, ok := r.policy[task]
	if !ok {
		return r.defaultFallback
	}
	if ids, ok := byComplexity[complexity]; ok && len(ids) > 0 {
		return ids
	}
	if ids, ok := byComplexity[routing.ComplexityLow]; ok && len(ids) > 0 {
		return ids
	}
	return r.defaultFallback
}

// ClassifierSettings returns the Stage 2 configuration.
func (r *Registry) ClassifierSettings() ClassifierSettings {
	return r.classifier
}

// SLA returns the SLA configuration.
func (r *Registry) SLA() SLASettings {
	return r.sla
}
