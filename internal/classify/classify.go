// Package classify derives a RoutingMeta from free-form prompt text. The
// heuristic stage always runs; an optional LLM refinement stage may
// overwrite its result when confidence is low and cloud backends are
// reachable.
package classify

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/aihq/cascade-router/internal/registry"
	"github.com/aihq/cascade-router/internal/routing"
)

// errorHints trigger the retask to code_review/code_crit_debug when found
// in a chit/QA/code prompt.
var errorHints = []string{"traceback", "exception", "error:"}

// Completer is the minimal remote-call surface the LLM refinement stage
// needs. internal/backend's invoker satisfies this structurally.
type Completer interface {
	Complete(ctx context.Context, backendID string, messages []routing.Message, deadlineMS int64) (string, error)
}

// Classifier implements the two-stage classify(messages) -> RoutingMeta
// strategy.
type Classifier struct {
	reg       *registry.Registry
	completer Completer
}

// New builds a Classifier. completer may be nil, in which case Stage 2 is
// always skipped regardless of config.
func New(reg *registry.Registry, completer Completer) *Classifier {
	return &Classifier{reg: reg, completer: completer}
}

// Classify runs the heuristic stage, then conditionally the LLM refinement
// stage, and returns the final RoutingMeta. cloudAvailable gates Stage 2.
func (c *Classifier) Classify(ctx context.Context, messages []routing.Message, cloudAvailable bool) routing.RoutingMeta {
	meta := c.heuristic(messages)

	settings := c.reg.ClassifierSettings()
	if c.completer == nil || !settings.LLMAssistEnabled || !cloudAvailable {
		return meta
	}
	if meta.Confidence >= settings.ConfidenceThreshold {
		return meta
	}

	if refined, ok := c.llmRefine(ctx, messages, settings); ok {
		return refined
	}
	return meta
}

// heuristic implements Stage 1: score tasks, derive complexity from the
// token count and the declared signals, then apply the critical-keyword
// and error-hint overrides.
func (c *Classifier) heuristic(messages []routing.Message) routing.RoutingMeta {
	text := concat(messages)
	lower := strings.ToLower(text)
	tokens := approxTokens(text)

	task, confidence := c.scoreTask(lower)
	def := c.taskDef(task)

	complexity := def.DefaultComplexity
	if !def.CriticalByNature {
		complexity = adjustByTokens(complexity, tokens, task)
	}

	settings := c.reg.ClassifierSettings()
	if settings.HighComplexityRegex != nil && settings.HighComplexityRegex.MatchString(text) {
		complexity = routing.Max(complexity, routing.ComplexityHigh)
	}

	for _, kw := range settings.CriticalKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			complexity = routing.ComplexityCritical
			confidence = math.Max(confidence, 0.9)
			break
		}
	}

	if containsAny(lower, errorHints) && isRetaskable(task) {
		if complexity >= routing.ComplexityHigh {
			task = routing.TaskCodeCritDebug
		} else {
			task = routing.TaskCodeReview
		}
		complexity = routing.Max(complexity, routing.ComplexityMedium)
	}

	return routing.RoutingMeta{
		Task:                task,
		Complexity:          complexity,
		Confidence:          confidence,
		RequiresLongContext: tokens > 4000,
		QualityScore:        5,
		ClassifierUsed:      routing.ClassifierHeuristic,
	}
}

// scoreTask does keyword/regex scoring with an argmax pick, tie-broken by
// declaration order.
func (c *Classifier) scoreTask(lower string) (routing.Task, float64) {
	var best routing.Task
	bestScore := 0.0

	// Tasks() is already in declaration order, and only a strictly higher
	// score replaces the incumbent, so the first declared task wins ties.
	for _, t := range c.reg.Tasks() {
		score := 0.0
		for _, kw := range t.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				score += 0.3
			}
		}
		if t.Pattern != nil && t.Pattern.MatchString(lower) {
			score += 0.8
		}
		if score > bestScore {
			best = t.Name
			bestScore = score
		}
	}

	if bestScore <= 0 {
		return routing.TaskSimpleQA, 0.5
	}
	return best, math.Min(1.0, bestScore)
}

func (c *Classifier) taskDef(task routing.Task) registry.TaskDef {
	for _, t := range c.reg.Tasks() {
		if t.Name == task {
			return t
		}
	}
	return registry.TaskDef{Name: task, DefaultComplexity: routing.ComplexityLow}
}

// adjustByTokens applies the token-count complexity ladder. "code-ish"
// means a code_gen/code_review/code_crit_debug task.
func adjustByTokens(base routing.Complexity, tokens int, task routing.Task) routing.Complexity {
	codeish := task == routing.TaskCodeGen || task == routing.TaskCodeReview || task == routing.TaskCodeCritDebug

	switch {
	case tokens < 50:
		return routing.ComplexityLow
	case tokens < 500:
		if base == routing.ComplexityLow && codeish {
			return routing.ComplexityMedium
		}
		return base
	case tokens < 2000:
		return routing.Max(base, routing.ComplexityMedium)
	default:
		return routing.Max(base, routing.ComplexityHigh)
	}
}

func isRetaskable(task routing.Task) bool {
	switch task {
	case routing.TaskChitchat, routing.TaskSimpleQA, routing.TaskCodeGen:
		return true
	default:
		return false
	}
}

// llmRefine implements Stage 2: a compact classification prompt sent to a
// cheap remote backend, parsed as "TASK: <name> COMPLEXITY: <level>
// QUALITY_SCORE: <int>". Any failure falls back silently.
func (c *Classifier) llmRefine(ctx context.Context, messages []routing.Message, settings registry.ClassifierSettings) (routing.RoutingMeta, bool) {
	prompt := refinementPrompt(messages)
	reply, err := c.completer.Complete(ctx, settings.ClassifierBackendID, []routing.Message{
		{Role: "user", Content: prompt},
	}, 10_000)
	if err != nil {
		return routing.RoutingMeta{}, false
	}

	task, complexity, quality, ok := parseRefinement(reply)
	if !ok {
		return routing.RoutingMeta{}, false
	}

	text := concat(messages)
	return routing.RoutingMeta{
		Task:                task,
		Complexity:          complexity,
		Confidence:          0.9,
		RequiresLongContext: approxTokens(text) > 4000,
		QualityScore:        quality,
		ClassifierUsed:      routing.ClassifierLLM,
	}, true
}

func refinementPrompt(messages []routing.Message) string {
	var sb strings.Builder
	sb.WriteString("Classify the following request. Respond with exactly one line:\n")
	sb.WriteString("TASK: <task_name> COMPLEXITY: <low|medium|high|critical> QUALITY_SCORE: <1-10>\n\n")
	sb.WriteString(concat(messages))
	return sb.String()
}

func parseRefinement(reply string) (routing.Task, routing.Complexity, int, bool) {
	taskName := extractField(reply, "TASK:")
	complexityName := extractField(reply, "COMPLEXITY:")
	qualityStr := extractField(reply, "QUALITY_SCORE:")

	if taskName == "" || complexityName == "" || qualityStr == "" {
		return "", 0, 0, false
	}

	complexity, err := routing.ParseComplexity(strings.ToLower(complexityName))
	if err != nil {
		return "", 0, 0, false
	}

	quality, err := strconv.Atoi(qualityStr)
	if err != nil || quality < 1 || quality > 10 {
		return "", 0, 0, false
	}

	if quality >= 8 {
		complexity = routing.ComplexityCritical
	}

	return routing.Task(taskName), complexity, quality, true
}

func extractField(reply, label string) string {
	idx := strings.Index(reply, label)
	if idx == -1 {
		return ""
	}
	rest := strings.TrimSpace(reply[idx+len(label):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimFunc(fields[0], func(r rune) bool { return r == ',' })
}

func concat(messages []routing.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Content)
		sb.WriteString(" ")
	}
	return sb.String()
}

func approxTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / 4.0))
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
