package cascade

import (
	"strings"

	"github.com/aihq/cascade-router/internal/routing"
)

// reviewMarkers are the words a code_review response must mention at
// least one of.
var reviewMarkers = []string{"issue", "fix", "bug", "error", "suggestion", "correct"}

// qualityGate applies the task-specific, content-surface-only check: an
// empty response always fails, code_gen needs a code marker, code_review
// needs a review marker, system_design needs bullets.
func qualityGate(task routing.Task, response string) (ok bool, reason string) {
	if strings.TrimSpace(response) == "" {
		return false, "empty_response"
	}

	switch task {
	case routing.TaskCodeGen:
		lower := strings.ToLower(response)
		if strings.Contains(response, "```") || strings.Contains(lower, "def ") ||
			strings.Contains(lower, "class ") || strings.Contains(lower, "import ") {
			return true, ""
		}
		return false, "missing_code_block"
	case routing.TaskCodeReview:
		lower := strings.ToLower(response)
		for _, marker := range reviewMarkers {
			if strings.Contains(lower, marker) {
				return true, ""
			}
		}
		return false, "missing_review_content"
	case routing.TaskSystemDesign:
		if strings.ContainsAny(response, "-*#") {
			return true, ""
		}
		return false, "missing_structure_bullets"
	default:
		return true, ""
	}
}
