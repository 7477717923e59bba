package threatintel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bissquit/soc-garden/internal/domain"
)

// NoopRunner acknowledges automated steps without running their scripts.
// It stands in until a real automation backend is wired; the recorded result
// makes it obvious in execution history that nothing was actually run.
type NoopRunner struct{}

// Run records the step as acknowledged.
func (NoopRunner) Run(_ context.Context, step domain.PlaybookStep) (string, error) {
	slog.Info("automated step acknowledged without execution",
		"step_id", step.ID,
		"step_number", step.StepNumber,
	)
	if step.AutomationScript == "" {
		return "acknowledged: no automation script attached", nil
	}
	return fmt.Sprintf("acknowledged: script %q not executed (no automation backend configured)", step.AutomationScript), nil
}
