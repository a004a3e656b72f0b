// Package stage executes one prompt stage of a run: it sends a prompt into
// an engine session, drains the turn's update stream, and forwards each
// update to the run's event sink as an engine event.
package stage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coderd/internal/acp"
	"github.com/fyrsmithlabs/coderd/internal/events"
	"github.com/fyrsmithlabs/coderd/internal/logging"
)

// Prompter is the slice of the engine session a stage needs.
type Prompter interface {
	Prompt(ctx context.Context, text string) (<-chan acp.Update, error)
}

// Runner drives prompt stages against an engine session.
type Runner struct {
	logger *logging.Logger
}

// NewRunner creates a Runner. logger may be nil.
func NewRunner(logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{logger: logger.Named("stage")}
}

// Run sends text into the session and forwards every update of the turn to
// sink, in arrival order, tagged with the stage name. It returns the number
// of updates forwarded; zero updates is a valid outcome. The update stream
// is always drained before Run returns.
func (r *Runner) Run(ctx context.Context, session Prompter, st events.Stage, runID, text string, sink events.Sink) (int, error) {
	ctx = logging.WithStage(ctx, string(st))
	r.logger.Info(ctx, "stage started", zap.String("stage", string(st)))

	updates, err := session.Prompt(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("stage %s: %w", st, err)
	}

	count := 0
	for update := range updates {
		sink.Emit(events.Event{
			Time:   time.Now().UTC(),
			RunID:  runID,
			Stage:  st,
			Origin: events.OriginEngine,
			Type:   eventType(update.Kind),
			Text:   update.Text,
		})
		count++
	}

	r.logger.Info(ctx, "stage complete",
		zap.String("stage", string(st)), zap.Int("updates", count))
	return count, nil
}

// eventType maps a normalized update kind onto the event model.
func eventType(kind acp.UpdateKind) events.Type {
	switch kind {
	case acp.UpdateThought:
		return events.TypeThought
	case acp.UpdateToolCall:
		return events.TypeToolCall
	default:
		return events.TypeMessage
	}
}
