package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Steps gives a handler access to the recorded steps of the job it is running.
type Steps struct {
	o          *Orchestrator
	job        *models.Job
	progressed bool
}

func (s *Steps) JobID() uuid.UUID {
	return s.job.ID
}

// Now returns the orchestrator clock.
func (s *Steps) Now() time.Time {
	return s.o.now()
}

// RunStep executes fn at most once for the job under the given name. The output is
// recorded as JSON, later runs of the same job get the recorded output back without
// calling fn.
func RunStep[T any](ctx context.Context, s *Steps, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attrs := metric.WithAttributes(
		attribute.String("job.name", s.job.Name),
		attribute.String("step.name", name),
	)

	rec, err := s.o.store.GetStep(ctx, s.job.ID, name)
	switch {
	case err == nil:
		if rec.Kind != models.StepKindRun {
			return zero, Permanent(fmt.Errorf("step %q was recorded as a %s step", name, rec.Kind))
		}
		s.o.metrics.StepsReplayedTotal.Add(ctx, 1, attrs)
		zerolog.Ctx(ctx).Debug().Str("step", name).Msg("Step replayed")
		return decodeStep[T](name, rec.Output)
	case !errors.Is(err, store.ErrNotFound):
		return zero, fmt.Errorf("failed to load step %q: %w", name, err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, s.o.opts.StepTimeout)
	out, err := fn(stepCtx)
	cancel()
	if err != nil {
		s.o.metrics.StepErrorsTotal.Add(ctx, 1, attrs)
		return zero, fmt.Errorf("step %q: %w", name, err)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return zero, Permanent(fmt.Errorf("failed to encode output of step %q: %w", name, err))
	}

	saved, inserted, err := s.o.store.SaveStep(ctx, *s.job.LeaseToken, &models.StepRecord{
		JobID:       s.job.ID,
		Name:        name,
		Kind:        models.StepKindRun,
		Output:      data,
		CompletedAt: s.o.now(),
	})
	if err != nil {
		return zero, fmt.Errorf("failed to record step %q: %w", name, err)
	}

	s.progressed = true
	s.o.metrics.StepsExecutedTotal.Add(ctx, 1, attrs)
	zerolog.Ctx(ctx).Debug().Str("step", name).Msg("Step recorded")

	// another worker recorded the step first, its output is the one that counts
	if !inserted {
		return decodeStep[T](name, saved.Output)
	}

	return out, nil
}

func decodeStep[T any](name string, data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, Permanent(fmt.Errorf("failed to decode output of step %q: %w", name, err))
	}
	return v, nil
}

// SleepUntil suspends the job until t. The first call records the wake time, replays use
// the recorded time even if t has changed since. It returns nil once the wake time has
// passed, otherwise an error the handler must return unchanged.
func (s *Steps) SleepUntil(ctx context.Context, name string, t time.Time) error {
	rec, err := s.o.store.GetStep(ctx, s.job.ID, name)
	switch {
	case err == nil:
		if rec.Kind != models.StepKindSleep {
			return Permanent(fmt.Errorf("step %q was recorded as a %s step", name, rec.Kind))
		}
	case errors.Is(err, store.ErrNotFound):
		wakeAt := t.UTC()
		rec, _, err = s.o.store.SaveStep(ctx, *s.job.LeaseToken, &models.StepRecord{
			JobID:       s.job.ID,
			Name:        name,
			Kind:        models.StepKindSleep,
			WakeAt:      &wakeAt,
			CompletedAt: s.o.now(),
		})
		if err != nil {
			return fmt.Errorf("failed to record sleep %q: %w", name, err)
		}
		s.progressed = true
	default:
		return fmt.Errorf("failed to load step %q: %w", name, err)
	}

	if rec.WakeAt != nil {
		t = *rec.WakeAt
	}

	if !t.After(s.o.now()) {
		return nil
	}

	return &suspendError{step: name, until: t}
}

// Sleep suspends the job for d measured from the first time the step is reached.
func (s *Steps) Sleep(ctx context.Context, name string, d time.Duration) error {
	return s.SleepUntil(ctx, name, s.o.now().Add(d))
}
