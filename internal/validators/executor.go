package validators

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"deployproof/internal/config"
	"deployproof/internal/domain"
)

var ErrUnknownLevel = errors.New("unknown validation level")

// Executor runs the validators of a level sequentially in level order.
type Executor struct {
	Registry *Registry
	Config   config.ValidatorConfig
	Access   AccessSet
	Log      *zap.Logger
	Now      func() time.Time
}

func (e Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Executor) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// Plan returns the ordered validator names for level.
func (e Executor) Plan(level string) ([]string, error) {
	names, ok := e.Config.Level(level)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLevel, level)
	}
	return names, nil
}

// Execute attempts every planned validator. Validator errors and panics are
// converted to outcomes; only cancellation of ctx is returned as an error.
func (e Executor) Execute(ctx context.Context, level string, components []domain.Component, vc *Context) (domain.ExecutionReport, error) {
	planned, err := e.Plan(level)
	if err != nil {
		return domain.ExecutionReport{}, err
	}
	report := domain.ExecutionReport{Level: level, Planned: planned, Outcomes: []domain.ValidatorOutcome{}}
	started := e.now()
	for _, name := range planned {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		v, ok := e.lookup(name)
		if !ok {
			e.log().Warn("validator not registered", zap.String("validator", name), zap.String("level", level))
			continue
		}
		spec := e.Config.Spec(name)
		var outcome domain.ValidatorOutcome
		if missing := e.Access.Missing(spec.Access); len(missing) > 0 {
			outcome = domain.ValidatorOutcome{
				Validator: name,
				Status:    domain.StatusNoAccess,
				Details:   details("missing_access", missing),
			}
		} else {
			outcome = e.runOne(ctx, v, spec, components, vc)
			if err := ctx.Err(); err != nil {
				return report, err
			}
		}
		report.Outcomes = append(report.Outcomes, outcome)
		report.Counts.Add(outcome.Status)
		report.Executed++
		e.log().Debug("validator finished",
			zap.String("validator", name),
			zap.String("status", string(outcome.Status)),
			zap.Duration("duration", outcome.Duration))
	}
	report.Duration = e.now().Sub(started)
	report.DurationMS = report.Duration.Milliseconds()
	return report, nil
}

func (e Executor) lookup(name string) (Validator, bool) {
	if e.Registry == nil {
		return nil, false
	}
	return e.Registry.Get(name)
}

func (e Executor) runOne(ctx context.Context, v Validator, spec config.ValidatorSpec, components []domain.Component, vc *Context) domain.ValidatorOutcome {
	started := e.now()
	res, err := safeRun(ctx, v, components, vc)
	if err == nil && !validStatus(res.Status) {
		err = fmt.Errorf("validator returned status %q", res.Status)
	}
	outcome := domain.ValidatorOutcome{Validator: v.Name()}
	if err != nil {
		status := domain.StatusWarning
		if spec.FailureMode == config.FailureCritical {
			status = domain.StatusFailed
		}
		e.log().Warn("validator error", zap.String("validator", v.Name()), zap.Error(err))
		outcome.Status = status
		outcome.Details = details("error", err.Error())
	} else {
		outcome.Status = res.Status
		outcome.Details = res.Details
		outcome.Notes = res.Notes
	}
	outcome.Duration = e.now().Sub(started)
	outcome.DurationMS = outcome.Duration.Milliseconds()
	return outcome
}

func safeRun(ctx context.Context, v Validator, components []domain.Component, vc *Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panic: %v", r)
		}
	}()
	return v.Run(ctx, components, vc)
}

func validStatus(s domain.ValidatorStatus) bool {
	switch s {
	case domain.StatusSuccess, domain.StatusFailed, domain.StatusWarning, domain.StatusSkipped, domain.StatusNoAccess:
		return true
	}
	return false
}
