package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"query-portal-engine/internal/driver"
	"query-portal-engine/internal/monitor"
	"query-portal-engine/internal/notify"
	"query-portal-engine/internal/request"
	"query-portal-engine/internal/worker"
)

// execute drives an executing request to its terminal state: resolve the
// target, take a slot, run the payload, bound the result, persist. Every
// failure becomes a stored error payload; nothing escapes to the caller.
func (e *Engine) execute(ctx context.Context, req *request.Request) {
	started := e.now()

	ctx, span := e.tracer.StartSpan(ctx, "execute",
		monitor.AttrToken.String(req.Token),
		monitor.AttrPayloadKind.String(string(req.PayloadKind)),
		monitor.AttrTargetKind.String(string(req.TargetKind)),
		monitor.AttrInstance.String(req.InstanceID),
	)
	defer span.End()
	defer e.limits.ReleaseExecution()

	params, err := e.targets.Resolve(req.InstanceID, req.DatabaseName)
	if err != nil {
		e.finishFailed(ctx, req, started, fmt.Errorf("resolving target: %w", err))
		return
	}

	memoryMB := e.cfg.QueryMemoryMB
	if req.PayloadKind == request.PayloadScript {
		memoryMB = e.cfg.ScriptMemoryMB
	}
	slot, err := e.slots.Acquire(ctx, req.ID, memoryMB)
	if err != nil {
		e.finishFailed(ctx, req, started, fmt.Errorf("acquiring execution slot: %w", err))
		return
	}
	defer slot.Release()

	var (
		payload   any
		truncated bool
		runErr    error
	)
	if req.PayloadKind == request.PayloadScript {
		payload, truncated, runErr = e.runScript(ctx, req, params)
	} else {
		payload, truncated, runErr = e.runQuery(ctx, req, params)
	}
	if runErr != nil {
		e.finishFailed(ctx, req, started, runErr)
		return
	}
	e.finishCompleted(ctx, req, started, payload, truncated)
}

// runQuery delegates to the driver for the target kind and bounds the
// returned rows.
func (e *Engine) runQuery(ctx context.Context, req *request.Request, params driver.ConnParams) (any, bool, error) {
	drv, err := e.drivers.ForKind(req.TargetKind)
	if err != nil {
		return nil, false, fmt.Errorf("selecting driver: %w", err)
	}
	qr, err := drv.Run(ctx, params, req.QueryContent)
	if err != nil {
		// The target engine's own message, verbatim. It is what the
		// submitter needs to fix the query.
		return nil, false, fmt.Errorf("%w: %v", ErrDriver, err)
	}

	rows := e.results.Validate(qr.Rows)
	payload := map[string]any{
		"columns":   qr.Columns,
		"rows":      rows.Result,
		"row_count": qr.RowCount,
	}
	return payload, rows.Truncated, nil
}

// runScript launches an isolated worker and bounds both its return value
// and its captured output.
func (e *Engine) runScript(ctx context.Context, req *request.Request, params driver.ConnParams) (any, bool, error) {
	outcome, err := e.scripts.Launch(ctx, worker.LaunchSpec{
		RequestID: req.ID,
		Language:  req.Language,
		Script:    req.ScriptContent,
		Target:    req.TargetKind,
		Params:    params,
		Timeout:   e.cfg.ExecutionTimeout,
	})
	if err != nil {
		if errors.Is(err, worker.ErrTimeout) {
			return nil, false, fmt.Errorf("%w after %s", worker.ErrTimeout, e.cfg.ExecutionTimeout)
		}
		return nil, false, fmt.Errorf("launching worker: %w", err)
	}
	if !outcome.Success {
		if outcome.Failure == nil {
			return nil, false, errors.New("worker reported failure without detail")
		}
		return nil, false, &scriptFailure{
			kind:    outcome.Failure.Type,
			message: outcome.Failure.Message,
		}
	}

	returnValue := e.results.Validate(outcome.Result)
	output := e.results.Validate(outcome.Output)
	payload := map[string]any{
		"return_value": returnValue.Result,
		"output":       output.Result,
	}
	return payload, returnValue.Truncated || output.Truncated, nil
}

func (e *Engine) finishCompleted(ctx context.Context, req *request.Request, started time.Time, payload any, truncated bool) {
	if err := req.Complete(payload, truncated, e.now()); err != nil {
		log.Error().Err(err).Str("token", req.Token).Msg("completing request")
		return
	}
	if err := e.store.Update(ctx, req); err != nil {
		log.Error().Err(err).Str("token", req.Token).Msg("persisting completed request")
	}

	elapsed := e.now().Sub(started)
	monitor.SpanFromContext(ctx).SetAttributes(
		monitor.AttrDurationMS.Int64(elapsed.Milliseconds()),
	)
	log.Info().
		Str("token", req.Token).
		Dur("duration", elapsed).
		Bool("truncated", truncated).
		Msg("execution completed")

	e.notifier.Notify(notify.Event{
		Kind:      "completed",
		Token:     req.Token,
		Status:    req.Status,
		Submitter: req.SubmitterID,
		At:        e.now(),
	})
}

func (e *Engine) finishFailed(ctx context.Context, req *request.Request, started time.Time, cause error) {
	category := Classify(cause)
	payload := request.ErrorPayload{
		Category: string(category),
		Message:  cause.Error(),
	}

	if err := req.Fail(payload, e.now()); err != nil {
		log.Error().Err(err).Str("token", req.Token).Msg("failing request")
		return
	}
	if err := e.store.Update(ctx, req); err != nil {
		// The store now disagrees with reality. Loud, because a request
		// stuck in executing is a correctness bug, not a cosmetic one.
		log.Error().Err(err).Str("token", req.Token).Msg("persisting failed request")
	}

	elapsed := e.now().Sub(started)
	monitor.SpanFromContext(ctx).SetAttributes(
		monitor.AttrCategory.String(string(category)),
		monitor.AttrDurationMS.Int64(elapsed.Milliseconds()),
	)
	log.Error().
		Str("token", req.Token).
		Str("category", string(category)).
		Str("cause", cause.Error()).
		Dur("duration", elapsed).
		Msg("execution failed")

	e.notifier.Notify(notify.Event{
		Kind:      "failed",
		Token:     req.Token,
		Status:    req.Status,
		Submitter: req.SubmitterID,
		Error:     &payload,
		At:        e.now(),
	})
}
