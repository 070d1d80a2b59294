package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/haatos/simple-cd/internal"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/haatos/simple-cd/internal/util"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

type RunWriter interface {
	CreateRun(context.Context, string, string, *string) (*store.Run, error)
	UpdateRunStartedOn(context.Context, int64, time.Time) error
	UpdateRunEndedOn(context.Context, int64, store.RunStatus, *string, *string, *string, time.Time) error
	AppendRunOutput(context.Context, int64, string) error
	CreateStageResult(context.Context, *store.StageResult) error
	DeleteRunsEndedBefore(context.Context, time.Time) (int64, error)
}

type RunReader interface {
	ReadRunByID(context.Context, int64) (*store.Run, error)
	ReadRunOutput(context.Context, int64) (string, error)
	ListStageResults(context.Context, int64) ([]store.StageResult, error)
	ListTargetRunsPaginated(context.Context, string, int64, int64) ([]store.Run, error)
	CountTargetRuns(context.Context, string) (int64, error)
	ListActiveRuns(context.Context) ([]store.Run, error)
}

type RunStore interface {
	RunWriter
	RunReader
}

type Builder interface {
	Build(ctx context.Context, sourceRoot string, opts BuildOptions) (*Artifact, error)
}

type Deployer interface {
	Deploy(ctx context.Context, artifact *Artifact, target *Target) (string, error)
}

type TriggerRequest struct {
	Target string
	// Mode overrides the target's configured mode when set.
	Mode Mode
	// ArtifactRef names the artifact a deploy-only run publishes.
	ArtifactRef string
}

type PipelineOptions struct {
	Workspace    string
	StageTimeout time.Duration
	RetryBackoff time.Duration
	Logger       zerolog.Logger
	Events       EventPublisher
	Metrics      *Metrics
}

// PipelineService triggers runs and drives them through their stages. Runs
// for one target are admitted one at a time by the lease controller, in
// trigger order.
type PipelineService struct {
	targets   *Targets
	runStore  RunStore
	leases    *LeaseController
	artifacts ArtifactStore
	resolver  ContentResolver
	builder   Builder
	deployer  Deployer

	workspace    string
	stageTimeout time.Duration
	retryBackoff time.Duration
	logger       zerolog.Logger
	events       EventPublisher
	metrics      *Metrics
	handles      *runHandles
	now          func() time.Time
}

func NewPipelineService(
	targets *Targets,
	runStore RunStore,
	leases *LeaseController,
	artifacts ArtifactStore,
	resolver ContentResolver,
	builder Builder,
	deployer Deployer,
	opts PipelineOptions,
) *PipelineService {
	ps := &PipelineService{
		targets:      targets,
		runStore:     runStore,
		leases:       leases,
		artifacts:    artifacts,
		resolver:     resolver,
		builder:      builder,
		deployer:     deployer,
		workspace:    opts.Workspace,
		stageTimeout: opts.StageTimeout,
		retryBackoff: opts.RetryBackoff,
		logger:       opts.Logger,
		events:       opts.Events,
		metrics:      opts.Metrics,
		handles:      newRunHandles(),
		now:          time.Now,
	}
	if ps.workspace == "" {
		ps.workspace = os.TempDir()
	}
	if ps.stageTimeout <= 0 {
		ps.stageTimeout = 30 * time.Minute
	}
	if ps.retryBackoff <= 0 {
		ps.retryBackoff = 2 * time.Second
	}
	if ps.events == nil {
		ps.events = NopEventPublisher{}
	}
	return ps
}

func (ps *PipelineService) Targets() []*Target {
	return ps.targets.All()
}

// LeaseStatus reports the current holder of target's lease and the length
// of its queue.
func (ps *PipelineService) LeaseStatus(target string) (LeaseInfo, bool) {
	return ps.leases.Holder(target)
}

// Trigger creates a pending run for the named target and queues it for
// admission. The run executes in the background; the returned handle
// observes it.
func (ps *PipelineService) Trigger(ctx context.Context, req TriggerRequest) (*RunHandle, error) {
	target, ok := ps.targets.Lookup(req.Target)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, req.Target)
	}
	mode := req.Mode
	if mode == "" {
		mode = target.Mode
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	var artifactRef *ArtifactRef
	switch {
	case mode == ModeDeployOnly:
		if req.ArtifactRef == "" {
			return nil, fmt.Errorf("%w: deploy-only requires an artifact reference", ErrInvalidMode)
		}
		ref, err := ParseArtifactRef(req.ArtifactRef)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMode, err)
		}
		artifactRef = &ref
	case req.ArtifactRef != "":
		return nil, fmt.Errorf("%w: artifact reference only applies to deploy-only runs", ErrInvalidMode)
	}

	var refValue *string
	if artifactRef != nil {
		refValue = util.AsPtr(artifactRef.String())
	}
	run, err := ps.runStore.CreateRun(ctx, target.Name, string(mode), refValue)
	if err != nil {
		return nil, err
	}

	h := newRunHandle(run, mode)
	ps.handles.add(h)
	ticket := ps.leases.Request(target.Name, run.RunID)
	ps.metrics.RunStarted(target.Name)
	ps.publish(run.RunID, target.Name, mode, store.StatusPending, nil, nil, nil)

	go ps.execute(h, target, ticket, artifactRef)
	return h, nil
}

func (ps *PipelineService) execute(
	h *RunHandle,
	target *Target,
	ticket *LeaseTicket,
	artifactRef *ArtifactRef,
) {
	logger := ps.logger.With().
		Int64("run_id", h.RunID).
		Str("target", target.Name).
		Str("mode", string(h.Mode)).
		Logger()

	requested := ps.now()
	lease, err := ticket.Wait(h.ctx)
	if err != nil {
		// canceled while pending; Cancel already finished the run
		logger.Info().Err(err).Msg("run left the queue")
		return
	}
	if !h.admit(lease) {
		_ = ps.leases.Release(lease)
		return
	}
	ps.metrics.ObserveLeaseWait(target.Name, ps.now().Sub(requested))

	// a reclaimed or force-released lease aborts the run
	stop := context.AfterFunc(lease.Context(), func() {
		h.cancel(context.Cause(lease.Context()))
	})
	defer stop()

	if err := ps.runStore.UpdateRunStartedOn(context.Background(), h.RunID, ps.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return
		}
		logger.Error().Err(err).Msg("err marking run started")
		ps.finish(h, store.StatusFailed, nil, util.AsPtr(err.Error()), nil)
		return
	}
	if !h.setStatus(store.StatusRunning) {
		return
	}
	ps.publish(h.RunID, target.Name, h.Mode, store.StatusRunning, nil, nil, nil)
	logger.Info().Str("lease", lease.ID).Msg("run admitted")

	workdir := filepath.Join(
		ps.workspace,
		util.Slugify(target.Name),
		fmt.Sprintf("%d_%s", h.RunID, ps.now().UTC().Format(internal.RunDirLayout)),
	)
	defer os.RemoveAll(workdir)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		ps.finish(h, store.StatusFailed, nil, util.AsPtr(err.Error()), nil)
		return
	}

	output := newRunOutput(h.RunID, ps.runStore, logger)
	defer output.Flush()
	rs := &runState{
		run:         &store.Run{RunID: h.RunID, Target: target.Name, Mode: string(h.Mode)},
		target:      target,
		workdir:     workdir,
		lease:       lease,
		artifactRef: artifactRef,
		output:      output,
		logger:      logger,
	}

	status, failedStage, errDetail := ps.runStages(h, rs)
	var url *string
	if rs.url != "" {
		url = &rs.url
	}
	if ps.finish(h, status, failedStage, errDetail, url) {
		logger.Info().Str("status", string(status)).Msg("run finished")
	}
}

// runStages executes the mode's stages in order and records one stage result
// per stage. The first failure skips every later stage.
func (ps *PipelineService) runStages(
	h *RunHandle,
	rs *runState,
) (store.RunStatus, *string, *string) {
	status := store.StatusSucceeded
	var failedStage, errDetail *string
	funcs := ps.stageFuncs()

	for i, name := range StageNames(h.Mode) {
		sr := &store.StageResult{
			StageRunID: h.RunID,
			Position:   i,
			Name:       name,
		}
		if status != store.StatusSucceeded {
			sr.Status = store.StageSkipped
			ps.recordStage(rs, sr)
			continue
		}

		h.setStage(name)
		fmt.Fprintf(rs.output, "=== %s ===\n", name)
		startedOn := ps.now()
		attempts, err := ps.runStage(h.ctx, rs, name, funcs[name])
		endedOn := ps.now()
		sr.Attempts = attempts
		sr.StartedOn = &startedOn
		sr.EndedOn = &endedOn

		switch {
		case err == nil:
			sr.Status = store.StageSucceeded
			if rs.artifactRef != nil && name != StageBuild {
				sr.ArtifactRef = util.AsPtr(rs.artifactRef.String())
			} else if rs.artifact != nil {
				sr.ArtifactRef = util.AsPtr(rs.artifact.Ref.String())
			}
			if name == StageDeploy && rs.url != "" {
				sr.URL = util.AsPtr(rs.url)
			}
		case isCancel(err):
			sr.Status = store.StageCanceled
			sr.Error = util.AsPtr(err.Error())
			status = store.StatusCanceled
			errDetail = sr.Error
		default:
			sr.Status = store.StageFailed
			sr.Error = util.AsPtr(err.Error())
			status = store.StatusFailed
			failedStage = util.AsPtr(name)
			errDetail = sr.Error
			fmt.Fprintf(rs.output, "FAIL || stage %s: %v\n", name, err)
			rs.logger.Error().Err(err).Str("stage", name).Msg("stage failed")
		}
		ps.metrics.ObserveStage(name, string(sr.Status), endedOn.Sub(startedOn))
		ps.recordStage(rs, sr)
	}
	return status, failedStage, errDetail
}

func (ps *PipelineService) recordStage(rs *runState, sr *store.StageResult) {
	if err := ps.runStore.CreateStageResult(context.Background(), sr); err != nil {
		rs.logger.Error().Err(err).Str("stage", sr.Name).Msg("err recording stage result")
	}
}

// runStage runs one stage under its timeout, retrying failed attempts when
// the target configures retries. Cancellation of the run is never retried.
func (ps *PipelineService) runStage(
	runCtx context.Context,
	rs *runState,
	name string,
	fn stageFunc,
) (int, error) {
	timeout := rs.target.StageTimeout(name, ps.stageTimeout)
	backoff := retry.WithMaxRetries(
		uint64(rs.target.StageRetries(name)),
		retry.NewExponential(ps.retryBackoff),
	)

	if runCtx.Err() != nil {
		return 0, runAbortError(runCtx, nil)
	}

	attempts := 0
	err := retry.Do(runCtx, backoff, func(ctx context.Context) error {
		// each attempt starts with a full lease TTL
		if err := ps.leases.Renew(rs.lease); err != nil {
			if cause := rs.lease.Err(); cause != nil {
				return cause
			}
			return err
		}
		attempts++
		err := ps.runAttempt(ctx, rs, name, fn, attempts, timeout)
		if err == nil {
			return nil
		}
		if runCtx.Err() != nil || errors.Is(err, ErrArtifactNotFound) {
			return err
		}
		fmt.Fprintf(rs.output, "attempt %d of %s failed: %v\n", attempts, name, err)
		return retry.RetryableError(err)
	})
	if err != nil && runCtx.Err() != nil {
		return attempts, runAbortError(runCtx, err)
	}
	return attempts, err
}

// runAbortError reports why the run context ended: operator cancellation,
// or a lease that was reclaimed underneath the run.
func runAbortError(runCtx context.Context, stageErr error) error {
	cause := context.Cause(runCtx)
	if isCancel(cause) || stageErr == nil {
		return cause
	}
	return fmt.Errorf("%w (stage error: %v)", cause, stageErr)
}

func (ps *PipelineService) runAttempt(
	ctx context.Context,
	rs *runState,
	name string,
	fn stageFunc,
	attempt int,
	timeout time.Duration,
) (err error) {
	ctx, cancel := context.WithTimeoutCause(
		ctx, timeout,
		fmt.Errorf("stage %s exceeded its timeout of %s", name, timeout),
	)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			rs.logger.Error().Interface("panic", r).Str("stage", name).Msg("stage panicked")
			err = fmt.Errorf("panic in stage %s: %v", name, r)
		}
	}()

	err = fn(ctx, rs, attempt)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", context.Cause(ctx), err)
	}
	return err
}

// finish moves the run to a terminal status exactly once, persists it and
// releases the run's lease. It reports whether this call finished the run.
func (ps *PipelineService) finish(
	h *RunHandle,
	status store.RunStatus,
	failedStage, errDetail, url *string,
) bool {
	cause := error(ErrLeaseReleased)
	if status == store.StatusCanceled {
		cause = ErrRunCanceled
	}
	return ps.finishWithCause(h, status, failedStage, errDetail, url, cause)
}

// finishWithCause is finish with the cause handed to the run's context and
// its lease. The run is persisted terminal before the lease moves on to the
// next waiter.
func (ps *PipelineService) finishWithCause(
	h *RunHandle,
	status store.RunStatus,
	failedStage, errDetail, url *string,
	cause error,
) bool {
	lease, ok := h.markFinished(status)
	if !ok {
		return false
	}

	if err := ps.runStore.UpdateRunEndedOn(
		context.Background(),
		h.RunID,
		status,
		failedStage,
		errDetail,
		url,
		ps.now(),
	); err != nil && !errors.Is(err, sql.ErrNoRows) {
		ps.logger.Error().Err(err).Int64("run_id", h.RunID).Msg("err updating run status")
	}
	h.cancel(cause)
	if lease != nil {
		if err := ps.leases.Revoke(lease, cause); err != nil && !errors.Is(err, ErrLeaseNotHeld) {
			ps.logger.Error().Err(err).Int64("run_id", h.RunID).Msg("err releasing lease")
		}
	}
	ps.handles.remove(h.RunID)
	ps.metrics.RunFinished(h.Target, string(status))
	ps.publish(h.RunID, h.Target, h.Mode, status, failedStage, errDetail, url)
	close(h.done)
	return true
}

// Cancel aborts a pending or running run. The run's lease is released before
// Cancel returns; termination of an in-flight external process is best
// effort.
func (ps *PipelineService) Cancel(ctx context.Context, runID int64) error {
	h, ok := ps.handles.get(runID)
	if !ok {
		run, err := ps.runStore.ReadRunByID(ctx, runID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrRunNotFound, runID)
		}
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return fmt.Errorf("%w: run %d is %s", ErrRunNotActive, runID, run.Status)
		}
		// left behind by an earlier process
		return ps.runStore.UpdateRunEndedOn(
			ctx, runID, store.StatusCanceled, nil,
			util.AsPtr(ErrRunCanceled.Error()), nil, ps.now(),
		)
	}

	if !ps.finish(h, store.StatusCanceled, nil, util.AsPtr(ErrRunCanceled.Error()), nil) {
		return fmt.Errorf("%w: run %d already finished", ErrRunNotActive, runID)
	}
	ps.logger.Info().Int64("run_id", runID).Str("target", h.Target).Msg("run canceled")
	return nil
}

// ReleaseLease force-releases the lease held on target. The holding run is
// failed with a lease timeout before the next waiter is admitted.
func (ps *PipelineService) ReleaseLease(ctx context.Context, target string) (*Lease, error) {
	if _, ok := ps.targets.Lookup(target); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	l, ok := ps.leases.Held(target)
	if !ok || !ps.revokeLease(l, fmt.Errorf("%w: released by operator", ErrLeaseTimeout)) {
		return nil, ErrLeaseNotHeld
	}
	ps.metrics.LeaseReclaimed(target, "operator")
	ps.logger.Warn().Str("target", target).Int64("run_id", l.RunID).Msg("lease released by operator")
	return l, nil
}

// ReclaimExpiredLeases revokes leases held past their TTL. Holders end failed
// with a lease timeout even when their current stage ignores cancellation.
func (ps *PipelineService) ReclaimExpiredLeases() int {
	reclaimed := 0
	for _, l := range ps.leases.Expired() {
		cause := fmt.Errorf("%w: held since %s", ErrLeaseTimeout, l.AcquiredOn.Format(time.RFC3339))
		if !ps.revokeLease(l, cause) {
			continue
		}
		reclaimed++
		ps.metrics.LeaseReclaimed(l.Group, "timeout")
		ps.logger.Warn().
			Str("target", l.Group).
			Int64("run_id", l.RunID).
			Time("acquired_on", l.AcquiredOn).
			Msg("reclaimed expired lease")
	}
	return reclaimed
}

// revokeLease takes l away from its holder. A run holding l is finished as
// failed first, so its running window ends before the next run is admitted.
// It reports false when l was no longer held.
func (ps *PipelineService) revokeLease(l *Lease, cause error) bool {
	if h, ok := ps.handles.get(l.RunID); ok && h.holds(l) {
		var failedStage *string
		if stage := h.currentStage(); stage != "" {
			failedStage = &stage
		}
		return ps.finishWithCause(h, store.StatusFailed, failedStage, util.AsPtr(cause.Error()), nil, cause)
	}
	return ps.leases.Revoke(l, cause) == nil
}

// RecoverInterruptedRuns fails runs that a previous process left pending or
// running, so their targets are not wedged.
func (ps *PipelineService) RecoverInterruptedRuns(ctx context.Context) (int, error) {
	runs, err := ps.runStore.ListActiveRuns(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, r := range runs {
		if _, ok := ps.handles.get(r.RunID); ok {
			continue
		}
		detail := fmt.Sprintf("%v: run interrupted by a restart while %s", ErrLeaseTimeout, r.Status)
		if err := ps.runStore.UpdateRunEndedOn(
			ctx, r.RunID, store.StatusFailed, nil, &detail, nil, ps.now(),
		); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return recovered, err
		}
		recovered++
		ps.logger.Warn().Int64("run_id", r.RunID).Str("target", r.Target).Msg("recovered interrupted run")
	}
	return recovered, nil
}

func (ps *PipelineService) GetRun(ctx context.Context, runID int64) (*store.Run, error) {
	run, err := ps.runStore.ReadRunByID(ctx, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRunNotFound, runID)
	}
	return run, err
}

func (ps *PipelineService) GetRunOutput(ctx context.Context, runID int64) (string, error) {
	out, err := ps.runStore.ReadRunOutput(ctx, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %d", ErrRunNotFound, runID)
	}
	return out, err
}

func (ps *PipelineService) ListTargetRuns(
	ctx context.Context,
	target string,
	limit, offset int64,
) ([]store.Run, int64, error) {
	if _, ok := ps.targets.Lookup(target); !ok {
		return nil, 0, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	runs, err := ps.runStore.ListTargetRunsPaginated(ctx, target, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := ps.runStore.CountTargetRuns(ctx, target)
	return runs, total, err
}

func (ps *PipelineService) PruneArtifacts(ctx context.Context) (int, error) {
	return ps.artifacts.PruneExpired(ctx)
}

// DeleteArtifact withdraws a stored artifact; later deploy-only runs that
// reference it fail with ErrArtifactNotFound.
func (ps *PipelineService) DeleteArtifact(ctx context.Context, ref ArtifactRef) error {
	if err := ps.artifacts.Delete(ctx, ref); err != nil {
		return err
	}
	ps.logger.Info().Str("artifact", ref.String()).Msg("artifact deleted")
	return nil
}

func (ps *PipelineService) DeleteRunsEndedBefore(ctx context.Context, before time.Time) (int64, error) {
	return ps.runStore.DeleteRunsEndedBefore(ctx, before)
}

// Shutdown cancels every active run and waits for them to finish or for ctx
// to end.
func (ps *PipelineService) Shutdown(ctx context.Context) {
	defer ps.events.Close()
	for _, h := range ps.handles.all() {
		_ = ps.Cancel(ctx, h.RunID)
		select {
		case <-h.Done():
		case <-ctx.Done():
			return
		}
	}
}

func (ps *PipelineService) publish(
	runID int64,
	target string,
	mode Mode,
	status store.RunStatus,
	failedStage, errDetail, url *string,
) {
	ps.events.PublishRunEvent(RunEvent{
		RunID:       runID,
		Target:      target,
		Mode:        string(mode),
		Status:      string(status),
		FailedStage: util.Deref(failedStage),
		Error:       util.Deref(errDetail),
		URL:         util.Deref(url),
		Time:        ps.now().UTC(),
	})
}
