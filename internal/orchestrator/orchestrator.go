package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/model-release/internal/archive"
	"github.com/ILLUVRSE/model-release/internal/gate"
	"github.com/ILLUVRSE/model-release/internal/models"
	"github.com/ILLUVRSE/model-release/internal/notify"
	"github.com/ILLUVRSE/model-release/internal/registry"
	"github.com/ILLUVRSE/model-release/internal/serving"
	"github.com/ILLUVRSE/model-release/internal/store"
	"github.com/ILLUVRSE/model-release/internal/validator"
)

var (
	// ErrConflict is returned by Submit when an active run already exists for
	// the same (artifact, environment) pair.
	ErrConflict = store.ErrConflict

	ErrNotFound            = store.ErrNotFound
	ErrUnknownEnvironment  = errors.New("unknown environment")
	ErrNotAwaitingApproval = errors.New("run is not awaiting approval")
	ErrTerminalState       = errors.New("run is in a terminal state")
)

// Config tunes the orchestrator; zero values take defaults.
type Config struct {
	// MaxDeployAttempts caps retries of transient serving errors. Default 3.
	MaxDeployAttempts int
	Logger            *log.Logger
}

// Orchestrator owns the environment-promotion state machine. One goroutine per
// active run; a run's record is mutated only by its owning goroutine, so
// transitions within a run are strictly sequential.
type Orchestrator struct {
	store     store.Store
	registry  registry.Registry
	serving   serving.Manager
	validator *validator.Runner
	sink      notify.Sink
	archiver  archive.Archiver
	envs      map[string]models.Environment

	maxDeployAttempts int
	logger            *log.Logger

	mu        sync.Mutex
	approvals map[uuid.UUID]chan models.ApprovalRecord
	cancels   map[uuid.UUID]context.CancelFunc
	wg        sync.WaitGroup
}

func New(
	st store.Store,
	reg registry.Registry,
	srv serving.Manager,
	val *validator.Runner,
	sink notify.Sink,
	archiver archive.Archiver,
	envs map[string]models.Environment,
	cfg Config,
) *Orchestrator {
	if cfg.MaxDeployAttempts <= 0 {
		cfg.MaxDeployAttempts = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[orchestrator] ", log.LstdFlags)
	}
	if sink == nil {
		sink = &notify.LogSink{Logger: cfg.Logger}
	}
	return &Orchestrator{
		store:             st,
		registry:          reg,
		serving:           srv,
		validator:         val,
		sink:              sink,
		archiver:          archiver,
		envs:              envs,
		maxDeployAttempts: cfg.MaxDeployAttempts,
		logger:            cfg.Logger,
		approvals:         map[uuid.UUID]chan models.ApprovalRecord{},
		cancels:           map[uuid.UUID]context.CancelFunc{},
	}
}

// SubmitRequest initiates one promotion run.
type SubmitRequest struct {
	ArtifactID  uuid.UUID
	Environment string
	RequestedBy string
}

// Submit admits a promotion request and schedules its execution. The active
// run uniqueness invariant is enforced by the store's atomic check-and-insert;
// a duplicate submission fails with ErrConflict before entering the machine.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (models.PromotionRun, error) {
	if req.ArtifactID == uuid.Nil || req.Environment == "" {
		return models.PromotionRun{}, fmt.Errorf("artifactId and environment required")
	}
	env, ok := o.envs[req.Environment]
	if !ok {
		return models.PromotionRun{}, fmt.Errorf("%w: %s", ErrUnknownEnvironment, req.Environment)
	}
	if req.RequestedBy == "" {
		req.RequestedBy = "model-release"
	}
	artifact, err := o.registry.GetArtifact(ctx, req.ArtifactID)
	if err != nil {
		return models.PromotionRun{}, fmt.Errorf("get artifact: %w", err)
	}

	run, err := o.store.CreateRun(ctx, store.RunInput{
		ArtifactID:  req.ArtifactID,
		Environment: req.Environment,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		return models.PromotionRun{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[run.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.cancels, run.ID)
			delete(o.approvals, run.ID)
			o.mu.Unlock()
		}()
		o.execute(runCtx, run, artifact, env)
	}()

	return run, nil
}

func (o *Orchestrator) GetRun(ctx context.Context, id uuid.UUID) (models.PromotionRun, error) {
	return o.store.GetRun(ctx, id)
}

func (o *Orchestrator) ListRuns(ctx context.Context, filter store.ListRunsFilter) ([]models.PromotionRun, error) {
	return o.store.ListRuns(ctx, filter)
}

// Approve resolves an AwaitingApproval run in favor of promotion.
func (o *Orchestrator) Approve(ctx context.Context, id uuid.UUID, operator string) error {
	return o.decide(ctx, id, operator, true)
}

// Reject resolves an AwaitingApproval run as Failed.
func (o *Orchestrator) Reject(ctx context.Context, id uuid.UUID, operator string) error {
	return o.decide(ctx, id, operator, false)
}

func (o *Orchestrator) decide(ctx context.Context, id uuid.UUID, operator string, approved bool) error {
	o.mu.Lock()
	ch, ok := o.approvals[id]
	o.mu.Unlock()
	if !ok {
		run, err := o.store.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if run.State.Terminal() {
			return ErrTerminalState
		}
		return ErrNotAwaitingApproval
	}
	rec := models.ApprovalRecord{
		Approved:  approved,
		DecidedBy: operator,
		DecidedAt: time.Now().UTC(),
	}
	select {
	case ch <- rec:
		return nil
	default:
		return ErrNotAwaitingApproval
	}
}

// Cancel aborts a run at its next suspension point. Terminal runs are a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	cancel, ok := o.cancels[id]
	o.mu.Unlock()
	if ok {
		cancel()
		return nil
	}
	if _, err := o.store.GetRun(ctx, id); err != nil {
		return err
	}
	return nil
}

// Close waits for all in-flight runs to reach a terminal state. Pending runs
// are cancelled first.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// execute drives a run from Requested to a terminal state, one transition at
// a time.
func (o *Orchestrator) execute(ctx context.Context, run models.PromotionRun, artifact models.ArtifactVersion, env models.Environment) {
	runID := run.ID

	if err := o.transition(runID, models.StateRequested, models.StateDeploying,
		fmt.Sprintf("deploying artifact %s to %s", artifact.ID, env.Name)); err != nil {
		return
	}

	handle, err := o.deployWithRetry(ctx, artifact, env)
	if err != nil {
		detail := fmt.Sprintf("deploy failed: %v", err)
		if ctx.Err() != nil {
			detail = "cancelled during deploy"
		}
		o.fail(runID, models.StateDeploying, env, nil, detail)
		return
	}
	if err := o.store.SetEndpoint(o.persistCtx(), runID, handle.Name); err != nil {
		o.logger.Printf("record endpoint for run %s: %v", runID, err)
	}

	if err := o.transition(runID, models.StateDeploying, models.StateAwaitingReady,
		fmt.Sprintf("waiting for endpoint %s", handle.Name)); err != nil {
		return
	}

	switch outcome, cause := o.waitUntilReady(ctx, handle, env); outcome {
	case readyOK:
		// fall through to validation
	case readyCancelled:
		o.fail(runID, models.StateAwaitingReady, env, &handle, "cancelled while awaiting readiness")
		return
	case readyTimedOut:
		o.fail(runID, models.StateAwaitingReady, env, &handle,
			fmt.Sprintf("endpoint %s not ready within %s", handle.Name, env.ReadyTimeout()))
		return
	default:
		o.fail(runID, models.StateAwaitingReady, env, &handle, fmt.Sprintf("endpoint failed: %v", cause))
		return
	}

	if err := o.transition(runID, models.StateAwaitingReady, models.StateValidating,
		fmt.Sprintf("running suite %q", env.Suite)); err != nil {
		return
	}

	valCtx, valCancel := context.WithTimeout(ctx, env.ValidationTimeout())
	report, err := o.validator.Run(valCtx, handle, env.Suite)
	valCancel()
	if err != nil {
		detail := fmt.Sprintf("validation aborted: %v", err)
		if ctx.Err() != nil {
			detail = "cancelled during validation"
		}
		o.fail(runID, models.StateValidating, env, &handle, detail)
		return
	}
	if err := o.store.SetReport(o.persistCtx(), runID, report); err != nil {
		o.logger.Printf("persist report for run %s: %v", runID, err)
	}
	o.archiveReport(runID, env, report)

	decision, reason := gate.Evaluate(report, gate.PolicyFor(env), nil)
	switch decision {
	case gate.Allow:
		o.promote(runID, models.StateValidating, handle, env, artifact, reason)
	case gate.Block:
		o.setRegistryStatus(artifact.ID, models.ApprovalRejected)
		o.fail(runID, models.StateValidating, env, &handle, "gate blocked: "+reason)
	case gate.NeedsApproval:
		o.awaitApproval(ctx, runID, handle, env, artifact, reason)
	}
}

func (o *Orchestrator) awaitApproval(ctx context.Context, runID uuid.UUID, handle models.EndpointHandle, env models.Environment, artifact models.ArtifactVersion, reason string) {
	ch := make(chan models.ApprovalRecord, 1)
	o.mu.Lock()
	o.approvals[runID] = ch
	o.mu.Unlock()

	if err := o.transition(runID, models.StateValidating, models.StateAwaitingApproval, reason); err != nil {
		return
	}

	timer := time.NewTimer(env.ApprovalTimeout())
	defer timer.Stop()

	select {
	case rec := <-ch:
		o.mu.Lock()
		delete(o.approvals, runID)
		o.mu.Unlock()
		if err := o.store.SetApproval(o.persistCtx(), runID, rec); err != nil {
			o.logger.Printf("persist approval for run %s: %v", runID, err)
		}
		if rec.Approved {
			o.promote(runID, models.StateAwaitingApproval, handle, env, artifact,
				fmt.Sprintf("approved by %s", rec.DecidedBy))
			return
		}
		o.setRegistryStatus(artifact.ID, models.ApprovalRejected)
		o.fail(runID, models.StateAwaitingApproval, env, &handle,
			fmt.Sprintf("rejected by %s", rec.DecidedBy))
	case <-timer.C:
		o.dropApproval(runID)
		o.fail(runID, models.StateAwaitingApproval, env, &handle,
			fmt.Sprintf("approval not granted within %s", env.ApprovalTimeout()))
	case <-ctx.Done():
		o.dropApproval(runID)
		o.fail(runID, models.StateAwaitingApproval, env, &handle, "cancelled while awaiting approval")
	}
}

func (o *Orchestrator) dropApproval(runID uuid.UUID) {
	o.mu.Lock()
	delete(o.approvals, runID)
	o.mu.Unlock()
}

// promote records the new known-good config with an atomic swap and marks the
// run Promoted.
func (o *Orchestrator) promote(runID uuid.UUID, from models.RunState, handle models.EndpointHandle, env models.Environment, artifact models.ArtifactVersion, reason string) {
	o.setRegistryStatus(artifact.ID, models.ApprovalApproved)
	good := models.GoodConfig{
		Environment:  env.Name,
		EndpointName: handle.Name,
		ConfigName:   handle.ConfigName,
		ArtifactID:   artifact.ID,
		PromotedAt:   time.Now().UTC(),
	}
	if err := o.store.SetLastKnownGood(o.persistCtx(), good); err != nil {
		o.logger.Printf("record known-good config for %s: %v", env.Name, err)
	}
	if env.Monitoring.Enabled {
		// Monitoring covers the endpoint from here on; a schedule setup error
		// does not undo the promotion itself.
		monCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := o.serving.EnableMonitoring(monCtx, handle, env); err != nil {
			o.logger.Printf("enable monitoring for %s: %v", handle.Name, err)
		}
		cancel()
	}
	_ = o.transition(runID, from, models.StatePromoted, reason)
}

// fail terminates a run. When the failing attempt touched the environment's
// endpoint and a prior known-good config exists, the endpoint is restored and
// the run ends RolledBack; a restore failure ends RollbackFailed and is never
// auto-retried. With no prior config the endpoint created by this attempt is
// torn down and the run ends plain Failed.
func (o *Orchestrator) fail(runID uuid.UUID, from models.RunState, env models.Environment, handle *models.EndpointHandle, detail string) {
	if handle != nil {
		prior, err := o.store.GetLastKnownGood(o.persistCtx(), env.Name)
		if err == nil && prior.ConfigName != handle.ConfigName {
			o.rollback(runID, from, env, prior, detail)
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			if delErr := o.serving.Delete(o.persistCtx(), *handle); delErr != nil {
				o.logger.Printf("delete endpoint %s for run %s: %v", handle.Name, runID, delErr)
			} else {
				detail += "; endpoint deleted"
			}
		} else if err != nil {
			o.logger.Printf("read known-good config for %s: %v", env.Name, err)
		}
	}
	_ = o.transition(runID, from, models.StateFailed, detail)
}

func (o *Orchestrator) rollback(runID uuid.UUID, from models.RunState, env models.Environment, prior models.GoodConfig, detail string) {
	if err := o.transition(runID, from, models.StateRollingBack, detail); err != nil {
		return
	}
	restoreCtx, cancel := context.WithTimeout(context.Background(), env.ReadyTimeout())
	defer cancel()
	if _, err := o.serving.Restore(restoreCtx, env, prior); err != nil {
		_ = o.transition(runID, models.StateRollingBack, models.StateRollbackFailed,
			fmt.Sprintf("restore of %s to config %s failed: %v; operator intervention required", prior.EndpointName, prior.ConfigName, err))
		return
	}
	_ = o.transition(runID, models.StateRollingBack, models.StateRolledBack,
		fmt.Sprintf("restored %s to config %s (artifact %s)", prior.EndpointName, prior.ConfigName, prior.ArtifactID))
}

func (o *Orchestrator) deployWithRetry(ctx context.Context, artifact models.ArtifactVersion, env models.Environment) (models.EndpointHandle, error) {
	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 1; attempt <= o.maxDeployAttempts; attempt++ {
		if ctx.Err() != nil {
			return models.EndpointHandle{}, ctx.Err()
		}
		handle, err := o.serving.Deploy(ctx, artifact, env)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		if !serving.IsTransient(err) {
			return models.EndpointHandle{}, err
		}
		o.logger.Printf("deploy attempt %d/%d for %s failed: %v", attempt, o.maxDeployAttempts, env.Name, err)
		if attempt < o.maxDeployAttempts {
			select {
			case <-ctx.Done():
				return models.EndpointHandle{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return models.EndpointHandle{}, fmt.Errorf("deploy failed after %d attempts: %w", o.maxDeployAttempts, lastErr)
}

const terminalWriteRetries = 3

type readyOutcome int

const (
	readyOK readyOutcome = iota
	readyFailed
	readyTimedOut
	readyCancelled
)

// waitUntilReady polls endpoint status until InService, Failed, deadline, or
// cancellation. The poll is the run's suspension point; cancellation is
// honored between polls.
func (o *Orchestrator) waitUntilReady(ctx context.Context, handle models.EndpointHandle, env models.Environment) (readyOutcome, error) {
	deadline := time.Now().Add(env.ReadyTimeout())
	interval := env.PollInterval()

	for {
		if ctx.Err() != nil {
			return readyCancelled, ctx.Err()
		}
		pollCtx, cancel := context.WithTimeout(ctx, interval+5*time.Second)
		status, err := o.serving.GetStatus(pollCtx, handle)
		cancel()
		switch {
		case err != nil && serving.IsTransient(err):
			o.logger.Printf("poll %s: %v", handle.Name, err)
		case err != nil && status == models.EndpointFailed:
			return readyFailed, err
		case err != nil:
			if ctx.Err() != nil {
				return readyCancelled, ctx.Err()
			}
			return readyFailed, err
		case status == models.EndpointInService:
			return readyOK, nil
		case status == models.EndpointFailed, status == models.EndpointDeleted:
			return readyFailed, fmt.Errorf("endpoint %s entered status %s", handle.Name, status)
		}

		if time.Now().After(deadline) {
			return readyTimedOut, nil
		}
		select {
		case <-ctx.Done():
			return readyCancelled, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// transition appends one state change, enforcing machine legality, and
// publishes the matching event.
func (o *Orchestrator) transition(runID uuid.UUID, from, to models.RunState, detail string) error {
	if !models.CanTransition(from, to) {
		err := fmt.Errorf("illegal transition %s -> %s for run %s", from, to, runID)
		o.logger.Printf("%v", err)
		return err
	}
	tr := models.Transition{From: from, To: to, At: time.Now().UTC(), Detail: detail}
	run, err := o.store.AppendTransition(o.persistCtx(), runID, tr)
	// A terminal write that never lands strands the run in a non-terminal
	// state, which blocks every future submission for the pair through the
	// conflict check. Retry those writes through short store outages.
	for attempt := 1; err != nil && to.Terminal() && attempt <= terminalWriteRetries; attempt++ {
		o.logger.Printf("terminal write %s for run %s failed (attempt %d/%d): %v",
			to, runID, attempt, terminalWriteRetries, err)
		time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		run, err = o.store.AppendTransition(o.persistCtx(), runID, tr)
	}
	if err != nil {
		o.logger.Printf("append transition %s -> %s for run %s: %v", from, to, runID, err)
		return err
	}
	o.publish(run, tr)
	return nil
}

func (o *Orchestrator) publish(run models.PromotionRun, tr models.Transition) {
	evType := notify.EventTransition
	switch tr.To {
	case models.StateAwaitingApproval:
		evType = notify.EventApprovalRequested
	case models.StatePromoted:
		evType = notify.EventPromoted
	case models.StateFailed:
		evType = notify.EventFailed
	case models.StateRolledBack:
		evType = notify.EventRolledBack
	case models.StateRollbackFailed:
		evType = notify.EventRollbackFailed
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	o.sink.Publish(ctx, notify.Event{
		Type:        evType,
		RunID:       run.ID,
		ArtifactID:  run.ArtifactID,
		Environment: run.Environment,
		State:       tr.To,
		Detail:      tr.Detail,
		At:          tr.At,
	})
}

func (o *Orchestrator) archiveReport(runID uuid.UUID, env models.Environment, report models.ValidationReport) {
	if o.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.archiver.ArchiveReport(ctx, runID, env.Name, report); err != nil {
		o.logger.Printf("archive report for run %s: %v", runID, err)
	}
}

func (o *Orchestrator) setRegistryStatus(artifactID uuid.UUID, status models.ApprovalStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.registry.SetApprovalStatus(ctx, artifactID, status); err != nil {
		o.logger.Printf("set approval status %s for artifact %s: %v", status, artifactID, err)
	}
}

// persistCtx backs store writes that must land even when a run's own context
// is already cancelled.
func (o *Orchestrator) persistCtx() context.Context {
	return context.Background()
}
