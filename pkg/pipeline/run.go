package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/pkg/errors"
	"github.com/instill-ai/model-derivative-backend/pkg/format"
	"github.com/instill-ai/model-derivative-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// Run is one conversion, from authentication to a ready or failed job. A
// run is started at most once.
type Run struct {
	o        *Orchestrator
	observer Observer

	// emitMu serializes observer calls so snapshots are delivered in
	// transition order.
	emitMu sync.Mutex

	mu        sync.Mutex
	snap      Snapshot
	started   bool
	cancelled bool
	cancel    context.CancelFunc

	done chan struct{}
}

// Start validates the input and launches the run in its own goroutine. It
// returns ErrRunAlreadyStarted if the run has already been started, and
// the context error if the run was cancelled before starting.
//
// Cancelling ctx cancels the run.
func (r *Run) Start(ctx context.Context, in Input) error {
	r.mu.Lock()
	if r.started || r.snap.Stage != Idle {
		r.mu.Unlock()
		return errors.ErrRunAlreadyStarted
	}
	if r.cancelled {
		r.mu.Unlock()
		return context.Canceled
	}
	if err := ctx.Err(); err != nil {
		r.cancelled = true
		close(r.done)
		r.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	r.started = true
	r.cancel = cancel
	r.mu.Unlock()

	go r.run(ctx, in)
	return nil
}

// Cancel stops the run. No transition happens after Cancel returns, and the
// results of calls in flight are discarded. Cancel is idempotent, may be
// called before Start and may be called from the observer.
func (r *Run) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelled {
		return
	}
	r.cancelled = true
	if r.cancel != nil {
		r.cancel()
	}
	if !r.started {
		close(r.done)
	}
}

// Done is closed when the run goroutine has exited.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Snapshot returns the current state of the run.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Wait blocks until the run ends or ctx is done. When ctx ends first the
// run is cancelled.
func (r *Run) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-r.done:
		return r.Snapshot(), nil
	case <-ctx.Done():
		r.Cancel()
		return r.Snapshot(), ctx.Err()
	}
}

// Cancelled reports whether the run was cancelled.
func (r *Run) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// transition records next and delivers it to the observer. It reports
// false, without any effect, once the run is cancelled or terminal, and
// false when the observer cancelled the run.
func (r *Run) transition(next Snapshot) bool {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if r.cancelled || r.snap.Stage.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.snap = next
	r.mu.Unlock()

	if r.observer != nil {
		r.observer(next)
	}
	// The observer may have cancelled the run.
	return !r.Cancelled()
}

// enter moves the run to stage, keeping what is known about the job.
func (r *Run) enter(stage Stage) bool {
	next := r.Snapshot()
	next.Stage = stage
	return r.transition(next)
}

func (r *Run) fail(stage Stage, err error) {
	next := r.Snapshot()
	next.Stage = Failed
	next.Err = errorsx.AddMessage(&StageError{Stage: stage, Err: err}, errors.UserMessage(err))
	if !r.transition(next) {
		return
	}

	r.o.log.Warn("Conversion run failed",
		zap.String("stage", stage.String()),
		zap.String("urn", next.ArtifactRef),
		zap.Error(err))
}

// aborted reports whether the run must stop without any further
// transition because its context ended.
func (r *Run) aborted(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}

	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	return true
}

func (r *Run) run(ctx context.Context, in Input) {
	defer close(r.done)
	defer r.cancel()

	log := r.o.log.With(zap.String("object", in.Payload.Name), zap.String("bucket", in.BucketKey))

	if r.aborted(ctx) {
		return
	}

	target, err := resolve(in)
	if err != nil {
		// Nothing has been sent to the remote service at this point.
		r.fail(Submitting, err)
		return
	}

	cred, ok := r.authenticate(ctx)
	if !ok {
		return
	}

	if !r.enter(EnsuringBucket) {
		return
	}
	if cred, ok = r.fresh(ctx, cred, EnsuringBucket); !ok {
		return
	}
	err = r.o.svc.Store.EnsureBucket(ctx, cred, in.BucketKey)
	if r.aborted(ctx) {
		return
	}
	if err != nil {
		r.rejected(ctx, err)
		r.fail(EnsuringBucket, err)
		return
	}

	if !r.enter(Uploading) {
		return
	}
	if cred, ok = r.fresh(ctx, cred, Uploading); !ok {
		return
	}
	obj, err := r.o.svc.Store.Upload(ctx, cred, in.BucketKey, in.Payload.Name, in.Payload)
	if r.aborted(ctx) {
		return
	}
	if err != nil {
		r.rejected(ctx, err)
		r.fail(Uploading, err)
		return
	}

	next := r.Snapshot()
	next.Stage = Submitting
	next.ObjectID = obj.ObjectID
	if !r.transition(next) {
		return
	}
	if cred, ok = r.fresh(ctx, cred, Submitting); !ok {
		return
	}
	job, err := r.o.svc.Submitter.Submit(ctx, cred, obj, target)
	if r.aborted(ctx) {
		return
	}
	if err != nil {
		r.rejected(ctx, err)
		r.fail(Submitting, err)
		return
	}

	log.Info("Conversion job accepted",
		zap.String("urn", job.URN),
		zap.Bool("created", job.Created))

	next = r.Snapshot()
	next.Stage = Polling
	next.ArtifactRef = job.URN
	if !r.transition(next) {
		return
	}
	r.poll(ctx, cred, job.URN)
}

// resolve checks, once per run, that the payload kind can be converted
// remotely and that the target format exists.
func resolve(in Input) (types.TargetFormat, error) {
	if !in.TargetFormat.Valid() {
		return "", &errors.SubmitError{
			Kind:    errors.KindUnsupportedFormat,
			Message: fmt.Sprintf("target format %q", in.TargetFormat),
		}
	}

	profile, err := format.Resolve(in.Payload.Name)
	if err != nil {
		return "", &errors.SubmitError{Kind: errors.KindUnsupportedFormat, Err: err}
	}
	if !profile.Has(format.RemoteConversion) {
		return "", &errors.SubmitError{
			Kind:    errors.KindUnsupportedFormat,
			Message: fmt.Sprintf("%s models are not converted remotely (%s)", profile.Label, profile.Capabilities),
		}
	}
	return in.TargetFormat, nil
}

func (r *Run) authenticate(ctx context.Context) (types.Credential, bool) {
	if !r.enter(Authenticating) {
		return types.Credential{}, false
	}

	cred, err := r.o.svc.Credentials.Authenticate(ctx)
	if r.aborted(ctx) {
		return types.Credential{}, false
	}
	if err != nil {
		r.fail(Authenticating, err)
		return types.Credential{}, false
	}
	return cred, true
}

// fresh returns cred, or a new credential when cred expires within the
// configured skew. A failure to renew fails the run at stage.
func (r *Run) fresh(ctx context.Context, cred types.Credential, stage Stage) (types.Credential, bool) {
	if !cred.Expired(r.o.opts.Now(), r.o.opts.CredentialSkew) {
		return cred, true
	}

	r.o.log.Debug("Renewing expired credential", zap.String("stage", stage.String()))
	renewed, err := r.o.svc.Credentials.Authenticate(ctx)
	if r.aborted(ctx) {
		return types.Credential{}, false
	}
	if err != nil {
		r.fail(stage, err)
		return types.Credential{}, false
	}
	return renewed, true
}

// rejected invalidates the cached credential when err reports that the
// service refused it. It reports whether the credential was invalidated.
func (r *Run) rejected(ctx context.Context, err error) bool {
	if errors.KindOf(err) != errors.KindUnauthorized {
		return false
	}
	inv, ok := r.o.svc.Credentials.(CredentialInvalidator)
	if !ok {
		return false
	}

	if ierr := inv.Invalidate(context.WithoutCancel(ctx)); ierr != nil {
		r.o.log.Warn("Failed to invalidate rejected credential", zap.Error(ierr))
	}
	return true
}

// poll queries the job status every PollInterval until the job is done,
// the run is cancelled, or too many consecutive polls fail.
func (r *Run) poll(ctx context.Context, cred types.Credential, urn types.URNType) {
	timer := time.NewTimer(r.o.opts.PollInterval)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			r.aborted(ctx)
			return
		case <-timer.C:
		}

		var ok bool
		if cred, ok = r.fresh(ctx, cred, Polling); !ok {
			return
		}

		status, err := r.o.svc.Poller.Poll(ctx, cred, urn)
		if r.aborted(ctx) {
			return
		}

		switch {
		case err != nil:
			if r.rejected(ctx, err) {
				// The next poll authenticates again.
				cred = types.Credential{}
			}
			failures++
			r.o.log.Warn("Status poll failed",
				zap.String("urn", urn),
				zap.Int("consecutiveFailures", failures),
				zap.Error(err))
			if failures >= r.o.opts.MaxConsecutivePollFailures {
				r.fail(Polling, err)
				return
			}

		case status.State == types.JobStateSucceeded:
			next := r.Snapshot()
			next.Stage = Ready
			next.Progress = 1
			next.Messages = status.Messages
			if r.transition(next) {
				r.o.log.Info("Conversion ready", zap.String("urn", urn))
			}
			return

		case status.State == types.JobStateFailed:
			r.setPolled(status)
			r.fail(Polling, &errors.ConversionFailed{URN: urn, Messages: status.Messages})
			return

		default:
			failures = 0
			if !r.progress(status) {
				return
			}
		}

		timer.Reset(r.o.opts.PollInterval)
	}
}

// progress reports an in-progress poll. A snapshot is delivered only when
// the progress or the diagnostics changed.
func (r *Run) progress(status types.JobStatus) bool {
	cur := r.Snapshot()
	if cur.Stage != Polling {
		return false
	}
	if cur.Progress == status.Progress && len(cur.Messages) == len(status.Messages) {
		return true
	}

	cur.Progress = status.Progress
	cur.Messages = status.Messages
	return r.transition(cur)
}

// setPolled records the last manifest without notifying the observer.
func (r *Run) setPolled(status types.JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.Stage.Terminal() {
		return
	}
	r.snap.Progress = status.Progress
	r.snap.Messages = status.Messages
}
