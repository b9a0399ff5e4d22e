package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/pkg/events"
	"github.com/instill-ai/model-derivative-backend/pkg/pipeline"
	"github.com/instill-ai/model-derivative-backend/pkg/repository"
	"github.com/instill-ai/model-derivative-backend/pkg/repository/object"
	"github.com/instill-ai/model-derivative-backend/pkg/types"

	domainerrors "github.com/instill-ai/model-derivative-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// This file contains the activities used by ConversionWorkflow:
// - RunConversionActivity - Runs the pipeline for the staged model of a session
// - MarkSessionCancelledActivity - Records the cancellation of a session
// - DeleteStagedFileActivity - Removes the staged model

// Activity error type constants
const (
	runConversionActivityError        = "RunConversionActivity"
	conversionFailedError             = "ConversionFailed"
	markSessionCancelledActivityError = "MarkSessionCancelledActivity"
	deleteStagedFileActivityError     = "DeleteStagedFileActivity"
)

// persistTimeout bounds the bookkeeping done after the activity context
// ended.
const persistTimeout = 10 * time.Second

// RunConversionActivityParam defines the parameters for RunConversionActivity
type RunConversionActivityParam struct {
	SessionUID types.SessionUIDType
}

// RunConversionActivityResult is the outcome of a successful run.
type RunConversionActivityResult struct {
	URN      types.URNType
	ObjectID string
}

// MarkSessionCancelledActivityParam defines the parameters for MarkSessionCancelledActivity
type MarkSessionCancelledActivityParam struct {
	SessionUID types.SessionUIDType
}

// DeleteStagedFileActivityParam defines the parameters for DeleteStagedFileActivity
type DeleteStagedFileActivityParam struct {
	SessionUID types.SessionUIDType
	StagedPath string
}

// RunConversionActivity runs one pipeline run over the staged model of a
// session. Every snapshot is persisted and published. A failed run is
// reported as a non-retryable error; a cancelled activity returns the
// context error and leaves the session to MarkSessionCancelledActivity.
func (w *Worker) RunConversionActivity(ctx context.Context, param *RunConversionActivityParam) (*RunConversionActivityResult, error) {
	log := w.log.With(zap.String("sessionUID", param.SessionUID.String()))
	log.Info("RunConversionActivity: Starting conversion run")

	session, err := w.repository.GetConversionSession(ctx, param.SessionUID)
	if err != nil {
		err = errorsx.AddMessage(err, "Unable to load the conversion session.")
		if errors.Is(err, errorsx.ErrNotFound) {
			return nil, temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), runConversionActivityError, err)
		}
		return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), runConversionActivityError, err)
	}

	switch session.Status {
	case repository.SessionStatusReady:
		log.Info("RunConversionActivity: Session already converted, skipping")
		return &RunConversionActivityResult{URN: session.URN, ObjectID: session.ObjectID}, nil
	case repository.SessionStatusError, repository.SessionStatusCancelled:
		err := errorsx.AddMessage(
			fmt.Errorf("%w: session is %s", domainerrors.ErrSessionFinished, session.Status),
			"The conversion has already finished.",
		)
		return nil, temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), runConversionActivityError, err)
	}

	content, size, err := w.storage.GetFile(ctx, "", session.StagedPath)
	if err != nil {
		err = errorsx.AddMessage(err, "Unable to read the uploaded model. Please upload it again.")
		w.markFailed(ctx, log, session.UID, pipeline.Idle.String(), errorsx.MessageOrErr(err), nil)
		return nil, temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), runConversionActivityError, err)
	}
	defer content.Close()

	stopHeartbeat := w.heartbeat(ctx)
	defer stopHeartbeat()

	observer := func(snap pipeline.Snapshot) {
		if snap.Stage.Terminal() {
			return
		}
		w.recordStage(ctx, log, session.UID, snap)
	}

	snap, err := w.converter.Execute(ctx, pipeline.Input{
		Payload: types.Payload{
			Name:   session.Name,
			Size:   size,
			Reader: content,
		},
		BucketKey:    session.PartitionID,
		TargetFormat: types.TargetFormat(session.TargetFormat),
	}, observer)

	switch snap.Stage {
	case pipeline.Ready:
		if err := w.repository.MarkConversionSessionReady(ctx, session.UID, snap.ArtifactRef, snap.Messages); err != nil {
			err = errorsx.AddMessage(err, "Unable to record the converted model.")
			return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), runConversionActivityError, err)
		}
		w.publish(ctx, log, events.FromSnapshot(session.UID, snap, w.now()))

		log.Info("RunConversionActivity: Conversion ready", zap.String("urn", snap.ArtifactRef))
		return &RunConversionActivityResult{URN: snap.ArtifactRef, ObjectID: snap.ObjectID}, nil

	case pipeline.Failed:
		e := events.FromSnapshot(session.UID, snap, w.now())
		w.markFailed(ctx, log, session.UID, e.FailStage, e.Error, snap.Messages)
		w.publish(ctx, log, e)

		log.Warn("RunConversionActivity: Conversion failed", zap.String("stage", e.FailStage), zap.Error(snap.Err))
		return nil, temporal.NewNonRetryableApplicationError(e.Error, conversionFailedError, snap.Err)
	}

	// The run stopped before a terminal stage: the activity was cancelled
	// or timed out.
	log.Info("RunConversionActivity: Conversion run interrupted", zap.String("stage", snap.Stage.String()), zap.Error(err))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, temporal.NewApplicationErrorWithCause("The conversion was interrupted.", runConversionActivityError, err)
}

// heartbeat reports liveness until the returned function is called. The
// heartbeats carry the cancellation requests of the workflow to ctx.
func (w *Worker) heartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}

func (w *Worker) recordStage(ctx context.Context, log *zap.Logger, uid types.SessionUIDType, snap pipeline.Snapshot) {
	err := w.repository.UpdateConversionSessionStage(ctx, uid, repository.StageUpdate{
		Stage:    snap.Stage.String(),
		ObjectID: snap.ObjectID,
		URN:      snap.ArtifactRef,
		Progress: snap.Progress,
		Messages: snap.Messages,
	})
	if err != nil {
		log.Warn("Failed to record stage", zap.String("stage", snap.Stage.String()), zap.Error(err))
	}
	w.publish(ctx, log, events.FromSnapshot(uid, snap, w.now()))
}

// markFailed closes a session as failed. It outlives the cancellation of
// ctx so that a failure is recorded even when the activity is being torn
// down.
func (w *Worker) markFailed(ctx context.Context, log *zap.Logger, uid types.SessionUIDType, stage, reason string, messages []types.DiagnosticMessage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := w.repository.MarkConversionSessionFailed(ctx, uid, stage, reason, messages); err != nil {
		log.Error("Failed to record conversion failure", zap.Error(err))
	}
}

// publish delivers an event. Watchers are a convenience, so a delivery
// failure doesn't affect the run.
func (w *Worker) publish(ctx context.Context, log *zap.Logger, e events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := w.events.Publish(ctx, e); err != nil {
		log.Warn("Failed to publish event", zap.String("stage", e.Stage), zap.Error(err))
	}
}

// MarkSessionCancelledActivity records the cancellation of a session and
// notifies its watchers. A final or deleted session is left unchanged.
func (w *Worker) MarkSessionCancelledActivity(ctx context.Context, param *MarkSessionCancelledActivityParam) error {
	log := w.log.With(zap.String("sessionUID", param.SessionUID.String()))
	log.Info("MarkSessionCancelledActivity: Recording cancellation")

	session, err := w.repository.GetConversionSession(ctx, param.SessionUID)
	if errors.Is(err, errorsx.ErrNotFound) {
		log.Info("MarkSessionCancelledActivity: Session not found, may have been deleted already")
		return nil
	}
	if err != nil {
		err = errorsx.AddMessage(err, "Unable to record the cancellation. Please try again.")
		return temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), markSessionCancelledActivityError, err)
	}

	if err := w.repository.MarkConversionSessionCancelled(ctx, param.SessionUID); err != nil {
		err = errorsx.AddMessage(err, "Unable to record the cancellation. Please try again.")
		return temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), markSessionCancelledActivityError, err)
	}

	// The service may have recorded the cancellation first. Watchers are
	// told unless the run reached another final state.
	if session.Status.Final() && session.Status != repository.SessionStatusCancelled {
		return nil
	}
	w.publish(ctx, log, events.CancelledEvent(param.SessionUID, session.Stage, w.now()))
	return nil
}

// DeleteStagedFileActivity deletes the staged model of a session from the
// staging storage, along with anything else staged for the session.
func (w *Worker) DeleteStagedFileActivity(ctx context.Context, param *DeleteStagedFileActivityParam) error {
	log := w.log.With(zap.String("sessionUID", param.SessionUID.String()))
	if param.StagedPath == "" {
		log.Info("DeleteStagedFileActivity: Session has no staged file, skipping")
		return nil
	}

	paths, err := w.storage.ListFilePathsWithPrefix(ctx, "", object.StagedDir(param.StagedPath))
	if err != nil {
		log.Warn("DeleteStagedFileActivity: Unable to list staged files, deleting the model only", zap.Error(err))
		paths = nil
	}
	if !slices.Contains(paths, param.StagedPath) {
		paths = append(paths, param.StagedPath)
	}

	for _, p := range paths {
		if err := w.storage.DeleteFile(ctx, "", p); err != nil {
			err = errorsx.AddMessage(err, "Unable to delete the staged model. Please try again.")
			return temporal.NewApplicationErrorWithCause(
				errorsx.MessageOrErr(err),
				deleteStagedFileActivityError,
				err,
			)
		}
	}

	log.Info("DeleteStagedFileActivity: Deleted staged files", zap.Int("count", len(paths)))
	return nil
}
