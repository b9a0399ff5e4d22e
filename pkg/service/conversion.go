package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/pkg/aps"
	"github.com/instill-ai/model-derivative-backend/pkg/events"
	"github.com/instill-ai/model-derivative-backend/pkg/format"
	"github.com/instill-ai/model-derivative-backend/pkg/repository"
	"github.com/instill-ai/model-derivative-backend/pkg/repository/object"
	"github.com/instill-ai/model-derivative-backend/pkg/types"

	domainerrors "github.com/instill-ai/model-derivative-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

func (s *service) CreateConversion(ctx context.Context, p CreateConversionParam) (*repository.ConversionSessionModel, error) {
	if err := aps.ValidateBucketKey(p.PartitionID); err != nil {
		return nil, errorsx.AddMessage(err, "Partition IDs must be 3 to 128 lowercase letters, digits, dots, dashes or underscores.")
	}

	filename := path.Base(p.Filename)
	profile, err := format.Resolve(filename)
	if err != nil {
		return nil, errorsx.AddMessage(err, fmt.Sprintf(
			"This file type isn't supported. Convertible types: %s.",
			strings.Join(format.Extensions(format.RemoteConversion), ", "),
		))
	}
	if !profile.Has(format.RemoteConversion) {
		err := fmt.Errorf("%w: %s files have capabilities %s", domainerrors.ErrInvalidArgument, profile.Kind, profile.Capabilities)
		return nil, errorsx.AddMessage(err, fmt.Sprintf("%s files can't be converted by the conversion service.", profile.Label))
	}

	targetFormat, err := format.ParseTargetFormat(p.TargetFormat, s.targetFormat)
	if err != nil {
		err = fmt.Errorf("%w: %w", domainerrors.ErrInvalidArgument, err)
		return nil, errorsx.AddMessage(err, "The requested output format isn't supported. Use svf or svf2.")
	}

	switch {
	case p.Size <= 0:
		return nil, errorsx.AddMessage(
			fmt.Errorf("%w: empty file", domainerrors.ErrInvalidArgument),
			"The uploaded file is empty.",
		)
	case s.maxUploadSize > 0 && p.Size > s.maxUploadSize:
		return nil, errorsx.AddMessage(
			fmt.Errorf("%w: file size %d exceeds %d", domainerrors.ErrInvalidArgument, p.Size, s.maxUploadSize),
			fmt.Sprintf("The uploaded file exceeds the maximum size of %d MB.", s.maxUploadSize>>20),
		)
	}

	uid, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating session uid: %w", err)
	}

	log := s.log.With(zap.String("sessionUID", uid.String()), zap.String("partition", p.PartitionID))

	contentType := p.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = profile.ContentType
	}

	stagedPath := object.StagedFilePath(p.PartitionID, uid, filename)
	if err := s.storage.UploadFile(ctx, "", stagedPath, p.Content, p.Size, contentType); err != nil {
		return nil, errorsx.AddMessage(fmt.Errorf("staging model: %w", err), "Unable to store the uploaded file. Please try again.")
	}

	session, err := s.repository.CreateConversionSession(ctx, repository.ConversionSessionModel{
		UID:          uid,
		Name:         filename,
		PartitionID:  p.PartitionID,
		Kind:         string(profile.Kind),
		TargetFormat: string(targetFormat),
		Size:         p.Size,
		StagedPath:   stagedPath,
	})
	if err != nil {
		s.discardStagedFile(ctx, log, stagedPath)
		return nil, errorsx.AddMessage(err, "Unable to create the conversion. Please try again.")
	}

	workflowID, err := s.conversionWorkflow.Execute(ctx, ConversionWorkflowParam{
		SessionUID:  uid,
		PartitionID: p.PartitionID,
		StagedPath:  stagedPath,
	})
	if err != nil {
		err = errorsx.AddMessage(err, "Unable to schedule the conversion. Please try again.")
		if markErr := s.repository.MarkConversionSessionFailed(ctx, uid, "idle", errorsx.MessageOrErr(err), nil); markErr != nil {
			log.Error("Failed to close unscheduled session", zap.Error(markErr))
		}
		s.discardStagedFile(ctx, log, stagedPath)
		return nil, err
	}

	if err := s.repository.SetConversionSessionWorkflowID(ctx, uid, workflowID); err != nil {
		log.Warn("Failed to record workflow ID", zap.String("workflowID", workflowID), zap.Error(err))
	}

	log.Info("Conversion scheduled",
		zap.String("name", filename),
		zap.String("kind", string(profile.Kind)),
		zap.String("targetFormat", string(targetFormat)),
		zap.String("workflowID", workflowID))

	session.WorkflowID = workflowID
	return session, nil
}

func (s *service) discardStagedFile(ctx context.Context, log *zap.Logger, stagedPath string) {
	if err := s.storage.DeleteFile(ctx, "", stagedPath); err != nil {
		log.Warn("Failed to delete staged file", zap.String("path", stagedPath), zap.Error(err))
	}
}

func (s *service) GetConversion(ctx context.Context, uid types.SessionUIDType) (*repository.ConversionSessionModel, error) {
	session, err := s.repository.GetConversionSession(ctx, uid)
	if err != nil {
		return nil, errorsx.AddMessage(err, "Conversion not found.")
	}
	return session, nil
}

func (s *service) ListConversions(ctx context.Context, partitionID string, pageSize, page int) ([]repository.ConversionSessionModel, int64, error) {
	if err := aps.ValidateBucketKey(partitionID); err != nil {
		return nil, 0, errorsx.AddMessage(err, "Invalid partition ID.")
	}
	if page < 0 {
		return nil, 0, errorsx.AddMessage(
			fmt.Errorf("%w: negative page %d", domainerrors.ErrInvalidArgument, page),
			"The page number can't be negative.",
		)
	}
	return s.repository.ListConversionSessions(ctx, partitionID, pageSize, page)
}

func (s *service) CancelConversion(ctx context.Context, uid types.SessionUIDType) (*repository.ConversionSessionModel, error) {
	session, err := s.GetConversion(ctx, uid)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case repository.SessionStatusCancelled:
		return session, nil
	case repository.SessionStatusReady, repository.SessionStatusError:
		return nil, errorsx.AddMessage(
			fmt.Errorf("%w: session %s is %s", domainerrors.ErrSessionFinished, uid, session.Status),
			"The conversion has already finished.",
		)
	}

	if err := s.cancelWorkflow(ctx, uid); err != nil {
		return nil, err
	}

	// The worker records the cancellation too, once the run has stopped.
	// Recording it here makes the answer consistent with the request.
	if err := s.repository.MarkConversionSessionCancelled(ctx, uid); err != nil {
		return nil, err
	}

	s.log.Info("Conversion cancelled", zap.String("sessionUID", uid.String()), zap.String("stage", session.Stage))
	return s.repository.GetConversionSession(ctx, uid)
}

// cancelWorkflow cancels the workflow of a session. A workflow that already
// ended isn't an error.
func (s *service) cancelWorkflow(ctx context.Context, uid types.SessionUIDType) error {
	err := s.conversionWorkflow.Cancel(ctx, uid)
	if err == nil || errors.Is(err, errorsx.ErrNotFound) {
		return nil
	}
	return errorsx.AddMessage(err, "Unable to cancel the conversion. Please try again.")
}

func (s *service) DeleteConversion(ctx context.Context, uid types.SessionUIDType) error {
	session, err := s.GetConversion(ctx, uid)
	if err != nil {
		return err
	}

	if !session.Status.Final() {
		if err := s.cancelWorkflow(ctx, uid); err != nil {
			return err
		}
	}

	if err := s.repository.DeleteConversionSession(ctx, uid); err != nil {
		return err
	}

	if session.StagedPath != "" {
		s.discardStagedFile(ctx, s.log.With(zap.String("sessionUID", uid.String())), session.StagedPath)
	}
	return nil
}

func (s *service) WatchConversion(ctx context.Context, uid types.SessionUIDType) (<-chan events.Event, error) {
	ctx, cancel := context.WithCancel(ctx)

	// Subscribe before reading the session so that no change falls between
	// the two.
	changes, err := s.events.Subscribe(ctx, uid)
	if err != nil {
		cancel()
		return nil, errorsx.AddMessage(err, "Unable to follow the conversion. Please try again.")
	}

	session, err := s.GetConversion(ctx, uid)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan events.Event, 1)
	go func() {
		defer cancel()
		defer close(out)

		current := SessionEvent(session)
		select {
		case out <- current:
		case <-ctx.Done():
			return
		}
		if current.Terminal() {
			return
		}

		for e := range changes {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// SessionEvent renders the persisted state of a session as an event.
func SessionEvent(s *repository.ConversionSessionModel) events.Event {
	e := events.Event{
		SessionUID: s.UID,
		Stage:      s.Stage,
		ObjectID:   s.ObjectID,
		URN:        s.URN,
		Progress:   s.Progress,
		Messages:   s.DiagnosticMessages(),
		FailStage:  s.FailStage,
		Error:      s.FailReason,
		Cancelled:  s.Status == repository.SessionStatusCancelled,
		Time:       s.UpdateTime,
	}
	if s.Status == repository.SessionStatusPending {
		e.Progress = -1
	}
	return e
}
