package worker

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/instill-ai/model-derivative-backend/pkg/service"
	"github.com/instill-ai/model-derivative-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// ConversionWorkflowID is the ID of the workflow converting a session. A
// session has at most one running workflow.
func ConversionWorkflowID(sessionUID types.SessionUIDType) string {
	return fmt.Sprintf("conversion-%s", sessionUID.String())
}

type conversionWorkflow struct {
	temporalClient client.Client
}

// NewConversionWorkflow creates a new ConversionWorkflow instance
func NewConversionWorkflow(temporalClient client.Client) service.ConversionWorkflow {
	return &conversionWorkflow{temporalClient: temporalClient}
}

func (w *conversionWorkflow) Execute(ctx context.Context, param service.ConversionWorkflowParam) (string, error) {
	workflowOptions := client.StartWorkflowOptions{
		ID:                    ConversionWorkflowID(param.SessionUID),
		TaskQueue:             TaskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}

	run, err := w.temporalClient.ExecuteWorkflow(ctx, workflowOptions, new(Worker).ConversionWorkflow, param)
	if err != nil {
		return "", fmt.Errorf("failed to start conversion workflow: %s", errorsx.MessageOrErr(err))
	}
	return run.GetID(), nil
}

func (w *conversionWorkflow) Cancel(ctx context.Context, sessionUID types.SessionUIDType) error {
	err := w.temporalClient.CancelWorkflow(ctx, ConversionWorkflowID(sessionUID), "")
	if err == nil {
		return nil
	}

	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("conversion workflow of %s: %w", sessionUID, errorsx.ErrNotFound)
	}
	return fmt.Errorf("failed to cancel conversion workflow: %w", err)
}

// ConversionWorkflow runs the conversion of one session: a single pipeline
// run, then the removal of the staged model. Cancelling the workflow cancels
// the run; the session is then recorded as cancelled.
func (w *Worker) ConversionWorkflow(ctx workflow.Context, param service.ConversionWorkflowParam) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting ConversionWorkflow",
		"sessionUID", param.SessionUID.String(),
		"partition", param.PartitionID)

	runCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: ActivityTimeoutConversion,
		HeartbeatTimeout:    HeartbeatTimeout,
		WaitForCancellation: true,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	var result RunConversionActivityResult
	runErr := workflow.ExecuteActivity(runCtx, w.RunConversionActivity, &RunConversionActivityParam{
		SessionUID: param.SessionUID,
	}).Get(runCtx, &result)

	// Bookkeeping must happen even when the workflow is cancelled.
	cleanupCtx, _ := workflow.NewDisconnectedContext(ctx)
	cleanupCtx = workflow.WithActivityOptions(cleanupCtx, workflow.ActivityOptions{
		StartToCloseTimeout: ActivityTimeoutStandard,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    RetryInitialInterval,
			BackoffCoefficient: RetryBackoffCoefficient,
			MaximumInterval:    RetryMaximumInterval,
			MaximumAttempts:    RetryMaximumAttempts,
		},
	})

	if temporal.IsCanceledError(runErr) || errors.Is(ctx.Err(), workflow.ErrCanceled) {
		err := workflow.ExecuteActivity(cleanupCtx, w.MarkSessionCancelledActivity, &MarkSessionCancelledActivityParam{
			SessionUID: param.SessionUID,
		}).Get(cleanupCtx, nil)
		if err != nil {
			logger.Warn("Failed to record cancellation, continuing",
				"sessionUID", param.SessionUID.String(),
				"error", err.Error())
		}
	}

	err := workflow.ExecuteActivity(cleanupCtx, w.DeleteStagedFileActivity, &DeleteStagedFileActivityParam{
		SessionUID: param.SessionUID,
		StagedPath: param.StagedPath,
	}).Get(cleanupCtx, nil)
	if err != nil {
		logger.Warn("Failed to delete staged file, continuing",
			"sessionUID", param.SessionUID.String(),
			"error", err.Error())
	}

	if runErr != nil {
		logger.Info("ConversionWorkflow ended without artifact",
			"sessionUID", param.SessionUID.String(),
			"error", runErr.Error())
		return runErr
	}

	logger.Info("ConversionWorkflow completed successfully",
		"sessionUID", param.SessionUID.String(),
		"urn", result.URN)
	return nil
}
