package convert000002

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/instill-ai/model-derivative-backend/pkg/db/migration/convert"
	"github.com/instill-ai/model-derivative-backend/pkg/repository"
)

const batchSize = 100

// interruptedReason is recorded on sessions that never got a workflow.
const interruptedReason = "The conversion was interrupted before it could be scheduled. Please upload the model again."

// FailUnscheduledSessions closes the sessions that were created but never
// handed to a workflow. Before the workflow index existed, such rows were
// left pending forever when the scheduling call failed.
type FailUnscheduledSessions struct {
	convert.Basic
}

// Migrate marks the unscheduled sessions as failed.
func (c *FailUnscheduledSessions) Migrate() error {
	sessions := make([]*repository.ConversionSessionModel, 0, batchSize)
	q := c.DB.Select("uid").
		Where("status = ?", repository.SessionStatusPending).
		Where("workflow_id IS NULL OR workflow_id = ''")

	var updated int
	err := q.FindInBatches(&sessions, batchSize, func(tx *gorm.DB, _ int) error {
		now := time.Now()
		for _, s := range sessions {
			updates := map[string]any{
				"status":        repository.SessionStatusError,
				"stage":         "failed",
				"fail_stage":    "idle",
				"fail_reason":   interruptedReason,
				"complete_time": now,
			}

			if err := tx.Model(s).Where("uid = ?", s.UID).Updates(updates).Error; err != nil {
				return fmt.Errorf("updating session %s: %w", s.UID.String(), err)
			}
			updated++
		}

		return nil
	}).Error
	if err != nil {
		return err
	}

	c.Logger.Info("Closed unscheduled conversion sessions", zap.Int("count", updated))
	return nil
}
