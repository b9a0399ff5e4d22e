package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/instill-ai/model-derivative-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// SessionStatus is the coarse state of a conversion session, as shown in
// session listings.
type SessionStatus string

// Session statuses. Ready, error and cancelled are final.
const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusReady      SessionStatus = "ready"
	SessionStatusError      SessionStatus = "error"
	SessionStatusCancelled  SessionStatus = "cancelled"
)

// Final reports whether no update can leave s.
func (s SessionStatus) Final() bool {
	return s == SessionStatusReady || s == SessionStatusError || s == SessionStatusCancelled
}

var finalStatuses = []string{
	string(SessionStatusReady),
	string(SessionStatusError),
	string(SessionStatusCancelled),
}

// ConversionSessionModel is the persisted record of one conversion run.
type ConversionSessionModel struct {
	UID types.SessionUIDType `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	// Name is the file name of the uploaded model.
	Name         string `gorm:"column:name;size:255;not null" json:"name"`
	PartitionID  string `gorm:"column:partition_id;size:255;not null;index" json:"partition_id"`
	Kind         string `gorm:"column:kind;size:32;not null" json:"kind"`
	TargetFormat string `gorm:"column:target_format;size:16;not null" json:"target_format"`
	Size         int64  `gorm:"column:size;not null;default:0" json:"size"`
	// StagedPath is where the upload waits in the staging storage.
	StagedPath string `gorm:"column:staged_path;size:1023" json:"staged_path"`
	ObjectID   string `gorm:"column:object_id;size:1023" json:"object_id"`
	URN        string `gorm:"column:urn;size:1023" json:"urn"`
	// Stage is the last stage reported by the pipeline run.
	Stage      string         `gorm:"column:stage;size:32;not null" json:"stage"`
	Status     SessionStatus  `gorm:"column:status;size:32;not null;index" json:"status"`
	FailStage  string         `gorm:"column:fail_stage;size:32" json:"fail_stage"`
	FailReason string         `gorm:"column:fail_reason;type:text" json:"fail_reason"`
	Progress   float64        `gorm:"column:progress;not null;default:0" json:"progress"`
	Messages   datatypes.JSON `gorm:"column:messages;type:jsonb" json:"messages"`
	WorkflowID string         `gorm:"column:workflow_id;size:255" json:"workflow_id"`

	CreateTime   time.Time      `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
	UpdateTime   time.Time      `gorm:"column:update_time;not null;autoUpdateTime" json:"update_time"`
	CompleteTime *time.Time     `gorm:"column:complete_time" json:"complete_time"`
	DeleteTime   gorm.DeletedAt `gorm:"column:delete_time;index" json:"delete_time"`
}

// TableName overrides the default table name
func (ConversionSessionModel) TableName() string {
	return "conversion_session"
}

// BeforeCreate is a GORM hook that runs before creating a session record
func (s *ConversionSessionModel) BeforeCreate(tx *gorm.DB) error {
	if s.UID == uuid.Nil {
		uid, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("generating session uid: %w", err)
		}
		s.UID = uid
	}
	if s.Status == "" {
		s.Status = SessionStatusPending
	}
	return nil
}

// DiagnosticMessages decodes the stored diagnostics.
func (s *ConversionSessionModel) DiagnosticMessages() []types.DiagnosticMessage {
	if len(s.Messages) == 0 {
		return nil
	}

	var msgs []types.DiagnosticMessage
	if err := json.Unmarshal(s.Messages, &msgs); err != nil {
		return nil
	}
	return msgs
}

// ConversionSessionColumns maps fields to table columns.
type ConversionSessionColumns struct {
	UID          string
	PartitionID  string
	ObjectID     string
	URN          string
	Stage        string
	Status       string
	FailStage    string
	FailReason   string
	Progress     string
	Messages     string
	WorkflowID   string
	CreateTime   string
	CompleteTime string
}

// ConversionSessionColumn is the column map of conversion_session.
var ConversionSessionColumn = ConversionSessionColumns{
	UID:          "uid",
	PartitionID:  "partition_id",
	ObjectID:     "object_id",
	URN:          "urn",
	Stage:        "stage",
	Status:       "status",
	FailStage:    "fail_stage",
	FailReason:   "fail_reason",
	Progress:     "progress",
	Messages:     "messages",
	WorkflowID:   "workflow_id",
	CreateTime:   "create_time",
	CompleteTime: "complete_time",
}

// StageUpdate is the progress of a running session.
type StageUpdate struct {
	Stage    string
	ObjectID string
	URN      string
	Progress float64
	Messages []types.DiagnosticMessage
}

// ConversionSession is the interface for conversion session persistence.
type ConversionSession interface {
	// CreateConversionSession inserts a pending session. A missing UID is
	// generated.
	CreateConversionSession(ctx context.Context, s ConversionSessionModel) (*ConversionSessionModel, error)
	// GetConversionSession returns ErrNotFound for unknown or deleted
	// sessions.
	GetConversionSession(ctx context.Context, uid types.SessionUIDType) (*ConversionSessionModel, error)
	// ListConversionSessions lists the sessions of a partition, newest
	// first. page starts at 0.
	ListConversionSessions(ctx context.Context, partitionID string, pageSize, page int) ([]ConversionSessionModel, int64, error)
	SetConversionSessionWorkflowID(ctx context.Context, uid types.SessionUIDType, workflowID string) error
	// UpdateConversionSessionStage records the progress of a running
	// session. It has no effect on a final session.
	UpdateConversionSessionStage(ctx context.Context, uid types.SessionUIDType, u StageUpdate) error
	MarkConversionSessionReady(ctx context.Context, uid types.SessionUIDType, urn string, messages []types.DiagnosticMessage) error
	MarkConversionSessionFailed(ctx context.Context, uid types.SessionUIDType, failStage, reason string, messages []types.DiagnosticMessage) error
	MarkConversionSessionCancelled(ctx context.Context, uid types.SessionUIDType) error
	// DeleteConversionSession soft-deletes a session.
	DeleteConversionSession(ctx context.Context, uid types.SessionUIDType) error
}

func (r *repository) CreateConversionSession(ctx context.Context, s ConversionSessionModel) (*ConversionSessionModel, error) {
	if s.Stage == "" {
		s.Stage = "idle"
	}
	if err := r.db.WithContext(ctx).Create(&s).Error; err != nil {
		return nil, fmt.Errorf("creating conversion session: %w", err)
	}
	return &s, nil
}

func (r *repository) GetConversionSession(ctx context.Context, uid types.SessionUIDType) (*ConversionSessionModel, error) {
	var s ConversionSessionModel
	where := fmt.Sprintf("%s = ?", ConversionSessionColumn.UID)
	if err := r.db.WithContext(ctx).Where(where, uid).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("conversion session %s: %w", uid, errorsx.ErrNotFound)
		}
		return nil, fmt.Errorf("fetching conversion session: %w", err)
	}
	return &s, nil
}

func (r *repository) ListConversionSessions(ctx context.Context, partitionID string, pageSize, page int) ([]ConversionSessionModel, int64, error) {
	switch {
	case pageSize <= 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}
	if page < 0 {
		page = 0
	}

	where := fmt.Sprintf("%s = ?", ConversionSessionColumn.PartitionID)
	// The session makes the conditions reusable by both queries.
	q := r.db.WithContext(ctx).Model(&ConversionSessionModel{}).Where(where, partitionID).Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting conversion sessions: %w", err)
	}

	var sessions []ConversionSessionModel
	order := fmt.Sprintf("%s DESC, %s", ConversionSessionColumn.CreateTime, ConversionSessionColumn.UID)
	if err := q.Order(order).Limit(pageSize).Offset(page * pageSize).Find(&sessions).Error; err != nil {
		return nil, 0, fmt.Errorf("listing conversion sessions: %w", err)
	}
	return sessions, total, nil
}

func (r *repository) SetConversionSessionWorkflowID(ctx context.Context, uid types.SessionUIDType, workflowID string) error {
	return r.update(ctx, uid, map[string]any{ConversionSessionColumn.WorkflowID: workflowID})
}

func (r *repository) UpdateConversionSessionStage(ctx context.Context, uid types.SessionUIDType, u StageUpdate) error {
	updates := map[string]any{
		ConversionSessionColumn.Stage:    u.Stage,
		ConversionSessionColumn.Status:   SessionStatusProcessing,
		ConversionSessionColumn.Progress: max(u.Progress, 0),
	}
	if u.ObjectID != "" {
		updates[ConversionSessionColumn.ObjectID] = u.ObjectID
	}
	if u.URN != "" {
		updates[ConversionSessionColumn.URN] = u.URN
	}
	if u.Messages != nil {
		b, err := json.Marshal(u.Messages)
		if err != nil {
			return fmt.Errorf("marshalling diagnostics: %w", err)
		}
		updates[ConversionSessionColumn.Messages] = datatypes.JSON(b)
	}
	return r.update(ctx, uid, updates)
}

func (r *repository) MarkConversionSessionReady(ctx context.Context, uid types.SessionUIDType, urn string, messages []types.DiagnosticMessage) error {
	updates, err := finalUpdates(SessionStatusReady, messages)
	if err != nil {
		return err
	}
	updates[ConversionSessionColumn.Stage] = "ready"
	updates[ConversionSessionColumn.URN] = urn
	updates[ConversionSessionColumn.Progress] = 1
	return r.update(ctx, uid, updates)
}

func (r *repository) MarkConversionSessionFailed(ctx context.Context, uid types.SessionUIDType, failStage, reason string, messages []types.DiagnosticMessage) error {
	updates, err := finalUpdates(SessionStatusError, messages)
	if err != nil {
		return err
	}
	updates[ConversionSessionColumn.Stage] = "failed"
	updates[ConversionSessionColumn.FailStage] = failStage
	updates[ConversionSessionColumn.FailReason] = reason
	return r.update(ctx, uid, updates)
}

func (r *repository) MarkConversionSessionCancelled(ctx context.Context, uid types.SessionUIDType) error {
	updates, err := finalUpdates(SessionStatusCancelled, nil)
	if err != nil {
		return err
	}
	return r.update(ctx, uid, updates)
}

func (r *repository) DeleteConversionSession(ctx context.Context, uid types.SessionUIDType) error {
	where := fmt.Sprintf("%s = ?", ConversionSessionColumn.UID)
	res := r.db.WithContext(ctx).Where(where, uid).Delete(&ConversionSessionModel{})
	if res.Error != nil {
		return fmt.Errorf("deleting conversion session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("conversion session %s: %w", uid, errorsx.ErrNotFound)
	}
	return nil
}

func finalUpdates(status SessionStatus, messages []types.DiagnosticMessage) (map[string]any, error) {
	updates := map[string]any{
		ConversionSessionColumn.Status:       status,
		ConversionSessionColumn.CompleteTime: time.Now().UTC(),
	}
	if messages != nil {
		b, err := json.Marshal(messages)
		if err != nil {
			return nil, fmt.Errorf("marshalling diagnostics: %w", err)
		}
		updates[ConversionSessionColumn.Messages] = datatypes.JSON(b)
	}
	return updates, nil
}

// update applies updates to a session that isn't final yet. Updating a
// final session is a no-op, updating a missing one returns ErrNotFound.
func (r *repository) update(ctx context.Context, uid types.SessionUIDType, updates map[string]any) error {
	where := fmt.Sprintf("%s = ? AND %s NOT IN ?", ConversionSessionColumn.UID, ConversionSessionColumn.Status)
	res := r.db.WithContext(ctx).
		Model(&ConversionSessionModel{}).
		Where(where, uid, finalStatuses).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating conversion session: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// Either the session is final or it doesn't exist.
	_, err := r.GetConversionSession(ctx, uid)
	return err
}
