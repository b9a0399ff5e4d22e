package service

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/pkg/events"
	"github.com/instill-ai/model-derivative-backend/pkg/repository"
	"github.com/instill-ai/model-derivative-backend/pkg/repository/object"
	"github.com/instill-ai/model-derivative-backend/pkg/types"
)

// Workflow parameter types - these match the worker package types structurally

// ConversionWorkflowParam defines the parameters for the ConversionWorkflow
type ConversionWorkflowParam struct {
	SessionUID  types.SessionUIDType
	PartitionID string
	StagedPath  string
}

// ConversionWorkflow schedules and cancels the conversion of a session.
type ConversionWorkflow interface {
	// Execute starts the workflow of a session and returns its ID.
	Execute(ctx context.Context, param ConversionWorkflowParam) (string, error)
	// Cancel requests the cancellation of the workflow of a session. It
	// returns ErrNotFound when the workflow isn't running.
	Cancel(ctx context.Context, sessionUID types.SessionUIDType) error
}

// CreateConversionParam describes an uploaded model.
type CreateConversionParam struct {
	PartitionID string
	Filename    string
	ContentType string
	Size        int64
	Content     io.Reader
	// TargetFormat is optional. The configured format is used when empty.
	TargetFormat string
}

// Service defines the conversion use cases.
type Service interface {
	// CreateConversion stages the model and schedules its conversion.
	CreateConversion(context.Context, CreateConversionParam) (*repository.ConversionSessionModel, error)
	GetConversion(context.Context, types.SessionUIDType) (*repository.ConversionSessionModel, error)
	// ListConversions returns a page of the sessions of a partition, newest
	// first, and the total number of sessions.
	ListConversions(_ context.Context, partitionID string, pageSize, page int) ([]repository.ConversionSessionModel, int64, error)
	// CancelConversion stops a running conversion. Cancelling a cancelled
	// session is a no-op.
	CancelConversion(context.Context, types.SessionUIDType) (*repository.ConversionSessionModel, error)
	// DeleteConversion cancels the conversion if needed, then removes the
	// session and its staged model.
	DeleteConversion(context.Context, types.SessionUIDType) error
	// WatchConversion streams the state of a session: its current state,
	// then every change until a final state. The channel is closed after
	// the final state or when ctx ends.
	WatchConversion(context.Context, types.SessionUIDType) (<-chan events.Event, error)
}

// Config holds the dependencies of the service.
type Config struct {
	Repository         repository.Repository
	Storage            object.Storage
	Events             events.Subscriber
	ConversionWorkflow ConversionWorkflow
	// TargetFormat is used when a request doesn't name one.
	TargetFormat types.TargetFormat
	// MaxUploadSize is the largest accepted model, in bytes. Zero means no
	// limit.
	MaxUploadSize int64
}

type service struct {
	repository         repository.Repository
	storage            object.Storage
	events             events.Subscriber
	conversionWorkflow ConversionWorkflow
	targetFormat       types.TargetFormat
	maxUploadSize      int64
	log                *zap.Logger
}

// NewService initiates a service instance
func NewService(cfg Config, log *zap.Logger) Service {
	targetFormat := cfg.TargetFormat
	if targetFormat == "" {
		targetFormat = types.TargetFormatSVF2
	}

	return &service{
		repository:         cfg.Repository,
		storage:            cfg.Storage,
		events:             cfg.Events,
		conversionWorkflow: cfg.ConversionWorkflow,
		targetFormat:       targetFormat,
		maxUploadSize:      cfg.MaxUploadSize,
		log:                log,
	}
}
