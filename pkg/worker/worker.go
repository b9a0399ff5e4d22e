package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/pkg/events"
	"github.com/instill-ai/model-derivative-backend/pkg/pipeline"
	"github.com/instill-ai/model-derivative-backend/pkg/repository"
	"github.com/instill-ai/model-derivative-backend/pkg/repository/object"
)

// TaskQueue is the Temporal task queue name for all workflows and activities.
const TaskQueue = "model-derivative-backend"

// ActivityTimeoutStandard is timeout for normal activities.
// ActivityTimeoutConversion bounds a whole pipeline run, polling included.
const (
	ActivityTimeoutStandard   = 5 * time.Minute
	ActivityTimeoutConversion = 2 * time.Hour
)

// HeartbeatTimeout is how long a conversion activity may stay silent before
// Temporal considers it lost. Cancellation reaches the activity through its
// heartbeats, so it also bounds the cancellation latency.
const (
	HeartbeatTimeout  = 30 * time.Second
	heartbeatInterval = 10 * time.Second
)

// RetryInitialInterval, RetryBackoffCoefficient, RetryMaximumInterval and
// RetryMaximumAttempts control the retries of the bookkeeping activities.
// Conversion runs are never retried.
const (
	RetryInitialInterval    = 1 * time.Second
	RetryBackoffCoefficient = 2.0
	RetryMaximumInterval    = 30 * time.Second
	RetryMaximumAttempts    = 3
)

// Converter runs one conversion. *pipeline.Orchestrator implements it.
type Converter interface {
	Execute(ctx context.Context, in pipeline.Input, observer pipeline.Observer) (pipeline.Snapshot, error)
}

// Config defines the configuration for the worker
type Config struct {
	Repository repository.Repository
	Storage    object.Storage
	Converter  Converter
	Events     events.Publisher
}

// Worker implements the Temporal worker with all workflows and activities
type Worker struct {
	repository repository.Repository
	storage    object.Storage
	converter  Converter
	events     events.Publisher
	log        *zap.Logger
	now        func() time.Time
}

// New creates a new worker instance
func New(config Config, log *zap.Logger) (*Worker, error) {
	switch {
	case config.Repository == nil:
		return nil, fmt.Errorf("worker: missing repository")
	case config.Storage == nil:
		return nil, fmt.Errorf("worker: missing storage")
	case config.Converter == nil:
		return nil, fmt.Errorf("worker: missing converter")
	case config.Events == nil:
		return nil, fmt.Errorf("worker: missing event publisher")
	}

	return &Worker{
		repository: config.Repository,
		storage:    config.Storage,
		converter:  config.Converter,
		events:     config.Events,
		log:        log,
		now:        time.Now,
	}, nil
}
