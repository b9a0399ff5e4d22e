// Package events fans the snapshots of conversion runs out to the clients
// watching them. The worker publishes every snapshot on a per-session
// channel and the API relays them as server-sent events.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/instill-ai/model-derivative-backend/pkg/pipeline"
	"github.com/instill-ai/model-derivative-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// subscriptionBuffer is the number of events a slow subscriber may lag
// behind before intermediate events are dropped.
const subscriptionBuffer = 32

// Event is the published form of a pipeline snapshot.
type Event struct {
	SessionUID types.SessionUIDType     `json:"session_uid"`
	Stage      string                   `json:"stage"`
	ObjectID   string                   `json:"object_id,omitempty"`
	URN        types.URNType            `json:"urn,omitempty"`
	Progress   float64                  `json:"progress"`
	Messages   []types.DiagnosticMessage `json:"messages,omitempty"`
	// FailStage is the stage at which a failed run stopped.
	FailStage string `json:"fail_stage,omitempty"`
	// Error is the end-user message of a failed run.
	Error     string    `json:"error,omitempty"`
	Cancelled bool      `json:"cancelled,omitempty"`
	Time      time.Time `json:"time"`
}

// Terminal reports whether no event follows e on its channel. An event
// carrying an unknown stage is not terminal.
func (e Event) Terminal() bool {
	if e.Cancelled {
		return true
	}
	stage, err := pipeline.ParseStage(e.Stage)
	return err == nil && stage.Terminal()
}

// FromSnapshot converts a snapshot of the run of session uid.
func FromSnapshot(uid types.SessionUIDType, snap pipeline.Snapshot, now time.Time) Event {
	e := Event{
		SessionUID: uid,
		Stage:      snap.Stage.String(),
		ObjectID:   snap.ObjectID,
		URN:        snap.ArtifactRef,
		Progress:   snap.Progress,
		Messages:   snap.Messages,
		Time:       now,
	}

	if snap.Err != nil {
		e.Error = errorsx.MessageOrErr(snap.Err)

		var se *pipeline.StageError
		if errors.As(snap.Err, &se) {
			e.FailStage = se.Stage.String()
		}
	}
	return e
}

// CancelledEvent is published when the run of session uid is cancelled.
func CancelledEvent(uid types.SessionUIDType, stage string, now time.Time) Event {
	return Event{
		SessionUID: uid,
		Stage:      stage,
		Progress:   -1,
		Cancelled:  true,
		Time:       now,
	}
}

// Publisher delivers events to the subscribers of their session.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Subscriber streams the events of a session. The returned channel is
// closed after a terminal event or when ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, uid types.SessionUIDType) (<-chan Event, error)
}

// Bus is both ends of the event stream.
type Bus interface {
	Publisher
	Subscriber
}
