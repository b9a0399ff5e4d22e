package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/model-derivative-backend/pkg/aps"
	"github.com/instill-ai/model-derivative-backend/pkg/aps/apstest"
	"github.com/instill-ai/model-derivative-backend/pkg/pipeline"
	"github.com/instill-ai/model-derivative-backend/pkg/repository"
	"github.com/instill-ai/model-derivative-backend/pkg/repository/object"
	"github.com/instill-ai/model-derivative-backend/pkg/types"
)

func newAPSConverter(srv *apstest.Server) *pipeline.Orchestrator {
	client := aps.NewClient(context.Background(), aps.Config{
		Host:         srv.URL,
		ClientID:     srv.ClientID,
		ClientSecret: srv.ClientSecret,
		Scopes:       []string{"data:read", "data:write", "data:create", "bucket:create", "bucket:read"},
		Timeout:      5 * time.Second,
	})
	return pipeline.New(pipeline.Services{
		Credentials: client,
		Store:       client,
		Submitter:   client,
		Poller:      client,
	}, pipeline.Options{PollInterval: 10 * time.Millisecond, Logger: zap.NewNop()})
}

func applicationError(c *qt.C, err error) *temporal.ApplicationError {
	var appErr *temporal.ApplicationError
	c.Assert(errors.As(err, &appErr), qt.IsTrue, qt.Commentf("error: %v", err))
	return appErr
}

func TestRunConversionActivity_AgainstService(t *testing.T) {
	c := qt.New(t)

	c.Run("ready", func(c *qt.C) {
		srv := apstest.NewServer()
		c.Cleanup(srv.Close)

		w, deps := newTestWorker(c, newAPSConverter(srv))
		session := stageSession(c, deps, "house.dwg")
		changes, err := deps.bus.Subscribe(context.Background(), session.UID)
		c.Assert(err, qt.IsNil)

		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestActivityEnvironment()
		env.RegisterActivity(w.RunConversionActivity)

		val, err := env.ExecuteActivity(w.RunConversionActivity, &RunConversionActivityParam{SessionUID: session.UID})
		c.Assert(err, qt.IsNil)

		var result RunConversionActivityResult
		c.Assert(val.Get(&result), qt.IsNil)

		objectID := apstest.ObjectID(testPartition, "house.dwg")
		c.Check(result.ObjectID, qt.Equals, objectID)
		c.Check(result.URN, qt.Equals, aps.EncodeURN(objectID))

		stored, ok := srv.Object(objectID)
		c.Assert(ok, qt.IsTrue)
		c.Check(string(stored), qt.Equals, "model bytes of house.dwg")

		got := getSession(c, deps, session.UID)
		c.Check(got.Status, qt.Equals, repository.SessionStatusReady)
		c.Check(got.URN, qt.Equals, result.URN)
		c.Check(got.CompleteTime, qt.IsNotNil)

		evs := collect(c, changes)
		c.Assert(len(evs) > 1, qt.IsTrue)
		last := evs[len(evs)-1]
		c.Check(last.Stage, qt.Equals, "ready")
		c.Check(last.URN, qt.Equals, result.URN)
		c.Check(evs[0].Stage, qt.Equals, "authenticating")
	})

	c.Run("conversion failed", func(c *qt.C) {
		srv := apstest.NewServer()
		c.Cleanup(srv.Close)
		srv.Configure(func(s *apstest.Server) {
			s.Manifests = []string{apstest.StatusInProgress, apstest.StatusFailed}
			s.FailureMessages = []string{"Unrecoverable exit code from extractor"}
		})

		w, deps := newTestWorker(c, newAPSConverter(srv))
		session := stageSession(c, deps, "house.dwg")
		changes, err := deps.bus.Subscribe(context.Background(), session.UID)
		c.Assert(err, qt.IsNil)

		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestActivityEnvironment()
		env.RegisterActivity(w.RunConversionActivity)

		_, err = env.ExecuteActivity(w.RunConversionActivity, &RunConversionActivityParam{SessionUID: session.UID})
		c.Assert(err, qt.IsNotNil)

		appErr := applicationError(c, err)
		c.Check(appErr.Type(), qt.Equals, conversionFailedError)
		c.Check(appErr.NonRetryable(), qt.IsTrue)

		got := getSession(c, deps, session.UID)
		c.Check(got.Status, qt.Equals, repository.SessionStatusError)
		c.Check(got.Stage, qt.Equals, "failed")
		c.Check(got.FailStage, qt.Equals, "polling")
		c.Check(got.FailReason, qt.Not(qt.Equals), "")

		evs := collect(c, changes)
		c.Assert(evs, qt.Not(qt.HasLen), 0)
		last := evs[len(evs)-1]
		c.Check(last.Stage, qt.Equals, "failed")
		c.Check(last.FailStage, qt.Equals, "polling")
		c.Check(last.Error, qt.Equals, got.FailReason)
	})
}

func TestRunConversionActivity_RecordsStages(t *testing.T) {
	c := qt.New(t)

	converter := &fakeConverter{
		emit: []pipeline.Snapshot{
			{Stage: pipeline.Authenticating, Progress: -1},
			{Stage: pipeline.Polling, ObjectID: "obj", ArtifactRef: "dXJu", Progress: 0.25},
			{Stage: pipeline.Polling, ObjectID: "obj", ArtifactRef: "dXJu", Progress: 0.75},
		},
		snap: pipeline.Snapshot{Stage: pipeline.Ready, ObjectID: "obj", ArtifactRef: "dXJu", Progress: 1},
	}
	w, deps := newTestWorker(c, converter)
	session := stageSession(c, deps, "house.dwg")
	changes, err := deps.bus.Subscribe(context.Background(), session.UID)
	c.Assert(err, qt.IsNil)

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()
	env.RegisterActivity(w.RunConversionActivity)

	_, err = env.ExecuteActivity(w.RunConversionActivity, &RunConversionActivityParam{SessionUID: session.UID})
	c.Assert(err, qt.IsNil)

	evs := collect(c, changes)
	var stages []string
	var progress []float64
	for _, e := range evs {
		stages = append(stages, e.Stage)
		progress = append(progress, e.Progress)
	}
	c.Check(stages, qt.DeepEquals, []string{"authenticating", "polling", "polling", "ready"})
	c.Check(progress, qt.DeepEquals, []float64{-1, 0.25, 0.75, 1})
	c.Check(evs[3].Time, qt.Equals, w.now())

	got := getSession(c, deps, session.UID)
	c.Check(got.Status, qt.Equals, repository.SessionStatusReady)
	c.Check(got.ObjectID, qt.Equals, "obj")
	c.Check(got.Progress, qt.Equals, 1.0)
}

func TestRunConversionActivity_Preconditions(t *testing.T) {
	c := qt.New(t)

	c.Run("unknown session", func(c *qt.C) {
		converter := &fakeConverter{}
		w, _ := newTestWorker(c, converter)

		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestActivityEnvironment()
		env.RegisterActivity(w.RunConversionActivity)

		_, err := env.ExecuteActivity(w.RunConversionActivity, &RunConversionActivityParam{SessionUID: types.SessionUIDType{1}})
		c.Assert(err, qt.IsNotNil)
		c.Check(applicationError(c, err).NonRetryable(), qt.IsTrue)
		c.Check(converter.calls(), qt.Equals, 0)
	})

	c.Run("staged model missing", func(c *qt.C) {
		converter := &fakeConverter{}
		w, deps := newTestWorker(c, converter)
		session := stageSession(c, deps, "house.dwg")
		c.Assert(deps.storage.DeleteFile(context.Background(), "", session.StagedPath), qt.IsNil)

		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestActivityEnvironment()
		env.RegisterActivity(w.RunConversionActivity)

		_, err := env.ExecuteActivity(w.RunConversionActivity, &RunConversionActivityParam{SessionUID: session.UID})
		c.Assert(err, qt.IsNotNil)
		c.Check(applicationError(c, err).NonRetryable(), qt.IsTrue)
		c.Check(converter.calls(), qt.Equals, 0)

		got := getSession(c, deps, session.UID)
		c.Check(got.Status, qt.Equals, repository.SessionStatusError)
		c.Check(got.FailStage, qt.Equals, "idle")
	})

	c.Run("already converted", func(c *qt.C) {
		converter := &fakeConverter{}
		w, deps := newTestWorker(c, converter)
		session := stageSession(c, deps, "house.dwg")
		c.Assert(deps.repository.MarkConversionSessionReady(context.Background(), session.UID, "dXJu", nil), qt.IsNil)

		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestActivityEnvironment()
		env.RegisterActivity(w.RunConversionActivity)

		val, err := env.ExecuteActivity(w.RunConversionActivity, &RunConversionActivityParam{SessionUID: session.UID})
		c.Assert(err, qt.IsNil)

		var result RunConversionActivityResult
		c.Assert(val.Get(&result), qt.IsNil)
		c.Check(result.URN, qt.Equals, "dXJu")
		c.Check(converter.calls(), qt.Equals, 0)
	})

	c.Run("cancelled session", func(c *qt.C) {
		converter := &fakeConverter{}
		w, deps := newTestWorker(c, converter)
		session := stageSession(c, deps, "house.dwg")
		c.Assert(deps.repository.MarkConversionSessionCancelled(context.Background(), session.UID), qt.IsNil)

		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestActivityEnvironment()
		env.RegisterActivity(w.RunConversionActivity)

		_, err := env.ExecuteActivity(w.RunConversionActivity, &RunConversionActivityParam{SessionUID: session.UID})
		c.Assert(err, qt.IsNotNil)
		c.Check(applicationError(c, err).NonRetryable(), qt.IsTrue)
		c.Check(converter.calls(), qt.Equals, 0)
	})
}

func TestMarkSessionCancelledActivity(t *testing.T) {
	c := qt.New(t)

	c.Run("running session", func(c *qt.C) {
		w, deps := newTestWorker(c, &fakeConverter{})
		session := stageSession(c, deps, "house.dwg")
		c.Assert(deps.repository.UpdateConversionSessionStage(context.Background(), session.UID, repository.StageUpdate{
			Stage:    "uploading",
			Progress: -1,
		}), qt.IsNil)
		changes, err := deps.bus.Subscribe(context.Background(), session.UID)
		c.Assert(err, qt.IsNil)

		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestActivityEnvironment()
		env.RegisterActivity(w.MarkSessionCancelledActivity)

		_, err = env.ExecuteActivity(w.MarkSessionCancelledActivity, &MarkSessionCancelledActivityParam{SessionUID: session.UID})
		c.Assert(err, qt.IsNil)

		c.Check(getSession(c, deps, session.UID).Status, qt.Equals, repository.SessionStatusCancelled)

		evs := collect(c, changes)
		c.Assert(evs, qt.HasLen, 1)
		c.Check(evs[0].Cancelled, qt.IsTrue)
		c.Check(evs[0].Stage, qt.Equals, "uploading")
	})

	c.Run("converted session stays ready", func(c *qt.C) {
		w, deps := newTestWorker(c, &fakeConverter{})
		session := stageSession(c, deps, "house.dwg")
		c.Assert(deps.repository.MarkConversionSessionReady(context.Background(), session.UID, "dXJu", nil), qt.IsNil)

		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestActivityEnvironment()
		env.RegisterActivity(w.MarkSessionCancelledActivity)

		_, err := env.ExecuteActivity(w.MarkSessionCancelledActivity, &MarkSessionCancelledActivityParam{SessionUID: session.UID})
		c.Assert(err, qt.IsNil)
		c.Check(getSession(c, deps, session.UID).Status, qt.Equals, repository.SessionStatusReady)
	})

	c.Run("deleted session", func(c *qt.C) {
		w, deps := newTestWorker(c, &fakeConverter{})
		session := stageSession(c, deps, "house.dwg")
		c.Assert(deps.repository.DeleteConversionSession(context.Background(), session.UID), qt.IsNil)

		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestActivityEnvironment()
		env.RegisterActivity(w.MarkSessionCancelledActivity)

		_, err := env.ExecuteActivity(w.MarkSessionCancelledActivity, &MarkSessionCancelledActivityParam{SessionUID: session.UID})
		c.Check(err, qt.IsNil)
	})
}

func TestDeleteStagedFileActivity(t *testing.T) {
	c := qt.New(t)

	w, deps := newTestWorker(c, &fakeConverter{})
	session := stageSession(c, deps, "house.dwg")
	other := stageSession(c, deps, "bridge.rvt")

	extra := object.StagedDir(session.StagedPath) + "house.dwg.part"
	deps.storage.Put(extra, []byte("partial"))

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()
	env.RegisterActivity(w.DeleteStagedFileActivity)

	_, err := env.ExecuteActivity(w.DeleteStagedFileActivity, &DeleteStagedFileActivityParam{
		SessionUID: session.UID,
		StagedPath: session.StagedPath,
	})
	c.Assert(err, qt.IsNil)

	_, ok := deps.storage.Object(session.StagedPath)
	c.Check(ok, qt.IsFalse)
	_, ok = deps.storage.Object(extra)
	c.Check(ok, qt.IsFalse)
	_, ok = deps.storage.Object(other.StagedPath)
	c.Check(ok, qt.IsTrue)

	c.Run("storage failure", func(c *qt.C) {
		deps.storage.DeleteErr = errors.New("connection reset")
		c.Cleanup(func() { deps.storage.DeleteErr = nil })

		_, err := env.ExecuteActivity(w.DeleteStagedFileActivity, &DeleteStagedFileActivityParam{
			SessionUID: other.UID,
			StagedPath: other.StagedPath,
		})
		c.Assert(err, qt.IsNotNil)
		appErr := applicationError(c, err)
		c.Check(appErr.Type(), qt.Equals, deleteStagedFileActivityError)
		c.Check(appErr.NonRetryable(), qt.IsFalse)
	})

	c.Run("no staged file", func(c *qt.C) {
		_, err := env.ExecuteActivity(w.DeleteStagedFileActivity, &DeleteStagedFileActivityParam{SessionUID: session.UID})
		c.Check(err, qt.IsNil)
	})
}
