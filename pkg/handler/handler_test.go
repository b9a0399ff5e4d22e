package handler_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/model-derivative-backend/pkg/events"
	"github.com/instill-ai/model-derivative-backend/pkg/handler"
	"github.com/instill-ai/model-derivative-backend/pkg/repository"
	"github.com/instill-ai/model-derivative-backend/pkg/service"
	"github.com/instill-ai/model-derivative-backend/pkg/types"

	domainerrors "github.com/instill-ai/model-derivative-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// fakeService answers with canned results and records the calls it gets.
type fakeService struct {
	session *repository.ConversionSessionModel
	err     error

	created   *service.CreateConversionParam
	content   string
	listArgs  []any
	deleted   types.SessionUIDType
	cancelled types.SessionUIDType
	watch     chan events.Event
}

var _ service.Service = (*fakeService)(nil)

func (f *fakeService) CreateConversion(_ context.Context, p service.CreateConversionParam) (*repository.ConversionSessionModel, error) {
	b, err := io.ReadAll(p.Content)
	if err != nil {
		return nil, err
	}
	f.created = &p
	f.content = string(b)
	return f.session, f.err
}

func (f *fakeService) GetConversion(context.Context, types.SessionUIDType) (*repository.ConversionSessionModel, error) {
	return f.session, f.err
}

func (f *fakeService) ListConversions(_ context.Context, partitionID string, pageSize, page int) ([]repository.ConversionSessionModel, int64, error) {
	f.listArgs = []any{partitionID, pageSize, page}
	if f.err != nil {
		return nil, 0, f.err
	}
	return []repository.ConversionSessionModel{*f.session}, 7, nil
}

func (f *fakeService) CancelConversion(_ context.Context, uid types.SessionUIDType) (*repository.ConversionSessionModel, error) {
	f.cancelled = uid
	return f.session, f.err
}

func (f *fakeService) DeleteConversion(_ context.Context, uid types.SessionUIDType) error {
	f.deleted = uid
	return f.err
}

func (f *fakeService) WatchConversion(context.Context, types.SessionUIDType) (<-chan events.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.watch, nil
}

func newSession() *repository.ConversionSessionModel {
	return &repository.ConversionSessionModel{
		UID:          uuid.Must(uuid.NewV4()),
		Name:         "house.dwg",
		PartitionID:  "partition-a",
		Kind:         "dwg",
		TargetFormat: "svf2",
		Size:         11,
		Stage:        "idle",
		Status:       repository.SessionStatusPending,
		CreateTime:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		UpdateTime:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func newServer(c *qt.C, svc service.Service, maxUploadSize int64) *httptest.Server {
	srv := httptest.NewServer(handler.NewHandler(svc, maxUploadSize, zap.NewNop()).Routes())
	c.Cleanup(srv.Close)
	return srv
}

func multipartBody(c *qt.C, filename, content, format string) (io.Reader, string) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		c.Assert(err, qt.IsNil)
		_, err = fw.Write([]byte(content))
		c.Assert(err, qt.IsNil)
	}
	if format != "" {
		c.Assert(mw.WriteField("format", format), qt.IsNil)
	}
	c.Assert(mw.Close(), qt.IsNil)
	return &buf, mw.FormDataContentType()
}

func decode[T any](c *qt.C, resp *http.Response) T {
	defer resp.Body.Close()
	var v T
	c.Assert(json.NewDecoder(resp.Body).Decode(&v), qt.IsNil)
	return v
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func TestHealth(t *testing.T) {
	c := qt.New(t)
	srv := newServer(c, &fakeService{}, 0)

	resp, err := http.Get(srv.URL + "/health")
	c.Assert(err, qt.IsNil)
	c.Check(resp.StatusCode, qt.Equals, http.StatusOK)
	c.Check(decode[map[string]string](c, resp)["status"], qt.Equals, "SERVING_STATUS_SERVING")
}

func TestCreateConversion(t *testing.T) {
	c := qt.New(t)

	c.Run("created", func(c *qt.C) {
		svc := &fakeService{session: newSession()}
		srv := newServer(c, svc, 1<<20)

		body, contentType := multipartBody(c, "house.dwg", "model bytes", "svf")
		resp, err := http.Post(srv.URL+"/v1/partitions/partition-a/conversions", contentType, body)
		c.Assert(err, qt.IsNil)
		c.Assert(resp.StatusCode, qt.Equals, http.StatusCreated)

		got := decode[handler.Conversion](c, resp)
		c.Check(got.UID, qt.Equals, svc.session.UID)
		c.Check(got.Status, qt.Equals, "pending")
		c.Check(got.Progress, qt.Equals, -1.0)

		c.Assert(svc.created, qt.IsNotNil)
		c.Check(svc.created.PartitionID, qt.Equals, "partition-a")
		c.Check(svc.created.Filename, qt.Equals, "house.dwg")
		c.Check(svc.created.Size, qt.Equals, int64(len("model bytes")))
		c.Check(svc.created.TargetFormat, qt.Equals, "svf")
		c.Check(svc.content, qt.Equals, "model bytes")
	})

	c.Run("missing file", func(c *qt.C) {
		svc := &fakeService{session: newSession()}
		srv := newServer(c, svc, 0)

		body, contentType := multipartBody(c, "", "", "svf")
		resp, err := http.Post(srv.URL+"/v1/partitions/partition-a/conversions", contentType, body)
		c.Assert(err, qt.IsNil)
		c.Check(resp.StatusCode, qt.Equals, http.StatusBadRequest)
		c.Check(svc.created, qt.IsNil)
	})

	c.Run("not multipart", func(c *qt.C) {
		srv := newServer(c, &fakeService{}, 0)

		resp, err := http.Post(srv.URL+"/v1/partitions/partition-a/conversions", "application/json", strings.NewReader("{}"))
		c.Assert(err, qt.IsNil)
		c.Check(resp.StatusCode, qt.Equals, http.StatusBadRequest)
		c.Check(decode[errorBody](c, resp).Message, qt.Contains, "multipart form")
	})

	c.Run("too large", func(c *qt.C) {
		svc := &fakeService{session: newSession()}
		routes := handler.NewHandler(svc, 16, zap.NewNop()).Routes()

		body, contentType := multipartBody(c, "house.dwg", strings.Repeat("x", 2<<20), "")
		req := httptest.NewRequest(http.MethodPost, "/v1/partitions/partition-a/conversions", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)

		c.Check(rec.Code, qt.Equals, http.StatusRequestEntityTooLarge)
		c.Check(svc.created, qt.IsNil)
	})

	c.Run("rejected by the service", func(c *qt.C) {
		svc := &fakeService{err: errorsx.AddMessage(
			fmt.Errorf("%w: unsupported extension", errorsx.ErrInvalidArgument),
			"This file type isn't supported.",
		)}
		srv := newServer(c, svc, 0)

		body, contentType := multipartBody(c, "notes.txt", "text", "")
		resp, err := http.Post(srv.URL+"/v1/partitions/partition-a/conversions", contentType, body)
		c.Assert(err, qt.IsNil)
		c.Check(resp.StatusCode, qt.Equals, http.StatusBadRequest)

		got := decode[errorBody](c, resp)
		c.Check(got.Code, qt.Equals, http.StatusBadRequest)
		c.Check(got.Message, qt.Contains, "This file type isn't supported.")
	})
}

func TestListConversions(t *testing.T) {
	c := qt.New(t)

	svc := &fakeService{session: newSession()}
	srv := newServer(c, svc, 0)

	resp, err := http.Get(srv.URL + "/v1/partitions/partition-a/conversions?page_size=5&page=2")
	c.Assert(err, qt.IsNil)
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)

	got := decode[handler.ListConversionsResponse](c, resp)
	c.Check(got.TotalSize, qt.Equals, int64(7))
	c.Check(got.Page, qt.Equals, 2)
	c.Check(got.Conversions, qt.HasLen, 1)
	c.Check(svc.listArgs, qt.DeepEquals, []any{"partition-a", 5, 2})

	resp, err = http.Get(srv.URL + "/v1/partitions/partition-a/conversions?page=two")
	c.Assert(err, qt.IsNil)
	c.Check(resp.StatusCode, qt.Equals, http.StatusBadRequest)
	c.Check(decode[errorBody](c, resp).Message, qt.Contains, "page parameter")
}

func TestConversionErrors(t *testing.T) {
	c := qt.New(t)

	testCases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "not found", err: fmt.Errorf("session: %w", errorsx.ErrNotFound), status: http.StatusNotFound},
		{name: "finished", err: fmt.Errorf("session: %w", domainerrors.ErrSessionFinished), status: http.StatusConflict},
		{name: "unauthenticated", err: fmt.Errorf("token: %w", errorsx.ErrUnauthenticated), status: http.StatusUnauthorized},
		{name: "unauthorized", err: fmt.Errorf("bucket: %w", errorsx.ErrUnauthorized), status: http.StatusForbidden},
		{name: "rate limited", err: fmt.Errorf("quota: %w", errorsx.ErrRateLimiting), status: http.StatusTooManyRequests},
		{name: "internal", err: fmt.Errorf("database unavailable"), status: http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		c.Run(tc.name, func(c *qt.C) {
			srv := newServer(c, &fakeService{err: tc.err}, 0)

			req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/conversions/"+uuid.Must(uuid.NewV4()).String()+"/cancel", nil)
			c.Assert(err, qt.IsNil)
			resp, err := http.DefaultClient.Do(req)
			c.Assert(err, qt.IsNil)
			c.Check(resp.StatusCode, qt.Equals, tc.status)

			got := decode[errorBody](c, resp)
			c.Check(got.Code, qt.Equals, tc.status)
			c.Check(got.Message, qt.Not(qt.Equals), "")
			if tc.status == http.StatusInternalServerError {
				c.Check(got.Message, qt.Not(qt.Contains), "database")
			}
		})
	}
}

func TestConversionByUID(t *testing.T) {
	c := qt.New(t)

	svc := &fakeService{session: newSession()}
	srv := newServer(c, svc, 0)
	uid := svc.session.UID.String()

	resp, err := http.Get(srv.URL + "/v1/conversions/" + uid)
	c.Assert(err, qt.IsNil)
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
	c.Check(decode[handler.Conversion](c, resp).Name, qt.Equals, "house.dwg")

	resp, err = http.Post(srv.URL+"/v1/conversions/"+uid+"/cancel", "", nil)
	c.Assert(err, qt.IsNil)
	c.Check(resp.StatusCode, qt.Equals, http.StatusOK)
	resp.Body.Close()
	c.Check(svc.cancelled, qt.Equals, svc.session.UID)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/conversions/"+uid, nil)
	c.Assert(err, qt.IsNil)
	resp, err = http.DefaultClient.Do(req)
	c.Assert(err, qt.IsNil)
	c.Check(resp.StatusCode, qt.Equals, http.StatusNoContent)
	resp.Body.Close()
	c.Check(svc.deleted, qt.Equals, svc.session.UID)

	resp, err = http.Get(srv.URL + "/v1/conversions/not-a-uid")
	c.Assert(err, qt.IsNil)
	c.Check(resp.StatusCode, qt.Equals, http.StatusBadRequest)
	c.Check(decode[errorBody](c, resp).Message, qt.Contains, "Invalid conversion ID.")
}

func TestWatchConversion(t *testing.T) {
	c := qt.New(t)

	uid := uuid.Must(uuid.NewV4())
	watch := make(chan events.Event, 3)
	watch <- events.Event{SessionUID: uid, Stage: "uploading", Progress: -1}
	watch <- events.Event{SessionUID: uid, Stage: "polling", Progress: 0.5}
	watch <- events.Event{SessionUID: uid, Stage: "ready", URN: "dXJu", Progress: 1}
	close(watch)

	srv := newServer(c, &fakeService{watch: watch}, 0)

	resp, err := http.Get(srv.URL + "/v1/conversions/" + uid.String() + "/events")
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
	c.Check(resp.Header.Get("Content-Type"), qt.Equals, "text/event-stream")

	var stages []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var e events.Event
		c.Assert(json.Unmarshal([]byte(data), &e), qt.IsNil)
		c.Check(e.SessionUID, qt.Equals, uid)
		stages = append(stages, e.Stage)
	}
	c.Assert(scanner.Err(), qt.IsNil)
	c.Check(stages, qt.DeepEquals, []string{"uploading", "polling", "ready"})

	c.Run("unknown session", func(c *qt.C) {
		srv := newServer(c, &fakeService{err: fmt.Errorf("session: %w", errorsx.ErrNotFound)}, 0)

		resp, err := http.Get(srv.URL + "/v1/conversions/" + uid.String() + "/events")
		c.Assert(err, qt.IsNil)
		resp.Body.Close()
		c.Check(resp.StatusCode, qt.Equals, http.StatusNotFound)
	})
}
