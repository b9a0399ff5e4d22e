package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/instill-ai/model-derivative-backend/pkg/constant"
	"github.com/instill-ai/model-derivative-backend/pkg/middleware"
	"github.com/instill-ai/model-derivative-backend/pkg/repository"
	"github.com/instill-ai/model-derivative-backend/pkg/service"
	"github.com/instill-ai/model-derivative-backend/pkg/types"
)

// multipartMemory is the part of an upload kept in memory. The rest is
// spooled to disk by the multipart reader.
const multipartMemory = 32 * constant.MB

// Handler serves the conversion API over HTTP.
type Handler struct {
	service service.Service
	log     *zap.Logger
	// maxRequestSize bounds the request body. Zero means no limit.
	maxRequestSize int64
}

// NewHandler initiates a handler instance. maxUploadSize is the largest
// accepted model, in bytes.
func NewHandler(s service.Service, maxUploadSize int64, log *zap.Logger) *Handler {
	h := &Handler{service: s, log: log}
	if maxUploadSize > 0 {
		h.maxRequestSize = maxUploadSize + constant.MultipartEnvelope
	}
	return h
}

// Routes returns the router of the API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(h.log))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/partitions/{partition}/conversions", func(r chi.Router) {
			r.Post("/", h.CreateConversion)
			r.Get("/", h.ListConversions)
		})

		r.Route("/conversions/{uid}", func(r chi.Router) {
			r.Get("/", h.GetConversion)
			r.Delete("/", h.DeleteConversion)
			r.Post("/cancel", h.CancelConversion)
			r.Get("/events", h.WatchConversion)
		})
	})

	return r
}

// Health reports that the server is serving.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "SERVING_STATUS_SERVING"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Conversion is the API representation of a conversion session.
type Conversion struct {
	UID          types.SessionUIDType      `json:"uid"`
	Name         string                    `json:"name"`
	PartitionID  string                    `json:"partition_id"`
	Kind         string                    `json:"kind"`
	TargetFormat string                    `json:"target_format"`
	Size         int64                     `json:"size"`
	ObjectID     string                    `json:"object_id,omitempty"`
	URN          string                    `json:"urn,omitempty"`
	Stage        string                    `json:"stage"`
	Status       string                    `json:"status"`
	FailStage    string                    `json:"fail_stage,omitempty"`
	FailReason   string                    `json:"fail_reason,omitempty"`
	Progress     float64                   `json:"progress"`
	Messages     []types.DiagnosticMessage `json:"messages,omitempty"`
	CreateTime   time.Time                 `json:"create_time"`
	UpdateTime   time.Time                 `json:"update_time"`
	CompleteTime *time.Time                `json:"complete_time,omitempty"`
}

func convertSession(s *repository.ConversionSessionModel) Conversion {
	c := Conversion{
		UID:          s.UID,
		Name:         s.Name,
		PartitionID:  s.PartitionID,
		Kind:         s.Kind,
		TargetFormat: s.TargetFormat,
		Size:         s.Size,
		ObjectID:     s.ObjectID,
		URN:          s.URN,
		Stage:        s.Stage,
		Status:       string(s.Status),
		FailStage:    s.FailStage,
		FailReason:   s.FailReason,
		Progress:     s.Progress,
		Messages:     s.DiagnosticMessages(),
		CreateTime:   s.CreateTime,
		UpdateTime:   s.UpdateTime,
		CompleteTime: s.CompleteTime,
	}
	if s.Status == repository.SessionStatusPending {
		c.Progress = -1
	}
	return c
}

// ListConversionsResponse is a page of conversions.
type ListConversionsResponse struct {
	Conversions []Conversion `json:"conversions"`
	TotalSize   int64        `json:"total_size"`
	Page        int          `json:"page"`
}
