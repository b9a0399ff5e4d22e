package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/pkg/service"
	"github.com/instill-ai/model-derivative-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

func sessionUID(r *http.Request) (types.SessionUIDType, error) {
	uid, err := uuid.FromString(chi.URLParam(r, "uid"))
	if err != nil {
		return uuid.Nil, errorsx.AddMessage(fmt.Errorf("%w: %w", ErrInvalidUID, err), "Invalid conversion ID.")
	}
	return uid, nil
}

// CreateConversion handles POST /v1/partitions/{partition}/conversions. The
// body is a multipart form with the model in the "file" part and an
// optional "format" field.
func (h *Handler) CreateConversion(w http.ResponseWriter, r *http.Request) {
	if h.maxRequestSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestSize)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			h.writeError(w, r, errorsx.AddMessage(err, "The uploaded file is too large."))
			return
		}
		err = fmt.Errorf("%w: %w", errorsx.ErrInvalidArgument, err)
		h.writeError(w, r, errorsx.AddMessage(err, "The request must be a multipart form."))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrMissingFile, err)
		h.writeError(w, r, errorsx.AddMessage(err, "The request must carry the model in a \"file\" part."))
		return
	}
	defer file.Close()

	session, err := h.service.CreateConversion(r.Context(), service.CreateConversionParam{
		PartitionID:  chi.URLParam(r, "partition"),
		Filename:     header.Filename,
		ContentType:  header.Header.Get("Content-Type"),
		Size:         header.Size,
		Content:      file,
		TargetFormat: r.FormValue("format"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, convertSession(session))
}

// ListConversions handles GET /v1/partitions/{partition}/conversions.
func (h *Handler) ListConversions(w http.ResponseWriter, r *http.Request) {
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := queryInt(r, "page")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	sessions, total, err := h.service.ListConversions(r.Context(), chi.URLParam(r, "partition"), pageSize, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := ListConversionsResponse{
		Conversions: make([]Conversion, 0, len(sessions)),
		TotalSize:   total,
		Page:        page,
	}
	for i := range sessions {
		resp.Conversions = append(resp.Conversions, convertSession(&sessions[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrInvalidPagination, name, err)
		return 0, errorsx.AddMessage(err, fmt.Sprintf("The %s parameter must be an integer.", name))
	}
	return v, nil
}

// GetConversion handles GET /v1/conversions/{uid}.
func (h *Handler) GetConversion(w http.ResponseWriter, r *http.Request) {
	uid, err := sessionUID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	session, err := h.service.GetConversion(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convertSession(session))
}

// CancelConversion handles POST /v1/conversions/{uid}/cancel.
func (h *Handler) CancelConversion(w http.ResponseWriter, r *http.Request) {
	uid, err := sessionUID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	session, err := h.service.CancelConversion(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convertSession(session))
}

// DeleteConversion handles DELETE /v1/conversions/{uid}.
func (h *Handler) DeleteConversion(w http.ResponseWriter, r *http.Request) {
	uid, err := sessionUID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.service.DeleteConversion(r.Context(), uid); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WatchConversion handles GET /v1/conversions/{uid}/events. It streams the
// state of the session as server-sent events until a final state or until
// the client goes away.
func (h *Handler) WatchConversion(w http.ResponseWriter, r *http.Request) {
	uid, err := sessionUID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, errors.New("streaming unsupported by the response writer"))
		return
	}

	changes, err := h.service.WatchConversion(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for e := range changes {
		b, err := json.Marshal(e)
		if err != nil {
			h.log.Error("Failed to encode event", zap.String("sessionUID", uid.String()), zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", b); err != nil {
			// The client went away. The request context ends the watch.
			return
		}
		flusher.Flush()
	}
}
