package gallery

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	apperrors "github.com/muaviaUsmani/genvault/internal/errors"
	"github.com/muaviaUsmani/genvault/internal/media"
	"github.com/muaviaUsmani/genvault/internal/result"
	"github.com/muaviaUsmani/genvault/internal/runner"
	"github.com/muaviaUsmani/genvault/internal/settings"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// errorResponse is the body of every non-2xx JSON response
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("Failed to marshal response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.log.Debug("Failed to write response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	if status >= 500 {
		s.log.ErrorContext(r.Context(), "Request failed", "path", r.URL.Path, "code", code, "error", err)
	}
	s.respondJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

// storeError maps store failures to HTTP statuses
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidID):
		s.respondError(w, r, http.StatusBadRequest, "INVALID_ID", err)
	case apperrors.IsQuotaExceeded(err):
		s.respondError(w, r, http.StatusInsufficientStorage, "QUOTA_EXCEEDED", err)
	case errors.Is(err, apperrors.ErrNothingSaved):
		s.respondError(w, r, http.StatusBadGateway, "NOTHING_SAVED", err)
	default:
		s.respondError(w, r, http.StatusInternalServerError, "STORE_ERROR", err)
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind, ok := media.ParseKind(r.URL.Query().Get("type"))
	if !ok {
		s.respondError(w, r, http.StatusBadRequest, "INVALID_TYPE", fmt.Errorf("type must be image or video"))
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "INVALID_PAGE", err)
		return
	}
	limit, err := intParam(r, "limit", defaultPageSize)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "INVALID_PAGE", err)
		return
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	filter := result.Filter{Type: kind, Model: r.URL.Query().Get("model")}
	page, err := s.results.ListPage(r.Context(), filter, offset, limit)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	res, err := s.results.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if res == nil {
		s.respondError(w, r, http.StatusNotFound, "NOT_FOUND", fmt.Errorf("result not found"))
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.results.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	m, err := s.results.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if m == nil {
		http.NotFound(w, r)
		return
	}
	if m.RemoteURL != "" {
		http.Redirect(w, r, m.RemoteURL, http.StatusFound)
		return
	}
	defer m.Body.Close()

	w.Header().Set("Content-Type", m.ContentType)
	if m.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(m.Size, 10))
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := io.Copy(w, m.Body); err != nil {
		s.log.DebugContext(r.Context(), "Media stream interrupted", "error", err)
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cur, err := s.settings.Get()
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, "SETTINGS_ERROR", err)
		return
	}
	s.respondJSON(w, http.StatusOK, cur)
}

// settingsPatch carries only the fields the client wants to change
type settingsPatch struct {
	StoragePath    *string `json:"storagePath"`
	MaxResults     *int    `json:"maxResults"`
	FilenamePrefix *string `json:"filenamePrefix"`
	MetadataScheme *string `json:"metadataScheme"`
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch settingsPatch
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&patch); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "INVALID_BODY", err)
		return
	}

	updated, err := s.settings.Update(func(cur *settings.Settings) {
		if patch.StoragePath != nil {
			cur.StoragePath = *patch.StoragePath
		}
		if patch.MaxResults != nil {
			cur.MaxResults = *patch.MaxResults
		}
		if patch.FilenamePrefix != nil {
			cur.FilenamePrefix = *patch.FilenamePrefix
		}
		if patch.MetadataScheme != nil {
			cur.MetadataScheme = settings.MetadataScheme(*patch.MetadataScheme)
		}
	})
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "INVALID_SETTINGS", err)
		return
	}
	s.respondJSON(w, http.StatusOK, updated)
}

// runRequest is the body of POST /api/predictions
type runRequest struct {
	Model string                 `json:"model"`
	Input map[string]interface{} `json:"input"`
}

// runResponse reports a completed prediction
type runResponse struct {
	PredictionID string `json:"predictionId"`
	ResultID     string `json:"resultId"`
	Outputs      int    `json:"outputs"`
}

// handleRunPrediction blocks until the prediction is terminal. A client that
// disconnects cancels the remote job, unless its output is already saving.
func (s *Server) handleRunPrediction(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 32<<20)).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "INVALID_BODY", err)
		return
	}
	if req.Model == "" {
		s.respondError(w, r, http.StatusBadRequest, "INVALID_BODY", fmt.Errorf("model is required"))
		return
	}

	out, err := s.predictions.Run(r.Context(), req.Model, req.Input)
	var jobErr *runner.JobError
	switch {
	case errors.As(err, &jobErr):
		s.respondJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"predictionId": jobErr.PredictionID,
			"status":       string(jobErr.Status),
			"error":        jobErr.Message,
		})
		return
	case err != nil && out != nil:
		s.storeError(w, r, err)
		return
	case err != nil:
		s.respondError(w, r, http.StatusBadGateway, "PREDICTION_ERROR", err)
		return
	}

	s.respondJSON(w, http.StatusCreated, runResponse{
		PredictionID: out.Prediction.ID,
		ResultID:     out.ResultID,
		Outputs:      len(out.Prediction.Output),
	})
}
