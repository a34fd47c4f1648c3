package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/jobs"
	"github.com/poiesic/kbingest/storage"
)

const (
	ownerHeader  = "X-Owner"
	defaultOwner = "anonymous"
)

// submitResponse is the body of an accepted submission.
type submitResponse struct {
	JobID  string         `json:"job_id"`
	Status core.JobStatus `json:"status"`
}

type ingestURLRequest struct {
	URL          string         `json:"url"`
	PluginName   string         `json:"plugin_name"`
	PluginParams map[string]any `json:"plugin_params"`
}

type retryRequest struct {
	PluginParams map[string]any `json:"plugin_params"`
}

func owner(r *http.Request) string {
	if o := strings.TrimSpace(r.Header.Get(ownerHeader)); o != "" {
		return o
	}
	return defaultOwner
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Plugins())
}

func (s *Server) ingestFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, s.logger, fmt.Errorf("%w: invalid multipart form: %w", core.ErrValidation, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, s.logger, fmt.Errorf("%w: missing file: %w", core.ErrValidation, err))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, s.logger, fmt.Errorf("%w: reading upload: %w", core.ErrValidation, err))
		return
	}

	params, err := decodeParams(r.FormValue("plugin_params"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	job, err := s.svc.Submit(r.Context(), jobs.SubmitRequest{
		CollectionID: chi.URLParam(r, "collectionID"),
		Owner:        owner(r),
		Filename:     filepath.Base(header.Filename),
		Data:         data,
		PluginName:   r.FormValue("plugin_name"),
		Params:       params,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) ingestURL(w http.ResponseWriter, r *http.Request) {
	var req ingestURLRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, s.logger, err)
		return
	}
	job, err := s.svc.Submit(r.Context(), jobs.SubmitRequest{
		CollectionID: chi.URLParam(r, "collectionID"),
		Owner:        owner(r),
		URL:          strings.TrimSpace(req.URL),
		PluginName:   req.PluginName,
		Params:       req.PluginParams,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	req, err := listRequest(chi.URLParam(r, "collectionID"), r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	page, err := s.svc.List(r.Context(), req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.Summary(r.Context(), chi.URLParam(r, "collectionID"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, s.logger, err)
		return
	}
	job, err := s.svc.Retry(r.Context(), chi.URLParam(r, "jobID"), req.PluginParams)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Delete(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// decodeJSON reads a JSON body into v. Numbers are kept as json.Number so
// integer parameters survive unchanged. An empty body is allowed only when
// optional is set.
func decodeJSON(r *http.Request, v any, optional bool) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading body: %w", core.ErrValidation, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		if optional {
			return nil
		}
		return fmt.Errorf("%w: request body is required", core.ErrValidation)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %w", core.ErrValidation, err)
	}
	return nil
}

func decodeParams(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("%w: plugin_params must be a JSON object: %w", core.ErrValidation, err)
	}
	return params, nil
}

func listRequest(collectionID string, r *http.Request) (jobs.ListRequest, error) {
	q := r.URL.Query()
	req := jobs.ListRequest{CollectionID: collectionID}

	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			status, err := core.ParseStatus(part)
			if err != nil {
				return req, err
			}
			req.Statuses = append(req.Statuses, status)
		}
	}

	var err error
	if req.Limit, err = intQuery(q.Get("limit"), "limit"); err != nil {
		return req, err
	}
	if req.Offset, err = intQuery(q.Get("offset"), "offset"); err != nil {
		return req, err
	}

	if sort := q.Get("sort"); sort != "" {
		req.SortBy = storage.SortField(sort)
		req.Descending = true
	}
	switch strings.ToLower(q.Get("order")) {
	case "":
	case "asc":
		req.Descending = false
	case "desc":
		req.Descending = true
	default:
		return req, fmt.Errorf("%w: order must be asc or desc", core.ErrValidation)
	}
	if req.SortBy == "" && q.Get("order") != "" {
		req.SortBy = storage.SortByCreatedAt
	}
	return req, nil
}

func intQuery(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", core.ErrValidation, name)
	}
	return n, nil
}
