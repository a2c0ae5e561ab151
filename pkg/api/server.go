package api

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime"
	"github.com/rs/cors"

	"github.com/manthysbr/solution-packager/internal/core/domain"
	"github.com/manthysbr/solution-packager/internal/core/ports"
	"github.com/manthysbr/solution-packager/internal/core/services"
)

//go:embed openapi.yaml
var openAPISpec []byte

// OpenAPISpec returns the embedded API description.
func OpenAPISpec() []byte {
	return openAPISpec
}

const (
	uploadField = "file"
	// multipartOverhead is the room left for boundaries and part headers on
	// top of the archive size limit.
	multipartOverhead = 1 << 20
	sseHeartbeat      = 15 * time.Second
)

type Server struct {
	logger         *slog.Logger
	lifecycle      *services.PackagingLifecycle
	metrics        ports.Metrics
	metricsHandler http.Handler
	maxUploadBytes int64
	cors           *cors.Cors
}

func NewServer(
	logger *slog.Logger,
	lifecycle *services.PackagingLifecycle,
	metrics ports.Metrics,
	metricsHandler http.Handler,
	maxUploadBytes int64,
) *Server {
	if metricsHandler == nil {
		metricsHandler = http.NotFoundHandler()
	}
	return &Server{
		logger:         logger,
		lifecycle:      lifecycle,
		metrics:        metrics,
		metricsHandler: metricsHandler,
		maxUploadBytes: maxUploadBytes,
	}
}

// WithAllowedOrigins enables CORS for the given origins. Preflight
// responses still carry the security headers.
func (s *Server) WithAllowedOrigins(origins []string) *Server {
	s.cors = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
	})
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "GET /health", s.handleHealth)
	s.route(mux, "POST /jobs", s.handleSubmit)
	s.route(mux, "GET /jobs/{id}", s.handleGetJob)
	s.route(mux, "GET /jobs/{id}/result", s.handleGetResult)
	s.route(mux, "GET /jobs/{id}/events", s.handleJobEvents)
	s.route(mux, "GET /openapi.yaml", s.handleOpenAPI)
	mux.Handle("GET /metrics", s.metricsHandler)

	var h http.Handler = mux
	if s.cors != nil {
		h = s.cors.Handler(mux)
	}
	return securityHeaders(h)
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(pattern, h))
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /jobs
//
// The queue slot is taken before the body is read so a full queue is
// answered without touching the upload.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	reservation, err := s.lifecycle.Reserve()
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	data, err := s.readUpload(w, r)
	if err != nil {
		reservation.Cancel()
		s.writeServiceError(w, err)
		return
	}

	sub, err := s.lifecycle.SubmitArchive(reservation, data)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": string(sub.JobID),
		"token":  sub.Token,
		"status": string(sub.Status),
	})
}

// readUpload streams the multipart body and returns the bytes of the
// upload field, never holding more than the size limit plus one byte.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, domain.Rejectf(domain.RejectInvalidFormat, "expected a multipart upload with a %q field", uploadField)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, domain.Rejectf(domain.RejectInvalidFormat, "missing %q field", uploadField)
		}
		if err != nil {
			return nil, s.uploadError(err)
		}
		if part.FormName() != uploadField {
			_ = part.Close()
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, s.maxUploadBytes+1))
		_ = part.Close()
		if err != nil {
			return nil, s.uploadError(err)
		}
		if int64(len(data)) > s.maxUploadBytes {
			return nil, s.tooLarge()
		}
		if !strings.HasSuffix(strings.ToLower(part.FileName()), ".zip") {
			s.logger.Debug("upload without .zip extension", "filename", part.FileName())
		}
		return data, nil
	}
}

func (s *Server) uploadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return s.tooLarge()
	}
	return domain.Rejectf(domain.RejectInvalidFormat, "could not read upload: %v", err)
}

func (s *Server) tooLarge() error {
	s.metrics.SubmissionRejected(string(domain.RejectTooLarge))
	return domain.Rejectf(domain.RejectTooLarge, "File too large (max %dMB)", s.maxUploadBytes>>20)
}

// GET /jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.lifecycle.Authorize(jobIDParam(r), bearerToken(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody(job))
}

// GET /jobs/{id}/result
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.lifecycle.OpenResult(jobIDParam(r), bearerToken(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer result.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": result.Name}))
	w.Header().Set("Content-Length", strconv.FormatInt(result.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, result); err != nil {
		s.logger.Warn("result transfer interrupted", "error", err)
	}
}

// GET /jobs/{id}/events
//
// Sends the current status right away, then every change until the job
// reaches a terminal state or the client goes away.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, ch, unsub, err := s.lifecycle.Subscribe(jobIDParam(r), bearerToken(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer unsub()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev services.StatusEvent) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	initial := services.StatusEvent{JobID: job.ID, Status: job.Status, At: job.UpdatedAt}
	if job.Error != nil {
		initial.Error = *job.Error
	}
	if !send(initial) || job.Status.Terminal() {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil || rc.Flush() != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok || !send(ev) || ev.Status.Terminal() {
				return
			}
		}
	}
}

// GET /openapi.yaml
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(openAPISpec)
}

// writeServiceError maps service errors onto status codes. Internal
// details are logged, never sent.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Reason, Reason: string(verr.Kind)})
	case errors.Is(err, domain.ErrQueueFull):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "Too many queued jobs, try again later"})
	case errors.Is(err, domain.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Job not found"})
	case errors.Is(err, domain.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "Missing or invalid authorization"})
	case errors.Is(err, domain.ErrJobNotCompleted):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
	}
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type jobStatusBody struct {
	JobID     domain.JobID     `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	Error     *string          `json:"error,omitempty"`
}

func statusBody(job domain.Job) jobStatusBody {
	return jobStatusBody{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt.UTC(),
		Error:     job.Error,
	}
}

// jobIDParam returns the raw {id} path segment. Anything that does not
// bind is passed on as "" and ends up as a 404.
func jobIDParam(r *http.Request) string {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", r.PathValue("id"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Required:      true,
	})
	if err != nil {
		return ""
	}
	return id
}

// bearerToken extracts the credential from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
