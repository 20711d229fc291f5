package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/AaronLay10/SceneForge/internal/comfy"
	"github.com/AaronLay10/SceneForge/internal/events"
	"github.com/AaronLay10/SceneForge/internal/metrics"
	"github.com/AaronLay10/SceneForge/internal/storage/postgres"
	"github.com/AaronLay10/SceneForge/internal/studio"
)

// maxUploadBytes bounds request bodies that carry images.
const maxUploadBytes = 20 << 20

// Studio is the project lifecycle served by the API.
type Studio interface {
	CreateProject(ctx context.Context, userID string, in studio.ProjectInput) (*studio.Project, []studio.Scene, error)
	GetProject(ctx context.Context, id string) (*studio.Project, []studio.Scene, error)
	ListProjects(ctx context.Context, userID string) ([]studio.Project, error)
	DeleteProject(ctx context.Context, id, userID string) error
	MarkComplete(ctx context.Context, id string) error
	GenerateImagesForProject(ctx context.Context, projectID string) (studio.BatchResult, error)
	GenerateVideosForProject(ctx context.Context, projectID string) (studio.BatchResult, error)
	GenerateSceneImage(ctx context.Context, sceneID, reference string) (*studio.Scene, error)
	GenerateSceneVideo(ctx context.Context, sceneID string) (*studio.Scene, error)
	UpdateSceneScript(ctx context.Context, sceneID, text, imagePrompt, videoPrompt string) (*studio.Scene, error)
	UploadSceneImage(ctx context.Context, sceneID string, data []byte, contentType string) (*studio.Scene, error)
}

// EventLog reads persisted events.
type EventLog interface {
	QueryEvents(ctx context.Context, projectID string, limit int) ([]postgres.EventRow, error)
}

// Options configures a Server. EventLog, Media and Registry are optional.
type Options struct {
	Studio   Studio
	EventLog EventLog
	Media    http.Handler
	Registry *prometheus.Registry
}

// Server is the SceneForge HTTP API.
type Server struct {
	opts    Options
	handler http.Handler
	log     zerolog.Logger

	// jobs runs batch generations that outlive their request.
	jobs      sync.WaitGroup
	jobCtx    context.Context
	cancelJob context.CancelFunc
}

func NewServer(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:      opts,
		log:       log.With().Str("component", "api").Logger(),
		jobCtx:    ctx,
		cancelJob: cancel,
	}
	if opts.Registry != nil {
		registerServiceGauges(opts.Registry, time.Now())
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, route string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, instrument(route, h))
	}

	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler)
	if s.opts.Registry != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.opts.Registry))
	}
	if s.opts.Media != nil {
		mux.Handle("GET /media/", http.StripPrefix("/media/", s.opts.Media))
	}
	mux.HandleFunc("GET /ws/progress", RequireAnyRole(wsProgressHandler))

	handle("GET /events", "events", RequireAnyRole(eventsHandler))
	handle("GET /projects", "projects.list", RequireAnyRole(s.listProjects))
	handle("POST /projects", "projects.create", RequireAdmin(s.createProject))
	handle("GET /projects/{id}", "projects.get", RequireAnyRole(s.getProject))
	handle("DELETE /projects/{id}", "projects.delete", RequireAdmin(s.deleteProject))
	handle("GET /projects/{id}/events", "projects.events", RequireAnyRole(s.projectEvents))
	handle("POST /projects/{id}/images", "projects.images", RequireAdmin(s.batchImages))
	handle("POST /projects/{id}/videos", "projects.videos", RequireAdmin(s.batchVideos))
	handle("POST /projects/{id}/complete", "projects.complete", RequireAdmin(s.completeProject))
	handle("PATCH /scenes/{id}", "scenes.update", RequireAdmin(s.updateScene))
	handle("POST /scenes/{id}/image", "scenes.image", RequireAdmin(s.sceneImage))
	handle("PUT /scenes/{id}/image", "scenes.upload", RequireAdmin(s.uploadSceneImage))
	handle("POST /scenes/{id}/video", "scenes.video", RequireAdmin(s.sceneVideo))
	return mux
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Wait blocks until background batch generations have finished.
func (s *Server) Wait() {
	s.jobs.Wait()
}

// ListenAndServe serves on port until ctx is done, then shuts down
// gracefully and cancels running batches.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	tlsCfg, err := LoadTLSConfig()
	if err != nil {
		s.cancelJob()
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsCfg,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Bool("tls", srv.TLSConfig != nil).Msg("API listening")
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		s.cancelJob()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	s.cancelJob()
	s.jobs.Wait()
	events.CloseAllSubscribers()
	return err
}

type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Hostname  string `json:"hostname"`
	Timestamp string `json:"ts"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Service:   "sceneforge",
		Hostname:  host,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func eventsHandler(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeJSON(w, http.StatusOK, events.Snapshot())
		return
	}
	writeJSON(w, http.StatusOK, events.RecentMatching(0, projectFilter(projectID)))
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: err.Error()}
	var ce *comfy.Error

	switch {
	case errors.Is(err, studio.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, studio.ErrInvalidInput), errors.Is(err, comfy.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, studio.ErrNotReady), errors.Is(err, studio.ErrNoScenes):
		status = http.StatusConflict
	case errors.As(err, &ce), errors.Is(err, studio.ErrNoOutput):
		status = http.StatusBadGateway
		resp.Message = studio.UserMessage(err)
	}
	writeJSON(w, status, resp)
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.HTTPRequestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).
			Observe(time.Since(started).Seconds())
	}
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	user, _ := currentUser(r)
	projects, err := s.opts.Studio.ListProjects(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

type ProjectResponse struct {
	Project *studio.Project `json:"project"`
	Scenes  []studio.Scene  `json:"scenes"`
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var in studio.ProjectInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON"})
		return
	}

	user, _ := currentUser(r)
	p, scenes, err := s.opts.Studio.CreateProject(r.Context(), user, in)
	if err != nil {
		if p != nil {
			// The project exists but its script could not be written.
			writeJSON(w, http.StatusBadGateway, ProjectResponse{Project: p, Scenes: []studio.Scene{}})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ProjectResponse{Project: p, Scenes: scenes})
}

// ownedProject loads the project in the path, hiding projects of other
// users from non-admins.
func (s *Server) ownedProject(r *http.Request) (*studio.Project, []studio.Scene, error) {
	p, scenes, err := s.opts.Studio.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, nil, err
	}
	user, role := currentUser(r)
	if role != RoleAdmin && p.UserID != user {
		return nil, nil, studio.ErrNotFound
	}
	return p, scenes, nil
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, scenes, err := s.ownedProject(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProjectResponse{Project: p, Scenes: scenes})
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	user, _ := currentUser(r)
	owner := user
	if !IsAuthEnabled() {
		owner = ""
	}
	if err := s.opts.Studio.DeleteProject(r.Context(), r.PathValue("id"), owner); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) projectEvents(w http.ResponseWriter, r *http.Request) {
	if _, _, err := s.ownedProject(r); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if s.opts.EventLog == nil {
		writeJSON(w, http.StatusOK, events.RecentMatching(0, projectFilter(id)))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.opts.EventLog.QueryEvents(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type AcceptedResponse struct {
	ProjectID string `json:"project_id"`
	Kind      string `json:"kind"`
	Scenes    int    `json:"scenes"`
}

func (s *Server) batchImages(w http.ResponseWriter, r *http.Request) {
	s.startBatch(w, r, "image", s.opts.Studio.GenerateImagesForProject)
}

func (s *Server) batchVideos(w http.ResponseWriter, r *http.Request) {
	s.startBatch(w, r, "video", s.opts.Studio.GenerateVideosForProject)
}

// startBatch validates the project and runs the batch in the background.
func (s *Server) startBatch(w http.ResponseWriter, r *http.Request, kind string,
	run func(context.Context, string) (studio.BatchResult, error)) {

	p, scenes, err := s.ownedProject(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(scenes) == 0 {
		writeError(w, studio.ErrNoScenes)
		return
	}

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		res, err := run(s.jobCtx, p.ID)
		if err != nil {
			s.log.Error().Err(err).Str("project_id", p.ID).Str("kind", kind).Msg("batch generation failed")
			return
		}
		s.log.Info().Str("project_id", p.ID).Str("kind", kind).
			Int("succeeded", res.Succeeded).Int("failed", res.Failed).Msg("batch generation finished")
	}()

	writeJSON(w, http.StatusAccepted, AcceptedResponse{ProjectID: p.ID, Kind: kind, Scenes: len(scenes)})
}

func (s *Server) completeProject(w http.ResponseWriter, r *http.Request) {
	p, _, err := s.ownedProject(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.opts.Studio.MarkComplete(r.Context(), p.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type SceneUpdateRequest struct {
	Script      string `json:"script"`
	ImagePrompt string `json:"image_prompt"`
	VideoPrompt string `json:"video_prompt"`
}

func (s *Server) updateScene(w http.ResponseWriter, r *http.Request) {
	var req SceneUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON"})
		return
	}
	sc, err := s.opts.Studio.UpdateSceneScript(r.Context(), r.PathValue("id"), req.Script, req.ImagePrompt, req.VideoPrompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

type SceneImageRequest struct {
	ReferenceImage string `json:"reference_image,omitempty"`
}

func (s *Server) sceneImage(w http.ResponseWriter, r *http.Request) {
	var req SceneImageRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON"})
			return
		}
	}
	sc, err := s.opts.Studio.GenerateSceneImage(r.Context(), r.PathValue("id"), req.ReferenceImage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) uploadSceneImage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "image too large"})
		return
	}
	sc, err := s.opts.Studio.UploadSceneImage(r.Context(), r.PathValue("id"), data, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) sceneVideo(w http.ResponseWriter, r *http.Request) {
	sc, err := s.opts.Studio.GenerateSceneVideo(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}
