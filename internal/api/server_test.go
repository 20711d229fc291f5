package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AaronLay10/SceneForge/internal/comfy"
	"github.com/AaronLay10/SceneForge/internal/metrics"
	"github.com/AaronLay10/SceneForge/internal/storage/postgres"
	"github.com/AaronLay10/SceneForge/internal/studio"
)

// clearTLSEnvServer prevents TLS initialization from trying to load nonexistent certs.
func clearTLSEnvServer(t *testing.T) {
	t.Setenv("SCENEFORGE_TLS_CERT", "")
	t.Setenv("SCENEFORGE_TLS_KEY", "")
	setTLSFiles(nil)
}

func setReadiness(comfyReady, relayConnected, relayOptional, pgConnected, pgOptional bool) {
	readiness.mu.Lock()
	readiness.comfyReady = comfyReady
	readiness.relayConnected = relayConnected
	readiness.relayOptional = relayOptional
	readiness.postgresConnected = pgConnected
	readiness.postgresOptional = pgOptional
	readiness.mu.Unlock()
}

func TestHealthEndpoint(t *testing.T) {
	clearTLSEnvServer(t)
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "ok" || resp.Service != "sceneforge" {
		t.Errorf("unexpected health response %+v", resp)
	}
}

func readyResponse(t *testing.T) (int, ReadinessResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	readyHandler(w, httptest.NewRequest("GET", "/ready", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return w.Code, resp
}

func TestReadyEndpoint_AllReady(t *testing.T) {
	setReadiness(true, true, false, true, false)

	code, resp := readyResponse(t)
	if code != http.StatusOK || !resp.Ready {
		t.Fatalf("expected ready, got %d %+v", code, resp)
	}
	for _, name := range []string{"comfyui", "relay", "postgres"} {
		if resp.Checks[name].Status != "ok" {
			t.Errorf("expected %s status 'ok', got '%s'", name, resp.Checks[name].Status)
		}
	}
}

func TestReadyEndpoint_ComfyNotReady(t *testing.T) {
	setReadiness(false, true, false, true, false)

	code, resp := readyResponse(t)
	if code != http.StatusServiceUnavailable || resp.Ready {
		t.Fatalf("expected not ready, got %d %+v", code, resp)
	}
	if resp.Checks["comfyui"].Status != "not_ready" {
		t.Errorf("expected comfyui 'not_ready', got '%s'", resp.Checks["comfyui"].Status)
	}
	if !strings.Contains(resp.NotReadyMsg, "comfyui") {
		t.Errorf("expected message to name comfyui, got %q", resp.NotReadyMsg)
	}
}

func TestReadyEndpoint_OptionalDependenciesUnavailable(t *testing.T) {
	setReadiness(true, false, true, false, true)

	code, resp := readyResponse(t)
	if code != http.StatusOK || !resp.Ready {
		t.Fatalf("expected ready with optional dependencies down, got %d %+v", code, resp)
	}
	for _, name := range []string{"relay", "postgres"} {
		if resp.Checks[name].Status != "unavailable" || !resp.Checks[name].Optional {
			t.Errorf("expected %s unavailable and optional, got %+v", name, resp.Checks[name])
		}
	}
}

func TestReadyEndpoint_MultipleDependenciesNotReady(t *testing.T) {
	setReadiness(false, false, false, true, false)

	code, resp := readyResponse(t)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", code)
	}
	if !strings.Contains(resp.NotReadyMsg, "comfyui") || !strings.Contains(resp.NotReadyMsg, "relay") {
		t.Errorf("expected both reasons, got %q", resp.NotReadyMsg)
	}
}

func TestSetReadinessState(t *testing.T) {
	SetComfyReady(true)
	SetRelayState(false, true)
	SetPostgresState(true, false)

	readiness.mu.RLock()
	defer readiness.mu.RUnlock()
	if !readiness.comfyReady || readiness.relayConnected || !readiness.relayOptional ||
		!readiness.postgresConnected || readiness.postgresOptional {
		t.Errorf("unexpected readiness state %+v", readiness)
	}
}

// fakeStudio records calls and returns canned results.
type fakeStudio struct {
	mu       sync.Mutex
	projects map[string]*studio.Project
	scenes   map[string][]studio.Scene
	createFn func(studio.ProjectInput) (*studio.Project, []studio.Scene, error)
	sceneErr error
	batches  []string
	deleted  []string
	owners   []string
	upload   []byte
	uploadCT string
	batchRun chan struct{}
}

func newFakeStudio() *fakeStudio {
	return &fakeStudio{
		projects: map[string]*studio.Project{
			"p1": {ID: "p1", UserID: "local", Name: "Demo", Status: studio.ProjectScript},
		},
		scenes: map[string][]studio.Scene{
			"p1": {{ID: "s1", ProjectID: "p1", Order: 1, ImagePrompt: "i"}},
		},
		batchRun: make(chan struct{}, 4),
	}
}

func (f *fakeStudio) CreateProject(_ context.Context, userID string, in studio.ProjectInput) (*studio.Project, []studio.Scene, error) {
	if f.createFn != nil {
		return f.createFn(in)
	}
	if err := in.Validate(); err != nil {
		return nil, nil, err
	}
	p := &studio.Project{ID: "p2", UserID: userID, Name: in.Name, Status: studio.ProjectScript}
	return p, []studio.Scene{{ID: "s9", ProjectID: "p2", Order: 1}}, nil
}

func (f *fakeStudio) GetProject(_ context.Context, id string) (*studio.Project, []studio.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, nil, studio.ErrNotFound
	}
	return p, f.scenes[id], nil
}

func (f *fakeStudio) ListProjects(_ context.Context, userID string) ([]studio.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []studio.Project{}
	for _, p := range f.projects {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStudio) DeleteProject(_ context.Context, id, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[id]; !ok {
		return studio.ErrNotFound
	}
	f.deleted = append(f.deleted, id)
	f.owners = append(f.owners, userID)
	return nil
}

func (f *fakeStudio) MarkComplete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[id].Status = studio.ProjectCompleted
	return nil
}

func (f *fakeStudio) batch(kind, id string) (studio.BatchResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, kind+":"+id)
	f.mu.Unlock()
	f.batchRun <- struct{}{}
	return studio.BatchResult{Attempted: 1, Succeeded: 1}, nil
}

func (f *fakeStudio) GenerateImagesForProject(_ context.Context, id string) (studio.BatchResult, error) {
	return f.batch("image", id)
}

func (f *fakeStudio) GenerateVideosForProject(_ context.Context, id string) (studio.BatchResult, error) {
	return f.batch("video", id)
}

func (f *fakeStudio) GenerateSceneImage(_ context.Context, sceneID, reference string) (*studio.Scene, error) {
	if f.sceneErr != nil {
		return nil, f.sceneErr
	}
	return &studio.Scene{ID: sceneID, ImageURL: "/media/" + reference, Status: studio.SceneCompleted}, nil
}

func (f *fakeStudio) GenerateSceneVideo(_ context.Context, sceneID string) (*studio.Scene, error) {
	if f.sceneErr != nil {
		return nil, f.sceneErr
	}
	return &studio.Scene{ID: sceneID, VideoURL: "/media/v.mp4", Status: studio.SceneCompleted}, nil
}

func (f *fakeStudio) UpdateSceneScript(_ context.Context, sceneID, text, imagePrompt, videoPrompt string) (*studio.Scene, error) {
	if imagePrompt == "" {
		return nil, studio.ErrInvalidInput
	}
	return &studio.Scene{ID: sceneID, Script: text, ImagePrompt: imagePrompt, VideoPrompt: videoPrompt}, nil
}

func (f *fakeStudio) UploadSceneImage(_ context.Context, sceneID string, data []byte, contentType string) (*studio.Scene, error) {
	f.upload, f.uploadCT = data, contentType
	return &studio.Scene{ID: sceneID, ImageURL: "/media/up.png"}, nil
}

type fakeEventLog struct {
	projectID string
	limit     int
}

func (l *fakeEventLog) QueryEvents(_ context.Context, projectID string, limit int) ([]postgres.EventRow, error) {
	l.projectID, l.limit = projectID, limit
	return []postgres.EventRow{{EventID: 1, Event: "batch.started"}}, nil
}

func newTestServer(t *testing.T, st *fakeStudio, opts Options) *Server {
	t.Helper()
	clearTLSEnvServer(t)
	resetAuth()
	opts.Studio = st
	return NewServer(opts)
}

func do(t *testing.T, h http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, body))
	return w
}

func TestCreateProjectRoute(t *testing.T) {
	st := newFakeStudio()
	s := newTestServer(t, st, Options{})

	w := do(t, s.Handler(), "POST", "/projects",
		strings.NewReader(`{"name":"Demo","theme":"rain","scene_count":1,"max_duration":5}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp ProjectResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Project.UserID != localUser || len(resp.Scenes) != 1 {
		t.Errorf("unexpected response %+v", resp)
	}

	w = do(t, s.Handler(), "POST", "/projects", strings.NewReader(`{"name":"Demo"}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid input, got %d", w.Code)
	}

	w = do(t, s.Handler(), "POST", "/projects", strings.NewReader(`{`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid JSON, got %d", w.Code)
	}
}

func TestCreateProjectScriptFailure(t *testing.T) {
	st := newFakeStudio()
	st.createFn = func(studio.ProjectInput) (*studio.Project, []studio.Scene, error) {
		return &studio.Project{ID: "p3", Status: studio.ProjectFailed}, nil, errors.New("model down")
	}
	s := newTestServer(t, st, Options{})

	w := do(t, s.Handler(), "POST", "/projects", strings.NewReader(`{}`))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"failed"`) {
		t.Errorf("expected failed project in body, got %s", w.Body.String())
	}
}

func TestGetAndListProjects(t *testing.T) {
	st := newFakeStudio()
	s := newTestServer(t, st, Options{})

	w := do(t, s.Handler(), "GET", "/projects/p1", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"id":"s1"`) {
		t.Errorf("unexpected get response %d %s", w.Code, w.Body.String())
	}
	if w := do(t, s.Handler(), "GET", "/projects/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	w = do(t, s.Handler(), "GET", "/projects", nil)
	var list []studio.Project
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil || len(list) != 1 {
		t.Errorf("unexpected list %v (%v)", list, err)
	}
}

func TestViewerCannotSeeOtherUsersProjects(t *testing.T) {
	st := newFakeStudio()
	s := newTestServer(t, st, Options{})
	auth = &authConfig{adminUser: "admin", adminPass: "a", viewerUser: "viewer", viewerPass: "v", enabled: true}
	defer resetAuth()

	req := httptest.NewRequest("GET", "/projects/p1", nil)
	req.SetBasicAuth("viewer", "v")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another user's project, got %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/projects/p1/images", nil)
	req.SetBasicAuth("viewer", "v")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for viewer mutation, got %d", w.Code)
	}
}

func TestBatchRoutesRunInBackground(t *testing.T) {
	st := newFakeStudio()
	s := newTestServer(t, st, Options{})

	w := do(t, s.Handler(), "POST", "/projects/p1/images", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	w = do(t, s.Handler(), "POST", "/projects/p1/videos", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	s.Wait()

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.batches) != 2 {
		t.Fatalf("expected two batches, got %v", st.batches)
	}
	got := map[string]bool{st.batches[0]: true, st.batches[1]: true}
	if !got["image:p1"] || !got["video:p1"] {
		t.Errorf("unexpected batches %v", st.batches)
	}
}

func TestBatchRouteWithoutScenes(t *testing.T) {
	st := newFakeStudio()
	st.scenes["p1"] = nil
	s := newTestServer(t, st, Options{})

	if w := do(t, s.Handler(), "POST", "/projects/p1/images", nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestSceneRoutes(t *testing.T) {
	st := newFakeStudio()
	s := newTestServer(t, st, Options{})

	w := do(t, s.Handler(), "POST", "/scenes/s1/image", strings.NewReader(`{"reference_image":"ref.png"}`))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/media/ref.png") {
		t.Errorf("unexpected image response %d %s", w.Code, w.Body.String())
	}

	w = do(t, s.Handler(), "POST", "/scenes/s1/image", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected empty body to be accepted, got %d", w.Code)
	}

	w = do(t, s.Handler(), "POST", "/scenes/s1/video", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "v.mp4") {
		t.Errorf("unexpected video response %d %s", w.Code, w.Body.String())
	}

	w = do(t, s.Handler(), "PATCH", "/scenes/s1", strings.NewReader(`{"script":"s","image_prompt":"i","video_prompt":"v"}`))
	if w.Code != http.StatusOK {
		t.Errorf("unexpected patch response %d", w.Code)
	}
	w = do(t, s.Handler(), "PATCH", "/scenes/s1", strings.NewReader(`{"script":"s"}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing prompts, got %d", w.Code)
	}

	req := httptest.NewRequest("PUT", "/scenes/s1/image", bytes.NewReader([]byte("png-bytes")))
	req.Header.Set("Content-Type", "image/png")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK || string(st.upload) != "png-bytes" || st.uploadCT != "image/png" {
		t.Errorf("unexpected upload %d %q %q", w.Code, st.upload, st.uploadCT)
	}
}

func TestSceneGenerationErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&comfy.Error{Op: "image", Stage: comfy.StageTracking, Err: comfy.ErrTrackingTimedOut}, http.StatusBadGateway},
		{studio.ErrNotReady, http.StatusConflict},
		{studio.ErrNotFound, http.StatusNotFound},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		st := newFakeStudio()
		st.sceneErr = tt.err
		s := newTestServer(t, st, Options{})

		w := do(t, s.Handler(), "POST", "/scenes/s1/video", nil)
		if w.Code != tt.code {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.code, w.Code)
		}
	}

	st := newFakeStudio()
	st.sceneErr = &comfy.Error{Op: "image", Stage: comfy.StageConnected, Err: comfy.ErrConnection}
	s := newTestServer(t, st, Options{})
	w := do(t, s.Handler(), "POST", "/scenes/s1/image", nil)
	var resp ErrorResponse
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Message != comfy.Message(comfy.ErrConnection) {
		t.Errorf("expected user message, got %+v", resp)
	}
}

func TestDeleteAndCompleteProject(t *testing.T) {
	st := newFakeStudio()
	s := newTestServer(t, st, Options{})

	if w := do(t, s.Handler(), "POST", "/projects/p1/complete", nil); w.Code != http.StatusNoContent {
		t.Errorf("expected 204 on complete, got %d", w.Code)
	}
	if st.projects["p1"].Status != studio.ProjectCompleted {
		t.Error("expected project completed")
	}
	if w := do(t, s.Handler(), "DELETE", "/projects/p1", nil); w.Code != http.StatusNoContent {
		t.Errorf("expected 204 on delete, got %d", w.Code)
	}
	if len(st.deleted) != 1 || st.owners[0] != "" {
		t.Errorf("expected unchecked delete without auth, got %v %v", st.deleted, st.owners)
	}
}

func TestProjectEventsRoute(t *testing.T) {
	st := newFakeStudio()
	logStore := &fakeEventLog{}
	s := newTestServer(t, st, Options{EventLog: logStore})

	w := do(t, s.Handler(), "GET", "/projects/p1/events?limit=5", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "batch.started") {
		t.Errorf("unexpected response %d %s", w.Code, w.Body.String())
	}
	if logStore.projectID != "p1" || logStore.limit != 5 {
		t.Errorf("unexpected query %+v", logStore)
	}
}

func TestMetricsAndMediaRoutes(t *testing.T) {
	st := newFakeStudio()
	reg := prometheus.NewRegistry()
	metrics.InitMetrics(reg)
	media := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("media:" + r.URL.Path))
	})
	s := newTestServer(t, st, Options{Registry: reg, Media: media})

	do(t, s.Handler(), "GET", "/projects", nil)
	w := do(t, s.Handler(), "GET", "/metrics", nil)
	body := w.Body.String()
	for _, want := range []string{"sceneforge_uptime_seconds", "sceneforge_ws_clients", "sceneforge_build_info", "sceneforge_http_request_duration_seconds"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in metrics", want)
		}
	}

	w = do(t, s.Handler(), "GET", "/media/p1/s1-1.png", nil)
	if w.Body.String() != "media:p1/s1-1.png" {
		t.Errorf("unexpected media response %q", w.Body.String())
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	st := newFakeStudio()
	s := newTestServer(t, st, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx, 0) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
