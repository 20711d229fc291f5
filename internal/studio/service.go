// Package studio runs the project lifecycle: scripting a project, then
// generating a keyframe image and a video clip for every scene.
package studio

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AaronLay10/SceneForge/internal/comfy"
	"github.com/AaronLay10/SceneForge/internal/events"
	"github.com/AaronLay10/SceneForge/internal/metrics"
	"github.com/AaronLay10/SceneForge/internal/script"
	"github.com/AaronLay10/SceneForge/internal/storage/blob"
)

// Store persists projects and scenes.
type Store interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context, userID string) ([]Project, error)
	UpdateProjectStatus(ctx context.Context, id string, status ProjectStatus) error
	DeleteProject(ctx context.Context, id string) error
	InsertScenes(ctx context.Context, scenes []Scene) error
	ListScenes(ctx context.Context, projectID string) ([]Scene, error)
	GetScene(ctx context.Context, id string) (*Scene, error)
	UpdateScene(ctx context.Context, sc *Scene) error
}

// BlobStore keeps generated media.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ScriptWriter expands an idea into scenes.
type ScriptWriter interface {
	Write(ctx context.Context, req script.Request) (*script.Script, error)
}

// Generator produces media for one scene.
type Generator interface {
	GenerateImage(ctx context.Context, req comfy.ImageRequest) ([]comfy.Artifact, error)
	GenerateVideo(ctx context.Context, req comfy.VideoRequest) ([]comfy.Artifact, error)
}

// ProgressSink receives step progress for live relays.
type ProgressSink interface {
	Progress(projectID, sceneID, kind string, value, max int)
}

// Config tunes batch generation.
type Config struct {
	Concurrency int           `yaml:"concurrency"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// Deps are the collaborators of a Service. Progress is optional.
type Deps struct {
	Store     Store
	Blobs     BlobStore
	Writer    ScriptWriter
	Generator Generator
	Progress  ProgressSink
}

// Service runs the project lifecycle: script writing, per-scene keyframe and
// clip generation, and batches over a project's scenes. It is safe for
// concurrent use.
type Service struct {
	store    Store
	blobs    BlobStore
	writer   ScriptWriter
	gen      Generator
	progress ProgressSink

	concurrency int
	limiter     *rate.Limiter
	log         zerolog.Logger
	now         func() time.Time
}

// NewService wires a Service.
func NewService(d Deps, cfg Config) (*Service, error) {
	if d.Store == nil || d.Blobs == nil || d.Writer == nil || d.Generator == nil {
		return nil, errors.New("studio: store, blobs, writer and generator are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Service{
		store:       d.Store,
		blobs:       d.Blobs,
		writer:      d.Writer,
		gen:         d.Generator,
		progress:    d.Progress,
		concurrency: cfg.Concurrency,
		limiter:     rate.NewLimiter(limit, 1),
		log:         log.With().Str("component", "studio").Logger(),
		now:         time.Now,
	}, nil
}

// CreateProject stores the project and asks the script writer for its
// scenes. When scripting fails the project is kept with status failed and
// returned alongside the error.
func (s *Service) CreateProject(ctx context.Context, userID string, in ProjectInput) (*Project, []Scene, error) {
	if err := in.Validate(); err != nil {
		return nil, nil, err
	}

	p := &Project{
		ID:             uuid.NewString(),
		UserID:         userID,
		Name:           in.Name,
		Theme:          in.Theme,
		Style:          in.Style,
		Constraints:    in.Constraints,
		SceneCount:     in.SceneCount,
		MaxDuration:    in.MaxDuration,
		GenerationMode: in.GenerationMode,
		Status:         ProjectScript,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, nil, fmt.Errorf("create project: %w", err)
	}
	events.Emit("info", "project.created", "", map[string]interface{}{
		"project_id": p.ID,
		"user_id":    userID,
		"scenes":     in.SceneCount,
	})

	scr, err := s.writer.Write(ctx, script.Request{
		Idea:        in.Theme,
		Style:       in.Style,
		Constraints: in.Constraints,
		SceneCount:  in.SceneCount,
		MaxDuration: in.MaxDuration,
	})
	if err != nil {
		metrics.ScriptCounter.WithLabelValues("error").Inc()
		s.setProjectStatus(context.WithoutCancel(ctx), p, ProjectFailed)
		events.Emit("error", "script.failed", "script generation failed", map[string]interface{}{
			"project_id": p.ID,
			"error":      err.Error(),
		})
		return p, nil, fmt.Errorf("generate script: %w", err)
	}
	metrics.ScriptCounter.WithLabelValues("ok").Inc()

	scenes := make([]Scene, 0, len(scr.Scenes))
	for _, sc := range scr.Scenes {
		scenes = append(scenes, Scene{
			ID:          uuid.NewString(),
			ProjectID:   p.ID,
			Order:       sc.Order,
			Script:      sc.Script,
			ImagePrompt: sc.ImagePrompt,
			VideoPrompt: sc.VideoPrompt,
			Status:      ScenePending,
			StartAt:     sc.StartAt,
			EndAt:       sc.EndAt,
		})
	}
	if err := s.store.InsertScenes(ctx, scenes); err != nil {
		s.setProjectStatus(context.WithoutCancel(ctx), p, ProjectFailed)
		return p, nil, fmt.Errorf("insert scenes: %w", err)
	}

	events.Emit("info", "script.generated", "", map[string]interface{}{
		"project_id": p.ID,
		"scenes":     len(scenes),
	})
	return p, scenes, nil
}

// GetProject returns a project and its scenes in order.
func (s *Service) GetProject(ctx context.Context, id string) (*Project, []Scene, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	scenes, err := s.store.ListScenes(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return p, scenes, nil
}

// ListProjects returns the user's projects, newest first.
func (s *Service) ListProjects(ctx context.Context, userID string) ([]Project, error) {
	return s.store.ListProjects(ctx, userID)
}

// DeleteProject removes a project owned by userID together with its media.
// An empty userID skips the ownership check.
func (s *Service) DeleteProject(ctx context.Context, id, userID string) error {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if userID != "" && p.UserID != userID {
		return ErrNotFound
	}

	scenes, err := s.store.ListScenes(ctx, id)
	if err != nil {
		return err
	}
	for _, sc := range scenes {
		s.deleteBlob(ctx, sc.ImageKey)
		s.deleteBlob(ctx, sc.VideoKey)
	}

	if err := s.store.DeleteProject(ctx, id); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	events.Emit("info", "project.deleted", "", map[string]interface{}{"project_id": id})
	return nil
}

// MarkComplete closes a project.
func (s *Service) MarkComplete(ctx context.Context, id string) error {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.UpdateProjectStatus(ctx, id, ProjectCompleted); err != nil {
		return fmt.Errorf("mark complete: %w", err)
	}
	events.Emit("info", "project.completed", "", map[string]interface{}{
		"project_id": p.ID,
		"from":       string(p.Status),
	})
	return nil
}

// UpdateSceneScript replaces the text fields of a scene.
func (s *Service) UpdateSceneScript(ctx context.Context, sceneID, text, imagePrompt, videoPrompt string) (*Scene, error) {
	if strings.TrimSpace(imagePrompt) == "" || strings.TrimSpace(videoPrompt) == "" {
		return nil, errors.Join(ErrInvalidInput, errors.New("image and video prompts are required"))
	}
	sc, err := s.store.GetScene(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	sc.Script, sc.ImagePrompt, sc.VideoPrompt = text, imagePrompt, videoPrompt
	if err := s.store.UpdateScene(ctx, sc); err != nil {
		return nil, fmt.Errorf("update scene: %w", err)
	}
	events.Emit("info", "script.updated", "", map[string]interface{}{
		"project_id": sc.ProjectID,
		"scene_id":   sc.ID,
	})
	return sc, nil
}

// UploadSceneImage stores a user-supplied keyframe for a scene.
func (s *Service) UploadSceneImage(ctx context.Context, sceneID string, data []byte, contentType string) (*Scene, error) {
	if len(data) == 0 {
		return nil, errors.Join(ErrInvalidInput, errors.New("empty image"))
	}
	sc, err := s.store.GetScene(ctx, sceneID)
	if err != nil {
		return nil, err
	}

	ext := extensionFor(contentType, ".png")
	key := blob.SceneKey(sc.ProjectID, sc.ID, ext, s.now())
	url, err := s.blobs.Put(ctx, key, data, contentTypeFor(ext))
	if err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}

	old := sc.ImageKey
	sc.ImageURL, sc.ImageKey = url, key
	sc.Status, sc.Error = SceneCompleted, ""
	if err := s.store.UpdateScene(ctx, sc); err != nil {
		return nil, fmt.Errorf("update scene: %w", err)
	}
	s.deleteBlob(ctx, old)

	events.Emit("info", "scene.image.uploaded", "", map[string]interface{}{
		"project_id": sc.ProjectID,
		"scene_id":   sc.ID,
		"url":        url,
	})
	return sc, nil
}

// GenerateSceneImage renders the keyframe for one scene. reference is an
// optional data URI used for image-to-image.
func (s *Service) GenerateSceneImage(ctx context.Context, sceneID, reference string) (*Scene, error) {
	sc, err := s.store.GetScene(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(sc.ImagePrompt) == "" {
		return nil, fmt.Errorf("%w: no image prompt", ErrNotReady)
	}

	return s.generate(ctx, sc, "image", func(progress comfy.ProgressFunc) ([]comfy.Artifact, error) {
		return s.gen.GenerateImage(ctx, comfy.ImageRequest{
			Prompt:    sc.ImagePrompt,
			Reference: reference,
			Progress:  progress,
		})
	})
}

// GenerateSceneVideo animates the scene's keyframe.
func (s *Service) GenerateSceneVideo(ctx context.Context, sceneID string) (*Scene, error) {
	sc, err := s.store.GetScene(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(sc.VideoPrompt) == "" || sc.ImageKey == "" {
		return nil, fmt.Errorf("%w: missing video prompt or keyframe", ErrNotReady)
	}

	keyframe, err := s.blobs.Get(ctx, sc.ImageKey)
	if err != nil {
		return nil, fmt.Errorf("load keyframe: %w", err)
	}

	return s.generate(ctx, sc, "video", func(progress comfy.ProgressFunc) ([]comfy.Artifact, error) {
		return s.gen.GenerateVideo(ctx, comfy.VideoRequest{
			Prompt:    sc.VideoPrompt,
			Image:     keyframe,
			ImageName: path.Base(sc.ImageKey),
			Progress:  progress,
		})
	})
}

// generate runs one generation for sc and stores the first artifact.
func (s *Service) generate(ctx context.Context, sc *Scene, kind string, run func(comfy.ProgressFunc) ([]comfy.Artifact, error)) (*Scene, error) {
	l := s.log.With().Str("project_id", sc.ProjectID).Str("scene_id", sc.ID).Str("kind", kind).Logger()

	sc.Status, sc.Error = SceneProcessing, ""
	if err := s.store.UpdateScene(ctx, sc); err != nil {
		return nil, fmt.Errorf("update scene: %w", err)
	}
	events.Emit("info", "scene."+kind+".started", "", map[string]interface{}{
		"project_id": sc.ProjectID,
		"scene_id":   sc.ID,
	})

	started := time.Now()
	metrics.GenerationsInFlight.WithLabelValues(kind).Inc()
	artifacts, err := run(s.progressFor(sc, kind))
	metrics.GenerationsInFlight.WithLabelValues(kind).Dec()

	if err == nil && len(artifacts) == 0 {
		err = ErrNoOutput
	}
	if err != nil {
		result := "error"
		if errors.Is(err, ErrNoOutput) {
			result = "no_output"
		}
		metrics.ObserveGeneration(kind, result, started)
		return nil, s.failScene(ctx, sc, kind, err)
	}

	art := artifacts[0]
	defaultExt := ".png"
	if kind == "video" {
		defaultExt = ".mp4"
	}
	ext := strings.ToLower(path.Ext(art.Ref.Filename))
	if ext == "" {
		ext = defaultExt
	}
	key := blob.SceneKey(sc.ProjectID, sc.ID, ext, s.now())
	url, err := s.blobs.Put(ctx, key, art.Data, contentTypeFor(ext))
	if err != nil {
		metrics.ObserveGeneration(kind, "error", started)
		return nil, s.failScene(ctx, sc, kind, fmt.Errorf("store %s: %w", kind, err))
	}

	prev := *sc
	old := sc.ImageKey
	if kind == "image" {
		sc.ImageURL, sc.ImageKey = url, key
	} else {
		old = sc.VideoKey
		sc.VideoURL, sc.VideoKey = url, key
	}
	sc.Status = SceneCompleted
	if err := s.store.UpdateScene(ctx, sc); err != nil {
		// The new object is unreferenced; keep the previous media on record.
		s.deleteBlob(context.WithoutCancel(ctx), key)
		sc.ImageURL, sc.ImageKey = prev.ImageURL, prev.ImageKey
		sc.VideoURL, sc.VideoKey = prev.VideoURL, prev.VideoKey
		metrics.ObserveGeneration(kind, "error", started)
		return nil, s.failScene(ctx, sc, kind, fmt.Errorf("record %s: %w", kind, err))
	}
	s.deleteBlob(ctx, old)

	metrics.ObserveGeneration(kind, "ok", started)
	events.Emit("info", "scene."+kind+".completed", "", map[string]interface{}{
		"project_id": sc.ProjectID,
		"scene_id":   sc.ID,
		"url":        url,
		"artifacts":  len(artifacts),
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
	l.Info().Str("url", url).Dur("elapsed", time.Since(started)).Msg("scene generated")
	return sc, nil
}

func (s *Service) failScene(ctx context.Context, sc *Scene, kind string, cause error) error {
	sc.Status = SceneFailed
	sc.Error = UserMessage(cause)
	if err := s.store.UpdateScene(context.WithoutCancel(ctx), sc); err != nil {
		s.log.Error().Err(err).Str("scene_id", sc.ID).Msg("failed to record scene failure")
	}
	events.Emit("error", "scene."+kind+".failed", sc.Error, map[string]interface{}{
		"project_id": sc.ProjectID,
		"scene_id":   sc.ID,
		"error":      cause.Error(),
	})
	return fmt.Errorf("scene %s %s: %w", sc.ID, kind, cause)
}

func (s *Service) progressFor(sc *Scene, kind string) comfy.ProgressFunc {
	projectID, sceneID := sc.ProjectID, sc.ID
	return func(value, max int) {
		events.Emit("debug", "generation.progress", "", map[string]interface{}{
			"project_id": projectID,
			"scene_id":   sceneID,
			"kind":       kind,
			"value":      value,
			"max":        max,
		})
		if s.progress != nil {
			s.progress.Progress(projectID, sceneID, kind, value, max)
		}
	}
}

// GenerateImagesForProject renders keyframes for every scene with an image
// prompt. Scene failures are recorded on the scene and do not stop the
// batch; the project fails only when every attempted scene failed.
func (s *Service) GenerateImagesForProject(ctx context.Context, projectID string) (BatchResult, error) {
	return s.runProjectBatch(ctx, projectID, "image", ProjectImage,
		func(sc Scene) bool { return strings.TrimSpace(sc.ImagePrompt) != "" },
		func(ctx context.Context, sc Scene) error {
			_, err := s.GenerateSceneImage(ctx, sc.ID, "")
			return err
		})
}

// GenerateVideosForProject animates every scene that has a keyframe and a
// video prompt.
func (s *Service) GenerateVideosForProject(ctx context.Context, projectID string) (BatchResult, error) {
	return s.runProjectBatch(ctx, projectID, "video", ProjectVideo,
		func(sc Scene) bool { return strings.TrimSpace(sc.VideoPrompt) != "" && sc.ImageKey != "" },
		func(ctx context.Context, sc Scene) error {
			_, err := s.GenerateSceneVideo(ctx, sc.ID)
			return err
		})
}

func (s *Service) runProjectBatch(ctx context.Context, projectID, kind string, done ProjectStatus,
	eligible func(Scene) bool, run func(context.Context, Scene) error) (BatchResult, error) {

	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return BatchResult{}, err
	}
	scenes, err := s.store.ListScenes(ctx, projectID)
	if err != nil {
		return BatchResult{}, err
	}
	if len(scenes) == 0 {
		return BatchResult{}, ErrNoScenes
	}

	events.Emit("info", "batch.started", "", map[string]interface{}{
		"project_id": projectID,
		"kind":       kind,
		"scenes":     len(scenes),
	})

	var (
		mu  sync.Mutex
		res BatchResult
		g   errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, sc := range scenes {
		if !eligible(sc) {
			res.Skipped++
			continue
		}
		res.Attempted++
		g.Go(func() error {
			err := s.limiter.Wait(ctx)
			if err == nil {
				err = run(ctx, sc)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				res.FailedIDs = append(res.FailedIDs, sc.ID)
				s.log.Warn().Err(err).Str("scene_id", sc.ID).Str("kind", kind).Msg("scene generation failed")
				return nil
			}
			res.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	status := done
	if res.Attempted > 0 && res.Succeeded == 0 {
		status = ProjectFailed
	}
	s.setProjectStatus(context.WithoutCancel(ctx), p, status)

	events.Emit("info", "batch.completed", "", map[string]interface{}{
		"project_id": projectID,
		"kind":       kind,
		"attempted":  res.Attempted,
		"succeeded":  res.Succeeded,
		"failed":     res.Failed,
		"skipped":    res.Skipped,
	})
	return res, nil
}

func (s *Service) setProjectStatus(ctx context.Context, p *Project, status ProjectStatus) {
	if err := s.store.UpdateProjectStatus(ctx, p.ID, status); err != nil {
		s.log.Error().Err(err).Str("project_id", p.ID).Str("status", string(status)).Msg("failed to update project status")
		return
	}
	from := p.Status
	p.Status = status
	level, name := "info", "project.status"
	if status == ProjectFailed {
		level, name = "error", "project.failed"
	}
	events.Emit(level, name, "", map[string]interface{}{
		"project_id": p.ID,
		"from":       string(from),
		"to":         string(status),
	})
}

func (s *Service) deleteBlob(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("failed to delete media")
	}
}

// UserMessage renders err as a single line suitable for end users.
func UserMessage(err error) string {
	var ce *comfy.Error
	switch {
	case errors.As(err, &ce):
		return ce.Message()
	case errors.Is(err, ErrNoOutput):
		return "The generation finished without producing any media."
	case errors.Is(err, context.Canceled):
		return "The generation was cancelled."
	default:
		return "Generation failed."
	}
}
