package studio

import (
	"errors"
	"time"
)

// ProjectStatus is the lifecycle of a project.
type ProjectStatus string

const (
	ProjectScript    ProjectStatus = "script"
	ProjectImage     ProjectStatus = "image"
	ProjectVideo     ProjectStatus = "video"
	ProjectCompleted ProjectStatus = "completed"
	ProjectFailed    ProjectStatus = "failed"
)

// SceneStatus is the lifecycle of a scene's media.
type SceneStatus string

const (
	ScenePending    SceneStatus = "pending"
	SceneProcessing SceneStatus = "processing"
	SceneCompleted  SceneStatus = "completed"
	SceneFailed     SceneStatus = "failed"
)

// GenerationMode is how the project's scenes are worked through.
type GenerationMode string

const (
	ModeBatch      GenerationMode = "batch"
	ModeSequential GenerationMode = "sequential"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNoScenes     = errors.New("project has no scenes")
	ErrNoOutput     = errors.New("generation produced no output")
	ErrNotReady     = errors.New("scene is not ready for this step")
)

type Project struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Name           string         `json:"name"`
	Theme          string         `json:"theme"`
	Style          string         `json:"style"`
	Constraints    string         `json:"constraints,omitempty"`
	SceneCount     int            `json:"scene_count"`
	MaxDuration    int            `json:"max_duration"`
	GenerationMode GenerationMode `json:"generation_mode"`
	Status         ProjectStatus  `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}

type Scene struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Order       int         `json:"order"`
	Script      string      `json:"script"`
	ImagePrompt string      `json:"image_prompt"`
	VideoPrompt string      `json:"video_prompt"`
	ImageURL    string      `json:"image_url,omitempty"`
	ImageKey    string      `json:"-"`
	VideoURL    string      `json:"video_url,omitempty"`
	VideoKey    string      `json:"-"`
	Status      SceneStatus `json:"status"`
	StartAt     float64     `json:"start_at"`
	EndAt       float64     `json:"end_at"`
	Error       string      `json:"error,omitempty"`
}

// ProjectInput is what a user submits to create a project.
type ProjectInput struct {
	Name           string         `json:"name"`
	Theme          string         `json:"theme"`
	Style          string         `json:"style"`
	Constraints    string         `json:"constraints"`
	SceneCount     int            `json:"scene_count"`
	MaxDuration    int            `json:"max_duration"`
	GenerationMode GenerationMode `json:"generation_mode"`
}

// Validate checks and normalises the input.
func (in *ProjectInput) Validate() error {
	switch {
	case in.Name == "":
		return errors.Join(ErrInvalidInput, errors.New("name is required"))
	case in.Theme == "":
		return errors.Join(ErrInvalidInput, errors.New("theme is required"))
	case in.SceneCount < 1 || in.SceneCount > 20:
		return errors.Join(ErrInvalidInput, errors.New("scene_count must be between 1 and 20"))
	case in.MaxDuration < in.SceneCount*3:
		return errors.Join(ErrInvalidInput, errors.New("max_duration too short for the number of scenes"))
	}
	if in.GenerationMode == "" {
		in.GenerationMode = ModeBatch
	}
	if in.GenerationMode != ModeBatch && in.GenerationMode != ModeSequential {
		return errors.Join(ErrInvalidInput, errors.New("generation_mode must be batch or sequential"))
	}
	return nil
}

// BatchResult summarises a project-wide generation run.
type BatchResult struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	FailedIDs []string `json:"failed_ids,omitempty"`
}
