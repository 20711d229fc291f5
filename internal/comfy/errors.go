package comfy

import (
	"errors"
	"fmt"

	"github.com/AaronLay10/SceneForge/internal/workflow"
)

// Error taxonomy. Use errors.Is against these.
var (
	ErrTemplateNotFound   = workflow.ErrTemplateNotFound
	ErrTemplateParse      = workflow.ErrTemplateParse
	ErrWorkflowInvariant  = workflow.ErrWorkflowInvariant
	ErrInvalidRequest     = errors.New("invalid generation request")
	ErrConnection         = errors.New("comfyui connection error")
	ErrUpload             = errors.New("comfyui upload error")
	ErrSubmission         = errors.New("comfyui submission error")
	ErrHistoryUnavailable = errors.New("comfyui history unavailable")
	ErrTrackingTimedOut   = errors.New("generation timed out")
	ErrTrackingFailed     = errors.New("generation failed or interrupted")
)

// Stage names a step of a generation call.
type Stage string

const (
	StageCreated    Stage = "created"
	StageConnected  Stage = "connected"
	StageSubmitted  Stage = "submitted"
	StageTracking   Stage = "tracking"
	StageCollecting Stage = "collecting"
	StageDone       Stage = "done"
	StageErrored    Stage = "errored"
)

// Error is returned by the Generator. Stage is the last stage entered
// before the failure.
type Error struct {
	Op    string
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (stage %s): %v", e.Op, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns a single human-readable line suitable for end users.
func (e *Error) Message() string {
	return Message(e.Err)
}

// Message maps any generation error to a user-facing sentence.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "The generation request is missing a prompt or input image."
	case errors.Is(err, ErrTemplateNotFound):
		return "The generation workflow template could not be found."
	case errors.Is(err, ErrTemplateParse), errors.Is(err, ErrWorkflowInvariant):
		return "The generation workflow template is invalid."
	case errors.Is(err, ErrConnection):
		return "Could not connect to the generation server."
	case errors.Is(err, ErrUpload):
		return "The reference image could not be uploaded."
	case errors.Is(err, ErrSubmission):
		return "The generation server rejected the request."
	case errors.Is(err, ErrHistoryUnavailable):
		return "The generation finished but its results could not be found."
	case errors.Is(err, ErrTrackingTimedOut):
		return "The generation took too long and was abandoned."
	case errors.Is(err, ErrTrackingFailed):
		return "The generation failed or was interrupted."
	default:
		return "Generation failed."
	}
}
