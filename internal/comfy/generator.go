package comfy

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/AaronLay10/SceneForge/internal/workflow"
)

// Template names looked up in the workflow store.
const (
	TemplateImage        = "image"
	TemplateImageToImage = "image_to_image"
	TemplateVideo        = "video"
)

// StageFunc observes the stages of a generation call.
type StageFunc func(op string, stage Stage)

// ImageRequest asks for a keyframe image. Reference is an optional data URI
// or raw image used as the image-to-image input.
type ImageRequest struct {
	Prompt        string
	Reference     string
	ReferenceName string
	Progress      ProgressFunc
}

// VideoRequest asks for a clip animated from Image.
type VideoRequest struct {
	Prompt    string
	Image     []byte
	ImageName string
	Progress  ProgressFunc
}

// Options configures a Generator.
type Options struct {
	Address      string
	Templates    *workflow.Store
	Mutator      *workflow.Mutator
	TrackTimeout time.Duration
	HTTPClient   *http.Client
	Dialer       *websocket.Dialer
	Logger       *zerolog.Logger
	OnStage      StageFunc
}

// Generator runs complete generation calls against one ComfyUI server.
// Every call uses its own session; a Generator is safe for concurrent use.
type Generator struct {
	opts Options
	log  zerolog.Logger
}

// NewGenerator validates opts and returns a Generator.
func NewGenerator(opts Options) (*Generator, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("%w: no server address", ErrConnection)
	}
	if opts.Templates == nil {
		return nil, fmt.Errorf("generator: no template store")
	}
	if opts.Mutator == nil {
		opts.Mutator = workflow.NewMutator(nil)
	}
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	return &Generator{
		opts: opts,
		log:  l.With().Str("component", "generator").Logger(),
	}, nil
}

type upload struct {
	payload string
	name    string
}

// GenerateImage renders a keyframe. With a reference the image-to-image
// template is used.
func (g *Generator) GenerateImage(ctx context.Context, req ImageRequest) ([]Artifact, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &Error{Op: "generate image", Stage: StageCreated, Err: fmt.Errorf("%w: empty prompt", ErrInvalidRequest)}
	}
	if req.Reference == "" {
		return g.generate(ctx, "generate image", TemplateImage, req.Prompt, nil, req.Progress)
	}
	name := req.ReferenceName
	if name == "" {
		name = "reference.png"
	}
	return g.generate(ctx, "generate image", TemplateImageToImage, req.Prompt,
		&upload{payload: req.Reference, name: name}, req.Progress)
}

// GenerateVideo animates req.Image into a clip.
func (g *Generator) GenerateVideo(ctx context.Context, req VideoRequest) ([]Artifact, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &Error{Op: "generate video", Stage: StageCreated, Err: fmt.Errorf("%w: empty prompt", ErrInvalidRequest)}
	}
	if len(req.Image) == 0 {
		return nil, &Error{Op: "generate video", Stage: StageCreated, Err: fmt.Errorf("%w: no input image", ErrInvalidRequest)}
	}
	name := req.ImageName
	if name == "" {
		name = "keyframe.png"
	}
	return g.generate(ctx, "generate video", TemplateVideo, req.Prompt,
		&upload{payload: string(req.Image), name: name}, req.Progress)
}

func (g *Generator) generate(ctx context.Context, op, template, prompt string, up *upload, progress ProgressFunc) ([]Artifact, error) {
	l := g.log.With().Str("op", op).Str("template", template).Logger()
	stage := StageCreated
	g.enter(op, stage)

	fail := func(err error) error {
		g.enter(op, StageErrored)
		l.Warn().Err(err).Str("stage", string(stage)).Msg("generation failed")
		return &Error{Op: op, Stage: stage, Err: err}
	}

	graph, err := g.opts.Templates.Load(template)
	if err != nil {
		return nil, fail(err)
	}
	if _, err := g.opts.Mutator.ApplyPrompt(graph, prompt); err != nil {
		return nil, fail(err)
	}

	session, err := NewSession(g.opts.Address, SessionOptions{
		HTTPClient: g.opts.HTTPClient,
		Dialer:     g.opts.Dialer,
		Logger:     &l,
	})
	if err != nil {
		return nil, fail(err)
	}
	if err := session.Connect(ctx); err != nil {
		return nil, fail(err)
	}
	defer session.Disconnect()

	stage = StageConnected
	g.enter(op, stage)

	if up != nil {
		name, err := session.UploadReference(ctx, up.payload, up.name, "input")
		if err != nil {
			return nil, fail(err)
		}
		if _, err := g.opts.Mutator.ApplyImage(graph, name); err != nil {
			return nil, fail(err)
		}
	}

	sub := session.Subscribe()
	handle, err := session.Submit(ctx, graph)
	if err != nil {
		sub.Close()
		return nil, fail(err)
	}
	stage = StageSubmitted
	g.enter(op, stage)
	l = l.With().Str("prompt_id", handle.PromptID).Logger()

	stage = StageTracking
	g.enter(op, stage)
	tracker := NewTracker(g.opts.TrackTimeout, &l)
	if err := tracker.Track(ctx, sub, handle, progress); err != nil {
		return nil, fail(err)
	}

	stage = StageCollecting
	g.enter(op, stage)
	artifacts, err := NewCollector(session, &l).Collect(ctx, handle)
	if err != nil {
		return nil, fail(err)
	}

	stage = StageDone
	g.enter(op, stage)
	l.Info().Int("artifacts", len(artifacts)).Msg("generation complete")
	return artifacts, nil
}

func (g *Generator) enter(op string, stage Stage) {
	if g.opts.OnStage != nil {
		g.opts.OnStage(op, stage)
	}
}
