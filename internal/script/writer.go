// Package script turns a video idea into a per-scene script with image and
// video generation prompts, using an LLM chat model.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Scene duration bounds in seconds.
const (
	MinSceneSeconds = 3
	MaxSceneSeconds = 15
)

// ErrInvalidScript is returned when the model output cannot be used.
var ErrInvalidScript = errors.New("invalid script")

// Request describes the video to script.
type Request struct {
	Idea        string
	Style       string
	Constraints string
	SceneCount  int
	MaxDuration int
}

// Scene is one scripted scene.
type Scene struct {
	Order       int     `json:"order"`
	Script      string  `json:"script"`
	ImagePrompt string  `json:"imagePrompt"`
	VideoPrompt string  `json:"videoPrompt"`
	StartAt     float64 `json:"startAt"`
	EndAt       float64 `json:"endAt"`
}

// Script is the model's structured output.
type Script struct {
	Scenes []Scene `json:"scenes"`
}

// ModelConfig selects an OpenAI-compatible chat model.
type ModelConfig struct {
	APIKey      string  `yaml:"-"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
	Timeout     string  `yaml:"timeout"`
}

// NewOpenAIModel builds a chat model for cfg.
func NewOpenAIModel(ctx context.Context, cfg ModelConfig) (model.BaseChatModel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("script model: api key not set")
	}
	mc := &openai.ChatModelConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		mc.MaxTokens = &maxTokens
	}
	if cfg.Temperature > 0 {
		temperature := cfg.Temperature
		mc.Temperature = &temperature
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("script model: invalid timeout %q: %w", cfg.Timeout, err)
		}
		mc.Timeout = d
	}

	m, err := openai.NewChatModel(ctx, mc)
	if err != nil {
		return nil, fmt.Errorf("error creating chat model: %w", err)
	}
	return m, nil
}

// Writer asks a chat model for a script.
type Writer struct {
	model    model.BaseChatModel
	template prompt.ChatTemplate
	log      zerolog.Logger
}

// NewWriter returns a Writer backed by m.
func NewWriter(m model.BaseChatModel) *Writer {
	return &Writer{
		model: m,
		template: prompt.FromMessages(schema.GoTemplate,
			schema.SystemMessage(directorInstructions),
			schema.UserMessage(requestTemplate),
		),
		log: log.With().Str("component", "script").Logger(),
	}
}

// Write generates and validates a script for req.
func (w *Writer) Write(ctx context.Context, req Request) (*Script, error) {
	if strings.TrimSpace(req.Idea) == "" {
		return nil, fmt.Errorf("%w: empty idea", ErrInvalidScript)
	}
	if req.SceneCount <= 0 {
		return nil, fmt.Errorf("%w: scene count must be positive", ErrInvalidScript)
	}

	messages, err := w.template.Format(ctx, map[string]any{
		"idea":         req.Idea,
		"style":        req.Style,
		"constraints":  req.Constraints,
		"scene_count":  req.SceneCount,
		"max_duration": req.MaxDuration,
	})
	if err != nil {
		return nil, fmt.Errorf("format script prompt: %w", err)
	}

	start := time.Now()
	out, err := w.model.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("generate script: %w", err)
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return nil, fmt.Errorf("%w: empty model response", ErrInvalidScript)
	}

	s, err := Parse(out.Content, req.SceneCount)
	if err != nil {
		w.log.Warn().Err(err).Int("response_len", len(out.Content)).Msg("unusable script response")
		return nil, err
	}

	w.log.Info().
		Int("scenes", len(s.Scenes)).
		Dur("elapsed", time.Since(start)).
		Msg("script generated")
	return s, nil
}

// Parse decodes a model response, tolerating markdown code fences, and
// validates it. want <= 0 skips the scene count check.
func Parse(text string, want int) (*Script, error) {
	clean := strings.ReplaceAll(text, "```json", "")
	clean = strings.ReplaceAll(clean, "```", "")
	clean = strings.TrimSpace(clean)

	var s Script
	if err := json.Unmarshal([]byte(clean), &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	if err := s.Validate(want); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks scene count, prompts and timing. Scenes are sorted by
// order as a side effect.
func (s *Script) Validate(want int) error {
	if len(s.Scenes) == 0 {
		return fmt.Errorf("%w: no scenes", ErrInvalidScript)
	}
	if want > 0 && len(s.Scenes) != want {
		return fmt.Errorf("%w: expected %d scenes, got %d", ErrInvalidScript, want, len(s.Scenes))
	}

	sort.SliceStable(s.Scenes, func(i, j int) bool { return s.Scenes[i].Order < s.Scenes[j].Order })

	for _, sc := range s.Scenes {
		if strings.TrimSpace(sc.ImagePrompt) == "" || strings.TrimSpace(sc.VideoPrompt) == "" {
			return fmt.Errorf("%w: scene %d is missing a prompt", ErrInvalidScript, sc.Order)
		}
		d := sc.EndAt - sc.StartAt
		if d < MinSceneSeconds || d > MaxSceneSeconds {
			return fmt.Errorf("%w: scene %d lasts %.1fs, want %d-%ds",
				ErrInvalidScript, sc.Order, d, MinSceneSeconds, MaxSceneSeconds)
		}
	}
	return nil
}
