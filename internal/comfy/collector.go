package comfy

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// artifactKeys are the output lists that carry downloadable files, in the
// order they are collected.
var artifactKeys = []string{"images", "gifs", "videos"}

// Artifact is a downloaded output file.
type Artifact struct {
	Ref  ArtifactRef
	Data []byte
}

// Collector downloads the outputs of a finished execution.
type Collector struct {
	session *Session
	log     zerolog.Logger
}

// NewCollector returns a collector that fetches through s.
func NewCollector(s *Session, logger *zerolog.Logger) *Collector {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Collector{session: s, log: l.With().Str("component", "collector").Logger()}
}

// Refs lists the artifact references in a history entry: output nodes in
// the server's order, then images, gifs, videos within each node.
func Refs(entry *HistoryEntry) []ArtifactRef {
	outputs := gjson.ParseBytes(entry.Outputs)
	if !outputs.IsObject() {
		return nil
	}

	var refs []ArtifactRef
	outputs.ForEach(func(_, node gjson.Result) bool {
		if !node.IsObject() {
			return true
		}
		for _, key := range artifactKeys {
			list := node.Get(key)
			if !list.IsArray() {
				continue
			}
			for _, it := range list.Array() {
				ref := ArtifactRef{
					Filename:  it.Get("filename").String(),
					Subfolder: it.Get("subfolder").String(),
					Type:      it.Get("type").String(),
				}
				if ref.Filename != "" {
					refs = append(refs, ref)
				}
			}
		}
		return true
	})
	return refs
}

// Collect fetches every artifact produced by h. Individual download
// failures are logged and skipped; a missing history entry is an error.
func (c *Collector) Collect(ctx context.Context, h Handle) ([]Artifact, error) {
	entry, err := c.session.History(ctx, h.PromptID)
	if err != nil {
		return nil, err
	}

	refs := Refs(entry)
	artifacts := make([]Artifact, 0, len(refs))
	for _, ref := range refs {
		data, err := c.session.View(ctx, ref)
		if err != nil {
			c.log.Warn().Err(err).
				Str("prompt_id", h.PromptID).
				Str("filename", ref.Filename).
				Msg("skipping artifact")
			continue
		}
		artifacts = append(artifacts, Artifact{Ref: ref, Data: data})
	}

	c.log.Debug().Str("prompt_id", h.PromptID).Int("refs", len(refs)).Int("fetched", len(artifacts)).Msg("collected")
	return artifacts, nil
}
