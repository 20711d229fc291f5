package workflow

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"
)

const (
	seedMin   int64 = 100_000_000_000_000 // 10^14
	seedRange int64 = 900_000_000_000_000 // 10^15 - 10^14
)

// SeedSource draws random integers in [0, n).
// *rand.Rand satisfies it; tests pass a fixed source.
type SeedSource interface {
	Int63n(n int64) int64
}

// lockedSource makes a *rand.Rand safe for concurrent generation calls.
type lockedSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (l *lockedSource) Int63n(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Int63n(n)
}

// NewSeedSource returns a goroutine-safe source seeded from the clock.
func NewSeedSource() SeedSource {
	return &lockedSource{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Mutator rewrites per-request fields of a loaded graph in place.
type Mutator struct {
	seeds SeedSource
}

// NewMutator creates a mutator drawing seeds from src.
func NewMutator(src SeedSource) *Mutator {
	if src == nil {
		src = NewSeedSource()
	}
	return &Mutator{seeds: src}
}

// Seed draws a seed in [10^14, 10^15).
func (m *Mutator) Seed() int64 {
	return seedMin + m.seeds.Int63n(seedRange)
}

// ApplyPrompt randomises the sampler seed and writes prompt into the text
// node wired to the sampler's positive input. Graphs without a sampler are
// returned unchanged.
func (m *Mutator) ApplyPrompt(g *Graph, prompt string) (*Graph, error) {
	id, ok := g.FindKind(SamplerKinds...)
	if !ok {
		return g, nil
	}
	sampler := Classify(id, g.Node(id)).(SamplerNode)

	ref, ok := sampler.Positive()
	if !ok {
		return nil, fmt.Errorf("%w: sampler %s has no positive reference", ErrWorkflowInvariant, id)
	}
	textID, err := positiveText(g, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: sampler %s: %v", ErrWorkflowInvariant, id, err)
	}
	g.Node(textID).Inputs["text"] = prompt

	sampler.SetSeed(m.Seed())
	return g, nil
}

// positiveText follows a positive conditioning reference to the node that
// holds the prompt text. Conditioning passthrough nodes (image-to-video
// encoders and the like) expose their own positive input and are walked.
func positiveText(g *Graph, ref Ref) (string, error) {
	for hops := 0; hops <= g.Len(); hops++ {
		n := g.Node(ref.NodeID)
		if n == nil {
			return "", fmt.Errorf("positive references missing node %s", ref.NodeID)
		}
		if _, ok := Classify(ref.NodeID, n).(TextEncodeNode); ok {
			return ref.NodeID, nil
		}
		if _, has := n.Inputs["text"]; has {
			return ref.NodeID, nil
		}
		next, ok := AsRef(n.Inputs["positive"])
		if !ok {
			return "", fmt.Errorf("node %s (%s) has no text input", ref.NodeID, n.Kind)
		}
		ref = next
	}
	return "", fmt.Errorf("positive reference chain from %s does not terminate", ref.NodeID)
}

// ApplyImage points the first LoadImage node at the base name of path.
// Graphs without a loader are returned unchanged.
func (m *Mutator) ApplyImage(g *Graph, path string) (*Graph, error) {
	id, ok := g.FindKind(KindLoadImage)
	if !ok {
		return g, nil
	}
	Classify(id, g.Node(id)).(LoadImageNode).SetImage(filepath.Base(path))
	return g, nil
}

// ApplyPromptWithImage applies both the prompt and the input image.
func (m *Mutator) ApplyPromptWithImage(g *Graph, prompt, imagePath string) (*Graph, error) {
	g, err := m.ApplyPrompt(g, prompt)
	if err != nil {
		return nil, err
	}
	return m.ApplyImage(g, imagePath)
}
