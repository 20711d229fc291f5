package workflow

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

var (
	// ErrTemplateNotFound is returned when a template file does not exist.
	ErrTemplateNotFound = errors.New("workflow template not found")
	// ErrTemplateParse is returned when a template is not a valid graph.
	ErrTemplateParse = errors.New("workflow template parse error")
	// ErrWorkflowInvariant is returned when a graph the mutator must edit is malformed.
	ErrWorkflowInvariant = errors.New("workflow invariant violation")
)

// Store loads workflow templates from a directory.
// Raw file bytes are cached; every Load parses a new graph so callers never
// share a mutable instance.
type Store struct {
	dir   string
	cache *cache.Cache
}

// NewStore creates a store rooted at dir. A ttl of zero disables caching.
func NewStore(dir string, ttl time.Duration) *Store {
	s := &Store{dir: dir}
	if ttl > 0 {
		s.cache = cache.New(ttl, 2*ttl)
	}
	return s
}

// Load reads and parses the named template.
func (s *Store) Load(name string) (*Graph, error) {
	data, err := s.read(name)
	if err != nil {
		return nil, err
	}

	g, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTemplateParse, name, err)
	}
	if g.Len() == 0 {
		return nil, fmt.Errorf("%w: %s: graph has no nodes", ErrTemplateParse, name)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTemplateParse, name, err)
	}
	return g, nil
}

// Invalidate drops a cached template, forcing the next Load to hit disk.
func (s *Store) Invalidate(name string) {
	if s.cache != nil {
		s.cache.Delete(name)
	}
}

func (s *Store) read(name string) ([]byte, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(name); ok {
			return v.([]byte), nil
		}
	}

	path := s.resolve(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrTemplateNotFound, path, err)
	}

	if s.cache != nil {
		s.cache.SetDefault(name, data)
	}
	return data, nil
}

func (s *Store) resolve(name string) string {
	if filepath.IsAbs(name) || s.dir == "" {
		return name
	}
	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}
	return filepath.Join(s.dir, name)
}
