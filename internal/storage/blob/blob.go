// Package blob stores generated media and returns URLs the browser can load.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("blob not found")

// Store is implemented by every backend.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Config selects and configures a backend.
type Config struct {
	Backend string `yaml:"backend"` // gcs | local

	Bucket          string `yaml:"bucket"`
	CredentialsFile string `yaml:"credentials_file"`
	Endpoint        string `yaml:"endpoint"`

	Dir     string `yaml:"dir"`
	BaseURL string `yaml:"base_url"`
}

// Open returns the backend selected by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "gcs":
		return NewGCS(ctx, cfg.Bucket, cfg.CredentialsFile, cfg.Endpoint)
	case "local", "":
		return NewLocal(cfg.Dir, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}

// SceneKey names a scene's media object: <project>/<scene>-<unixms><ext>.
func SceneKey(projectID, sceneID, ext string, now time.Time) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join(projectID, fmt.Sprintf("%s-%d%s", sceneID, now.UnixMilli(), ext))
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}
