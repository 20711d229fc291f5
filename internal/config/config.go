package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AaronLay10/SceneForge/internal/logger"
	"github.com/AaronLay10/SceneForge/internal/relay"
	"github.com/AaronLay10/SceneForge/internal/script"
	"github.com/AaronLay10/SceneForge/internal/storage/blob"
	"github.com/AaronLay10/SceneForge/internal/storage/postgres"
	"github.com/AaronLay10/SceneForge/internal/studio"
)

// AppConfig is the contents of sceneforge.yaml.
type AppConfig struct {
	Version int `yaml:"version"`
	Server  struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	ComfyUI struct {
		Address      string        `yaml:"address"`
		Templates    string        `yaml:"templates"`
		TemplateTTL  time.Duration `yaml:"template_ttl"`
		TrackTimeout time.Duration `yaml:"track_timeout"`
	} `yaml:"comfyui"`
	Generation studio.Config      `yaml:"generation"`
	Script     script.ModelConfig `yaml:"script"`
	Blob       blob.Config        `yaml:"blob"`
	Relay      relay.Config       `yaml:"relay"`
	Postgres   postgres.Config    `yaml:"postgres"`
	Log        logger.Config      `yaml:"log"`
}

// Port returns the configured API port, defaulting to 8080 if not set.
func (c *AppConfig) Port() int {
	if c.Server.Port == 0 {
		return 8080
	}
	return c.Server.Port
}

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	cfg := &AppConfig{Version: 1}
	cfg.applyDefaults()
	return cfg
}

func (c *AppConfig) applyDefaults() {
	if c.ComfyUI.Address == "" {
		c.ComfyUI.Address = "127.0.0.1:8188"
	}
	if c.ComfyUI.Templates == "" {
		c.ComfyUI.Templates = "workflows"
	}
	if c.ComfyUI.TemplateTTL == 0 {
		c.ComfyUI.TemplateTTL = 5 * time.Minute
	}
	if c.ComfyUI.TrackTimeout == 0 {
		c.ComfyUI.TrackTimeout = 10 * time.Minute
	}
	if c.Generation.Concurrency == 0 {
		c.Generation.Concurrency = 2
	}
	if c.Script.Model == "" {
		c.Script.Model = "gpt-4o-mini"
	}
	if c.Blob.Backend == "" {
		c.Blob.Backend = "local"
	}
	if c.Blob.Backend == "local" && c.Blob.Dir == "" {
		c.Blob.Dir = "data/media"
	}
}

// Load reads path, applies defaults and then the environment overrides.
func Load(path string) (*AppConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported sceneforge.yaml version: %d", cfg.Version)
	}

	cfg.applyDefaults()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overlays environment variables and resolves secrets.
func (c *AppConfig) ApplyEnv() error {
	if v := os.Getenv("COMFYUI_API_URL"); v != "" {
		c.ComfyUI.Address = v
	}
	if v := os.Getenv("SCENEFORGE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SCENEFORGE_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("MQTT_URL"); v != "" {
		c.Relay.BrokerURL = v
		c.Relay.Enabled = true
	}
	if v := os.Getenv("GCS_BUCKET"); v != "" {
		c.Blob.Backend = "gcs"
		c.Blob.Bucket = v
	}

	return overlaySecrets(map[string]*string{
		"OPENAI_API_KEY": &c.Script.APIKey,
		"PGPASSWORD":     &c.Postgres.Password,
	})
}
