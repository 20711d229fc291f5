package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/AaronLay10/SceneForge/internal/api"
	"github.com/AaronLay10/SceneForge/internal/comfy"
	"github.com/AaronLay10/SceneForge/internal/config"
	"github.com/AaronLay10/SceneForge/internal/events"
	"github.com/AaronLay10/SceneForge/internal/logger"
	"github.com/AaronLay10/SceneForge/internal/metrics"
	"github.com/AaronLay10/SceneForge/internal/relay"
	"github.com/AaronLay10/SceneForge/internal/script"
	"github.com/AaronLay10/SceneForge/internal/storage/blob"
	"github.com/AaronLay10/SceneForge/internal/storage/postgres"
	"github.com/AaronLay10/SceneForge/internal/studio"
	"github.com/AaronLay10/SceneForge/internal/version"
	"github.com/AaronLay10/SceneForge/internal/workflow"
)

const healthInterval = 15 * time.Second

func loadConfig() (*config.AppConfig, error) {
	path := os.Getenv("SCENEFORGE_CONFIG")
	if path == "" {
		path = "sceneforge.yaml"
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && os.Getenv("SCENEFORGE_CONFIG") == "" {
		cfg = config.Default()
		err = cfg.ApplyEnv()
	}
	return cfg, err
}

func main() {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := logger.Init(cfg.Log); err != nil {
		log.Fatal().Err(err).Msg("failed to initialise logging")
	}
	l := logger.For("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hostname, _ := os.Hostname()
	events.Emit("info", "system.startup", "sceneforge starting", map[string]interface{}{
		"service":  "api",
		"hostname": hostname,
		"pid":      os.Getpid(),
		"version":  version.Version,
	})

	registry := prometheus.NewRegistry()
	metrics.InitMetrics(registry)

	db, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		l.Fatal().Err(err).Msg("postgres unavailable")
	}
	defer db.Close()
	events.SetAppender(db)
	api.SetPostgresState(true, false)

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to open media store")
	}
	if c, ok := blobs.(io.Closer); ok {
		defer c.Close()
	}
	var media http.Handler
	if local, ok := blobs.(*blob.Local); ok {
		media = http.FileServer(http.Dir(local.Dir()))
	}

	chatModel, err := script.NewOpenAIModel(ctx, cfg.Script)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to create script model")
	}

	genLog := logger.For("comfy")
	gen, err := comfy.NewGenerator(comfy.Options{
		Address:      cfg.ComfyUI.Address,
		Templates:    workflow.NewStore(cfg.ComfyUI.Templates, cfg.ComfyUI.TemplateTTL),
		TrackTimeout: cfg.ComfyUI.TrackTimeout,
		Logger:       &genLog,
		OnStage: func(op string, stage comfy.Stage) {
			metrics.GenerationStageCounter.WithLabelValues(string(stage)).Inc()
			events.Emit("debug", "generation.stage", "", map[string]interface{}{"op": op, "stage": string(stage)})
		},
	})
	if err != nil {
		l.Fatal().Err(err).Msg("failed to create generator")
	}

	deps := studio.Deps{
		Store:     db,
		Blobs:     blobs,
		Writer:    script.NewWriter(chatModel),
		Generator: gen,
	}

	var mq *relay.Client
	if cfg.Relay.Enabled {
		mq = relay.NewClient(cfg.Relay)
		if err := mq.Connect(); err != nil {
			l.Warn().Err(err).Str("broker", mq.Broker()).Msg("MQTT relay unavailable, continuing without it")
		}
		defer mq.Disconnect()
		deps.Progress = relay.NewPublisher(mq, cfg.Relay.TopicPrefix)
	}

	svc, err := studio.NewService(deps, cfg.Generation)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to create studio")
	}

	api.InitAuth()
	api.InitTLS()
	api.InitAlerts()
	api.StartAlertMonitor(ctx, 10*time.Second)
	go watchHealth(ctx, cfg.ComfyUI.Address, db, mq)

	srv := api.NewServer(api.Options{
		Studio:   svc,
		EventLog: db,
		Media:    media,
		Registry: registry,
	})
	if err := srv.ListenAndServe(ctx, cfg.Port()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Error().Err(err).Msg("api server failed")
	}

	events.Emit("info", "system.shutdown", "sceneforge stopped", nil)
}

// watchHealth refreshes readiness for the generation server, the database and the
// relay until ctx is done.
func watchHealth(ctx context.Context, address string, db *postgres.Client, mq *relay.Client) {
	session, err := comfy.NewSession(address, comfy.SessionOptions{})
	if err != nil {
		log.Error().Err(err).Msg("invalid generation server address")
		return
	}

	check := func() {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		_, err := session.QueueRemaining(pctx)
		api.SetComfyReady(err == nil)
		api.SetPostgresState(db.Ping(pctx) == nil, false)
		if mq != nil {
			api.SetRelayState(mq.IsConnected(), true)
		}
	}

	check()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
