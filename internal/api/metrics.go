package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AaronLay10/SceneForge/internal/events"
	"github.com/AaronLay10/SceneForge/internal/metrics"
	"github.com/AaronLay10/SceneForge/internal/version"
)

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// registerServiceGauges exposes process state read at scrape time.
func registerServiceGauges(reg *prometheus.Registry, started time.Time) {
	metrics.NewGauge(reg, "uptime_seconds",
		"Number of seconds since the service started",
		func() float64 { return time.Since(started).Seconds() })
	metrics.NewGauge(reg, "events_emitted",
		"Total number of events emitted since startup",
		func() float64 { return float64(events.TotalCount()) })
	metrics.NewGauge(reg, "ws_clients",
		"Number of active WebSocket client connections",
		func() float64 { return float64(events.SubscriberCount()) })
	metrics.NewGauge(reg, "events_dropped",
		"Live event deliveries skipped because a client fell behind",
		func() float64 { return float64(events.Dropped()) })
	metrics.NewGauge(reg, "comfyui_ready",
		"Whether the generation server answered its last health check (1) or not (0)",
		func() float64 {
			readiness.mu.RLock()
			defer readiness.mu.RUnlock()
			return boolGauge(readiness.comfyReady)
		})
	metrics.NewGauge(reg, "mqtt_connected",
		"Whether the MQTT relay is connected (1) or not (0)",
		func() float64 {
			readiness.mu.RLock()
			defer readiness.mu.RUnlock()
			return boolGauge(readiness.relayConnected)
		})
	metrics.NewGauge(reg, "postgres_connected",
		"Whether PostgreSQL is connected (1) or not (0)",
		func() float64 {
			readiness.mu.RLock()
			defer readiness.mu.RUnlock()
			return boolGauge(readiness.postgresConnected)
		})

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "sceneforge",
		Name:        "build_info",
		Help:        "Build information",
		ConstLabels: prometheus.Labels{"version": version.Version},
	})
	info.Set(1)
	reg.MustRegister(info)
}
