package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AaronLay10/SceneForge/internal/events"
)

// Alert severity levels
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Alert event types
const (
	AlertComfyUnreachable    = "comfyui_unreachable"
	AlertRelayDisconnected   = "relay_disconnected"
	AlertPostgresUnavailable = "postgres_unavailable"
)

// AlertPayload is the JSON structure sent to the webhook.
type AlertPayload struct {
	Service   string                 `json:"service"`
	Event     string                 `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// outageWatch turns a stream of up/down observations into one alert after
// the dependency has been down for delay, and one recovery notice.
type outageWatch struct {
	alert    string
	severity string
	message  string
	delay    time.Duration

	downSince time.Time
	alerted   bool
}

// observe returns the alert to send for this observation, if any.
func (o *outageWatch) observe(up bool, now time.Time) *AlertPayload {
	if up {
		recovered := o.alerted
		o.downSince, o.alerted = time.Time{}, false
		if !recovered {
			return nil
		}
		return &AlertPayload{Event: o.alert, Severity: SeverityInfo, Message: o.message + " recovered",
			Details: map[string]interface{}{"recovered_at": now.UTC().Format(time.RFC3339)}}
	}

	if o.downSince.IsZero() {
		o.downSince = now
	}
	down := now.Sub(o.downSince)
	if o.alerted || down < o.delay {
		return nil
	}
	o.alerted = true
	return &AlertPayload{Event: o.alert, Severity: o.severity, Message: o.message,
		Details: map[string]interface{}{
			"down_since":   o.downSince.UTC().Format(time.RFC3339),
			"down_seconds": int(down.Seconds()),
		}}
}

var (
	alertMu    sync.Mutex
	webhookURL string
	watches    = map[string]*outageWatch{
		"comfyui":  {alert: AlertComfyUnreachable, severity: SeverityCritical, message: "generation server unreachable", delay: 30 * time.Second},
		"relay":    {alert: AlertRelayDisconnected, severity: SeverityWarning, message: "MQTT relay disconnected", delay: 30 * time.Second},
		"postgres": {alert: AlertPostgresUnavailable, severity: SeverityCritical, message: "PostgreSQL unavailable", delay: 5 * time.Second},
	}
)

// InitAlerts reads SCENEFORGE_ALERT_WEBHOOK_URL and optional per-dependency
// delays (SCENEFORGE_COMFYUI_ALERT_DELAY, SCENEFORGE_RELAY_ALERT_DELAY,
// SCENEFORGE_POSTGRES_ALERT_DELAY).
func InitAlerts() {
	alertMu.Lock()
	defer alertMu.Unlock()

	webhookURL = os.Getenv("SCENEFORGE_ALERT_WEBHOOK_URL")
	for name, env := range map[string]string{
		"comfyui":  "SCENEFORGE_COMFYUI_ALERT_DELAY",
		"relay":    "SCENEFORGE_RELAY_ALERT_DELAY",
		"postgres": "SCENEFORGE_POSTGRES_ALERT_DELAY",
	} {
		if v := os.Getenv(env); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				watches[name].delay = d
			}
		}
	}
	if webhookURL != "" {
		log.Info().Str("component", "alerts").Msg("alert webhook configured")
	}
}

// checkDependency feeds one observation to the named watch and sends the
// resulting alert, if any.
func checkDependency(name string, up bool) {
	alertMu.Lock()
	w, ok := watches[name]
	var alert *AlertPayload
	if ok {
		alert = w.observe(up, time.Now())
	}
	alertMu.Unlock()

	if alert != nil {
		SendAlert(*alert)
	}
}

// SendAlert records the alert as a system event and posts it to the webhook
// when one is configured. Delivery is best-effort and non-blocking.
func SendAlert(a AlertPayload) {
	a.Service = "sceneforge"
	a.Timestamp = time.Now().UTC().Format(time.RFC3339)

	level := "error"
	if a.Severity == SeverityInfo {
		level = "info"
	}
	events.Emit(level, "system.error", a.Message, map[string]interface{}{
		"alert":    a.Event,
		"severity": a.Severity,
	})

	alertMu.Lock()
	url := webhookURL
	alertMu.Unlock()
	if url == "" {
		return
	}
	go sendWebhook(url, a)
}

func sendWebhook(url string, payload AlertPayload) {
	l := log.With().Str("component", "alerts").Logger()
	body, err := json.Marshal(payload)
	if err != nil {
		l.Error().Err(err).Msg("failed to marshal alert")
		return
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		l.Warn().Err(err).Msg("alert webhook POST failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		l.Warn().Int("status", resp.StatusCode).Msg("alert webhook rejected alert")
	}
}

// StartAlertMonitor periodically compares readiness state against the
// outage watches until ctx is done.
func StartAlertMonitor(ctx context.Context, checkInterval time.Duration) {
	go func() {
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			readiness.mu.RLock()
			comfy := readiness.comfyReady
			relay := readiness.relayConnected || readiness.relayOptional
			pg := readiness.postgresConnected || readiness.postgresOptional
			readiness.mu.RUnlock()

			checkDependency("comfyui", comfy)
			checkDependency("relay", relay)
			checkDependency("postgres", pg)
		}
	}()
}
