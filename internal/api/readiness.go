package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
)

// readinessState tracks the dependencies /ready reports on. The generation
// server is always required; relay and postgres may be marked optional.
type readinessState struct {
	mu                sync.RWMutex
	comfyReady        bool
	relayConnected    bool
	relayOptional     bool
	postgresConnected bool
	postgresOptional  bool
}

var readiness = &readinessState{relayOptional: true, postgresOptional: true}

// CheckStatus is one dependency in the readiness report.
type CheckStatus struct {
	Status   string `json:"status"` // ok | not_ready | unavailable
	Optional bool   `json:"optional,omitempty"`
}

type ReadinessResponse struct {
	Ready       bool                   `json:"ready"`
	Checks      map[string]CheckStatus `json:"checks"`
	NotReadyMsg string                 `json:"message,omitempty"`
}

// SetComfyReady records whether the generation server answered its last health check.
func SetComfyReady(ready bool) {
	readiness.mu.Lock()
	readiness.comfyReady = ready
	readiness.mu.Unlock()
}

// SetRelayState records the MQTT relay connection.
func SetRelayState(connected, optional bool) {
	readiness.mu.Lock()
	readiness.relayConnected = connected
	readiness.relayOptional = optional
	readiness.mu.Unlock()
}

// SetPostgresState records the database connection.
func SetPostgresState(connected, optional bool) {
	readiness.mu.Lock()
	readiness.postgresConnected = connected
	readiness.postgresOptional = optional
	readiness.mu.Unlock()
}

func dependencyCheck(connected, optional bool) CheckStatus {
	switch {
	case connected:
		return CheckStatus{Status: "ok", Optional: optional}
	case optional:
		return CheckStatus{Status: "unavailable", Optional: true}
	default:
		return CheckStatus{Status: "not_ready"}
	}
}

func readyHandler(w http.ResponseWriter, r *http.Request) {
	readiness.mu.RLock()
	checks := map[string]CheckStatus{
		"comfyui":  dependencyCheck(readiness.comfyReady, false),
		"relay":    dependencyCheck(readiness.relayConnected, readiness.relayOptional),
		"postgres": dependencyCheck(readiness.postgresConnected, readiness.postgresOptional),
	}
	readiness.mu.RUnlock()

	var reasons []string
	for _, name := range []string{"comfyui", "relay", "postgres"} {
		if checks[name].Status == "not_ready" {
			reasons = append(reasons, name+" not ready")
		}
	}

	resp := ReadinessResponse{Ready: len(reasons) == 0, Checks: checks}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		resp.NotReadyMsg = strings.Join(reasons, "; ")
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
