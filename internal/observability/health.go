package observability

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthStatus is the payload served by /health
type HealthStatus struct {
	Status    string `json:"status"`
	Mode      string `json:"mode"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
}

// ServiceInfo is the payload served by /info
type ServiceInfo struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Mode      string            `json:"mode"`
	Endpoint  string            `json:"endpoint"`
	Providers map[string]string `json:"providers"`
}

// HealthCheckHandler handles health check requests
func HealthCheckHandler(mode string, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{
			Status:    "healthy",
			Mode:      mode,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).Truncate(time.Second).String(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(status)
	}
}

// InfoHandler handles service descriptor requests
func InfoHandler(info ServiceInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(info)
	}
}
