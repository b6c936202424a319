package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openperimeter/sdpc/internal/registry"
)

// AdminServer exposes operational endpoints: health, connection status,
// and prometheus metrics.
type AdminServer struct {
	Registry  *registry.Registry
	LastCheck func() time.Time
	Logger    *zap.Logger
}

type statusResponse struct {
	Gateways         []registry.Snapshot `json:"gateways"`
	Clients          []registry.Snapshot `json:"clients"`
	MonitorLastCheck time.Time           `json:"monitor_last_check"`
}

// Handler returns the admin HTTP mux.
func (a *AdminServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (a *AdminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (a *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Gateways: a.Registry.Snapshots(registry.RoleGateway),
		Clients:  a.Registry.Snapshots(registry.RoleClient),
	}
	if a.LastCheck != nil {
		resp.MonitorLastCheck = a.LastCheck()
	}
	if resp.Gateways == nil {
		resp.Gateways = []registry.Snapshot{}
	}
	if resp.Clients == nil {
		resp.Clients = []registry.Snapshot{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.Logger.Error("encode status response", zap.Error(err))
	}
}
