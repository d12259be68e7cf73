package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/flitsinc/go-objects/internal/actor"
)

type DiagnosticsInfo struct {
	HTTPAddr string   `json:"http_addr"`
	DataDir  string   `json:"data_dir"`
	Kinds    []string `json:"kinds"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	Goroutines    int             `json:"goroutines"`
	Info          DiagnosticsInfo `json:"info"`
	Subscribers   int             `json:"eventbus_subscribers"`
	Registry      *actor.Stats    `json:"registry,omitempty"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		Info:          s.Info,
	}
	if bus := s.bus(); bus != nil {
		resp.Subscribers = bus.SubscriberCount()
	}
	if s.Registry != nil {
		st := s.Registry.Stats()
		resp.Registry = &st
	}
	writeJSON(w, http.StatusOK, resp)
}
