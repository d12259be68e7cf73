package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/flitsinc/go-objects/internal/actor"
	"github.com/flitsinc/go-objects/internal/eventbus"
	"github.com/flitsinc/go-objects/internal/gateway"
	"github.com/flitsinc/go-objects/internal/logging"
)

const maxFrameBytes = 1 << 20

type Server struct {
	Registry           *actor.Registry
	Limiter            *IPLimiter
	Log                *zap.SugaredLogger
	ChannelIdleTimeout time.Duration
	StartedAt          time.Time
	Info               DiagnosticsInfo
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/actors", s.handleActors)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/objects/", s.handleObjects)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func (s *Server) log() *zap.SugaredLogger { return logging.OrNop(s.Log) }

func (s *Server) bus() *eventbus.Bus {
	if s.Registry == nil {
		return nil
	}
	return s.Registry.Bus()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	if s.Registry != nil {
		active = len(s.Registry.Active())
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC(), "active": active})
}

func (s *Server) handleActors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.Registry.Active())
}

// handleObjects serves /objects/{kind}/{id}/{ws|rpc|changes}.
func (s *Server) handleObjects(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/objects/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) != 3 {
		writeError(w, http.StatusNotFound, errNotFound("object route"))
		return
	}
	addr := actor.Address{Kind: segments[0], ID: segments[1]}
	parent, err := s.Registry.Validate(addr, r.URL.Query().Get("parent"))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, actor.ErrUnknownKind) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}

	switch segments[2] {
	case "ws":
		s.handleChannel(w, r, addr, parent)
	case "rpc":
		s.handleRPC(w, r, addr, parent)
	case "changes":
		s.handleChanges(w, r, addr)
	default:
		writeError(w, http.StatusNotFound, errNotFound("object action"))
	}
}

// handleRPC is the stateless fallback: one request frame in, one response
// frame out, with the error code reflected in the HTTP status.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request, addr actor.Address, parent string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !s.Limiter.Allow(r) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	req, errFrame := gateway.DecodeRequest(data)
	if errFrame != nil {
		writeJSON(w, statusFor(errFrame.Error.Code), errFrame)
		return
	}
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	resp := s.dispatch(ctx, addr, parent, req)
	status := http.StatusOK
	if resp.Error != nil {
		status = statusFor(resp.Error.Code)
	}
	writeJSON(w, status, resp)
}

func (s *Server) dispatch(ctx context.Context, addr actor.Address, parent string, req gateway.Request) gateway.Response {
	result, err := s.Registry.Dispatch(ctx, addr, parent, req.Method, req.Args)
	if err != nil {
		return gateway.Response{ID: req.ID, Error: gateway.AsError(err)}
	}
	return gateway.Response{ID: req.ID, Result: result}
}

func statusFor(code gateway.Code) int {
	switch code {
	case gateway.CodeMethodNotFound:
		return http.StatusNotFound
	case gateway.CodeValidation:
		return http.StatusBadRequest
	case gateway.CodeDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleChanges streams the actor's committed change events as SSE.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, addr actor.Address) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	ctx := r.Context()
	sub := s.bus().Subscribe(ctx, []string{addr.String()})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			payload, _ := json.Marshal(msg.Event)
			_, _ = w.Write([]byte("id: " + strconv.FormatInt(msg.Event.Seq, 10) + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
