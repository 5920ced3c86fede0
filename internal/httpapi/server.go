// Package httpapi serves the development coaching backend over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ent0n29/minacoach/internal/devbackend"
	"github.com/ent0n29/minacoach/internal/observability"
	"github.com/ent0n29/minacoach/internal/protocol"
)

type Options struct {
	// TokenDelay spaces streamed chat tokens to mimic a model.
	TokenDelay time.Duration
	// Ready reports whether storage is reachable. Nil means always ready.
	Ready func(ctx context.Context) error
	Log   zerolog.Logger
}

type Server struct {
	svc     *devbackend.Service
	metrics *observability.Metrics
	opts    Options
	log     zerolog.Logger
}

func New(svc *devbackend.Service, metrics *observability.Metrics, opts Options) *Server {
	return &Server{
		svc:     svc,
		metrics: metrics,
		opts:    opts,
		log:     opts.Log.With().Str("component", "httpapi").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observeRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handlePerfReset)

	r.Post("/stt", s.handleSTT)
	r.Post("/chat", s.handleChat)
	r.Post("/tts", s.handleTTS)
	r.Post("/generate-cues", s.handleCues)
	r.Post("/generate-report", s.handleReport)
	r.Post("/mina-session/end", s.handleEndSession)
	r.Get("/mina-session/{userId}", s.handleRemaining)

	return r
}

func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		}
		s.log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("latency", time.Since(started)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request served")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"store_mode":      s.svc.StoreKind(),
		"active_sessions": s.svc.Registry().ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.svc.StoreKind(),
	})
}

func (s *Server) handleSTT(w http.ResponseWriter, r *http.Request) {
	var req protocol.STTRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Transcribe(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, res)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatRequest
	if !s.decode(w, r, &req) {
		return
	}
	reply, err := s.svc.Chat(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	if req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamReply(w, r, reply)
		return
	}
	respondJSON(w, http.StatusOK, protocol.ChatResponse{
		MinaReply:     reply.Text,
		SessionID:     reply.SessionID,
		SessionActive: reply.SessionActive,
	})
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req protocol.TTSRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Synthesize(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCues(w http.ResponseWriter, r *http.Request) {
	var req protocol.CuesRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Cues(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReportRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Report(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.QuotaRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.EndSession(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemaining(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Remaining(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := decodeJSON(r, out); err != nil {
		msg := err.Error()
		if errors.Is(err, errEmptyBody) {
			msg = "request body is required"
		}
		respondError(w, http.StatusBadRequest, "invalid_request", msg)
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, devbackend.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, devbackend.ErrUnsupportedType):
		respondError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", err.Error())
	case errors.Is(err, devbackend.ErrNoTranscript):
		respondError(w, http.StatusNotFound, "no_transcript", err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
