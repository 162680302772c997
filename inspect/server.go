package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/mxl/certs"
	"github.com/zsiec/mxl/store"
)

// SessionLister returns the JSON view of the running pipelines.
type SessionLister func() any

// ServerConfig holds the configuration for the inspector Server.
type ServerConfig struct {
	// Addr is the HTTP/3 listen address used by Start.
	Addr     string
	Domain   *store.Domain
	Cert     *certs.CertInfo
	Sessions SessionLister
	Log      *slog.Logger
}

// Server serves the inspector API.
type Server struct {
	config ServerConfig
	log    *slog.Logger
}

// NewServer creates an inspector Server. It returns an error if required
// fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Domain == nil {
		return nil, errors.New("inspect: Domain is required")
	}
	if config.Cert == nil {
		return nil, errors.New("inspect: Cert is required")
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{config: config, log: log.With("component", "inspect")}, nil
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/flows", s.handleListFlows)
	mux.HandleFunc("GET /api/flows/{id}", s.handleFlow)
	mux.HandleFunc("GET /api/flows/{id}/definition", s.handleFlowDefinition)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
}

// APIHandler returns an http.Handler for the HTTPS API.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves the API over HTTP/3 and blocks until the context is
// cancelled or a fatal error occurs.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)

	srv := &http3.Server{
		Addr:      s.config.Addr,
		Handler:   corsMiddleware(mux),
		TLSConfig: http3.ConfigureTLSConfig(s.config.Cert.TLSConfig()),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	s.log.Info("HTTP/3 inspector listening", "addr", s.config.Addr)

	stop := context.AfterFunc(ctx, func() { srv.Close() })
	defer stop()

	err := srv.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) handleListFlows(w http.ResponseWriter, _ *http.Request) {
	flows, err := Summaries(s.config.Domain)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, flows)
}

// flowID parses the {id} path value, writing a 400 on failure.
func flowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid flow id")
		return uuid.Nil, false
	}
	return id, true
}

// writeFlowError maps store errors to status codes.
func writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrFlowNotFound):
		writeError(w, http.StatusNotFound, "flow not found")
	case errors.Is(err, store.ErrFlowInvalid):
		writeError(w, http.StatusGone, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	id, ok := flowID(w, r)
	if !ok {
		return
	}
	d, err := Describe(s.config.Domain, id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleFlowDefinition(w http.ResponseWriter, r *http.Request) {
	id, ok := flowID(w, r)
	if !ok {
		return
	}
	raw, err := s.config.Domain.FlowDefinition(id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	var resp any = []any{}
	if s.config.Sessions != nil {
		resp = s.config.Sessions()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.Addr,
	})
}
