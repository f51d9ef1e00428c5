// Package distribution serves timecode state over a JSON REST API and a
// compact binary feed, on HTTPS and on HTTP/3.
package distribution

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/mtcclock/internal/certs"
	"github.com/zsiec/mtcclock/internal/ingest"
	srtingest "github.com/zsiec/mtcclock/internal/ingest/srt"
	"github.com/zsiec/mtcclock/internal/pipeline"
	"github.com/zsiec/mtcclock/internal/stream"
)

// feedBuffer is the per-connection snapshot queue of the binary feed.
const feedBuffer = 32

// SourceProvider lists the sources with running host loops.
// *stream.Manager implements it.
type SourceProvider interface {
	List() []*stream.Source
	Get(key string) (*stream.Source, bool)
}

// IngestLookup resolves a source key to its byte-level stats, or nil if
// the source is not currently being ingested.
type IngestLookup func(key string) *ingest.Stats

// SRTPullFunc initiates an SRT caller-mode pull from a remote address.
type SRTPullFunc func(address, sourceKey, streamID string) error

// SRTStopFunc stops an active SRT pull by source key.
type SRTStopFunc func(sourceKey string) error

// SRTListFunc returns all active SRT pulls.
type SRTListFunc func() []SRTPullInfo

// PortListFunc returns the available MIDI input ports.
type PortListFunc func() []string

// SRTPullInfo describes an active SRT caller-mode pull.
type SRTPullInfo struct {
	Address   string `json:"address"`
	SourceKey string `json:"sourceKey"`
	StreamID  string `json:"streamId,omitempty"`
}

// SourceInfo is the summary of one source returned by /api/sources.
type SourceInfo struct {
	Key         string            `json:"key"`
	UptimeMs    int64             `json:"uptimeMs"`
	Subscribers int               `json:"subscribers"`
	State       pipeline.Snapshot `json:"state"`
}

// SourceDetail adds ingest stats to SourceInfo for /api/sources/{key}.
type SourceDetail struct {
	SourceInfo
	Ingest *ingest.Stats `json:"ingest,omitempty"`
}

// ServerConfig holds the configuration for the distribution Server.
type ServerConfig struct {
	// Addr is the HTTP/3 (UDP) listen address.
	Addr         string
	Cert         *certs.CertInfo
	Sources      SourceProvider
	IngestLookup IngestLookup
	SRTPull      SRTPullFunc
	SRTStop      SRTStopFunc
	SRTList      SRTListFunc
	Ports        PortListFunc
	Log          *slog.Logger
}

// Server serves the REST API and the binary feed. The same routes are
// available from APIHandler (for an HTTPS server) and from Start (HTTP/3).
type Server struct {
	config ServerConfig
	log    *slog.Logger
	h3     *http3.Server
}

// NewServer creates a distribution Server with the given configuration.
// It returns an error if required fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("distribution: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("distribution: Addr is required")
	}
	if config.Sources == nil {
		return nil, errors.New("distribution: Sources is required")
	}
	if config.Log == nil {
		config.Log = slog.Default()
	}
	s := &Server{
		config: config,
		log:    config.Log.With("component", "distribution"),
	}

	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	s.h3 = &http3.Server{
		Addr:    config.Addr,
		Handler: corsMiddleware(mux),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{config.Cert.TLSCert},
		},
		QUICConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
	}
	return s, nil
}

// registerAPIRoutes registers the REST API endpoints on the given mux.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sources", s.handleListSources)
	mux.HandleFunc("GET /api/sources/{key}", s.handleSource)
	mux.HandleFunc("GET /api/sources/{key}/feed", s.handleFeed)
	mux.HandleFunc("GET /api/midi-ports", s.handlePorts)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/srt-pull", s.handleSRTPullList)
	mux.HandleFunc("POST /api/srt-pull", s.handleSRTPullCreate)
	mux.HandleFunc("DELETE /api/srt-pull", s.handleSRTPullStop)
	mux.HandleFunc("OPTIONS /api/srt-pull", s.handleSRTPullOptions)
}

// APIHandler returns an http.Handler for the HTTPS REST API. Responses
// advertise the HTTP/3 endpoint through Alt-Svc.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	return corsMiddleware(s.altSvcMiddleware(mux))
}

func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
			s.log.Debug("alt-svc header", "error", err)
		}
		next.ServeHTTP(w, r)
	})
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

// Start runs the HTTP/3 server and blocks until the context is cancelled
// or a fatal error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("HTTP/3 server listening", "addr", s.config.Addr)

	stop := context.AfterFunc(ctx, func() { s.h3.Close() })
	defer stop()

	err := s.h3.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func sourceInfo(src *stream.Source) SourceInfo {
	return SourceInfo{
		Key:         src.Key,
		UptimeMs:    time.Since(src.StartedAt).Milliseconds(),
		Subscribers: src.Pipeline.Subscribers(),
		State:       src.Pipeline.Snapshot(),
	}
}

func (s *Server) handleListSources(w http.ResponseWriter, _ *http.Request) {
	sources := s.config.Sources.List()
	resp := make([]SourceInfo, 0, len(sources))
	for _, src := range sources {
		resp = append(resp, sourceInfo(src))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	src, ok := s.config.Sources.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	resp := SourceDetail{SourceInfo: sourceInfo(src)}
	if s.config.IngestLookup != nil {
		resp.Ingest = s.config.IngestLookup(key)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFeed streams one binary record per published snapshot until the
// client goes away or the source ends.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	src, ok := s.config.Sources.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}

	snaps, unsubscribe := src.Pipeline.Subscribe(feedBuffer)
	defer unsubscribe()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", FeedContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	log := s.log.With("source", key, "remote", r.RemoteAddr)
	log.Debug("feed opened")
	defer log.Debug("feed closed")

	var buf []byte
	for {
		select {
		case <-r.Context().Done():
			return
		case <-src.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			buf = AppendFeedFrame(buf[:0], snap)
			if _, err := w.Write(buf); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				log.Debug("feed flush", "error", err)
				return
			}
		}
	}
}

func (s *Server) handlePorts(w http.ResponseWriter, _ *http.Request) {
	ports := []string{}
	if s.config.Ports != nil {
		if p := s.config.Ports(); p != nil {
			ports = p
		}
	}
	writeJSON(w, http.StatusOK, ports)
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.Addr,
	})
}

func (s *Server) handleSRTPullOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// SECURITY: the SRT pull endpoint dials arbitrary addresses. Expose it only
// to operators on a trusted network.
func (s *Server) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	if s.config.SRTList == nil {
		writeJSON(w, http.StatusOK, []SRTPullInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.SRTList())
}

func (s *Server) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTPull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req SRTPullInfo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.SourceKey == "" {
		writeError(w, http.StatusBadRequest, "address and sourceKey are required")
		return
	}
	if err := s.config.SRTPull(req.Address, req.SourceKey, req.StreamID); err != nil {
		writeError(w, pullErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "sourceKey": req.SourceKey})
}

// pullErrorStatus maps a failed pull to a status code. Anything that is
// not a bad request or a key clash is a failure reaching the remote sender.
func pullErrorStatus(err error) int {
	switch {
	case errors.Is(err, ingest.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, srtingest.ErrPullExists), errors.Is(err, ingest.ErrSourceExists):
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func (s *Server) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTStop == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	key := r.URL.Query().Get("sourceKey")
	if key == "" {
		writeError(w, http.StatusBadRequest, "sourceKey query parameter required")
		return
	}
	if err := s.config.SRTStop(key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "sourceKey": key})
}
