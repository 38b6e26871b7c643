// Package http exposes the map keeper over a JSON HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/json-iterator/go"

	"lsmkv/pkg/config"
	"lsmkv/pkg/engine"
	"lsmkv/pkg/maps"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
	maxValueBytes          = 16 << 20
)

type iMapsAPI interface {
	Ping() maps.ResponseCode
	AddMap(name string) (maps.ResponseCode, error)
	DropMap(name string) (maps.ResponseCode, error)
	ListMaps() []string
	Get(mapName string, record []byte) ([]byte, maps.ResponseCode, error)
	Put(mapName string, record, value []byte) (maps.ResponseCode, error)
	Insert(mapName string, record, value []byte) (maps.ResponseCode, error)
	Update(mapName string, record, value []byte) (maps.ResponseCode, error)
	Remove(mapName string, record []byte) (maps.ResponseCode, error)
	Scan(req maps.ScanRequest) ([]maps.Record, maps.ResponseCode, error)
}

type iAdminAPI interface {
	Flush(ctx context.Context) error
	Compact(ctx context.Context) error
	Stats() (engine.Stats, error)
}

// Server represents the HTTP front-end of the store.
type Server struct {
	maps       iMapsAPI
	admin      iAdminAPI
	cfg        config.ServerConfig
	log        *slog.Logger
	httpServer *http.Server
	URL        string
}

// NewServer creates a new server instance
func NewServer(cfg config.ServerConfig, keeper iMapsAPI, admin iAdminAPI, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		maps:  keeper,
		admin: admin,
		cfg:   cfg,
		log:   logger.With("component", "http"),
	}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	s.URL = "http://" + ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.log.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.log.Info("HTTP server stopped")
	return nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/maps", func(r chi.Router) {
		r.Get("/", s.handleListMaps)
		r.Put("/{map}", s.handleAddMap)
		r.Delete("/{map}", s.handleDropMap)

		r.Get("/{map}/records", s.handleScan)
		r.Get("/{map}/records/{record}", s.handleGet)
		r.Put("/{map}/records/{record}", s.handleWrite(iMapsAPI.Put))
		r.Post("/{map}/records/{record}", s.handleWrite(iMapsAPI.Insert))
		r.Patch("/{map}/records/{record}", s.handleWrite(iMapsAPI.Update))
		r.Delete("/{map}/records/{record}", s.handleRemove)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/flush", s.handleFlush)
		r.Post("/compact", s.handleCompact)
		r.Get("/stats", s.handleStats)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("Error encoding response", "error", err)
	}
}

// httpStatus maps a response code onto the HTTP status line.
func httpStatus(code maps.ResponseCode) int {
	switch code {
	case maps.Success, maps.ScanEnded:
		return http.StatusOK
	case maps.MapNotFound, maps.RecordNotFound:
		return http.StatusNotFound
	case maps.MapExists, maps.RecordExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeCode(w http.ResponseWriter, code maps.ResponseCode, err error) {
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, httpStatus(code), NewCodeResponse(code))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if code := s.maps.Ping(); code != maps.Success {
		s.writeJSON(w, http.StatusServiceUnavailable, NewCodeResponse(code))
		return
	}
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleListMaps(w http.ResponseWriter, r *http.Request) {
	resp := NewCodeResponse(maps.Success)
	resp.Maps = s.maps.ListMaps()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddMap(w http.ResponseWriter, r *http.Request) {
	code, err := s.maps.AddMap(chi.URLParam(r, "map"))
	s.writeCode(w, code, err)
}

func (s *Server) handleDropMap(w http.ResponseWriter, r *http.Request) {
	code, err := s.maps.DropMap(chi.URLParam(r, "map"))
	s.writeCode(w, code, err)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	value, code, err := s.maps.Get(chi.URLParam(r, "map"), []byte(chi.URLParam(r, "record")))
	if err != nil || code != maps.Success {
		s.writeCode(w, code, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(value))
}

// handleWrite serves put, insert and update; the request body is the value.
func (s *Server) handleWrite(op func(api iMapsAPI, mapName string, record, value []byte) (maps.ResponseCode, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to read value: "+err.Error()))
			return
		}
		code, err := op(s.maps, chi.URLParam(r, "map"), []byte(chi.URLParam(r, "record")), value)
		s.writeCode(w, code, err)
	}
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	code, err := s.maps.Remove(chi.URLParam(r, "map"), []byte(chi.URLParam(r, "record")))
	s.writeCode(w, code, err)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := maps.ScanRequest{
		Map:   chi.URLParam(r, "map"),
		Start: []byte(q.Get("start")),
		End:   []byte(q.Get("end")),
	}

	var err error
	if req.StartIncluded, err = parseBool(q.Get("start_incl"), true); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid start_incl"))
		return
	}
	if req.EndIncluded, err = parseBool(q.Get("end_incl"), false); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid end_incl"))
		return
	}
	if req.MaxRecords, err = parseLimit(q.Get("max_records")); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid max_records"))
		return
	}
	if req.MaxBytes, err = parseLimit(q.Get("max_bytes")); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid max_bytes"))
		return
	}

	records, code, err := s.maps.Scan(req)
	if err != nil || (code != maps.Success && code != maps.ScanEnded) {
		s.writeCode(w, code, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewRecordsResponse(code, records))
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.Flush(r.Context()); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewCodeResponse(maps.Success))
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.Compact(r.Context()); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewCodeResponse(maps.Success))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.admin.Stats()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	resp := NewCodeResponse(maps.Success)
	resp.Stats = &st
	s.writeJSON(w, http.StatusOK, resp)
}

func parseBool(s string, def bool) (bool, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseBool(s)
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	return n, nil
}
